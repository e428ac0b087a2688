package nutrition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/warp/intake-engine/core"
)

// =============================================================================
// USDA FOODDATA CENTRAL
// =============================================================================

const DefaultUSDAURL = "https://api.nal.usda.gov/fdc/v1"

// sodiumToSalt converts grams of sodium to grams of salt.
var sodiumToSalt = decimal.RequireFromString("2.5")

// USDA searches FoodData Central by text. It never detects kind itself; items
// default to solid unless the query carries a kind.
type USDA struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewUSDA(baseURL, apiKey string) *USDA {
	if baseURL == "" {
		baseURL = DefaultUSDAURL
	}
	return &USDA{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: DefaultLookupTimeout},
	}
}

func (u *USDA) Name() string { return "usda" }

func (u *USDA) Find(ctx context.Context, q Query) (Item, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" || u.APIKey == "" {
		return Item{}, ErrNoMatch
	}

	body, err := json.Marshal(map[string]any{"query": text, "pageSize": 1})
	if err != nil {
		return Item{}, err
	}
	endpoint := u.BaseURL + "/foods/search?api_key=" + url.QueryEscape(u.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Item{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.Client.Do(req)
	if err != nil {
		return Item{}, fmt.Errorf("usda request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Item{}, fmt.Errorf("usda returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Item{}, err
	}

	food := gjson.GetBytes(raw, "foods.0")
	if !food.Get("fdcId").Exists() {
		return Item{}, ErrNoMatch
	}

	kind := q.Kind
	if kind == "" {
		kind = core.KindSolid
	}
	item := Item{
		Code:     food.Get("fdcId").String(),
		Title:    food.Get("description").String(),
		Kind:     kind,
		Provider: u.Name(),
	}

	for _, n := range food.Get("foodNutrients").Array() {
		if !strings.EqualFold(n.Get("unitName").String(), "g") {
			continue
		}
		v, err := decimalOf(n.Get("value"))
		if err != nil {
			continue
		}
		name := strings.ToLower(n.Get("nutrientName").String())
		p := &item.Per100
		switch {
		case strings.Contains(name, "sugars"):
			p.Sugar = decimal.NewNullDecimal(v)
		case strings.Contains(name, "total lipid"):
			p.Fat = decimal.NewNullDecimal(v)
		case strings.Contains(name, "saturated"):
			p.SatFat = decimal.NewNullDecimal(v)
		case strings.Contains(name, "salt"):
			p.Salt = decimal.NewNullDecimal(v)
		case strings.Contains(name, "sodium") && !p.Salt.Valid:
			p.Salt = decimal.NewNullDecimal(v.Mul(sodiumToSalt))
		}
	}
	return item, nil
}
