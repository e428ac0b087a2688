package nutrition

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/warp/intake-engine/core"
	"github.com/warp/intake-engine/logger"
)

// =============================================================================
// OPEN FOOD FACTS
// =============================================================================

const (
	DefaultOpenFoodFactsURL = "https://world.openfoodfacts.org"
	DefaultUserAgent        = "intake-engine/1.0"
	DefaultLookupTimeout    = 10 * time.Second

	minBarcodeLen = 8
	maxBarcodeLen = 18
)

// searchFields is the projection requested from the search endpoint.
const searchFields = "code,product_name,categories_tags,nutriments,serving_size"

// NormalizeBarcode strips whitespace and returns the code with ok=false when
// what remains is not 8-18 digits.
func NormalizeBarcode(raw string) (string, bool) {
	code := strings.Join(strings.Fields(raw), "")
	if len(code) < minBarcodeLen || len(code) > maxBarcodeLen {
		return code, false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return code, false
		}
	}
	return code, true
}

// OpenFoodFacts looks products up by barcode, falling back to free-text
// search. Outbound calls are paced by a shared limiter.
type OpenFoodFacts struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
	Limiter   *rate.Limiter
	Log       *logger.Logger
}

// NewOpenFoodFacts returns a client paced at rps requests per second.
// rps <= 0 disables pacing.
func NewOpenFoodFacts(baseURL string, rps float64, log *logger.Logger) *OpenFoodFacts {
	if baseURL == "" {
		baseURL = DefaultOpenFoodFactsURL
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &OpenFoodFacts{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		UserAgent: DefaultUserAgent,
		Client:    &http.Client{Timeout: DefaultLookupTimeout},
		Limiter:   lim,
		Log:       logger.OrNop(log),
	}
}

func (o *OpenFoodFacts) Name() string { return "openfoodfacts" }

func (o *OpenFoodFacts) Find(ctx context.Context, q Query) (Item, error) {
	if q.Barcode != "" {
		code, ok := NormalizeBarcode(q.Barcode)
		if ok {
			item, err := o.product(ctx, code, q.Kind)
			if err == nil {
				return item, nil
			}
			if ctx.Err() != nil {
				return Item{}, ctx.Err()
			}
			o.Log.Debug("barcode lookup missed", "code", code, "error", err)
		}
	}

	text := strings.TrimSpace(q.Text)
	if text == "" {
		return Item{}, ErrNoMatch
	}
	return o.search(ctx, text, q.Kind)
}

func (o *OpenFoodFacts) product(ctx context.Context, code string, kind core.FoodKind) (Item, error) {
	body, err := o.get(ctx, "/api/v2/product/"+url.PathEscape(code)+".json", nil)
	if err != nil {
		return Item{}, err
	}

	doc := gjson.ParseBytes(body)
	if doc.Get("status").Int() != 1 || !doc.Get("product.code").Exists() {
		return Item{}, ErrNoMatch
	}
	return o.item(doc.Get("product"), kind), nil
}

// search tries a full-text query first, then the English category tag, then
// the generic tag parameter.
func (o *OpenFoodFacts) search(ctx context.Context, text string, kind core.FoodKind) (Item, error) {
	for _, param := range []string{"q", "categories_tags_en", "tag"} {
		params := url.Values{}
		params.Set(param, text)
		params.Set("fields", searchFields)
		params.Set("sort_by", "popularity")
		params.Set("page_size", "5")

		body, err := o.get(ctx, "/api/v2/search", params)
		if err != nil {
			if ctx.Err() != nil {
				return Item{}, ctx.Err()
			}
			o.Log.Debug("search strategy failed", "param", param, "error", err)
			continue
		}

		products := gjson.GetBytes(body, "products").Array()
		if len(products) == 0 {
			continue
		}
		return o.item(bestProduct(products), kind), nil
	}
	return Item{}, ErrNoMatch
}

// bestProduct prefers a named product that reports energy per 100g.
func bestProduct(products []gjson.Result) gjson.Result {
	for _, p := range products {
		if p.Get("product_name").String() == "" || !p.Get("nutriments").Exists() {
			continue
		}
		n := p.Get("nutriments")
		if n.Get("energy_100g").Exists() || n.Get("energy-kcal_100g").Exists() {
			return p
		}
	}
	return products[0]
}

func (o *OpenFoodFacts) item(p gjson.Result, kind core.FoodKind) Item {
	title := p.Get("product_name").String()
	if kind == "" {
		var cats []string
		for _, c := range p.Get("categories_tags").Array() {
			cats = append(cats, c.String())
		}
		kind = DetectKind(cats, title)
	}

	n := p.Get("nutriments")
	return Item{
		Code:     p.Get("code").String(),
		Title:    title,
		Kind:     kind,
		Provider: o.Name(),
		Per100: core.Per100{
			Sugar:  nutriment(n, "sugars", kind),
			Fat:    nutriment(n, "fat", kind),
			SatFat: nutriment(n, "saturated-fat", kind),
			Salt:   nutriment(n, "salt", kind),
		},
	}
}

// DetectKind classifies a product from its category tags and name.
func DetectKind(categories []string, name string) core.FoodKind {
	cats := strings.ToLower(strings.Join(categories, " "))
	lname := strings.ToLower(name)

	if strings.Contains(cats, "fruits") || strings.Contains(cats, "vegetables") {
		return core.KindFruitOrVegetable
	}
	for _, produce := range []string{"apple", "banana", "orange", "tomato"} {
		if strings.Contains(lname, produce) {
			return core.KindFruitOrVegetable
		}
	}
	if strings.Contains(cats, "beverages") || strings.Contains(cats, "drinks") {
		return core.KindBeverage
	}
	return core.KindSolid
}

// nutriment reads key per 100ml for beverages and per 100g otherwise, with the
// other basis as fallback. Values that are not numbers count as absent.
func nutriment(n gjson.Result, key string, kind core.FoodKind) decimal.NullDecimal {
	order := []string{"_100g", "_100ml"}
	if kind == core.KindBeverage {
		order = []string{"_100ml", "_100g"}
	}
	for _, suffix := range order {
		v := n.Get(key + suffix)
		if !v.Exists() {
			continue
		}
		d, err := decimalOf(v)
		if err != nil {
			continue
		}
		return decimal.NewNullDecimal(d)
	}
	return decimal.NullDecimal{}
}

func decimalOf(v gjson.Result) (decimal.Decimal, error) {
	switch v.Type {
	case gjson.Number:
		return decimal.NewFromString(v.Raw)
	case gjson.String:
		return decimal.NewFromString(strings.TrimSpace(v.Str))
	default:
		return decimal.Decimal{}, fmt.Errorf("not a number: %s", v.Raw)
	}
}

func (o *OpenFoodFacts) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := o.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := o.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", o.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openfoodfacts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openfoodfacts returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("openfoodfacts returned invalid json")
	}
	return body, nil
}
