package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

type EventType string

const (
	EventScanFood              EventType = "SCAN_FOOD"
	EventBalancedDay           EventType = "BALANCED_DAY"
	EventAvoidRiskyFood        EventType = "AVOID_RISKY_FOOD"
	EventChooseHealthierOption EventType = "CHOOSE_HEALTHIER_OPTION"
	EventRepeatedExcessSugar   EventType = "REPEATED_EXCESS_SUGAR"
	EventRepeatedRedFatSalt    EventType = "REPEATED_RED_FAT_SALT"
)

// EventTypes lists every event type. PointsFor must handle each one.
func EventTypes() []EventType {
	return []EventType{
		EventScanFood,
		EventBalancedDay,
		EventAvoidRiskyFood,
		EventChooseHealthierOption,
		EventRepeatedExcessSugar,
		EventRepeatedRedFatSalt,
	}
}

// PointsFor returns the fixed signed delta for an event type.
func PointsFor(t EventType) (int, error) {
	switch t {
	case EventScanFood:
		return 2, nil
	case EventBalancedDay:
		return 10, nil
	case EventAvoidRiskyFood:
		return 3, nil
	case EventChooseHealthierOption:
		return 5, nil
	case EventRepeatedExcessSugar:
		return -5, nil
	case EventRepeatedRedFatSalt:
		return -5, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
}

// =============================================================================
// EVENT PAYLOADS - Closed set, one shape per event type
// =============================================================================

// Event is the typed metadata carried by a ledger row. The set is sealed:
// only this package can add an implementation.
type Event interface {
	Type() EventType
	// DayScope returns the civil day a once-per-day event belongs to.
	DayScope() (Day, bool)
	sealed()
}

type ScanFood struct {
	Source     string `json:"source"`
	Confidence int    `json:"confidence"`
}

type BalancedDay struct {
	Day Day `json:"day"`
}

type AvoidRiskyFood struct {
	ScanID string `json:"scan_id"`
}

type ChooseHealthierOption struct{}

type RepeatedExcessSugar struct {
	Day Day `json:"day"`
}

type RepeatedRedFatSalt struct {
	Day Day `json:"day"`
}

func (ScanFood) Type() EventType              { return EventScanFood }
func (BalancedDay) Type() EventType           { return EventBalancedDay }
func (AvoidRiskyFood) Type() EventType        { return EventAvoidRiskyFood }
func (ChooseHealthierOption) Type() EventType { return EventChooseHealthierOption }
func (RepeatedExcessSugar) Type() EventType   { return EventRepeatedExcessSugar }
func (RepeatedRedFatSalt) Type() EventType    { return EventRepeatedRedFatSalt }

func (ScanFood) DayScope() (Day, bool)              { return Day{}, false }
func (e BalancedDay) DayScope() (Day, bool)         { return e.Day, true }
func (AvoidRiskyFood) DayScope() (Day, bool)        { return Day{}, false }
func (ChooseHealthierOption) DayScope() (Day, bool) { return Day{}, false }
func (e RepeatedExcessSugar) DayScope() (Day, bool) { return e.Day, true }
func (e RepeatedRedFatSalt) DayScope() (Day, bool)  { return e.Day, true }

func (ScanFood) sealed()              {}
func (BalancedDay) sealed()           {}
func (AvoidRiskyFood) sealed()        {}
func (ChooseHealthierOption) sealed() {}
func (RepeatedExcessSugar) sealed()   {}
func (RepeatedRedFatSalt) sealed()    {}

// DecodeEvent rebuilds a payload from its persisted form.
func DecodeEvent(t EventType, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch t {
	case EventScanFood:
		var p ScanFood
		err = json.Unmarshal(data, &p)
		ev = p
	case EventBalancedDay:
		var p BalancedDay
		err = json.Unmarshal(data, &p)
		ev = p
	case EventAvoidRiskyFood:
		var p AvoidRiskyFood
		err = json.Unmarshal(data, &p)
		ev = p
	case EventChooseHealthierOption:
		ev = ChooseHealthierOption{}
	case EventRepeatedExcessSugar:
		var p RepeatedExcessSugar
		err = json.Unmarshal(data, &p)
		ev = p
	case EventRepeatedRedFatSalt:
		var p RepeatedRedFatSalt
		err = json.Unmarshal(data, &p)
		ev = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return ev, nil
}

// =============================================================================
// LEDGER ROWS
// =============================================================================

// PointsEntry is one immutable ledger row.
type PointsEntry struct {
	ID     string
	UserID UserID
	Type   EventType
	Delta  int
	Event  Event
	At     time.Time
}

// LeaderboardEntry is the derived per-user ranking row.
type LeaderboardEntry struct {
	UserID    UserID
	Points    int
	ReachedAt time.Time
}

// Ranks reports whether a sorts before b: points descending, then earlier
// reachedAt, then user id so that reads are deterministic.
func Ranks(a, b LeaderboardEntry) bool {
	if a.Points != b.Points {
		return a.Points > b.Points
	}
	if !a.ReachedAt.Equal(b.ReachedAt) {
		return a.ReachedAt.Before(b.ReachedAt)
	}
	return a.UserID < b.UserID
}

// Accumulate folds one delta into a leaderboard row. reachedAt moves only on
// a positive delta; a brand-new row always takes now.
func Accumulate(prev *LeaderboardEntry, user UserID, delta int, now time.Time) LeaderboardEntry {
	if prev == nil {
		return LeaderboardEntry{UserID: user, Points: delta, ReachedAt: now}
	}
	next := *prev
	next.Points += delta
	if delta > 0 {
		next.ReachedAt = now
	}
	return next
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger records points events and serves the ranking.
type Ledger struct {
	Store LedgerStore
	Now   func() time.Time
	NewID func() string
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{
		Store: store,
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

// Record appends the event and updates the leaderboard in one atomic unit.
func (l *Ledger) Record(ctx context.Context, user UserID, ev Event) (LeaderboardEntry, error) {
	if ev == nil {
		return LeaderboardEntry{}, fmt.Errorf("%w: nil event", ErrUnknownEventType)
	}
	delta, err := PointsFor(ev.Type())
	if err != nil {
		return LeaderboardEntry{}, err
	}

	entry := PointsEntry{
		ID:     l.NewID(),
		UserID: user,
		Type:   ev.Type(),
		Delta:  delta,
		Event:  ev,
		At:     l.Now().UTC(),
	}
	return l.Store.AppendPoints(ctx, entry)
}

// RecordedOn reports whether a day-scoped event was already recorded for day.
func (l *Ledger) RecordedOn(ctx context.Context, user UserID, t EventType, day Day) (bool, error) {
	return l.Store.HasPointsOn(ctx, user, t, day)
}

// Top returns the first n leaderboard rows in rank order.
func (l *Ledger) Top(ctx context.Context, n int) ([]LeaderboardEntry, error) {
	if n <= 0 {
		return []LeaderboardEntry{}, nil
	}
	return l.Store.Leaderboard(ctx, n)
}
