package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/intake-engine/logger"
)

// DefaultProvisionWorkers bounds the per-day batch when no worker count is set.
const DefaultProvisionWorkers = 4

// =============================================================================
// PROVISIONER - Materializes the day rows for every user
// =============================================================================

// ProvisionStore is what provisioning needs from persistence.
type ProvisionStore interface {
	UserLister
	PreferenceStore
	DayStore
}

type Provisioner struct {
	Store   ProvisionStore
	Workers int
	Now     func() time.Time
	Log     *logger.Logger
}

func NewProvisioner(store ProvisionStore, workers int, log *logger.Logger) *Provisioner {
	if workers <= 0 {
		workers = DefaultProvisionWorkers
	}
	return &Provisioner{Store: store, Workers: workers, Now: time.Now, Log: logger.OrNop(log)}
}

// UserFailure is one user's provisioning error inside a batch.
type UserFailure struct {
	UserID UserID
	Err    error
}

// ProvisionReport summarizes a batch. Failures never roll back other users.
type ProvisionReport struct {
	Day      Day
	Users    int
	Created  int
	Existing int
	Failures []UserFailure
}

func (r ProvisionReport) OK() bool { return len(r.Failures) == 0 }

// Provision materializes day for every known user. It is safe to run any
// number of times: rows that already exist are left as they are.
// The returned error is reserved for failures that prevent the batch from
// starting at all; per-user errors land in the report.
func (p *Provisioner) Provision(ctx context.Context, day Day) (ProvisionReport, error) {
	users, err := p.Store.ListUserIDs(ctx)
	if err != nil {
		return ProvisionReport{Day: day}, fmt.Errorf("list users: %w", err)
	}

	report := ProvisionReport{Day: day, Users: len(users)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(p.workers())
	for _, user := range users {
		g.Go(func() error {
			created, err := p.ProvisionUser(ctx, user, day)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failures = append(report.Failures, UserFailure{UserID: user, Err: err})
			case created:
				report.Created++
			default:
				report.Existing++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failures, func(i, j int) bool {
		return report.Failures[i].UserID < report.Failures[j].UserID
	})

	p.log().Info("provisioned day",
		"day", day.Key(),
		"users", report.Users,
		"created", report.Created,
		"existing", report.Existing,
		"failed", len(report.Failures),
	)
	for _, f := range report.Failures {
		p.log().Warn("provision user failed", "day", day.Key(), "user_id", f.UserID, "error", f.Err)
	}
	return report, nil
}

// ProvisionUser materializes day for one user. created is false when the
// limits row already existed.
func (p *Provisioner) ProvisionUser(ctx context.Context, user UserID, day Day) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	pref, ok, err := p.Store.EffectivePreference(ctx, user, day)
	if err != nil {
		return false, fmt.Errorf("effective preference: %w", err)
	}
	if !ok {
		pref = BaselinePreference
	}

	limits, err := LimitsFor(pref)
	if err != nil {
		return false, err
	}

	return p.Store.CreateDay(ctx, DailyLimits{
		UserID:     user,
		Day:        day,
		Limits:     limits,
		Preference: pref,
		CreatedAt:  p.now().UTC(),
	})
}

func (p *Provisioner) workers() int {
	if p.Workers <= 0 {
		return DefaultProvisionWorkers
	}
	return p.Workers
}

func (p *Provisioner) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Provisioner) log() *logger.Logger { return logger.OrNop(p.Log) }
