/*
scheduler.go - Automated daily provisioning

PURPOSE:
  Creates every user's limits, intake, red-flag and streak rows at the start
  of each civil day so that consumption never lands on a missing day.

DESIGN:
  - cron schedule evaluated in the fixed civil timezone (default "0 0 * * *")
  - runs once immediately on Start to catch up after downtime
  - overlapping runs are skipped, not queued
  - provisioning is idempotent, so a manual RunNow next to the cron is safe

USAGE:
  scheduler, err := NewProvisionScheduler(tracker, "0 0 * * *", log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Provision endpoint (manual trigger)
  - core/provision.go: Provisioner
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warp/intake-engine/core"
	"github.com/warp/intake-engine/logger"
)

// DefaultRunTimeout bounds a single provisioning run.
const DefaultRunTimeout = 10 * time.Minute

// ProvisionRunner is the part of the tracker the scheduler drives.
type ProvisionRunner interface {
	CurrentDay() core.Day
	Provision(ctx context.Context, day core.Day) (core.ProvisionReport, error)
}

// ProvisionScheduler runs daily provisioning on a cron schedule.
type ProvisionScheduler struct {
	Runner     ProvisionRunner
	Spec       string
	RunTimeout time.Duration

	cron    *cron.Cron
	log     *logger.Logger
	mu      sync.Mutex
	running bool
	catchUp sync.WaitGroup

	// ctx is cancelled by Stop so an in-flight run ends promptly.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewProvisionScheduler validates spec and builds a stopped scheduler.
func NewProvisionScheduler(runner ProvisionRunner, spec string, log *logger.Logger) (*ProvisionScheduler, error) {
	c := cron.New(cron.WithLocation(core.Location()))
	ps := &ProvisionScheduler{
		Runner:     runner,
		Spec:       spec,
		RunTimeout: DefaultRunTimeout,
		cron:       c,
		log:        logger.OrNop(log).With("component", "scheduler"),
	}
	if _, err := c.AddFunc(spec, func() { ps.RunNow() }); err != nil {
		return nil, fmt.Errorf("invalid provision schedule %q: %w", spec, err)
	}
	ps.ctx, ps.cancel = context.WithCancel(context.Background())
	return ps, nil
}

// Start begins the schedule and runs one catch-up pass in the background.
func (ps *ProvisionScheduler) Start() {
	ps.cron.Start()
	ps.log.Info("scheduler started", "spec", ps.Spec, "zone", core.Location().String())
	ps.catchUp.Add(1)
	go func() {
		defer ps.catchUp.Done()
		ps.RunNow()
	}()
}

// Stop cancels any in-flight run and waits for cron jobs and the catch-up
// run to return.
func (ps *ProvisionScheduler) Stop() {
	ps.cancel()
	<-ps.cron.Stop().Done()
	ps.catchUp.Wait()
	ps.log.Info("scheduler stopped")
}

// Next reports the next scheduled run, zero before Start.
func (ps *ProvisionScheduler) Next() time.Time {
	entries := ps.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunNow provisions the current civil day. It returns false when another run
// is already in progress.
func (ps *ProvisionScheduler) RunNow() bool {
	ps.mu.Lock()
	if ps.running {
		ps.mu.Unlock()
		ps.log.Warn("provisioning already running, skipping")
		return false
	}
	ps.running = true
	ps.mu.Unlock()

	defer func() {
		ps.mu.Lock()
		ps.running = false
		ps.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ps.ctx, ps.RunTimeout)
	defer cancel()

	day := ps.Runner.CurrentDay()
	start := time.Now()
	report, err := ps.Runner.Provision(ctx, day)
	if err != nil {
		ps.log.Error("provisioning failed", "day", day.Key(), "error", err)
		return true
	}
	ps.log.Info("provisioning completed",
		"day", day.Key(),
		"users", report.Users,
		"created", report.Created,
		"existing", report.Existing,
		"failed", len(report.Failures),
		"duration", time.Since(start),
	)
	return true
}
