package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/intake-engine/core"
	"github.com/warp/intake-engine/logger"
)

type fakeRunner struct {
	mu    sync.Mutex
	days  []core.Day
	block chan struct{}
	err   error
	// returned counts Provision calls that have finished, cancelled ones included.
	returned int
}

func (f *fakeRunner) CurrentDay() core.Day { return core.MustParseDay("2025-03-10") }

func (f *fakeRunner) Provision(ctx context.Context, day core.Day) (core.ProvisionReport, error) {
	defer func() {
		f.mu.Lock()
		f.returned++
		f.mu.Unlock()
	}()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return core.ProvisionReport{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days = append(f.days, day)
	return core.ProvisionReport{Day: day, Users: 1, Created: 1}, f.err
}

func (f *fakeRunner) finished() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.returned
}

func (f *fakeRunner) calls() []core.Day {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Day(nil), f.days...)
}

func TestNewProvisionScheduler_RejectsBadSpec(t *testing.T) {
	_, err := NewProvisionScheduler(&fakeRunner{}, "every day", logger.Nop())

	require.Error(t, err)
}

func TestProvisionScheduler_RunNowProvisionsCurrentDay(t *testing.T) {
	runner := &fakeRunner{}
	ps, err := NewProvisionScheduler(runner, "0 0 * * *", logger.Nop())
	require.NoError(t, err)

	ran := ps.RunNow()

	assert.True(t, ran)
	require.Len(t, runner.calls(), 1)
	assert.Equal(t, "2025-03-10", runner.calls()[0].Key())
}

func TestProvisionScheduler_SkipsOverlappingRun(t *testing.T) {
	// GIVEN a run that blocks until released
	runner := &fakeRunner{block: make(chan struct{})}
	ps, err := NewProvisionScheduler(runner, "0 0 * * *", logger.Nop())
	require.NoError(t, err)

	done := make(chan bool)
	go func() { done <- ps.RunNow() }()
	require.Eventually(t, func() bool {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		return ps.running
	}, time.Second, 5*time.Millisecond)

	// WHEN a second run is triggered
	second := ps.RunNow()

	// THEN it is skipped and the first completes
	assert.False(t, second)
	close(runner.block)
	assert.True(t, <-done)
	assert.Len(t, runner.calls(), 1)
}

func TestProvisionScheduler_StartCatchesUpAndStopCancels(t *testing.T) {
	runner := &fakeRunner{}
	ps, err := NewProvisionScheduler(runner, "0 0 * * *", logger.Nop())
	require.NoError(t, err)

	ps.Start()
	require.Eventually(t, func() bool { return len(runner.calls()) == 1 }, time.Second, 5*time.Millisecond)

	next := ps.Next()
	assert.Equal(t, 0, next.In(core.Location()).Hour())
	assert.Equal(t, 0, next.In(core.Location()).Minute())

	ps.Stop()
	assert.Error(t, ps.ctx.Err())
}

func TestProvisionScheduler_StopWaitsForCatchUpRun(t *testing.T) {
	// GIVEN a started scheduler whose catch-up run is blocked
	runner := &fakeRunner{block: make(chan struct{})}
	ps, err := NewProvisionScheduler(runner, "0 0 * * *", logger.Nop())
	require.NoError(t, err)
	ps.Start()
	require.Eventually(t, func() bool {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		return ps.running
	}, time.Second, 5*time.Millisecond)

	// WHEN the scheduler is stopped
	ps.Stop()

	// THEN the cancelled run has already returned
	assert.Equal(t, 1, runner.finished())
	assert.Empty(t, runner.calls())
	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.False(t, ps.running)
}
