package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"estatecrm/api/internal/store"
)

type countingRunner struct {
	sources []store.DataSource
	listErr error

	mu    sync.Mutex
	pulls map[string]int
}

func (r *countingRunner) ListDataSources(context.Context) ([]store.DataSource, error) {
	return r.sources, r.listErr
}

func (r *countingRunner) PullSync(ctx context.Context, id string, _ PullOptions) (SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pulls == nil {
		r.pulls = map[string]int{}
	}
	r.pulls[id]++
	if id == "ds_broken" {
		return SyncResult{}, errors.New("sheet gone")
	}
	return SyncResult{DataSourceID: id}, ctx.Err()
}

func (r *countingRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulls[id]
}

func TestSchedulerPullsEligibleSources(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &countingRunner{sources: []store.DataSource{
		{ID: "ds_auto", AutoSync: true, Status: store.DataSourceActive, SyncIntervalMinutes: 5},
		{ID: "ds_broken", AutoSync: true, Status: store.DataSourceError, SyncIntervalMinutes: 5},
		{ID: "ds_manual", AutoSync: false, Status: store.DataSourceActive, SyncIntervalMinutes: 5},
		{ID: "ds_paused", AutoSync: true, Status: store.DataSourcePaused, SyncIntervalMinutes: 5},
	}}
	scheduler := NewScheduler(runner, nil, 10*time.Millisecond)

	scheduled, err := scheduler.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, scheduled)

	_, err = scheduler.Start(context.Background())
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		return runner.count("ds_auto") >= 2 && runner.count("ds_broken") >= 2
	}, 2*time.Second, 5*time.Millisecond)

	scheduler.Stop()
	assert.Zero(t, runner.count("ds_manual"))
	assert.Zero(t, runner.count("ds_paused"))

	// no loop survives Stop
	after := runner.count("ds_auto")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runner.count("ds_auto"))
}

func TestSchedulerUsesSourceInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &countingRunner{sources: []store.DataSource{
		{ID: "ds_hourly", AutoSync: true, Status: store.DataSourceActive, SyncIntervalMinutes: 60},
		{ID: "ds_zero", AutoSync: true, Status: store.DataSourceActive},
	}}
	scheduler := NewScheduler(runner, nil, 0)

	scheduled, err := scheduler.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, scheduled)
	scheduler.Stop()
	assert.Zero(t, runner.count("ds_hourly"))
}

func TestSchedulerStopsWithParentContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &countingRunner{sources: []store.DataSource{
		{ID: "ds_auto", AutoSync: true, Status: store.DataSourceActive},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	scheduler := NewScheduler(runner, nil, time.Millisecond)
	_, err := scheduler.Start(ctx)
	require.NoError(t, err)

	cancel()
	scheduler.Stop()
}

func TestSchedulerListError(t *testing.T) {
	runner := &countingRunner{listErr: errors.New("db down")}
	scheduler := NewScheduler(runner, nil, time.Second)

	_, err := scheduler.Start(context.Background())
	require.EqualError(t, err, "db down")
	// Stop on a scheduler that never started is a no-op
	scheduler.Stop()
}
