package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"estatecrm/api/internal/store"
)

type pullRunner interface {
	ListDataSources(ctx context.Context) ([]store.DataSource, error)
	PullSync(ctx context.Context, dataSourceID string, opts PullOptions) (SyncResult, error)
}

// Scheduler re-runs PullSync for every auto-sync source on its own ticker until stopped.
// The set of sources is read once at Start.
type Scheduler struct {
	runner pullRunner
	logger *zap.Logger
	// every overrides the per-source interval when positive
	every time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(runner pullRunner, logger *zap.Logger, every time.Duration) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{runner: runner, logger: logger.Named("scheduler"), every: every}
}

func (s *Scheduler) interval(ds store.DataSource) time.Duration {
	if s.every > 0 {
		return s.every
	}
	return time.Duration(ds.SyncIntervalMinutes) * time.Minute
}

// Start launches one loop per eligible source and returns how many were scheduled.
func (s *Scheduler) Start(ctx context.Context) (int, error) {
	sources, err := s.runner.ListDataSources(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return 0, errors.New("scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	scheduled := 0
	for _, ds := range sources {
		every := s.interval(ds)
		if !ds.AutoSync || ds.Status == store.DataSourcePaused || every <= 0 {
			continue
		}
		scheduled++
		s.wg.Add(1)
		go s.loop(runCtx, ds.ID, every)
	}
	s.logger.Info("scheduler started", zap.Int("sources", scheduled))
	return scheduled, nil
}

func (s *Scheduler) loop(ctx context.Context, dataSourceID string, every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// the tick runs inline, so a slow pull delays the next one instead of overlapping it
			result, err := s.runner.PullSync(ctx, dataSourceID, PullOptions{})
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("scheduled pull failed", zap.String("data_source_id", dataSourceID), zap.Error(err))
				}
				continue
			}
			s.logger.Debug("scheduled pull",
				zap.String("data_source_id", dataSourceID),
				zap.Int("inserted", result.RecordsInserted),
				zap.Int("conflicts", len(result.Conflicts)),
			)
		}
	}
}

// Stop cancels every loop and waits for in-flight pulls to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
