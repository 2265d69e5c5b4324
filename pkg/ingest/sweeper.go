package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/robfig/cron/v3"

	"github.com/oceanbase/powermem-hotcold/pkg/logging"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/storage"
	"github.com/oceanbase/powermem-hotcold/pkg/telemetry"
)

// DefaultSweepSchedule runs the TTL sweep hourly.
const DefaultSweepSchedule = "@every 1h"

// Sweeper deletes expired documents on a cron schedule.
type Sweeper struct {
	store    storage.IndexStore
	schedule string

	mu   sync.Mutex
	cron *cron.Cron

	runs    *telemetry.Counter
	removed *telemetry.Counter
}

// NewSweeper validates schedule and returns a stopped sweeper.
func NewSweeper(store storage.IndexStore, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, goerr.Wrap(model.ErrConfiguration, "invalid sweep schedule",
			goerr.V("schedule", schedule), goerr.V("error", err.Error()))
	}
	meter := telemetry.Meter("ingest")
	return &Sweeper{
		store:    store,
		schedule: schedule,
		runs:     telemetry.NewCounter(meter, "memory_sweep_runs", "TTL sweeps run"),
		removed:  telemetry.NewCounter(meter, "memory_swept", "Expired documents deleted by TTL sweeps"),
	}, nil
}

// Sweep deletes documents expired at the current time.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, time.Now())
	s.runs.Inc(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "sweep expired documents")
	}
	s.removed.Add(ctx, n)
	return n, nil
}

// Start schedules Sweep. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	logger := logging.From(ctx)
	c := cron.New()
	_, err := c.AddFunc(s.schedule, func() {
		n, err := s.Sweep(ctx)
		if err != nil {
			logger.Error("ttl sweep failed", "error", err)
			return
		}
		logger.Info("ttl sweep finished", "removed", n)
	})
	if err != nil {
		return goerr.Wrap(err, "schedule sweeper", goerr.V("schedule", s.schedule))
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop cancels the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Runs returns how many sweeps have run.
func (s *Sweeper) Runs() int64 {
	return s.runs.Load()
}

// Removed returns the total number of documents deleted.
func (s *Sweeper) Removed() int64 {
	return s.removed.Load()
}
