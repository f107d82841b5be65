package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/corvid-labs/flume/internal/engine"
	"github.com/corvid-labs/flume/internal/store"
	"github.com/corvid-labs/flume/pkg/schema"
)

// DefaultSweepInterval is how often expired suspensions are collected.
const DefaultSweepInterval = 30 * time.Second

// DefaultStallAfter is how long a running execution may go without a
// heartbeat before the reaper fails it.
const DefaultStallAfter = 2 * time.Minute

// SweeperConfig tunes the background maintenance schedules.
type SweeperConfig struct {
	SweepInterval time.Duration // 0 = DefaultSweepInterval
	StallAfter    time.Duration // 0 = DefaultStallAfter
}

// Sweeper runs the background maintenance jobs: failing executions whose
// suspension TTL has passed, reaping running executions that stopped
// heartbeating, and a nightly database vacuum.
type Sweeper struct {
	store  store.Store
	engine *engine.Engine
	config SweeperConfig
	logger *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a Sweeper.
func NewSweeper(s store.Store, eng *engine.Engine, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = DefaultStallAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: s, engine: eng, config: cfg, logger: logger}
}

// Start schedules the jobs and launches the cron runner.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New()
	spec := "@every " + s.config.SweepInterval.String()
	if _, err := c.AddFunc(spec, func() { s.SweepExpired(ctx) }); err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}
	if _, err := c.AddFunc(spec, func() { s.ReapStalled(ctx) }); err != nil {
		return fmt.Errorf("schedule stalled reap: %w", err)
	}
	if _, err := c.AddFunc("@daily", func() {
		if err := s.store.Vacuum(ctx); err != nil {
			s.logger.ErrorContext(ctx, "vacuum", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule vacuum: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("sweeper started", "interval", s.config.SweepInterval.String())
	return nil
}

// Stop halts the schedules and waits for a running job to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// SweepExpired fails every execution whose suspension TTL has passed. The
// token is burned first, so a racing resume and the sweeper resolve to
// exactly one winner.
func (s *Sweeper) SweepExpired(ctx context.Context) int {
	now := time.Now().UTC()
	expired, err := s.store.ListExpiredSuspensions(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "list expired suspensions", "error", err)
		return 0
	}

	failed := 0
	for _, susp := range expired {
		won, err := s.store.ExpireSuspension(ctx, susp.Token)
		if err != nil {
			s.logger.ErrorContext(ctx, "expire suspension", "execution_id", susp.ExecutionID, "error", err)
			continue
		}
		if !won {
			continue // a resume beat us to it
		}
		cause := schema.NewErrorf(schema.ErrCodeTimeout,
			"%s suspension expired", susp.Kind).WithNode(susp.NodeID)
		if err := s.engine.Fail(ctx, susp.ExecutionID, cause); err != nil {
			s.logger.ErrorContext(ctx, "fail expired execution", "execution_id", susp.ExecutionID, "error", err)
			continue
		}
		s.logger.InfoContext(ctx, "expired suspension swept",
			"execution_id", susp.ExecutionID, "node_id", susp.NodeID, "kind", string(susp.Kind))
		failed++
	}
	return failed
}

// ReapStalled fails running executions whose heartbeat is older than the
// configured stall window.
func (s *Sweeper) ReapStalled(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-s.config.StallAfter)
	stalled, err := s.store.ListStalledExecutions(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "list stalled executions", "error", err)
		return 0
	}

	reaped := 0
	for _, exec := range stalled {
		cause := schema.NewErrorf(schema.ErrCodeTimeout,
			"no heartbeat since %s", cutoff.Format(time.RFC3339))
		if err := s.engine.Fail(ctx, exec.ID, cause); err != nil {
			s.logger.ErrorContext(ctx, "reap stalled execution", "execution_id", exec.ID, "error", err)
			continue
		}
		s.logger.WarnContext(ctx, "stalled execution reaped", "execution_id", exec.ID)
		reaped++
	}
	return reaped
}
