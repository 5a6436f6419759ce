package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pruner deletes closed conversations last updated before cutoff.
type Pruner interface {
	PruneClosed(ctx context.Context, cutoff time.Time) (int, error)
}

// JanitorConfig configures a Janitor.
type JanitorConfig struct {
	Schedule  string
	Retention time.Duration
	Store     Pruner
	Timeout   time.Duration
	OnPruned  func(n int)
	Logger    zerolog.Logger

	now func() time.Time
}

// Janitor prunes closed conversations on a cron schedule.
type Janitor struct {
	cfg    JanitorConfig
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
	pruned  int
}

// NewJanitor validates cfg and prepares the schedule. Call Start to run it.
func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("janitor store is required")
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("janitor retention must be positive")
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	j := &Janitor{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "janitor").Logger(),
	}
	j.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	j.cron.Schedule(sched, cron.FuncJob(j.tick))
	return j, nil
}

// Start begins the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info().Str("schedule", j.cfg.Schedule).Dur("retention", j.cfg.Retention).Msg("Janitor started")
}

// Stop halts the schedule and waits for a running pass to finish or ctx to
// expire.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next is the time of the next scheduled pass, zero when not started.
func (j *Janitor) Next() time.Time {
	entries := j.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce prunes conversations closed for longer than the retention.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	cutoff := j.cfg.now().Add(-j.cfg.Retention)
	n, err := j.cfg.Store.PruneClosed(ctx, cutoff)

	j.mu.Lock()
	j.lastRun = j.cfg.now()
	j.lastErr = err
	if err == nil {
		j.pruned += n
	}
	j.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("failed to prune conversations: %w", err)
	}
	if n > 0 && j.cfg.OnPruned != nil {
		j.cfg.OnPruned(n)
	}
	return n, nil
}

// Status reports the last pass and the running total of pruned conversations.
func (j *Janitor) Status() (lastRun time.Time, pruned int, lastErr error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun, j.pruned, j.lastErr
}

func (j *Janitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Timeout)
	defer cancel()

	start := time.Now()
	n, err := j.RunOnce(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("Janitor pass failed")
		return
	}
	j.logger.Info().Int("pruned", n).Dur("duration", time.Since(start)).Msg("Janitor pass completed")
}
