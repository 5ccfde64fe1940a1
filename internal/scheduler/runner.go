package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tributary/internal/logging"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatch        = 100
)

// FireFunc is called once per due schedule with the id from its payload.
type FireFunc func(ctx context.Context, scheduleID string) error

// Runner polls the local backend and fires due schedules. Each row is
// deleted before its callback runs, so a crash between the two loses the
// fire instead of repeating it.
type Runner struct {
	Local    *Local
	Fire     FireFunc
	Interval time.Duration
	Batch    int
	Logger   *zap.Logger
}

// Run ticks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			logging.OrNop(r.Logger).Warn("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick fires every schedule currently due and returns how many it fired.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	log := logging.OrNop(r.Logger)
	batch := r.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	due, err := r.Local.Due(ctx, batch)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, s := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		if err := r.Local.Delete(ctx, s.Name); err != nil {
			if !errors.Is(err, ErrScheduleNotFound) {
				log.Warn("claim local schedule failed", zap.String("name", s.Name), zap.Error(err))
			}
			continue
		}
		p, err := DecodePayload([]byte(s.Payload))
		if err != nil {
			log.Error("drop local schedule with bad payload", zap.String("name", s.Name), zap.Error(err))
			continue
		}
		if err := r.Fire(ctx, p.ScheduleID); err != nil {
			log.Error("fire schedule failed", zap.String("schedule_id", p.ScheduleID), zap.Error(err))
			continue
		}
		log.Info("schedule fired", zap.String("schedule_id", p.ScheduleID), zap.String("fire_at", s.FireAt))
		fired++
	}
	return fired, nil
}
