package settlement

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler triggers SettleDue once per hour at a fixed minute, so a day's
// settlement happens shortly after midnight in the challenge timezone and
// any hour missed during downtime is retried the next hour. Settlement is
// idempotent, so extra triggers are harmless.
type Scheduler struct {
	engine *Engine
	minute int
	log    *slog.Logger
	now    func() time.Time
}

// NewScheduler constructs an hourly settlement scheduler firing at the given
// minute past each hour.
func NewScheduler(engine *Engine, minute int) *Scheduler {
	if minute < 0 || minute > 59 {
		minute = 5
	}
	return &Scheduler{
		engine: engine,
		minute: minute,
		log:    slog.Default(),
		now:    time.Now,
	}
}

// Run blocks until the context is cancelled, firing SettleDue on schedule.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		results, err := s.engine.SettleDue(ctx)
		if err != nil {
			s.log.Error("scheduled settlement run failed", "error", err)
		} else if len(results) > 0 {
			s.log.Info("scheduled settlement run", "settled", len(results))
		}
		timer.Reset(s.untilNext())
	}
}

// untilNext computes the delay to the next minute-past-the-hour boundary.
func (s *Scheduler) untilNext() time.Duration {
	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), s.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(time.Hour)
	}
	return next.Sub(now)
}
