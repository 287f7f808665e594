package syncer

import (
	"context"
	"log/slog"
	"time"
)

const DefaultInterval = 30 * time.Minute

// Notifier is told about cycles that stored new items.
type Notifier interface {
	Notify(ctx context.Context, s Summary) error
}

// Pruner removes posts older than a cutoff.
type Pruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// LogNotifier reports new items through a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, s Summary) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("new items", "count", s.NewItems, "failed_platforms", len(s.Failures))
	return nil
}

// Scheduler triggers SyncAll on a fixed interval.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
	notifier Notifier
	pruner   Pruner
	retain   time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithNotifier(n Notifier) SchedulerOption {
	return func(s *Scheduler) { s.notifier = n }
}

// WithRetention prunes posts older than retain after every cycle.
func WithRetention(p Pruner, retain time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if p != nil && retain > 0 {
			s.pruner, s.retain = p, retain
		}
	}
}

func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func NewScheduler(orch *Orchestrator, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		orch:     orch,
		interval: interval,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RunOnce performs a single cycle: sync, notify, prune.
func (s *Scheduler) RunOnce(ctx context.Context) Summary {
	sum := Summarize(s.orch.SyncAll(ctx))

	for _, f := range sum.Failures {
		s.log.Warn("sync failed", "platform", f.Platform, "error", f.Err)
	}
	if sum.NewItems > 0 && s.notifier != nil {
		if err := s.notifier.Notify(ctx, sum); err != nil {
			s.log.Error("notify", "error", err)
		}
	}
	if s.pruner != nil {
		n, err := s.pruner.PruneOlderThan(ctx, s.now().Add(-s.retain))
		if err != nil {
			s.log.Error("prune", "error", err)
		} else if n > 0 {
			s.log.Info("pruned old posts", "count", n)
		}
	}
	return sum
}

// Run does an immediate cycle, then one per interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
