package syncer

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Enqueuer publishes one sync request per ready user.
type Enqueuer interface {
	EnqueueAll(ctx context.Context, publisher Publisher) (int, error)
}

// Scheduler enqueues the whole fleet on a fixed interval.
type Scheduler struct {
	enqueuer  Enqueuer
	publisher Publisher
	interval  time.Duration
	logger    *log.Logger
}

// NewScheduler constructs a Scheduler. A nil logger selects the default logger.
func NewScheduler(enqueuer Enqueuer, publisher Publisher, interval time.Duration, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default().WithPrefix("scheduler")
	}
	return &Scheduler{enqueuer: enqueuer, publisher: publisher, interval: interval, logger: logger}
}

// Run enqueues immediately and then once per interval until ctx is cancelled.
// A non-positive interval returns at once.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		n, err := s.enqueuer.EnqueueAll(ctx, s.publisher)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("scheduled enqueue failed", "err", err)
		} else if err == nil {
			s.logger.Info("scheduled enqueue", "requests", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
