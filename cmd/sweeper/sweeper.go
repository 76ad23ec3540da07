package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"
)

// StaleOrderExpirer is implemented by orders.Store and postgres.OrderStore.
type StaleOrderExpirer interface {
	ExpireStale(ctx context.Context, before time.Time) (int, error)
}

// Sweeper expires pending orders that were never confirmed.
type Sweeper struct {
	orders  StaleOrderExpirer
	after   time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time
}

func NewSweeper(orders StaleOrderExpirer, after time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{orders: orders, after: after, logger: logger, nowFunc: time.Now}
}

// Handle runs one sweep per scheduled event.
func (s *Sweeper) Handle(ctx context.Context, ev events.CloudWatchEvent) (int, error) {
	cutoff := s.nowFunc().Add(-s.after)
	n, err := s.orders.ExpireStale(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("expire stale orders: %w", err)
	}
	s.logger.InfoContext(ctx, "stale orders expired", "count", n, "cutoff", cutoff.UTC(), "event_id", ev.ID)
	return n, nil
}
