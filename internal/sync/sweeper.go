package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultSweepInterval = time.Minute
	defaultStaleGrace    = 5 * time.Minute
	sweepBatch           = 500
)

// Sweeper periodically returns events stuck in processing to pending and
// hands every due pending event to the dispatcher. It is the safety net
// behind the in-memory dispatch queue.
type Sweeper struct {
	ledger   *Ledger
	dispatch func(SyncEvent)
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewSweeper creates a Sweeper. dispatch receives each due event.
func NewSweeper(ledger *Ledger, dispatch func(SyncEvent), interval, grace time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	if grace <= 0 {
		grace = defaultStaleGrace
	}

	return &Sweeper{
		ledger:   ledger,
		dispatch: dispatch,
		interval: interval,
		grace:    grace,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Run sweeps every interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one pass and reports how many rows it reclaimed and dispatched.
func (s *Sweeper) Sweep(ctx context.Context) (reclaimed, dispatched int, err error) {
	return s.sweep(ctx, s.grace)
}

// Recover runs a pass that reclaims every processing row regardless of age.
// At startup nothing can legitimately be in flight.
func (s *Sweeper) Recover(ctx context.Context) (reclaimed, dispatched int, err error) {
	return s.sweep(ctx, 0)
}

func (s *Sweeper) sweep(ctx context.Context, grace time.Duration) (int, int, error) {
	ids, err := s.ledger.ReclaimStale(ctx, grace)
	if err != nil {
		return 0, 0, err
	}

	for _, id := range ids {
		stale := fmt.Errorf("%w: event %d returned to pending", ErrStaleProcessing, id)
		s.logger.Warn("reclaimed stale event", slog.String("error", stale.Error()))
	}

	due, err := s.ledger.FindDue(ctx, s.nowFunc(), sweepBatch)
	if err != nil {
		return len(ids), 0, err
	}

	for _, ev := range due {
		s.dispatch(ev)
	}

	if len(ids) > 0 || len(due) > 0 {
		s.logger.Debug("sweep complete", slog.Int("reclaimed", len(ids)), slog.Int("dispatched", len(due)))
	}

	return len(ids), len(due), nil
}
