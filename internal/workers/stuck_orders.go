package workers

import (
	"context"
	"log/slog"
	"time"
)

type StuckOrderService interface {
	FlagStuckTransfers(ctx context.Context, olderThan time.Duration) (int, error)
	RetryPendingSettlements(ctx context.Context, olderThan time.Duration, budget int) (int, error)
}

// StuckOrderSweeper surfaces orders that stopped moving and retries pending settlements.
type StuckOrderSweeper struct {
	logger *slog.Logger
	orders StuckOrderService

	// Duration after which an order without progress is considered stuck
	stuckAfter time.Duration

	// How often to run the sweep
	interval time.Duration

	releaseBudget int
}

func NewStuckOrderSweeper(
	logger *slog.Logger,
	orders StuckOrderService,
	stuckAfter time.Duration,
	interval time.Duration,
	releaseBudget int,
) *StuckOrderSweeper {
	return &StuckOrderSweeper{
		logger:        logger,
		orders:        orders,
		stuckAfter:    stuckAfter,
		interval:      interval,
		releaseBudget: releaseBudget,
	}
}

// Start begins the periodic sweep
func (s *StuckOrderSweeper) Start(ctx context.Context) {
	s.logger.InfoContext(ctx, "Starting stuck order sweeper",
		"stuck_after", s.stuckAfter.String(),
		"interval", s.interval.String(),
		"release_budget", s.releaseBudget)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Stuck order sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Pending releases and refunds are retried once they are older than one interval.
func (s *StuckOrderSweeper) Sweep(ctx context.Context) {
	flagged, err := s.orders.FlagStuckTransfers(ctx, s.stuckAfter)
	if err != nil {
		s.logger.ErrorContext(ctx, "Stuck transfer sweep failed", "error", err)
	} else if flagged > 0 {
		s.logger.WarnContext(ctx, "Transfers without agent callback", "count", flagged, "older_than", s.stuckAfter.String())
	} else {
		s.logger.DebugContext(ctx, "No stuck transfers")
	}

	settled, err := s.orders.RetryPendingSettlements(ctx, s.interval, s.releaseBudget)
	if err != nil {
		s.logger.ErrorContext(ctx, "Settlement retry sweep failed", "error", err)
		return
	}
	if settled > 0 {
		s.logger.InfoContext(ctx, "Pending settlements completed", "count", settled)
	}
}
