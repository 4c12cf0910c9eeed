package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
)

// ReconcilerCursor names the block cursor of the deposit poller in ledger_cursors.
const ReconcilerCursor = "escrow_deposits"

// DepositSource reads deposit logs from the escrow contract.
type DepositSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FetchDeposits(ctx context.Context, from, to uint64) ([]entities.DepositEvent, error)
}

type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (uint64, bool, error)
	SaveCursor(ctx context.Context, name string, block uint64) error
}

type DepositApplier interface {
	ApplyDeposit(ctx context.Context, ev *entities.DepositEvent) (entities.DepositOutcome, error)
}

type ReconcilerOptions struct {
	StartBlock    uint64
	Confirmations uint64
	MaxBlockRange uint64
	PollInterval  time.Duration
}

// EscrowReconciler polls the ledger for deposits and feeds them to the escrow matcher.
type EscrowReconciler struct {
	logger  *slog.Logger
	source  DepositSource
	cursors CursorStore
	escrow  DepositApplier
	opts    ReconcilerOptions
}

func NewEscrowReconciler(
	logger *slog.Logger,
	source DepositSource,
	cursors CursorStore,
	escrow DepositApplier,
	opts ReconcilerOptions,
) *EscrowReconciler {
	if opts.MaxBlockRange == 0 {
		opts.MaxBlockRange = 2000
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &EscrowReconciler{
		logger:  logger,
		source:  source,
		cursors: cursors,
		escrow:  escrow,
		opts:    opts,
	}
}

// Start polls until ctx is done. A failed tick is logged and retried on the next one,
// the cursor stays where it was.
func (r *EscrowReconciler) Start(ctx context.Context) {
	r.logger.InfoContext(ctx, "Starting escrow reconciler",
		"poll_interval", r.opts.PollInterval.String(),
		"confirmations", r.opts.Confirmations,
		"max_block_range", r.opts.MaxBlockRange)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.Tick(ctx); err != nil {
			r.logger.ErrorContext(ctx, "Escrow reconciliation failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Escrow reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick processes every confirmed block after the cursor. The cursor advances per window,
// only after all deposits of the window were applied.
func (r *EscrowReconciler) Tick(ctx context.Context) error {
	head, err := r.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest block number: %w", err)
	}
	if head < r.opts.Confirmations {
		return nil
	}
	safe := head - r.opts.Confirmations

	last, ok, err := r.cursors.LoadCursor(ctx, ReconcilerCursor)
	if err != nil {
		return err
	}
	if !ok {
		if r.opts.StartBlock == 0 {
			r.logger.InfoContext(ctx, "Starting deposit monitoring from block", "block", safe)
			return r.cursors.SaveCursor(ctx, ReconcilerCursor, safe)
		}
		last = r.opts.StartBlock - 1
	}

	for from := last + 1; from <= safe; {
		to := min(from+r.opts.MaxBlockRange-1, safe)

		if err = r.processRange(ctx, from, to); err != nil {
			return err
		}
		if err = r.cursors.SaveCursor(ctx, ReconcilerCursor, to); err != nil {
			return err
		}
		from = to + 1
	}

	return nil
}

func (r *EscrowReconciler) processRange(ctx context.Context, from, to uint64) error {
	startTime := time.Now()

	events, err := r.source.FetchDeposits(ctx, from, to)
	if err != nil {
		return fmt.Errorf("failed to fetch deposits in [%d, %d]: %w", from, to, err)
	}

	for i := range events {
		ev := &events[i]
		traceID := uuid.NewString()

		outcome, err := r.escrow.ApplyDeposit(ctx, ev)
		if err != nil {
			return fmt.Errorf("failed to apply deposit %s/%d: %w", ev.TxHash, ev.LogIndex, err)
		}

		r.logger.InfoContext(ctx, "Deposit processed",
			"trace_id", traceID,
			"tx_hash", ev.TxHash,
			"log_index", ev.LogIndex,
			"block_number", ev.BlockNumber,
			"outcome", outcome)
	}

	if len(events) > 0 {
		r.logger.InfoContext(ctx, "Block range processed",
			"from", from,
			"to", to,
			"deposits", len(events),
			"duration", time.Since(startTime).String())
	}
	return nil
}
