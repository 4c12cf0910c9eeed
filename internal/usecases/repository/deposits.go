package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/pkg/database"
)

// DepositsRepository tracks handled ledger events and the poller's block cursor.
type DepositsRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewDepositsRepository(logger *slog.Logger, pg *database.Postgres) *DepositsRepository {
	return &DepositsRepository{logger: logger, db: pg.DBGetter}
}

// IsProcessed reports whether the event identified by txHash and logIndex was already handled.
func (r *DepositsRepository) IsProcessed(ctx context.Context, txHash string, logIndex uint) (bool, error) {
	var exists bool
	err := r.db(ctx).QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM processed_deposits WHERE tx_hash = $1 AND log_index = $2)",
		txHash, int64(logIndex)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if deposit was processed: %w", err)
	}
	return exists, nil
}

// MarkProcessed records the outcome for an event. A second insert for the same event is ignored.
func (r *DepositsRepository) MarkProcessed(ctx context.Context, ev *entities.DepositEvent, orderID string, outcome entities.DepositOutcome) error {
	var order *string
	if orderID != "" {
		order = &orderID
	}

	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO processed_deposits (tx_hash, log_index, order_id, outcome)
         VALUES ($1, $2, $3, $4)
         ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		ev.TxHash, int64(ev.LogIndex), order, string(outcome))
	if err != nil {
		return fmt.Errorf("failed to record processed deposit: %w", err)
	}

	r.logger.InfoContext(ctx, "Deposit recorded", "tx_hash", ev.TxHash, "log_index", ev.LogIndex, "order_id", orderID, "outcome", outcome)
	return nil
}

// LoadCursor returns the last fully processed block for the named cursor.
func (r *DepositsRepository) LoadCursor(ctx context.Context, name string) (uint64, bool, error) {
	var last int64
	err := r.db(ctx).QueryRow(ctx, "SELECT last_block FROM ledger_cursors WHERE name = $1", name).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load ledger cursor: %w", err)
	}
	return uint64(last), true, nil
}

// SaveCursor advances the named cursor.
func (r *DepositsRepository) SaveCursor(ctx context.Context, name string, block uint64) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO ledger_cursors (name, last_block, updated_at) VALUES ($1, $2, NOW())
         ON CONFLICT (name) DO UPDATE SET last_block = $2, updated_at = NOW()`,
		name, int64(block))
	if err != nil {
		return fmt.Errorf("failed to save ledger cursor: %w", err)
	}
	return nil
}
