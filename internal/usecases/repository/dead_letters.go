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

// DeadLettersRepository stores work that background processes gave up on.
type DeadLettersRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewDeadLettersRepository(logger *slog.Logger, pg *database.Postgres) *DeadLettersRepository {
	return &DeadLettersRepository{logger: logger, db: pg.DBGetter}
}

// InsertDeadLetter records an item. While an open letter of the same kind exists for an
// order, the existing one is updated instead.
func (r *DeadLettersRepository) InsertDeadLetter(ctx context.Context, letter *entities.DeadLetter) error {
	query := `INSERT INTO dead_letters (order_id, kind, reason, attempts)
              VALUES ($1, $2, $3, $4)
              ON CONFLICT (order_id, kind) WHERE resolved_at IS NULL AND order_id IS NOT NULL
              DO UPDATE SET reason = EXCLUDED.reason, attempts = dead_letters.attempts + EXCLUDED.attempts
              RETURNING id, created_at`

	err := r.db(ctx).QueryRow(ctx, query, letter.OrderID, string(letter.Kind), letter.Reason, letter.Attempts).
		Scan(&letter.ID, &letter.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// FindOpenDeadLetters lists unresolved items, newest first.
func (r *DeadLettersRepository) FindOpenDeadLetters(ctx context.Context) ([]entities.DeadLetter, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, order_id, kind, reason, attempts, created_at, resolved_at
         FROM dead_letters
         WHERE resolved_at IS NULL
         ORDER BY id DESC`)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}

	letters, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.DeadLetter])
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to collect dead letter rows", "error", err)
		return nil, err
	}
	return letters, nil
}

// ResolveDeadLetters closes open letters for an order.
func (r *DeadLettersRepository) ResolveDeadLetters(ctx context.Context, orderID string) error {
	_, err := r.db(ctx).Exec(ctx,
		"UPDATE dead_letters SET resolved_at = NOW() WHERE order_id = $1 AND resolved_at IS NULL", orderID)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letters: %w", err)
	}
	return nil
}
