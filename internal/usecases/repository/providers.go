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

// ProvidersRepository manages the catalog of loyalty programs.
type ProvidersRepository struct {
	logger     *slog.Logger
	db         tx.DBGetter
	transactor *tx.Transactor
}

func NewProvidersRepository(logger *slog.Logger, pg *database.Postgres) *ProvidersRepository {
	return &ProvidersRepository{logger: logger, db: pg.DBGetter, transactor: pg.Transactor}
}

func (r *ProvidersRepository) FindProvider(ctx context.Context, id string) (*entities.Provider, error) {
	query := `SELECT id, name, login_url, dashboard_url, item_type, selectors
              FROM providers
              WHERE id = $1`

	var provider entities.Provider
	err := r.db(ctx).QueryRow(ctx, query, id).Scan(
		&provider.ID,
		&provider.Name,
		&provider.LoginURL,
		&provider.DashboardURL,
		&provider.ItemType,
		&provider.Selectors,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entities.WrapError(entities.ErrNotFound, "provider %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query provider: %w", err)
	}

	return &provider, nil
}

// UpsertProviders writes the catalog in a single transaction.
func (r *ProvidersRepository) UpsertProviders(ctx context.Context, providers []entities.Provider) error {
	query := `INSERT INTO providers (id, name, login_url, dashboard_url, item_type, selectors)
              VALUES ($1, $2, $3, $4, $5, $6)
              ON CONFLICT (id) DO UPDATE
              SET name = $2, login_url = $3, dashboard_url = $4, item_type = $5, selectors = $6`

	return r.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		for _, p := range providers {
			selectors := p.Selectors
			if selectors == nil {
				selectors = map[string]string{}
			}
			if _, err := r.db(ctx).Exec(ctx, query, p.ID, p.Name, p.LoginURL, p.DashboardURL, p.ItemType, selectors); err != nil {
				return fmt.Errorf("failed to upsert provider %s: %w", p.ID, err)
			}
		}
		return nil
	})
}
