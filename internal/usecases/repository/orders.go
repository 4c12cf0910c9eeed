package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/pkg/database"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var orderColumns = []string{
	"id", "order_hash", "item_type", "provider_id", "username", "seller_address", "amount",
	"price", "price_per_mile", "min_miles",
	"buyer_address", "buyer_departure", "buyer_destination", "escrow_tx", "purchased_miles",
	"encrypted_creds", "confirmation_code", "ticket_details",
	"status", "proof_id", "error_msg", "dispute_reason", "settlement_tx",
	"created_at", "updated_at",
}

var activeStatuses = []string{
	string(entities.StatusPending),
	string(entities.StatusVerified),
	string(entities.StatusListed),
	string(entities.StatusEscrowed),
	string(entities.StatusTransferring),
	string(entities.StatusTransferred),
	string(entities.StatusReleasePending),
	string(entities.StatusDisputed),
	string(entities.StatusRefundPending),
}

type OrdersRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewOrdersRepository(logger *slog.Logger, pg *database.Postgres) *OrdersRepository {
	return &OrdersRepository{logger: logger, db: pg.DBGetter}
}

func (r *OrdersRepository) InsertOrder(ctx context.Context, order *entities.Order) error {
	query, args, err := psql.Insert("orders").
		Columns("id", "order_hash", "item_type", "provider_id", "username", "seller_address", "encrypted_creds", "status").
		Values(order.ID, order.OrderHash, order.ItemType, order.ProviderID, order.Username, order.SellerAddress, order.EncryptedCreds, order.Status).
		Suffix("RETURNING created_at, updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert order query: %w", err)
	}

	if err = r.db(ctx).QueryRow(ctx, query, args...).Scan(&order.CreatedAt, &order.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	return nil
}

func (r *OrdersRepository) FindOrder(ctx context.Context, id string) (*entities.Order, error) {
	orders, err := r.queryOrders(ctx, psql.Select(orderColumns...).From("orders").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, entities.WrapError(entities.ErrNotFound, "order %s", id)
	}
	return &orders[0], nil
}

func (r *OrdersRepository) FindOrderByHash(ctx context.Context, orderHash string) (*entities.Order, error) {
	orders, err := r.queryOrders(ctx, psql.Select(orderColumns...).From("orders").Where(sq.Eq{"order_hash": orderHash}))
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, entities.WrapError(entities.ErrNotFound, "order with hash %s", orderHash)
	}
	return &orders[0], nil
}

func (r *OrdersRepository) FindOrdersByStatus(ctx context.Context, status entities.OrderStatus) ([]entities.Order, error) {
	return r.queryOrders(ctx, psql.Select(orderColumns...).From("orders").
		Where(sq.Eq{"status": string(status)}).
		OrderBy("created_at"))
}

// FindActiveOrder returns the non-terminal order for a seller account, or nil.
func (r *OrdersRepository) FindActiveOrder(ctx context.Context, username, providerID string) (*entities.Order, error) {
	orders, err := r.queryOrders(ctx, psql.Select(orderColumns...).From("orders").
		Where(sq.Eq{"username": username, "provider_id": providerID, "status": activeStatuses}).
		Limit(1))
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

// FindOrdersUpdatedBefore returns orders in status whose last update is older than olderThan.
func (r *OrdersRepository) FindOrdersUpdatedBefore(ctx context.Context, status entities.OrderStatus, olderThan time.Duration) ([]entities.Order, error) {
	return r.queryOrders(ctx, psql.Select(orderColumns...).From("orders").
		Where(sq.Eq{"status": string(status)}).
		Where(sq.Lt{"updated_at": time.Now().Add(-olderThan)}).
		OrderBy("updated_at"))
}

// CompareAndSwapStatus moves an order from expected to next in a single guarded UPDATE.
// Zero affected rows means either the order does not exist or another writer won the race.
func (r *OrdersRepository) CompareAndSwapStatus(
	ctx context.Context,
	id string,
	expected, next entities.OrderStatus,
	updates entities.FieldUpdates,
) (*entities.Order, error) {
	builder := psql.Update("orders").
		Set("status", string(next)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": string(expected)}).
		Suffix("RETURNING " + strings.Join(orderColumns, ", "))
	if len(updates) > 0 {
		builder = builder.SetMap(updates)
	}

	orders, err := r.queryOrders(ctx, builder)
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	if len(orders) == 1 {
		return &orders[0], nil
	}

	var exists bool
	if err = r.db(ctx).QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check if order exists: %w", err)
	}
	if !exists {
		return nil, entities.WrapError(entities.ErrNotFound, "order %s", id)
	}

	r.logger.DebugContext(ctx, "Stale transition rejected", "order_id", id, "expected", expected, "next", next)
	return nil, entities.ErrStaleTransition
}

// SetErrorMsg records a diagnostic message without touching status.
func (r *OrdersRepository) SetErrorMsg(ctx context.Context, id, msg string) error {
	_, err := r.db(ctx).Exec(ctx, "UPDATE orders SET error_msg = $2 WHERE id = $1", id, msg)
	if err != nil {
		return fmt.Errorf("failed to set order error message: %w", err)
	}
	return nil
}

type sqlizer interface {
	ToSql() (string, []any, error)
}

func (r *OrdersRepository) queryOrders(ctx context.Context, builder sqlizer) ([]entities.Order, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build orders query: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}

	orders, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.Order])
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to collect orders rows", "error", err)
		return nil, err
	}

	return orders, nil
}
