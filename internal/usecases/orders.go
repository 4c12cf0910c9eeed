package usecases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/exp/maps"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
)

type OrdersRepository interface {
	InsertOrder(ctx context.Context, order *entities.Order) error
	FindOrder(ctx context.Context, id string) (*entities.Order, error)
	FindOrderByHash(ctx context.Context, orderHash string) (*entities.Order, error)
	FindOrdersByStatus(ctx context.Context, status entities.OrderStatus) ([]entities.Order, error)
	FindActiveOrder(ctx context.Context, username, providerID string) (*entities.Order, error)
	FindOrdersUpdatedBefore(ctx context.Context, status entities.OrderStatus, olderThan time.Duration) ([]entities.Order, error)
	CompareAndSwapStatus(ctx context.Context, id string, expected, next entities.OrderStatus, updates entities.FieldUpdates) (*entities.Order, error)
	SetErrorMsg(ctx context.Context, id, msg string) error
}

// Transactor runs fn inside a database transaction carried by ctx.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// StatusNotifier is told about every committed transition.
type StatusNotifier interface {
	NotifyStatus(order *entities.Order)
}

type edge struct {
	from, to entities.OrderStatus
}

// transitions maps each edge of the status graph to the columns it owns.
var transitions = map[edge][]string{
	{entities.StatusPending, entities.StatusVerified}: {entities.ColAmount, entities.ColProofID},
	{entities.StatusPending, entities.StatusFailed}:   {},
	{entities.StatusVerified, entities.StatusListed}:  {entities.ColPrice, entities.ColPricePerMile, entities.ColMinMiles},
	{entities.StatusListed, entities.StatusEscrowed}: {
		entities.ColBuyerAddress, entities.ColBuyerDeparture, entities.ColBuyerDestination,
		entities.ColEscrowTx, entities.ColPurchasedMiles,
	},
	{entities.StatusEscrowed, entities.StatusTransferring}:       {},
	{entities.StatusTransferring, entities.StatusTransferred}:    {entities.ColConfirmationCode, entities.ColTicketDetails},
	{entities.StatusTransferred, entities.StatusCompleted}:       {entities.ColSettlementTx},
	{entities.StatusTransferred, entities.StatusDisputed}:        {entities.ColDisputeReason},
	{entities.StatusTransferred, entities.StatusReleasePending}:  {},
	{entities.StatusDisputed, entities.StatusCompleted}:          {entities.ColSettlementTx},
	{entities.StatusDisputed, entities.StatusRefunded}:           {entities.ColSettlementTx},
	{entities.StatusDisputed, entities.StatusReleasePending}:     {},
	{entities.StatusDisputed, entities.StatusRefundPending}:       {},
	{entities.StatusReleasePending, entities.StatusCompleted}:    {entities.ColSettlementTx},
	{entities.StatusRefundPending, entities.StatusRefunded}:      {entities.ColSettlementTx},
}

// CanTransition reports whether from->to is an edge of the status graph.
func CanTransition(from, to entities.OrderStatus) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// KnownStatuses returns every status that appears in the graph, sorted.
func KnownStatuses() []entities.OrderStatus {
	seen := make(map[entities.OrderStatus]struct{})
	for _, e := range maps.Keys(transitions) {
		seen[e.from] = struct{}{}
		seen[e.to] = struct{}{}
	}
	statuses := maps.Keys(seen)
	slices.Sort(statuses)
	return statuses
}

// OrderService owns the status graph. Every status change in the system goes
// through Transition, which is a single compare-and-swap on the persisted row.
type OrderService struct {
	logger     *slog.Logger
	repo       OrdersRepository
	transactor Transactor
	notifier   StatusNotifier
}

func NewOrderService(logger *slog.Logger, repo OrdersRepository, transactor Transactor, notifier StatusNotifier) *OrderService {
	return &OrderService{logger: logger, repo: repo, transactor: transactor, notifier: notifier}
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*entities.Order, error) {
	return s.repo.FindOrder(ctx, id)
}

func (s *OrderService) GetOrderByHash(ctx context.Context, orderHash string) (*entities.Order, error) {
	return s.repo.FindOrderByHash(ctx, orderHash)
}

func (s *OrderService) GetOrdersByStatus(ctx context.Context, status entities.OrderStatus) ([]entities.Order, error) {
	return s.repo.FindOrdersByStatus(ctx, status)
}

func (s *OrderService) GetOrdersUpdatedBefore(ctx context.Context, status entities.OrderStatus, olderThan time.Duration) ([]entities.Order, error) {
	return s.repo.FindOrdersUpdatedBefore(ctx, status, olderThan)
}

func (s *OrderService) GetActiveOrder(ctx context.Context, username, providerID string) (*entities.Order, error) {
	return s.repo.FindActiveOrder(ctx, username, providerID)
}

func (s *OrderService) CreateOrder(ctx context.Context, order *entities.Order) error {
	order.Status = entities.StatusPending
	if order.OrderHash == "" {
		order.OrderHash = entities.HashOrderID(order.ID)
	}
	return s.repo.InsertOrder(ctx, order)
}

// Annotate records a diagnostic message on the order without changing its status.
func (s *OrderService) Annotate(ctx context.Context, id, msg string) {
	if err := s.repo.SetErrorMsg(ctx, id, msg); err != nil {
		s.logger.ErrorContext(ctx, "Failed to annotate order", "order_id", id, "error", err)
	}
}

// Transition moves an order from expected to next, writing only the columns owned by that edge.
// It fails with ErrInvalidStatus for edges outside the graph and with ErrStaleTransition
// when the stored status no longer equals expected.
func (s *OrderService) Transition(
	ctx context.Context,
	id string,
	expected, next entities.OrderStatus,
	updates entities.FieldUpdates,
) (*entities.Order, error) {
	return s.TransitionWithin(ctx, id, expected, next, updates, nil)
}

// TransitionWithin runs prepare and the transition in one database transaction.
// A failing prepare or a lost compare-and-swap rolls back both.
func (s *OrderService) TransitionWithin(
	ctx context.Context,
	id string,
	expected, next entities.OrderStatus,
	updates entities.FieldUpdates,
	prepare func(ctx context.Context) error,
) (*entities.Order, error) {
	owned, ok := transitions[edge{expected, next}]
	if !ok {
		return nil, entities.WrapError(entities.ErrInvalidStatus, "%s -> %s", expected, next)
	}

	for column := range updates {
		if column != entities.ColErrorMsg && !slices.Contains(owned, column) {
			return nil, fmt.Errorf("column %s is not written by %s -> %s", column, expected, next)
		}
	}

	var order *entities.Order
	err := s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		if prepare != nil {
			if err := prepare(ctx); err != nil {
				return err
			}
		}

		var err error
		order, err = s.repo.CompareAndSwapStatus(ctx, id, expected, next, updates)
		return err
	})
	if err != nil {
		if errors.Is(err, entities.ErrStaleTransition) {
			s.logger.InfoContext(ctx, "Transition already applied or superseded",
				"order_id", id, "expected", expected, "next", next)
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "Order status changed", "order_id", id, "from", expected, "to", next)
	if s.notifier != nil {
		s.notifier.NotifyStatus(order)
	}

	return order, nil
}
