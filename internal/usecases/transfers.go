package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sand/loyalty-escrow/backend/internal/agent"
	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/pkg/retry"
)

const (
	ResolveRelease = "release"
	ResolveRefund  = "refund"
)

// Dispatcher sends a transfer to the execution agent.
type Dispatcher interface {
	Execute(ctx context.Context, req agent.ExecuteRequest) (*agent.ExecuteResponse, error)
}

// Ticket is what the buyer sees once the agent booked the transfer.
type Ticket struct {
	OrderID          string               `json:"orderId"`
	Status           entities.OrderStatus `json:"status"`
	ConfirmationCode string               `json:"confirmationCode"`
	TicketDetails    json.RawMessage      `json:"ticketDetails,omitempty"`
	Departure        string               `json:"departure"`
	Destination      string               `json:"destination"`
	PurchasedMiles   float64              `json:"purchasedMiles"`
}

type TransferOptions struct {
	CallbackURL   string
	Dispatch      retry.Policy
	Release       retry.Policy
	MaxConcurrent int
}

// TransferService drives an escrowed order through the execution agent and settlement.
type TransferService struct {
	logger      *slog.Logger
	orders      *OrderService
	agent       Dispatcher
	ledger      Ledger
	deadLetters *DeadLetterService
	opts        TransferOptions

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewTransferService builds the service. ledger may be nil, in which case settlement
// is recorded without an on-chain release.
func NewTransferService(
	logger *slog.Logger,
	orders *OrderService,
	dispatcher Dispatcher,
	ledger Ledger,
	deadLetters *DeadLetterService,
	opts TransferOptions,
) *TransferService {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	return &TransferService{
		logger:      logger,
		orders:      orders,
		agent:       dispatcher,
		ledger:      ledger,
		deadLetters: deadLetters,
		opts:        opts,
		sem:         make(chan struct{}, opts.MaxConcurrent),
	}
}

// TriggerTransfer claims an ESCROWED order and dispatches it. Transient agent failures are
// retried within the dispatch budget; an order whose dispatch gave up stays TRANSFERRING
// with a dead letter for the operator.
func (s *TransferService) TriggerTransfer(ctx context.Context, orderID string) error {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	miles := deref(order.PurchasedMiles)
	if order.Status == entities.StatusEscrowed && miles <= 0 {
		msg := "escrowed order has no purchased miles"
		s.orders.Annotate(ctx, orderID, msg)
		s.deadLetters.Record(ctx, orderID, entities.DeadLetterAgentDispatch, msg, 1)
		return entities.NewError(entities.CodeConflict, "order %s: %s", orderID, msg)
	}

	order, err = s.orders.Transition(ctx, orderID, entities.StatusEscrowed, entities.StatusTransferring, nil)
	if err != nil {
		return err
	}

	req := agent.ExecuteRequest{
		OrderID:        order.ID,
		EncryptedCreds: order.EncryptedCreds,
		Username:       order.Username,
		ProviderID:     order.ProviderID,
		Departure:      deref(order.BuyerDeparture),
		Destination:    deref(order.BuyerDestination),
		MilesAmount:    int64(miles),
		CallbackURL:    s.opts.CallbackURL,
	}

	attempts, err := retry.Do(ctx, s.opts.Dispatch, func(ctx context.Context) error {
		_, err := s.agent.Execute(ctx, req)
		if err != nil {
			s.logger.WarnContext(ctx, "Agent dispatch attempt failed", "order_id", orderID, "error", err)
		}
		return err
	})
	if err != nil {
		msg := fmt.Sprintf("agent dispatch failed after %d attempts: %v", attempts, err)
		s.orders.Annotate(ctx, orderID, msg)
		s.deadLetters.Record(ctx, orderID, entities.DeadLetterAgentDispatch, msg, attempts)
		return fmt.Errorf("failed to dispatch transfer: %w", err)
	}

	s.logger.InfoContext(ctx, "Transfer dispatched", "order_id", orderID, "attempts", attempts, "miles", req.MilesAmount)
	return nil
}

// TriggerTransferAsync runs TriggerTransfer in the background, detached from the caller's
// cancellation and bounded by MaxConcurrent.
func (s *TransferService) TriggerTransferAsync(ctx context.Context, orderID string) {
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		err := s.TriggerTransfer(ctx, orderID)
		if err != nil && !errors.Is(err, entities.ErrStaleTransition) {
			s.logger.ErrorContext(ctx, "Transfer trigger failed", "order_id", orderID, "error", err)
		}
	}()
}

// Wait blocks until every background dispatch has returned.
func (s *TransferService) Wait() {
	s.wg.Wait()
}

// CompleteTransfer records the agent's booking. A replayed callback fails with CONFLICT.
func (s *TransferService) CompleteTransfer(ctx context.Context, cb agent.Callback) (*entities.Order, error) {
	if strings.TrimSpace(cb.OrderID) == "" || strings.TrimSpace(cb.ConfirmationCode) == "" {
		return nil, entities.NewError(entities.CodeInvalidInput, "orderId and confirmationCode are required")
	}

	updates := entities.FieldUpdates{entities.ColConfirmationCode: cb.ConfirmationCode}
	if len(cb.TicketDetails) > 0 && string(cb.TicketDetails) != "null" {
		if !json.Valid(cb.TicketDetails) {
			return nil, entities.NewError(entities.CodeInvalidInput, "ticketDetails must be JSON")
		}
		updates[entities.ColTicketDetails] = []byte(cb.TicketDetails)
	}

	order, err := s.orders.Transition(ctx, cb.OrderID, entities.StatusTransferring, entities.StatusTransferred, updates)
	if err != nil {
		return nil, err
	}

	s.deadLetters.Resolve(ctx, cb.OrderID)
	s.logger.InfoContext(ctx, "Transfer completed", "order_id", cb.OrderID, "has_proof", len(cb.Proof) > 0)

	return order, nil
}

// Ticket returns the booking once the agent has reported it.
func (s *TransferService) Ticket(ctx context.Context, orderID string) (*Ticket, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case entities.StatusTransferred, entities.StatusReleasePending, entities.StatusCompleted,
		entities.StatusDisputed, entities.StatusRefundPending, entities.StatusRefunded:
	default:
		return nil, entities.NewError(entities.CodeConflict, "order %s is %s, ticket not issued yet", orderID, order.Status)
	}

	return &Ticket{
		OrderID:          order.ID,
		Status:           order.Status,
		ConfirmationCode: deref(order.ConfirmationCode),
		TicketDetails:    json.RawMessage(order.TicketDetails),
		Departure:        deref(order.BuyerDeparture),
		Destination:      deref(order.BuyerDestination),
		PurchasedMiles:   deref(order.PurchasedMiles),
	}, nil
}

// Approve accepts the booking and pays the seller.
func (s *TransferService) Approve(ctx context.Context, orderID string) (*entities.Order, error) {
	if s.ledger == nil {
		return s.orders.Transition(ctx, orderID, entities.StatusTransferred, entities.StatusCompleted, nil)
	}

	order, err := s.orders.Transition(ctx, orderID, entities.StatusTransferred, entities.StatusReleasePending, nil)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, order)
}

func (s *TransferService) Dispute(ctx context.Context, orderID, reason string) (*entities.Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, entities.NewError(entities.CodeInvalidInput, "disputeReason is required")
	}

	return s.orders.Transition(ctx, orderID, entities.StatusTransferred, entities.StatusDisputed, entities.FieldUpdates{
		entities.ColDisputeReason: reason,
	})
}

// Resolve settles a DISPUTED order for the seller (release) or the buyer (refund).
func (s *TransferService) Resolve(ctx context.Context, orderID, action string) (*entities.Order, error) {
	switch action {
	case ResolveRelease:
		if s.ledger == nil {
			return s.orders.Transition(ctx, orderID, entities.StatusDisputed, entities.StatusCompleted, nil)
		}
		order, err := s.orders.Transition(ctx, orderID, entities.StatusDisputed, entities.StatusReleasePending, nil)
		if err != nil {
			return nil, err
		}
		return s.settle(ctx, order)

	case ResolveRefund:
		return s.refund(ctx, orderID)
	}

	return nil, entities.NewError(entities.CodeInvalidInput, "action must be %q or %q", ResolveRelease, ResolveRefund)
}

// refund claims a DISPUTED order as REFUND_PENDING before any money moves, so a concurrent
// release loses the CAS. Calling it again for a REFUND_PENDING order retries the refund.
func (s *TransferService) refund(ctx context.Context, orderID string) (*entities.Order, error) {
	if s.ledger == nil {
		return s.orders.Transition(ctx, orderID, entities.StatusDisputed, entities.StatusRefunded, nil)
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != entities.StatusRefundPending {
		order, err = s.orders.Transition(ctx, orderID, entities.StatusDisputed, entities.StatusRefundPending, nil)
		if err != nil {
			return nil, err
		}
	}
	return s.settle(ctx, order)
}

// settle pays out the escrow of a RELEASE_PENDING order to the seller, or of a
// REFUND_PENDING order to the buyer. A failed call leaves the order where it is with a
// dead letter; the sweeper picks it up again.
func (s *TransferService) settle(ctx context.Context, order *entities.Order) (*entities.Order, error) {
	var (
		call   func(ctx context.Context, orderID string) (string, error)
		target uint8
		kind   entities.DeadLetterKind
		next   entities.OrderStatus
	)
	switch order.Status {
	case entities.StatusReleasePending:
		call, target, kind, next = s.ledger.Release, entities.EscrowStatusReleased, entities.DeadLetterRelease, entities.StatusCompleted
	case entities.StatusRefundPending:
		call, target, kind, next = s.ledger.Refund, entities.EscrowStatusRefunded, entities.DeadLetterRefund, entities.StatusRefunded
	default:
		return nil, entities.WrapError(entities.ErrInvalidStatus, "order %s is %s, nothing to settle", order.ID, order.Status)
	}

	txHash, err := s.onchain(ctx, order.ID, target, call)
	if err != nil {
		msg := fmt.Sprintf("%s failed: %v", kind, err)
		attempts := 1
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			attempts = exhausted.Attempts
		}

		s.orders.Annotate(ctx, order.ID, msg)
		s.deadLetters.Record(ctx, order.ID, kind, msg, attempts)
		return s.orders.GetOrder(ctx, order.ID)
	}

	updates := entities.FieldUpdates{}
	if txHash != "" {
		updates[entities.ColSettlementTx] = txHash
	}

	settled, err := s.orders.Transition(ctx, order.ID, order.Status, next, updates)
	if err != nil {
		return nil, err
	}

	s.deadLetters.Resolve(ctx, order.ID)
	return settled, nil
}

// onchain submits a settlement call unless the contract already reports the target status,
// so a retried call never pays twice. The status is read again before every attempt.
func (s *TransferService) onchain(
	ctx context.Context,
	orderID string,
	target uint8,
	call func(ctx context.Context, orderID string) (string, error),
) (string, error) {
	var txHash string
	_, err := retry.Do(ctx, s.opts.Release, func(ctx context.Context) error {
		escrow, err := s.ledger.GetEscrow(ctx, orderID)
		if err == nil && escrow.Status == target {
			s.logger.InfoContext(ctx, "Escrow already settled on-chain", "order_id", orderID, "status", escrow.Status)
			txHash = ""
			return nil
		}
		if err != nil {
			s.logger.WarnContext(ctx, "Failed to read escrow before settlement", "order_id", orderID, "error", err)
		}

		txHash, err = call(ctx, orderID)
		return err
	})
	return txHash, err
}

// FlagStuckTransfers records a dead letter for every TRANSFERRING order that has not heard
// back from the agent within olderThan. The orders keep their status.
func (s *TransferService) FlagStuckTransfers(ctx context.Context, olderThan time.Duration) (int, error) {
	stuck, err := s.orders.GetOrdersUpdatedBefore(ctx, entities.StatusTransferring, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to load transferring orders: %w", err)
	}

	for _, o := range stuck {
		s.deadLetters.Record(ctx, o.ID, entities.DeadLetterStuckOrder,
			fmt.Sprintf("no agent callback since %s", o.UpdatedAt.UTC().Format(time.RFC3339)), 1)
	}
	return len(stuck), nil
}

// RetryPendingSettlements settles RELEASE_PENDING and REFUND_PENDING orders again until the
// retry budget, counted in attempts on the open release or refund dead letter, is used up.
func (s *TransferService) RetryPendingSettlements(ctx context.Context, olderThan time.Duration, budget int) (int, error) {
	if s.ledger == nil {
		return 0, nil
	}

	var settled int
	for _, p := range []struct {
		status entities.OrderStatus
		kind   entities.DeadLetterKind
	}{
		{entities.StatusReleasePending, entities.DeadLetterRelease},
		{entities.StatusRefundPending, entities.DeadLetterRefund},
	} {
		pending, err := s.orders.GetOrdersUpdatedBefore(ctx, p.status, olderThan)
		if err != nil {
			return settled, fmt.Errorf("failed to load %s orders: %w", p.status, err)
		}

		for i := range pending {
			order := &pending[i]

			attempts, err := s.deadLetters.OpenAttempts(ctx, order.ID, p.kind)
			if err != nil {
				return settled, err
			}
			if budget > 0 && attempts >= budget {
				s.logger.DebugContext(ctx, "Settlement retry budget used up", "order_id", order.ID, "kind", p.kind, "attempts", attempts)
				continue
			}

			result, err := s.settle(ctx, order)
			if err != nil {
				s.logger.ErrorContext(ctx, "Settlement retry failed", "order_id", order.ID, "error", err)
				continue
			}
			if result.Status.IsTerminal() {
				settled++
			}
		}
	}
	return settled, nil
}
