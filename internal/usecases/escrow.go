package usecases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/internal/ledger"
)

// DefaultDepositTolerance is the absolute difference, in token units, under which a
// deposit is considered to pay for a listing when only the amount can be compared.
const DefaultDepositTolerance = 0.01

type DepositsRepository interface {
	IsProcessed(ctx context.Context, txHash string, logIndex uint) (bool, error)
	MarkProcessed(ctx context.Context, ev *entities.DepositEvent, orderID string, outcome entities.DepositOutcome) error
}

// EscrowService correlates ledger deposits with LISTED orders.
type EscrowService struct {
	logger      *slog.Logger
	orders      *OrderService
	deposits    DepositsRepository
	deadLetters *DeadLetterService
	transfers   TransferTrigger

	decimals  int
	tolerance float64
}

func NewEscrowService(
	logger *slog.Logger,
	orders *OrderService,
	deposits DepositsRepository,
	deadLetters *DeadLetterService,
	transfers TransferTrigger,
	decimals int,
) *EscrowService {
	if decimals <= 0 {
		decimals = 18
	}
	return &EscrowService{
		logger:      logger,
		orders:      orders,
		deposits:    deposits,
		deadLetters: deadLetters,
		transfers:   transfers,
		decimals:    decimals,
		tolerance:   DefaultDepositTolerance,
	}
}

// ApplyDeposit resolves one deposit event to at most one order and escrows it.
// Replays of an already recorded event return DepositDuplicate without side effects.
// An error means nothing was recorded and the event must be retried.
func (s *EscrowService) ApplyDeposit(ctx context.Context, ev *entities.DepositEvent) (entities.DepositOutcome, error) {
	done, err := s.deposits.IsProcessed(ctx, ev.TxHash, ev.LogIndex)
	if err != nil {
		return "", err
	}
	if done {
		return entities.DepositDuplicate, nil
	}

	deposited := ledger.FromBaseUnits(ev.Amount, s.decimals)

	order, outcome, err := s.match(ctx, ev, deposited)
	if err != nil {
		return "", err
	}
	if outcome != entities.DepositMatched {
		orderID := ""
		if order != nil {
			orderID = order.ID
		}
		return outcome, s.deposits.MarkProcessed(ctx, ev, orderID, outcome)
	}

	purchased := math.Min(math.Round(deposited / *order.PricePerMile), order.Amount)

	if reason := rejectDeposit(order, ev.Seller, purchased); reason != "" {
		s.logger.WarnContext(ctx, "Rejecting deposit for listed order",
			"order_id", order.ID, "tx_hash", ev.TxHash, "deposited", deposited, "reason", reason)

		if err = s.deposits.MarkProcessed(ctx, ev, order.ID, entities.DepositUnmatched); err != nil {
			return "", err
		}
		s.deadLetters.Record(ctx, order.ID, entities.DeadLetterRejectedDeposit,
			fmt.Sprintf("deposit %s/%d of %.2f: %s", ev.TxHash, ev.LogIndex, deposited, reason), 1)
		return entities.DepositUnmatched, nil
	}

	_, err = s.orders.TransitionWithin(ctx, order.ID, entities.StatusListed, entities.StatusEscrowed,
		entities.FieldUpdates{
			entities.ColBuyerAddress:     ev.Buyer,
			entities.ColBuyerDeparture:   ev.Departure,
			entities.ColBuyerDestination: ev.Destination,
			entities.ColEscrowTx:         ev.TxHash,
			entities.ColPurchasedMiles:   purchased,
		},
		func(ctx context.Context) error {
			return s.deposits.MarkProcessed(ctx, ev, order.ID, entities.DepositMatched)
		},
	)
	if errors.Is(err, entities.ErrStaleTransition) {
		// Lost the race against the manual confirmation path.
		return entities.DepositStale, s.deposits.MarkProcessed(ctx, ev, order.ID, entities.DepositStale)
	}
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "Deposit escrowed order",
		"order_id", order.ID,
		"tx_hash", ev.TxHash,
		"buyer", ev.Buyer,
		"deposited", deposited,
		"purchased_miles", purchased)

	s.transfers.TriggerTransferAsync(ctx, order.ID)
	return entities.DepositMatched, nil
}

// match tries the plaintext reference, then the order hash, then the amount.
func (s *EscrowService) match(ctx context.Context, ev *entities.DepositEvent, deposited float64) (*entities.Order, entities.DepositOutcome, error) {
	if ev.OrderRef != "" {
		if strings.EqualFold(entities.HashOrderID(ev.OrderRef), ev.OrderHash) {
			return s.byID(ctx, ev.OrderRef)
		}
		s.logger.WarnContext(ctx, "Deposit reference does not match its topic, ignoring it",
			"tx_hash", ev.TxHash, "order_ref", ev.OrderRef)
	}

	listed, err := s.orders.GetOrdersByStatus(ctx, entities.StatusListed)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load listed orders: %w", err)
	}

	for i := range listed {
		if strings.EqualFold(entities.HashOrderID(listed[i].ID), ev.OrderHash) {
			return &listed[i], entities.DepositMatched, nil
		}
	}

	// The hash names an order that has moved on: a replay or a late duplicate deposit.
	known, err := s.orders.GetOrderByHash(ctx, ev.OrderHash)
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "Dropping deposit for order that is not LISTED",
			"order_id", known.ID, "status", known.Status, "tx_hash", ev.TxHash)
		return known, entities.DepositStale, nil
	case !errors.Is(err, entities.ErrNotFound):
		return nil, "", err
	}

	var candidates []*entities.Order
	for i := range listed {
		if listed[i].PricePerMile != nil && math.Abs(listed[i].ListingCost()-deposited) <= s.tolerance {
			candidates = append(candidates, &listed[i])
		}
	}

	switch len(candidates) {
	case 0:
		s.logger.WarnContext(ctx, "Deposit matches no listed order", "tx_hash", ev.TxHash, "deposited", deposited)
		return nil, entities.DepositUnmatched, nil
	case 1:
		s.logger.InfoContext(ctx, "Deposit matched by amount", "order_id", candidates[0].ID, "tx_hash", ev.TxHash)
		return candidates[0], entities.DepositMatched, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	s.deadLetters.Record(ctx, "", entities.DeadLetterAmbiguousDeposit,
		fmt.Sprintf("deposit %s/%d of %.2f matches orders %s", ev.TxHash, ev.LogIndex, deposited, strings.Join(ids, ", ")), 1)

	return nil, entities.DepositAmbiguous, nil
}

func (s *EscrowService) byID(ctx context.Context, id string) (*entities.Order, entities.DepositOutcome, error) {
	order, err := s.orders.GetOrder(ctx, id)
	if errors.Is(err, entities.ErrNotFound) {
		return nil, entities.DepositUnmatched, nil
	}
	if err != nil {
		return nil, "", err
	}
	if order.Status != entities.StatusListed || order.PricePerMile == nil {
		return order, entities.DepositStale, nil
	}
	return order, entities.DepositMatched, nil
}

// rejectDeposit explains why a deposit cannot buy from the order, or returns "".
func rejectDeposit(order *entities.Order, seller string, miles float64) string {
	switch {
	case !sameAddress(seller, order.SellerAddress):
		return fmt.Sprintf("pays %s instead of seller %s", seller, order.SellerAddress)
	case miles <= 0:
		return "buys no miles"
	case order.MinMiles != nil && miles < *order.MinMiles:
		return fmt.Sprintf("buys %.0f miles, below the minimum of %.0f", miles, *order.MinMiles)
	}
	return ""
}

func sameAddress(a, b string) bool {
	return common.IsHexAddress(a) && common.IsHexAddress(b) && common.HexToAddress(a) == common.HexToAddress(b)
}
