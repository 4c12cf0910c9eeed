package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sand/loyalty-escrow/backend/config"
	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/internal/ledger"
)

// Ledger is the on-chain escrow contract. It is nil when escrow is confirmed manually.
type Ledger interface {
	GetEscrow(ctx context.Context, orderID string) (*entities.OnchainEscrow, error)
	Release(ctx context.Context, orderID string) (string, error)
	Refund(ctx context.Context, orderID string) (string, error)
}

// TransferTrigger starts the execution agent for an escrowed order without blocking the caller.
type TransferTrigger interface {
	TriggerTransferAsync(ctx context.Context, orderID string)
}

type ListRequest struct {
	PricePerMile float64 `json:"pricePerMile"`
	MinMiles     float64 `json:"minMiles"`
}

type BuyRequest struct {
	MilesAmount  float64 `json:"milesAmount"`
	Departure    string  `json:"departure"`
	Destination  string  `json:"destination"`
	BuyerAddress string  `json:"buyerAddress"`
}

type ConfirmEscrowRequest struct {
	BuyerAddress string  `json:"buyerAddress"`
	Departure    string  `json:"departure"`
	Destination  string  `json:"destination"`
	EscrowTx     string  `json:"escrowTx"`
	MilesAmount  float64 `json:"milesAmount"`
}

// Listing is the public view of a LISTED order.
type Listing struct {
	ID            string    `json:"id"`
	ItemType      string    `json:"itemType"`
	ProviderID    string    `json:"providerId"`
	SellerAddress string    `json:"sellerAddress"`
	Amount        float64   `json:"amount"`
	Price         float64   `json:"price"`
	PricePerMile  float64   `json:"pricePerMile"`
	MinMiles      float64   `json:"minMiles"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Quote tells the buyer what to deposit and where.
type Quote struct {
	OrderID         string  `json:"orderId"`
	OrderHash       string  `json:"orderHash"`
	SellerAddress   string  `json:"sellerAddress"`
	MilesAmount     float64 `json:"milesAmount"`
	PricePerMile    float64 `json:"pricePerMile"`
	Cost            float64 `json:"cost"`
	AmountBaseUnits string  `json:"amountBaseUnits"`
	EscrowContract  string  `json:"escrowContract"`
	TokenAddress    string  `json:"tokenAddress"`
	Departure       string  `json:"departure"`
	Destination     string  `json:"destination"`
}

type ListingService struct {
	logger    *slog.Logger
	orders    *OrderService
	ledger    Ledger
	transfers TransferTrigger
	chain     config.Blockchain
}

func NewListingService(
	logger *slog.Logger,
	orders *OrderService,
	ledger Ledger,
	transfers TransferTrigger,
	chain config.Blockchain,
) *ListingService {
	if chain.TokenDecimals <= 0 {
		chain.TokenDecimals = 18
	}
	return &ListingService{logger: logger, orders: orders, ledger: ledger, transfers: transfers, chain: chain}
}

// List prices a VERIFIED order and makes it visible to buyers.
func (s *ListingService) List(ctx context.Context, orderID string, req ListRequest) (*entities.Order, error) {
	if req.PricePerMile <= 0 || req.MinMiles <= 0 {
		return nil, entities.NewError(entities.CodeInvalidInput, "pricePerMile and minMiles must be positive")
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != entities.StatusVerified {
		return nil, entities.WrapError(entities.ErrInvalidStatus, "order %s is %s, only VERIFIED orders can be listed", orderID, order.Status)
	}
	if req.MinMiles > order.Amount {
		return nil, entities.WrapError(entities.ErrInsufficientBalance, "minMiles %.0f exceeds verified balance %.0f", req.MinMiles, order.Amount)
	}

	return s.orders.Transition(ctx, orderID, entities.StatusVerified, entities.StatusListed, entities.FieldUpdates{
		entities.ColPrice:        roundCents(req.PricePerMile * order.Amount),
		entities.ColPricePerMile: req.PricePerMile,
		entities.ColMinMiles:     req.MinMiles,
	})
}

func (s *ListingService) Browse(ctx context.Context) ([]Listing, error) {
	orders, err := s.orders.GetOrdersByStatus(ctx, entities.StatusListed)
	if err != nil {
		return nil, fmt.Errorf("failed to load listings: %w", err)
	}

	listings := make([]Listing, 0, len(orders))
	for _, o := range orders {
		listings = append(listings, Listing{
			ID:            o.ID,
			ItemType:      o.ItemType,
			ProviderID:    o.ProviderID,
			SellerAddress: o.SellerAddress,
			Amount:        o.Amount,
			Price:         deref(o.Price),
			PricePerMile:  deref(o.PricePerMile),
			MinMiles:      deref(o.MinMiles),
			CreatedAt:     o.CreatedAt,
		})
	}
	return listings, nil
}

// Quote validates a purchase against the listing and returns deposit instructions.
func (s *ListingService) Quote(ctx context.Context, orderID string, req BuyRequest) (*Quote, error) {
	if err := validateRoute(req.Departure, req.Destination, req.BuyerAddress); err != nil {
		return nil, err
	}

	order, err := s.listedOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err = checkQuantity(order, req.MilesAmount); err != nil {
		return nil, err
	}

	cost := roundCents(*order.PricePerMile * req.MilesAmount)

	return &Quote{
		OrderID:         order.ID,
		OrderHash:       order.OrderHash,
		SellerAddress:   order.SellerAddress,
		MilesAmount:     req.MilesAmount,
		PricePerMile:    *order.PricePerMile,
		Cost:            cost,
		AmountBaseUnits: ledger.ToBaseUnits(cost, s.chain.TokenDecimals).String(),
		EscrowContract:  s.chain.EscrowContract,
		TokenAddress:    s.chain.TokenAddress,
		Departure:       req.Departure,
		Destination:     req.Destination,
	}, nil
}

// ConfirmEscrow is the manual path for buyers whose deposit the reconciler has not seen.
// With a ledger configured the contract must report a funded escrow for the order.
func (s *ListingService) ConfirmEscrow(ctx context.Context, orderID string, req ConfirmEscrowRequest) (*entities.Order, error) {
	if err := validateRoute(req.Departure, req.Destination, req.BuyerAddress); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.EscrowTx) == "" {
		return nil, entities.NewError(entities.CodeInvalidInput, "escrowTx is required")
	}

	order, err := s.listedOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	miles := req.MilesAmount
	if miles == 0 {
		miles = order.Amount
	}
	if err = checkQuantity(order, miles); err != nil {
		return nil, err
	}

	if s.ledger != nil {
		escrow, err := s.ledger.GetEscrow(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("failed to read escrow: %w", err)
		}
		if !escrow.Funded() {
			return nil, entities.NewError(entities.CodeConflict, "escrow for order %s is not funded", orderID)
		}
		if !sameAddress(escrow.Seller, order.SellerAddress) {
			return nil, entities.NewError(entities.CodeConflict, "escrow for order %s pays %s, not the seller", orderID, escrow.Seller)
		}
		cost := roundCents(*order.PricePerMile * miles)
		if held := ledger.FromBaseUnits(escrow.Amount, s.chain.TokenDecimals); held < cost-DefaultDepositTolerance {
			return nil, entities.NewError(entities.CodeConflict,
				"escrow for order %s holds %.2f, %.0f miles cost %.2f", orderID, held, miles, cost)
		}
	}

	escrowed, err := s.orders.Transition(ctx, orderID, entities.StatusListed, entities.StatusEscrowed, entities.FieldUpdates{
		entities.ColBuyerAddress:     common.HexToAddress(req.BuyerAddress).Hex(),
		entities.ColBuyerDeparture:   req.Departure,
		entities.ColBuyerDestination: req.Destination,
		entities.ColEscrowTx:         req.EscrowTx,
		entities.ColPurchasedMiles:   miles,
	})
	if err != nil {
		return nil, err
	}

	s.transfers.TriggerTransferAsync(ctx, orderID)
	return escrowed, nil
}

func (s *ListingService) listedOrder(ctx context.Context, orderID string) (*entities.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != entities.StatusListed || order.PricePerMile == nil {
		return nil, entities.WrapError(entities.ErrInvalidStatus, "order %s is %s, not LISTED", orderID, order.Status)
	}
	return order, nil
}

func checkQuantity(order *entities.Order, miles float64) error {
	switch {
	case miles <= 0:
		return entities.NewError(entities.CodeInvalidInput, "milesAmount must be positive")
	case order.MinMiles != nil && miles < *order.MinMiles:
		return entities.WrapError(entities.ErrBelowMinimum, "milesAmount %.0f is below the minimum of %.0f", miles, *order.MinMiles)
	case miles > order.Amount:
		return entities.WrapError(entities.ErrInsufficientBalance, "milesAmount %.0f exceeds the listed %.0f", miles, order.Amount)
	}
	return nil
}

func validateRoute(departure, destination, buyer string) error {
	if strings.TrimSpace(departure) == "" || strings.TrimSpace(destination) == "" {
		return entities.NewError(entities.CodeInvalidInput, "departure and destination are required")
	}
	if !common.IsHexAddress(buyer) {
		return entities.NewError(entities.CodeInvalidInput, "buyerAddress must be a hex address")
	}
	return nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
