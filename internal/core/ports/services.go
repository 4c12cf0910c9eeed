package ports

import (
	"context"

	"github.com/sand/loyalty-escrow/backend/internal/agent"
	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/internal/usecases"
)

// SellerService handles seller intake and balance proofs.
type SellerService interface {
	Sell(ctx context.Context, asset string, req usecases.SellRequest) (*entities.VerificationRequest, error)
	HandleProofCallback(ctx context.Context, orderID string, payload []byte) (*usecases.ProofResult, error)
	SubmitMockProof(ctx context.Context, orderID string, balance float64) (*usecases.ProofResult, error)
}

// ListingService defines the marketplace operations.
type ListingService interface {
	List(ctx context.Context, orderID string, req usecases.ListRequest) (*entities.Order, error)
	Browse(ctx context.Context) ([]usecases.Listing, error)
	Quote(ctx context.Context, orderID string, req usecases.BuyRequest) (*usecases.Quote, error)
	ConfirmEscrow(ctx context.Context, orderID string, req usecases.ConfirmEscrowRequest) (*entities.Order, error)
}

// TransferService defines execution and settlement operations.
type TransferService interface {
	CompleteTransfer(ctx context.Context, cb agent.Callback) (*entities.Order, error)
	Ticket(ctx context.Context, orderID string) (*usecases.Ticket, error)
	Approve(ctx context.Context, orderID string) (*entities.Order, error)
	Dispute(ctx context.Context, orderID, reason string) (*entities.Order, error)
	Resolve(ctx context.Context, orderID, action string) (*entities.Order, error)
}

type OrderService interface {
	GetOrder(ctx context.Context, id string) (*entities.Order, error)
}

type DeadLetterService interface {
	List(ctx context.Context) ([]entities.DeadLetter, error)
}

var (
	_ SellerService     = (*usecases.SellerService)(nil)
	_ ListingService    = (*usecases.ListingService)(nil)
	_ TransferService   = (*usecases.TransferService)(nil)
	_ OrderService      = (*usecases.OrderService)(nil)
	_ DeadLetterService = (*usecases.DeadLetterService)(nil)
)
