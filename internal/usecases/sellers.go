package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/internal/proofs"
)

type ProvidersRepository interface {
	FindProvider(ctx context.Context, id string) (*entities.Provider, error)
}

type ProofsRepository interface {
	InsertProof(ctx context.Context, proof *entities.Proof) error
}

// Sealer encrypts seller credentials for the execution agent.
type Sealer interface {
	Encrypt(plaintext []byte) (string, error)
}

type SellRequest struct {
	ProviderID    string          `json:"providerId"`
	Username      string          `json:"username"`
	Credentials   json.RawMessage `json:"credentials"`
	SellerAddress string          `json:"sellerAddress"`
}

// ProofResult is returned to the proof backend after a callback was handled.
type ProofResult struct {
	OrderID string               `json:"orderId"`
	Status  entities.OrderStatus `json:"status"`
	Amount  float64              `json:"amount,omitempty"`
	Message string               `json:"message,omitempty"`
}

// SellerService runs seller intake and balance verification.
type SellerService struct {
	logger      *slog.Logger
	orders      *OrderService
	providers   ProvidersRepository
	proofs      ProofsRepository
	backend     proofs.Backend
	vault       Sealer
	deadLetters *DeadLetterService
}

func NewSellerService(
	logger *slog.Logger,
	orders *OrderService,
	providers ProvidersRepository,
	proofRepo ProofsRepository,
	backend proofs.Backend,
	vault Sealer,
	deadLetters *DeadLetterService,
) *SellerService {
	return &SellerService{
		logger:      logger,
		orders:      orders,
		providers:   providers,
		proofs:      proofRepo,
		backend:     backend,
		vault:       vault,
		deadLetters: deadLetters,
	}
}

// Sell creates a PENDING order for the seller's account and opens a verification session.
func (s *SellerService) Sell(ctx context.Context, asset string, req SellRequest) (*entities.VerificationRequest, error) {
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.Username = strings.TrimSpace(req.Username)

	switch {
	case req.ProviderID == "" || req.Username == "":
		return nil, entities.NewError(entities.CodeInvalidInput, "providerId and username are required")
	case len(req.Credentials) == 0 || string(req.Credentials) == "null":
		return nil, entities.NewError(entities.CodeInvalidInput, "credentials are required")
	case !common.IsHexAddress(req.SellerAddress):
		return nil, entities.NewError(entities.CodeInvalidInput, "sellerAddress must be a hex address")
	}

	provider, err := s.providers.FindProvider(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	if asset != "" && !strings.EqualFold(asset, provider.ItemType) {
		return nil, entities.NewError(entities.CodeInvalidInput, "provider %s does not sell %s", provider.ID, asset)
	}

	active, err := s.orders.GetActiveOrder(ctx, req.Username, provider.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active orders: %w", err)
	}
	if active != nil {
		return nil, entities.WrapError(entities.ErrDuplicateOrder, "order %s is still %s", active.ID, active.Status)
	}

	sealed, err := s.vault.Encrypt(req.Credentials)
	if err != nil {
		return nil, err
	}

	order := &entities.Order{
		ID:             uuid.NewString(),
		ItemType:       provider.ItemType,
		ProviderID:     provider.ID,
		Username:       req.Username,
		SellerAddress:  common.HexToAddress(req.SellerAddress).Hex(),
		EncryptedCreds: sealed,
	}
	if err = s.orders.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	s.logger.InfoContext(ctx, "Sell order created", "order_id", order.ID, "provider_id", provider.ID)

	verification, err := s.backend.CreateVerificationRequest(ctx, order.ID, provider.ID)
	if err != nil {
		_, failErr := s.orders.Transition(ctx, order.ID, entities.StatusPending, entities.StatusFailed, entities.FieldUpdates{
			entities.ColErrorMsg: "verification request failed: " + err.Error(),
		})
		if failErr != nil {
			s.logger.ErrorContext(ctx, "Failed to mark order failed", "order_id", order.ID, "error", failErr)
		}
		return nil, err
	}

	return verification, nil
}

// HandleProofCallback verifies a proof delivered for a PENDING order. A bad signature fails the
// order; a zero balance is parked for review; otherwise the proof row and the VERIFIED transition
// commit together.
func (s *SellerService) HandleProofCallback(ctx context.Context, orderID string, payload []byte) (*ProofResult, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, entities.NewError(entities.CodeInvalidInput, "orderId is required")
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != entities.StatusPending {
		return nil, entities.NewError(entities.CodeConflict, "order %s is %s, proof already processed", orderID, order.Status)
	}

	proof, err := s.backend.ParseProof(payload)
	if err != nil {
		return nil, err
	}

	if !s.backend.VerifyProof(proof) {
		_, err = s.orders.Transition(ctx, orderID, entities.StatusPending, entities.StatusFailed, entities.FieldUpdates{
			entities.ColErrorMsg: "proof signature is invalid",
		})
		if err != nil {
			return nil, err
		}
		return &ProofResult{OrderID: orderID, Status: entities.StatusFailed, Message: "proof signature is invalid"}, nil
	}

	balance := proofs.ExtractBalance(proof.RawProof)
	if balance <= 0 {
		msg := "could not verify a balance from the proof"
		s.orders.Annotate(ctx, orderID, msg)
		s.deadLetters.Record(ctx, orderID, entities.DeadLetterBalanceReview, msg, 1)
		return &ProofResult{OrderID: orderID, Status: entities.StatusPending, Message: msg}, nil
	}

	_, err = s.orders.TransitionWithin(ctx, orderID, entities.StatusPending, entities.StatusVerified,
		entities.FieldUpdates{
			entities.ColAmount:  balance,
			entities.ColProofID: proof.ID,
		},
		func(ctx context.Context) error {
			return s.proofs.InsertProof(ctx, proof)
		},
	)
	if err != nil {
		if errors.Is(err, entities.ErrStaleTransition) {
			return nil, entities.NewError(entities.CodeConflict, "order %s proof already processed", orderID)
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "Balance verified", "order_id", orderID, "amount", balance, "proof_id", proof.ID)

	return &ProofResult{OrderID: orderID, Status: entities.StatusVerified, Amount: balance}, nil
}

// SubmitMockProof fabricates a proof with the local backend and feeds it to the callback path.
func (s *SellerService) SubmitMockProof(ctx context.Context, orderID string, balance float64) (*ProofResult, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	provider, err := s.providers.FindProvider(ctx, order.ProviderID)
	if err != nil {
		return nil, err
	}

	domain := provider.DashboardURL
	if domain == "" {
		domain = provider.ID
	}

	proof, err := s.backend.GenerateProof(domain, map[string]any{"balance": balance},
		proofs.Predicate{Field: "balance", Op: proofs.OpGreater, Value: 0})
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(proof)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mock proof: %w", err)
	}

	return s.HandleProofCallback(ctx, orderID, payload)
}
