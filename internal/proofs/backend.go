package proofs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sand/loyalty-escrow/backend/config"
	"github.com/sand/loyalty-escrow/backend/internal/entities"
)

// Backend names accepted in configuration.
const (
	BackendMock    = "mock"
	BackendReclaim = "reclaim"
)

var ErrUnsupported = errors.New("operation not supported by this proof backend")

// Backend issues verification requests and turns the proofs it produces into canonical
// attestation records.
type Backend interface {
	Name() string
	CreateVerificationRequest(ctx context.Context, orderID, providerID string) (*entities.VerificationRequest, error)
	GenerateProof(domain string, responseData map[string]any, predicate Predicate) (*entities.Proof, error)
	VerifyProof(proof *entities.Proof) bool
	// ParseProof normalizes a payload delivered by the backend. It does not verify it.
	ParseProof(payload []byte) (*entities.Proof, error)
}

// New builds the backend selected in configuration.
func New(logger *slog.Logger, cfg config.Proof) (Backend, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second

	switch cfg.Backend {
	case BackendMock, "":
		logger.Warn("Using mock proof backend, proofs are not attested")
		return NewMockBackend(cfg.MockSeed, cfg.BaseURL)
	case BackendReclaim:
		return NewReclaimBackend(logger, ReclaimConfig{
			BaseURL:          cfg.BaseURL,
			AppID:            cfg.AppID,
			AppSecret:        cfg.AppSecret,
			CallbackURL:      cfg.CallbackURL,
			WitnessAddresses: cfg.WitnessAddresses,
			Timeout:          timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown proof backend %q", cfg.Backend)
	}
}
