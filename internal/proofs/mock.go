package proofs

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/pkg/keys"
)

// MockBackend fabricates structurally valid proofs locally. Its attestor key is derived
// from a seed phrase, so proofs are reproducible across restarts.
type MockBackend struct {
	key     *ecdsa.PrivateKey
	address common.Address
	baseURL string
}

type mockEvidence struct {
	ProofType           string         `json:"proofType"`
	Provider            string         `json:"provider"`
	Attestor            string         `json:"attestor"`
	Predicate           string         `json:"predicate"`
	PredicateSatisfied  bool           `json:"predicateSatisfied"`
	ExtractedParameters map[string]any `json:"extractedParameters"`
}

func NewMockBackend(seed, baseURL string) (*MockBackend, error) {
	key, address, err := keys.Derive(seed, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive mock attestor key: %w", err)
	}
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &MockBackend{key: key, address: address, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (b *MockBackend) Name() string { return BackendMock }

// Attestor is the address every mock proof is signed by.
func (b *MockBackend) Attestor() common.Address { return b.address }

func (b *MockBackend) CreateVerificationRequest(_ context.Context, orderID, _ string) (*entities.VerificationRequest, error) {
	return &entities.VerificationRequest{
		OrderID:         orderID,
		VerificationURL: fmt.Sprintf("%s/dev/mock-proof/%s", b.baseURL, orderID),
		SessionID:       "mock-" + uuid.NewString(),
	}, nil
}

func (b *MockBackend) GenerateProof(domain string, responseData map[string]any, predicate Predicate) (*entities.Proof, error) {
	satisfied := predicate.Evaluate(responseData)

	raw, err := json.Marshal(mockEvidence{
		ProofType:           BackendMock,
		Provider:            domain,
		Attestor:            b.address.Hex(),
		Predicate:           predicate.String(),
		PredicateSatisfied:  satisfied,
		ExtractedParameters: responseData,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode mock evidence: %w", err)
	}

	signature, err := signDigest(b.key, crypto.Keccak256(raw))
	if err != nil {
		return nil, err
	}

	return &entities.Proof{
		ID:             uuid.NewString(),
		ProviderDomain: domain,
		ProofType:      BackendMock,
		Attestations: entities.Attestations{
			Authenticity:       true,
			SessionIntegrity:   true,
			DomainOwnership:    true,
			PredicateSatisfied: satisfied,
		},
		PredicateExpr: predicate.String(),
		RawProof:      raw,
		Signature:     signature,
	}, nil
}

// VerifyProof checks that the proof was signed by this backend's attestor key.
func (b *MockBackend) VerifyProof(proof *entities.Proof) bool {
	if proof == nil || proof.ProofType != BackendMock || len(proof.RawProof) == 0 {
		return false
	}

	signer, err := recoverSigner(crypto.Keccak256(proof.RawProof), proof.Signature)
	if err != nil {
		return false
	}
	return signer == b.address
}

// ParseProof accepts a proof record as produced by GenerateProof.
func (b *MockBackend) ParseProof(payload []byte) (*entities.Proof, error) {
	var proof entities.Proof
	if err := json.Unmarshal(payload, &proof); err != nil {
		return nil, entities.NewError(entities.CodeInvalidInput, "malformed mock proof: %v", err)
	}
	if proof.ProofType != BackendMock || len(proof.RawProof) == 0 {
		return nil, entities.NewError(entities.CodeInvalidInput, "payload is not a mock proof")
	}
	if proof.ID == "" {
		proof.ID = uuid.NewString()
	}
	return &proof, nil
}
