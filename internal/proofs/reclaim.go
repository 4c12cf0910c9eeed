package proofs

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/pkg/retry"
)

type ReclaimConfig struct {
	BaseURL          string
	AppID            string
	AppSecret        string // hex encoded secp256k1 key of the registered application
	CallbackURL      string
	WitnessAddresses []string
	Timeout          time.Duration
}

// ReclaimBackend talks to a remote attestor network. Sellers open the returned
// verification URL; the signed claim arrives later on the proof callback.
type ReclaimBackend struct {
	logger    *slog.Logger
	cfg       ReclaimConfig
	client    *http.Client
	witnesses map[common.Address]struct{}
	policy    retry.Policy
}

type reclaimClaim struct {
	ClaimData  reclaimClaimData `json:"claimData"`
	Signatures []string         `json:"signatures"`
}

type reclaimClaimData struct {
	Provider   string `json:"provider"`
	Parameters string `json:"parameters"`
	Owner      string `json:"owner"`
	TimestampS int64  `json:"timestampS"`
	Context    string `json:"context"`
	Identifier string `json:"identifier"`
	Epoch      int64  `json:"epoch"`
}

func NewReclaimBackend(logger *slog.Logger, cfg ReclaimConfig) *ReclaimBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	witnesses := make(map[common.Address]struct{}, len(cfg.WitnessAddresses))
	for _, addr := range cfg.WitnessAddresses {
		if common.IsHexAddress(addr) {
			witnesses[common.HexToAddress(addr)] = struct{}{}
		}
	}
	if len(witnesses) == 0 {
		logger.Warn("Reclaim backend has no trusted witnesses, every proof will be rejected")
	}

	return &ReclaimBackend{
		logger:    logger,
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		witnesses: witnesses,
		policy:    retry.Policy{MaxAttempts: 2, BaseDelay: 300 * time.Millisecond, MaxDelay: time.Second},
	}
}

func (b *ReclaimBackend) Name() string { return BackendReclaim }

func (b *ReclaimBackend) CreateVerificationRequest(ctx context.Context, orderID, providerID string) (*entities.VerificationRequest, error) {
	if b.cfg.AppID == "" || b.cfg.AppSecret == "" || b.cfg.BaseURL == "" {
		return nil, entities.WrapError(entities.ErrConfigMissing, "reclaim app credentials are not configured")
	}

	appKey, err := crypto.HexToECDSA(strings.TrimPrefix(b.cfg.AppSecret, "0x"))
	if err != nil {
		return nil, entities.WrapError(entities.ErrConfigMissing, "reclaim app secret is not a valid key")
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature, err := signText(appKey, fmt.Sprintf(`{"providerId":%q,"timestamp":%q}`, providerID, timestamp))
	if err != nil {
		return nil, err
	}

	callback, err := url.Parse(b.cfg.CallbackURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proof callback url: %w", err)
	}
	query := callback.Query()
	query.Set("orderId", orderID)
	callback.RawQuery = query.Encode()

	body, _ := json.Marshal(map[string]any{
		"appId":       b.cfg.AppID,
		"providerId":  providerID,
		"timestamp":   timestamp,
		"signature":   signature,
		"callbackUrl": callback.String(),
		"context":     map[string]string{"orderId": orderID},
	})

	var out struct {
		SessionID  string `json:"sessionId"`
		RequestURL string `json:"requestUrl"`
	}

	_, err = retry.Do(ctx, b.policy, func(ctx context.Context) error {
		return b.post(ctx, "/api/sdk/session", body, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reclaim session: %w", err)
	}
	if out.RequestURL == "" || out.SessionID == "" {
		return nil, fmt.Errorf("reclaim session response is missing fields")
	}

	b.logger.InfoContext(ctx, "Verification session created", "order_id", orderID, "session_id", out.SessionID)

	return &entities.VerificationRequest{
		OrderID:         orderID,
		VerificationURL: out.RequestURL,
		SessionID:       out.SessionID,
	}, nil
}

func (b *ReclaimBackend) post(ctx context.Context, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(b.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = fmt.Errorf("reclaim returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return err
		}
		return retry.Permanent(err)
	}

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("failed to decode reclaim response: %w", err))
	}
	return nil
}

// GenerateProof is not available: claims are produced by the attestor network.
func (b *ReclaimBackend) GenerateProof(string, map[string]any, Predicate) (*entities.Proof, error) {
	return nil, ErrUnsupported
}

// ParseProof accepts a single claim or an array of claims. Only the claim fields covered by
// the witness signatures are kept as evidence, so anything else in the payload never reaches
// balance extraction.
func (b *ReclaimBackend) ParseProof(payload []byte) (*entities.Proof, error) {
	claims, err := parseClaims(payload)
	if err != nil {
		return nil, entities.NewError(entities.CodeInvalidInput, "malformed reclaim proof: %v", err)
	}
	if len(claims[0].Signatures) == 0 {
		return nil, entities.NewError(entities.CodeInvalidInput, "reclaim proof has no signatures")
	}

	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reclaim claims: %w", err)
	}

	sessionOK := true
	for _, c := range claims {
		sessionOK = sessionOK && strings.EqualFold(claimIdentifier(c.ClaimData), c.ClaimData.Identifier)
	}

	predicate := Predicate{Field: "balance", Op: OpGreater, Value: 0}
	first := claims[0]

	return &entities.Proof{
		ID:             uuid.NewString(),
		ProviderDomain: providerDomain(first.ClaimData),
		ProofType:      BackendReclaim,
		Attestations: entities.Attestations{
			Authenticity:       b.verifyClaims(claims),
			SessionIntegrity:   sessionOK,
			DomainOwnership:    providerDomain(first.ClaimData) != "",
			PredicateSatisfied: ExtractBalance(raw) > predicate.Value,
		},
		PredicateExpr: predicate.String(),
		RawProof:      raw,
		Signature:     first.Signatures[0],
	}, nil
}

// VerifyProof rebuilds every signed claim message from RawProof and checks that a trusted
// witness signed each of them.
func (b *ReclaimBackend) VerifyProof(proof *entities.Proof) bool {
	if proof == nil || proof.ProofType != BackendReclaim {
		return false
	}

	claims, err := parseClaims(proof.RawProof)
	if err != nil || len(claims[0].Signatures) == 0 || claims[0].Signatures[0] != proof.Signature {
		return false
	}
	return b.verifyClaims(claims)
}

func (b *ReclaimBackend) verifyClaims(claims []reclaimClaim) bool {
	for i := range claims {
		if len(claims[i].Signatures) == 0 || !b.verifyClaim(&claims[i], claims[i].Signatures[0]) {
			return false
		}
	}
	return len(claims) > 0
}

func (b *ReclaimBackend) verifyClaim(claim *reclaimClaim, signature string) bool {
	if !strings.EqualFold(claimIdentifier(claim.ClaimData), claim.ClaimData.Identifier) {
		return false
	}

	signer, err := recoverSigner(accounts.TextHash([]byte(claimMessage(claim.ClaimData))), signature)
	if err != nil {
		return false
	}

	_, trusted := b.witnesses[signer]
	return trusted
}

// parseClaims returns at least one claim.
func parseClaims(payload []byte) ([]reclaimClaim, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var claims []reclaimClaim
		if err := json.Unmarshal(trimmed, &claims); err != nil {
			return nil, err
		}
		if len(claims) == 0 {
			return nil, fmt.Errorf("empty claim list")
		}
		return claims, nil
	}

	var claim reclaimClaim
	if err := json.Unmarshal(trimmed, &claim); err != nil {
		return nil, err
	}
	return []reclaimClaim{claim}, nil
}

// claimIdentifier is keccak256 of provider, parameters and context joined by newlines.
func claimIdentifier(data reclaimClaimData) string {
	return crypto.Keccak256Hash([]byte(data.Provider + "\n" + data.Parameters + "\n" + data.Context)).Hex()
}

func claimMessage(data reclaimClaimData) string {
	return strings.Join([]string{
		strings.ToLower(data.Identifier),
		strings.ToLower(data.Owner),
		strconv.FormatInt(data.TimestampS, 10),
		strconv.FormatInt(data.Epoch, 10),
	}, "\n")
}

func providerDomain(data reclaimClaimData) string {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(data.Parameters), &params); err == nil && params.URL != "" {
		if u, err := url.Parse(params.URL); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return data.Provider
}

func signText(key *ecdsa.PrivateKey, message string) (string, error) {
	return signDigest(key, accounts.TextHash([]byte(message)))
}
