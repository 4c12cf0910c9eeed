package entities

import "time"

// Attestations are the named facts a proof backend vouches for.
type Attestations struct {
	Authenticity       bool `json:"authenticity"`
	SessionIntegrity   bool `json:"session_integrity"`
	DomainOwnership    bool `json:"domain_ownership"`
	PredicateSatisfied bool `json:"predicate_satisfied"`
}

// Proof is an immutable attestation record. Signature must validate against RawProof
// under the key scheme of the backend named by ProofType.
type Proof struct {
	ID             string       `json:"id" db:"id"`
	ProviderDomain string       `json:"provider_domain" db:"provider_domain"`
	ProofType      string       `json:"proof_type" db:"proof_type"`
	Attestations   Attestations `json:"attestations" db:"attestations"`
	PredicateExpr  string       `json:"predicate_expr" db:"predicate_expr"`
	RawProof       []byte       `json:"raw_proof" db:"raw_proof"`
	Signature      string       `json:"signature" db:"signature"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// VerificationRequest is what a seller follows to prove their balance.
type VerificationRequest struct {
	OrderID         string `json:"orderId"`
	VerificationURL string `json:"verificationUrl"`
	SessionID       string `json:"sessionId"`
}
