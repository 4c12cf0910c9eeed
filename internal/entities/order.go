package entities

import (
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending        OrderStatus = "PENDING"
	StatusVerified       OrderStatus = "VERIFIED"
	StatusFailed         OrderStatus = "FAILED"
	StatusListed         OrderStatus = "LISTED"
	StatusEscrowed       OrderStatus = "ESCROWED"
	StatusTransferring   OrderStatus = "TRANSFERRING"
	StatusTransferred    OrderStatus = "TRANSFERRED"
	StatusReleasePending OrderStatus = "RELEASE_PENDING"
	StatusCompleted      OrderStatus = "COMPLETED"
	StatusDisputed       OrderStatus = "DISPUTED"
	StatusRefundPending  OrderStatus = "REFUND_PENDING"
	StatusRefunded       OrderStatus = "REFUNDED"
)

// IsTerminal reports whether no further transition can leave the status.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFailed || s == StatusCompleted || s == StatusRefunded
}

// Order is one seller-to-buyer transfer of a loyalty balance and its escrow record.
type Order struct {
	ID         string `json:"id" db:"id"`
	OrderHash  string `json:"order_hash" db:"order_hash"` // keccak256(id), as seen in ledger topics
	ItemType   string `json:"item_type" db:"item_type"`
	ProviderID string `json:"provider_id" db:"provider_id"`
	Username   string `json:"-" db:"username"` // tracking only, never used to log in

	SellerAddress string  `json:"seller_address" db:"seller_address"`
	Amount        float64 `json:"amount" db:"amount"` // authoritative once status >= VERIFIED

	// Listing facts, set at VERIFIED->LISTED.
	Price        *float64 `json:"price,omitempty" db:"price"`
	PricePerMile *float64 `json:"price_per_mile,omitempty" db:"price_per_mile"`
	MinMiles     *float64 `json:"min_miles,omitempty" db:"min_miles"`

	// Buyer facts, set at LISTED->ESCROWED.
	BuyerAddress     *string  `json:"buyer_address,omitempty" db:"buyer_address"`
	BuyerDeparture   *string  `json:"buyer_departure,omitempty" db:"buyer_departure"`
	BuyerDestination *string  `json:"buyer_destination,omitempty" db:"buyer_destination"`
	EscrowTx         *string  `json:"escrow_tx,omitempty" db:"escrow_tx"`
	PurchasedMiles   *float64 `json:"purchased_miles,omitempty" db:"purchased_miles"`

	// Execution facts.
	EncryptedCreds   string  `json:"-" db:"encrypted_creds"`
	ConfirmationCode *string `json:"confirmation_code,omitempty" db:"confirmation_code"`
	TicketDetails    []byte  `json:"-" db:"ticket_details"`

	Status        OrderStatus `json:"status" db:"status"`
	ProofID       *string     `json:"proof_id,omitempty" db:"proof_id"`
	ErrorMsg      *string     `json:"error_msg,omitempty" db:"error_msg"`
	DisputeReason *string     `json:"dispute_reason,omitempty" db:"dispute_reason"`
	SettlementTx  *string     `json:"settlement_tx,omitempty" db:"settlement_tx"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ListingCost returns the full-balance cost of a listed order.
func (o *Order) ListingCost() float64 {
	if o.PricePerMile == nil {
		return 0
	}
	return *o.PricePerMile * o.Amount
}

// HashOrderID returns the keccak256 hash of an order id as it appears in indexed ledger topics.
func HashOrderID(id string) string {
	return crypto.Keccak256Hash([]byte(id)).Hex()
}

// Column names of the orders table, grouped by the transition that owns them.
const (
	ColAmount           = "amount"
	ColProofID          = "proof_id"
	ColPrice            = "price"
	ColPricePerMile     = "price_per_mile"
	ColMinMiles         = "min_miles"
	ColBuyerAddress     = "buyer_address"
	ColBuyerDeparture   = "buyer_departure"
	ColBuyerDestination = "buyer_destination"
	ColEscrowTx         = "escrow_tx"
	ColPurchasedMiles   = "purchased_miles"
	ColConfirmationCode = "confirmation_code"
	ColTicketDetails    = "ticket_details"
	ColErrorMsg         = "error_msg"
	ColDisputeReason    = "dispute_reason"
	ColSettlementTx     = "settlement_tx"
)

// FieldUpdates carries the column writes that accompany a status transition.
type FieldUpdates map[string]any
