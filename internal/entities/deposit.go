package entities

import (
	"math/big"
	"time"
)

// DepositEvent is a Deposited log observed on the escrow contract.
type DepositEvent struct {
	TxHash      string   `json:"tx_hash"`
	LogIndex    uint     `json:"log_index"`
	BlockNumber uint64   `json:"block_number"`
	OrderHash   string   `json:"order_hash"`          // keccak256 of the order id (indexed topic)
	OrderRef    string   `json:"order_ref,omitempty"` // plaintext id, only on DepositedWithRef
	Buyer       string   `json:"buyer"`
	Seller      string   `json:"seller"`
	Amount      *big.Int `json:"amount"`
	Departure   string   `json:"departure"`
	Destination string   `json:"destination"`
}

// DepositOutcome records what the reconciler did with a deposit event.
type DepositOutcome string

const (
	DepositMatched   DepositOutcome = "matched"
	DepositStale     DepositOutcome = "stale"
	DepositUnmatched DepositOutcome = "unmatched"
	DepositAmbiguous DepositOutcome = "ambiguous"

	// DepositDuplicate is reported for replays and never stored.
	DepositDuplicate DepositOutcome = "duplicate"
)

// ProcessedDeposit is the persisted record of a handled deposit event.
type ProcessedDeposit struct {
	TxHash    string         `json:"tx_hash" db:"tx_hash"`
	LogIndex  int64          `json:"log_index" db:"log_index"`
	OrderID   *string        `json:"order_id,omitempty" db:"order_id"`
	Outcome   DepositOutcome `json:"outcome" db:"outcome"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// OnchainEscrow mirrors the contract's getEscrow view.
type OnchainEscrow struct {
	Buyer       string   `json:"buyer"`
	Seller      string   `json:"seller"`
	Amount      *big.Int `json:"amount"`
	Departure   string   `json:"departure"`
	Destination string   `json:"destination"`
	Status      uint8    `json:"status"`
}

// Funded reports whether the escrow holds deposited funds that were not paid out.
func (e *OnchainEscrow) Funded() bool {
	return e != nil && e.Amount != nil && e.Amount.Sign() > 0 && e.Status == EscrowStatusFunded
}

// On-chain escrow status values.
const (
	EscrowStatusNone     uint8 = 0
	EscrowStatusFunded   uint8 = 1
	EscrowStatusReleased uint8 = 2
	EscrowStatusRefunded uint8 = 3
)
