package entities

import "time"

// DeadLetterKind classifies work that background processes could not finish.
type DeadLetterKind string

const (
	DeadLetterAgentDispatch    DeadLetterKind = "agent_dispatch"
	DeadLetterRelease          DeadLetterKind = "release"
	DeadLetterRefund           DeadLetterKind = "refund"
	DeadLetterAmbiguousDeposit DeadLetterKind = "ambiguous_deposit"
	DeadLetterBalanceReview    DeadLetterKind = "balance_review"
	DeadLetterStuckOrder       DeadLetterKind = "stuck_order"
	DeadLetterRejectedDeposit  DeadLetterKind = "rejected_deposit"
)

// DeadLetter surfaces a permanently stuck item to an operator.
type DeadLetter struct {
	ID         int64          `json:"id" db:"id"`
	OrderID    *string        `json:"order_id,omitempty" db:"order_id"`
	Kind       DeadLetterKind `json:"kind" db:"kind"`
	Reason     string         `json:"reason" db:"reason"`
	Attempts   int            `json:"attempts" db:"attempts"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
}
