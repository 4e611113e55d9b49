package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DistributionStatus string

const (
	DistributionPending    DistributionStatus = "pending"
	DistributionProcessing DistributionStatus = "processing"
	DistributionCompleted  DistributionStatus = "completed"
	DistributionFailed     DistributionStatus = "failed"
)

type DistributionKind string

const (
	DistributionPlatform DistributionKind = "platform"
	DistributionRoyalty  DistributionKind = "royalty"
	DistributionSeller   DistributionKind = "seller"
)

// PayoutMethod is a closed variant; payout handling dispatches on it via
// a lookup table, never on free-form strings from the outside.
type PayoutMethod string

const (
	PayoutBank   PayoutMethod = "bank"
	PayoutCrypto PayoutMethod = "crypto"
	PayoutHold   PayoutMethod = "hold"
)

// Distribution is one payable leg of a multi-party settlement.
// Immutable once completed.
type Distribution struct {
	ID              string             `json:"id"`
	ParentID        string             `json:"parent_id"` // transfer or listing id
	EscrowRef       string             `json:"escrow_ref"`
	RecipientID     string             `json:"recipient_id"`
	RecipientWallet string             `json:"recipient_wallet"`
	Kind            DistributionKind   `json:"kind"`
	Method          PayoutMethod       `json:"method"`
	Amount          decimal.Decimal    `json:"amount"`
	Status          DistributionStatus `json:"status"`
	Skipped         bool               `json:"skipped"`
	RetryCount      int                `json:"retry_count"`
	NextAttemptAt   time.Time          `json:"next_attempt_at"`
	SettlementRef   string             `json:"settlement_ref,omitempty"`
	LastError       string             `json:"last_error,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}
