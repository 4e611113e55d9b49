package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransferType string

const (
	TransferSale TransferType = "sale"
	TransferGift TransferType = "gift"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferSettling  TransferStatus = "settling"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
	TransferCancelled TransferStatus = "cancelled"
	TransferExpired   TransferStatus = "expired"
)

// RoyaltyShare is one royalty recipient's cut inside a fee snapshot.
type RoyaltyShare struct {
	UserID string          `json:"user_id"`
	Wallet string          `json:"wallet"`
	Amount decimal.Decimal `json:"amount"`
}

// FeeSnapshot is the fee breakdown computed once at initiation and used
// unchanged by all later settlement steps.
type FeeSnapshot struct {
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	TotalRoyalty   decimal.Decimal `json:"total_royalty"`
	Shares         []RoyaltyShare  `json:"shares,omitempty"`
	SellerProceeds decimal.Decimal `json:"seller_proceeds"`
}

type Transfer struct {
	ID         string          `json:"id"`
	TicketID   string          `json:"ticket_id"`
	FromUserID string          `json:"from_user_id"`
	ToUserID   string          `json:"to_user_id"`
	Type       TransferType    `json:"type"`
	Status     TransferStatus  `json:"status"`
	Price      decimal.Decimal `json:"price"`
	Fees       FeeSnapshot     `json:"fees"`
	Immediate  bool            `json:"immediate"`

	// Dual-party verification. The shared code is stored hashed only.
	CodeHash          string `json:"-"`
	SenderVerified    bool   `json:"sender_verified"`
	RecipientVerified bool   `json:"recipient_verified"`
	NameMatchFlagged  bool   `json:"name_match_flagged"`

	ExpiresAt     time.Time  `json:"expires_at"`
	EscrowRef     string     `json:"escrow_ref,omitempty"`
	SettlementRef string     `json:"settlement_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the transfer reached a final state.
func (t *Transfer) Terminal() bool {
	switch t.Status {
	case TransferCompleted, TransferFailed, TransferCancelled, TransferExpired:
		return true
	}
	return false
}

// Party reports whether userID is the sender or the recipient.
func (t *Transfer) Party(userID string) bool {
	return userID == t.FromUserID || userID == t.ToUserID
}

// BothVerified reports whether both parties submitted the shared code.
func (t *Transfer) BothVerified() bool {
	return t.SenderVerified && t.RecipientVerified
}
