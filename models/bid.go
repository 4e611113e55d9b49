package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BidStatus string

const (
	BidActive    BidStatus = "active"
	BidWon       BidStatus = "won"
	BidCancelled BidStatus = "cancelled"
	BidRefunded  BidStatus = "refunded"
)

// BidRevision is one prior amount of a raised bid.
type BidRevision struct {
	Amount    decimal.Decimal `json:"amount"`
	ChangedAt time.Time       `json:"changed_at"`
}

type Bid struct {
	ID        string          `json:"id"`
	ListingID string          `json:"listing_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    BidStatus       `json:"status"`
	EscrowRef string          `json:"escrow_ref,omitempty"`
	Auto      bool            `json:"auto"`
	Revisions []BidRevision   `json:"revisions,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AutoBid is a standing maximum that places minimal counter-bids on the
// holder's behalf whenever they are outbid.
type AutoBid struct {
	ID        string          `json:"id"`
	ListingID string          `json:"listing_id"`
	BidderID  string          `json:"bidder_id"`
	MaxAmount decimal.Decimal `json:"max_amount"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}
