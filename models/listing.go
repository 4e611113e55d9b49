package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ListingType string

const (
	ListingFixedPrice ListingType = "fixed"
	ListingAuction    ListingType = "auction"
)

type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingSold      ListingStatus = "sold"
	ListingExpired   ListingStatus = "expired"
	ListingCancelled ListingStatus = "cancelled"
	// ListingFailed marks a resolved sale whose on-chain settlement was
	// rejected; buyer escrow has been refunded and the ticket unlocked.
	ListingFailed ListingStatus = "failed"
)

// AuctionResolution records why an auction left the active state.
type AuctionResolution string

const (
	ResolutionNoBids        AuctionResolution = "no_bids"
	ResolutionReserveNotMet AuctionResolution = "reserve_not_met"
	ResolutionSold          AuctionResolution = "sold"
)

type Listing struct {
	ID       string        `json:"id"`
	SellerID string        `json:"seller_id"`
	TicketID string        `json:"ticket_id"`
	EventID  string        `json:"event_id"`
	Type     ListingType   `json:"type"`
	Status   ListingStatus `json:"status"`

	// Fixed price, or the auction starting price.
	Price decimal.Decimal `json:"price"`

	// Auction block. CurrentBid always equals the amount of the last
	// accepted bid, or the starting price while no bid exists.
	StartingPrice   decimal.Decimal   `json:"starting_price"`
	CurrentBid      decimal.Decimal   `json:"current_bid"`
	HighestBidID    string            `json:"highest_bid_id,omitempty"`
	HighestBidderID string            `json:"highest_bidder_id,omitempty"`
	ReservePrice    decimal.Decimal   `json:"-"` // never serialized to bidders
	BidCount        int               `json:"bid_count"`
	ExpiresAt       time.Time         `json:"expires_at"`
	ExtensionCount  int               `json:"extension_count"`
	Resolution      AuctionResolution `json:"resolution,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Ended reports whether the auction deadline has passed.
func (l *Listing) Ended(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// EffectiveBid is the amount a new bid has to beat: the current bid, or
// the starting price before the first bid lands.
func (l *Listing) EffectiveBid() decimal.Decimal {
	if l.BidCount == 0 {
		return l.StartingPrice
	}
	return l.CurrentBid
}
