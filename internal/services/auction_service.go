package services

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"ticket-marketplace/config"
	"ticket-marketplace/internal/escrow"
	"ticket-marketplace/internal/events"
	"ticket-marketplace/internal/fees"
	"ticket-marketplace/internal/status"
	"ticket-marketplace/internal/store"
	"ticket-marketplace/models"
	"ticket-marketplace/utils"
)

// Increment tiers. Small bids step in cents, large bids converge to a
// percentage rule so jumps stay proportionate.
var (
	tierOne         = decimal.NewFromInt(1)
	tierFive        = decimal.NewFromInt(5)
	tierTwentyFive  = decimal.NewFromInt(25)
	tierHundred     = decimal.NewFromInt(100)
	tierFiveHundred = decimal.NewFromInt(500)

	incTiny   = decimal.RequireFromString("0.05")
	incSmall  = decimal.RequireFromString("0.25")
	incMedium = decimal.RequireFromString("0.50")
	incLarge  = decimal.NewFromInt(1)
	incHuge   = decimal.NewFromInt(5)

	incPercent = decimal.RequireFromString("0.05")
	incFloor   = decimal.RequireFromString("0.01")
)

// MinIncrement returns the smallest amount a new bid must add on top
// of the current bid.
func MinIncrement(current decimal.Decimal) decimal.Decimal {
	switch {
	case current.LessThan(tierOne):
		return incTiny
	case current.LessThan(tierFive):
		return incSmall
	case current.LessThan(tierTwentyFive):
		return incMedium
	case current.LessThan(tierHundred):
		return incLarge
	case current.LessThan(tierFiveHundred):
		return incHuge
	default:
		inc := current.Mul(incPercent).RoundCeil(2)
		if inc.LessThan(incFloor) {
			return incFloor
		}
		return inc
	}
}

// AuctionService runs listings end to end: creation, fixed-price
// purchase, the bid lifecycle, anti-snipe extension, auto-bids and
// final resolution.
type AuctionService struct {
	store         store.Store
	gateway       escrow.Gateway
	notifier      Notifier
	events        events.Sink
	redis         *redis.Client
	metrics       Metrics
	distributions *DistributionService
	cfg           *config.Config
	now           func() time.Time
}

func NewAuctionService(
	st store.Store,
	gateway escrow.Gateway,
	notifier Notifier,
	sink events.Sink,
	redisClient *redis.Client,
	metrics Metrics,
	distributions *DistributionService,
	cfg *config.Config,
) *AuctionService {
	return &AuctionService{
		store:         st,
		gateway:       gateway,
		notifier:      notifier,
		events:        sink,
		redis:         redisClient,
		metrics:       metrics,
		distributions: distributions,
		cfg:           cfg,
		now:           time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (s *AuctionService) SetNowFunc(fn func() time.Time) { s.now = fn }

type CreateListingInput struct {
	SellerID      string
	TicketID      string
	Type          models.ListingType
	Price         decimal.Decimal
	StartingPrice decimal.Decimal
	ReservePrice  decimal.Decimal
	ExpiresAt     time.Time
}

// CreateListing locks the ticket under the new listing id and opens it
// for sale. The listing id in the ticket's pending operation slot is
// what keeps a listed ticket out of the direct transfer path.
func (s *AuctionService) CreateListing(ctx context.Context, in CreateListingInput) (*models.Listing, error) {
	now := s.now()

	ticket, err := s.store.FindTicket(in.TicketID)
	if err != nil {
		return nil, err
	}
	if ticket.OwnerID != in.SellerID {
		return nil, status.New(status.Restriction, status.ReasonNotOwner)
	}
	if ticket.Status == models.TicketUsed {
		return nil, status.New(status.Restriction, status.ReasonTicketUsed)
	}
	if ticket.PendingOpID != "" {
		return nil, status.New(status.Validation, status.ReasonTicketLocked)
	}
	if ticket.Status != models.TicketActive {
		return nil, status.New(status.Validation, status.ReasonTicketNotActive)
	}
	if ticket.NonTransferable {
		return nil, status.New(status.Restriction, status.ReasonNonTransferable)
	}

	event, err := s.store.FindEvent(ticket.EventID)
	if err != nil {
		return nil, err
	}
	if !event.TransfersOpen(now) {
		return nil, status.New(status.Restriction, status.ReasonEventEnded)
	}
	if event.InBlackout(now) {
		return nil, status.New(status.Restriction, status.ReasonBlackoutWindow)
	}

	seller, err := s.store.FindUser(in.SellerID)
	if err != nil {
		return nil, err
	}
	if seller.Suspended {
		return nil, status.New(status.Restriction, status.ReasonAccountSuspended)
	}
	if seller.WalletAddress == "" {
		return nil, status.New(status.Validation, status.ReasonWalletMissing)
	}

	askPrice := in.Price
	if in.Type == models.ListingAuction {
		askPrice = in.StartingPrice
	}
	if !askPrice.IsPositive() {
		return nil, status.New(status.Validation, "price_not_positive")
	}
	if err := checkResaleMarkup(ticket, event, askPrice, s.cfg); err != nil {
		return nil, err
	}
	if in.Type == models.ListingAuction && !in.ExpiresAt.After(now) {
		return nil, status.New(status.Validation, "auction_expiry_in_past")
	}
	if overVelocity(ctx, s.redis, "sale:"+in.SellerID, s.cfg.SaleVelocityWindow, s.cfg.SaleVelocityLimit) {
		return nil, status.New(status.Restriction, status.ReasonSaleVelocity)
	}

	listing := &models.Listing{
		ID:            utils.GenerateID(),
		SellerID:      in.SellerID,
		TicketID:      ticket.ID,
		EventID:       ticket.EventID,
		Type:          in.Type,
		Status:        models.ListingActive,
		Price:         in.Price,
		StartingPrice: in.StartingPrice,
		CurrentBid:    in.StartingPrice,
		ReservePrice:  in.ReservePrice,
		ExpiresAt:     in.ExpiresAt,
		CreatedAt:     now,
	}

	err = s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindTicket(ticket.ID)
		if err != nil {
			return err
		}
		if !fresh.Lockable() {
			return status.New(status.Conflict, status.ReasonTicketLocked)
		}
		fresh.Status = models.TicketLocked
		fresh.LockedFor = "listing"
		fresh.PendingOpID = listing.ID
		if !in.ExpiresAt.IsZero() {
			lockedUntil := in.ExpiresAt
			fresh.LockedUntil = &lockedUntil
		}
		if err := tx.SaveTicket(fresh); err != nil {
			return err
		}
		return tx.SaveListing(listing)
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(events.SubjectListingCreated, listing.ID, map[string]any{
		"ticket_id": ticket.ID,
		"type":      string(in.Type),
	})
	return listing, nil
}

// CancelListing withdraws an unsold listing and unlocks the ticket. An
// auction that already attracted bids cannot be pulled out from under
// the bidders.
func (s *AuctionService) CancelListing(ctx context.Context, listingID, sellerID string) (*models.Listing, error) {
	listing, err := s.store.FindListing(listingID)
	if err != nil {
		return nil, err
	}
	if listing.SellerID != sellerID {
		return nil, status.New(status.Restriction, status.ReasonNotOwner)
	}
	if listing.Status != models.ListingActive {
		return nil, status.New(status.Validation, status.ReasonListingNotActive)
	}
	if listing.Type == models.ListingAuction && listing.BidCount > 0 {
		return nil, status.New(status.Restriction, status.ReasonActiveBidsExist)
	}

	var updated *models.Listing
	err = s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindListing(listingID)
		if err != nil {
			return err
		}
		if fresh.Status != models.ListingActive {
			return status.New(status.Conflict, status.ReasonListingNotActive)
		}
		if fresh.Type == models.ListingAuction && fresh.BidCount > 0 {
			return status.New(status.Conflict, status.ReasonActiveBidsExist)
		}
		fresh.Status = models.ListingCancelled
		if err := tx.SaveListing(fresh); err != nil {
			return err
		}
		updated = fresh
		return unlockTicket(tx, fresh.TicketID, fresh.ID)
	})
	if err != nil {
		return nil, err
	}

	s.events.Emit(events.SubjectListingCancelled, updated.ID, map[string]any{
		"ticket_id": updated.TicketID,
	})
	return updated, nil
}

// PurchaseListing settles a fixed-price listing in one call: escrow the
// buyer's funds, mark the listing sold, move ownership, distribute.
func (s *AuctionService) PurchaseListing(ctx context.Context, listingID, buyerID string) (*models.Listing, error) {
	now := s.now()

	listing, err := s.store.FindListing(listingID)
	if err != nil {
		return nil, err
	}
	if listing.Type != models.ListingFixedPrice {
		return nil, status.New(status.Validation, status.ReasonNotAuction)
	}
	if listing.Status != models.ListingActive {
		return nil, status.New(status.Validation, status.ReasonListingNotActive)
	}
	if buyerID == listing.SellerID {
		return nil, status.New(status.Validation, status.ReasonSelfPurchase)
	}

	buyer, err := s.store.FindUser(buyerID)
	if err != nil {
		return nil, err
	}
	if buyer.Suspended {
		return nil, status.New(status.Restriction, status.ReasonAccountSuspended)
	}
	if buyer.WalletAddress == "" {
		return nil, status.New(status.Validation, status.ReasonWalletMissing)
	}

	event, err := s.store.FindEvent(listing.EventID)
	if err != nil {
		return nil, err
	}
	if event.MaxTicketsPerUser > 0 {
		owned, err := s.store.CountTicketsOwned(buyerID, event.ID)
		if err != nil {
			return nil, err
		}
		if owned >= event.MaxTicketsPerUser {
			return nil, status.New(status.Restriction, status.ReasonRecipientLimit)
		}
	}

	breakdown, err := fees.Calculate(listing.Price, feePolicyFromConfig(s.cfg), royaltyConfigForEvent(event, s.cfg.RoyaltyCapBps))
	if err != nil {
		return nil, err
	}

	balance, err := s.gateway.Balance(ctx, buyer.WalletAddress)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(listing.Price) {
		return nil, status.New(status.Validation, status.ReasonInsufficientBalance)
	}

	escrowRef, err := s.gateway.Lock(ctx, listing.ID, buyer.WalletAddress, listing.Price, "purchase-lock-"+listing.ID+"-"+buyerID)
	if err != nil {
		return nil, err
	}

	var updated *models.Listing
	err = s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindListing(listingID)
		if err != nil {
			return err
		}
		if fresh.Status != models.ListingActive {
			return status.New(status.Conflict, status.ReasonListingNotActive)
		}
		fresh.Status = models.ListingSold
		fresh.Resolution = models.ResolutionSold
		fresh.HighestBidderID = buyerID
		updated = fresh
		return tx.SaveListing(fresh)
	})
	if err != nil {
		if _, rerr := s.gateway.Refund(ctx, escrowRef, buyer.WalletAddress, listing.Price, "purchase-refund-"+listing.ID+"-"+buyerID); rerr != nil {
			log.Printf("listing %s: refund purchase escrow: %v", listing.ID, rerr)
		}
		return nil, err
	}

	if err := s.settleSale(ctx, updated, buyer, nil, escrowRef, listing.Price, snapshotFromBreakdown(breakdown), now); err != nil {
		return nil, err
	}

	s.notifier.NotifyUser(updated.SellerID, map[string]any{
		"type":       "listing_sold",
		"listing_id": updated.ID,
		"ticket_id":  updated.TicketID,
	})
	s.notifier.NotifyUser(buyerID, map[string]any{
		"type":       "purchase_completed",
		"listing_id": updated.ID,
		"ticket_id":  updated.TicketID,
	})
	s.events.Emit(events.SubjectListingSold, updated.ID, map[string]any{
		"ticket_id": updated.TicketID,
		"buyer_id":  buyerID,
	})
	return updated, nil
}

// PlaceBid validates, escrows and appends one bid. The read of the
// current highest bid, the increment check and the append all happen
// inside one transaction, so two concurrent bids can never both win
// against the same stale current bid.
func (s *AuctionService) PlaceBid(ctx context.Context, listingID, bidderID string, amount decimal.Decimal) (*models.Bid, error) {
	if overVelocity(ctx, s.redis, "bid:"+bidderID, s.cfg.BidVelocityWindow, s.cfg.BidVelocityLimit) {
		s.metrics.TrackBid("place", "velocity")
		return nil, status.New(status.Restriction, status.ReasonBidVelocity)
	}
	if s.cfg.MaxActiveBids > 0 {
		active, err := s.store.CountActiveBidsByUser(bidderID)
		if err != nil {
			return nil, err
		}
		if active >= s.cfg.MaxActiveBids {
			return nil, status.New(status.Restriction, status.ReasonBidLimit)
		}
	}

	bid, err := s.placeBid(ctx, listingID, bidderID, amount, false)
	if err != nil {
		return nil, err
	}

	// Counter-bids from standing maximums run after the accepted bid;
	// an auto-bid never fires for the current highest bidder, so it
	// cannot compete with the bid that triggered it.
	s.applyAutoBids(ctx, listingID)
	return bid, nil
}

func (s *AuctionService) placeBid(ctx context.Context, listingID, bidderID string, amount decimal.Decimal, auto bool) (*models.Bid, error) {
	now := s.now()

	listing, err := s.store.FindListing(listingID)
	if err != nil {
		return nil, err
	}
	if listing.Type != models.ListingAuction {
		return nil, status.New(status.Validation, status.ReasonNotAuction)
	}
	if listing.Status != models.ListingActive {
		return nil, status.New(status.Validation, status.ReasonListingNotActive)
	}
	if listing.Ended(now) {
		return nil, status.New(status.Validation, status.ReasonAuctionEnded)
	}
	if bidderID == listing.SellerID {
		return nil, status.New(status.Validation, status.ReasonSelfBid)
	}

	bidder, err := s.store.FindUser(bidderID)
	if err != nil {
		return nil, err
	}
	if bidder.Suspended {
		return nil, status.New(status.Restriction, status.ReasonAccountSuspended)
	}
	if bidder.WalletAddress == "" {
		return nil, status.New(status.Validation, status.ReasonWalletMissing)
	}

	floor := listing.EffectiveBid().Add(MinIncrement(listing.EffectiveBid()))
	if amount.LessThan(floor) {
		s.metrics.TrackBid("place", "too_low")
		return nil, status.New(status.Validation, status.ReasonBidTooLow)
	}

	balance, err := s.gateway.Balance(ctx, bidder.WalletAddress)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(amount) {
		return nil, status.New(status.Validation, status.ReasonInsufficientBalance)
	}

	bid := &models.Bid{
		ID:        utils.GenerateID(),
		ListingID: listingID,
		BidderID:  bidderID,
		Amount:    amount,
		Status:    models.BidActive,
		Auto:      auto,
		CreatedAt: now,
	}

	escrowRef, err := s.gateway.Lock(ctx, bid.ID, bidder.WalletAddress, amount, "bid-lock-"+bid.ID)
	if err != nil {
		s.metrics.TrackBid("place", "escrow_failed")
		return nil, err
	}
	bid.EscrowRef = escrowRef

	var (
		outbidUserID string
		extended     bool
		superseded   []*models.Bid
	)
	err = s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindListing(listingID)
		if err != nil {
			return err
		}
		if fresh.Status != models.ListingActive || fresh.Ended(now) {
			return status.New(status.Conflict, status.ReasonAuctionEnded)
		}
		floor := fresh.EffectiveBid().Add(MinIncrement(fresh.EffectiveBid()))
		if amount.LessThan(floor) {
			return status.New(status.Conflict, status.ReasonBidTooLow)
		}

		// A bidder re-entering after being outbid supersedes their own
		// older bid; its escrow is refunded once the new bid commits.
		actives, err := tx.ActiveBids(listingID)
		if err != nil {
			return err
		}
		for _, prev := range actives {
			if prev.BidderID == bidderID {
				prev.Status = models.BidRefunded
				if err := tx.SaveBid(prev); err != nil {
					return err
				}
				superseded = append(superseded, prev)
			}
		}

		if fresh.HighestBidderID != "" && fresh.HighestBidderID != bidderID {
			outbidUserID = fresh.HighestBidderID
		}

		if err := tx.SaveBid(bid); err != nil {
			return err
		}

		fresh.CurrentBid = amount
		fresh.HighestBidID = bid.ID
		fresh.HighestBidderID = bidderID
		fresh.BidCount++
		if fresh.ExpiresAt.Sub(now) <= s.cfg.SnipeWindow {
			fresh.ExpiresAt = fresh.ExpiresAt.Add(s.cfg.SnipeExtension)
			fresh.ExtensionCount++
			extended = true
		}
		return tx.SaveListing(fresh)
	})
	if err != nil {
		if _, rerr := s.gateway.Refund(ctx, escrowRef, bidder.WalletAddress, amount, "bid-refund-"+bid.ID); rerr != nil {
			log.Printf("bid %s: refund escrow after lost race: %v", bid.ID, rerr)
		}
		s.metrics.TrackBid("place", "conflict")
		return nil, err
	}

	s.refundBids(ctx, superseded)

	if outbidUserID != "" {
		s.notifier.NotifyUser(outbidUserID, map[string]any{
			"type":       "outbid",
			"listing_id": listingID,
			"new_bid":    amount.String(),
		})
		s.events.Emit(events.SubjectBidOutbid, listingID, map[string]any{
			"outbid_user": outbidUserID,
		})
	}
	if extended {
		s.metrics.TrackAuctionExtension()
		s.events.Emit(events.SubjectAuctionExtended, listingID, map[string]any{
			"bid_id": bid.ID,
		})
	}
	s.metrics.TrackBid("place", "ok")
	s.events.Emit(events.SubjectBidPlaced, bid.ID, map[string]any{
		"listing_id": listingID,
		"auto":       auto,
	})
	return bid, nil
}

// UpdateBid raises the caller's own highest bid. Only the delta is
// locked on top of the existing escrow, via the gateway's two-phase
// top-up.
func (s *AuctionService) UpdateBid(ctx context.Context, bidID, bidderID string, newAmount decimal.Decimal) (*models.Bid, error) {
	now := s.now()

	bid, err := s.store.FindBid(bidID)
	if err != nil {
		return nil, err
	}
	if bid.BidderID != bidderID {
		return nil, status.New(status.Restriction, "not_bid_owner")
	}
	if bid.Status != models.BidActive {
		return nil, status.New(status.Validation, status.ReasonBidNotActive)
	}

	listing, err := s.store.FindListing(bid.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != models.ListingActive || listing.Ended(now) {
		return nil, status.New(status.Validation, status.ReasonAuctionEnded)
	}
	if listing.HighestBidID != bid.ID {
		return nil, status.New(status.Restriction, status.ReasonNotHighestBidder)
	}

	floor := listing.CurrentBid.Add(MinIncrement(listing.CurrentBid))
	if newAmount.LessThan(floor) {
		return nil, status.New(status.Validation, status.ReasonBidTooLow)
	}
	delta := newAmount.Sub(bid.Amount)

	bidder, err := s.store.FindUser(bidderID)
	if err != nil {
		return nil, err
	}
	balance, err := s.gateway.Balance(ctx, bidder.WalletAddress)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(delta) {
		return nil, status.New(status.Validation, status.ReasonInsufficientBalance)
	}

	idemKey := "bid-topup-" + bid.ID + "-" + strconv.Itoa(len(bid.Revisions)+1)
	if err := s.gateway.TopUp(ctx, bid.EscrowRef, delta, idemKey); err != nil {
		s.metrics.TrackBid("update", "escrow_failed")
		return nil, err
	}

	var (
		updated  *models.Bid
		extended bool
	)
	err = s.store.RunInTransaction(func(tx store.Store) error {
		freshBid, err := tx.FindBid(bidID)
		if err != nil {
			return err
		}
		freshListing, err := tx.FindListing(bid.ListingID)
		if err != nil {
			return err
		}
		if freshBid.Status != models.BidActive || freshListing.HighestBidID != bid.ID {
			return status.New(status.Conflict, status.ReasonNotHighestBidder)
		}

		freshBid.Revisions = append(freshBid.Revisions, models.BidRevision{Amount: freshBid.Amount, ChangedAt: now})
		freshBid.Amount = newAmount
		if err := tx.SaveBid(freshBid); err != nil {
			return err
		}

		freshListing.CurrentBid = newAmount
		if freshListing.ExpiresAt.Sub(now) <= s.cfg.SnipeWindow {
			freshListing.ExpiresAt = freshListing.ExpiresAt.Add(s.cfg.SnipeExtension)
			freshListing.ExtensionCount++
			extended = true
		}
		updated = freshBid
		return tx.SaveListing(freshListing)
	})
	if err != nil {
		// The delta already landed on the ledger; give it back or it
		// stays locked under a bid that never grew.
		if _, rerr := s.gateway.Refund(ctx, bid.EscrowRef, bidder.WalletAddress, delta, idemKey+"-refund"); rerr != nil {
			log.Printf("bid %s: refund top-up delta: %v", bid.ID, rerr)
		}
		return nil, err
	}

	if extended {
		s.metrics.TrackAuctionExtension()
		s.events.Emit(events.SubjectAuctionExtended, bid.ListingID, map[string]any{
			"bid_id": bid.ID,
		})
	}
	s.metrics.TrackBid("update", "ok")

	s.applyAutoBids(ctx, bid.ListingID)
	return updated, nil
}

// CancelBid withdraws a bid and refunds its escrow. The current
// highest bidder cannot bail out inside the protected final window;
// that would gut the auction at the worst moment.
func (s *AuctionService) CancelBid(ctx context.Context, bidID, bidderID string) (*models.Bid, error) {
	now := s.now()

	bid, err := s.store.FindBid(bidID)
	if err != nil {
		return nil, err
	}
	if bid.BidderID != bidderID {
		return nil, status.New(status.Restriction, "not_bid_owner")
	}
	if bid.Status != models.BidActive {
		return nil, status.New(status.Validation, status.ReasonBidNotActive)
	}

	listing, err := s.store.FindListing(bid.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.Status == models.ListingActive &&
		listing.HighestBidID == bid.ID &&
		now.After(listing.ExpiresAt.Add(-s.cfg.CancelProtectionWindow)) {
		return nil, status.New(status.Restriction, status.ReasonProtectedWindow)
	}

	var (
		updated  *models.Bid
		promoted *models.Bid
	)
	err = s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindBid(bidID)
		if err != nil {
			return err
		}
		if fresh.Status != models.BidActive {
			return status.New(status.Conflict, status.ReasonBidNotActive)
		}
		fresh.Status = models.BidCancelled
		if err := tx.SaveBid(fresh); err != nil {
			return err
		}
		updated = fresh

		freshListing, err := tx.FindListing(bid.ListingID)
		if err != nil {
			return err
		}
		if freshListing.HighestBidID != bid.ID {
			return nil
		}

		// The cancelled bid was highest: promote the next highest
		// active bid, or reset to the starting price.
		actives, err := tx.ActiveBids(bid.ListingID)
		if err != nil {
			return err
		}
		if len(actives) > 0 {
			next := actives[0]
			freshListing.CurrentBid = next.Amount
			freshListing.HighestBidID = next.ID
			freshListing.HighestBidderID = next.BidderID
			promoted = next
		} else {
			freshListing.CurrentBid = freshListing.StartingPrice
			freshListing.HighestBidID = ""
			freshListing.HighestBidderID = ""
		}
		return tx.SaveListing(freshListing)
	})
	if err != nil {
		return nil, err
	}

	s.refundBids(ctx, []*models.Bid{updated})
	if promoted != nil {
		s.notifier.NotifyUser(promoted.BidderID, map[string]any{
			"type":       "bid_promoted",
			"listing_id": bid.ListingID,
			"bid_id":     promoted.ID,
		})
	}
	s.metrics.TrackBid("cancel", "ok")
	s.events.Emit(events.SubjectBidRefunded, updated.ID, map[string]any{
		"listing_id": bid.ListingID,
	})
	return updated, nil
}

// SetAutoBid creates or updates the caller's standing maximum on a
// listing. Raising the maximum re-arms an exhausted auto-bid.
func (s *AuctionService) SetAutoBid(ctx context.Context, listingID, bidderID string, maxAmount decimal.Decimal, active bool) (*models.AutoBid, error) {
	listing, err := s.store.FindListing(listingID)
	if err != nil {
		return nil, err
	}
	if listing.Type != models.ListingAuction {
		return nil, status.New(status.Validation, status.ReasonNotAuction)
	}
	if listing.Status != models.ListingActive {
		return nil, status.New(status.Validation, status.ReasonListingNotActive)
	}
	if bidderID == listing.SellerID {
		return nil, status.New(status.Validation, status.ReasonSelfBid)
	}
	if active && !maxAmount.IsPositive() {
		return nil, status.New(status.Validation, "max_amount_not_positive")
	}

	autoBid, err := s.store.FindAutoBid(listingID, bidderID)
	if err != nil {
		if err != status.ErrNotFound {
			return nil, err
		}
		autoBid = &models.AutoBid{
			ID:        utils.GenerateID(),
			ListingID: listingID,
			BidderID:  bidderID,
			CreatedAt: s.now(),
		}
	}
	autoBid.MaxAmount = maxAmount
	autoBid.Active = active
	if err := s.store.SaveAutoBid(autoBid); err != nil {
		return nil, err
	}

	if active {
		s.applyAutoBids(ctx, listingID)
	}
	return autoBid, nil
}

// applyAutoBids runs bounded counter-bid rounds: while some standing
// maximum held by a non-leading bidder still covers the next qualifying
// amount, place the minimum counter-bid on its holder's behalf.
func (s *AuctionService) applyAutoBids(ctx context.Context, listingID string) {
	for round := 0; round < s.cfg.AutoBidMaxRounds; round++ {
		listing, err := s.store.FindListing(listingID)
		if err != nil || listing.Status != models.ListingActive || listing.Ended(s.now()) {
			return
		}

		floor := listing.EffectiveBid().Add(MinIncrement(listing.EffectiveBid()))

		autoBids, err := s.store.ActiveAutoBids(listingID)
		if err != nil {
			log.Printf("autobid: load for listing %s: %v", listingID, err)
			return
		}

		var best *models.AutoBid
		for _, ab := range autoBids {
			if ab.BidderID == listing.HighestBidderID {
				continue
			}
			if ab.MaxAmount.LessThan(floor) {
				continue
			}
			if best == nil || ab.MaxAmount.GreaterThan(best.MaxAmount) ||
				(ab.MaxAmount.Equal(best.MaxAmount) && ab.CreatedAt.Before(best.CreatedAt)) {
				best = ab
			}
		}
		if best == nil {
			return
		}

		if _, err := s.placeBid(ctx, listingID, best.BidderID, floor, true); err != nil {
			// A holder who can no longer fund their maximum is
			// disarmed so the loop cannot spin on them.
			if status.ReasonOf(err) == status.ReasonInsufficientBalance {
				best.Active = false
				if serr := s.store.SaveAutoBid(best); serr != nil {
					log.Printf("autobid: deactivate %s: %v", best.ID, serr)
				}
				continue
			}
			log.Printf("autobid: counter-bid for %s on listing %s: %v", best.BidderID, listingID, err)
			return
		}
	}
}

// HandleAuctionEnd resolves one expired auction exactly once. The
// status check and the terminal transition share a transaction, so a
// racing sweeper pass resolves nothing the second time.
func (s *AuctionService) HandleAuctionEnd(ctx context.Context, listingID string, now time.Time) error {
	var (
		resolved *models.Listing
		winner   *models.Bid
		losers   []*models.Bid
	)
	err := s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindListing(listingID)
		if err != nil {
			return err
		}
		if fresh.Type != models.ListingAuction {
			return status.New(status.Validation, status.ReasonNotAuction)
		}
		if fresh.Status != models.ListingActive {
			// Already resolved.
			return nil
		}
		if !fresh.Ended(now) {
			return status.New(status.Validation, status.ReasonAuctionNotEnded)
		}

		actives, err := tx.ActiveBids(listingID)
		if err != nil {
			return err
		}

		switch {
		case len(actives) == 0:
			fresh.Status = models.ListingExpired
			fresh.Resolution = models.ResolutionNoBids
			if err := unlockTicket(tx, fresh.TicketID, fresh.ID); err != nil {
				return err
			}

		case fresh.ReservePrice.IsPositive() && actives[0].Amount.LessThan(fresh.ReservePrice):
			fresh.Status = models.ListingExpired
			fresh.Resolution = models.ResolutionReserveNotMet
			for _, b := range actives {
				b.Status = models.BidRefunded
				if err := tx.SaveBid(b); err != nil {
					return err
				}
				losers = append(losers, b)
			}
			if err := unlockTicket(tx, fresh.TicketID, fresh.ID); err != nil {
				return err
			}

		default:
			fresh.Status = models.ListingSold
			fresh.Resolution = models.ResolutionSold
			winner = actives[0]
			winner.Status = models.BidWon
			if err := tx.SaveBid(winner); err != nil {
				return err
			}
			for _, b := range actives[1:] {
				b.Status = models.BidRefunded
				if err := tx.SaveBid(b); err != nil {
					return err
				}
				losers = append(losers, b)
			}
		}

		resolved = fresh
		return tx.SaveListing(fresh)
	})
	if err != nil || resolved == nil {
		return err
	}

	s.refundBids(ctx, losers)

	switch resolved.Resolution {
	case models.ResolutionNoBids:
		s.notifier.NotifyUser(resolved.SellerID, map[string]any{
			"type":       "auction_ended",
			"listing_id": resolved.ID,
			"result":     "no_bids",
		})

	case models.ResolutionReserveNotMet:
		// The reserve price itself is never disclosed, not even now.
		s.notifier.NotifyUser(resolved.SellerID, map[string]any{
			"type":       "auction_ended",
			"listing_id": resolved.ID,
			"result":     "reserve_not_met",
		})
		for _, b := range losers {
			s.notifier.NotifyUser(b.BidderID, map[string]any{
				"type":       "auction_ended",
				"listing_id": resolved.ID,
				"result":     "reserve_not_met",
			})
		}

	case models.ResolutionSold:
		if err := s.settleAuctionWin(ctx, resolved, winner, now); err != nil {
			return err
		}
		for _, b := range losers {
			s.notifier.NotifyUser(b.BidderID, map[string]any{
				"type":       "auction_ended",
				"listing_id": resolved.ID,
				"result":     "outbid",
			})
		}
	}

	s.events.Emit(events.SubjectAuctionEnded, resolved.ID, map[string]any{
		"resolution": string(resolved.Resolution),
	})
	return nil
}

func (s *AuctionService) settleAuctionWin(ctx context.Context, listing *models.Listing, winner *models.Bid, now time.Time) error {
	event, err := s.store.FindEvent(listing.EventID)
	if err != nil {
		return err
	}
	buyer, err := s.store.FindUser(winner.BidderID)
	if err != nil {
		return err
	}
	breakdown, err := fees.Calculate(winner.Amount, feePolicyFromConfig(s.cfg), royaltyConfigForEvent(event, s.cfg.RoyaltyCapBps))
	if err != nil {
		return err
	}

	if err := s.settleSale(ctx, listing, buyer, winner, winner.EscrowRef, winner.Amount, snapshotFromBreakdown(breakdown), now); err != nil {
		return err
	}

	s.notifier.NotifyUser(listing.SellerID, map[string]any{
		"type":       "auction_sold",
		"listing_id": listing.ID,
		"amount":     winner.Amount.String(),
	})
	s.notifier.NotifyUser(winner.BidderID, map[string]any{
		"type":       "auction_won",
		"listing_id": listing.ID,
		"amount":     winner.Amount.String(),
	})
	return nil
}

// settleSale moves on-chain ownership to the buyer then commits the
// ticket mutation and the distribution legs. A ledger rejection rolls
// the resolved listing into the failed state with the buyer refunded;
// a database failure after the ledger step is a fatal inconsistency
// logged for manual reconciliation. winner is nil for fixed-price
// purchases.
func (s *AuctionService) settleSale(ctx context.Context, listing *models.Listing, buyer *models.User, winner *models.Bid, escrowRef string, price decimal.Decimal, snapshot models.FeeSnapshot, now time.Time) error {
	seller, err := s.store.FindUser(listing.SellerID)
	if err != nil {
		return err
	}
	ticket, err := s.store.FindTicket(listing.TicketID)
	if err != nil {
		return err
	}

	settlementRef, err := s.gateway.TransferOwnership(ctx, ticket.MintAddress, seller.WalletAddress, buyer.WalletAddress, "listing-own-"+listing.ID)
	if err != nil {
		s.failListing(ctx, listing, winner, buyer, escrowRef, price)
		return status.Wrap(status.Escrow, "ownership_transfer_failed", err)
	}

	err = s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindTicket(listing.TicketID)
		if err != nil {
			return err
		}
		via := "sale"
		if listing.Type == models.ListingAuction {
			via = "auction"
		}
		fresh.History = append(fresh.History, models.OwnershipEntry{
			Owner:      buyer.ID,
			AcquiredAt: now,
			Via:        via,
			Reference:  listing.ID,
		})
		fresh.OwnerID = buyer.ID
		fresh.Status = models.TicketActive
		if fresh.PendingOpID == listing.ID {
			fresh.LockedFor = ""
			fresh.LockedUntil = nil
			fresh.PendingOpID = ""
		}
		fresh.TransferCount++
		fresh.LastTransferred = &now
		return tx.SaveTicket(fresh)
	})
	if err != nil {
		log.Printf("CRITICAL: ledger moved ownership but database commit failed, manual reconciliation required: listing=%s settlement=%s err=%v",
			listing.ID, settlementRef, err)
		return status.Wrap(status.Integrity, "ownership_commit_failed", err)
	}

	sellerLeg := sellerPayout{UserID: seller.ID, Wallet: seller.WalletAddress, Method: seller.PayoutMethod}
	if err := s.distributions.CreateForSale(ctx, listing.ID, escrowRef, snapshot, sellerLeg); err != nil {
		log.Printf("listing %s: create distributions: %v", listing.ID, err)
	} else if err := s.distributions.ProcessParent(ctx, listing.ID); err != nil {
		log.Printf("listing %s: process distributions: %v", listing.ID, err)
	}

	amount, _ := price.Float64()
	s.metrics.TrackSettlement(string(listing.Type), amount)
	return nil
}

// failListing is the compensation path when the ledger rejects the
// ownership move after a listing already resolved sold: mark the
// listing failed, mark the winning bid refunded, unlock the ticket and
// refund the buyer's escrow so no funds stay locked.
func (s *AuctionService) failListing(ctx context.Context, listing *models.Listing, winner *models.Bid, buyer *models.User, escrowRef string, price decimal.Decimal) {
	err := s.store.RunInTransaction(func(tx store.Store) error {
		fresh, err := tx.FindListing(listing.ID)
		if err != nil {
			return err
		}
		if fresh.Status != models.ListingSold {
			return nil
		}
		fresh.Status = models.ListingFailed
		if err := tx.SaveListing(fresh); err != nil {
			return err
		}
		if winner != nil {
			freshBid, err := tx.FindBid(winner.ID)
			if err != nil {
				return err
			}
			freshBid.Status = models.BidRefunded
			if err := tx.SaveBid(freshBid); err != nil {
				return err
			}
		}
		return unlockTicket(tx, fresh.TicketID, fresh.ID)
	})
	if err != nil {
		log.Printf("listing %s: mark failed: %v", listing.ID, err)
	}
	listing.Status = models.ListingFailed

	idemKey := "purchase-refund-" + listing.ID + "-" + buyer.ID
	if winner != nil {
		idemKey = "bid-refund-" + winner.ID
	}
	if _, err := s.gateway.Refund(ctx, escrowRef, buyer.WalletAddress, price, idemKey); err != nil {
		log.Printf("listing %s: refund buyer escrow %s: %v", listing.ID, escrowRef, err)
	}
	s.notifier.NotifyUser(buyer.ID, map[string]any{
		"type":       "settlement_failed",
		"listing_id": listing.ID,
	})
	s.notifier.NotifyUser(listing.SellerID, map[string]any{
		"type":       "settlement_failed",
		"listing_id": listing.ID,
	})
}

func (s *AuctionService) refundBids(ctx context.Context, bids []*models.Bid) {
	for _, b := range bids {
		bidder, err := s.store.FindUser(b.BidderID)
		if err != nil {
			log.Printf("bid %s: load bidder for refund: %v", b.ID, err)
			continue
		}
		if _, err := s.gateway.Refund(ctx, b.EscrowRef, bidder.WalletAddress, b.Amount, "bid-refund-"+b.ID); err != nil {
			log.Printf("bid %s: refund escrow %s: %v", b.ID, b.EscrowRef, err)
		}
	}
}

// GetListing returns one listing. The reserve price field never
// serializes, so bidders cannot learn it from this path.
func (s *AuctionService) GetListing(listingID string) (*models.Listing, error) {
	return s.store.FindListing(listingID)
}

// ListBids pages through a listing's bid history.
func (s *AuctionService) ListBids(listingID string, page, perPage int) ([]*models.Bid, error) {
	return s.store.ListBids(listingID, page, perPage)
}
