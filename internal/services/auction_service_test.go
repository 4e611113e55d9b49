package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-marketplace/internal/status"
	"ticket-marketplace/models"
)

func TestMinIncrementTiers(t *testing.T) {
	cases := []struct {
		current string
		want    string
	}{
		{"0.10", "0.05"},
		{"0.99", "0.05"},
		{"1", "0.25"},
		{"4.99", "0.25"},
		{"5", "0.50"},
		{"10", "0.50"},
		{"24.99", "0.50"},
		{"25", "1"},
		{"99", "1"},
		{"100", "5"},
		{"499.99", "5"},
		{"500", "25"},
		{"600", "30"},
		{"1000", "50"},
		{"1000.10", "50.01"},
	}
	for _, tc := range cases {
		got := MinIncrement(dec(tc.current))
		assert.True(t, got.Equal(dec(tc.want)), "current %s: want %s, got %s", tc.current, tc.want, got)
	}
}

type auctionFixture struct {
	svc      *AuctionService
	dist     *DistributionService
	st       *memStore
	gateway  *fakeGateway
	notifier *fakeNotifier
	sink     *fakeSink
	now      time.Time
}

func newAuctionFixture(t *testing.T) *auctionFixture {
	t.Helper()

	fx := &auctionFixture{
		st:       newMemStore(),
		gateway:  newFakeGateway(),
		notifier: newFakeNotifier(),
		sink:     &fakeSink{},
		now:      baseTime,
	}
	cfg := testConfig()

	fx.dist = NewDistributionService(fx.st, fx.gateway, fx.notifier, fx.sink, NopMetrics{}, cfg)
	fx.svc = NewAuctionService(fx.st, fx.gateway, fx.notifier, fx.sink, nil, NopMetrics{}, fx.dist, cfg)
	fx.svc.SetNowFunc(func() time.Time { return fx.now })
	fx.dist.SetNowFunc(func() time.Time { return fx.now })

	start := baseTime.Add(72 * time.Hour)
	fx.st.events["evt1"] = models.Event{
		ID:                "evt1",
		Name:              "Harbor Lights",
		Status:            "upcoming",
		StartTime:         start,
		EndTime:           start.Add(4 * time.Hour),
		MaxTicketsPerUser: 4,
		Royalties: []models.RoyaltySplit{
			{UserID: "carol", Wallet: "wallet-carol", Bps: 500},
		},
	}
	fx.st.users["alice"] = models.User{ID: "alice", WalletAddress: "wallet-alice", PayoutMethod: models.PayoutCrypto}
	fx.st.users["bob"] = models.User{ID: "bob", WalletAddress: "wallet-bob", PayoutMethod: models.PayoutCrypto}
	fx.st.users["carol"] = models.User{ID: "carol", WalletAddress: "wallet-carol", PayoutMethod: models.PayoutCrypto}
	fx.st.users["dave"] = models.User{ID: "dave", WalletAddress: "wallet-dave", PayoutMethod: models.PayoutCrypto}
	fx.st.tickets["tkt1"] = models.Ticket{
		ID:            "tkt1",
		EventID:       "evt1",
		OwnerID:       "alice",
		Status:        models.TicketActive,
		OriginalPrice: dec("100"),
		MintAddress:   "mint-1",
	}
	fx.gateway.setBalance("wallet-bob", "1000")
	fx.gateway.setBalance("wallet-dave", "1000")

	return fx
}

func (fx *auctionFixture) createAuction(t *testing.T, startingPrice, reserve string) *models.Listing {
	t.Helper()
	in := CreateListingInput{
		SellerID:      "alice",
		TicketID:      "tkt1",
		Type:          models.ListingAuction,
		StartingPrice: dec(startingPrice),
		ExpiresAt:     fx.now.Add(48 * time.Hour),
	}
	if reserve != "" {
		in.ReservePrice = dec(reserve)
	}
	listing, err := fx.svc.CreateListing(context.Background(), in)
	require.NoError(t, err)
	return listing
}

func (fx *auctionFixture) createFixed(t *testing.T, price string) *models.Listing {
	t.Helper()
	listing, err := fx.svc.CreateListing(context.Background(), CreateListingInput{
		SellerID: "alice",
		TicketID: "tkt1",
		Type:     models.ListingFixedPrice,
		Price:    dec(price),
	})
	require.NoError(t, err)
	return listing
}

func TestCreateAuctionListingLocksTicket(t *testing.T) {
	fx := newAuctionFixture(t)

	listing := fx.createAuction(t, "10", "")
	assert.Equal(t, models.ListingActive, listing.Status)
	assert.True(t, listing.CurrentBid.Equal(dec("10")))
	assert.Equal(t, 0, listing.BidCount)

	ticket, err := fx.st.FindTicket("tkt1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketLocked, ticket.Status)
	assert.Equal(t, listing.ID, ticket.PendingOpID)
	assert.Equal(t, "listing", ticket.LockedFor)
}

func TestCreateListingRejectsLockedTicket(t *testing.T) {
	fx := newAuctionFixture(t)
	fx.createAuction(t, "10", "")

	_, err := fx.svc.CreateListing(context.Background(), CreateListingInput{
		SellerID: "alice",
		TicketID: "tkt1",
		Type:     models.ListingFixedPrice,
		Price:    dec("50"),
	})
	require.Error(t, err)
	assert.Equal(t, status.ReasonTicketLocked, status.ReasonOf(err))
}

func TestCancelListingBlockedByActiveBids(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	_, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)

	_, err = fx.svc.CancelListing(ctx, listing.ID, "alice")
	require.Error(t, err)
	assert.Equal(t, status.ReasonActiveBidsExist, status.ReasonOf(err))
}

func TestCancelListingWithoutBidsUnlocksTicket(t *testing.T) {
	fx := newAuctionFixture(t)
	listing := fx.createAuction(t, "10", "")

	cancelled, err := fx.svc.CancelListing(context.Background(), listing.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ListingCancelled, cancelled.Status)

	ticket, _ := fx.st.FindTicket("tkt1")
	assert.Equal(t, models.TicketActive, ticket.Status)
	assert.Empty(t, ticket.PendingOpID)
}

func TestPurchaseFixedListingSettles(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createFixed(t, "100")

	sold, err := fx.svc.PurchaseListing(ctx, listing.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.ListingSold, sold.Status)
	assert.Equal(t, models.ResolutionSold, sold.Resolution)

	ticket, _ := fx.st.FindTicket("tkt1")
	assert.Equal(t, "bob", ticket.OwnerID)
	assert.Equal(t, models.TicketActive, ticket.Status)
	assert.Empty(t, ticket.PendingOpID)
	require.Len(t, ticket.History, 1)
	assert.Equal(t, "sale", ticket.History[0].Via)

	legs, err := fx.st.DistributionsForParent(listing.ID)
	require.NoError(t, err)
	require.Len(t, legs, 3)
	for _, leg := range legs {
		assert.Equal(t, models.DistributionCompleted, leg.Status)
	}
}

func TestPurchaseRejectsInsufficientBalance(t *testing.T) {
	fx := newAuctionFixture(t)
	fx.gateway.setBalance("wallet-bob", "50")
	listing := fx.createFixed(t, "100")

	_, err := fx.svc.PurchaseListing(context.Background(), listing.ID, "bob")
	require.Error(t, err)
	assert.Equal(t, status.ReasonInsufficientBalance, status.ReasonOf(err))
	assert.Empty(t, fx.gateway.callsFor("lock"))
}

func TestPurchaseRejectsSeller(t *testing.T) {
	fx := newAuctionFixture(t)
	listing := fx.createFixed(t, "100")

	_, err := fx.svc.PurchaseListing(context.Background(), listing.ID, "alice")
	require.Error(t, err)
	assert.Equal(t, status.ReasonSelfPurchase, status.ReasonOf(err))
}

func TestPlaceBidEnforcesMinimumIncrement(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	// Floor is 10.50: starting price plus the 0.50 tier increment.
	_, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("10.49"))
	require.Error(t, err)
	assert.Equal(t, status.ReasonBidTooLow, status.ReasonOf(err))

	bid, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("10.50"))
	require.NoError(t, err)
	assert.Equal(t, models.BidActive, bid.Status)

	locks := fx.gateway.callsFor("lock")
	require.Len(t, locks, 1)
	assert.Equal(t, "bid-lock-"+bid.ID, locks[0].IdemKey)

	stored, _ := fx.st.FindListing(listing.ID)
	assert.True(t, stored.CurrentBid.Equal(dec("10.50")))
	assert.Equal(t, bid.ID, stored.HighestBidID)
	assert.Equal(t, 1, stored.BidCount)
}

func TestPlaceBidNotifiesOutbidBidder(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	_, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)
	_, err = fx.svc.PlaceBid(ctx, listing.ID, "dave", dec("12"))
	require.NoError(t, err)

	msgs := fx.notifier.sent("bob")
	require.NotEmpty(t, msgs)
	assert.Equal(t, "outbid", msgs[len(msgs)-1]["type"])

	stored, _ := fx.st.FindListing(listing.ID)
	assert.Equal(t, "dave", stored.HighestBidderID)
	assert.Equal(t, 2, stored.BidCount)
}

func TestRebidSupersedesOwnOlderBid(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	first, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)
	_, err = fx.svc.PlaceBid(ctx, listing.ID, "dave", dec("12"))
	require.NoError(t, err)
	second, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("13"))
	require.NoError(t, err)

	old, _ := fx.st.FindBid(first.ID)
	assert.Equal(t, models.BidRefunded, old.Status)

	refunds := fx.gateway.callsFor("refund")
	require.Len(t, refunds, 1)
	assert.Equal(t, "bid-refund-"+first.ID, refunds[0].IdemKey)

	actives, _ := fx.st.ActiveBids(listing.ID)
	require.Len(t, actives, 2)
	assert.Equal(t, second.ID, actives[0].ID)
}

func TestAntiSnipeExtendsDeadline(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")
	deadline := listing.ExpiresAt

	// Two minutes before the deadline, inside the five minute window.
	fx.now = deadline.Add(-2 * time.Minute)

	_, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("10.50"))
	require.NoError(t, err)

	stored, _ := fx.st.FindListing(listing.ID)
	assert.Equal(t, deadline.Add(5*time.Minute), stored.ExpiresAt)
	assert.Equal(t, 1, stored.ExtensionCount)
	assert.Contains(t, fx.sink.subjects(), "auction.extended")
}

func TestAuctionEndNoBids(t *testing.T) {
	fx := newAuctionFixture(t)
	listing := fx.createAuction(t, "10", "")

	require.NoError(t, fx.svc.HandleAuctionEnd(context.Background(), listing.ID, listing.ExpiresAt))

	stored, _ := fx.st.FindListing(listing.ID)
	assert.Equal(t, models.ListingExpired, stored.Status)
	assert.Equal(t, models.ResolutionNoBids, stored.Resolution)

	ticket, _ := fx.st.FindTicket("tkt1")
	assert.Equal(t, models.TicketActive, ticket.Status)
	assert.Equal(t, "alice", ticket.OwnerID)
}

func TestAuctionEndReserveNotMet(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "15")

	a, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)
	b, err := fx.svc.PlaceBid(ctx, listing.ID, "dave", dec("12"))
	require.NoError(t, err)

	require.NoError(t, fx.svc.HandleAuctionEnd(ctx, listing.ID, listing.ExpiresAt))

	stored, _ := fx.st.FindListing(listing.ID)
	assert.Equal(t, models.ListingExpired, stored.Status)
	assert.Equal(t, models.ResolutionReserveNotMet, stored.Resolution)

	for _, id := range []string{a.ID, b.ID} {
		bid, _ := fx.st.FindBid(id)
		assert.Equal(t, models.BidRefunded, bid.Status)
	}
	assert.Len(t, fx.gateway.callsFor("refund"), 2)

	ticket, _ := fx.st.FindTicket("tkt1")
	assert.Equal(t, "alice", ticket.OwnerID)
	assert.Equal(t, models.TicketActive, ticket.Status)

	// The seller learns the outcome but never the reserve amount.
	sellerMsgs := fx.notifier.sent("alice")
	require.NotEmpty(t, sellerMsgs)
	last := sellerMsgs[len(sellerMsgs)-1]
	assert.Equal(t, "reserve_not_met", last["result"])
	for k := range last {
		assert.NotContains(t, k, "reserve_price")
	}
}

func TestAuctionEndSoldSettlesWinner(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	loser, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)
	winner, err := fx.svc.PlaceBid(ctx, listing.ID, "dave", dec("12"))
	require.NoError(t, err)

	require.NoError(t, fx.svc.HandleAuctionEnd(ctx, listing.ID, listing.ExpiresAt))

	stored, _ := fx.st.FindListing(listing.ID)
	assert.Equal(t, models.ListingSold, stored.Status)
	assert.Equal(t, models.ResolutionSold, stored.Resolution)

	won, _ := fx.st.FindBid(winner.ID)
	assert.Equal(t, models.BidWon, won.Status)
	lost, _ := fx.st.FindBid(loser.ID)
	assert.Equal(t, models.BidRefunded, lost.Status)

	ticket, _ := fx.st.FindTicket("tkt1")
	assert.Equal(t, "dave", ticket.OwnerID)
	require.Len(t, ticket.History, 1)
	assert.Equal(t, "auction", ticket.History[0].Via)

	// Settlement splits the winning amount: 2.5% + 0.30 platform,
	// 5% royalty, remainder to the seller.
	legs, err := fx.st.DistributionsForParent(listing.ID)
	require.NoError(t, err)
	require.Len(t, legs, 3)
	byKind := map[models.DistributionKind]*models.Distribution{}
	for _, leg := range legs {
		byKind[leg.Kind] = leg
	}
	assert.True(t, byKind[models.DistributionPlatform].Amount.Equal(dec("0.60")))
	assert.True(t, byKind[models.DistributionRoyalty].Amount.Equal(dec("0.60")))
	assert.True(t, byKind[models.DistributionSeller].Amount.Equal(dec("10.80")))

	winnerMsgs := fx.notifier.sent("dave")
	require.NotEmpty(t, winnerMsgs)
	assert.Equal(t, "auction_won", winnerMsgs[len(winnerMsgs)-1]["type"])
}

func TestAuctionEndIsIdempotent(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	_, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)

	require.NoError(t, fx.svc.HandleAuctionEnd(ctx, listing.ID, listing.ExpiresAt))
	moves := len(fx.gateway.callsFor("ownership"))

	require.NoError(t, fx.svc.HandleAuctionEnd(ctx, listing.ID, listing.ExpiresAt.Add(time.Hour)))
	assert.Equal(t, moves, len(fx.gateway.callsFor("ownership")))
}

func TestAuctionEndBeforeDeadlineRejected(t *testing.T) {
	fx := newAuctionFixture(t)
	listing := fx.createAuction(t, "10", "")

	err := fx.svc.HandleAuctionEnd(context.Background(), listing.ID, listing.ExpiresAt.Add(-time.Minute))
	require.Error(t, err)
	assert.Equal(t, status.ReasonAuctionNotEnded, status.ReasonOf(err))
}

func TestCancelBidPromotesNextHighest(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	low, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)
	high, err := fx.svc.PlaceBid(ctx, listing.ID, "dave", dec("12"))
	require.NoError(t, err)

	cancelled, err := fx.svc.CancelBid(ctx, high.ID, "dave")
	require.NoError(t, err)
	assert.Equal(t, models.BidCancelled, cancelled.Status)

	stored, _ := fx.st.FindListing(listing.ID)
	assert.True(t, stored.CurrentBid.Equal(dec("11")))
	assert.Equal(t, low.ID, stored.HighestBidID)
	assert.Equal(t, "bob", stored.HighestBidderID)

	msgs := fx.notifier.sent("bob")
	require.NotEmpty(t, msgs)
	assert.Equal(t, "bid_promoted", msgs[len(msgs)-1]["type"])
	require.Len(t, fx.gateway.callsFor("refund"), 1)
}

func TestCancelBidResetsListingWhenLast(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	bid, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)

	_, err = fx.svc.CancelBid(ctx, bid.ID, "bob")
	require.NoError(t, err)

	stored, _ := fx.st.FindListing(listing.ID)
	assert.True(t, stored.CurrentBid.Equal(dec("10")))
	assert.Empty(t, stored.HighestBidID)
	assert.Empty(t, stored.HighestBidderID)
}

func TestCancelBidProtectedWindowBlocksHighestBidder(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	loser, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)
	high, err := fx.svc.PlaceBid(ctx, listing.ID, "dave", dec("12"))
	require.NoError(t, err)

	fx.now = listing.ExpiresAt.Add(-30 * time.Minute)

	_, err = fx.svc.CancelBid(ctx, high.ID, "dave")
	require.Error(t, err)
	assert.Equal(t, status.ReasonProtectedWindow, status.ReasonOf(err))

	// A non-leading bidder may still withdraw.
	_, err = fx.svc.CancelBid(ctx, loser.ID, "bob")
	require.NoError(t, err)
}

func TestAutoBidCountersWhenOutbid(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	_, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)

	_, err = fx.svc.SetAutoBid(ctx, listing.ID, "dave", dec("20"), true)
	require.NoError(t, err)

	// Dave's standing maximum counter-bids at the minimum qualifying
	// amount and stops once he leads.
	stored, _ := fx.st.FindListing(listing.ID)
	assert.Equal(t, "dave", stored.HighestBidderID)
	assert.True(t, stored.CurrentBid.Equal(dec("11.50")))

	daveBid, _ := fx.st.FindBid(stored.HighestBidID)
	assert.True(t, daveBid.Auto)
}

func TestAutoBidWarStopsAtLowerMaximum(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	_, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)
	_, err = fx.svc.SetAutoBid(ctx, listing.ID, "bob", dec("13"), true)
	require.NoError(t, err)
	_, err = fx.svc.SetAutoBid(ctx, listing.ID, "dave", dec("15"), true)
	require.NoError(t, err)

	// The two maximums trade minimum counter-bids until Bob's 13 can
	// no longer cover the floor; Dave leads at 13.50.
	stored, _ := fx.st.FindListing(listing.ID)
	assert.Equal(t, "dave", stored.HighestBidderID)
	assert.True(t, stored.CurrentBid.Equal(dec("13.50")), "current bid %s", stored.CurrentBid)

	actives, _ := fx.st.ActiveBids(listing.ID)
	require.Len(t, actives, 2)
	assert.Equal(t, "dave", actives[0].BidderID)
	assert.Equal(t, "bob", actives[1].BidderID)
	assert.True(t, actives[1].Amount.Equal(dec("13")))
}

func TestAutoBidDeactivatesOnInsufficientBalance(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	_, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)

	fx.gateway.setBalance("wallet-dave", "5")
	_, err = fx.svc.SetAutoBid(ctx, listing.ID, "dave", dec("50"), true)
	require.NoError(t, err)

	autoBid, err := fx.st.FindAutoBid(listing.ID, "dave")
	require.NoError(t, err)
	assert.False(t, autoBid.Active)

	stored, _ := fx.st.FindListing(listing.ID)
	assert.Equal(t, "bob", stored.HighestBidderID)
}

func TestUpdateBidTopsUpDelta(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	bid, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)

	updated, err := fx.svc.UpdateBid(ctx, bid.ID, "bob", dec("12"))
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(dec("12")))
	require.Len(t, updated.Revisions, 1)
	assert.True(t, updated.Revisions[0].Amount.Equal(dec("11")))

	topups := fx.gateway.callsFor("topup")
	require.Len(t, topups, 1)
	assert.True(t, topups[0].Amount.Equal(dec("1")))
	assert.Equal(t, "bid-topup-"+bid.ID+"-1", topups[0].IdemKey)

	stored, _ := fx.st.FindListing(listing.ID)
	assert.True(t, stored.CurrentBid.Equal(dec("12")))
}

func TestUpdateBidOnlyForHighestBidder(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	low, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)
	_, err = fx.svc.PlaceBid(ctx, listing.ID, "dave", dec("12"))
	require.NoError(t, err)

	_, err = fx.svc.UpdateBid(ctx, low.ID, "bob", dec("13"))
	require.Error(t, err)
	assert.Equal(t, status.ReasonNotHighestBidder, status.ReasonOf(err))
}

func TestReservePriceNeverSerialized(t *testing.T) {
	fx := newAuctionFixture(t)
	listing := fx.createAuction(t, "10", "15")

	got, err := fx.svc.GetListing(listing.ID)
	require.NoError(t, err)

	raw, err := json.Marshal(got)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "reserve")
	assert.True(t, got.ReservePrice.Equal(decimal.RequireFromString("15")))
}

func TestAuctionSettlementFailureRefundsWinnerAndUnlocksTicket(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	bid, err := fx.svc.PlaceBid(ctx, listing.ID, "dave", dec("20"))
	require.NoError(t, err)

	fx.gateway.fail["ownership"] = errors.New("chain rejected")
	err = fx.svc.HandleAuctionEnd(ctx, listing.ID, listing.ExpiresAt)
	require.Error(t, err)
	kind, ok := status.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, status.Escrow, kind)

	stored, err := fx.st.FindListing(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingFailed, stored.Status)

	ticket, err := fx.st.FindTicket("tkt1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketActive, ticket.Status)
	assert.Empty(t, ticket.PendingOpID)
	assert.Equal(t, "alice", ticket.OwnerID)

	storedBid, err := fx.st.FindBid(bid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BidRefunded, storedBid.Status)

	refunds := fx.gateway.callsFor("refund")
	require.Len(t, refunds, 1)
	assert.Equal(t, "bid-refund-"+bid.ID, refunds[0].IdemKey)
	assert.True(t, refunds[0].Amount.Equal(dec("20")))

	// A later sweep pass neither resurrects the listing nor pays twice.
	delete(fx.gateway.fail, "ownership")
	require.NoError(t, fx.svc.HandleAuctionEnd(ctx, listing.ID, listing.ExpiresAt.Add(time.Hour)))
	assert.Empty(t, fx.gateway.callsFor("ownership"))
	assert.Len(t, fx.gateway.callsFor("refund"), 1)
}

func TestPurchaseSettlementFailureRefundsBuyer(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createFixed(t, "100")

	fx.gateway.fail["ownership"] = errors.New("chain rejected")
	_, err := fx.svc.PurchaseListing(ctx, listing.ID, "bob")
	require.Error(t, err)
	kind, ok := status.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, status.Escrow, kind)

	stored, err := fx.st.FindListing(listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingFailed, stored.Status)

	ticket, err := fx.st.FindTicket("tkt1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketActive, ticket.Status)
	assert.Empty(t, ticket.PendingOpID)
	assert.Equal(t, "alice", ticket.OwnerID)

	refunds := fx.gateway.callsFor("refund")
	require.Len(t, refunds, 1)
	assert.Equal(t, "purchase-refund-"+listing.ID+"-bob", refunds[0].IdemKey)
	assert.True(t, refunds[0].Amount.Equal(dec("100")))
}

func TestUpdateBidRefundsToppedUpDeltaOnAbort(t *testing.T) {
	fx := newAuctionFixture(t)
	ctx := context.Background()
	listing := fx.createAuction(t, "10", "")

	bid, err := fx.svc.PlaceBid(ctx, listing.ID, "bob", dec("11"))
	require.NoError(t, err)

	fx.st.failSaveListing = errors.New("save conflict")
	_, err = fx.svc.UpdateBid(ctx, bid.ID, "bob", dec("12"))
	require.Error(t, err)

	topups := fx.gateway.callsFor("topup")
	require.Len(t, topups, 1)
	refunds := fx.gateway.callsFor("refund")
	require.Len(t, refunds, 1)
	assert.Equal(t, topups[0].IdemKey+"-refund", refunds[0].IdemKey)
	assert.True(t, refunds[0].Amount.Equal(dec("1")))

	storedBid, err := fx.st.FindBid(bid.ID)
	require.NoError(t, err)
	assert.True(t, storedBid.Amount.Equal(dec("11")))
	assert.Empty(t, storedBid.Revisions)
}
