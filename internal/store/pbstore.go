package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"

	"ticket-marketplace/internal/status"
	"ticket-marketplace/models"
)

// PBStore implements Store on top of a pocketbase app. A transactional
// view is just another PBStore wrapping the tx-scoped core.App.
type PBStore struct {
	app core.App
}

func New(app core.App) *PBStore {
	return &PBStore{app: app}
}

func (s *PBStore) RunInTransaction(fn func(tx Store) error) error {
	return s.app.RunInTransaction(func(txApp core.App) error {
		return fn(New(txApp))
	})
}

// record finds an existing record or prepares a fresh one with the
// given id, so Save* works for both create and update.
func (s *PBStore) record(collection, id string) (*core.Record, error) {
	if id != "" {
		r, err := s.app.FindRecordById(collection, id)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	col, err := s.app.FindCollectionByNameOrId(collection)
	if err != nil {
		return nil, fmt.Errorf("store: find collection %s: %w", collection, err)
	}
	r := core.NewRecord(col)
	if id != "" {
		r.Id = id
	}
	return r, nil
}

func (s *PBStore) find(collection, id string) (*core.Record, error) {
	r, err := s.app.FindRecordById(collection, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, status.ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

// ---- tickets ----

func (s *PBStore) FindTicket(id string) (*models.Ticket, error) {
	r, err := s.find("tickets", id)
	if err != nil {
		return nil, err
	}
	return ticketFromRecord(r), nil
}

func (s *PBStore) SaveTicket(t *models.Ticket) error {
	r, err := s.record("tickets", t.ID)
	if err != nil {
		return err
	}
	r.Set("event_id", t.EventID)
	r.Set("owner_id", t.OwnerID)
	r.Set("status", string(t.Status))
	r.Set("locked_for", t.LockedFor)
	setTimePtr(r, "locked_until", t.LockedUntil)
	r.Set("pending_op_id", t.PendingOpID)
	r.Set("transfer_count", t.TransferCount)
	setTimePtr(r, "last_transferred", t.LastTransferred)
	r.Set("original_price", t.OriginalPrice.String())
	r.Set("mint_address", t.MintAddress)
	setJSON(r, "history", t.History)
	r.Set("non_transferable", t.NonTransferable)
	r.Set("name_match_required", t.NameMatchRequired)
	if err := s.app.Save(r); err != nil {
		return err
	}
	t.ID = r.Id
	return nil
}

func (s *PBStore) CountTicketsOwned(userID, eventID string) (int, error) {
	var n int
	err := s.app.DB().Select("count(*)").From("tickets").
		Where(dbx.HashExp{"owner_id": userID, "event_id": eventID}).
		Row(&n)
	return n, err
}

func ticketFromRecord(r *core.Record) *models.Ticket {
	t := &models.Ticket{
		ID:                r.Id,
		EventID:           r.GetString("event_id"),
		OwnerID:           r.GetString("owner_id"),
		Status:            models.TicketStatus(r.GetString("status")),
		LockedFor:         r.GetString("locked_for"),
		LockedUntil:       getTimePtr(r, "locked_until"),
		PendingOpID:       r.GetString("pending_op_id"),
		TransferCount:     r.GetInt("transfer_count"),
		LastTransferred:   getTimePtr(r, "last_transferred"),
		OriginalPrice:     getDecimal(r, "original_price"),
		MintAddress:       r.GetString("mint_address"),
		NonTransferable:   r.GetBool("non_transferable"),
		NameMatchRequired: r.GetBool("name_match_required"),
	}
	getJSON(r, "history", &t.History)
	return t
}

// ---- events ----

func (s *PBStore) FindEvent(id string) (*models.Event, error) {
	r, err := s.find("events", id)
	if err != nil {
		return nil, err
	}
	ev := &models.Event{
		ID:                 r.Id,
		Name:               r.GetString("name"),
		Venue:              r.GetString("venue"),
		StartTime:          r.GetDateTime("start_time").Time(),
		EndTime:            r.GetDateTime("end_time").Time(),
		Status:             r.GetString("status"),
		TransfersCloseAt:   getTimePtr(r, "transfers_close_at"),
		BlackoutStart:      getTimePtr(r, "blackout_start"),
		BlackoutEnd:        getTimePtr(r, "blackout_end"),
		MaxTicketsPerUser:  r.GetInt("max_tickets_per_user"),
		MaxResaleMarkupBps: int64(r.GetInt("max_resale_markup_bps")),
	}
	getJSON(r, "royalties", &ev.Royalties)
	return ev, nil
}

// ---- users ----

func (s *PBStore) FindUser(id string) (*models.User, error) {
	r, err := s.find("users", id)
	if err != nil {
		return nil, err
	}
	return &models.User{
		ID:            r.Id,
		Name:          r.GetString("name"),
		WalletAddress: r.GetString("wallet_address"),
		Suspended:     r.GetBool("suspended"),
		PayoutMethod:  models.PayoutMethod(r.GetString("payout_method")),
	}, nil
}

// ---- listings ----

func (s *PBStore) FindListing(id string) (*models.Listing, error) {
	r, err := s.find("listings", id)
	if err != nil {
		return nil, err
	}
	return listingFromRecord(r), nil
}

func (s *PBStore) SaveListing(l *models.Listing) error {
	r, err := s.record("listings", l.ID)
	if err != nil {
		return err
	}
	r.Set("seller_id", l.SellerID)
	r.Set("ticket_id", l.TicketID)
	r.Set("event_id", l.EventID)
	r.Set("type", string(l.Type))
	r.Set("status", string(l.Status))
	r.Set("price", l.Price.String())
	r.Set("starting_price", l.StartingPrice.String())
	r.Set("current_bid", l.CurrentBid.String())
	r.Set("highest_bid_id", l.HighestBidID)
	r.Set("highest_bidder_id", l.HighestBidderID)
	r.Set("reserve_price", l.ReservePrice.String())
	r.Set("bid_count", l.BidCount)
	r.Set("expires_at", l.ExpiresAt)
	r.Set("extension_count", l.ExtensionCount)
	r.Set("resolution", string(l.Resolution))
	if err := s.app.Save(r); err != nil {
		return err
	}
	l.ID = r.Id
	return nil
}

func (s *PBStore) ExpiredAuctionIDs(now time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.app.DB().Select("id").From("listings").
		Where(dbx.HashExp{"status": string(models.ListingActive), "type": string(models.ListingAuction)}).
		AndWhere(dbx.NewExp("expires_at <= {:now}", dbx.Params{"now": formatTime(now)})).
		Limit(int64(limit)).
		Column(&ids)
	return ids, err
}

func listingFromRecord(r *core.Record) *models.Listing {
	return &models.Listing{
		ID:              r.Id,
		SellerID:        r.GetString("seller_id"),
		TicketID:        r.GetString("ticket_id"),
		EventID:         r.GetString("event_id"),
		Type:            models.ListingType(r.GetString("type")),
		Status:          models.ListingStatus(r.GetString("status")),
		Price:           getDecimal(r, "price"),
		StartingPrice:   getDecimal(r, "starting_price"),
		CurrentBid:      getDecimal(r, "current_bid"),
		HighestBidID:    r.GetString("highest_bid_id"),
		HighestBidderID: r.GetString("highest_bidder_id"),
		ReservePrice:    getDecimal(r, "reserve_price"),
		BidCount:        r.GetInt("bid_count"),
		ExpiresAt:       r.GetDateTime("expires_at").Time(),
		ExtensionCount:  r.GetInt("extension_count"),
		Resolution:      models.AuctionResolution(r.GetString("resolution")),
		CreatedAt:       r.GetDateTime("created").Time(),
	}
}

// ---- bids ----

func (s *PBStore) FindBid(id string) (*models.Bid, error) {
	r, err := s.find("bids", id)
	if err != nil {
		return nil, err
	}
	return bidFromRecord(r), nil
}

func (s *PBStore) SaveBid(b *models.Bid) error {
	r, err := s.record("bids", b.ID)
	if err != nil {
		return err
	}
	r.Set("listing_id", b.ListingID)
	r.Set("bidder_id", b.BidderID)
	r.Set("amount", b.Amount.String())
	r.Set("status", string(b.Status))
	r.Set("escrow_ref", b.EscrowRef)
	r.Set("auto", b.Auto)
	setJSON(r, "revisions", b.Revisions)
	if err := s.app.Save(r); err != nil {
		return err
	}
	b.ID = r.Id
	return nil
}

func (s *PBStore) ActiveBids(listingID string) ([]*models.Bid, error) {
	records, err := s.app.FindRecordsByFilter(
		"bids",
		"listing_id = {:listingId} && status = 'active'",
		"created",
		-1,
		0,
		dbx.Params{"listingId": listingID},
	)
	if err != nil {
		return nil, err
	}
	bids := make([]*models.Bid, len(records))
	for i, r := range records {
		bids[i] = bidFromRecord(r)
	}
	// Amounts are stored as decimal strings, so order in Go rather
	// than in SQL.
	sort.SliceStable(bids, func(i, j int) bool {
		return bids[i].Amount.GreaterThan(bids[j].Amount)
	})
	return bids, nil
}

func (s *PBStore) CountActiveBidsByUser(userID string) (int, error) {
	var n int
	err := s.app.DB().Select("count(*)").From("bids").
		Where(dbx.HashExp{"bidder_id": userID, "status": string(models.BidActive)}).
		Row(&n)
	return n, err
}

func (s *PBStore) ListBids(listingID string, page, perPage int) ([]*models.Bid, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	records, err := s.app.FindRecordsByFilter(
		"bids",
		"listing_id = {:listingId}",
		"-created",
		perPage,
		(page-1)*perPage,
		dbx.Params{"listingId": listingID},
	)
	if err != nil {
		return nil, err
	}
	bids := make([]*models.Bid, len(records))
	for i, r := range records {
		bids[i] = bidFromRecord(r)
	}
	return bids, nil
}

func bidFromRecord(r *core.Record) *models.Bid {
	b := &models.Bid{
		ID:        r.Id,
		ListingID: r.GetString("listing_id"),
		BidderID:  r.GetString("bidder_id"),
		Amount:    getDecimal(r, "amount"),
		Status:    models.BidStatus(r.GetString("status")),
		EscrowRef: r.GetString("escrow_ref"),
		Auto:      r.GetBool("auto"),
		CreatedAt: r.GetDateTime("created").Time(),
	}
	getJSON(r, "revisions", &b.Revisions)
	return b
}

// ---- autobids ----

func (s *PBStore) FindAutoBid(listingID, bidderID string) (*models.AutoBid, error) {
	r, err := s.app.FindFirstRecordByFilter(
		"autobids",
		"listing_id = {:listingId} && bidder_id = {:bidderId}",
		dbx.Params{"listingId": listingID, "bidderId": bidderID},
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, status.ErrNotFound
		}
		return nil, err
	}
	return autoBidFromRecord(r), nil
}

func (s *PBStore) SaveAutoBid(a *models.AutoBid) error {
	r, err := s.record("autobids", a.ID)
	if err != nil {
		return err
	}
	r.Set("listing_id", a.ListingID)
	r.Set("bidder_id", a.BidderID)
	r.Set("max_amount", a.MaxAmount.String())
	r.Set("active", a.Active)
	if err := s.app.Save(r); err != nil {
		return err
	}
	a.ID = r.Id
	return nil
}

func (s *PBStore) ActiveAutoBids(listingID string) ([]*models.AutoBid, error) {
	records, err := s.app.FindRecordsByFilter(
		"autobids",
		"listing_id = {:listingId} && active = true",
		"created",
		-1,
		0,
		dbx.Params{"listingId": listingID},
	)
	if err != nil {
		return nil, err
	}
	out := make([]*models.AutoBid, len(records))
	for i, r := range records {
		out[i] = autoBidFromRecord(r)
	}
	return out, nil
}

func autoBidFromRecord(r *core.Record) *models.AutoBid {
	return &models.AutoBid{
		ID:        r.Id,
		ListingID: r.GetString("listing_id"),
		BidderID:  r.GetString("bidder_id"),
		MaxAmount: getDecimal(r, "max_amount"),
		Active:    r.GetBool("active"),
		CreatedAt: r.GetDateTime("created").Time(),
	}
}

// ---- transfers ----

func (s *PBStore) FindTransfer(id string) (*models.Transfer, error) {
	r, err := s.find("transfers", id)
	if err != nil {
		return nil, err
	}
	return transferFromRecord(r), nil
}

func (s *PBStore) SaveTransfer(t *models.Transfer) error {
	r, err := s.record("transfers", t.ID)
	if err != nil {
		return err
	}
	r.Set("ticket_id", t.TicketID)
	r.Set("from_user_id", t.FromUserID)
	r.Set("to_user_id", t.ToUserID)
	r.Set("type", string(t.Type))
	r.Set("status", string(t.Status))
	r.Set("price", t.Price.String())
	setJSON(r, "fees", t.Fees)
	r.Set("immediate", t.Immediate)
	r.Set("code_hash", t.CodeHash)
	r.Set("sender_verified", t.SenderVerified)
	r.Set("recipient_verified", t.RecipientVerified)
	r.Set("name_match_flagged", t.NameMatchFlagged)
	r.Set("expires_at", t.ExpiresAt)
	r.Set("escrow_ref", t.EscrowRef)
	r.Set("settlement_ref", t.SettlementRef)
	setTimePtr(r, "completed_at", t.CompletedAt)
	if err := s.app.Save(r); err != nil {
		return err
	}
	t.ID = r.Id
	return nil
}

func (s *PBStore) ExpiredTransferIDs(now time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.app.DB().Select("id").From("transfers").
		Where(dbx.HashExp{"status": string(models.TransferPending)}).
		AndWhere(dbx.NewExp("expires_at <= {:now}", dbx.Params{"now": formatTime(now)})).
		Limit(int64(limit)).
		Column(&ids)
	return ids, err
}

func (s *PBStore) ListTransfersByUser(userID string, page, perPage int) ([]*models.Transfer, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	records, err := s.app.FindRecordsByFilter(
		"transfers",
		"from_user_id = {:userId} || to_user_id = {:userId}",
		"-created",
		perPage,
		(page-1)*perPage,
		dbx.Params{"userId": userID},
	)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Transfer, len(records))
	for i, r := range records {
		out[i] = transferFromRecord(r)
	}
	return out, nil
}

func transferFromRecord(r *core.Record) *models.Transfer {
	t := &models.Transfer{
		ID:                r.Id,
		TicketID:          r.GetString("ticket_id"),
		FromUserID:        r.GetString("from_user_id"),
		ToUserID:          r.GetString("to_user_id"),
		Type:              models.TransferType(r.GetString("type")),
		Status:            models.TransferStatus(r.GetString("status")),
		Price:             getDecimal(r, "price"),
		Immediate:         r.GetBool("immediate"),
		CodeHash:          r.GetString("code_hash"),
		SenderVerified:    r.GetBool("sender_verified"),
		RecipientVerified: r.GetBool("recipient_verified"),
		NameMatchFlagged:  r.GetBool("name_match_flagged"),
		ExpiresAt:         r.GetDateTime("expires_at").Time(),
		EscrowRef:         r.GetString("escrow_ref"),
		SettlementRef:     r.GetString("settlement_ref"),
		CreatedAt:         r.GetDateTime("created").Time(),
		CompletedAt:       getTimePtr(r, "completed_at"),
	}
	getJSON(r, "fees", &t.Fees)
	return t
}

// ---- distributions ----

func (s *PBStore) FindDistribution(id string) (*models.Distribution, error) {
	r, err := s.find("distributions", id)
	if err != nil {
		return nil, err
	}
	return distributionFromRecord(r), nil
}

func (s *PBStore) SaveDistribution(d *models.Distribution) error {
	r, err := s.record("distributions", d.ID)
	if err != nil {
		return err
	}
	r.Set("parent_id", d.ParentID)
	r.Set("escrow_ref", d.EscrowRef)
	r.Set("recipient_id", d.RecipientID)
	r.Set("recipient_wallet", d.RecipientWallet)
	r.Set("kind", string(d.Kind))
	r.Set("method", string(d.Method))
	r.Set("amount", d.Amount.String())
	r.Set("status", string(d.Status))
	r.Set("skipped", d.Skipped)
	r.Set("retry_count", d.RetryCount)
	r.Set("next_attempt_at", d.NextAttemptAt)
	r.Set("settlement_ref", d.SettlementRef)
	r.Set("last_error", d.LastError)
	if err := s.app.Save(r); err != nil {
		return err
	}
	d.ID = r.Id
	return nil
}

func (s *PBStore) DueDistributionIDs(now time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.app.DB().Select("id").From("distributions").
		Where(dbx.HashExp{"status": string(models.DistributionPending)}).
		AndWhere(dbx.NewExp("next_attempt_at <= {:now}", dbx.Params{"now": formatTime(now)})).
		Limit(int64(limit)).
		Column(&ids)
	return ids, err
}

func (s *PBStore) DistributionsForParent(parentID string) ([]*models.Distribution, error) {
	records, err := s.app.FindRecordsByFilter(
		"distributions",
		"parent_id = {:parentId}",
		"created",
		-1,
		0,
		dbx.Params{"parentId": parentID},
	)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Distribution, len(records))
	for i, r := range records {
		out[i] = distributionFromRecord(r)
	}
	return out, nil
}

func (s *PBStore) ListDistributionsByStatus(st models.DistributionStatus, limit int) ([]*models.Distribution, error) {
	records, err := s.app.FindRecordsByFilter(
		"distributions",
		"status = {:status}",
		"-created",
		limit,
		0,
		dbx.Params{"status": string(st)},
	)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Distribution, len(records))
	for i, r := range records {
		out[i] = distributionFromRecord(r)
	}
	return out, nil
}

func distributionFromRecord(r *core.Record) *models.Distribution {
	return &models.Distribution{
		ID:              r.Id,
		ParentID:        r.GetString("parent_id"),
		EscrowRef:       r.GetString("escrow_ref"),
		RecipientID:     r.GetString("recipient_id"),
		RecipientWallet: r.GetString("recipient_wallet"),
		Kind:            models.DistributionKind(r.GetString("kind")),
		Method:          models.PayoutMethod(r.GetString("method")),
		Amount:          getDecimal(r, "amount"),
		Status:          models.DistributionStatus(r.GetString("status")),
		Skipped:         r.GetBool("skipped"),
		RetryCount:      r.GetInt("retry_count"),
		NextAttemptAt:   r.GetDateTime("next_attempt_at").Time(),
		SettlementRef:   r.GetString("settlement_ref"),
		LastError:       r.GetString("last_error"),
		CreatedAt:       r.GetDateTime("created").Time(),
	}
}

// ---- mapping helpers ----

func getDecimal(r *core.Record, field string) decimal.Decimal {
	v := r.GetString(field)
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func getTimePtr(r *core.Record, field string) *time.Time {
	dt := r.GetDateTime(field)
	if dt.IsZero() {
		return nil
	}
	t := dt.Time()
	return &t
}

func setTimePtr(r *core.Record, field string, t *time.Time) {
	if t == nil {
		r.Set(field, "")
		return
	}
	r.Set(field, *t)
}

func getJSON(r *core.Record, field string, out any) {
	raw := r.GetString(field)
	if raw == "" || raw == "null" {
		return
	}
	_ = json.Unmarshal([]byte(raw), out)
}

func setJSON(r *core.Record, field string, v any) {
	encoded, err := json.Marshal(v)
	if err != nil {
		r.Set(field, "null")
		return
	}
	r.Set(field, string(encoded))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(types.DefaultDateLayout)
}
