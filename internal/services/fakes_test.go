package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ticket-marketplace/config"
	"ticket-marketplace/internal/status"
	"ticket-marketplace/internal/store"
	"ticket-marketplace/models"
)

// memStore is an in-memory store.Store used by the engine tests. It
// keeps records by value and snapshots all maps around a transaction so
// a failed unit rolls back completely, matching the real transactional
// store.
type memStore struct {
	mu sync.Mutex

	tickets       map[string]models.Ticket
	events        map[string]models.Event
	users         map[string]models.User
	listings      map[string]models.Listing
	bids          map[string]models.Bid
	bidOrder      []string
	autobids      map[string]models.AutoBid
	autoOrder     []string
	transfers     map[string]models.Transfer
	transferOrder []string
	distributions map[string]models.Distribution
	distOrder     []string

	inTx bool

	// Fault injection. When set, the matching Save fails once and the
	// hook is cleared.
	failSaveTicket   error
	failSaveTransfer error
	failSaveListing  error
}

func newMemStore() *memStore {
	return &memStore{
		tickets:       map[string]models.Ticket{},
		events:        map[string]models.Event{},
		users:         map[string]models.User{},
		listings:      map[string]models.Listing{},
		bids:          map[string]models.Bid{},
		autobids:      map[string]models.AutoBid{},
		transfers:     map[string]models.Transfer{},
		distributions: map[string]models.Distribution{},
	}
}

func autoBidKey(listingID, bidderID string) string {
	return listingID + "/" + bidderID
}

func (s *memStore) snapshot() *memStore {
	c := newMemStore()
	for k, v := range s.tickets {
		c.tickets[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.listings {
		c.listings[k] = v
	}
	for k, v := range s.bids {
		c.bids[k] = v
	}
	for k, v := range s.autobids {
		c.autobids[k] = v
	}
	for k, v := range s.transfers {
		c.transfers[k] = v
	}
	for k, v := range s.distributions {
		c.distributions[k] = v
	}
	c.bidOrder = append([]string(nil), s.bidOrder...)
	c.autoOrder = append([]string(nil), s.autoOrder...)
	c.transferOrder = append([]string(nil), s.transferOrder...)
	c.distOrder = append([]string(nil), s.distOrder...)
	return c
}

func (s *memStore) restore(c *memStore) {
	s.tickets = c.tickets
	s.events = c.events
	s.users = c.users
	s.listings = c.listings
	s.bids = c.bids
	s.autobids = c.autobids
	s.transfers = c.transfers
	s.distributions = c.distributions
	s.bidOrder = c.bidOrder
	s.autoOrder = c.autoOrder
	s.transferOrder = c.transferOrder
	s.distOrder = c.distOrder
}

func (s *memStore) RunInTransaction(fn func(tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTx {
		return fn(s)
	}
	s.inTx = true
	defer func() { s.inTx = false }()

	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *memStore) FindTicket(id string) (*models.Ticket, error) {
	t, ok := s.tickets[id]
	if !ok {
		return nil, status.ErrNotFound
	}
	return &t, nil
}

func (s *memStore) SaveTicket(t *models.Ticket) error {
	if s.failSaveTicket != nil {
		err := s.failSaveTicket
		s.failSaveTicket = nil
		return err
	}
	s.tickets[t.ID] = *t
	return nil
}

func (s *memStore) CountTicketsOwned(userID, eventID string) (int, error) {
	n := 0
	for _, t := range s.tickets {
		if t.OwnerID == userID && t.EventID == eventID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) FindEvent(id string) (*models.Event, error) {
	ev, ok := s.events[id]
	if !ok {
		return nil, status.ErrNotFound
	}
	return &ev, nil
}

func (s *memStore) FindUser(id string) (*models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, status.ErrNotFound
	}
	return &u, nil
}

func (s *memStore) FindListing(id string) (*models.Listing, error) {
	l, ok := s.listings[id]
	if !ok {
		return nil, status.ErrNotFound
	}
	return &l, nil
}

func (s *memStore) SaveListing(l *models.Listing) error {
	if s.failSaveListing != nil {
		err := s.failSaveListing
		s.failSaveListing = nil
		return err
	}
	s.listings[l.ID] = *l
	return nil
}

func (s *memStore) ExpiredAuctionIDs(now time.Time, limit int) ([]string, error) {
	var ids []string
	for id, l := range s.listings {
		if l.Type == models.ListingAuction && l.Status == models.ListingActive && !l.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memStore) FindBid(id string) (*models.Bid, error) {
	b, ok := s.bids[id]
	if !ok {
		return nil, status.ErrNotFound
	}
	return &b, nil
}

func (s *memStore) SaveBid(b *models.Bid) error {
	if _, ok := s.bids[b.ID]; !ok {
		s.bidOrder = append(s.bidOrder, b.ID)
	}
	s.bids[b.ID] = *b
	return nil
}

func (s *memStore) ActiveBids(listingID string) ([]*models.Bid, error) {
	var out []*models.Bid
	for _, id := range s.bidOrder {
		b := s.bids[id]
		if b.ListingID == listingID && b.Status == models.BidActive {
			bid := b
			out = append(out, &bid)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Amount.GreaterThan(out[j].Amount)
	})
	return out, nil
}

func (s *memStore) CountActiveBidsByUser(userID string) (int, error) {
	n := 0
	for _, b := range s.bids {
		if b.BidderID == userID && b.Status == models.BidActive {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListBids(listingID string, page, perPage int) ([]*models.Bid, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	var all []*models.Bid
	for i := len(s.bidOrder) - 1; i >= 0; i-- {
		b := s.bids[s.bidOrder[i]]
		if b.ListingID == listingID {
			bid := b
			all = append(all, &bid)
		}
	}
	start := (page - 1) * perPage
	if start >= len(all) {
		return nil, nil
	}
	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (s *memStore) FindAutoBid(listingID, bidderID string) (*models.AutoBid, error) {
	a, ok := s.autobids[autoBidKey(listingID, bidderID)]
	if !ok {
		return nil, status.ErrNotFound
	}
	return &a, nil
}

func (s *memStore) SaveAutoBid(a *models.AutoBid) error {
	key := autoBidKey(a.ListingID, a.BidderID)
	if _, ok := s.autobids[key]; !ok {
		s.autoOrder = append(s.autoOrder, key)
	}
	s.autobids[key] = *a
	return nil
}

func (s *memStore) ActiveAutoBids(listingID string) ([]*models.AutoBid, error) {
	var out []*models.AutoBid
	for _, key := range s.autoOrder {
		a := s.autobids[key]
		if a.ListingID == listingID && a.Active {
			ab := a
			out = append(out, &ab)
		}
	}
	return out, nil
}

func (s *memStore) FindTransfer(id string) (*models.Transfer, error) {
	t, ok := s.transfers[id]
	if !ok {
		return nil, status.ErrNotFound
	}
	return &t, nil
}

func (s *memStore) SaveTransfer(t *models.Transfer) error {
	if s.failSaveTransfer != nil {
		err := s.failSaveTransfer
		s.failSaveTransfer = nil
		return err
	}
	if _, ok := s.transfers[t.ID]; !ok {
		s.transferOrder = append(s.transferOrder, t.ID)
	}
	s.transfers[t.ID] = *t
	return nil
}

func (s *memStore) ExpiredTransferIDs(now time.Time, limit int) ([]string, error) {
	var ids []string
	for id, t := range s.transfers {
		if t.Status == models.TransferPending && !t.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memStore) ListTransfersByUser(userID string, page, perPage int) ([]*models.Transfer, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	var all []*models.Transfer
	for i := len(s.transferOrder) - 1; i >= 0; i-- {
		t := s.transfers[s.transferOrder[i]]
		if t.FromUserID == userID || t.ToUserID == userID {
			tr := t
			all = append(all, &tr)
		}
	}
	start := (page - 1) * perPage
	if start >= len(all) {
		return nil, nil
	}
	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (s *memStore) FindDistribution(id string) (*models.Distribution, error) {
	d, ok := s.distributions[id]
	if !ok {
		return nil, status.ErrNotFound
	}
	return &d, nil
}

func (s *memStore) SaveDistribution(d *models.Distribution) error {
	if _, ok := s.distributions[d.ID]; !ok {
		s.distOrder = append(s.distOrder, d.ID)
	}
	s.distributions[d.ID] = *d
	return nil
}

func (s *memStore) DueDistributionIDs(now time.Time, limit int) ([]string, error) {
	var ids []string
	for _, id := range s.distOrder {
		d := s.distributions[id]
		if d.Status == models.DistributionPending && !d.NextAttemptAt.After(now) {
			ids = append(ids, id)
		}
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memStore) DistributionsForParent(parentID string) ([]*models.Distribution, error) {
	var out []*models.Distribution
	for _, id := range s.distOrder {
		d := s.distributions[id]
		if d.ParentID == parentID {
			leg := d
			out = append(out, &leg)
		}
	}
	return out, nil
}

func (s *memStore) ListDistributionsByStatus(st models.DistributionStatus, limit int) ([]*models.Distribution, error) {
	var out []*models.Distribution
	for i := len(s.distOrder) - 1; i >= 0; i-- {
		d := s.distributions[s.distOrder[i]]
		if d.Status == st {
			leg := d
			out = append(out, &leg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// gatewayCall records one ledger invocation for assertions.
type gatewayCall struct {
	Op        string
	SubjectID string
	EscrowRef string
	Wallet    string
	To        string
	Amount    decimal.Decimal
	IdemKey   string
}

// fakeGateway is an in-memory escrow.Gateway that tracks balances per
// wallet and records every call.
type fakeGateway struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	calls    []gatewayCall
	seq      int

	// Fault injection keyed by operation name. The error is returned
	// on every matching call until cleared.
	fail map[string]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balances: map[string]decimal.Decimal{},
		fail:     map[string]error{},
	}
}

func (g *fakeGateway) setBalance(wallet string, amount string) {
	g.balances[wallet] = decimal.RequireFromString(amount)
}

func (g *fakeGateway) callsFor(op string) []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []gatewayCall
	for _, c := range g.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (g *fakeGateway) ref(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s-%d", prefix, g.seq)
}

func (g *fakeGateway) Lock(_ context.Context, subjectID, payerWallet string, amount decimal.Decimal, idemKey string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail["lock"]; err != nil {
		return "", err
	}
	g.calls = append(g.calls, gatewayCall{Op: "lock", SubjectID: subjectID, Wallet: payerWallet, Amount: amount, IdemKey: idemKey})
	if bal, ok := g.balances[payerWallet]; ok {
		g.balances[payerWallet] = bal.Sub(amount)
	}
	return g.ref("escrow"), nil
}

func (g *fakeGateway) TopUp(_ context.Context, escrowRef string, delta decimal.Decimal, idemKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail["topup"]; err != nil {
		return err
	}
	g.calls = append(g.calls, gatewayCall{Op: "topup", EscrowRef: escrowRef, Amount: delta, IdemKey: idemKey})
	return nil
}

func (g *fakeGateway) Release(_ context.Context, escrowRef, recipientWallet string, amount decimal.Decimal, idemKey string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail["release"]; err != nil {
		return "", err
	}
	g.calls = append(g.calls, gatewayCall{Op: "release", EscrowRef: escrowRef, Wallet: recipientWallet, Amount: amount, IdemKey: idemKey})
	if bal, ok := g.balances[recipientWallet]; ok {
		g.balances[recipientWallet] = bal.Add(amount)
	}
	return g.ref("settle"), nil
}

func (g *fakeGateway) Refund(_ context.Context, escrowRef, payerWallet string, amount decimal.Decimal, idemKey string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail["refund"]; err != nil {
		return "", err
	}
	g.calls = append(g.calls, gatewayCall{Op: "refund", EscrowRef: escrowRef, Wallet: payerWallet, Amount: amount, IdemKey: idemKey})
	if bal, ok := g.balances[payerWallet]; ok {
		g.balances[payerWallet] = bal.Add(amount)
	}
	return g.ref("refund"), nil
}

func (g *fakeGateway) TransferOwnership(_ context.Context, assetRef, fromWallet, toWallet, idemKey string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail["ownership"]; err != nil {
		return "", err
	}
	g.calls = append(g.calls, gatewayCall{Op: "ownership", SubjectID: assetRef, Wallet: fromWallet, To: toWallet, IdemKey: idemKey})
	return g.ref("own"), nil
}

func (g *fakeGateway) Balance(_ context.Context, wallet string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail["balance"]; err != nil {
		return decimal.Zero, err
	}
	bal, ok := g.balances[wallet]
	if !ok {
		return decimal.Zero, nil
	}
	return bal, nil
}

// fakeNotifier records every user notification.
type fakeNotifier struct {
	mu       sync.Mutex
	messages map[string][]map[string]any
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{messages: map[string][]map[string]any{}}
}

func (n *fakeNotifier) NotifyUser(userID string, message map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages[userID] = append(n.messages[userID], message)
}

func (n *fakeNotifier) sent(userID string) []map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.messages[userID]
}

// fakeSink records every emitted domain event.
type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	Subject  string
	EntityID string
	Payload  map[string]any
}

func (s *fakeSink) Emit(subject, entityID string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{Subject: subject, EntityID: entityID, Payload: payload})
}

func (s *fakeSink) subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Subject
	}
	return out
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// testConfig returns the policy set shared by the engine tests.
func testConfig() *config.Config {
	return &config.Config{
		PlatformFeeBps:   250,
		PlatformFeeFixed: dec("0.30"),
		PlatformFeeMin:   dec("0.10"),
		PlatformFeeMax:   dec("10.00"),
		PlatformWallet:   "wallet-platform",
		RoyaltyCapBps:    1000,

		TransferExpiry:         24 * time.Hour,
		TransferCooldown:       10 * time.Minute,
		MaxTransfersPerTicket:  5,
		MaxResaleMarkupBps:     5000,
		CancelProtectionWindow: time.Hour,
		VerificationCodeLength: 6,

		MaxActiveBids:    10,
		SnipeWindow:      5 * time.Minute,
		SnipeExtension:   5 * time.Minute,
		AutoBidMaxRounds: 10,

		MinPayout:        dec("0.50"),
		MaxPayoutRetries: 3,
		PayoutRetryBase:  time.Minute,

		ExpirySweepInterval:       time.Minute,
		DistributionSweepInterval: time.Minute,
		SweepBatchSize:            100,
	}
}
