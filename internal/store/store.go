// Package store is the authoritative record of tickets, listings, bids,
// transfers and settlement legs. All engine mutations go through
// RunInTransaction: read-modify-write of shared state happens inside one
// atomic unit or not at all.
package store

import (
	"time"

	"ticket-marketplace/models"
)

type Store interface {
	// RunInTransaction executes fn against a transactional view. The
	// unit either fully commits or fully aborts; partial state is never
	// visible to concurrent operations.
	RunInTransaction(fn func(tx Store) error) error

	FindTicket(id string) (*models.Ticket, error)
	SaveTicket(t *models.Ticket) error
	CountTicketsOwned(userID, eventID string) (int, error)

	FindEvent(id string) (*models.Event, error)
	FindUser(id string) (*models.User, error)

	FindListing(id string) (*models.Listing, error)
	SaveListing(l *models.Listing) error
	// ExpiredAuctionIDs lists active auctions whose deadline has passed,
	// for the expiry sweeper.
	ExpiredAuctionIDs(now time.Time, limit int) ([]string, error)

	FindBid(id string) (*models.Bid, error)
	SaveBid(b *models.Bid) error
	ActiveBids(listingID string) ([]*models.Bid, error)
	CountActiveBidsByUser(userID string) (int, error)
	ListBids(listingID string, page, perPage int) ([]*models.Bid, error)

	FindAutoBid(listingID, bidderID string) (*models.AutoBid, error)
	SaveAutoBid(a *models.AutoBid) error
	ActiveAutoBids(listingID string) ([]*models.AutoBid, error)

	FindTransfer(id string) (*models.Transfer, error)
	SaveTransfer(t *models.Transfer) error
	ExpiredTransferIDs(now time.Time, limit int) ([]string, error)
	ListTransfersByUser(userID string, page, perPage int) ([]*models.Transfer, error)

	FindDistribution(id string) (*models.Distribution, error)
	SaveDistribution(d *models.Distribution) error
	// DueDistributionIDs lists pending legs whose next attempt time has
	// passed, for the retry sweeper.
	DueDistributionIDs(now time.Time, limit int) ([]string, error)
	DistributionsForParent(parentID string) ([]*models.Distribution, error)
	ListDistributionsByStatus(st models.DistributionStatus, limit int) ([]*models.Distribution, error)
}
