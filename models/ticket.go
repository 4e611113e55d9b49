package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketActive  TicketStatus = "active"
	TicketLocked  TicketStatus = "locked"
	TicketUsed    TicketStatus = "used"
	TicketExpired TicketStatus = "expired"
)

// OwnershipEntry is one row of a ticket's append-only ownership history.
type OwnershipEntry struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	Via        string    `json:"via"` // mint, transfer, gift, sale, auction
	Reference  string    `json:"reference,omitempty"`
}

type Ticket struct {
	ID      string       `json:"id"`
	EventID string       `json:"event_id"`
	OwnerID string       `json:"owner_id"`
	Status  TicketStatus `json:"status"`

	// Lock metadata. Status "locked" plus PendingOpID is the single
	// source of truth for "this ticket is mid ownership change"; the
	// pending id is either a Transfer id or a Listing id, and only the
	// engine holding that id may clear the lock.
	LockedFor   string     `json:"locked_for,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	PendingOpID string     `json:"pending_op_id,omitempty"`

	TransferCount   int              `json:"transfer_count"`
	LastTransferred *time.Time       `json:"last_transferred,omitempty"`
	OriginalPrice   decimal.Decimal  `json:"original_price"`
	MintAddress     string           `json:"mint_address"`
	History         []OwnershipEntry `json:"history"`

	NonTransferable   bool `json:"non_transferable"`
	NameMatchRequired bool `json:"name_match_required"`
}

// Lockable reports whether the ticket can enter a new pending operation.
func (t *Ticket) Lockable() bool {
	return t.Status == TicketActive && t.PendingOpID == ""
}
