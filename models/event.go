package models

import (
	"time"
)

// RoyaltySplit is one creator-side royalty recipient configured on an
// event, expressed in basis points of the resale price.
type RoyaltySplit struct {
	UserID string `json:"user_id"`
	Wallet string `json:"wallet"`
	Bps    int64  `json:"bps"`
}

type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Venue     string    `json:"venue"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    string    `json:"status"` // upcoming, ongoing, completed

	// Resale policy
	TransfersCloseAt   *time.Time     `json:"transfers_close_at,omitempty"`
	BlackoutStart      *time.Time     `json:"blackout_start,omitempty"`
	BlackoutEnd        *time.Time     `json:"blackout_end,omitempty"`
	MaxTicketsPerUser  int            `json:"max_tickets_per_user"`
	MaxResaleMarkupBps int64          `json:"max_resale_markup_bps"`
	Royalties          []RoyaltySplit `json:"royalties"`
}

// TransfersOpen reports whether the event still accepts ownership
// changes at the given instant. A zero cutoff falls back to the event
// start time.
func (e *Event) TransfersOpen(now time.Time) bool {
	cutoff := e.StartTime
	if e.TransfersCloseAt != nil {
		cutoff = *e.TransfersCloseAt
	}
	return now.Before(cutoff)
}

// InBlackout reports whether now falls inside the event's configured
// transfer blackout window, if any.
func (e *Event) InBlackout(now time.Time) bool {
	if e.BlackoutStart == nil || e.BlackoutEnd == nil {
		return false
	}
	return !now.Before(*e.BlackoutStart) && now.Before(*e.BlackoutEnd)
}
