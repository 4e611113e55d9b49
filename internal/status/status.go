package status

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure so handlers and callers can decide
// whether the operation is retryable and which HTTP status to map it to.
type Kind int

const (
	// Validation: bad input or failed precondition. Nothing was mutated.
	Validation Kind = iota
	// Conflict: a concurrent state change won the race. Caller may retry.
	Conflict
	// Restriction: a policy block. Carries the specific violated reason.
	Restriction
	// Escrow: the external ledger could not complete the operation.
	Escrow
	// Integrity: computed totals or persisted state do not reconcile.
	// Never auto-corrected.
	Integrity
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	case Restriction:
		return "restriction"
	case Escrow:
		return "escrow"
	case Integrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Machine-readable rejection reasons. Every rejection carries the first
// violated reason, never a generic "not allowed".
const (
	ReasonNotOwner            = "not_ticket_owner"
	ReasonTicketNotActive     = "ticket_not_active"
	ReasonTicketLocked        = "ticket_locked_for_pending_operation"
	ReasonPendingTransfer     = "transfer_already_pending"
	ReasonNonTransferable     = "ticket_non_transferable"
	ReasonBlackoutWindow      = "transfer_blackout_window"
	ReasonTicketUsed          = "ticket_already_used"
	ReasonCooldownActive      = "transfer_cooldown_active"
	ReasonMaxTransfers        = "max_transfer_count_reached"
	ReasonMarkupExceeded      = "resale_markup_exceeded"
	ReasonSaleVelocity        = "sale_velocity_exceeded"
	ReasonRecipientLimit      = "recipient_ticket_limit_reached"
	ReasonWalletMissing       = "settlement_wallet_missing"
	ReasonAccountSuspended    = "account_suspended"
	ReasonEventEnded          = "event_transfer_window_closed"
	ReasonTransferNotPending  = "transfer_not_pending"
	ReasonNotTransferParty    = "not_transfer_party"
	ReasonCodeMismatch        = "verification_code_mismatch"
	ReasonProtectedWindow     = "protected_final_window"
	ReasonListingNotActive    = "listing_not_active"
	ReasonNotAuction          = "listing_not_auction"
	ReasonAuctionEnded        = "auction_ended"
	ReasonAuctionNotEnded     = "auction_not_ended"
	ReasonSelfBid             = "cannot_bid_on_own_listing"
	ReasonSelfPurchase        = "cannot_buy_own_listing"
	ReasonBidTooLow           = "bid_below_minimum_increment"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonBidLimit            = "too_many_active_bids"
	ReasonBidVelocity         = "bidding_velocity_exceeded"
	ReasonNotHighestBidder    = "not_highest_bidder"
	ReasonBidNotActive        = "bid_not_active"
	ReasonActiveBidsExist     = "listing_has_active_bids"
	ReasonFeesExceedPrice     = "fees_exceed_price"
	ReasonInvalidPercentage   = "percentage_out_of_range"
	ReasonRoyaltyCapExceeded  = "royalty_cap_exceeded"
)

// Error is the typed failure returned by every engine operation.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf reports the taxonomy kind of err, when err carries one.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// ReasonOf returns the machine-readable reason of err, or "" when err
// is not a taxonomy error.
func ReasonOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

var ErrNotFound = errors.New("store: record not found")
