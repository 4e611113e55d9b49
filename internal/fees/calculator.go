// Package fees computes the multi-party money split for a resale:
// platform fee, creator royalties and net seller proceeds. All amounts
// are decimal; the package does no I/O.
package fees

import (
	"log"

	"github.com/shopspring/decimal"
	"ticket-marketplace/internal/status"
)

var (
	bpsDenominator = decimal.NewFromInt(10000)

	// ReconcileTolerance bounds the acceptable drift between the input
	// price and the sum of the computed parts.
	ReconcileTolerance = decimal.RequireFromString("0.001")
)

// FeePolicy is the platform's cut: a percentage plus a fixed amount,
// clamped into [Min, Max].
type FeePolicy struct {
	PercentBps int64
	Fixed      decimal.Decimal
	Min        decimal.Decimal
	Max        decimal.Decimal
}

// RoyaltyRecipient is one creator-side recipient and their share in
// basis points of the sale price.
type RoyaltyRecipient struct {
	UserID string
	Wallet string
	Bps    int64
}

// RoyaltyConfig is the full royalty layout for a sale. CapBps bounds
// the sum of all recipient shares; zero means the default 10% cap.
type RoyaltyConfig struct {
	Recipients []RoyaltyRecipient
	CapBps     int64
}

const defaultRoyaltyCapBps = 1000

// Share is one computed royalty amount.
type Share struct {
	UserID string
	Wallet string
	Bps    int64
	Amount decimal.Decimal
}

// Breakdown is the complete money split for a sale price.
type Breakdown struct {
	Price          decimal.Decimal
	PlatformFee    decimal.Decimal
	TotalRoyalty   decimal.Decimal
	Shares         []Share
	SellerProceeds decimal.Decimal
}

// Calculate splits price into platform fee, per-recipient royalties and
// seller proceeds. The parts always sum back to price; if they ever do
// not, that is logged as a calculation-integrity warning and returned
// as computed, never silently corrected.
func Calculate(price decimal.Decimal, policy FeePolicy, royalty RoyaltyConfig) (Breakdown, error) {
	if !price.IsPositive() {
		return Breakdown{}, status.New(status.Validation, "price_not_positive")
	}
	if policy.PercentBps < 0 || policy.PercentBps > 10000 {
		return Breakdown{}, status.New(status.Validation, status.ReasonInvalidPercentage)
	}

	cap := royalty.CapBps
	if cap == 0 {
		cap = defaultRoyaltyCapBps
	}
	var royaltyBpsTotal int64
	for _, r := range royalty.Recipients {
		if r.Bps < 0 || r.Bps > 10000 {
			return Breakdown{}, status.New(status.Validation, status.ReasonInvalidPercentage)
		}
		royaltyBpsTotal += r.Bps
	}
	if royaltyBpsTotal > cap {
		return Breakdown{}, status.New(status.Validation, status.ReasonRoyaltyCapExceeded)
	}

	platformFee := bpsOf(price, policy.PercentBps).Add(policy.Fixed)
	if !policy.Min.IsZero() && platformFee.LessThan(policy.Min) {
		platformFee = policy.Min
	}
	if !policy.Max.IsZero() && platformFee.GreaterThan(policy.Max) {
		platformFee = policy.Max
	}
	platformFee = platformFee.Round(2)

	shares := make([]Share, 0, len(royalty.Recipients))
	totalRoyalty := decimal.Zero
	for _, r := range royalty.Recipients {
		amount := bpsOf(price, r.Bps).Round(2)
		shares = append(shares, Share{UserID: r.UserID, Wallet: r.Wallet, Bps: r.Bps, Amount: amount})
		totalRoyalty = totalRoyalty.Add(amount)
	}

	proceeds := price.Sub(platformFee).Sub(totalRoyalty)
	if proceeds.IsNegative() {
		return Breakdown{}, status.New(status.Validation, status.ReasonFeesExceedPrice)
	}

	b := Breakdown{
		Price:          price,
		PlatformFee:    platformFee,
		TotalRoyalty:   totalRoyalty,
		Shares:         shares,
		SellerProceeds: proceeds,
	}

	if drift := b.Reconcile(); drift.Abs().GreaterThan(ReconcileTolerance) {
		log.Printf("INTEGRITY: fee breakdown does not reconcile: price=%s drift=%s", price, drift)
	}

	return b, nil
}

// Reconcile returns the signed difference between the sum of all parts
// and the input price. Zero means the split is exact.
func (b Breakdown) Reconcile() decimal.Decimal {
	return b.PlatformFee.Add(b.TotalRoyalty).Add(b.SellerProceeds).Sub(b.Price)
}

func bpsOf(amount decimal.Decimal, bps int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(bps)).Div(bpsDenominator)
}
