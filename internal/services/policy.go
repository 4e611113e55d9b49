package services

import (
	"github.com/shopspring/decimal"

	"ticket-marketplace/config"
	"ticket-marketplace/internal/fees"
	"ticket-marketplace/internal/status"
	"ticket-marketplace/models"
)

func feePolicyFromConfig(cfg *config.Config) fees.FeePolicy {
	return fees.FeePolicy{
		PercentBps: cfg.PlatformFeeBps,
		Fixed:      cfg.PlatformFeeFixed,
		Min:        cfg.PlatformFeeMin,
		Max:        cfg.PlatformFeeMax,
	}
}

func royaltyConfigForEvent(ev *models.Event, capBps int64) fees.RoyaltyConfig {
	recipients := make([]fees.RoyaltyRecipient, 0, len(ev.Royalties))
	for _, r := range ev.Royalties {
		recipients = append(recipients, fees.RoyaltyRecipient{
			UserID: r.UserID,
			Wallet: r.Wallet,
			Bps:    r.Bps,
		})
	}
	return fees.RoyaltyConfig{Recipients: recipients, CapBps: capBps}
}

// resaleMarkupCap returns the event's resale ceiling, falling back to
// the platform default when the event does not set one.
func resaleMarkupCap(ev *models.Event, cfg *config.Config) int64 {
	if ev.MaxResaleMarkupBps > 0 {
		return ev.MaxResaleMarkupBps
	}
	return cfg.MaxResaleMarkupBps
}

// checkResaleMarkup enforces the anti-scalping ceiling: a resale price
// may not exceed the original price by more than the capped markup.
func checkResaleMarkup(ticket *models.Ticket, event *models.Event, price decimal.Decimal, cfg *config.Config) error {
	if !ticket.OriginalPrice.IsPositive() {
		return nil
	}
	capBps := resaleMarkupCap(event, cfg)
	if capBps <= 0 {
		return nil
	}
	ceiling := ticket.OriginalPrice.Mul(decimal.NewFromInt(10000 + capBps)).Div(decimal.NewFromInt(10000))
	if price.GreaterThan(ceiling) {
		return status.New(status.Restriction, status.ReasonMarkupExceeded)
	}
	return nil
}
