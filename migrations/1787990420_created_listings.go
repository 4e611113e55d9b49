package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		listings := core.NewBaseCollection("listings")
		listings.Fields.Add(
			&core.TextField{Name: "seller_id", Required: true},
			&core.TextField{Name: "ticket_id", Required: true},
			&core.TextField{Name: "event_id", Required: true},
			&core.SelectField{Name: "type", Values: []string{"fixed", "auction"}, MaxSelect: 1, Required: true},
			&core.SelectField{Name: "status", Values: []string{"active", "sold", "expired", "cancelled", "failed"}, MaxSelect: 1, Required: true},
			&core.TextField{Name: "price"},
			&core.TextField{Name: "starting_price"},
			&core.TextField{Name: "current_bid"},
			&core.TextField{Name: "highest_bid_id"},
			&core.TextField{Name: "highest_bidder_id"},
			&core.TextField{Name: "reserve_price"},
			&core.NumberField{Name: "bid_count", OnlyInt: true},
			&core.DateField{Name: "expires_at"},
			&core.NumberField{Name: "extension_count", OnlyInt: true},
			&core.SelectField{Name: "resolution", Values: []string{"no_bids", "reserve_not_met", "sold"}, MaxSelect: 1},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		listings.AddIndex("idx_listings_status_type", false, "status, type", "")
		listings.AddIndex("idx_listings_expires", false, "expires_at", "")
		if err := app.Save(listings); err != nil {
			return err
		}

		bids := core.NewBaseCollection("bids")
		bids.Fields.Add(
			&core.TextField{Name: "listing_id", Required: true},
			&core.TextField{Name: "bidder_id", Required: true},
			&core.TextField{Name: "amount", Required: true},
			&core.SelectField{Name: "status", Values: []string{"active", "won", "cancelled", "refunded"}, MaxSelect: 1, Required: true},
			&core.TextField{Name: "escrow_ref"},
			&core.BoolField{Name: "auto"},
			&core.JSONField{Name: "revisions", MaxSize: 50000},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		bids.AddIndex("idx_bids_listing_status", false, "listing_id, status", "")
		bids.AddIndex("idx_bids_bidder_status", false, "bidder_id, status", "")
		if err := app.Save(bids); err != nil {
			return err
		}

		autobids := core.NewBaseCollection("autobids")
		autobids.Fields.Add(
			&core.TextField{Name: "listing_id", Required: true},
			&core.TextField{Name: "bidder_id", Required: true},
			&core.TextField{Name: "max_amount", Required: true},
			&core.BoolField{Name: "active"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		autobids.AddIndex("idx_autobids_listing_bidder", true, "listing_id, bidder_id", "")

		return app.Save(autobids)
	}, func(app core.App) error {
		for _, name := range []string{"autobids", "bids", "listings"} {
			collection, err := app.FindCollectionByNameOrId(name)
			if err != nil {
				return err
			}
			if err := app.Delete(collection); err != nil {
				return err
			}
		}
		return nil
	})
}
