package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		transfers := core.NewBaseCollection("transfers")
		transfers.Fields.Add(
			&core.TextField{Name: "ticket_id", Required: true},
			&core.TextField{Name: "from_user_id", Required: true},
			&core.TextField{Name: "to_user_id", Required: true},
			&core.SelectField{Name: "type", Values: []string{"sale", "gift"}, MaxSelect: 1, Required: true},
			&core.SelectField{Name: "status", Values: []string{"pending", "settling", "completed", "failed", "cancelled", "expired"}, MaxSelect: 1, Required: true},
			&core.TextField{Name: "price"},
			&core.JSONField{Name: "fees", MaxSize: 20000},
			&core.BoolField{Name: "immediate"},
			&core.TextField{Name: "code_hash"},
			&core.BoolField{Name: "sender_verified"},
			&core.BoolField{Name: "recipient_verified"},
			&core.BoolField{Name: "name_match_flagged"},
			&core.DateField{Name: "expires_at"},
			&core.TextField{Name: "escrow_ref"},
			&core.TextField{Name: "settlement_ref"},
			&core.DateField{Name: "completed_at"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		transfers.AddIndex("idx_transfers_status_expires", false, "status, expires_at", "")
		transfers.AddIndex("idx_transfers_from_user", false, "from_user_id", "")
		transfers.AddIndex("idx_transfers_to_user", false, "to_user_id", "")
		if err := app.Save(transfers); err != nil {
			return err
		}

		distributions := core.NewBaseCollection("distributions")
		distributions.Fields.Add(
			&core.TextField{Name: "parent_id", Required: true},
			&core.TextField{Name: "escrow_ref"},
			&core.TextField{Name: "recipient_id"},
			&core.TextField{Name: "recipient_wallet"},
			&core.SelectField{Name: "kind", Values: []string{"platform", "royalty", "seller"}, MaxSelect: 1, Required: true},
			&core.SelectField{Name: "method", Values: []string{"bank", "crypto", "hold"}, MaxSelect: 1, Required: true},
			&core.TextField{Name: "amount", Required: true},
			&core.SelectField{Name: "status", Values: []string{"pending", "processing", "completed", "failed"}, MaxSelect: 1, Required: true},
			&core.BoolField{Name: "skipped"},
			&core.NumberField{Name: "retry_count", OnlyInt: true},
			&core.DateField{Name: "next_attempt_at"},
			&core.TextField{Name: "settlement_ref"},
			&core.TextField{Name: "last_error"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		distributions.AddIndex("idx_distributions_status_due", false, "status, next_attempt_at", "")
		distributions.AddIndex("idx_distributions_parent", false, "parent_id", "")

		return app.Save(distributions)
	}, func(app core.App) error {
		for _, name := range []string{"distributions", "transfers"} {
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
