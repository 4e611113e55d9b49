package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("tickets")
		collection.Fields.Add(
			&core.TextField{Name: "event_id", Required: true},
			&core.TextField{Name: "owner_id", Required: true},
			&core.SelectField{Name: "status", Values: []string{"active", "locked", "used", "expired"}, MaxSelect: 1, Required: true},
			&core.TextField{Name: "locked_for"},
			&core.DateField{Name: "locked_until"},
			&core.TextField{Name: "pending_op_id"},
			&core.NumberField{Name: "transfer_count", OnlyInt: true},
			&core.DateField{Name: "last_transferred"},
			&core.TextField{Name: "original_price"},
			&core.TextField{Name: "mint_address"},
			&core.JSONField{Name: "history", MaxSize: 100000},
			&core.BoolField{Name: "non_transferable"},
			&core.BoolField{Name: "name_match_required"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		collection.AddIndex("idx_tickets_owner", false, "owner_id", "")
		collection.AddIndex("idx_tickets_owner_event", false, "owner_id, event_id", "")
		collection.AddIndex("idx_tickets_pending_op", false, "pending_op_id", "pending_op_id != ''")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("tickets")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
