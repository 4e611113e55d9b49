package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("events")
		collection.Fields.Add(
			&core.TextField{Name: "name", Required: true},
			&core.TextField{Name: "venue"},
			&core.DateField{Name: "start_time", Required: true},
			&core.DateField{Name: "end_time"},
			&core.SelectField{Name: "status", Values: []string{"upcoming", "ongoing", "completed"}, MaxSelect: 1},
			&core.DateField{Name: "transfers_close_at"},
			&core.DateField{Name: "blackout_start"},
			&core.DateField{Name: "blackout_end"},
			&core.NumberField{Name: "max_tickets_per_user", OnlyInt: true},
			&core.NumberField{Name: "max_resale_markup_bps", OnlyInt: true},
			&core.JSONField{Name: "royalties", MaxSize: 10000},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		collection.AddIndex("idx_events_status", false, "status", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("events")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
