package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// Marketplace fields on the stock users collection, plus the admins
// auth collection for operational endpoints.
func init() {
	m.Register(func(app core.App) error {
		users, err := app.FindCollectionByNameOrId("users")
		if err != nil {
			return err
		}
		users.Fields.Add(
			&core.TextField{Name: "wallet_address"},
			&core.BoolField{Name: "suspended"},
			&core.SelectField{Name: "payout_method", Values: []string{"bank", "crypto", "hold"}, MaxSelect: 1},
		)
		if err := app.Save(users); err != nil {
			return err
		}

		admins := core.NewAuthCollection("admins")
		return app.Save(admins)
	}, func(app core.App) error {
		admins, err := app.FindCollectionByNameOrId("admins")
		if err == nil {
			if err := app.Delete(admins); err != nil {
				return err
			}
		}

		users, err := app.FindCollectionByNameOrId("users")
		if err != nil {
			return err
		}
		for _, name := range []string{"wallet_address", "suspended", "payout_method"} {
			users.Fields.RemoveByName(name)
		}
		return app.Save(users)
	})
}
