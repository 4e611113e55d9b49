package models

type User struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	WalletAddress string       `json:"wallet_address"`
	Suspended     bool         `json:"suspended"`
	PayoutMethod  PayoutMethod `json:"payout_method"`
}
