// Package escrow abstracts the on-chain ledger used for locking bid and
// sale funds, paying settlement legs and moving ticket ownership. Every
// operation takes an idempotency key so a timed-out call can be retried
// without double-paying or double-transferring.
package escrow

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway is the narrow contract the engines consume.
type Gateway interface {
	// Lock reserves amount of the payer's funds against subjectID and
	// returns the escrow reference.
	Lock(ctx context.Context, subjectID, payerWallet string, amount decimal.Decimal, idemKey string) (string, error)

	// TopUp adds delta to an existing escrow. The ledger runs this as a
	// prepare/confirm pair so a partial top-up never leaves funds
	// half-reserved.
	TopUp(ctx context.Context, escrowRef string, delta decimal.Decimal, idemKey string) error

	// Release pays amount out of the escrow to the recipient wallet and
	// returns the settlement reference.
	Release(ctx context.Context, escrowRef, recipientWallet string, amount decimal.Decimal, idemKey string) (string, error)

	// Refund returns amount of the escrow to the payer wallet.
	Refund(ctx context.Context, escrowRef, payerWallet string, amount decimal.Decimal, idemKey string) (string, error)

	// TransferOwnership moves the on-chain asset between wallets.
	TransferOwnership(ctx context.Context, assetRef, fromWallet, toWallet, idemKey string) (string, error)

	// Balance reports the wallet's available (unlocked) balance.
	Balance(ctx context.Context, wallet string) (decimal.Decimal, error)
}
