package domain

import "github.com/shopspring/decimal"

// TokenUpdate is the applier input for a token creation: the initial token
// row plus the audit record for the originating transaction.
type TokenUpdate struct {
	Token Token
	Audit TransactionRecord
}

// TradeUpdate is the applier input for one trade event: the trade row, the
// recomputed token state, the holder balance change, and the audit record.
// All four are applied as a single atomic unit.
type TradeUpdate struct {
	Token  Token
	Trade  Trade
	Holder HolderDelta
	Audit  TransactionRecord
}

// HolderDelta is the signed balance change a trade causes for one wallet.
// The new balance is the stored balance plus Delta, floored at zero, and is
// accepted only when Slot >= the stored last-updated slot.
type HolderDelta struct {
	TokenMint  string
	UserWallet string
	Delta      decimal.Decimal
	Slot       int64
}
