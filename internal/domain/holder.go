package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenHolder is the current balance of one wallet in one token, keyed by
// (TokenMint, UserWallet). Balance is recomputed from the triggering trade
// plus the previous balance, so writes must be accepted in slot order:
// an update is applied only when its slot is >= LastUpdatedSlot.
type TokenHolder struct {
	TokenMint       string
	UserWallet      string
	Balance         decimal.Decimal
	LastUpdatedSlot int64
	UpdatedAt       *time.Time
}
