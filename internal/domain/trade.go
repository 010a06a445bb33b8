package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instruction names recognized on the bonding-curve program.
const (
	IxNameCreate = "create"
	IxNameBuy    = "buy"
	IxNameSell   = "sell"
)

// Trade is one immutable trade record. The natural key is
// (Timestamp, Signature); a second delivery of the same pair is a no-op,
// never a second row.
type Trade struct {
	Signature   string
	TokenMint   string
	SolAmount   decimal.Decimal
	TokenAmount decimal.Decimal
	IsBuy       bool
	UserWallet  string
	Timestamp   time.Time

	// Reserve snapshot at trade time, kept for reconciliation when a later
	// resolution of the same signature arrives.
	VirtualSolReserves   decimal.Decimal
	VirtualTokenReserves decimal.Decimal

	// PriceSOL/PriceUSD are nil when the corresponding quote could not be
	// derived (USD is nil whenever the oracle was unavailable).
	PriceSOL *decimal.Decimal
	PriceUSD *decimal.Decimal

	TrackVolume bool
	IxName      string
	Slot        int64
}
