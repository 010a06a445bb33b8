package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Token is the current state of one bonding-curve token, keyed by mint address.
// Reserve and supply fields hold non-negative integers in native minor units
// (lamports, raw token base units). Metadata fields are filled on the first
// event that carries them and never overwritten afterwards.
type Token struct {
	MintAddress         string
	Name                *string
	Symbol              *string
	URI                 *string
	BondingCurveAddress *string
	CreatorWallet       *string

	VirtualTokenReserves decimal.Decimal
	VirtualSolReserves   decimal.Decimal
	RealTokenReserves    decimal.Decimal
	TokenTotalSupply     decimal.Decimal

	// MarketCapUSD is nil when the SOL/USD quote was unavailable at the
	// last derivation.
	MarketCapUSD         *decimal.Decimal
	BondingCurveProgress decimal.Decimal
	Complete             bool

	CreatedAt time.Time
	UpdatedAt *time.Time
}
