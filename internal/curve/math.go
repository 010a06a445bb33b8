// Package curve implements the bonding-curve amount and price arithmetic.
//
// All quantities are decimal values holding non-negative integers in native
// minor units (lamports, raw token base units); derived prices are fixed-
// decimal. Floating point is never used, so cumulative reserve tracking does
// not drift.
package curve

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Protocol constants for the bonding-curve program.
const (
	// LamportsPerSOL is the number of lamports in one SOL.
	LamportsPerSOL = 1_000_000_000

	// VirtualSolOffsetLamports is the standard virtual SOL offset (30 SOL)
	// added to real SOL reserves by the constant-product formula.
	VirtualSolOffsetLamports = 30 * LamportsPerSOL

	// DefaultTokenTotalSupply is the standard total supply minted for a
	// curve token, in raw base units.
	DefaultTokenTotalSupply = 1_000_000_000_000_000

	// Initial reserve levels for a freshly created curve, used when the
	// creation event omits its reserve payload.
	DefaultVirtualTokenReserves = 1_073_000_000_000_000
	DefaultVirtualSolReserves   = VirtualSolOffsetLamports
	DefaultRealTokenReserves    = 793_100_000_000_000

	// DefaultCurveCompletionLamports is the default virtual SOL reserve
	// level at which the curve completes (85 SOL). The exact level is a
	// deployment parameter; see Params.
	DefaultCurveCompletionLamports = 85 * LamportsPerSOL
)

// Fixed-decimal scales committed to by the persistent schema.
const (
	priceSOLScale = 15
	priceUSDScale = 10
	progressScale = 2
)

// ErrInvalidTradeAmounts signals a trade whose token amount is zero; such an
// event is rejected before it reaches persistence.
var ErrInvalidTradeAmounts = errors.New("invalid trade amounts: token amount is zero")

var hundred = decimal.NewFromInt(100)

// Params carries the deployment-specific curve configuration.
type Params struct {
	// CompletionLamports is the virtual SOL reserve level at which
	// bonding-curve progress reaches 100%.
	CompletionLamports decimal.Decimal
	// TotalSupply is the token supply assumed when a creation event omits it.
	TotalSupply decimal.Decimal
}

// DefaultParams returns the standard curve parameters.
func DefaultParams() Params {
	return Params{
		CompletionLamports: decimal.NewFromInt(DefaultCurveCompletionLamports),
		TotalSupply:        decimal.NewFromInt(DefaultTokenTotalSupply),
	}
}

// PriceSOL returns the per-token price in SOL terms (lamports per base unit)
// at 15 fractional digits. A zero token amount is an input-validation error.
func PriceSOL(solAmount, tokenAmount decimal.Decimal) (decimal.Decimal, error) {
	if tokenAmount.IsZero() {
		return decimal.Decimal{}, ErrInvalidTradeAmounts
	}
	return solAmount.DivRound(tokenAmount, priceSOLScale), nil
}

// PriceUSD converts a SOL-denominated price to USD at 10 fractional digits.
func PriceUSD(priceSOL, solUSD decimal.Decimal) decimal.Decimal {
	return priceSOL.Mul(solUSD).Round(priceUSDScale)
}

// ReservePriceSOL returns the spot price implied by the virtual reserves.
// A zero virtual token reserve yields a zero price rather than an error:
// freshly observed tokens may not have reserve data yet.
func ReservePriceSOL(virtualSolReserves, virtualTokenReserves decimal.Decimal) decimal.Decimal {
	if virtualTokenReserves.IsZero() {
		return decimal.Zero
	}
	return virtualSolReserves.DivRound(virtualTokenReserves, priceSOLScale)
}

// MarketCapUSD computes total supply times the reserve-implied USD price.
func MarketCapUSD(totalSupply, virtualSolReserves, virtualTokenReserves, solUSD decimal.Decimal) decimal.Decimal {
	price := ReservePriceSOL(virtualSolReserves, virtualTokenReserves)
	return price.Mul(totalSupply).Mul(solUSD).Round(priceUSDScale)
}

// Progress returns bonding-curve progress as a percentage of the completion
// reserve level, clamped to [0, 100]. Clamping is policy: real reserves can
// transiently overshoot on out-of-order partial updates, and the metric must
// never leave the valid range.
func Progress(virtualSolReserves, completionLamports decimal.Decimal) decimal.Decimal {
	if completionLamports.IsZero() {
		return decimal.Zero
	}
	p := virtualSolReserves.DivRound(completionLamports, progressScale+2).Mul(hundred).Round(progressScale)
	switch {
	case p.IsNegative():
		return decimal.Zero
	case p.GreaterThan(hundred):
		return hundred
	default:
		return p
	}
}
