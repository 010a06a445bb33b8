// Package derive turns parsed events into persistable state updates. It is
// purely functional: all inputs and outputs are values, there is no I/O.
package derive

import (
	"fmt"

	"github.com/shopspring/decimal"

	"curve-indexer/internal/curve"
	"curve-indexer/internal/domain"
)

// Deriver recomputes token metrics from event reserve state.
type Deriver struct {
	params curve.Params
}

// New creates a Deriver with the given curve parameters.
func New(params curve.Params) *Deriver {
	return &Deriver{params: params}
}

// DeriveCreate builds the initial token state for a creation event.
// Reserves and supply come from the event payload when present, protocol
// defaults otherwise. solUSD may be nil; USD metrics are then left nil.
func (d *Deriver) DeriveCreate(ev *domain.TokenCreatedEvent, solUSD *decimal.Decimal) *domain.TokenUpdate {
	token := domain.Token{
		MintAddress:         ev.Mint,
		Name:                ev.Name,
		Symbol:              ev.Symbol,
		URI:                 ev.URI,
		BondingCurveAddress: ev.BondingCurve,
		CreatorWallet:       ev.Creator,
		CreatedAt:           ev.BlockTime,

		VirtualTokenReserves: orDefault(ev.VirtualTokenReserves, curve.DefaultVirtualTokenReserves),
		VirtualSolReserves:   orDefault(ev.VirtualSolReserves, curve.DefaultVirtualSolReserves),
		RealTokenReserves:    orDefault(ev.RealTokenReserves, curve.DefaultRealTokenReserves),
	}
	if ev.TokenTotalSupply != nil {
		token.TokenTotalSupply = *ev.TokenTotalSupply
	} else {
		token.TokenTotalSupply = d.params.TotalSupply
	}

	// A fresh curve starts at zero progress regardless of the virtual
	// SOL offset baked into its initial reserves.
	token.BondingCurveProgress = decimal.Zero

	if solUSD != nil {
		mc := curve.MarketCapUSD(token.TokenTotalSupply, token.VirtualSolReserves, token.VirtualTokenReserves, *solUSD)
		token.MarketCapUSD = &mc
	}

	signer := ""
	if ev.Creator != nil {
		signer = *ev.Creator
	}

	return &domain.TokenUpdate{
		Token: token,
		Audit: domain.TransactionRecord{
			Signature:        ev.Signature,
			Slot:             ev.Slot,
			BlockTime:        ev.BlockTime,
			Signer:           signer,
			Success:          true,
			InstructionCount: ixCount(ev.InstructionCount),
		},
	}
}

// DeriveTrade recomputes token state for a trade event. current is the
// stored token row, nil for an unseen mint. The event-reported reserve
// snapshot is authoritative when present; otherwise the new reserves are a
// constant-product adjustment of the current ones. solUSD may be nil; USD
// metrics are then left nil.
func (d *Deriver) DeriveTrade(ev *domain.TradeEvent, current *domain.Token, solUSD *decimal.Decimal) (*domain.TradeUpdate, error) {
	priceSOL, err := curve.PriceSOL(ev.SolAmount, ev.TokenAmount)
	if err != nil {
		return nil, fmt.Errorf("derive trade %s: %w", ev.Signature, err)
	}

	vSol, vToken := d.resolveReserves(ev, current)
	realToken := resolveRealReserves(ev, current)

	supply := d.params.TotalSupply
	if current != nil && !current.TokenTotalSupply.IsZero() {
		supply = current.TokenTotalSupply
	}

	token := domain.Token{
		MintAddress:          ev.Mint,
		BondingCurveAddress:  ev.BondingCurve,
		VirtualSolReserves:   vSol,
		VirtualTokenReserves: vToken,
		RealTokenReserves:    realToken,
		TokenTotalSupply:     supply,
		BondingCurveProgress: curve.Progress(vSol, d.params.CompletionLamports),
		CreatedAt:            ev.BlockTime,
	}
	if current != nil {
		token.CreatedAt = current.CreatedAt
	}

	token.Complete = token.BondingCurveProgress.Equal(decimal.NewFromInt(100))
	if current != nil && current.Complete {
		// Completion is latched; a later partial update never clears it.
		token.Complete = true
	}

	trade := domain.Trade{
		Signature:            ev.Signature,
		TokenMint:            ev.Mint,
		SolAmount:            ev.SolAmount,
		TokenAmount:          ev.TokenAmount,
		IsBuy:                ev.IsBuy,
		UserWallet:           ev.UserWallet,
		Timestamp:            ev.BlockTime,
		VirtualSolReserves:   vSol,
		VirtualTokenReserves: vToken,
		PriceSOL:             &priceSOL,
		TrackVolume:          ev.SolAmount.IsPositive(),
		IxName:               ev.IxName(),
		Slot:                 ev.Slot,
	}

	if solUSD != nil {
		priceUSD := curve.PriceUSD(priceSOL, *solUSD)
		trade.PriceUSD = &priceUSD
		mc := curve.MarketCapUSD(supply, vSol, vToken, *solUSD)
		token.MarketCapUSD = &mc
	}

	delta := ev.TokenAmount
	if !ev.IsBuy {
		delta = delta.Neg()
	}

	return &domain.TradeUpdate{
		Token: token,
		Trade: trade,
		Holder: domain.HolderDelta{
			TokenMint:  ev.Mint,
			UserWallet: ev.UserWallet,
			Delta:      delta,
			Slot:       ev.Slot,
		},
		Audit: domain.TransactionRecord{
			Signature:        ev.Signature,
			Slot:             ev.Slot,
			BlockTime:        ev.BlockTime,
			Signer:           ev.UserWallet,
			Success:          true,
			InstructionCount: ixCount(ev.InstructionCount),
		},
	}, nil
}

// resolveReserves returns the post-trade virtual reserves: the event's
// snapshot when reported, else a constant-product adjustment of the current
// state (buys add SOL and remove tokens, sells the inverse).
func (d *Deriver) resolveReserves(ev *domain.TradeEvent, current *domain.Token) (vSol, vToken decimal.Decimal) {
	if ev.VirtualSolReserves != nil && ev.VirtualTokenReserves != nil {
		return *ev.VirtualSolReserves, *ev.VirtualTokenReserves
	}

	if current != nil {
		vSol, vToken = current.VirtualSolReserves, current.VirtualTokenReserves
	} else {
		vSol = decimal.NewFromInt(curve.DefaultVirtualSolReserves)
		vToken = decimal.NewFromInt(curve.DefaultVirtualTokenReserves)
	}

	if ev.IsBuy {
		vSol = vSol.Add(ev.SolAmount)
		vToken = vToken.Sub(ev.TokenAmount)
	} else {
		vSol = vSol.Sub(ev.SolAmount)
		vToken = vToken.Add(ev.TokenAmount)
	}
	if vSol.IsNegative() {
		vSol = decimal.Zero
	}
	if vToken.IsNegative() {
		vToken = decimal.Zero
	}
	return vSol, vToken
}

func resolveRealReserves(ev *domain.TradeEvent, current *domain.Token) decimal.Decimal {
	if ev.RealTokenReserves != nil {
		return *ev.RealTokenReserves
	}

	real := decimal.NewFromInt(curve.DefaultRealTokenReserves)
	if current != nil {
		real = current.RealTokenReserves
	}
	if ev.IsBuy {
		real = real.Sub(ev.TokenAmount)
	} else {
		real = real.Add(ev.TokenAmount)
	}
	if real.IsNegative() {
		real = decimal.Zero
	}
	return real
}

func ixCount(n int) *int32 {
	c := int32(n)
	return &c
}

func orDefault(v *decimal.Decimal, def int64) decimal.Decimal {
	if v != nil {
		return *v
	}
	return decimal.NewFromInt(def)
}
