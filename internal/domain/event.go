package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind tags the closed set of events the parser produces.
type EventKind string

// Event kinds.
const (
	EventKindTokenCreated EventKind = "token_created"
	EventKindTrade        EventKind = "trade"
)

// Event is a typed event extracted from one transaction. The set of
// implementations is closed: TokenCreatedEvent and TradeEvent.
type Event interface {
	// Kind returns the event's variant tag.
	Kind() EventKind
	// EventSignature returns the signature of the originating transaction.
	EventSignature() string
}

// TokenCreatedEvent is emitted for a bonding-curve token creation
// instruction. Mint is always present; the remaining metadata is optional
// and left nil when the transaction does not carry it.
type TokenCreatedEvent struct {
	Mint         string
	Name         *string
	Symbol       *string
	URI          *string
	BondingCurve *string
	Creator      *string

	// Initial reserves/supply from the creation payload; nil when the
	// payload omits them, in which case protocol defaults apply.
	VirtualTokenReserves *decimal.Decimal
	VirtualSolReserves   *decimal.Decimal
	RealTokenReserves    *decimal.Decimal
	TokenTotalSupply     *decimal.Decimal

	Signature        string
	Slot             int64
	BlockTime        time.Time
	InstructionIndex int
	// InstructionCount is the number of top-level instructions in the
	// originating transaction.
	InstructionCount int
}

// Kind implements Event.
func (e *TokenCreatedEvent) Kind() EventKind { return EventKindTokenCreated }

// EventSignature implements Event.
func (e *TokenCreatedEvent) EventSignature() string { return e.Signature }

// TradeEvent is emitted for a buy or sell instruction. Amounts are in
// native minor units. The reserve snapshot is present when the transaction
// reported the resulting reserves; when nil the deriver falls back to a
// constant-product adjustment.
type TradeEvent struct {
	Mint        string
	UserWallet  string
	SolAmount   decimal.Decimal
	TokenAmount decimal.Decimal
	IsBuy       bool

	VirtualSolReserves   *decimal.Decimal
	VirtualTokenReserves *decimal.Decimal
	RealTokenReserves    *decimal.Decimal

	// BondingCurve is the curve account observed in the transaction, used
	// to backfill token metadata on trades for unseen mints.
	BondingCurve *string

	Signature        string
	Slot             int64
	BlockTime        time.Time
	InstructionIndex int
	InstructionCount int
}

// Kind implements Event.
func (e *TradeEvent) Kind() EventKind { return EventKindTrade }

// EventSignature implements Event.
func (e *TradeEvent) EventSignature() string { return e.Signature }

// IxName returns the instruction name for the trade direction.
func (e *TradeEvent) IxName() string {
	if e.IsBuy {
		return IxNameBuy
	}
	return IxNameSell
}
