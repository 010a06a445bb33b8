// Package parser extracts typed domain events from resolved bonding-curve
// transactions. Each transaction is scanned once: instruction names are
// recognized from the program's log lines, payload fields come from the
// borsh-encoded "Program data:" event logs when present, and from account
// balance diffs otherwise.
package parser

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"curve-indexer/internal/curve"
	"curve-indexer/internal/domain"
	"curve-indexer/internal/solana"
)

// Bonding-curve program constants.
const (
	// PumpProgramID is the pump.fun bonding-curve program.
	PumpProgramID = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	// WSOLMint is the wrapped-SOL mint.
	WSOLMint = "So11111111111111111111111111111111111111112"
)

// Log line prefixes emitted by the Solana runtime.
const (
	programLogPrefix     = "Program log: "
	programDataPrefix    = "Program data: "
	instructionLogPrefix = "Program log: Instruction: "
)

// Structural parse failures. Both are permanent: retrying cannot change a
// decode failure.
var (
	ErrMalformedCreateEvent = errors.New("malformed create event")
	ErrMalformedTradeEvent  = errors.New("malformed trade event")
)

// Options configures a Parser.
type Options struct {
	// ProgramID is the bonding-curve program to parse. Defaults to
	// PumpProgramID.
	ProgramID string
	// Logger defaults to log.Default().
	Logger *log.Logger
}

// Parser extracts domain events from one transaction per call.
type Parser struct {
	programID string
	logger    *log.Logger
}

// New creates a Parser.
func New(opts Options) *Parser {
	if opts.ProgramID == "" {
		opts.ProgramID = PumpProgramID
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Parser{programID: opts.ProgramID, logger: opts.Logger}
}

// instructionLogs is one invocation of the program reconstructed from the
// transaction's log messages.
type instructionLogs struct {
	name string   // "Create", "Buy" or "Sell"
	data []string // base64 payloads of "Program data:" lines
}

// Parse extracts the transaction's events in instruction order. A
// transaction with no relevant instructions yields an empty slice. Any
// malformed relevant instruction fails the whole transaction with
// ErrMalformedCreateEvent or ErrMalformedTradeEvent.
func (p *Parser) Parse(tx *solana.Transaction) ([]domain.Event, error) {
	if tx == nil || tx.Meta == nil {
		return nil, fmt.Errorf("transaction missing meta")
	}

	segments := p.segmentLogs(tx.Meta.LogMessages)

	var events []domain.Event
	for i, seg := range segments {
		switch seg.name {
		case domain.IxNameCreate:
			ev, err := p.parseCreate(tx, seg, i)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		case domain.IxNameBuy, domain.IxNameSell:
			ev, err := p.parseTrade(tx, seg, i, seg.name == domain.IxNameBuy)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
	}

	return events, nil
}

// segmentLogs reconstructs the program's invocations from the log stream.
// Invoke/success/failed lines maintain a program stack; instruction-name
// and data lines attach to the innermost invocation of the target program.
func (p *Parser) segmentLogs(logs []string) []instructionLogs {
	var (
		segments []instructionLogs
		stack    []string
	)

	inProgram := func() bool {
		return len(stack) > 0 && stack[len(stack)-1] == p.programID
	}

	for _, line := range logs {
		if prog, ok := parseInvokeLine(line); ok {
			stack = append(stack, prog)
			continue
		}
		if isReturnLine(line) {
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}
		if !inProgram() {
			continue
		}

		if name, ok := strings.CutPrefix(line, instructionLogPrefix); ok {
			switch name {
			case "Create":
				segments = append(segments, instructionLogs{name: domain.IxNameCreate})
			case "Buy":
				segments = append(segments, instructionLogs{name: domain.IxNameBuy})
			case "Sell":
				segments = append(segments, instructionLogs{name: domain.IxNameSell})
			}
			continue
		}
		if data, ok := strings.CutPrefix(line, programDataPrefix); ok && len(segments) > 0 {
			seg := &segments[len(segments)-1]
			seg.data = append(seg.data, data)
		}
	}

	return segments
}

// parseInvokeLine matches "Program <id> invoke [n]".
func parseInvokeLine(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "Program ")
	if !ok {
		return "", false
	}
	prog, rest, ok := strings.Cut(rest, " ")
	if !ok || !strings.HasPrefix(rest, "invoke [") {
		return "", false
	}
	return prog, true
}

// isReturnLine matches "Program <id> success" and "Program <id> failed: ...".
func isReturnLine(line string) bool {
	rest, ok := strings.CutPrefix(line, "Program ")
	if !ok {
		return false
	}
	_, rest, ok = strings.Cut(rest, " ")
	if !ok {
		return false
	}
	return rest == "success" || strings.HasPrefix(rest, "failed")
}

func (p *Parser) parseCreate(tx *solana.Transaction, seg instructionLogs, ixIndex int) (*domain.TokenCreatedEvent, error) {
	ev := &domain.TokenCreatedEvent{
		Signature:        tx.Signature,
		Slot:             tx.Slot,
		BlockTime:        time.Unix(tx.BlockTime, 0).UTC(),
		InstructionIndex: ixIndex,
		InstructionCount: instructionCount(tx),
	}

	for _, data := range seg.data {
		_, create, err := decodeEventData(data)
		if err != nil {
			p.logger.Printf("parse: undecodable event data in %s: %v", tx.Signature, err)
			continue
		}
		if create == nil {
			continue
		}

		ev.Mint = create.Mint.String()
		ev.Name = optString(create.Name)
		ev.Symbol = optString(create.Symbol)
		ev.URI = optString(create.URI)
		ev.BondingCurve = optPubkey(create.BondingCurve)
		if c := optPubkey(create.Creator); c != nil {
			ev.Creator = c
		} else {
			ev.Creator = optPubkey(create.User)
		}
		if create.TokenTotalSupply > 0 {
			ev.VirtualTokenReserves = uintDecimal(create.VirtualTokenReserves)
			ev.VirtualSolReserves = uintDecimal(create.VirtualSolReserves)
			ev.RealTokenReserves = uintDecimal(create.RealTokenReserves)
			ev.TokenTotalSupply = uintDecimal(create.TokenTotalSupply)
		}
		return ev, nil
	}

	// No event payload: fall back to the metadata log grammar plus
	// balance and account-key inspection.
	md := parseMetadataLogs(tx.Meta.LogMessages)
	ev.Name = md.Name
	ev.Symbol = md.Symbol
	ev.URI = md.URI
	ev.Mint = findTradedMint(tx.Meta)
	if ev.Mint == "" {
		return nil, fmt.Errorf("%w: no mint in %s", ErrMalformedCreateEvent, tx.Signature)
	}
	if tx.Message != nil {
		if signer := tx.Message.Signer(); signer != "" {
			ev.Creator = &signer
		}
		if bc := findBondingCurveAccount(tx.Message.AccountKeys); bc != "" {
			ev.BondingCurve = &bc
		}
	}

	return ev, nil
}

func (p *Parser) parseTrade(tx *solana.Transaction, seg instructionLogs, ixIndex int, isBuy bool) (*domain.TradeEvent, error) {
	ev := &domain.TradeEvent{
		IsBuy:            isBuy,
		Signature:        tx.Signature,
		Slot:             tx.Slot,
		BlockTime:        time.Unix(tx.BlockTime, 0).UTC(),
		InstructionIndex: ixIndex,
		InstructionCount: instructionCount(tx),
	}
	if tx.Message != nil {
		if bc := findBondingCurveAccount(tx.Message.AccountKeys); bc != "" {
			ev.BondingCurve = &bc
		}
	}

	for _, data := range seg.data {
		trade, _, err := decodeEventData(data)
		if err != nil {
			p.logger.Printf("parse: undecodable event data in %s: %v", tx.Signature, err)
			continue
		}
		if trade == nil {
			continue
		}
		if trade.IsBuy != isBuy {
			return nil, fmt.Errorf("%w: direction mismatch in %s", ErrMalformedTradeEvent, tx.Signature)
		}

		ev.Mint = trade.Mint.String()
		ev.UserWallet = trade.User.String()
		ev.SolAmount = decimal.NewFromUint64(trade.SolAmount)
		ev.TokenAmount = decimal.NewFromUint64(trade.TokenAmount)
		ev.VirtualSolReserves = uintDecimal(trade.VirtualSolReserves)
		ev.VirtualTokenReserves = uintDecimal(trade.VirtualTokenReserves)
		ev.RealTokenReserves = uintDecimal(trade.RealTokenReserves)
		return ev, nil
	}

	// No event payload: reconstruct amounts from balance diffs.
	if err := p.tradeFromBalances(tx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// tradeFromBalances fills the trade event from lamport and token balance
// diffs. The SOL amount is the curve account's lamport diff; the token
// amount is the user's token balance diff for the traded mint.
func (p *Parser) tradeFromBalances(tx *solana.Transaction, ev *domain.TradeEvent) error {
	if tx.Message == nil {
		return fmt.Errorf("%w: missing message in %s", ErrMalformedTradeEvent, tx.Signature)
	}

	ev.Mint = findTradedMint(tx.Meta)
	if ev.Mint == "" {
		return fmt.Errorf("%w: no mint in %s", ErrMalformedTradeEvent, tx.Signature)
	}

	ev.UserWallet = tx.Message.Signer()
	if ev.UserWallet == "" {
		return fmt.Errorf("%w: no signer in %s", ErrMalformedTradeEvent, tx.Signature)
	}

	tokenAmount, ok := tokenBalanceDiff(tx.Meta, ev.Mint, ev.UserWallet)
	if !ok {
		return fmt.Errorf("%w: no token balance diff in %s", ErrMalformedTradeEvent, tx.Signature)
	}
	ev.TokenAmount = tokenAmount

	if ev.BondingCurve == nil {
		return fmt.Errorf("%w: no bonding curve account in %s", ErrMalformedTradeEvent, tx.Signature)
	}
	curveAddr := *ev.BondingCurve

	solAmount, postLamports, ok := lamportDiff(tx, curveAddr)
	if !ok {
		return fmt.Errorf("%w: no lamport diff for curve account in %s", ErrMalformedTradeEvent, tx.Signature)
	}
	ev.SolAmount = solAmount

	// Resulting reserves: curve lamports plus the protocol's virtual SOL
	// offset, and the curve's post token balance. Left nil when the curve
	// token account is not in the balance set; the deriver then falls
	// back to a constant-product adjustment.
	vSol := postLamports.Add(decimal.NewFromInt(curve.VirtualSolOffsetLamports))
	ev.VirtualSolReserves = &vSol
	if vToken, ok := postTokenBalance(tx.Meta, ev.Mint, curveAddr); ok {
		ev.VirtualTokenReserves = &vToken
	} else {
		ev.VirtualSolReserves = nil
	}

	return nil
}

// instructionCount returns the number of top-level instructions.
func instructionCount(tx *solana.Transaction) int {
	if tx.Message == nil {
		return 0
	}
	return len(tx.Message.Instructions)
}

// findTradedMint returns the non-WSOL mint present in the transaction's
// token balances, or "".
func findTradedMint(meta *solana.TransactionMeta) string {
	for _, b := range meta.PostTokenBalances {
		if b.Mint != "" && b.Mint != WSOLMint {
			return b.Mint
		}
	}
	for _, b := range meta.PreTokenBalances {
		if b.Mint != "" && b.Mint != WSOLMint {
			return b.Mint
		}
	}
	return ""
}

// tokenBalanceDiff returns |post - pre| of the owner's balance for mint.
func tokenBalanceDiff(meta *solana.TransactionMeta, mint, owner string) (decimal.Decimal, bool) {
	pre, preOK := ownerTokenBalance(meta.PreTokenBalances, mint, owner)
	post, postOK := ownerTokenBalance(meta.PostTokenBalances, mint, owner)
	if !preOK && !postOK {
		return decimal.Zero, false
	}
	return post.Sub(pre).Abs(), true
}

// postTokenBalance returns the owner's post balance for mint.
func postTokenBalance(meta *solana.TransactionMeta, mint, owner string) (decimal.Decimal, bool) {
	return ownerTokenBalance(meta.PostTokenBalances, mint, owner)
}

func ownerTokenBalance(balances []solana.TokenBalance, mint, owner string) (decimal.Decimal, bool) {
	for _, b := range balances {
		if b.Mint != mint || b.Owner != owner {
			continue
		}
		amount, err := decimal.NewFromString(b.Amount)
		if err != nil {
			return decimal.Zero, false
		}
		return amount, true
	}
	return decimal.Zero, false
}

// lamportDiff returns |post - pre| lamports and the post balance for the
// given account key.
func lamportDiff(tx *solana.Transaction, pubkey string) (diff, post decimal.Decimal, ok bool) {
	idx := -1
	for i, k := range tx.Message.AccountKeys {
		if k.Pubkey == pubkey {
			idx = i
			break
		}
	}
	if idx < 0 || idx >= len(tx.Meta.PreBalances) || idx >= len(tx.Meta.PostBalances) {
		return decimal.Zero, decimal.Zero, false
	}
	pre := decimal.NewFromUint64(tx.Meta.PreBalances[idx])
	post = decimal.NewFromUint64(tx.Meta.PostBalances[idx])
	return post.Sub(pre).Abs(), post, true
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optPubkey(p pubkey) *string {
	if p == (pubkey{}) {
		return nil
	}
	s := p.String()
	return &s
}

func uintDecimal(u uint64) *decimal.Decimal {
	d := decimal.NewFromUint64(u)
	return &d
}
