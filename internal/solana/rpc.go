// Package solana provides thin clients for the Solana JSON-RPC HTTP and
// WebSocket endpoints, limited to what the pipeline consumes.
package solana

import "context"

// RPCClient defines the Solana RPC HTTP interface.
type RPCClient interface {
	// GetTransaction retrieves a confirmed transaction by signature with
	// jsonParsed encoding. Returns (nil, nil) when the transaction is not
	// found (not yet indexed or pruned).
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)
}

// Transaction is a resolved Solana transaction.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds); 0 when not reported
	Meta      *TransactionMeta
	Message   *TransactionMessage
}

// TransactionMeta contains execution metadata.
type TransactionMeta struct {
	Err               interface{}
	LogMessages       []string
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// Succeeded reports whether the transaction executed without error.
func (m *TransactionMeta) Succeeded() bool {
	return m != nil && m.Err == nil
}

// TokenBalance is one SPL token account balance entry.
type TokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	// Amount is the raw base-unit amount as a decimal string.
	Amount string
}

// TransactionMessage is the parsed message body.
type TransactionMessage struct {
	AccountKeys  []AccountKey
	Instructions []Instruction
}

// AccountKey is one account referenced by the transaction.
type AccountKey struct {
	Pubkey   string
	Signer   bool
	Writable bool
}

// Instruction is one top-level instruction. Data is base58-encoded for
// programs the RPC node cannot parse.
type Instruction struct {
	ProgramID string
	Accounts  []string
	Data      string
}

// Signer returns the first signer's pubkey, or "".
func (m *TransactionMessage) Signer() string {
	for _, k := range m.AccountKeys {
		if k.Signer {
			return k.Pubkey
		}
	}
	return ""
}
