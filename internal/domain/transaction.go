package domain

import "time"

// TransactionRecord is one write-once audit row per (BlockTime, Signature).
// It exists for replay and inspection only; the derivation path never reads it.
type TransactionRecord struct {
	Signature        string
	Slot             int64
	BlockTime        time.Time
	Signer           string
	Success          bool
	InstructionCount *int32
	CreatedAt        *time.Time
}
