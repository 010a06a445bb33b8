package parser

import (
	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"

	"curve-indexer/internal/solana"
)

// Accounts that can never be a bonding-curve account.
var wellKnownAddresses = map[string]struct{}{
	"11111111111111111111111111111111":             {}, // System Program
	"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA":  {}, // SPL Token
	"ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL": {}, // Associated Token
	"ComputeBudget111111111111111111111111111111":  {}, // Compute Budget
	"SysvarRent111111111111111111111111111111111":  {}, // Rent sysvar
	WSOLMint:      {},
	PumpProgramID: {},
}

// validAddress reports whether s decodes to a 32-byte ed25519 key.
func validAddress(s string) bool {
	b, err := base58.Decode(s)
	return err == nil && len(b) == 32
}

// offCurve reports whether the address is not a valid curve point.
// Program-derived addresses are off-curve by construction; user wallets
// and mints are on-curve.
func offCurve(s string) bool {
	b, err := base58.Decode(s)
	if err != nil || len(b) != 32 {
		return false
	}
	_, err = new(edwards25519.Point).SetBytes(b)
	return err != nil
}

// findBondingCurveAccount locates the curve account among the transaction's
// account keys: a writable non-signer PDA in positions 3..7 that is not a
// well-known address. Returns "" when no candidate matches.
func findBondingCurveAccount(keys []solana.AccountKey) string {
	for i := 3; i <= 7 && i < len(keys); i++ {
		k := keys[i]
		if k.Signer || !k.Writable {
			continue
		}
		if _, known := wellKnownAddresses[k.Pubkey]; known {
			continue
		}
		if !validAddress(k.Pubkey) || !offCurve(k.Pubkey) {
			continue
		}
		return k.Pubkey
	}
	return ""
}
