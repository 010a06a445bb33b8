package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"
)

// Anchor event discriminators: sha256("event:<Name>")[:8].
var (
	createEventDiscriminator = []byte{27, 114, 169, 77, 222, 235, 99, 118}
	tradeEventDiscriminator  = []byte{189, 219, 127, 211, 78, 230, 97, 238}
)

// pubkey is a raw ed25519 public key as it appears in borsh payloads.
type pubkey [32]byte

func (p pubkey) String() string {
	return base58.Encode(p[:])
}

// tradeEventPayload is the borsh layout of the program's TradeEvent,
// following the 8-byte event discriminator.
type tradeEventPayload struct {
	Mint                 pubkey
	SolAmount            uint64
	TokenAmount          uint64
	IsBuy                bool
	User                 pubkey
	Timestamp            int64
	VirtualSolReserves   uint64
	VirtualTokenReserves uint64
	RealSolReserves      uint64
	RealTokenReserves    uint64
}

// createEventPayload is the full borsh layout of the program's CreateEvent.
type createEventPayload struct {
	Name                 string
	Symbol               string
	URI                  string
	Mint                 pubkey
	BondingCurve         pubkey
	User                 pubkey
	Creator              pubkey
	Timestamp            int64
	VirtualTokenReserves uint64
	VirtualSolReserves   uint64
	RealTokenReserves    uint64
	TokenTotalSupply     uint64
}

// createEventCore is the pre-extension CreateEvent layout. Older
// transactions emit payloads that end at User.
type createEventCore struct {
	Name         string
	Symbol       string
	URI          string
	Mint         pubkey
	BondingCurve pubkey
	User         pubkey
}

// decodeEventData decodes one "Program data:" log payload. Returns
// (nil, nil, nil) when the discriminator is not a recognized event.
func decodeEventData(encoded string) (*tradeEventPayload, *createEventPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("decode event data: %w", err)
	}
	if len(raw) < 8 {
		return nil, nil, fmt.Errorf("event data too short: %d bytes", len(raw))
	}

	disc, payload := raw[:8], raw[8:]

	switch {
	case bytes.Equal(disc, tradeEventDiscriminator):
		var ev tradeEventPayload
		if err := borsh.Deserialize(&ev, payload); err != nil {
			return nil, nil, fmt.Errorf("deserialize trade event: %w", err)
		}
		return &ev, nil, nil

	case bytes.Equal(disc, createEventDiscriminator):
		var ev createEventPayload
		if err := borsh.Deserialize(&ev, payload); err == nil {
			return nil, &ev, nil
		}
		// Fall back to the shorter pre-extension layout.
		var core createEventCore
		if err := borsh.Deserialize(&core, payload); err != nil {
			return nil, nil, fmt.Errorf("deserialize create event: %w", err)
		}
		return nil, &createEventPayload{
			Name:         core.Name,
			Symbol:       core.Symbol,
			URI:          core.URI,
			Mint:         core.Mint,
			BondingCurve: core.BondingCurve,
			User:         core.User,
		}, nil

	default:
		return nil, nil, nil
	}
}
