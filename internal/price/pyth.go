package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHermesEndpoint is the public Pyth Hermes API.
const DefaultHermesEndpoint = "https://hermes.pyth.network"

// SOLUSDFeedID is the Pyth price-feed identifier for SOL/USD.
const SOLUSDFeedID = "0xef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"

// PythFetcher implements Fetcher against the Pyth Hermes HTTP API.
type PythFetcher struct {
	endpoint string
	feedIDs  map[string]string
	client   *http.Client
}

// PythOption configures PythFetcher.
type PythOption func(*PythFetcher)

// WithEndpoint overrides the Hermes endpoint.
func WithEndpoint(endpoint string) PythOption {
	return func(f *PythFetcher) {
		f.endpoint = endpoint
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) PythOption {
	return func(f *PythFetcher) {
		f.client = client
	}
}

// NewPythFetcher creates a Hermes price fetcher for the SOL/USD feed.
func NewPythFetcher(opts ...PythOption) *PythFetcher {
	f := &PythFetcher{
		endpoint: DefaultHermesEndpoint,
		feedIDs:  map[string]string{PairSOLUSD: SOLUSDFeedID},
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// hermesResponse is the subset of the Hermes latest-price payload we read.
type hermesResponse struct {
	Parsed []struct {
		Price struct {
			Price string `json:"price"`
			Expo  int32  `json:"expo"`
		} `json:"price"`
	} `json:"parsed"`
}

// FetchSpotPrice retrieves the latest quote for the pair from Hermes.
// The feed reports a scaled integer and an exponent; the decimal value is
// price * 10^expo.
func (f *PythFetcher) FetchSpotPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	feedID, ok := f.feedIDs[pair]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("unknown pair %q", pair)
	}

	u := fmt.Sprintf("%s/v2/updates/price/latest?ids[]=%s", f.endpoint, url.QueryEscape(feedID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("hermes request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("read hermes response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("hermes status %d: %s", resp.StatusCode, string(body))
	}

	var parsed hermesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return decimal.Decimal{}, fmt.Errorf("unmarshal hermes response: %w", err)
	}
	if len(parsed.Parsed) == 0 {
		return decimal.Decimal{}, fmt.Errorf("hermes response has no price for %s", pair)
	}

	p := parsed.Parsed[0].Price
	mantissa, err := decimal.NewFromString(p.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse hermes price %q: %w", p.Price, err)
	}
	return mantissa.Shift(p.Expo), nil
}
