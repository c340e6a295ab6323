package rates

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
)

// Client converts fiat amounts into a mint unit. Implementations must
// be safe for concurrent use.
type Client interface {
	// Convert returns the amount in the mint unit together with the
	// exchange rate that was applied (mint units per one unit of
	// currency).
	Convert(ctx context.Context, amount float64, currency, unit string) (int64, float64, error)
}

// Provider returns the price of one bitcoin in the given currency.
type Provider interface {
	BtcPrice(ctx context.Context, currency string) (float64, error)
}

// FallbackClient asks the primary provider first and falls back to
// the secondary when the primary fails.
type FallbackClient struct {
	Primary   Provider
	Secondary Provider
}

var _ Client = (*FallbackClient)(nil)

func NewFallbackClient(timeout time.Duration) *FallbackClient {
	httpClient := &http.Client{Timeout: timeout}
	return &FallbackClient{
		Primary:   &CoingeckoProvider{HTTPClient: httpClient},
		Secondary: &CoinbaseProvider{HTTPClient: httpClient},
	}
}

func (c *FallbackClient) Convert(ctx context.Context, amount float64, currency, unit string) (int64, float64, error) {
	currency = strings.ToUpper(currency)
	if unit != "sat" && unit != "msat" {
		return 0, 0, fmt.Errorf("unsupported mint unit %q", unit)
	}
	unitsPerBtc := float64(100_000_000)
	if unit == "msat" {
		unitsPerBtc = 100_000_000_000
	}

	// sat-denominated requests need no rate lookup
	if currency == "SAT" {
		converted := int64(math.Round(amount))
		if unit == "msat" {
			converted *= 1000
		}
		return converted, 1, nil
	}
	if currency == "BTC" {
		return int64(math.Round(amount * unitsPerBtc)), unitsPerBtc, nil
	}

	price, err := c.Primary.BtcPrice(ctx, currency)
	if err != nil {
		price, err = c.Secondary.BtcPrice(ctx, currency)
		if err != nil {
			return 0, 0, fmt.Errorf("all rate providers failed: %w", err)
		}
	}
	if price <= 0 {
		return 0, 0, fmt.Errorf("invalid %s price: %f", currency, price)
	}

	rate := unitsPerBtc / price
	return int64(math.Round(amount * rate)), rate, nil
}
