package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

type CoingeckoProvider struct {
	HTTPClient *http.Client
}

func (p *CoingeckoProvider) BtcPrice(ctx context.Context, currency string) (float64, error) {
	url := fmt.Sprintf("https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=%s", strings.ToLower(currency))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coingecko returned status %d", resp.StatusCode)
	}

	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	price, ok := body["bitcoin"][strings.ToLower(currency)]
	if !ok {
		return 0, fmt.Errorf("coingecko has no bitcoin price for %s", currency)
	}
	return price, nil
}

type CoinbaseProvider struct {
	HTTPClient *http.Client
}

func (p *CoinbaseProvider) BtcPrice(ctx context.Context, currency string) (float64, error) {
	url := fmt.Sprintf("https://api.coinbase.com/v2/prices/BTC-%s/spot", strings.ToUpper(currency))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coinbase returned status %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(body.Data.Amount, 64)
}
