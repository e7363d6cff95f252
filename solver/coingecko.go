package solver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CoinGeckoPriceSource resolves USD prices from CoinGecko's simple-price
// endpoint, the same API the example solver_monitor's GetCoingeckoPrices
// uses. CoinGecko publishes a single spot price rather than a bid/ask
// spread, so Bid and Ask are both set to that spot price: the solver's
// own configured SpreadBps (solver.PricingConfig) is what actually widens
// the quote, not this price source.
type CoinGeckoPriceSource struct {
	client  *http.Client
	ids     map[string]string // symbol (lowercased) -> CoinGecko coin id
	vsQuote string            // CoinGecko "vs_currency", e.g. "usd"
	baseURL string            // overridable in tests
}

func NewCoinGeckoPriceSource(ids map[string]string, vsQuote string) *CoinGeckoPriceSource {
	return &CoinGeckoPriceSource{
		client:  &http.Client{Timeout: 5 * time.Second},
		ids:     ids,
		vsQuote: vsQuote,
		baseURL: "https://api.coingecko.com",
	}
}

// Price resolves base/vsQuote. quoteSym must equal the configured vsQuote;
// direction is never inverted since CoinGecko always quotes in vsQuote.
func (c *CoinGeckoPriceSource) Price(base, quoteSym string) (PricePoint, bool, error) {
	if !strings.EqualFold(quoteSym, c.vsQuote) {
		return PricePoint{}, false, fmt.Errorf("coingecko price source: unsupported quote currency %q", quoteSym)
	}
	id, ok := c.ids[strings.ToLower(base)]
	if !ok {
		return PricePoint{}, false, fmt.Errorf("coingecko price source: unsupported base symbol %q", base)
	}

	url := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=%s", c.baseURL, id, strings.ToLower(c.vsQuote))
	resp, err := c.client.Get(url)
	if err != nil {
		return PricePoint{}, false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PricePoint{}, false, err
	}

	var parsed map[string]map[string]float64
	if err := json.Unmarshal(body, &parsed); err != nil {
		return PricePoint{}, false, err
	}
	price, ok := parsed[id][strings.ToLower(c.vsQuote)]
	if !ok {
		return PricePoint{}, false, fmt.Errorf("coingecko price source: no price for %s/%s", base, c.vsQuote)
	}

	spot := decimal.NewFromFloat(price)
	return PricePoint{Bid: spot, Ask: spot}, false, nil
}
