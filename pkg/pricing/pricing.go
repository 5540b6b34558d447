// Package pricing looks up marketplace prices for watched items.
//
// A lookup is served from the market cache region when possible. Misses are
// deduplicated per item and fetched through the provider's request queue, so
// the scheduler and interactive reads share one throttled request stream.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/market-watch/pkg/cache"
	"github.com/Sternrassler/market-watch/pkg/client"
	"github.com/Sternrassler/market-watch/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when the marketplace reports no usable price.
var ErrPriceUnavailable = errors.New("price unavailable")

// Quote is a parsed marketplace price overview.
type Quote struct {
	ItemID    string          `json:"item_id"`
	Lowest    decimal.Decimal `json:"lowest"`
	Median    decimal.Decimal `json:"median"`
	Volume    int64           `json:"volume"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Price is the lowest listing, or the median sale when no listing exists.
func (q Quote) Price() (decimal.Decimal, bool) {
	if q.Lowest.IsPositive() {
		return q.Lowest, true
	}
	if q.Median.IsPositive() {
		return q.Median, true
	}
	return decimal.Zero, false
}

// overview is the provider's price overview payload.
type overview struct {
	Success     bool   `json:"success"`
	LowestPrice string `json:"lowest_price"`
	MedianPrice string `json:"median_price"`
	Volume      string `json:"volume"`
}

// Config holds the pricer configuration.
type Config struct {
	// Endpoint is the price overview path.
	Endpoint string

	// AppID selects the game whose items are priced.
	AppID string

	// Currency is the provider currency code (1 = USD).
	Currency int

	// TTL overrides the market region TTL. Zero means the region default.
	TTL time.Duration

	// Logger defaults to the global logger with component=pricing.
	Logger *zerolog.Logger
}

// DefaultConfig returns the price overview settings for USD prices.
func DefaultConfig() Config {
	return Config{
		Endpoint: "/market/priceoverview/",
		AppID:    "730",
		Currency: 1,
	}
}

// MarketPricer resolves item prices through cache, queue and client.
type MarketPricer struct {
	client *client.Client
	queue  *ratelimit.Queue
	cache  *cache.Populator
	cfg    Config
	logger zerolog.Logger
}

// NewMarketPricer creates a MarketPricer. All collaborators are required.
func NewMarketPricer(c *client.Client, q *ratelimit.Queue, p *cache.Populator, cfg Config) *MarketPricer {
	if c == nil || q == nil || p == nil {
		panic("pricing: client, queue and cache are required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultConfig().Endpoint
	}

	logger := log.With().Str("component", "pricing").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &MarketPricer{client: c, queue: q, cache: p, cfg: cfg, logger: logger}
}

// Key returns the cache key of itemID's price overview.
func (m *MarketPricer) Key(itemID string) string {
	return cache.Key{Endpoint: m.cfg.Endpoint, Params: m.params(itemID)}.String()
}

func (m *MarketPricer) params(itemID string) url.Values {
	return url.Values{
		"appid":            {m.cfg.AppID},
		"currency":         {strconv.Itoa(m.cfg.Currency)},
		"market_hash_name": {itemID},
	}
}

// Quote returns the price overview of itemID.
func (m *MarketPricer) Quote(ctx context.Context, itemID string) (Quote, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return Quote{}, fmt.Errorf("item id is required")
	}

	return cache.GetOrSetDeduped(ctx, m.cache, cache.RegionMarket, m.Key(itemID), m.cfg.TTL,
		func(ctx context.Context) (Quote, error) {
			return ratelimit.Do(ctx, m.queue, func(ctx context.Context) (Quote, error) {
				return m.fetch(ctx, itemID)
			})
		})
}

// LookupPrice returns the current price of itemID.
func (m *MarketPricer) LookupPrice(ctx context.Context, itemID string) (decimal.Decimal, error) {
	q, err := m.Quote(ctx, itemID)
	if err != nil {
		return decimal.Zero, err
	}
	price, ok := q.Price()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, itemID)
	}
	return price, nil
}

func (m *MarketPricer) fetch(ctx context.Context, itemID string) (Quote, error) {
	ov, err := client.GetJSON[overview](ctx, m.client, m.cfg.Endpoint, m.params(itemID))
	if err != nil {
		return Quote{}, err
	}
	if !ov.Success {
		return Quote{}, fmt.Errorf("%w: %s: provider reported failure", ErrPriceUnavailable, itemID)
	}

	q := Quote{ItemID: itemID, FetchedAt: time.Now().UTC()}

	if ov.LowestPrice != "" {
		if q.Lowest, err = ParseCurrency(ov.LowestPrice); err != nil {
			m.logger.Warn().Err(err).Str("item_id", itemID).Msg("Unparseable lowest price")
		}
	}
	if ov.MedianPrice != "" {
		if q.Median, err = ParseCurrency(ov.MedianPrice); err != nil {
			m.logger.Warn().Err(err).Str("item_id", itemID).Msg("Unparseable median price")
		}
	}
	if _, ok := q.Price(); !ok {
		return Quote{}, fmt.Errorf("%w: %s: no listing or sale price", ErrPriceUnavailable, itemID)
	}
	if ov.Volume != "" {
		if v, err := strconv.ParseInt(strings.NewReplacer(",", "", ".", "", " ", "").Replace(ov.Volume), 10, 64); err == nil {
			q.Volume = v
		}
	}

	m.logger.Debug().
		Str("item_id", itemID).
		Str("lowest", q.Lowest.String()).
		Str("median", q.Median.String()).
		Msg("Fetched price overview")
	return q, nil
}

// ParseCurrency parses a formatted price such as "$1,234.56", "1,23€" or
// "USD 3.10".
//
// When both separators occur, the last one is the decimal separator. A lone
// separator followed by exactly three digits is read as a thousands
// separator.
func ParseCurrency(s string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	num := strings.Trim(b.String(), ".,")
	if num == "" {
		return decimal.Zero, fmt.Errorf("no number in %q", s)
	}

	lastDot := strings.LastIndex(num, ".")
	lastComma := strings.LastIndex(num, ",")

	var decimalSep byte
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			decimalSep = '.'
		} else {
			decimalSep = ','
		}
	case lastDot >= 0:
		decimalSep = loneSeparator(num, '.')
	case lastComma >= 0:
		decimalSep = loneSeparator(num, ',')
	}

	var out strings.Builder
	for i := 0; i < len(num); i++ {
		c := num[i]
		switch {
		case c >= '0' && c <= '9':
			out.WriteByte(c)
		case c == decimalSep:
			out.WriteByte('.')
		}
	}

	d, err := decimal.NewFromString(out.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", s, err)
	}
	return d, nil
}

// loneSeparator decides whether sep, the only separator kind in num, marks
// decimals. It returns 0 when sep groups thousands.
func loneSeparator(num string, sep byte) byte {
	if strings.Count(num, string(sep)) > 1 {
		return 0
	}
	if len(num)-strings.LastIndexByte(num, sep)-1 == 3 {
		return 0
	}
	return sep
}
