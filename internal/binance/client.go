package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"orderflow-mcp/internal/market"
)

// cacheTTL is how long point-in-time REST responses (ticker, premium index,
// open interest) are served from memory before refetching.
const cacheTTL = 3 * time.Second

type cacheEntry struct {
	value   interface{}
	expires time.Time
}

// Client is a weight-limited REST client for the futures API. Concurrent
// fetches of the same cached resource coalesce through a singleflight
// group.
type Client struct {
	http    *http.Client
	baseURL string
	sem     chan struct{}
	limiter *weightLimiter
	group   singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewClient creates a client for baseURL with the given weight budget per
// minute.
func NewClient(baseURL string, weightPerMinute int) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		sem:     make(chan struct{}, 16),
		limiter: newWeightLimiter(weightPerMinute),
		cache:   make(map[string]cacheEntry),
	}
}

// getJSON fetches path?query and decodes the response into dst, honoring
// the weight limiter and a 429 Retry-After.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, weight int, dst interface{}) error {
	if err := c.limiter.Acquire(ctx, weight); err != nil {
		return err
	}
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "orderflow-mcp/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if used, err := strconv.Atoi(resp.Header.Get("X-MBX-USED-WEIGHT-1M")); err == nil {
		c.limiter.Observe(used)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := 5 * time.Second
		if ra, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && ra > 0 {
			wait = time.Duration(ra) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		return fmt.Errorf("rate limited on %s, retry after %s", path, wait)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: HTTP %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// cached serves key from the short-TTL cache, coalescing concurrent misses.
func (c *Client) cached(key string, fetch func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	if e, ok := c.cache[key]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		v, err := fetch()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[key] = cacheEntry{value: v, expires: time.Now().Add(cacheTTL)}
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

// snapshotWeight mirrors the exchange's depth weight table.
func snapshotWeight(limit int) int {
	switch {
	case limit <= 50:
		return 2
	case limit <= 100:
		return 5
	case limit <= 500:
		return 10
	default:
		return 20
	}
}

// DepthSnapshot fetches a REST depth snapshot. Implements the book
// manager's fetcher.
func (c *Client) DepthSnapshot(ctx context.Context, symbol string, limit int) (*market.DepthSnapshot, error) {
	q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	var raw restDepth
	if err := c.getJSON(ctx, "/fapi/v1/depth", q, snapshotWeight(limit), &raw); err != nil {
		return nil, fmt.Errorf("depth snapshot %s: %w", symbol, err)
	}
	bids, err := parseLevels(raw.Bids)
	if err != nil {
		return nil, fmt.Errorf("depth snapshot %s bids: %w", symbol, err)
	}
	asks, err := parseLevels(raw.Asks)
	if err != nil {
		return nil, fmt.Errorf("depth snapshot %s asks: %w", symbol, err)
	}
	return &market.DepthSnapshot{LastUpdateID: raw.LastUpdateID, Bids: bids, Asks: asks}, nil
}

// AggTrades fetches historical aggregated trades, used to warm the current
// day's indicators at startup.
func (c *Client) AggTrades(ctx context.Context, symbol string, startTime, endTime int64, limit int) ([]market.Trade, error) {
	q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	if startTime > 0 {
		q.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		q.Set("endTime", strconv.FormatInt(endTime, 10))
	}
	var raw []restAggTrade
	if err := c.getJSON(ctx, "/fapi/v1/aggTrades", q, 20, &raw); err != nil {
		return nil, fmt.Errorf("aggTrades %s: %w", symbol, err)
	}
	out := make([]market.Trade, 0, len(raw))
	for _, r := range raw {
		price, err := pd(r.Price)
		if err != nil {
			return nil, err
		}
		qty, err := pd(r.Quantity)
		if err != nil {
			return nil, err
		}
		out = append(out, market.Trade{
			AggID: r.AggID, Symbol: symbol,
			Price: price, Quantity: qty,
			Timestamp: r.Timestamp, BuyerIsMaker: r.BuyerIsMaker,
		})
	}
	return out, nil
}

// Ticker24h fetches the 24h rolling ticker, cached for a few seconds.
func (c *Client) Ticker24h(ctx context.Context, symbol string) (Ticker24h, error) {
	v, err := c.cached("ticker:"+symbol, func() (interface{}, error) {
		var raw restTicker
		q := url.Values{"symbol": {symbol}}
		if err := c.getJSON(ctx, "/fapi/v1/ticker/24hr", q, 1, &raw); err != nil {
			return nil, fmt.Errorf("ticker %s: %w", symbol, err)
		}
		return raw.parse()
	})
	if err != nil {
		return Ticker24h{}, err
	}
	return v.(Ticker24h), nil
}

// PremiumIndex fetches mark/index price and the current funding rate,
// cached for a few seconds.
func (c *Client) PremiumIndex(ctx context.Context, symbol string) (market.MarkPrice, error) {
	v, err := c.cached("premium:"+symbol, func() (interface{}, error) {
		var raw restPremiumIndex
		q := url.Values{"symbol": {symbol}}
		if err := c.getJSON(ctx, "/fapi/v1/premiumIndex", q, 1, &raw); err != nil {
			return nil, fmt.Errorf("premiumIndex %s: %w", symbol, err)
		}
		mark, err := pd(raw.MarkPrice)
		if err != nil {
			return nil, err
		}
		index, err := pd(raw.IndexPrice)
		if err != nil {
			return nil, err
		}
		funding, err := pd(raw.LastFundingRate)
		if err != nil {
			return nil, err
		}
		return market.MarkPrice{
			Symbol: symbol, MarkPrice: mark, IndexPrice: index,
			FundingRate: funding, NextFundingTime: raw.NextFundingTime, EventTime: raw.Time,
		}, nil
	})
	if err != nil {
		return market.MarkPrice{}, err
	}
	return v.(market.MarkPrice), nil
}

// OpenInterest fetches the current open interest, cached for a few seconds.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, int64, error) {
	type oiResult struct {
		oi decimal.Decimal
		at int64
	}
	v, err := c.cached("oi:"+symbol, func() (interface{}, error) {
		var raw restOpenInterest
		q := url.Values{"symbol": {symbol}}
		if err := c.getJSON(ctx, "/fapi/v1/openInterest", q, 1, &raw); err != nil {
			return nil, fmt.Errorf("openInterest %s: %w", symbol, err)
		}
		oi, err := pd(raw.OpenInterest)
		if err != nil {
			return nil, err
		}
		return oiResult{oi: oi, at: raw.Time}, nil
	})
	if err != nil {
		return decimal.Zero, 0, err
	}
	r := v.(oiResult)
	return r.oi, r.at, nil
}

// OpenInterestHist fetches open-interest history for a period like "5m" or
// "1h".
func (c *Client) OpenInterestHist(ctx context.Context, symbol, period string, limit int) ([]OpenInterestPoint, error) {
	q := url.Values{"symbol": {symbol}, "period": {period}, "limit": {strconv.Itoa(limit)}}
	var raw []restOIHist
	if err := c.getJSON(ctx, "/futures/data/openInterestHist", q, 1, &raw); err != nil {
		return nil, fmt.Errorf("openInterestHist %s: %w", symbol, err)
	}
	out := make([]OpenInterestPoint, 0, len(raw))
	for _, r := range raw {
		oi, err := pd(r.SumOpenInterest)
		if err != nil {
			return nil, err
		}
		val, err := pd(r.SumOpenInterestValue)
		if err != nil {
			return nil, err
		}
		out = append(out, OpenInterestPoint{OpenInterest: oi, OpenInterestValue: val, Timestamp: r.Timestamp})
	}
	return out, nil
}

// FundingRateHistory fetches recent funding rate settlements.
func (c *Client) FundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingRatePoint, error) {
	q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	var raw []restFundingRate
	if err := c.getJSON(ctx, "/fapi/v1/fundingRate", q, 1, &raw); err != nil {
		return nil, fmt.Errorf("fundingRate %s: %w", symbol, err)
	}
	out := make([]FundingRatePoint, 0, len(raw))
	for _, r := range raw {
		rate, err := pd(r.FundingRate)
		if err != nil {
			return nil, err
		}
		out = append(out, FundingRatePoint{FundingRate: rate, FundingTime: r.FundingTime})
	}
	return out, nil
}
