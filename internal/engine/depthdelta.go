package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/book"
)

// maxDepthSamples bounds the per-symbol snapshot and delta rings.
const maxDepthSamples = 1000

// DepthDelta is the componentwise change between two consecutive sampled
// depth snapshots.
type DepthDelta struct {
	Timestamp      int64
	BidDelta       decimal.Decimal
	AskDelta       decimal.Decimal
	NetDelta       decimal.Decimal
	MidPriceChange decimal.Decimal
}

// DepthSummary aggregates recent deltas for one symbol.
type DepthSummary struct {
	SampleCount   int
	TimeRangeMs   int64
	TotalBidDelta decimal.Decimal
	TotalAskDelta decimal.Decimal
	TotalNetDelta decimal.Decimal
	AvgNetDelta   decimal.Decimal
	PositiveNet   int
	NegativeNet   int
	Current       *book.DepthStats
	Trend         string // "bullish", "bearish" or "neutral"
}

type depthRing struct {
	snapshots []book.DepthStats
	deltas    []DepthDelta
}

// DepthSampler periodically samples depthWithin(percent) from every synced
// book and keeps bounded rings of snapshots and deltas. Reads always return
// the last sampled state, never a fresh computation, so the current value
// and the history tail agree.
type DepthSampler struct {
	books    *book.Manager
	percent  float64
	interval time.Duration

	mu     sync.RWMutex
	states map[string]*depthRing
}

// NewDepthSampler creates a sampler over the managed books.
func NewDepthSampler(books *book.Manager, percent float64, interval time.Duration) *DepthSampler {
	return &DepthSampler{
		books:    books,
		percent:  percent,
		interval: interval,
		states:   make(map[string]*depthRing),
	}
}

// Run samples on the configured interval until ctx is cancelled.
func (s *DepthSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleOnce()
		}
	}
}

// SampleOnce takes one sample per synced book. Unsynced books are skipped;
// the rings keep their last values.
func (s *DepthSampler) SampleOnce() {
	for _, symbol := range s.books.Symbols() {
		stats, err := s.books.Get(symbol).DepthWithin(s.percent)
		if err != nil {
			continue
		}
		s.push(symbol, stats)
	}
}

func (s *DepthSampler) push(symbol string, stats book.DepthStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[symbol]
	if !ok {
		st = &depthRing{}
		s.states[symbol] = st
	}
	if n := len(st.snapshots); n > 0 {
		prev := st.snapshots[n-1]
		st.deltas = append(st.deltas, DepthDelta{
			Timestamp:      stats.Timestamp,
			BidDelta:       stats.BidVolume.Sub(prev.BidVolume),
			AskDelta:       stats.AskVolume.Sub(prev.AskVolume),
			NetDelta:       stats.NetVolume.Sub(prev.NetVolume),
			MidPriceChange: stats.MidPrice.Sub(prev.MidPrice),
		})
		if len(st.deltas) > maxDepthSamples {
			st.deltas = st.deltas[len(st.deltas)-maxDepthSamples:]
		}
	}
	st.snapshots = append(st.snapshots, stats)
	if len(st.snapshots) > maxDepthSamples {
		st.snapshots = st.snapshots[len(st.snapshots)-maxDepthSamples:]
	}
}

// Percent returns the configured sampling band.
func (s *DepthSampler) Percent() float64 { return s.percent }

// Current returns the most recently sampled snapshot for symbol.
func (s *DepthSampler) Current(symbol string) (book.DepthStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[symbol]
	if !ok || len(st.snapshots) == 0 {
		return book.DepthStats{}, false
	}
	return st.snapshots[len(st.snapshots)-1], true
}

// Snapshots returns the last lookback sampled snapshots, oldest first.
func (s *DepthSampler) Snapshots(symbol string, lookback int) []book.DepthStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[symbol]
	if !ok {
		return nil
	}
	return tail(st.snapshots, lookback)
}

// Deltas returns the last lookback deltas, oldest first.
func (s *DepthSampler) Deltas(symbol string, lookback int) []DepthDelta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[symbol]
	if !ok {
		return nil
	}
	return tail(st.deltas, lookback)
}

func tail[T any](ring []T, n int) []T {
	if n > 0 && len(ring) > n {
		ring = ring[len(ring)-n:]
	}
	out := make([]T, len(ring))
	copy(out, ring)
	return out
}

// Summary aggregates the last lookback deltas. With no deltas the trend is
// "neutral" and the counters are zero.
func (s *DepthSampler) Summary(symbol string, lookback int) DepthSummary {
	deltas := s.Deltas(symbol, lookback)
	sum := DepthSummary{SampleCount: len(deltas), Trend: "neutral"}

	if cur, ok := s.Current(symbol); ok {
		sum.Current = &cur
	}
	if len(deltas) == 0 {
		return sum
	}
	for _, d := range deltas {
		sum.TotalBidDelta = sum.TotalBidDelta.Add(d.BidDelta)
		sum.TotalAskDelta = sum.TotalAskDelta.Add(d.AskDelta)
		sum.TotalNetDelta = sum.TotalNetDelta.Add(d.NetDelta)
		switch d.NetDelta.Sign() {
		case 1:
			sum.PositiveNet++
		case -1:
			sum.NegativeNet++
		}
	}
	sum.TimeRangeMs = deltas[len(deltas)-1].Timestamp - deltas[0].Timestamp
	sum.AvgNetDelta = sum.TotalNetDelta.Div(decimal.NewFromInt(int64(len(deltas))))
	switch sum.TotalNetDelta.Sign() {
	case 1:
		sum.Trend = "bullish"
	case -1:
		sum.Trend = "bearish"
	}
	return sum
}
