// Package book maintains per-symbol L2 order books synchronized from a REST
// snapshot plus a continuous diff stream, with strict sequence validation.
package book

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

var (
	// ErrNotSynced is returned by queries while the book is bootstrapping.
	ErrNotSynced = errors.New("orderbook not synced")
	// ErrGap signals a broken diff sequence; the book must re-bootstrap.
	ErrGap = errors.New("orderbook sequence gap")
)

// maxPending bounds the buffered-diff queue during bootstrap.
const maxPending = 4096

func ascending(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

func descending(a, b interface{}) int {
	return b.(decimal.Decimal).Cmp(a.(decimal.Decimal))
}

// Level is one (price, qty) book entry.
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// DepthStats is the aggregate depth within a percent band around mid.
type DepthStats struct {
	BidVolume decimal.Decimal
	AskVolume decimal.Decimal
	NetVolume decimal.Decimal
	MidPrice  decimal.Decimal
	Percent   float64
	Timestamp int64
}

// Book is a single symbol's L2 book. Writers serialize through the
// manager's diff path; readers take the lock briefly for point queries.
type Book struct {
	symbol string

	mu             sync.RWMutex
	bids           *treemap.Map // price -> qty, iterated high→low
	asks           *treemap.Map // price -> qty, iterated low→high
	lastUpdateID   int64
	lastUpdateTime int64
	synced         bool
	bridged        bool
	pending        []market.DepthUpdate
}

// NewBook creates an empty, unsynced book.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   treemap.NewWith(descending),
		asks:   treemap.NewWith(ascending),
	}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// Synced reports whether the book currently tracks the exchange sequence.
func (b *Book) Synced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

// LastUpdateID returns the id of the last applied diff or snapshot.
func (b *Book) LastUpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

// InstallSnapshot replaces the book contents with a REST snapshot and then
// drains the pending diff queue per the bridge protocol:
//
//  1. diffs with u ≤ S are discarded,
//  2. the first applied diff must satisfy U ≤ S+1 ≤ u,
//  3. every later diff must chain pu == previous u.
//
// Returns ErrGap when the pending queue cannot bridge the snapshot, in which
// case the caller fetches a fresh snapshot and tries again.
func (b *Book) InstallSnapshot(snap *market.DepthSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids.Clear()
	b.asks.Clear()
	for _, lv := range snap.Bids {
		if lv.Qty.Sign() > 0 {
			b.bids.Put(lv.Price, lv.Qty)
		}
	}
	for _, lv := range snap.Asks {
		if lv.Qty.Sign() > 0 {
			b.asks.Put(lv.Price, lv.Qty)
		}
	}
	b.lastUpdateID = snap.LastUpdateID
	b.lastUpdateTime = timeutil.NowMs()
	b.synced = true
	b.bridged = false

	pending := b.pending
	b.pending = nil
	for _, u := range pending {
		if err := b.applyLocked(u); err != nil {
			// Chain broke inside the buffer; keep buffering from here.
			b.synced = false
			b.pending = append(b.pending, u)
			return fmt.Errorf("%s: %w", b.symbol, err)
		}
	}
	return nil
}

// Process validates and applies one diff. While unsynced the diff is
// buffered and ErrNotSynced returned; a sequence break returns ErrGap and
// flips the book to unsynced so queries fail fast.
func (b *Book) Process(u market.DepthUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced {
		b.buffer(u)
		return ErrNotSynced
	}
	if err := b.applyLocked(u); err != nil {
		b.synced = false
		b.buffer(u)
		return err
	}
	return nil
}

func (b *Book) buffer(u market.DepthUpdate) {
	if len(b.pending) >= maxPending {
		b.pending = b.pending[1:]
	}
	b.pending = append(b.pending, u)
}

// applyLocked enforces the sequence rules and mutates the maps.
func (b *Book) applyLocked(u market.DepthUpdate) error {
	if u.LastUpdateID <= b.lastUpdateID {
		return nil // stale, already covered by the snapshot
	}
	if b.bridged {
		if u.PrevLastUpdateID != b.lastUpdateID {
			return fmt.Errorf("%w: pu=%d lastUpdateId=%d", ErrGap, u.PrevLastUpdateID, b.lastUpdateID)
		}
	} else {
		if u.FirstUpdateID > b.lastUpdateID+1 {
			return fmt.Errorf("%w: bridge U=%d snapshot=%d", ErrGap, u.FirstUpdateID, b.lastUpdateID)
		}
		b.bridged = true
	}

	for _, lv := range u.Bids {
		if lv.Qty.Sign() == 0 {
			b.bids.Remove(lv.Price) // removing an absent key is a no-op
		} else {
			b.bids.Put(lv.Price, lv.Qty)
		}
	}
	for _, lv := range u.Asks {
		if lv.Qty.Sign() == 0 {
			b.asks.Remove(lv.Price)
		} else {
			b.asks.Put(lv.Price, lv.Qty)
		}
	}
	b.lastUpdateID = u.LastUpdateID
	b.lastUpdateTime = u.EventTime
	return nil
}

// BestBid returns the highest bid level.
func (b *Book) BestBid() (Level, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.synced || b.bids.Empty() {
		return Level{}, ErrNotSynced
	}
	p, q := b.bids.Min() // min of the descending comparator = highest price
	return Level{Price: p.(decimal.Decimal), Qty: q.(decimal.Decimal)}, nil
}

// BestAsk returns the lowest ask level.
func (b *Book) BestAsk() (Level, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.synced || b.asks.Empty() {
		return Level{}, ErrNotSynced
	}
	p, q := b.asks.Min()
	return Level{Price: p.(decimal.Decimal), Qty: q.(decimal.Decimal)}, nil
}

// Mid returns (bestBid+bestAsk)/2.
func (b *Book) Mid() (decimal.Decimal, error) {
	bid, err := b.BestBid()
	if err != nil {
		return decimal.Zero, err
	}
	ask, err := b.BestAsk()
	if err != nil {
		return decimal.Zero, err
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), nil
}

// DepthWithin sums bid and ask volume within ±percent of mid. The walk goes
// from best price outward and stops at the first level outside the band. Mid
// is derived under the same lock as the walk so a sample never mixes state
// from either side of a diff.
func (b *Book) DepthWithin(percent float64) (DepthStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.synced || b.bids.Empty() || b.asks.Empty() {
		return DepthStats{}, ErrNotSynced
	}

	bidPrice, _ := b.bids.Min() // min of the descending comparator = highest price
	askPrice, _ := b.asks.Min()
	mid := bidPrice.(decimal.Decimal).Add(askPrice.(decimal.Decimal)).Div(decimal.NewFromInt(2))

	frac := decimal.NewFromFloat(percent / 100)
	lower := mid.Mul(decimal.NewFromInt(1).Sub(frac))
	upper := mid.Mul(decimal.NewFromInt(1).Add(frac))

	bidVol := decimal.Zero
	it := b.bids.Iterator()
	for it.Next() {
		price := it.Key().(decimal.Decimal)
		if price.Cmp(lower) < 0 {
			break
		}
		bidVol = bidVol.Add(it.Value().(decimal.Decimal))
	}

	askVol := decimal.Zero
	it = b.asks.Iterator()
	for it.Next() {
		price := it.Key().(decimal.Decimal)
		if price.Cmp(upper) > 0 {
			break
		}
		askVol = askVol.Add(it.Value().(decimal.Decimal))
	}

	return DepthStats{
		BidVolume: bidVol,
		AskVolume: askVol,
		NetVolume: bidVol.Sub(askVol),
		MidPrice:  mid,
		Percent:   percent,
		Timestamp: timeutil.NowMs(),
	}, nil
}

// Snapshot returns the sorted levels, best first, up to depth per side
// (depth ≤ 0 means all).
func (b *Book) Snapshot(depth int) (bids, asks []Level, lastUpdateID int64, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.synced {
		return nil, nil, 0, ErrNotSynced
	}
	collect := func(m *treemap.Map) []Level {
		out := make([]Level, 0, m.Size())
		it := m.Iterator()
		for it.Next() {
			if depth > 0 && len(out) >= depth {
				break
			}
			out = append(out, Level{Price: it.Key().(decimal.Decimal), Qty: it.Value().(decimal.Decimal)})
		}
		return out
	}
	return collect(b.bids), collect(b.asks), b.lastUpdateID, nil
}
