package db

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/book"
	"orderflow-mcp/internal/engine"
	"orderflow-mcp/internal/logger"
	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

// maxBatch bounds how many queued writes one transaction coalesces.
const maxBatch = 256

type writeOp struct {
	fn   func(tx *sql.Tx) error
	done chan struct{} // closed after the op's batch commits; may be nil
}

// Writer is the single-writer write-behind queue in front of the store.
// Producing engines enqueue; one goroutine drains in coalesced transactions.
type Writer struct {
	store *Store
	ops   chan writeOp
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewWriter starts the write-behind loop over store.
func NewWriter(store *Store, queueSize int) *Writer {
	w := &Writer{store: store, ops: make(chan writeOp, queueSize)}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for op, ok := <-w.ops; ok; op, ok = <-w.ops {
		batch := []writeOp{op}
	drain:
		for len(batch) < maxBatch {
			select {
			case next, more := <-w.ops:
				if !more {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := w.commit(batch); err != nil {
			logger.Error("DB", fmt.Sprintf("write batch: %v", err))
		}
		for _, b := range batch {
			if b.done != nil {
				close(b.done)
			}
		}
	}
}

func (w *Writer) commit(batch []writeOp) error {
	tx, err := w.store.sql.Begin()
	if err != nil {
		return err
	}
	for _, op := range batch {
		if op.fn == nil {
			continue
		}
		if err := op.fn(tx); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close stops accepting writes and drains the queue.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.ops) })
	w.wg.Wait()
}

// enqueue drops the write with a warning when the queue is full rather than
// blocking the producing engine.
func (w *Writer) enqueue(fn func(tx *sql.Tx) error) {
	select {
	case w.ops <- writeOp{fn: fn}:
	default:
		logger.Warn("DB", "write queue full, dropping write")
	}
}

func f(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}

// WriteBar persists a finalized footprint bar. Only 1m bars land in the
// footprint_1m table; their levels are also folded additively into the
// day's daily_trades rows so higher timeframes never double count.
func (w *Writer) WriteBar(bar *engine.FootprintBar) {
	if bar.Timeframe != timeutil.TF1m {
		return
	}
	symbol := bar.Symbol
	openTime := bar.OpenTime
	date := timeutil.DateString(bar.OpenTime)
	levels := bar.Levels()

	w.enqueue(func(tx *sql.Tx) error {
		for _, lv := range levels {
			_, err := tx.Exec(`
				INSERT INTO footprint_1m (symbol, timestamp, price_level, buy_volume, sell_volume, trade_count)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(symbol, timestamp, price_level) DO UPDATE SET
					buy_volume  = buy_volume + excluded.buy_volume,
					sell_volume = sell_volume + excluded.sell_volume,
					trade_count = trade_count + excluded.trade_count`,
				symbol, openTime, lv.Price.String(), f(lv.BuyVolume), f(lv.SellVolume), lv.TradeCount)
			if err != nil {
				return fmt.Errorf("footprint_1m upsert: %w", err)
			}
			notional := lv.BuyVolume.Add(lv.SellVolume).Mul(lv.Price)
			_, err = tx.Exec(`
				INSERT INTO daily_trades (symbol, date, price_level, volume, buy_volume, sell_volume, notional, trade_count)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(symbol, date, price_level) DO UPDATE SET
					volume      = volume + excluded.volume,
					buy_volume  = buy_volume + excluded.buy_volume,
					sell_volume = sell_volume + excluded.sell_volume,
					notional    = notional + excluded.notional,
					trade_count = trade_count + excluded.trade_count`,
				symbol, date, lv.Price.String(),
				f(lv.BuyVolume.Add(lv.SellVolume)), f(lv.BuyVolume), f(lv.SellVolume),
				f(notional), lv.TradeCount)
			if err != nil {
				return fmt.Errorf("daily_trades upsert: %w", err)
			}
		}
		return nil
	})
}

// SaveSessions persists the given session levels, replacing prior rows for
// the same (symbol, date, session).
func (w *Writer) SaveSessions(symbol string, sessions []engine.SessionLevels) {
	w.enqueue(func(tx *sql.Tx) error {
		for _, s := range sessions {
			if !s.HasTrades {
				continue
			}
			_, err := tx.Exec(`
				INSERT INTO session_levels (symbol, date, session, high, low, high_time, low_time, volume)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(symbol, date, session) DO UPDATE SET
					high      = excluded.high,
					low       = excluded.low,
					high_time = excluded.high_time,
					low_time  = excluded.low_time,
					volume    = excluded.volume`,
				symbol, s.Date, s.Name, s.High.String(), s.Low.String(), s.HighTime, s.LowTime, f(s.Volume))
			if err != nil {
				return fmt.Errorf("session_levels upsert: %w", err)
			}
		}
		return nil
	})
}

// SaveVWAP persists a day's accumulators so a restart can resume mid-day.
func (w *Writer) SaveVWAP(symbol string, day engine.VWAPDay) {
	w.enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO vwap_data (symbol, date, cumulative_pv, cumulative_v, last_update)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(symbol, date) DO UPDATE SET
				cumulative_pv = excluded.cumulative_pv,
				cumulative_v  = excluded.cumulative_v,
				last_update   = excluded.last_update`,
			symbol, timeutil.DateString(day.DayStart),
			day.CumulativePV.String(), day.CumulativeV.String(), day.LastUpdate)
		if err != nil {
			return fmt.Errorf("vwap_data upsert: %w", err)
		}
		return nil
	})
}

// SaveOpenInterest appends one OI snapshot row.
func (w *Writer) SaveOpenInterest(symbol string, oi decimal.Decimal, ts int64) {
	w.enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO oi_snapshots (symbol, timestamp, open_interest)
			VALUES (?, ?, ?)`,
			symbol, ts, oi.String())
		if err != nil {
			return fmt.Errorf("oi_snapshots insert: %w", err)
		}
		return nil
	})
}

// SaveDepthSample appends one sampled depth snapshot row.
func (w *Writer) SaveDepthSample(symbol string, s book.DepthStats) {
	w.enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO depth_delta (symbol, timestamp, percent, mid_price, bid_volume, ask_volume, net_volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			symbol, s.Timestamp, s.Percent, s.MidPrice.String(),
			s.BidVolume.String(), s.AskVolume.String(), s.NetVolume.String())
		if err != nil {
			return fmt.Errorf("depth_delta insert: %w", err)
		}
		return nil
	})
}

// SaveLiquidation appends one forced order.
func (w *Writer) SaveLiquidation(liq market.Liquidation) {
	w.enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO liquidations (symbol, side, price, avg_price, orig_qty, filled_qty, timestamp, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			liq.Symbol, liq.Side, liq.Price.String(), liq.AvgPrice.String(),
			liq.OrigQty.String(), liq.FilledQty.String(), liq.Timestamp, liq.OrderStatus)
		if err != nil {
			return fmt.Errorf("liquidations insert: %w", err)
		}
		return nil
	})
}

// Flush blocks until every write enqueued before the call has committed.
func (w *Writer) Flush() {
	done := make(chan struct{})
	select {
	case w.ops <- writeOp{done: done}:
		<-done
	default:
		// Queue full; the pending batch will still commit in order.
	}
}
