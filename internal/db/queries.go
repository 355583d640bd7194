package db

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"orderflow-mcp/internal/engine"
	"orderflow-mcp/internal/logger"
	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

// FootprintRow is one persisted 1m footprint level.
type FootprintRow struct {
	Symbol     string
	Timestamp  int64
	PriceLevel decimal.Decimal
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
	TradeCount int64
}

// FootprintRows reads 1m footprint levels for [startTime, endTime], ordered
// by timestamp then price. Used as the backstop when the in-memory rings no
// longer cover the requested range.
func (s *Store) FootprintRows(symbol string, startTime, endTime int64) ([]FootprintRow, error) {
	rows, err := s.sql.Query(`
		SELECT symbol, timestamp, price_level, buy_volume, sell_volume, trade_count
		FROM footprint_1m
		WHERE symbol = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp, price_level`,
		symbol, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("footprint query: %w", err)
	}
	defer rows.Close()

	var out []FootprintRow
	for rows.Next() {
		var r FootprintRow
		var price string
		var buy, sell float64
		if err := rows.Scan(&r.Symbol, &r.Timestamp, &price, &buy, &sell, &r.TradeCount); err != nil {
			return nil, fmt.Errorf("footprint scan: %w", err)
		}
		r.PriceLevel, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("footprint price %q: %w", price, err)
		}
		r.BuyVolume = decimal.NewFromFloat(buy)
		r.SellVolume = decimal.NewFromFloat(sell)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Liquidations reads the most recent persisted forced orders, oldest first,
// optionally filtered by side.
func (s *Store) Liquidations(symbol, side string, limit int) ([]market.Liquidation, error) {
	query := `
		SELECT symbol, side, price, avg_price, orig_qty, filled_qty, timestamp, status
		FROM liquidations WHERE symbol = ?`
	args := []interface{}{symbol}
	if side != "" {
		query += " AND side = ?"
		args = append(args, side)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)

	rows, err := s.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("liquidations query: %w", err)
	}
	defer rows.Close()

	var out []market.Liquidation
	for rows.Next() {
		var l market.Liquidation
		var price, avg, orig, filled string
		if err := rows.Scan(&l.Symbol, &l.Side, &price, &avg, &orig, &filled, &l.Timestamp, &l.OrderStatus); err != nil {
			return nil, fmt.Errorf("liquidations scan: %w", err)
		}
		if l.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if l.AvgPrice, err = decimal.NewFromString(avg); err != nil {
			return nil, err
		}
		if l.OrigQty, err = decimal.NewFromString(orig); err != nil {
			return nil, err
		}
		if l.FilledQty, err = decimal.NewFromString(filled); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first query; flip to oldest-first for callers.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LoadVWAP reads a persisted day accumulator, used to resume the developing
// VWAP after a restart. ok is false when the day has no row.
func (s *Store) LoadVWAP(symbol string, dayStart int64) (engine.VWAPDay, bool, error) {
	var pv, v string
	day := engine.VWAPDay{DayStart: dayStart}
	err := s.sql.QueryRow(`
		SELECT cumulative_pv, cumulative_v, last_update
		FROM vwap_data WHERE symbol = ? AND date = ?`,
		symbol, timeutil.DateString(dayStart)).Scan(&pv, &v, &day.LastUpdate)
	if err == sql.ErrNoRows {
		return engine.VWAPDay{}, false, nil
	}
	if err != nil {
		return engine.VWAPDay{}, false, fmt.Errorf("vwap query: %w", err)
	}
	if day.CumulativePV, err = decimal.NewFromString(pv); err != nil {
		return engine.VWAPDay{}, false, fmt.Errorf("vwap pv %q: %w", pv, err)
	}
	if day.CumulativeV, err = decimal.NewFromString(v); err != nil {
		return engine.VWAPDay{}, false, fmt.Errorf("vwap v %q: %w", v, err)
	}
	return day, true, nil
}

// SessionRows reads persisted session levels for one (symbol, date).
func (s *Store) SessionRows(symbol, date string) ([]engine.SessionLevels, error) {
	rows, err := s.sql.Query(`
		SELECT session, high, low, high_time, low_time, volume
		FROM session_levels WHERE symbol = ? AND date = ?`,
		symbol, date)
	if err != nil {
		return nil, fmt.Errorf("session query: %w", err)
	}
	defer rows.Close()

	var out []engine.SessionLevels
	for rows.Next() {
		sl := engine.SessionLevels{Date: date, HasTrades: true, Complete: true}
		var high, low string
		var volume float64
		if err := rows.Scan(&sl.Name, &high, &low, &sl.HighTime, &sl.LowTime, &volume); err != nil {
			return nil, fmt.Errorf("session scan: %w", err)
		}
		if sl.High, err = decimal.NewFromString(high); err != nil {
			return nil, err
		}
		if sl.Low, err = decimal.NewFromString(low); err != nil {
			return nil, err
		}
		sl.Volume = decimal.NewFromFloat(volume)
		out = append(out, sl)
	}
	return out, rows.Err()
}

// Sweep deletes rows older than retentionDays. Driven hourly by the
// supervisor.
func (s *Store) Sweep(retentionDays int) {
	cutoff := timeutil.NowMs() - int64(retentionDays)*timeutil.DayMs
	cutoffDate := timeutil.DateString(cutoff)

	stmts := []struct {
		query string
		arg   interface{}
	}{
		{"DELETE FROM footprint_1m WHERE timestamp < ?", cutoff},
		{"DELETE FROM daily_trades WHERE date < ?", cutoffDate},
		{"DELETE FROM session_levels WHERE date < ?", cutoffDate},
		{"DELETE FROM vwap_data WHERE date < ?", cutoffDate},
		{"DELETE FROM oi_snapshots WHERE timestamp < ?", cutoff},
		{"DELETE FROM depth_delta WHERE timestamp < ?", cutoff},
		{"DELETE FROM liquidations WHERE timestamp < ?", cutoff},
	}
	total := int64(0)
	for _, st := range stmts {
		res, err := s.sql.Exec(st.query, st.arg)
		if err != nil {
			logger.Error("DB", fmt.Sprintf("retention sweep: %v", err))
			continue
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	if total > 0 {
		logger.Info("DB", fmt.Sprintf("Retention sweep removed %d rows", total))
	}
}
