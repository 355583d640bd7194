// Package timeutil holds millisecond / UTC-day / timeframe arithmetic used
// across the engines. Everything operates on integer milliseconds since the
// Unix epoch; no local timezones.
package timeutil

import (
	"fmt"
	"time"
)

// DayMs is the length of a UTC day in milliseconds.
const DayMs int64 = 24 * 60 * 60 * 1000

// NowMs returns the current UTC time in milliseconds.
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// DayStart returns 00:00:00 UTC of the day containing ts.
func DayStart(ts int64) int64 {
	if ts < 0 {
		// Floor division for pre-epoch timestamps.
		return ((ts - DayMs + 1) / DayMs) * DayMs
	}
	return (ts / DayMs) * DayMs
}

// PrevDayStart returns 00:00:00 UTC of the day before the one containing ts.
func PrevDayStart(ts int64) int64 {
	return DayStart(ts) - DayMs
}

// DateString formats ts as the YYYY-MM-DD of its UTC day.
func DateString(ts int64) string {
	return time.UnixMilli(ts).UTC().Format("2006-01-02")
}

// ParseDate parses a YYYY-MM-DD string into the UTC day start in ms.
func ParseDate(s string) (int64, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}

// Timeframe is a bar duration.
type Timeframe string

// Supported bar timeframes.
const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

var timeframeMs = map[Timeframe]int64{
	TF1m:  60_000,
	TF5m:  5 * 60_000,
	TF15m: 15 * 60_000,
	TF30m: 30 * 60_000,
	TF1h:  60 * 60_000,
	TF4h:  4 * 60 * 60_000,
	TF1d:  DayMs,
}

// TimeframeMs returns the duration of a timeframe in milliseconds.
// Unknown timeframes are a configuration error and fail fast.
func TimeframeMs(tf Timeframe) (int64, error) {
	ms, ok := timeframeMs[tf]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}
	return ms, nil
}

// MustTimeframeMs is TimeframeMs for timeframes already validated at startup.
func MustTimeframeMs(tf Timeframe) int64 {
	ms, err := TimeframeMs(tf)
	if err != nil {
		panic(err)
	}
	return ms
}

// Align floors ts to the open time of its tf bar.
func Align(ts int64, tf Timeframe) (int64, error) {
	ms, err := TimeframeMs(tf)
	if err != nil {
		return 0, err
	}
	return (ts / ms) * ms, nil
}

// MustAlign is Align for timeframes already validated at startup.
func MustAlign(ts int64, tf Timeframe) int64 {
	open, err := Align(ts, tf)
	if err != nil {
		panic(err)
	}
	return open
}
