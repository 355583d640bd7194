// Package supervisor wires the stream, the books, the indicator engines and
// the persistence layer together and owns their lifecycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"orderflow-mcp/internal/binance"
	"orderflow-mcp/internal/book"
	"orderflow-mcp/internal/cache"
	"orderflow-mcp/internal/config"
	"orderflow-mcp/internal/db"
	"orderflow-mcp/internal/engine"
	"orderflow-mcp/internal/logger"
	"orderflow-mcp/internal/market"
	"orderflow-mcp/internal/timeutil"
)

const (
	pollInterval    = 30 * time.Second
	persistInterval = time.Minute
	sweepInterval   = time.Hour
	shutdownTimeout = 5 * time.Second
	warmupTradeCap  = 1000
)

// Options collects everything the supervisor drives.
type Options struct {
	Config   *config.Config
	Client   *binance.Client
	Store    *db.Store
	Writer   *db.Writer
	Books    *book.Manager
	Agg      *engine.Aggregator
	VWAP     *engine.VWAP
	Profile  *engine.VolumeProfile
	Sessions *engine.Sessions
	Delta    *engine.DeltaCVD
	Sampler  *engine.DepthSampler
	Live     *cache.Live
	Handler  http.Handler
}

type symbolQueue struct {
	trades  chan market.Trade
	dropped atomic.Int64
}

// Supervisor runs the pipeline until its context is cancelled, then drains
// the engines into the store.
type Supervisor struct {
	opt      Options
	rollover []engine.RolloverAware
	queues   map[string]*symbolQueue
}

// New creates a Supervisor over the wired components.
func New(opt Options) *Supervisor {
	s := &Supervisor{
		opt:      opt,
		rollover: []engine.RolloverAware{opt.VWAP, opt.Profile, opt.Sessions},
		queues:   make(map[string]*symbolQueue, len(opt.Config.Symbols)),
	}
	for _, sym := range opt.Config.Symbols {
		s.queues[sym] = &symbolQueue{trades: make(chan market.Trade, opt.Config.QueueSize)}
	}
	return s
}

// Run blocks until ctx is cancelled or a component fails fatally.
func (s *Supervisor) Run(ctx context.Context) error {
	s.restoreVWAP()
	s.warmup(ctx)

	g, ctx := errgroup.WithContext(ctx)

	for sym, q := range s.queues {
		g.Go(func() error { return s.dispatchLoop(ctx, sym, q) })
	}
	for _, sym := range s.opt.Config.Symbols {
		g.Go(func() error {
			// Touch the book first so the stream buffers diffs while the
			// snapshot is in flight.
			s.opt.Books.Get(sym)
			return s.opt.Books.Bootstrap(ctx, sym)
		})
	}

	stream := binance.NewStream(
		s.opt.Config.WsURL, s.opt.Config.Symbols, s.streamHandlers(ctx),
		s.opt.Config.ReconnectBase, s.opt.Config.MaxReconnectTry)
	g.Go(func() error { return stream.Run(ctx) })

	g.Go(func() error {
		s.opt.Sampler.Run(ctx)
		return ctx.Err()
	})
	g.Go(func() error { return s.depthPersistLoop(ctx) })
	g.Go(func() error { return s.resyncLoop(ctx) })
	g.Go(func() error { return s.rolloverLoop(ctx) })
	g.Go(func() error { return s.persistLoop(ctx) })
	g.Go(func() error { return s.sweepLoop(ctx) })
	g.Go(func() error { return s.pollLoop(ctx) })
	s.serveHTTP(ctx, g)

	err := g.Wait()
	s.drain()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// streamHandlers routes WS events into the pipeline.
func (s *Supervisor) streamHandlers(ctx context.Context) binance.Handlers {
	return binance.Handlers{
		Trade: s.enqueueTrade,
		Depth: func(u market.DepthUpdate) {
			s.opt.Books.Process(ctx, u)
		},
		MarkPrice: s.opt.Live.UpdateMarkPrice,
		Liquidation: func(l market.Liquidation) {
			s.opt.Live.AddLiquidation(l)
			if s.opt.Writer != nil {
				s.opt.Writer.SaveLiquidation(l)
			}
		},
	}
}

// enqueueTrade pushes onto the symbol's bounded queue. When full, the oldest
// queued trade is dropped so the stream reader never blocks.
func (s *Supervisor) enqueueTrade(t market.Trade) {
	q, ok := s.queues[t.Symbol]
	if !ok {
		return
	}
	for {
		select {
		case q.trades <- t:
			return
		default:
		}
		select {
		case <-q.trades:
			q.dropped.Add(1)
		default:
		}
	}
}

func (s *Supervisor) dispatchLoop(ctx context.Context, symbol string, q *symbolQueue) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-q.trades:
			s.opt.Agg.OnTrade(t)
		}
	}
}

// restoreVWAP resumes the current day's VWAP accumulators after a restart.
func (s *Supervisor) restoreVWAP() {
	if s.opt.Store == nil {
		return
	}
	dayStart := timeutil.DayStart(timeutil.NowMs())
	for _, sym := range s.opt.Config.Symbols {
		day, ok, err := s.opt.Store.LoadVWAP(sym, dayStart)
		if err != nil {
			logger.Warn("INIT", fmt.Sprintf("%s vwap restore: %v", sym, err))
			continue
		}
		if ok {
			s.opt.VWAP.Restore(sym, day)
			logger.Info("INIT", fmt.Sprintf("%s VWAP resumed from %s", sym, timeutil.DateString(dayStart)))
		}
	}
}

// warmup replays today's recent trades through the aggregator so the
// indicators are not empty right after startup. Best effort.
func (s *Supervisor) warmup(ctx context.Context) {
	if s.opt.Client == nil {
		return
	}
	now := timeutil.NowMs()
	start := now - int64(time.Hour/time.Millisecond)
	if ds := timeutil.DayStart(now); ds > start {
		start = ds
	}
	for _, sym := range s.opt.Config.Symbols {
		trades, err := s.opt.Client.AggTrades(ctx, sym, start, now, warmupTradeCap)
		if err != nil {
			logger.Warn("INIT", fmt.Sprintf("%s warmup: %v", sym, err))
			continue
		}
		for _, t := range trades {
			s.opt.Agg.OnTrade(t)
		}
		logger.Info("INIT", fmt.Sprintf("%s warmed with %d trades", sym, len(trades)))
	}
}

// depthPersistLoop writes the latest sampled depth snapshot on the sampling
// cadence.
func (s *Supervisor) depthPersistLoop(ctx context.Context) error {
	if s.opt.Writer == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.opt.Config.DepthDeltaInterval)
	defer ticker.Stop()

	last := make(map[string]int64)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, sym := range s.opt.Config.Symbols {
				stats, ok := s.opt.Sampler.Current(sym)
				if !ok || stats.Timestamp == last[sym] {
					continue
				}
				last[sym] = stats.Timestamp
				s.opt.Writer.SaveDepthSample(sym, stats)
			}
		}
	}
}

// resyncLoop re-bootstraps any book that lost the exchange sequence and has
// not recovered through the diff path.
func (s *Supervisor) resyncLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opt.Config.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.opt.Books.EnsureSynced(ctx)
		}
	}
}

// rolloverLoop fires the day-boundary reset. The engines also roll lazily on
// the first trade of the new day; the timer covers quiet symbols.
func (s *Supervisor) rolloverLoop(ctx context.Context) error {
	for {
		now := timeutil.NowMs()
		next := timeutil.DayStart(now) + timeutil.DayMs
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(next-now) * time.Millisecond):
		}
		logger.Info("DAY", fmt.Sprintf("UTC rollover to %s", timeutil.DateString(next)))
		for _, r := range s.rollover {
			r.OnRollover(next)
		}
	}
}

// persistLoop checkpoints sessions and VWAP once a minute and reports drop
// counters.
func (s *Supervisor) persistLoop(ctx context.Context) error {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.checkpoint()
		}
	}
}

func (s *Supervisor) checkpoint() {
	now := timeutil.NowMs()
	s.opt.Sessions.MarkComplete(now)

	for _, sym := range s.opt.Config.Symbols {
		if q := s.queues[sym]; q != nil {
			if n := q.dropped.Swap(0); n > 0 {
				logger.Warn("QUEUE", fmt.Sprintf("%s dropped %d trades in the last minute", sym, n))
			}
		}
		if s.opt.Writer == nil {
			continue
		}

		current, previous := s.opt.Sessions.Snapshot(sym)
		var rows []engine.SessionLevels
		for _, sl := range current {
			rows = append(rows, sl)
		}
		for _, sl := range previous {
			rows = append(rows, sl)
		}
		if len(rows) > 0 {
			s.opt.Writer.SaveSessions(sym, rows)
		}

		day, _ := s.opt.VWAP.State(sym)
		if day.CumulativeV.Sign() > 0 {
			s.opt.Writer.SaveVWAP(sym, day)
		}
	}
}

func (s *Supervisor) sweepLoop(ctx context.Context) error {
	if s.opt.Store == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.opt.Store.Sweep(s.opt.Config.RetentionDays)
		}
	}
}

// pollLoop refreshes the REST-only parts of the live cache: 24h ticker and
// open interest.
func (s *Supervisor) pollLoop(ctx context.Context) error {
	if s.opt.Client == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, sym := range s.opt.Config.Symbols {
				s.pollSymbol(ctx, sym)
			}
		}
	}
}

func (s *Supervisor) pollSymbol(ctx context.Context, sym string) {
	if t, err := s.opt.Client.Ticker24h(ctx, sym); err == nil {
		s.opt.Live.UpdateTicker(sym, cache.Ticker24h{
			PriceChange:        t.PriceChange,
			PriceChangePercent: t.PriceChangePercent,
			WeightedAvgPrice:   t.WeightedAvgPrice,
			HighPrice:          t.HighPrice,
			LowPrice:           t.LowPrice,
			Volume:             t.Volume,
			QuoteVolume:        t.QuoteVolume,
			UpdatedAt:          t.CloseTime,
		})
	} else {
		logger.Warn("POLL", fmt.Sprintf("%s ticker: %v", sym, err))
	}

	if oi, at, err := s.opt.Client.OpenInterest(ctx, sym); err == nil {
		s.opt.Live.UpdateOpenInterest(sym, oi, at)
		if s.opt.Writer != nil {
			s.opt.Writer.SaveOpenInterest(sym, oi, at)
		}
	} else {
		logger.Warn("POLL", fmt.Sprintf("%s open interest: %v", sym, err))
	}
}

// serveHTTP runs the MCP endpoint and shuts it down with the group.
func (s *Supervisor) serveHTTP(ctx context.Context, g *errgroup.Group) {
	srv := &http.Server{Addr: s.opt.Config.ListenAddr, Handler: s.opt.Handler}
	g.Go(func() error {
		logger.Server(s.opt.Config.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	})
}

// drain pushes everything still in memory into the store before exit.
func (s *Supervisor) drain() {
	logger.Section("Shutdown")
	s.opt.Agg.Flush()
	s.checkpoint()
	if s.opt.Writer != nil {
		s.opt.Writer.Flush()
		s.opt.Writer.Close()
	}
	if s.opt.Store != nil {
		if err := s.opt.Store.Close(); err != nil {
			logger.Error("DB", fmt.Sprintf("close: %v", err))
		}
	}
	logger.Success("MAIN", "Shutdown complete")
}
