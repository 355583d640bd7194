package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"orderflow-mcp/internal/binance"
	"orderflow-mcp/internal/book"
	"orderflow-mcp/internal/cache"
	"orderflow-mcp/internal/config"
	"orderflow-mcp/internal/db"
	"orderflow-mcp/internal/engine"
	"orderflow-mcp/internal/logger"
	"orderflow-mcp/internal/mcp"
	"orderflow-mcp/internal/supervisor"
)

var version = "dev"

func main() {
	listen := flag.String("listen", "", "listen address (overrides LISTEN_ADDR)")
	dbPath := flag.String("db", "", "SQLite path (overrides CACHE_DB_PATH)")
	flag.Parse()

	logger.Banner(version)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("CONFIG", err.Error())
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	logger.Stats("Symbols", fmt.Sprintf("%v", cfg.Symbols))
	logger.Stats("Timeframes", fmt.Sprintf("%v", cfg.Timeframes))

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Error("DB", fmt.Sprintf("Failed to open database: %v", err))
		os.Exit(1)
	}
	writer := db.NewWriter(store, cfg.QueueSize)

	client := binance.NewClient(cfg.RestURL, cfg.WeightLimitPerMinute)
	books := book.NewManager(client, cfg.SnapshotLimit)

	live := cache.NewLive()
	agg := engine.NewAggregator(cfg, writer)
	vwap := engine.NewVWAP()
	profile := engine.NewVolumeProfile(cfg)
	sessions := engine.NewSessions(cfg.Sessions)
	delta := engine.NewDeltaCVD(cfg)
	sampler := engine.NewDepthSampler(books, cfg.DepthDeltaPercent, cfg.DepthDeltaInterval)

	agg.Register(vwap)
	agg.Register(profile)
	agg.Register(sessions)
	agg.Register(delta)
	agg.Register(live)

	server := mcp.NewServer(mcp.Deps{
		Config:   cfg,
		Live:     live,
		Books:    books,
		Agg:      agg,
		VWAP:     vwap,
		Profile:  profile,
		Sessions: sessions,
		Delta:    delta,
		Sampler:  sampler,
		Store:    store,
		Exchange: client,
	}, version)

	sup := supervisor.New(supervisor.Options{
		Config:   cfg,
		Client:   client,
		Store:    store,
		Writer:   writer,
		Books:    books,
		Agg:      agg,
		VWAP:     vwap,
		Profile:  profile,
		Sessions: sessions,
		Delta:    delta,
		Sampler:  sampler,
		Live:     live,
		Handler:  server.Handler(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		logger.Error("MAIN", fmt.Sprintf("Failed: %v", err))
		os.Exit(1)
	}
}
