package book

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"orderflow-mcp/internal/logger"
	"orderflow-mcp/internal/market"
)

// SnapshotFetcher fetches a REST depth snapshot.
type SnapshotFetcher interface {
	DepthSnapshot(ctx context.Context, symbol string, limit int) (*market.DepthSnapshot, error)
}

// Manager owns one Book per symbol and drives the bootstrap / re-bootstrap
// cycle whenever a book loses the exchange sequence.
type Manager struct {
	fetcher       SnapshotFetcher
	snapshotLimit int

	mu         sync.Mutex
	books      map[string]*Book
	rebuilding map[string]bool
}

// NewManager creates a Manager using fetcher for snapshots.
func NewManager(fetcher SnapshotFetcher, snapshotLimit int) *Manager {
	return &Manager{
		fetcher:       fetcher,
		snapshotLimit: snapshotLimit,
		books:         make(map[string]*Book),
		rebuilding:    make(map[string]bool),
	}
}

// Get returns the book for symbol, creating it lazily.
func (m *Manager) Get(symbol string) *Book {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[symbol]
	if !ok {
		b = NewBook(symbol)
		m.books[symbol] = b
	}
	return b
}

// Symbols lists the symbols with a book.
func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.books))
	for s := range m.books {
		out = append(out, s)
	}
	return out
}

// Process routes a diff to its book. Diff ingestion keeps buffering while a
// rebuild is in flight; an unsynced or gapped book triggers one.
func (m *Manager) Process(ctx context.Context, u market.DepthUpdate) {
	b := m.Get(u.Symbol)
	err := b.Process(u)
	if err == nil {
		return
	}
	if err == ErrNotSynced || isGap(err) {
		if isGap(err) {
			logger.Warn("BOOK", fmt.Sprintf("%s: %v", u.Symbol, err))
		}
		m.triggerRebuild(ctx, u.Symbol)
	}
}

func isGap(err error) bool {
	for e := err; e != nil; {
		if e == ErrGap {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func (m *Manager) triggerRebuild(ctx context.Context, symbol string) {
	m.mu.Lock()
	if m.rebuilding[symbol] {
		m.mu.Unlock()
		return
	}
	m.rebuilding[symbol] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.rebuilding, symbol)
			m.mu.Unlock()
		}()
		if err := m.Bootstrap(ctx, symbol); err != nil {
			logger.Error("BOOK", fmt.Sprintf("%s bootstrap failed: %v", symbol, err))
		}
	}()
}

// EnsureSynced triggers a rebuild for every unsynced book. Driven
// periodically by the supervisor as a safety net; the diff path already
// rebuilds on gaps.
func (m *Manager) EnsureSynced(ctx context.Context) {
	for _, symbol := range m.Symbols() {
		if !m.Get(symbol).Synced() {
			m.triggerRebuild(ctx, symbol)
		}
	}
}

// Bootstrap fetches snapshots until one bridges onto the buffered diff
// stream. Transient REST faults back off exponentially with jitter.
func (m *Manager) Bootstrap(ctx context.Context, symbol string) error {
	b := m.Get(symbol)
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 1; ; attempt++ {
		snap, err := m.fetcher.DepthSnapshot(ctx, symbol, m.snapshotLimit)
		if err == nil {
			if err = b.InstallSnapshot(snap); err == nil {
				logger.Success("BOOK", fmt.Sprintf("%s synced at %d (%d attempts)", symbol, b.LastUpdateID(), attempt))
				return nil
			}
			// Pending diffs could not bridge this snapshot; take a newer one.
			logger.Warn("BOOK", fmt.Sprintf("%s snapshot did not bridge: %v", symbol, err))
		} else {
			logger.Warn("BOOK", fmt.Sprintf("%s snapshot fetch: %v", symbol, err))
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
