package binance

import (
	"context"
	"testing"
	"time"
)

func TestWeightLimiter_AllowsWithinBudget(t *testing.T) {
	l := newWeightLimiter(100)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := l.Acquire(ctx, 10); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
}

func TestWeightLimiter_BlocksOverBudget(t *testing.T) {
	l := newWeightLimiter(10)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx, 10); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire(ctx, 1); err == nil {
		t.Fatal("second acquire should block until the window frees or ctx expires")
	}
}

// A server-reported used weight above the local estimate tightens the
// window.
func TestWeightLimiter_ObservesServerWeight(t *testing.T) {
	l := newWeightLimiter(100)
	l.Observe(100)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, 1); err == nil {
		t.Fatal("acquire should respect the server-reported usage")
	}
}
