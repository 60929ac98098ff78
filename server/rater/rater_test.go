package rater

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestNextWindow(t *testing.T) {
	const period = int64(3600)

	if _, ok := nextWindow(0, period-1, period); ok {
		t.Fatal("sub-period tick must not open a window")
	}

	newLast, ok := nextWindow(0, period, period)
	if !ok || newLast != period {
		t.Fatalf("boundary tick = (%d, %v), want one full period", newLast, ok)
	}

	// A long gap advances by whole periods only; the 17s remainder stays
	// for the next tick.
	now := int64(1000) + 3*period + 17
	newLast, ok = nextWindow(1000, now, period)
	if !ok || newLast != 1000+3*period {
		t.Fatalf("multi-period advance = (%d, %v), want %d", newLast, ok, 1000+3*period)
	}

	// A second tick inside the same period is a no-op.
	if got, ok := nextWindow(newLast, now, period); ok {
		t.Fatalf("second tick advanced to %d, want no-op", got)
	}
}

func TestTickRefusesConcurrentRun(t *testing.T) {
	rt := New(nil, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	rt.running.Store(true)

	ran, err := rt.Tick(context.Background(), 1<<30)
	if err != ErrRunning {
		t.Fatalf("err = %v, want ErrRunning", err)
	}
	if ran {
		t.Fatal("a tick during a run must not report a committed run")
	}
}
