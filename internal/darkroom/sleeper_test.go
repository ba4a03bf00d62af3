package darkroom

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRealSleeper_Sleeps(t *testing.T) {
	if err := (realSleeper{}).Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
}

func TestRealSleeper_ZeroDuration(t *testing.T) {
	if err := (realSleeper{}).Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
}

func TestRealSleeper_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := (realSleeper{}).Sleep(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("sleep did not abort promptly: %v", elapsed)
	}
}
