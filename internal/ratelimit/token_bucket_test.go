package ratelimit

import (
	"testing"
	"time"

	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
)

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	b := NewTokenBucket(clk, 5, 5)

	if !b.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(200 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
	if b.Allow(1) {
		t.Fatalf("expected a single token after 200ms at 5/s")
	}
}

func TestTokenBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}

	clk.Advance(10 * time.Second)
	if got := b.Available(); got != 1 {
		t.Fatalf("Available=%d, want 1", got)
	}
	if !b.Allow(1) {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("expected capacity clamp (only 1 token available)")
	}
}

func TestTokenBucket_OversizedRequestNeverFits(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	b := NewTokenBucket(clk, 10, 100)

	if b.Allow(11) {
		t.Fatalf("a request above capacity must be refused")
	}
	if !b.Allow(0) || !b.Allow(-3) {
		t.Fatalf("non-positive requests always succeed")
	}
	if got := b.Available(); got != 10 {
		t.Fatalf("Available=%d, want 10 (refused request must not consume)", got)
	}
}

func TestTokenBucket_ZeroRateNeverRefills(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	b := NewTokenBucket(clk, 2, 0)
	if !b.Allow(2) {
		t.Fatalf("expected initial burst")
	}
	clk.Advance(time.Hour)
	if b.Allow(1) {
		t.Fatalf("zero rate must not refill")
	}
}
