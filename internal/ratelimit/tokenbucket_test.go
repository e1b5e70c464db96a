package ratelimit

import (
	"testing"
	"time"

	"github.com/nugget/sentryd/internal/clock"
)

func TestNew_RejectsNonPositiveArgs(t *testing.T) {
	c := clock.NewManual(time.Now())
	if _, err := New(c, 0, 10); err == nil {
		t.Fatal("expected error for zero rate")
	}
	if _, err := New(c, 10, 0); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := New(c, -1, 10); err == nil {
		t.Fatal("expected error for negative rate")
	}
}

func TestAcquire_CapsAtCapacityAndSubtractsExactly(t *testing.T) {
	c := clock.NewManual(time.Now())
	b, err := New(c, 1, 10)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !b.Acquire(10) {
		t.Fatal("expected full-bucket acquire(10) to succeed")
	}
	if got := b.AvailableTokens(); got != 0 {
		t.Fatalf("AvailableTokens() = %v, want 0", got)
	}

	if b.Acquire(1) {
		t.Fatal("expected acquire(1) on empty bucket to fail")
	}

	c.Advance(5 * time.Second)
	if got := b.AvailableTokens(); got != 5 {
		t.Fatalf("AvailableTokens() after 5s = %v, want 5", got)
	}

	c.Advance(100 * time.Second)
	if got := b.AvailableTokens(); got != 10 {
		t.Fatalf("AvailableTokens() should cap at capacity, got %v", got)
	}
}

func TestAcquire_NonPositiveAlwaysSucceedsWithoutMutation(t *testing.T) {
	c := clock.NewManual(time.Now())
	b, _ := New(c, 1, 10)
	b.Acquire(10)

	if !b.Acquire(0) {
		t.Fatal("acquire(0) must always succeed")
	}
	if !b.Acquire(-5) {
		t.Fatal("acquire(negative) must always succeed")
	}
	if got := b.AvailableTokens(); got != 0 {
		t.Fatalf("AvailableTokens() = %v, want unchanged 0", got)
	}
}

func TestReset_RestoresFullCapacity(t *testing.T) {
	c := clock.NewManual(time.Now())
	b, _ := New(c, 1, 10)
	b.Acquire(10)
	b.Reset()
	if got := b.AvailableTokens(); got != 10 {
		t.Fatalf("AvailableTokens() after Reset = %v, want 10", got)
	}
}
