package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		rps         float64
		wantEnabled bool
		wantString  string
	}{
		{"zero disables", 0, false, "disabled"},
		{"negative disables", -2, false, "disabled"},
		{"whole rate", 10, true, "10.00 rps"},
		{"sub-second rate", 0.5, true, "1 request per 2s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.rps)
			if l.Enabled() != tt.wantEnabled {
				t.Errorf("Enabled() = %v, want %v", l.Enabled(), tt.wantEnabled)
			}
			if l.String() != tt.wantString {
				t.Errorf("String() = %q, want %q", l.String(), tt.wantString)
			}
		})
	}
}

func TestWait_NilAndDisabled(t *testing.T) {
	var nilLimiter *Limiter
	if err := nilLimiter.Wait(t.Context()); err != nil {
		t.Errorf("nil Wait() error = %v", err)
	}

	l := New(0)
	start := time.Now()
	for range 100 {
		if err := l.Wait(t.Context()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("disabled limiter took %s for 100 waits", elapsed)
	}
}

func TestWait_Throttles(t *testing.T) {
	l := New(20) // one token every 50ms
	start := time.Now()
	for range 3 {
		if err := l.Wait(t.Context()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	// The first token is free, the next two cost ~50ms each.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 waits at 20 rps took %s, want at least 80ms", elapsed)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	l := New(0.1)
	if err := l.Wait(t.Context()); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	// rate.Limiter rejects up front when the deadline is shorter than the delay.
	if err := l.Wait(ctx); err == nil {
		t.Error("Wait() with an exhausted bucket error = nil")
	}
}
