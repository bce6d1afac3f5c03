package retry

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func TestPolicyDelayExponential(t *testing.T) {
	t.Parallel()
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{12, time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n, nil, nil); got != tt.want {
			t.Fatalf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestPolicyDelayHonoursHint(t *testing.T) {
	t.Parallel()
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second}
	err := RetryAfter(errors.New("slow down"), 300*time.Millisecond)
	if got := p.Delay(1, err, nil); got != 300*time.Millisecond {
		t.Fatalf("hint delay = %v", got)
	}
	big := RetryAfter(errors.New("slow down"), time.Minute)
	if got := p.Delay(1, fmt.Errorf("wrapped: %w", big), nil); got != time.Second {
		t.Fatalf("hint should be capped at Max, got %v", got)
	}
}

func TestPolicyJitterBounds(t *testing.T) {
	t.Parallel()
	p := Policy{Base: time.Second, Max: 10 * time.Second, Jitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := p.Delay(1, nil, rng)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay out of bounds: %v", d)
		}
	}
}

func TestNoRetryWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("bad input")
	err := fmt.Errorf("call: %w", NoRetry(base))
	if !IsNoRetry(err) {
		t.Fatal("expected IsNoRetry")
	}
	if !errors.Is(err, base) {
		t.Fatal("NoRetry must unwrap to the original error")
	}
	if NoRetry(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatal("nil in, nil out")
	}
	if IsNoRetry(base) {
		t.Fatal("plain error reported as no-retry")
	}
}
