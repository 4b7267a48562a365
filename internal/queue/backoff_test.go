package queue

import (
	"testing"
	"time"
)

func TestBackoffDelayBounds(t *testing.T) {
	cases := []struct {
		attempts int
		min      time.Duration
		max      time.Duration
	}{
		{0, time.Second, time.Second},
		{1, time.Second, 2 * time.Second},
		{2, time.Second, 4 * time.Second},
		{3, time.Second, 8 * time.Second},
		{5, time.Second, 30 * time.Second},
		{20, time.Second, 30 * time.Second},
	}
	b := DefaultBackoff()
	for _, tc := range cases {
		for i := 0; i < 200; i++ {
			d := b.Delay(tc.attempts)
			if d < tc.min || d > tc.max {
				t.Fatalf("attempts=%d delay=%v outside [%v, %v]", tc.attempts, d, tc.min, tc.max)
			}
		}
	}
}

func TestBackoffDelayNeverBelowBase(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second, rnd: func() float64 { return 0 }}
	if d := b.Delay(4); d != time.Second {
		t.Fatalf("zero jitter should land on base, got %v", d)
	}
	b.rnd = func() float64 { return 1 }
	if d := b.Delay(4); d != 16*time.Second {
		t.Fatalf("full jitter at attempts=4 should reach 16s, got %v", d)
	}
}

func TestBackoffCapClamp(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second, rnd: func() float64 { return 1 }}
	if d := b.Delay(10); d != 30*time.Second {
		t.Fatalf("ceiling should clamp at cap, got %v", d)
	}
}
