package service

import (
	"testing"
	"time"
)

func TestPacerOnThrottle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		retryAfter time.Duration
		want       time.Duration
	}{
		{name: "no hint uses floor", retryAfter: 0, want: time.Second},
		{name: "short hint raised to floor", retryAfter: 200 * time.Millisecond, want: time.Second},
		{name: "hint honored", retryAfter: 9 * time.Second, want: 9 * time.Second},
		{name: "hint capped", retryAfter: time.Hour, want: 2 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := NewPacer(DefaultPacerConfig())
			if got := p.OnThrottle(tt.retryAfter); got != tt.want {
				t.Fatalf("OnThrottle(%s) = %s, want %s", tt.retryAfter, got, tt.want)
			}
		})
	}
}

func TestPacerDelayGrowsUntilCap(t *testing.T) {
	t.Parallel()

	p := NewPacer(PacerConfig{
		BaseDelay: 100 * time.Millisecond,
		Increment: 50 * time.Millisecond,
		MaxDelay:  200 * time.Millisecond,
	})
	if got := p.Delay(); got != 100*time.Millisecond {
		t.Fatalf("initial delay = %s, want 100ms", got)
	}

	p.OnThrottle(0)
	if got := p.Delay(); got != 150*time.Millisecond {
		t.Fatalf("delay after first throttle = %s, want 150ms", got)
	}

	p.OnThrottle(0)
	p.OnThrottle(0)
	if got := p.Delay(); got != 200*time.Millisecond {
		t.Fatalf("delay after repeated throttles = %s, want 200ms cap", got)
	}
}

func TestPacerOutageBackoff(t *testing.T) {
	t.Parallel()

	p := NewPacer(DefaultPacerConfig())
	p.randIntn = func(n int) int { return 0 }

	tests := []struct {
		outages int
		want    time.Duration
	}{
		{outages: 0, want: time.Second},
		{outages: 1, want: time.Second},
		{outages: 2, want: 2 * time.Second},
		{outages: 4, want: 8 * time.Second},
		{outages: 30, want: 2 * time.Minute},
	}

	for _, tt := range tests {
		if got := p.OutageBackoff(tt.outages); got != tt.want {
			t.Fatalf("OutageBackoff(%d) = %s, want %s", tt.outages, got, tt.want)
		}
	}
}

func TestPacerOutageBackoffAddsJitter(t *testing.T) {
	t.Parallel()

	p := NewPacer(DefaultPacerConfig())
	p.randIntn = func(n int) int {
		if n != maxOutageJitterMillis+1 {
			t.Fatalf("jitter range = %d, want %d", n, maxOutageJitterMillis+1)
		}
		return 100
	}

	if got := p.OutageBackoff(1); got != time.Second+100*time.Millisecond {
		t.Fatalf("OutageBackoff(1) = %s, want 1.1s", got)
	}
}

func TestPacerConfigWithDefaults(t *testing.T) {
	t.Parallel()

	got := PacerConfig{BaseDelay: 5 * time.Second, ThrottleFloor: 10 * time.Minute}.withDefaults()
	if got.MaxDelay != 5*time.Second {
		t.Fatalf("max delay = %s, want raised to base delay", got.MaxDelay)
	}
	if got.ThrottleMax != 10*time.Minute {
		t.Fatalf("throttle max = %s, want raised to floor", got.ThrottleMax)
	}
}
