package service

import (
	"math/rand"
	"time"
)

const (
	defaultPaceDelay       = 50 * time.Millisecond
	defaultPaceIncrement   = 25 * time.Millisecond
	defaultPaceMax         = 2 * time.Second
	defaultThrottleFloor   = time.Second
	defaultThrottleMax     = 2 * time.Minute
	maxOutageJitterMillis  = 250
	maxOutageBackoffShifts = 16
)

// PacerConfig tunes the inter-message delay and the throttle/outage waits.
type PacerConfig struct {
	BaseDelay     time.Duration
	Increment     time.Duration
	MaxDelay      time.Duration
	ThrottleFloor time.Duration
	ThrottleMax   time.Duration
}

func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		BaseDelay:     defaultPaceDelay,
		Increment:     defaultPaceIncrement,
		MaxDelay:      defaultPaceMax,
		ThrottleFloor: defaultThrottleFloor,
		ThrottleMax:   defaultThrottleMax,
	}
}

func (c PacerConfig) withDefaults() PacerConfig {
	d := DefaultPacerConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.Increment <= 0 {
		c.Increment = d.Increment
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ThrottleFloor <= 0 {
		c.ThrottleFloor = d.ThrottleFloor
	}
	if c.ThrottleMax <= 0 {
		c.ThrottleMax = d.ThrottleMax
	}
	if c.ThrottleMax < c.ThrottleFloor {
		c.ThrottleMax = c.ThrottleFloor
	}
	return c
}

// Pacer tracks the pacing delay of one delivery run. Throttles slow the run down
// for its remaining lifetime; the delay is never reset between batches.
type Pacer struct {
	cfg      PacerConfig
	delay    time.Duration
	randIntn func(n int) int
}

func NewPacer(cfg PacerConfig) *Pacer {
	cfg = cfg.withDefaults()
	return &Pacer{
		cfg:      cfg,
		delay:    cfg.BaseDelay,
		randIntn: rand.Intn,
	}
}

// Delay is the current wait between two sends.
func (p *Pacer) Delay() time.Duration {
	return p.delay
}

// OnThrottle widens the pacing delay and returns how long to back off before the next send.
func (p *Pacer) OnThrottle(retryAfter time.Duration) time.Duration {
	p.delay = min(p.delay+p.cfg.Increment, p.cfg.MaxDelay)
	return min(max(retryAfter, p.cfg.ThrottleFloor), p.cfg.ThrottleMax)
}

// OutageBackoff returns the wait after the n-th consecutive gateway outage.
func (p *Pacer) OutageBackoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := min(n-1, maxOutageBackoffShifts)
	wait := min(p.cfg.ThrottleFloor<<shift, p.cfg.ThrottleMax)

	jitterMillis := 0
	if p.randIntn != nil {
		jitterMillis = p.randIntn(maxOutageJitterMillis + 1)
	}
	return wait + time.Duration(jitterMillis)*time.Millisecond
}
