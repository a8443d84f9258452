package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Schedule computes exponential backoff delays for restart attempts.
// Attempt numbering starts at 0; the delay never exceeds Max.
type Schedule struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultSchedule matches the orchestrator defaults: 5s base doubling
// to a 60s ceiling.
func DefaultSchedule() Schedule {
	return Schedule{
		Base:       5 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
	}
}

// Delay returns the wait before retry number attempt.
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := s.Multiplier
	if mult <= 1 {
		mult = 2.0
	}

	d := float64(s.Base) * math.Pow(mult, float64(attempt))
	if d > float64(s.Max) {
		d = float64(s.Max)
	}
	delay := time.Duration(d)

	// Up to +/-25% random variation to avoid synchronized retries
	// across many streams.
	if s.Jitter {
		jitter := delay / 4
		delay = delay - jitter + time.Duration(rand.Int63n(int64(2*jitter)+1))
	}
	return delay
}
