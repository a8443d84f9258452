package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsExponentially(t *testing.T) {
	s := Schedule{
		Base:       5 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
	}

	assert.Equal(t, 5*time.Second, s.Delay(0))
	assert.Equal(t, 10*time.Second, s.Delay(1))
	assert.Equal(t, 20*time.Second, s.Delay(2))
	assert.Equal(t, 40*time.Second, s.Delay(3))
}

func TestDelayCapsAtMax(t *testing.T) {
	s := Schedule{
		Base:       5 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
	}

	assert.Equal(t, 60*time.Second, s.Delay(4))
	assert.Equal(t, 60*time.Second, s.Delay(10))
	assert.Equal(t, 60*time.Second, s.Delay(100))
}

func TestDelayNegativeAttempt(t *testing.T) {
	s := DefaultSchedule()
	assert.Equal(t, s.Delay(0), s.Delay(-1))
}

func TestDelayWithJitterStaysBounded(t *testing.T) {
	s := Schedule{
		Base:       5 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	for attempt := 0; attempt < 8; attempt++ {
		for i := 0; i < 50; i++ {
			d := s.Delay(attempt)
			assert.Greater(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, 75*time.Second)
		}
	}
}

func TestDefaultSchedule(t *testing.T) {
	s := DefaultSchedule()
	assert.Equal(t, 5*time.Second, s.Base)
	assert.Equal(t, 60*time.Second, s.Max)
	assert.Equal(t, 2.0, s.Multiplier)
}
