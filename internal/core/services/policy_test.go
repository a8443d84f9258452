package services

import (
	"testing"
	"time"

	"camrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func testSmartConfig() SmartConfig {
	return SmartConfig{
		PromoteSessions: 3,
		ObserveWindow:   time.Hour,
		DemoteSessions:  2,
		DemoteWindow:    2 * time.Hour,
	}
}

func TestAlwaysOnPolicy(t *testing.T) {
	p := policyFor(domain.ModeAlwaysOn, testSmartConfig())

	assert.Equal(t, domain.ModeAlwaysOn, p.Mode())
	assert.True(t, p.AutoRestart())
	assert.False(t, p.IdleApplies())
	assert.False(t, p.Evictable())
}

func TestOnDemandPolicy(t *testing.T) {
	p := policyFor(domain.ModeOnDemand, testSmartConfig())

	assert.Equal(t, domain.ModeOnDemand, p.Mode())
	assert.False(t, p.AutoRestart())
	assert.True(t, p.IdleApplies())
	assert.True(t, p.Evictable())
}

func TestUnknownModeFallsBackToOnDemand(t *testing.T) {
	p := policyFor(domain.Mode("bogus"), testSmartConfig())

	assert.False(t, p.AutoRestart())
	assert.True(t, p.IdleApplies())
}

func TestSmartStartsAsOnDemand(t *testing.T) {
	p := policyFor(domain.ModeSmart, testSmartConfig())

	assert.Equal(t, domain.ModeSmart, p.Mode())
	assert.False(t, p.AutoRestart())
	assert.True(t, p.IdleApplies())
	assert.True(t, p.Evictable())
}

func TestSmartPromotesAtThreshold(t *testing.T) {
	p := policyFor(domain.ModeSmart, testSmartConfig())
	now := time.Now()

	p.OnViewerSession(now.Add(-10 * time.Minute))
	p.OnViewerSession(now.Add(-5 * time.Minute))
	assert.False(t, p.AutoRestart())

	p.OnViewerSession(now)
	assert.True(t, p.AutoRestart())
	assert.False(t, p.IdleApplies())
	assert.False(t, p.Evictable())
}

func TestSmartIgnoresArrivalsOutsideObserveWindow(t *testing.T) {
	cfg := testSmartConfig()
	cfg.DemoteWindow = cfg.ObserveWindow
	p := policyFor(domain.ModeSmart, cfg)
	now := time.Now()

	// Two arrivals too old to count plus one fresh never reach three.
	p.OnViewerSession(now.Add(-2 * cfg.ObserveWindow))
	p.OnViewerSession(now.Add(-2 * cfg.ObserveWindow))
	p.OnViewerSession(now)

	assert.False(t, p.AutoRestart())
}

func TestSmartDemotesAfterSustainedLowUsage(t *testing.T) {
	cfg := SmartConfig{
		PromoteSessions: 2,
		ObserveWindow:   time.Hour,
		DemoteSessions:  2,
		DemoteWindow:    50 * time.Millisecond,
	}
	obs := newUsageObserver(cfg)
	p := &smartPolicy{obs: obs}

	p.OnViewerSession(time.Now())
	p.OnViewerSession(time.Now())
	assert.True(t, p.AutoRestart())

	// The demote window has elapsed since promotion and no recent
	// arrivals kept the count above the floor.
	time.Sleep(80 * time.Millisecond)
	assert.False(t, p.AutoRestart())
	assert.True(t, p.IdleApplies())
}

func TestSmartStaysPromotedWhileBusy(t *testing.T) {
	cfg := SmartConfig{
		PromoteSessions: 2,
		ObserveWindow:   time.Hour,
		DemoteSessions:  1,
		DemoteWindow:    50 * time.Millisecond,
	}
	p := policyFor(domain.ModeSmart, cfg)

	p.OnViewerSession(time.Now())
	p.OnViewerSession(time.Now())
	assert.True(t, p.AutoRestart())

	time.Sleep(80 * time.Millisecond)
	p.OnViewerSession(time.Now())
	assert.True(t, p.AutoRestart())
}
