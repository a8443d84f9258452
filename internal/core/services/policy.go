package services

import (
	"sync"
	"time"

	"camrelay/internal/core/domain"
)

// modePolicy is the closed set of per-mode behaviors layered over the
// base state machine. The orchestrator consults it instead of
// branching on the mode field.
type modePolicy interface {
	Mode() domain.Mode
	// AutoRestart reports whether a stream that reached stopped by
	// anything other than an operator stop should start again.
	AutoRestart() bool
	// IdleApplies reports whether zero viewers for the keep-alive
	// duration should shut the worker down.
	IdleApplies() bool
	// Evictable reports whether the stream may lose its admission slot.
	Evictable() bool
	// OnViewerSession feeds a new viewer session arrival.
	OnViewerSession(now time.Time)
}

type alwaysOnPolicy struct{}

func (alwaysOnPolicy) Mode() domain.Mode          { return domain.ModeAlwaysOn }
func (alwaysOnPolicy) AutoRestart() bool          { return true }
func (alwaysOnPolicy) IdleApplies() bool          { return false }
func (alwaysOnPolicy) Evictable() bool            { return false }
func (alwaysOnPolicy) OnViewerSession(time.Time)  {}

type onDemandPolicy struct{}

func (onDemandPolicy) Mode() domain.Mode          { return domain.ModeOnDemand }
func (onDemandPolicy) AutoRestart() bool          { return false }
func (onDemandPolicy) IdleApplies() bool          { return true }
func (onDemandPolicy) Evictable() bool            { return true }
func (onDemandPolicy) OnViewerSession(time.Time)  {}

// smartPolicy behaves as on-demand until the usage observer promotes
// it, after which it behaves as always-on until demoted.
type smartPolicy struct {
	obs *usageObserver
}

func (p *smartPolicy) Mode() domain.Mode { return domain.ModeSmart }

func (p *smartPolicy) AutoRestart() bool { return p.obs.Promoted() }

func (p *smartPolicy) IdleApplies() bool { return !p.obs.Promoted() }

func (p *smartPolicy) Evictable() bool { return !p.obs.Promoted() }

func (p *smartPolicy) OnViewerSession(now time.Time) { p.obs.NoteSession(now) }

// SmartConfig holds the promotion/demotion thresholds. They are a
// tuning choice, not a correctness contract, so they come from
// configuration.
type SmartConfig struct {
	PromoteSessions int
	ObserveWindow   time.Duration
	DemoteSessions  int
	DemoteWindow    time.Duration
}

// usageObserver implements the smart-mode hysteresis: promotion when
// session arrivals within the observation window reach the threshold,
// demotion only after a sustained low-usage window. Decisions are made
// over session-count buckets, never on a single event.
type usageObserver struct {
	mu         sync.Mutex
	cfg        SmartConfig
	arrivals   []time.Time
	promoted   bool
	promotedAt time.Time
}

func newUsageObserver(cfg SmartConfig) *usageObserver {
	return &usageObserver{cfg: cfg}
}

func (o *usageObserver) NoteSession(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.arrivals = append(o.arrivals, now)
	o.evaluate(now)
}

func (o *usageObserver) Promoted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evaluate(time.Now())
	return o.promoted
}

func (o *usageObserver) evaluate(now time.Time) {
	retain := o.cfg.ObserveWindow
	if o.cfg.DemoteWindow > retain {
		retain = o.cfg.DemoteWindow
	}
	cutoff := now.Add(-retain)
	kept := o.arrivals[:0]
	for _, t := range o.arrivals {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	o.arrivals = kept

	if !o.promoted {
		if o.countSince(now.Add(-o.cfg.ObserveWindow)) >= o.cfg.PromoteSessions {
			o.promoted = true
			o.promotedAt = now
		}
		return
	}

	// Demote only after the full demote window has passed since
	// promotion, and only when usage stayed below the floor.
	if now.Sub(o.promotedAt) >= o.cfg.DemoteWindow &&
		o.countSince(now.Add(-o.cfg.DemoteWindow)) < o.cfg.DemoteSessions {
		o.promoted = false
	}
}

func (o *usageObserver) countSince(cutoff time.Time) int {
	n := 0
	for _, t := range o.arrivals {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// policyFor builds the policy variant for a record's mode. Unknown
// modes fall back to on-demand, the safest default.
func policyFor(mode domain.Mode, smart SmartConfig) modePolicy {
	switch mode {
	case domain.ModeAlwaysOn:
		return alwaysOnPolicy{}
	case domain.ModeSmart:
		return &smartPolicy{obs: newUsageObserver(smart)}
	default:
		return onDemandPolicy{}
	}
}
