package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camrelay/internal/core/domain"

	"go.uber.org/zap"
)

// Evictor gracefully stops a running stream to free its slot. The
// orchestrator implements it; the controller only chooses the victim.
type Evictor interface {
	EvictStream(ctx context.Context, id domain.StreamID) error
}

type admissionSlot struct {
	admittedAt    time.Time
	evictable     bool
	lastActivity  time.Time
	activeViewers bool
}

// AdmissionController bounds the number of concurrently admitted
// workers. A stream holds its slot for the whole starting/running/
// reconnecting span.
type AdmissionController struct {
	mu      sync.Mutex
	max     int
	slots   map[domain.StreamID]*admissionSlot
	evictor Evictor
	log     *zap.SugaredLogger
}

func NewAdmissionController(max int, log *zap.SugaredLogger) *AdmissionController {
	return &AdmissionController{
		max:   max,
		slots: make(map[domain.StreamID]*admissionSlot),
		log:   log,
	}
}

// SetEvictor wires the orchestrator in after construction (the two
// reference each other).
func (a *AdmissionController) SetEvictor(e Evictor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictor = e
}

// Acquire grants a slot for id, evicting the stalest idle on-demand
// stream when at capacity. The slot carries its evictability from the
// first instant it exists, so a concurrent Acquire can never pick a
// freshly admitted always-on stream as a victim. Returns
// domain.ErrAdmissionDenied when no slot can be freed.
func (a *AdmissionController) Acquire(ctx context.Context, id domain.StreamID, evictable bool) error {
	// Bounded loop: another caller may race us to the freed slot.
	for attempt := 0; attempt < 3; attempt++ {
		a.mu.Lock()
		if s, held := a.slots[id]; held {
			s.evictable = evictable
			a.mu.Unlock()
			return nil
		}
		if len(a.slots) < a.max {
			now := time.Now()
			a.slots[id] = &admissionSlot{admittedAt: now, lastActivity: now, evictable: evictable}
			a.mu.Unlock()
			return nil
		}

		victim := a.pickVictimLocked()
		evictor := a.evictor
		a.mu.Unlock()

		if victim == "" || evictor == nil {
			return domain.ErrAdmissionDenied
		}

		a.log.Infow("evicting idle stream to free admission slot",
			"victim", victim,
			"requested_by", id,
		)
		if err := evictor.EvictStream(ctx, victim); err != nil {
			return fmt.Errorf("%w: eviction of %s failed: %v", domain.ErrAdmissionDenied, victim, err)
		}
	}
	return domain.ErrAdmissionDenied
}

// pickVictimLocked selects the longest-running-without-recent-viewer-
// activity evictable slot; admission time breaks ties (FIFO).
func (a *AdmissionController) pickVictimLocked() domain.StreamID {
	var victim domain.StreamID
	var victimSlot *admissionSlot

	for id, s := range a.slots {
		if !s.evictable || s.activeViewers {
			continue
		}
		if victimSlot == nil ||
			s.lastActivity.Before(victimSlot.lastActivity) ||
			(s.lastActivity.Equal(victimSlot.lastActivity) && s.admittedAt.Before(victimSlot.admittedAt)) {
			victim = id
			victimSlot = s
		}
	}
	return victim
}

// Release frees the slot when a stream leaves the active statuses.
// Releasing an unheld slot is a no-op.
func (a *AdmissionController) Release(id domain.StreamID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.slots, id)
}

// SetEvictable marks whether id may be chosen as an eviction victim.
// Always-on streams (and promoted smart streams) are not candidates.
func (a *AdmissionController) SetEvictable(id domain.StreamID, evictable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.slots[id]; ok {
		s.evictable = evictable
	}
}

// NoteActivity records viewer presence for the eviction ordering.
func (a *AdmissionController) NoteActivity(id domain.StreamID, activeViewers bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.slots[id]; ok {
		s.lastActivity = time.Now()
		s.activeViewers = activeViewers
	}
}

// InUse returns the number of held slots.
func (a *AdmissionController) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}
