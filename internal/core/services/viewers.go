package services

import (
	"context"
	"sync"
	"time"

	"camrelay/internal/core/domain"

	"go.uber.org/zap"
)

// ViewerCallbacks are invoked by the tracker on presence changes.
// OnFirstViewer fires when a stream goes from zero to one active
// session; OnCountChange fires on every change of the active count.
type ViewerCallbacks struct {
	OnFirstViewer func(id domain.StreamID)
	OnCountChange func(id domain.StreamID, count int)
}

type viewerSessions struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]time.Time
}

// ViewerTracker tracks per-stream viewer presence via heartbeats.
// Mutation is serialized per stream, not globally, so heartbeats for
// unrelated streams never contend.
type ViewerTracker struct {
	mu      sync.RWMutex
	streams map[domain.StreamID]*viewerSessions

	window time.Duration
	cb     ViewerCallbacks
	log    *zap.SugaredLogger
}

func NewViewerTracker(livenessWindow time.Duration, cb ViewerCallbacks, log *zap.SugaredLogger) *ViewerTracker {
	return &ViewerTracker{
		streams: make(map[domain.StreamID]*viewerSessions),
		window:  livenessWindow,
		cb:      cb,
		log:     log,
	}
}

func (t *ViewerTracker) entry(id domain.StreamID) *viewerSessions {
	t.mu.RLock()
	e, ok := t.streams[id]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.streams[id]; ok {
		return e
	}
	e = &viewerSessions{sessions: make(map[domain.SessionID]time.Time)}
	t.streams[id] = e
	return e
}

// Heartbeat records presence of one viewer session and returns the
// active count afterwards.
func (t *ViewerTracker) Heartbeat(id domain.StreamID, session domain.SessionID) int {
	e := t.entry(id)

	e.mu.Lock()
	before := len(e.sessions)
	e.sessions[session] = time.Now()
	after := len(e.sessions)
	e.mu.Unlock()

	if after != before {
		if before == 0 && t.cb.OnFirstViewer != nil {
			t.cb.OnFirstViewer(id)
		}
		if t.cb.OnCountChange != nil {
			t.cb.OnCountChange(id, after)
		}
	}
	return after
}

// Disconnect removes one session immediately instead of waiting for
// the liveness sweep.
func (t *ViewerTracker) Disconnect(id domain.StreamID, session domain.SessionID) {
	t.mu.RLock()
	e, ok := t.streams[id]
	t.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	before := len(e.sessions)
	delete(e.sessions, session)
	after := len(e.sessions)
	e.mu.Unlock()

	if after != before && t.cb.OnCountChange != nil {
		t.cb.OnCountChange(id, after)
	}
}

func (t *ViewerTracker) ActiveCount(id domain.StreamID) int {
	t.mu.RLock()
	e, ok := t.streams[id]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Forget drops all sessions for a removed stream.
func (t *ViewerTracker) Forget(id domain.StreamID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, id)
}

// Run sweeps stale sessions until ctx is cancelled. A session is stale
// when its last heartbeat is older than the liveness window.
func (t *ViewerTracker) Run(ctx context.Context) {
	interval := t.window / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *ViewerTracker) sweep() {
	cutoff := time.Now().Add(-t.window)

	t.mu.RLock()
	ids := make([]domain.StreamID, 0, len(t.streams))
	for id := range t.streams {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	for _, id := range ids {
		t.mu.RLock()
		e, ok := t.streams[id]
		t.mu.RUnlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		before := len(e.sessions)
		for session, last := range e.sessions {
			if last.Before(cutoff) {
				delete(e.sessions, session)
			}
		}
		after := len(e.sessions)
		e.mu.Unlock()

		if after != before {
			t.log.Debugw("expired stale viewer sessions",
				"stream_id", id,
				"removed", before-after,
				"remaining", after,
			)
			if t.cb.OnCountChange != nil {
				t.cb.OnCountChange(id, after)
			}
		}
	}
}
