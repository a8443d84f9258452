package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/backoff"

	"go.uber.org/zap"
)

// OrchestratorConfig collects the lifecycle tuning knobs.
type OrchestratorConfig struct {
	OutputRoot       string
	StartupTimeout   time.Duration
	PollInterval     time.Duration
	KeepAliveDefault time.Duration
	Backoff          backoff.Schedule
	MaxRetries       int
	SustainReset     time.Duration
	TerminateGrace   time.Duration
	Smart            SmartConfig
}

// MetricsRecorder receives orchestration events. The prometheus
// collector implements it; tests pass NopMetrics.
type MetricsRecorder interface {
	WorkerStarted(id domain.StreamID)
	WorkerExited(reason domain.ExitReason, uptime time.Duration)
	StreamStatus(status domain.Status, activeSlots int)
	AdmissionDenied()
	Evicted()
	ViewerCount(id domain.StreamID, count int)
	UpdateStatusCounts(snapshots []domain.StreamSnapshot)
	ForgetStream(id domain.StreamID)
}

// NopMetrics discards all events.
type NopMetrics struct{}

func (NopMetrics) WorkerStarted(domain.StreamID)                 {}
func (NopMetrics) WorkerExited(domain.ExitReason, time.Duration) {}
func (NopMetrics) StreamStatus(domain.Status, int)               {}
func (NopMetrics) AdmissionDenied()                              {}
func (NopMetrics) Evicted()                                      {}
func (NopMetrics) ViewerCount(domain.StreamID, int)              {}
func (NopMetrics) UpdateStatusCounts([]domain.StreamSnapshot)    {}
func (NopMetrics) ForgetStream(domain.StreamID)                  {}

// streamState is the orchestrator-owned live state of one stream.
// Every transition happens under mu; gen invalidates stale timer and
// launch completions after a newer transition won.
type streamState struct {
	id domain.StreamID

	mu  sync.Mutex
	gen uint64

	status       domain.Status
	handle       ports.WorkerHandle
	pid          *int
	startTime    *time.Time
	startingAt   time.Time
	runningSince time.Time
	reconnects   int
	attempt      int
	lastError    string
	viewerCount  int
	manualStop   bool
	startPending bool

	keepAlive time.Duration
	policy    modePolicy

	// display fields cached from the record at start time
	name  string
	group string
	mode  domain.Mode

	retryTimer *time.Timer
	idleTimer  *time.Timer
}

// Orchestrator owns the per-stream state machine: it decides when each
// worker exists, supervises health, enforces admission, applies mode
// policy, and is the only mutator of live status.
type Orchestrator struct {
	catalog    ports.StreamRepository
	supervisor ports.WorkerSupervisor
	admission  *AdmissionController
	viewers    *ViewerTracker
	sink       ports.StatusSink
	metrics    MetricsRecorder
	cfg        OrchestratorConfig
	log        *zap.SugaredLogger

	mu     sync.Mutex
	states map[domain.StreamID]*streamState

	runCtx context.Context
}

func NewOrchestrator(
	catalog ports.StreamRepository,
	supervisor ports.WorkerSupervisor,
	admission *AdmissionController,
	sink ports.StatusSink,
	metrics MetricsRecorder,
	cfg OrchestratorConfig,
	livenessWindow time.Duration,
	log *zap.SugaredLogger,
) *Orchestrator {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	o := &Orchestrator{
		catalog:    catalog,
		supervisor: supervisor,
		admission:  admission,
		sink:       sink,
		metrics:    metrics,
		cfg:        cfg,
		log:        log,
		states:     make(map[domain.StreamID]*streamState),
		runCtx:     context.Background(),
	}
	o.viewers = NewViewerTracker(livenessWindow, ViewerCallbacks{
		OnFirstViewer: o.onFirstViewer,
		OnCountChange: o.onViewerCountChange,
	}, log)
	admission.SetEvictor(o)
	return o
}

// SetStatusSink attaches the event feed. Call before Run; snapshots
// published earlier are simply dropped.
func (o *Orchestrator) SetStatusSink(sink ports.StatusSink) {
	o.sink = sink
}

func (o *Orchestrator) state(id domain.StreamID) *streamState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[id]
	if !ok {
		st = &streamState{id: id, status: domain.StatusStopped}
		o.states[id] = st
	}
	return st
}

func (o *Orchestrator) outputDir(id domain.StreamID) string {
	return filepath.Join(o.cfg.OutputRoot, string(id))
}

// Run boots always-on streams, then polls worker health on a fixed
// tick until ctx is cancelled, finally stopping every worker.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runCtx = ctx

	records, err := o.catalog.ListByMode(ctx, domain.ModeAlwaysOn)
	if err != nil {
		o.log.Warnw("listing always-on streams failed", "error", err)
	}
	for _, rec := range records {
		id := rec.ID
		go func() {
			if err := o.StartStream(ctx, id); err != nil {
				o.log.Warnw("boot start failed", "stream_id", id, "error", err)
			}
		}()
	}

	go o.viewers.Run(ctx)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdownAll()
			return nil
		case <-ticker.C:
			o.tick()
		}
	}
}

func (o *Orchestrator) shutdownAll() {
	o.mu.Lock()
	states := make([]*streamState, 0, len(o.states))
	for _, st := range o.states {
		states = append(states, st)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range states {
		wg.Add(1)
		go func(st *streamState) {
			defer wg.Done()
			o.stopState(context.Background(), st, true)
		}(st)
	}
	wg.Wait()
}

// tick polls every supervised worker without blocking on any one
// stream; termination work always runs off this path.
func (o *Orchestrator) tick() {
	o.mu.Lock()
	states := make([]*streamState, 0, len(o.states))
	for _, st := range o.states {
		states = append(states, st)
	}
	o.mu.Unlock()

	for _, st := range states {
		o.pollOne(st)
	}

	o.metrics.UpdateStatusCounts(o.Snapshots())
}

func (o *Orchestrator) pollOne(st *streamState) {
	st.mu.Lock()

	if st.handle == nil {
		st.mu.Unlock()
		return
	}

	ps := st.handle.Poll()
	if !ps.Alive {
		o.handleExitLocked(st, ps)
		st.mu.Unlock()
		return
	}

	if st.status == domain.StatusStarting {
		if o.playlistReady(st.id) {
			o.enterRunningLocked(st)
		} else if time.Since(st.startingAt) > o.cfg.StartupTimeout {
			// Worker is alive but produced nothing inside the startup
			// window; kill it off-tick and schedule the failure path.
			handle := st.handle
			gen := st.gen
			st.mu.Unlock()
			go o.failStartup(st, handle, gen)
			return
		}
	}
	st.mu.Unlock()
}

func (o *Orchestrator) playlistReady(id domain.StreamID) bool {
	_, err := os.Stat(filepath.Join(o.outputDir(id), "playlist.m3u8"))
	return err == nil
}

func (o *Orchestrator) enterRunningLocked(st *streamState) {
	st.status = domain.StatusRunning
	st.runningSince = time.Now()
	st.reconnects = 0
	st.lastError = ""
	if st.policy != nil && st.policy.IdleApplies() && st.viewerCount == 0 {
		o.scheduleIdleLocked(st)
	}
	o.log.Infow("stream running", "stream_id", st.id, "pid", derefPID(st.pid))
	o.publishLocked(st)
}

func (o *Orchestrator) failStartup(st *streamState, handle ports.WorkerHandle, gen uint64) {
	_ = handle.Terminate(context.Background(), o.cfg.TerminateGrace)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gen != gen || st.handle != handle {
		return
	}
	o.handleExitLocked(st, ports.ProcState{
		Reason:    domain.ExitSourceUnreachable,
		LastError: "startup timeout - no playlist produced",
	})
}

// handleExitLocked processes a worker exit: classify, then retry with
// backoff, settle in error, or stop per mode policy.
func (o *Orchestrator) handleExitLocked(st *streamState, ps ports.ProcState) {
	var uptime time.Duration
	if st.startTime != nil {
		uptime = time.Since(*st.startTime)
	}

	// A sustained run resets the backoff ladder.
	if !st.runningSince.IsZero() && time.Since(st.runningSince) >= o.cfg.SustainReset {
		st.attempt = 0
	}

	st.gen++
	st.handle = nil
	st.pid = nil
	st.startTime = nil
	st.runningSince = time.Time{}
	st.startPending = false
	o.cancelTimersLocked(st)

	o.metrics.WorkerExited(ps.Reason, uptime)

	switch {
	case ps.Reason == domain.ExitCleanShutdown:
		st.status = domain.StatusStopped
		o.admission.Release(st.id)
		if st.policy != nil && st.policy.AutoRestart() && !st.manualStop {
			o.scheduleRestartLocked(st)
		}

	case st.manualStop:
		st.status = domain.StatusStopped
		o.admission.Release(st.id)

	case st.attempt < o.cfg.MaxRetries:
		st.status = domain.StatusReconnecting
		st.lastError = ps.LastError
		st.reconnects++
		delay := o.cfg.Backoff.Delay(st.attempt)
		st.attempt++
		o.log.Infow("worker exited, reconnecting",
			"stream_id", st.id,
			"reason", ps.Reason,
			"attempt", st.attempt,
			"delay", delay,
		)
		o.scheduleRetryLocked(st, delay)

	default:
		st.status = domain.StatusError
		st.lastError = ps.LastError
		o.admission.Release(st.id)
		o.log.Warnw("stream settled in error after retry cap",
			"stream_id", st.id,
			"reason", ps.Reason,
			"last_error", st.lastError,
		)
	}

	o.publishLocked(st)
}

func (o *Orchestrator) scheduleRetryLocked(st *streamState, delay time.Duration) {
	gen := st.gen
	st.retryTimer = time.AfterFunc(delay, func() {
		st.mu.Lock()
		if st.gen != gen || st.status != domain.StatusReconnecting {
			st.mu.Unlock()
			return
		}
		// reconnecting -> starting; keep the admission slot we hold.
		st.status = domain.StatusStopped
		st.mu.Unlock()
		if err := o.start(o.runCtx, st, false); err != nil {
			o.log.Warnw("retry start failed", "stream_id", st.id, "error", err)
		}
	})
}

// scheduleRestartLocked re-attempts an always-on stream that stopped
// without an operator asking for it.
func (o *Orchestrator) scheduleRestartLocked(st *streamState) {
	delay := o.cfg.Backoff.Delay(st.attempt)
	st.attempt++
	gen := st.gen
	st.retryTimer = time.AfterFunc(delay, func() {
		st.mu.Lock()
		if st.gen != gen || st.status != domain.StatusStopped {
			st.mu.Unlock()
			return
		}
		st.mu.Unlock()
		if err := o.start(o.runCtx, st, false); err != nil {
			o.log.Warnw("auto restart failed", "stream_id", st.id, "error", err)
		}
	})
}

func (o *Orchestrator) scheduleIdleLocked(st *streamState) {
	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	keepAlive := st.keepAlive
	if keepAlive <= 0 {
		keepAlive = o.cfg.KeepAliveDefault
	}
	gen := st.gen
	st.idleTimer = time.AfterFunc(keepAlive, func() {
		st.mu.Lock()
		stale := st.gen != gen || st.status != domain.StatusRunning ||
			st.viewerCount > 0 || st.policy == nil || !st.policy.IdleApplies()
		st.mu.Unlock()
		if stale {
			return
		}
		o.log.Infow("idle timeout, stopping stream", "stream_id", st.id)
		o.stopState(o.runCtx, st, false)
	})
}

func (o *Orchestrator) cancelTimersLocked(st *streamState) {
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}
	if st.idleTimer != nil {
		st.idleTimer.Stop()
		st.idleTimer = nil
	}
}

// StartStream is the operator-facing start: it resets the retry
// counters before running the shared start path.
func (o *Orchestrator) StartStream(ctx context.Context, id domain.StreamID) error {
	return o.start(ctx, o.state(id), true)
}

func (o *Orchestrator) start(ctx context.Context, st *streamState, manual bool) error {
	st.mu.Lock()
	if st.status.Active() || st.startPending {
		st.mu.Unlock()
		return nil
	}
	if manual {
		st.reconnects = 0
		st.attempt = 0
	}
	st.manualStop = false
	o.cancelTimersLocked(st)
	st.gen++
	gen := st.gen
	// The stream stays in its published status until a slot is
	// granted; startPending blocks duplicate starts meanwhile so the
	// active set never exceeds the admission ceiling.
	st.startPending = true
	st.mu.Unlock()

	fail := func(status domain.Status, msg string, release bool) {
		st.mu.Lock()
		if st.gen == gen {
			st.startPending = false
			st.status = status
			st.lastError = msg
			o.publishLocked(st)
		}
		st.mu.Unlock()
		if release {
			o.admission.Release(st.id)
		}
	}

	// Policy is read from the catalog at start time, never cached
	// longer than this operation.
	rec, err := o.catalog.GetByID(ctx, st.id)
	if err != nil {
		// A reconnecting stream still holds its slot; give it back so
		// the capacity is not leaked. Release of an unheld slot is a
		// no-op.
		fail(domain.StatusStopped, "stream not found in catalog", true)
		return err
	}

	st.mu.Lock()
	if st.gen != gen {
		st.mu.Unlock()
		return nil
	}
	if st.policy == nil || st.policy.Mode() != rec.Mode {
		st.policy = policyFor(rec.Mode, o.cfg.Smart)
	}
	st.name = rec.Name
	st.group = rec.Group
	st.mode = rec.Mode
	st.keepAlive = time.Duration(rec.KeepAliveSeconds) * time.Second
	policy := st.policy
	st.mu.Unlock()

	if err := o.admission.Acquire(ctx, st.id, policy.Evictable()); err != nil {
		o.metrics.AdmissionDenied()
		fail(domain.StatusStopped, "admission denied: no free worker slot", false)
		return err
	}
	o.admission.NoteActivity(st.id, o.viewers.ActiveCount(st.id) > 0)

	st.mu.Lock()
	if st.gen != gen {
		// A stop won while we were acquiring; give the slot back.
		st.mu.Unlock()
		o.admission.Release(st.id)
		return nil
	}
	st.status = domain.StatusStarting
	st.startingAt = time.Now()
	o.publishLocked(st)
	st.mu.Unlock()

	handle, err := o.supervisor.Launch(ctx, ports.LaunchSpec{
		Stream:    rec,
		OutputDir: o.outputDir(st.id),
	})
	if err != nil {
		fail(domain.StatusError, fmt.Sprintf("worker spawn failed: %v", err), true)
		return err
	}

	st.mu.Lock()
	if st.gen != gen {
		// A stop won while we were launching; tear the worker down.
		st.mu.Unlock()
		_ = handle.Terminate(context.Background(), o.cfg.TerminateGrace)
		o.admission.Release(st.id)
		return nil
	}
	pid := handle.PID()
	now := time.Now()
	st.handle = handle
	st.pid = &pid
	st.startTime = &now
	st.startPending = false
	o.metrics.WorkerStarted(st.id)
	o.publishLocked(st)
	st.mu.Unlock()

	return nil
}

// StopStream is idempotent: stopping an already-stopped stream
// succeeds without touching anything.
func (o *Orchestrator) StopStream(ctx context.Context, id domain.StreamID) error {
	return o.stopState(ctx, o.state(id), true)
}

func (o *Orchestrator) stopState(ctx context.Context, st *streamState, manual bool) error {
	st.mu.Lock()
	st.gen++
	o.cancelTimersLocked(st)
	st.startPending = false
	if manual {
		st.manualStop = true
	}

	handle := st.handle
	st.handle = nil
	st.pid = nil
	st.startTime = nil
	st.runningSince = time.Time{}
	wasActive := st.status.Active() || st.status == domain.StatusError
	st.status = domain.StatusStopped
	if wasActive || handle != nil {
		o.publishLocked(st)
	}
	st.mu.Unlock()

	if handle != nil {
		if err := handle.Terminate(ctx, o.cfg.TerminateGrace); err != nil {
			o.log.Warnw("terminate failed", "stream_id", st.id, "error", err)
		}
	}
	o.admission.Release(st.id)
	return nil
}

func (o *Orchestrator) RestartStream(ctx context.Context, id domain.StreamID) error {
	if err := o.StopStream(ctx, id); err != nil {
		return err
	}
	return o.StartStream(ctx, id)
}

// RemoveStream force-stops the worker and deletes the catalog record
// and all orchestrator state for id.
func (o *Orchestrator) RemoveStream(ctx context.Context, id domain.StreamID) error {
	st := o.state(id)
	if err := o.stopState(ctx, st, true); err != nil {
		return err
	}
	o.viewers.Forget(id)
	o.metrics.ForgetStream(id)

	o.mu.Lock()
	delete(o.states, id)
	o.mu.Unlock()

	return o.catalog.Delete(ctx, id)
}

// EvictStream implements the admission controller's eviction: a
// graceful stop freeing the victim's slot.
func (o *Orchestrator) EvictStream(ctx context.Context, id domain.StreamID) error {
	o.metrics.Evicted()
	return o.stopState(ctx, o.state(id), true)
}

// Heartbeat registers viewer presence. The first heartbeat for a
// stopped on-demand/smart stream triggers a start in the background so
// the heartbeat itself stays non-blocking.
func (o *Orchestrator) Heartbeat(ctx context.Context, id domain.StreamID, session domain.SessionID) error {
	if _, err := o.catalog.GetByID(ctx, id); err != nil {
		return err
	}
	o.viewers.Heartbeat(id, session)
	return nil
}

func (o *Orchestrator) Disconnect(id domain.StreamID, session domain.SessionID) {
	o.viewers.Disconnect(id, session)
}

func (o *Orchestrator) onFirstViewer(id domain.StreamID) {
	st := o.state(id)

	st.mu.Lock()
	active := st.status.Active()
	st.mu.Unlock()
	if active {
		return
	}

	go func() {
		rec, err := o.catalog.GetByID(o.runCtx, id)
		if err != nil {
			return
		}
		if rec.Mode == domain.ModeAlwaysOn {
			return
		}
		if err := o.start(o.runCtx, st, false); err != nil {
			o.log.Warnw("viewer-triggered start failed", "stream_id", id, "error", err)
		}
	}()
}

func (o *Orchestrator) onViewerCountChange(id domain.StreamID, count int) {
	st := o.state(id)

	st.mu.Lock()
	prev := st.viewerCount
	st.viewerCount = count
	if count > prev && st.policy != nil {
		st.policy.OnViewerSession(time.Now())
	}
	if st.policy != nil {
		o.admission.SetEvictable(id, st.policy.Evictable())
	}
	if count == 0 {
		if st.status == domain.StatusRunning && st.policy != nil && st.policy.IdleApplies() {
			o.scheduleIdleLocked(st)
		}
	} else if st.idleTimer != nil {
		st.idleTimer.Stop()
		st.idleTimer = nil
	}
	o.publishLocked(st)
	st.mu.Unlock()

	o.admission.NoteActivity(id, count > 0)
	o.metrics.ViewerCount(id, count)
}

// Snapshot returns the read-only live-status projection for one stream.
func (o *Orchestrator) Snapshot(id domain.StreamID) (domain.StreamSnapshot, error) {
	rec, err := o.catalog.GetByID(context.Background(), id)
	if err != nil {
		return domain.StreamSnapshot{}, err
	}

	o.mu.Lock()
	st, ok := o.states[id]
	o.mu.Unlock()
	if !ok {
		return domain.StreamSnapshot{
			ID:          id,
			Name:        rec.Name,
			Group:       rec.Group,
			Mode:        rec.Mode,
			Status:      domain.StatusStopped,
			ViewerCount: o.viewers.ActiveCount(id),
		}, nil
	}

	st.mu.Lock()
	snap := o.snapshotLocked(st)
	st.mu.Unlock()
	if snap.Name == "" {
		snap.Name = rec.Name
		snap.Group = rec.Group
		snap.Mode = rec.Mode
	}
	return snap, nil
}

// Snapshots lists the live status of every configured stream,
// including ones that have never started.
func (o *Orchestrator) Snapshots() []domain.StreamSnapshot {
	records, err := o.catalog.List(context.Background())
	if err != nil {
		o.log.Warnw("catalog list failed", "error", err)
		return nil
	}

	out := make([]domain.StreamSnapshot, 0, len(records))
	for _, rec := range records {
		snap, err := o.Snapshot(rec.ID)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out
}

func (o *Orchestrator) snapshotLocked(st *streamState) domain.StreamSnapshot {
	snap := domain.StreamSnapshot{
		ID:             st.id,
		Name:           st.name,
		Group:          st.group,
		Mode:           st.mode,
		Status:         st.status,
		ReconnectCount: st.reconnects,
		LastError:      st.lastError,
		ViewerCount:    st.viewerCount,
	}
	if st.pid != nil {
		pid := *st.pid
		snap.PID = &pid
	}
	if st.startTime != nil {
		t := *st.startTime
		snap.StartTime = &t
	}
	return snap
}

func (o *Orchestrator) publishLocked(st *streamState) {
	snap := o.snapshotLocked(st)
	o.metrics.StreamStatus(snap.Status, o.admission.InUse())
	if o.sink != nil {
		o.sink.Publish(snap)
	}
}

// BatchStart starts every id, isolating per-item failures.
func (o *Orchestrator) BatchStart(ctx context.Context, ids []domain.StreamID) domain.BatchSummary {
	return o.batch(ids, func(id domain.StreamID) error {
		return o.StartStream(ctx, id)
	})
}

func (o *Orchestrator) BatchStop(ctx context.Context, ids []domain.StreamID) domain.BatchSummary {
	return o.batch(ids, func(id domain.StreamID) error {
		return o.StopStream(ctx, id)
	})
}

func (o *Orchestrator) BatchRestart(ctx context.Context, ids []domain.StreamID) domain.BatchSummary {
	return o.batch(ids, func(id domain.StreamID) error {
		return o.RestartStream(ctx, id)
	})
}

func (o *Orchestrator) batch(ids []domain.StreamID, op func(domain.StreamID) error) domain.BatchSummary {
	results := make([]domain.BatchResult, 0, len(ids))
	for _, id := range ids {
		r := domain.BatchResult{ID: id, Success: true}
		if err := op(id); err != nil {
			r.Success = false
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return domain.Summarize(results)
}

func derefPID(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
