package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/backoff"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHandle struct {
	mu    sync.Mutex
	pid   int
	alive bool
	state ports.ProcState
	done  chan struct{}
	once  sync.Once

	terminated bool
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, alive: true, done: make(chan struct{})}
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Poll() ports.ProcState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state
	st.Alive = h.alive
	return st
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Terminate(ctx context.Context, grace time.Duration) error {
	h.mu.Lock()
	h.alive = false
	h.terminated = true
	h.state.Reason = domain.ExitCleanShutdown
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
	return nil
}

// die simulates the worker exiting on its own.
func (h *fakeHandle) die(reason domain.ExitReason, lastError string) {
	h.mu.Lock()
	h.alive = false
	h.state.Reason = reason
	h.state.LastError = lastError
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
}

func (h *fakeHandle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

type fakeSupervisor struct {
	mu      sync.Mutex
	nextPID int
	err     error
	handles []*fakeHandle
}

func (s *fakeSupervisor) Launch(ctx context.Context, spec ports.LaunchSpec) (ports.WorkerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.nextPID++
	h := newFakeHandle(1000 + s.nextPID)
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSupervisor) launchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *fakeSupervisor) handle(i int) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[i]
}

type fakeCatalog struct {
	mu      sync.Mutex
	records map[domain.StreamID]*domain.StreamRecord

	// gate, when set, holds every GetByID until it is closed.
	gate chan struct{}
}

func newFakeCatalog(records ...*domain.StreamRecord) *fakeCatalog {
	c := &fakeCatalog{records: make(map[domain.StreamID]*domain.StreamRecord)}
	for _, rec := range records {
		c.records[rec.ID] = rec
	}
	return c
}

func (c *fakeCatalog) Create(ctx context.Context, rec *domain.StreamRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.ID] = rec.Clone()
	return nil
}

func (c *fakeCatalog) GetByID(ctx context.Context, id domain.StreamID) (*domain.StreamRecord, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	return rec.Clone(), nil
}

func (c *fakeCatalog) Update(ctx context.Context, rec *domain.StreamRecord) error {
	return c.Create(ctx, rec)
}

func (c *fakeCatalog) Delete(ctx context.Context, id domain.StreamID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, id)
	return nil
}

func (c *fakeCatalog) List(ctx context.Context) ([]*domain.StreamRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.StreamRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *fakeCatalog) ListByMode(ctx context.Context, mode domain.Mode) ([]*domain.StreamRecord, error) {
	all, _ := c.List(ctx)
	out := all[:0]
	for _, rec := range all {
		if rec.Mode == mode {
			out = append(out, rec)
		}
	}
	return out, nil
}

type recordSink struct {
	mu    sync.Mutex
	snaps []domain.StreamSnapshot
}

func (s *recordSink) Publish(snap domain.StreamSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

func (s *recordSink) last(id domain.StreamID) (domain.StreamSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.snaps) - 1; i >= 0; i-- {
		if s.snaps[i].ID == id {
			return s.snaps[i], true
		}
	}
	return domain.StreamSnapshot{}, false
}

type recordingMetrics struct {
	NopMetrics

	mu           sync.Mutex
	statusCounts []domain.StreamSnapshot
	forgotten    []domain.StreamID
}

func (m *recordingMetrics) UpdateStatusCounts(snapshots []domain.StreamSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCounts = append([]domain.StreamSnapshot(nil), snapshots...)
}

func (m *recordingMetrics) ForgetStream(id domain.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, id)
}

func (m *recordingMetrics) lastStatusCounts() []domain.StreamSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCounts
}

func (m *recordingMetrics) forgottenStreams() []domain.StreamID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forgotten
}

type testRig struct {
	orch       *Orchestrator
	catalog    *fakeCatalog
	supervisor *fakeSupervisor
	admission  *AdmissionController
	sink       *recordSink
	metrics    *recordingMetrics
	root       string
}

func record(id string, mode domain.Mode) *domain.StreamRecord {
	return &domain.StreamRecord{
		ID:      domain.StreamID(id),
		Name:    "camera " + id,
		RTSPURL: "rtsp://cam.local/" + id,
		Mode:    mode,
	}
}

func newTestRig(t *testing.T, maxSlots int, records ...*domain.StreamRecord) *testRig {
	t.Helper()
	log := zap.NewNop().Sugar()
	rig := &testRig{
		catalog:    newFakeCatalog(records...),
		supervisor: &fakeSupervisor{},
		admission:  NewAdmissionController(maxSlots, log),
		sink:       &recordSink{},
		metrics:    &recordingMetrics{},
		root:       t.TempDir(),
	}
	cfg := OrchestratorConfig{
		OutputRoot:       rig.root,
		StartupTimeout:   5 * time.Second,
		PollInterval:     time.Hour,
		KeepAliveDefault: time.Hour,
		Backoff:          backoff.Schedule{Base: time.Hour, Max: time.Hour, Multiplier: 2.0},
		MaxRetries:       3,
		SustainReset:     time.Minute,
		TerminateGrace:   100 * time.Millisecond,
		Smart:            testSmartConfig(),
	}
	rig.orch = NewOrchestrator(rig.catalog, rig.supervisor, rig.admission, rig.sink, rig.metrics, cfg, time.Minute, log)
	return rig
}

func (r *testRig) writePlaylist(t *testing.T, id domain.StreamID) {
	t.Helper()
	dir := filepath.Join(r.root, string(id))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte("#EXTM3U\n"), 0o644))
}

func (r *testRig) status(t *testing.T, id domain.StreamID) domain.Status {
	t.Helper()
	snap, err := r.orch.Snapshot(id)
	require.NoError(t, err)
	return snap.Status
}

// rawStatus reads the state machine directly, bypassing the catalog.
func (r *testRig) rawStatus(id domain.StreamID) domain.Status {
	st := r.orch.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

func TestStartStreamBecomesRunningOncePlaylistExists(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	assert.Equal(t, domain.StatusStarting, rig.status(t, "cam-1"))
	assert.Equal(t, 1, rig.supervisor.launchCount())
	assert.Equal(t, 1, rig.admission.InUse())

	snap, err := rig.orch.Snapshot("cam-1")
	require.NoError(t, err)
	require.NotNil(t, snap.PID)

	// Still waiting for output on the first poll, running on the next.
	rig.orch.pollOne(rig.orch.state("cam-1"))
	assert.Equal(t, domain.StatusStarting, rig.status(t, "cam-1"))

	rig.writePlaylist(t, "cam-1")
	rig.orch.pollOne(rig.orch.state("cam-1"))
	assert.Equal(t, domain.StatusRunning, rig.status(t, "cam-1"))
}

func TestStartIsIdempotentWhileActive(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))

	assert.Equal(t, 1, rig.supervisor.launchCount())
	assert.Equal(t, 1, rig.admission.InUse())
}

func TestStartUnknownStream(t *testing.T) {
	rig := newTestRig(t, 4)

	err := rig.orch.StartStream(context.Background(), "ghost")
	assert.Error(t, err)
	assert.Equal(t, 0, rig.supervisor.launchCount())
}

func TestStartSpawnFailureSettlesInError(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	rig.supervisor.err = assert.AnError

	err := rig.orch.StartStream(context.Background(), "cam-1")
	assert.Error(t, err)
	assert.Equal(t, domain.StatusError, rig.status(t, "cam-1"))
	assert.Equal(t, 0, rig.admission.InUse())
}

func TestStartDeniedWhenSlotsHeldByUnEvictable(t *testing.T) {
	rig := newTestRig(t, 1,
		record("cam-pinned", domain.ModeAlwaysOn),
		record("cam-2", domain.ModeOnDemand),
	)
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-pinned"))

	err := rig.orch.StartStream(ctx, "cam-2")
	assert.ErrorIs(t, err, domain.ErrAdmissionDenied)
	assert.Equal(t, domain.StatusStopped, rig.status(t, "cam-2"))
	assert.Equal(t, domain.StatusStarting, rig.status(t, "cam-pinned"))
	assert.Equal(t, 1, rig.supervisor.launchCount())
}

func TestStartEvictsIdleStreamWhenFull(t *testing.T) {
	rig := newTestRig(t, 1,
		record("cam-idle", domain.ModeOnDemand),
		record("cam-new", domain.ModeOnDemand),
	)
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-idle"))
	require.NoError(t, rig.orch.StartStream(ctx, "cam-new"))

	assert.Equal(t, domain.StatusStopped, rig.status(t, "cam-idle"))
	assert.Equal(t, domain.StatusStarting, rig.status(t, "cam-new"))
	assert.True(t, rig.supervisor.handle(0).wasTerminated())
	assert.Equal(t, 1, rig.admission.InUse())
}

func TestStopTerminatesWorkerAndFreesSlot(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	require.NoError(t, rig.orch.StopStream(ctx, "cam-1"))

	assert.Equal(t, domain.StatusStopped, rig.status(t, "cam-1"))
	assert.True(t, rig.supervisor.handle(0).wasTerminated())
	assert.Equal(t, 0, rig.admission.InUse())

	// Stopping again is a no-op.
	require.NoError(t, rig.orch.StopStream(ctx, "cam-1"))
}

func TestStoppedSnapshotHasNoPID(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	require.NoError(t, rig.orch.StopStream(ctx, "cam-1"))

	snap, err := rig.orch.Snapshot("cam-1")
	require.NoError(t, err)
	assert.Nil(t, snap.PID)
	assert.Nil(t, snap.StartTime)
}

func TestWorkerExitEntersReconnecting(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	rig.supervisor.handle(0).die(domain.ExitSourceUnreachable, "connection refused")
	rig.orch.pollOne(rig.orch.state("cam-1"))

	snap, err := rig.orch.Snapshot("cam-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReconnecting, snap.Status)
	assert.Equal(t, 1, snap.ReconnectCount)
	assert.Equal(t, "connection refused", snap.LastError)
	// The slot stays held across the backoff wait.
	assert.Equal(t, 1, rig.admission.InUse())
}

func TestRetryCapSettlesInError(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	rig.orch.cfg.MaxRetries = 0
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	rig.supervisor.handle(0).die(domain.ExitTranscodeFailure, "codec not supported")
	rig.orch.pollOne(rig.orch.state("cam-1"))

	snap, err := rig.orch.Snapshot("cam-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, snap.Status)
	assert.Equal(t, "codec not supported", snap.LastError)
	assert.Equal(t, 0, rig.admission.InUse())
}

func TestSustainedRunResetsBackoffLadder(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	rig.orch.cfg.MaxRetries = 1
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))

	st := rig.orch.state("cam-1")
	st.mu.Lock()
	st.attempt = 1 // ladder exhausted
	st.runningSince = time.Now().Add(-2 * time.Minute)
	st.mu.Unlock()

	rig.supervisor.handle(0).die(domain.ExitCrashed, "segfault")
	rig.orch.pollOne(st)

	// Without the sustain reset this exit would settle in error.
	assert.Equal(t, domain.StatusReconnecting, rig.status(t, "cam-1"))
}

func TestCleanShutdownOnDemandStaysStopped(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	rig.supervisor.handle(0).die(domain.ExitCleanShutdown, "")
	rig.orch.pollOne(rig.orch.state("cam-1"))

	assert.Equal(t, domain.StatusStopped, rig.status(t, "cam-1"))
	assert.Equal(t, 0, rig.admission.InUse())
}

func TestCleanShutdownAlwaysOnRestarts(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeAlwaysOn))
	rig.orch.cfg.Backoff = backoff.Schedule{Base: 10 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 2.0}
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	rig.supervisor.handle(0).die(domain.ExitCleanShutdown, "")
	rig.orch.pollOne(rig.orch.state("cam-1"))

	require.Eventually(t, func() bool {
		return rig.supervisor.launchCount() == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.StatusStarting, rig.status(t, "cam-1"))
}

func TestManualStopSticksAfterExit(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeAlwaysOn))
	rig.orch.cfg.Backoff = backoff.Schedule{Base: 10 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 2.0}
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	require.NoError(t, rig.orch.StopStream(ctx, "cam-1"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StatusStopped, rig.status(t, "cam-1"))
	assert.Equal(t, 1, rig.supervisor.launchCount())
}

func TestHeartbeatStartsOnDemandStream(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	ctx := context.Background()

	require.NoError(t, rig.orch.Heartbeat(ctx, "cam-1", "viewer-1"))

	require.Eventually(t, func() bool {
		return rig.supervisor.launchCount() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.StatusStarting, rig.status(t, "cam-1"))
}

func TestHeartbeatUnknownStream(t *testing.T) {
	rig := newTestRig(t, 4)

	err := rig.orch.Heartbeat(context.Background(), "ghost", "viewer-1")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestHeartbeatDoesNotStartAlwaysOn(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeAlwaysOn))
	ctx := context.Background()

	require.NoError(t, rig.orch.Heartbeat(ctx, "cam-1", "viewer-1"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rig.supervisor.launchCount())
}

func TestIdleTimeoutStopsUnwatchedStream(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	rig.orch.cfg.KeepAliveDefault = 30 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	rig.writePlaylist(t, "cam-1")
	rig.orch.pollOne(rig.orch.state("cam-1"))
	require.Equal(t, domain.StatusRunning, rig.status(t, "cam-1"))

	require.Eventually(t, func() bool {
		return rig.status(t, "cam-1") == domain.StatusStopped
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, rig.admission.InUse())
}

func TestViewerPresenceCancelsIdleStop(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	rig.orch.cfg.KeepAliveDefault = 40 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	require.NoError(t, rig.orch.Heartbeat(ctx, "cam-1", "viewer-1"))
	rig.writePlaylist(t, "cam-1")
	rig.orch.pollOne(rig.orch.state("cam-1"))
	require.Equal(t, domain.StatusRunning, rig.status(t, "cam-1"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, domain.StatusRunning, rig.status(t, "cam-1"))

	// Everyone leaves; the idle clock starts now.
	rig.orch.Disconnect("cam-1", "viewer-1")
	require.Eventually(t, func() bool {
		return rig.status(t, "cam-1") == domain.StatusStopped
	}, time.Second, 10*time.Millisecond)
}

func TestStartupTimeoutFailsStream(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	rig.orch.cfg.StartupTimeout = time.Millisecond
	rig.orch.cfg.MaxRetries = 0
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	time.Sleep(10 * time.Millisecond)
	rig.orch.pollOne(rig.orch.state("cam-1"))

	require.Eventually(t, func() bool {
		return rig.status(t, "cam-1") == domain.StatusError
	}, time.Second, 10*time.Millisecond)

	snap, err := rig.orch.Snapshot("cam-1")
	require.NoError(t, err)
	assert.Contains(t, snap.LastError, "startup timeout")
	assert.True(t, rig.supervisor.handle(0).wasTerminated())
}

func TestRemoveStreamDeletesEverything(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	require.NoError(t, rig.orch.Heartbeat(ctx, "cam-1", "viewer-1"))
	require.NoError(t, rig.orch.RemoveStream(ctx, "cam-1"))

	assert.True(t, rig.supervisor.handle(0).wasTerminated())
	_, err := rig.catalog.GetByID(ctx, "cam-1")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	_, err = rig.orch.Snapshot("cam-1")
	assert.Error(t, err)
}

func TestSnapshotNeverStartedStream(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeSmart))

	snap, err := rig.orch.Snapshot("cam-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, snap.Status)
	assert.Equal(t, "camera cam-1", snap.Name)
	assert.Equal(t, domain.ModeSmart, snap.Mode)
	assert.Nil(t, snap.PID)
}

func TestSnapshotsListsEveryConfiguredStream(t *testing.T) {
	rig := newTestRig(t, 4,
		record("cam-a", domain.ModeOnDemand),
		record("cam-b", domain.ModeOnDemand),
	)
	require.NoError(t, rig.orch.StartStream(context.Background(), "cam-a"))

	snaps := rig.orch.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, domain.StatusStarting, snaps[0].Status)
	assert.Equal(t, domain.StatusStopped, snaps[1].Status)
}

func TestBatchStartReportsPerItemFailures(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))

	summary := rig.orch.BatchStart(context.Background(), []domain.StreamID{"cam-1", "ghost"})

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 2)
	assert.True(t, summary.Results[0].Success)
	assert.False(t, summary.Results[1].Success)
	assert.NotEmpty(t, summary.Results[1].Error)
}

func TestStatusSinkSeesTransitions(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	rig.writePlaylist(t, "cam-1")
	rig.orch.pollOne(rig.orch.state("cam-1"))
	require.NoError(t, rig.orch.StopStream(ctx, "cam-1"))

	snap, ok := rig.sink.last("cam-1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusStopped, snap.Status)

	var seen []domain.Status
	rig.sink.mu.Lock()
	for _, s := range rig.sink.snaps {
		seen = append(seen, s.Status)
	}
	rig.sink.mu.Unlock()
	assert.Contains(t, seen, domain.StatusStarting)
	assert.Contains(t, seen, domain.StatusRunning)
}

func TestRetryAfterCatalogRemovalReleasesSlot(t *testing.T) {
	rig := newTestRig(t, 1,
		record("cam-1", domain.ModeAlwaysOn),
		record("cam-2", domain.ModeAlwaysOn),
	)
	rig.orch.cfg.Backoff = backoff.Schedule{Base: 10 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 2.0}
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))

	rig.supervisor.handle(0).die(domain.ExitSourceUnreachable, "connection refused")
	rig.orch.pollOne(rig.orch.state("cam-1"))
	require.Equal(t, domain.StatusReconnecting, rig.status(t, "cam-1"))
	require.Equal(t, 1, rig.admission.InUse())

	require.NoError(t, rig.catalog.Delete(ctx, "cam-1"))

	// The retry fires, finds no catalog record and must hand the
	// slot back instead of parking stopped while still holding it.
	require.Eventually(t, func() bool {
		return rig.admission.InUse() == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.StatusStopped, rig.rawStatus("cam-1"))

	require.NoError(t, rig.orch.StartStream(ctx, "cam-2"))
	assert.Equal(t, domain.StatusStarting, rig.status(t, "cam-2"))
}

func TestConcurrentStartsNeverExceedSlotCeiling(t *testing.T) {
	rig := newTestRig(t, 1,
		record("cam-a", domain.ModeAlwaysOn),
		record("cam-b", domain.ModeAlwaysOn),
		record("cam-c", domain.ModeAlwaysOn),
	)
	gate := make(chan struct{})
	rig.catalog.gate = gate
	ctx := context.Background()

	ids := []domain.StreamID{"cam-a", "cam-b", "cam-c"}
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id domain.StreamID) {
			defer wg.Done()
			errs[i] = rig.orch.StartStream(ctx, id)
		}(i, id)
	}

	// While the catalog reads are parked no stream may show as active:
	// entering starting happens only after a slot is granted.
	time.Sleep(50 * time.Millisecond)
	for _, id := range ids {
		assert.Equal(t, domain.StatusStopped, rig.rawStatus(id))
	}

	close(gate)
	wg.Wait()

	var started, denied int
	for _, err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, domain.ErrAdmissionDenied):
			denied++
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 2, denied)
	assert.Equal(t, 1, rig.supervisor.launchCount())
	assert.Equal(t, 1, rig.admission.InUse())
}

func TestTickRefreshesStatusGauges(t *testing.T) {
	rig := newTestRig(t, 4,
		record("cam-1", domain.ModeOnDemand),
		record("cam-2", domain.ModeOnDemand),
	)
	require.NoError(t, rig.orch.StartStream(context.Background(), "cam-1"))

	rig.orch.tick()

	counts := rig.metrics.lastStatusCounts()
	require.Len(t, counts, 2)
	assert.Equal(t, domain.StatusStarting, counts[0].Status)
	assert.Equal(t, domain.StatusStopped, counts[1].Status)
}

func TestRemoveStreamDropsItsMetricSeries(t *testing.T) {
	rig := newTestRig(t, 4, record("cam-1", domain.ModeOnDemand))
	ctx := context.Background()

	require.NoError(t, rig.orch.StartStream(ctx, "cam-1"))
	require.NoError(t, rig.orch.RemoveStream(ctx, "cam-1"))

	assert.Equal(t, []domain.StreamID{"cam-1"}, rig.metrics.forgottenStreams())
}
