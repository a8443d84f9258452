package ports

import (
	"context"
	"time"

	"camrelay/internal/core/domain"
)

// StreamOrchestrator owns the per-stream state machine and is the only
// component allowed to mutate live status.
type StreamOrchestrator interface {
	// Run starts background loops (health polling, always-on boot) and
	// blocks until ctx is cancelled, then stops every worker.
	Run(ctx context.Context) error

	StartStream(ctx context.Context, id domain.StreamID) error
	StopStream(ctx context.Context, id domain.StreamID) error
	RestartStream(ctx context.Context, id domain.StreamID) error
	RemoveStream(ctx context.Context, id domain.StreamID) error

	Snapshot(id domain.StreamID) (domain.StreamSnapshot, error)
	Snapshots() []domain.StreamSnapshot

	Heartbeat(ctx context.Context, id domain.StreamID, session domain.SessionID) error
	Disconnect(id domain.StreamID, session domain.SessionID)

	BatchStart(ctx context.Context, ids []domain.StreamID) domain.BatchSummary
	BatchStop(ctx context.Context, ids []domain.StreamID) domain.BatchSummary
	BatchRestart(ctx context.Context, ids []domain.StreamID) domain.BatchSummary
}

// TokenAuthority issues and validates scoped playback credentials.
// Validation is a pure function of the claim plus current time.
type TokenAuthority interface {
	Issue(id domain.StreamID, ttl time.Duration, bindAddr string) (string, error)
	Validate(token, remoteAddr string) (domain.StreamID, domain.SessionID, error)
}

// StatusSink receives live status snapshots on every transition the
// orchestrator records. Implementations must not block.
type StatusSink interface {
	Publish(snap domain.StreamSnapshot)
}
