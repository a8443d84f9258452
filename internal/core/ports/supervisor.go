package ports

import (
	"context"
	"time"

	"camrelay/internal/core/domain"
)

// LaunchSpec describes one worker invocation. The orchestrator builds it
// from the catalog record at start time and never caches it longer than
// one operation.
type LaunchSpec struct {
	Stream    *domain.StreamRecord
	OutputDir string
}

// ProcState is a non-blocking snapshot of a worker process.
type ProcState struct {
	Alive      bool
	ExitCode   int
	Reason     domain.ExitReason
	LastError  string // humanized stderr tail, empty while alive
	StderrTail string
}

// WorkerHandle is the exclusively-owned handle for one worker process.
// No other component holds or signals the pid directly.
type WorkerHandle interface {
	PID() int
	// Poll never blocks; the orchestrator calls it on its health tick.
	Poll() ProcState
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Terminate sends a graceful stop signal, waits up to grace, then
	// force-kills the process group. Safe to call repeatedly; the
	// process is gone when it returns.
	Terminate(ctx context.Context, grace time.Duration) error
}

// WorkerSupervisor launches external transcoding workers.
type WorkerSupervisor interface {
	Launch(ctx context.Context, spec LaunchSpec) (WorkerHandle, error)
}
