package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"go.uber.org/zap"
)

const stderrTailBytes = 8192

// Supervisor launches and owns external ffmpeg workers. It is the only
// component that holds pids or sends signals.
type Supervisor struct {
	cmdCfg        CommandConfig
	outputRoot    string
	startupWindow time.Duration
	log           *zap.SugaredLogger
}

func NewSupervisor(cmdCfg CommandConfig, outputRoot string, startupWindow time.Duration, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		cmdCfg:        cmdCfg,
		outputRoot:    outputRoot,
		startupWindow: startupWindow,
		log:           log,
	}
}

// OutputDir returns the working directory for one stream's artifacts.
func (s *Supervisor) OutputDir(id domain.StreamID) string {
	return filepath.Join(s.outputRoot, string(id))
}

// Launch builds the worker invocation from the record's policy and
// starts it with output directed at the stream's working directory.
func (s *Supervisor) Launch(ctx context.Context, spec ports.LaunchSpec) (ports.WorkerHandle, error) {
	outputDir := spec.OutputDir
	if outputDir == "" {
		outputDir = s.OutputDir(spec.Stream.ID)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: prepare output dir: %v", domain.ErrSpawnFailed, err)
	}

	args := BuildArgs(spec.Stream, outputDir, s.cmdCfg)

	cmd := exec.Command(s.cmdCfg.FFmpegPath, args...)
	// Own process group so Terminate can take out ffmpeg's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr := newRingWriter(stderrTailBytes)
	cmd.Stdout = newRingWriter(stderrTailBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
	}

	h := &handle{
		cmd:           cmd,
		pid:           cmd.Process.Pid,
		startedAt:     time.Now(),
		startupWindow: s.startupWindow,
		stderr:        stderr,
		done:          make(chan struct{}),
		log:           s.log,
	}
	go h.reap()

	s.log.Infow("worker started",
		"stream_id", spec.Stream.ID,
		"pid", h.pid,
		"output_dir", outputDir,
	)
	return h, nil
}

type handle struct {
	cmd           *exec.Cmd
	pid           int
	startedAt     time.Time
	startupWindow time.Duration
	stderr        *ringWriter
	done          chan struct{}
	stopRequested atomic.Bool
	log           *zap.SugaredLogger

	mu       sync.Mutex
	exitCode int
	signaled bool
	exitedAt time.Time
}

// reap waits for the process and records how it ended.
func (h *handle) reap() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.exitedAt = time.Now()
	h.exitCode = 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if ws.Signaled() {
					h.signaled = true
					h.exitCode = 128 + int(ws.Signal())
				} else {
					h.exitCode = ws.ExitStatus()
				}
			} else {
				h.exitCode = exitErr.ExitCode()
			}
		} else {
			h.exitCode = -1
		}
	}
	h.mu.Unlock()

	close(h.done)
}

func (h *handle) PID() int {
	return h.pid
}

func (h *handle) Done() <-chan struct{} {
	return h.done
}

// Poll reports process state without blocking.
func (h *handle) Poll() ports.ProcState {
	select {
	case <-h.done:
	default:
		return ports.ProcState{Alive: true}
	}

	h.mu.Lock()
	exitCode := h.exitCode
	signaled := h.signaled
	uptime := h.exitedAt.Sub(h.startedAt)
	h.mu.Unlock()

	tail := h.stderr.Tail()
	reason := Classify(exitCode, signaled, h.stopRequested.Load(), uptime, h.startupWindow, tail)

	state := ports.ProcState{
		ExitCode:   exitCode,
		Reason:     reason,
		StderrTail: tail,
	}
	if reason != domain.ExitCleanShutdown {
		state.LastError = HumanizeError(tail)
	}
	return state
}

// Terminate sends SIGTERM to the worker's process group, waits up to
// grace, then SIGKILLs. The process and its children are gone when it
// returns, also on repeated calls.
func (h *handle) Terminate(ctx context.Context, grace time.Duration) error {
	h.stopRequested.Store(true)

	select {
	case <-h.done:
		return nil
	default:
	}

	// Negative pid addresses the whole group. ESRCH means it already
	// exited between the check above and the signal.
	if err := syscall.Kill(-h.pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		h.log.Warnw("graceful signal failed", "pid", h.pid, "error", err)
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	case <-graceTimer.C:
	}

	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		h.log.Warnw("force kill failed", "pid", h.pid, "error", err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("worker pid %d did not exit after SIGKILL", h.pid)
	}
}
