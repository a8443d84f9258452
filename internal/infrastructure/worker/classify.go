package worker

import (
	"strings"
	"time"

	"camrelay/internal/core/domain"
)

// stderr signatures that indicate the source itself is unreachable
// rather than a transcoding problem.
var sourceSignatures = []string{
	"connection refused",
	"connection timed out",
	"timeout",
	"no route to host",
	"network is unreachable",
	"401",
	"unauthorized",
	"404",
	"not found",
	"host not found",
}

// Classify maps a worker exit onto the failure taxonomy. stopRequested
// means the orchestrator asked for the stop; signaled means the process
// died to a signal it did not expect.
func Classify(exitCode int, signaled, stopRequested bool, uptime, startupWindow time.Duration, stderrTail string) domain.ExitReason {
	if stopRequested {
		return domain.ExitCleanShutdown
	}
	if signaled {
		return domain.ExitCrashed
	}
	if exitCode == 0 {
		return domain.ExitCleanShutdown
	}

	lower := strings.ToLower(stderrTail)
	for _, sig := range sourceSignatures {
		if strings.Contains(lower, sig) {
			return domain.ExitSourceUnreachable
		}
	}
	// Non-zero exit before the startup window elapsed: the worker never
	// got a usable connection.
	if uptime < startupWindow {
		return domain.ExitSourceUnreachable
	}
	return domain.ExitTranscodeFailure
}

// HumanizeError turns an ffmpeg stderr tail into a short operator-readable
// reason for StreamSnapshot.LastError.
func HumanizeError(stderrTail string) string {
	lower := strings.ToLower(stderrTail)

	switch {
	case strings.Contains(lower, "connection refused"):
		return "connection refused - camera offline or port blocked"
	case strings.Contains(lower, "401"), strings.Contains(lower, "unauthorized"):
		return "authentication failed - check RTSP credentials"
	case strings.Contains(lower, "404"), strings.Contains(lower, "not found"):
		return "stream not found - check RTSP URL path"
	case strings.Contains(lower, "timeout"):
		return "connection timeout - network issue or camera offline"
	case strings.Contains(lower, "no route"):
		return "no route to host - check network/IP address"
	case strings.Contains(lower, "invalid data"):
		return "invalid stream data - incompatible format"
	case strings.Contains(lower, "codec not currently supported"):
		return "codec not supported - try enabling transcoding"
	}

	// Fall back to the last non-empty stderr line, truncated.
	lines := strings.Split(strings.TrimSpace(stderrTail), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > 200 {
			line = line[:200]
		}
		return line
	}
	return "unknown error occurred"
}
