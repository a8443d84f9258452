package domain

// ExitReason classifies why a worker process stopped.
type ExitReason string

const (
	// ExitCleanShutdown: the orchestrator asked the worker to stop.
	ExitCleanShutdown ExitReason = "clean_shutdown"
	// ExitSourceUnreachable: a connect/timeout signature in stderr, or a
	// non-zero exit within the startup window.
	ExitSourceUnreachable ExitReason = "source_unreachable"
	// ExitTranscodeFailure: non-zero exit after startup succeeded.
	ExitTranscodeFailure ExitReason = "transcode_failure"
	// ExitCrashed: killed by a signal the orchestrator did not send.
	ExitCrashed ExitReason = "crashed"
)

// Retryable reports whether the exit should drive an automatic
// reconnect attempt. Clean shutdowns never retry.
func (r ExitReason) Retryable() bool {
	return r != ExitCleanShutdown
}
