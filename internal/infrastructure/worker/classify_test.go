package worker

import (
	"strings"
	"testing"
	"time"

	"camrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	const window = 15 * time.Second

	tests := []struct {
		name          string
		exitCode      int
		signaled      bool
		stopRequested bool
		uptime        time.Duration
		stderr        string
		want          domain.ExitReason
	}{
		{
			name:          "requested stop",
			exitCode:      -1,
			signaled:      true,
			stopRequested: true,
			want:          domain.ExitCleanShutdown,
		},
		{
			name:     "zero exit",
			exitCode: 0,
			uptime:   time.Hour,
			want:     domain.ExitCleanShutdown,
		},
		{
			name:     "killed by unexpected signal",
			exitCode: -1,
			signaled: true,
			uptime:   time.Hour,
			want:     domain.ExitCrashed,
		},
		{
			name:     "connection refused in stderr",
			exitCode: 1,
			uptime:   time.Hour,
			stderr:   "rtsp://cam.local/main: Connection refused",
			want:     domain.ExitSourceUnreachable,
		},
		{
			name:     "auth failure in stderr",
			exitCode: 1,
			uptime:   time.Hour,
			stderr:   "method DESCRIBE failed: 401 Unauthorized",
			want:     domain.ExitSourceUnreachable,
		},
		{
			name:     "early nonzero exit without signature",
			exitCode: 1,
			uptime:   2 * time.Second,
			stderr:   "something else went wrong",
			want:     domain.ExitSourceUnreachable,
		},
		{
			name:     "late nonzero exit",
			exitCode: 1,
			uptime:   time.Hour,
			stderr:   "Error while decoding stream #0:0",
			want:     domain.ExitTranscodeFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.exitCode, tt.signaled, tt.stopRequested, tt.uptime, window, tt.stderr)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHumanizeError(t *testing.T) {
	tests := []struct {
		stderr string
		want   string
	}{
		{"Connection refused", "connection refused - camera offline or port blocked"},
		{"401 Unauthorized", "authentication failed - check RTSP credentials"},
		{"404 Not Found", "stream not found - check RTSP URL path"},
		{"Connection timeout occurred", "connection timeout - network issue or camera offline"},
		{"Invalid data found when processing input", "invalid stream data - incompatible format"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HumanizeError(tt.stderr))
	}
}

func TestHumanizeErrorFallsBackToLastLine(t *testing.T) {
	got := HumanizeError("first line\nsecond line\nfinal diagnostic\n\n")
	assert.Equal(t, "final diagnostic", got)

	long := strings.Repeat("x", 300)
	assert.Len(t, HumanizeError(long), 200)

	assert.Equal(t, "unknown error occurred", HumanizeError("   \n  "))
}

func TestRingWriterKeepsTail(t *testing.T) {
	w := newRingWriter(8)

	n, err := w.Write([]byte("abcdef"))
	assert.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcdef", w.Tail())

	_, _ = w.Write([]byte("ghijkl"))
	assert.Equal(t, "efghijkl", w.Tail())
	assert.Len(t, w.Tail(), 8)
}
