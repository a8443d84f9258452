package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"camrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStatusSource struct {
	snaps []domain.StreamSnapshot
}

func (f *fakeStatusSource) Snapshots() []domain.StreamSnapshot { return f.snaps }

func newTestJanitor(t *testing.T, keep int, snaps ...domain.StreamSnapshot) (*Janitor, string) {
	t.Helper()
	root := t.TempDir()
	j := NewJanitor(JanitorConfig{
		Root:         root,
		Interval:     time.Hour,
		MaxAge:       time.Hour,
		KeepSegments: keep,
	}, &fakeStatusSource{snaps: snaps}, zap.NewNop().Sugar())
	return j, root
}

func writeArtifact(t *testing.T, root, stream, name string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(root, stream)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	if age > 0 {
		old := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, old, old))
	}
	return path
}

func TestSweepRemovesOrphanDirs(t *testing.T) {
	j, root := newTestJanitor(t, 10,
		domain.StreamSnapshot{ID: "cam-known", Status: domain.StatusRunning},
	)
	writeArtifact(t, root, "cam-known", "playlist.m3u8", 0)
	writeArtifact(t, root, "cam-deleted", "segment_000.ts", 0)

	j.Sweep()

	_, err := os.Stat(filepath.Join(root, "cam-deleted"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "cam-known"))
	assert.NoError(t, err)
}

func TestSweepAgesOutStoppedStreams(t *testing.T) {
	j, root := newTestJanitor(t, 10,
		domain.StreamSnapshot{ID: "cam-stopped", Status: domain.StatusStopped},
	)
	oldSeg := writeArtifact(t, root, "cam-stopped", "segment_000.ts", 2*time.Hour)
	fresh := writeArtifact(t, root, "cam-stopped", "playlist.m3u8", 0)

	j.Sweep()

	_, err := os.Stat(oldSeg)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestSweepRemovesEmptiedStoppedDir(t *testing.T) {
	j, root := newTestJanitor(t, 10,
		domain.StreamSnapshot{ID: "cam-stopped", Status: domain.StatusError},
	)
	writeArtifact(t, root, "cam-stopped", "segment_000.ts", 2*time.Hour)
	writeArtifact(t, root, "cam-stopped", "playlist.m3u8", 2*time.Hour)

	j.Sweep()

	_, err := os.Stat(filepath.Join(root, "cam-stopped"))
	assert.True(t, os.IsNotExist(err))
}

func TestSweepTrimsRunningStreamSegments(t *testing.T) {
	j, root := newTestJanitor(t, 2,
		domain.StreamSnapshot{ID: "cam-live", Status: domain.StatusRunning},
	)
	writeArtifact(t, root, "cam-live", "segment_000.ts", 30*time.Minute)
	writeArtifact(t, root, "cam-live", "segment_001.ts", 20*time.Minute)
	newest := writeArtifact(t, root, "cam-live", "segment_002.ts", 10*time.Minute)
	playlist := writeArtifact(t, root, "cam-live", "playlist.m3u8", 30*time.Minute)

	j.Sweep()

	entries, err := os.ReadDir(filepath.Join(root, "cam-live"))
	require.NoError(t, err)
	// Two newest segments survive; the playlist is never a segment.
	assert.Len(t, entries, 3)
	_, err = os.Stat(newest)
	assert.NoError(t, err)
	_, err = os.Stat(playlist)
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "cam-live", "segment_000.ts"))
	assert.True(t, os.IsNotExist(err))
}

func TestSweepSkipsStartingStreams(t *testing.T) {
	j, root := newTestJanitor(t, 0,
		domain.StreamSnapshot{ID: "cam-starting", Status: domain.StatusStarting},
	)
	seg := writeArtifact(t, root, "cam-starting", "segment_000.ts", 48*time.Hour)

	j.Sweep()

	_, err := os.Stat(seg)
	assert.NoError(t, err)
}

func TestSweepMissingRootIsNoop(t *testing.T) {
	j, root := newTestJanitor(t, 10)
	require.NoError(t, os.RemoveAll(root))
	j.Sweep()
}
