package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"camrelay/internal/core/domain"

	"go.uber.org/zap"
)

// StatusSource exposes the live status of every configured stream.
// The orchestrator implements it.
type StatusSource interface {
	Snapshots() []domain.StreamSnapshot
}

type JanitorConfig struct {
	Root         string
	Interval     time.Duration
	MaxAge       time.Duration
	KeepSegments int
}

// Janitor sweeps the HLS output root: it removes directories of streams
// that no longer exist, ages out artifacts of stopped streams, and trims
// segment backlogs ffmpeg failed to clean up. It never touches a stream
// that is starting, because ffmpeg may be mid-write there.
type Janitor struct {
	cfg    JanitorConfig
	source StatusSource
	log    *zap.SugaredLogger
}

func NewJanitor(cfg JanitorConfig, source StatusSource, log *zap.SugaredLogger) *Janitor {
	return &Janitor{cfg: cfg, source: source, log: log}
}

func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep runs one cleanup pass over the output root.
func (j *Janitor) Sweep() {
	entries, err := os.ReadDir(j.cfg.Root)
	if err != nil {
		if !os.IsNotExist(err) {
			j.log.Warnw("janitor cannot read output root", "root", j.cfg.Root, "error", err)
		}
		return
	}

	statuses := make(map[domain.StreamID]domain.Status)
	for _, snap := range j.source.Snapshots() {
		statuses[snap.ID] = snap.Status
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(j.cfg.Root, entry.Name())
		status, known := statuses[domain.StreamID(entry.Name())]

		switch {
		case !known:
			// Orphaned output of a deleted stream.
			if err := os.RemoveAll(dir); err != nil {
				j.log.Warnw("janitor failed to remove orphan dir", "dir", dir, "error", err)
			} else {
				j.log.Infow("removed orphan output dir", "dir", dir)
			}

		case status == domain.StatusStarting:
			continue

		case status == domain.StatusStopped || status == domain.StatusError:
			j.ageOut(dir)

		default:
			j.trimSegments(dir)
		}
	}
}

// ageOut deletes artifacts of an inactive stream once they exceed MaxAge.
func (j *Janitor) ageOut(dir string) {
	cutoff := time.Now().Add(-j.cfg.MaxAge)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		j.log.Infow("aged out stale artifacts", "dir", dir, "removed", removed)
	}

	// Drop the directory itself once nothing is left.
	if rest, err := os.ReadDir(dir); err == nil && len(rest) == 0 {
		_ = os.Remove(dir)
	}
}

// trimSegments removes the oldest .ts files beyond KeepSegments. ffmpeg
// normally deletes its own segments; this catches leftovers after
// crashes and reconnect cycles.
func (j *Janitor) trimSegments(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	type segment struct {
		name string
		mod  time.Time
	}
	var segments []segment
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ts") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		segments = append(segments, segment{name: entry.Name(), mod: info.ModTime()})
	}
	if len(segments) <= j.cfg.KeepSegments {
		return
	}

	sort.Slice(segments, func(a, b int) bool {
		return segments[a].mod.Before(segments[b].mod)
	})
	for _, seg := range segments[:len(segments)-j.cfg.KeepSegments] {
		_ = os.Remove(filepath.Join(dir, seg.name))
	}
}
