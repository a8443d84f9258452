package monitoring

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"camrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck probes the Redis connection backing the catalog.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddCatalogCheck verifies the stream catalog answers a list call.
func (h *HealthChecker) AddCatalogCheck(repo ports.StreamRepository, timeout time.Duration) {
	h.AddCheck("catalog", func(ctx context.Context) (bool, error) {
		if _, err := repo.List(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddFFmpegCheck verifies the configured ffmpeg binary is resolvable.
func (h *HealthChecker) AddFFmpegCheck(ffmpegPath string, timeout time.Duration) {
	h.AddCheck("ffmpeg", func(ctx context.Context) (bool, error) {
		if _, err := exec.LookPath(ffmpegPath); err != nil {
			return false, fmt.Errorf("ffmpeg binary not found: %w", err)
		}
		return true, nil
	}, timeout)
}

// AddOutputDirCheck verifies the HLS output root is writable.
func (h *HealthChecker) AddOutputDirCheck(root string, timeout time.Duration) {
	h.AddCheck("output_dir", func(ctx context.Context) (bool, error) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return false, err
		}
		probe := filepath.Join(root, ".health_probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return false, err
		}
		_ = os.Remove(probe)
		return true, nil
	}, timeout)
}
