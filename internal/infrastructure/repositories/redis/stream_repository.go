package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisStreamRepository keeps the stream catalog in Redis so it
// survives restarts and can be shared by multiple relay nodes.
type RedisStreamRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisStreamRepository(client *redis.Client) ports.StreamRepository {
	return &RedisStreamRepository{
		client: client,
		prefix: "camrelay:stream:",
	}
}

func (r *RedisStreamRepository) streamKey(id domain.StreamID) string {
	return r.prefix + string(id)
}

func (r *RedisStreamRepository) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisStreamRepository) Create(ctx context.Context, rec *domain.StreamRecord) error {
	exists, err := r.client.SIsMember(ctx, r.indexKey(), string(rec.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check stream index: %w", err)
	}
	if exists {
		return domain.ErrStreamExists
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal stream record: %w", err)
	}

	if err := r.client.Set(ctx, r.streamKey(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set stream record in Redis: %w", err)
	}
	if err := r.client.SAdd(ctx, r.indexKey(), string(rec.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index stream record: %w", err)
	}

	return nil
}

func (r *RedisStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.StreamRecord, error) {
	data, err := r.client.Get(ctx, r.streamKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream record from Redis: %w", err)
	}

	var rec domain.StreamRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream record: %w", err)
	}

	return &rec, nil
}

func (r *RedisStreamRepository) Update(ctx context.Context, rec *domain.StreamRecord) error {
	if _, err := r.GetByID(ctx, rec.ID); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal stream record: %w", err)
	}

	if err := r.client.Set(ctx, r.streamKey(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update stream record in Redis: %w", err)
	}

	return nil
}

func (r *RedisStreamRepository) Delete(ctx context.Context, id domain.StreamID) error {
	removed, err := r.client.SRem(ctx, r.indexKey(), string(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to remove stream from index: %w", err)
	}
	if removed == 0 {
		return domain.ErrStreamNotFound
	}

	if err := r.client.Del(ctx, r.streamKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete stream record from Redis: %w", err)
	}

	return nil
}

func (r *RedisStreamRepository) List(ctx context.Context) ([]*domain.StreamRecord, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stream index from Redis: %w", err)
	}

	var records []*domain.StreamRecord
	for _, id := range ids {
		rec, err := r.GetByID(ctx, domain.StreamID(id))
		if err != nil {
			// Skip records that were deleted between SMembers and Get.
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(a, b int) bool {
		return records[a].ID < records[b].ID
	})

	return records, nil
}

func (r *RedisStreamRepository) ListByMode(ctx context.Context, mode domain.Mode) ([]*domain.StreamRecord, error) {
	records, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	filtered := records[:0]
	for _, rec := range records {
		if rec.Mode == mode {
			filtered = append(filtered, rec)
		}
	}

	return filtered, nil
}
