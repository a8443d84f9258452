package memory

import (
	"context"
	"sort"
	"sync"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
)

type MemoryStreamRepository struct {
	streams map[domain.StreamID]*domain.StreamRecord
	mu      sync.RWMutex
}

func NewMemoryStreamRepository() ports.StreamRepository {
	return &MemoryStreamRepository{
		streams: make(map[domain.StreamID]*domain.StreamRecord),
	}
}

func (r *MemoryStreamRepository) Create(ctx context.Context, rec *domain.StreamRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[rec.ID]; exists {
		return domain.ErrStreamExists
	}

	r.streams[rec.ID] = rec.Clone()
	return nil
}

func (r *MemoryStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.StreamRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.streams[id]
	if !exists {
		return nil, domain.ErrStreamNotFound
	}

	return rec.Clone(), nil
}

func (r *MemoryStreamRepository) Update(ctx context.Context, rec *domain.StreamRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[rec.ID]; !exists {
		return domain.ErrStreamNotFound
	}

	r.streams[rec.ID] = rec.Clone()
	return nil
}

func (r *MemoryStreamRepository) Delete(ctx context.Context, id domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[id]; !exists {
		return domain.ErrStreamNotFound
	}

	delete(r.streams, id)
	return nil
}

func (r *MemoryStreamRepository) List(ctx context.Context) ([]*domain.StreamRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*domain.StreamRecord, 0, len(r.streams))
	for _, rec := range r.streams {
		records = append(records, rec.Clone())
	}
	sort.Slice(records, func(a, b int) bool {
		return records[a].ID < records[b].ID
	})

	return records, nil
}

func (r *MemoryStreamRepository) ListByMode(ctx context.Context, mode domain.Mode) ([]*domain.StreamRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var records []*domain.StreamRecord
	for _, rec := range r.streams {
		if rec.Mode == mode {
			records = append(records, rec.Clone())
		}
	}
	sort.Slice(records, func(a, b int) bool {
		return records[a].ID < records[b].ID
	})

	return records, nil
}
