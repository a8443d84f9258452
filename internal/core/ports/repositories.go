package ports

import (
	"context"

	"camrelay/internal/core/domain"
)

// StreamRepository is the catalog of configured streams. It stores static
// policy fields only; live status belongs to the orchestrator.
type StreamRepository interface {
	Create(ctx context.Context, rec *domain.StreamRecord) error
	GetByID(ctx context.Context, id domain.StreamID) (*domain.StreamRecord, error)
	Update(ctx context.Context, rec *domain.StreamRecord) error
	Delete(ctx context.Context, id domain.StreamID) error
	List(ctx context.Context) ([]*domain.StreamRecord, error)
	ListByMode(ctx context.Context, mode domain.Mode) ([]*domain.StreamRecord, error)
}
