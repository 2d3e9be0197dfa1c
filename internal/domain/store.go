package domain

import (
	"context"
)

// PositionStore persists positions. Implementations must be safe for
// concurrent use; concurrent updates to one id are last-writer-wins.
type PositionStore interface {
	// Create validates params, assigns an id and timestamps, and stores the
	// position. It does not write history.
	Create(ctx context.Context, params CreatePositionParams) (Position, error)
	// GetByID returns ErrNotFound when id is unknown.
	GetByID(ctx context.Context, id string) (Position, error)
	List(ctx context.Context) ([]Position, error)
	ListByWallet(ctx context.Context, wallet string) ([]Position, error)
	ListByChatID(ctx context.Context, chatID string) ([]Position, error)
	// Update merges upd into the stored position and bumps updatedAt. It
	// returns ErrNotFound when id is unknown.
	Update(ctx context.Context, id string, upd PositionUpdate) error
	// Delete returns ErrNotFound when id is unknown.
	Delete(ctx context.Context, id string) error
}

// HistoryStore persists append-only position history.
type HistoryStore interface {
	Append(ctx context.Context, h PositionHistory) error
	// ListByPosition returns records ascending by timestamp.
	ListByPosition(ctx context.Context, positionID string) ([]PositionHistory, error)
	// ListAfter returns records with Seq > afterSeq in insertion order, at
	// most limit of them. A non-positive limit returns all.
	ListAfter(ctx context.Context, afterSeq int64, limit int) ([]PositionHistory, error)
}
