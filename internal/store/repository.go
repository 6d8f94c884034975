package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/paclab/soundloc/internal/domain/model"
)

//go:generate mockgen -source=repository.go -destination=mocks/mock_repository.go -package=mocks

// SessionRepository persists session identity rows.
type SessionRepository interface {
	Upsert(ctx context.Context, info model.SessionInfo) error
	Get(ctx context.Context, id uuid.UUID) (*model.SessionInfo, error)
}

// PokeRepository persists per-poke session log rows.
type PokeRepository interface {
	Insert(ctx context.Context, sessionID uuid.UUID, rec model.PokeRecord) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.PokeRecord, error)
}
