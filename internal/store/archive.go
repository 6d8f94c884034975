package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/paclab/soundloc/internal/domain/model"
)

var ErrNoSession = errors.New("archive: no session begun")

// ArchiveSink writes every poke record to the database as it is processed.
type ArchiveSink struct {
	sessions SessionRepository
	pokes    PokeRepository

	mu      sync.Mutex
	session uuid.UUID
}

func NewArchiveSink(sessions SessionRepository, pokes PokeRepository) *ArchiveSink {
	return &ArchiveSink{sessions: sessions, pokes: pokes}
}

func (s *ArchiveSink) Name() string { return "postgres" }

func (s *ArchiveSink) BeginSession(ctx context.Context, info model.SessionInfo) error {
	if err := s.sessions.Upsert(ctx, info); err != nil {
		return fmt.Errorf("archive session %s: %w", info.ID, err)
	}
	s.mu.Lock()
	s.session = info.ID
	s.mu.Unlock()
	return nil
}

func (s *ArchiveSink) Record(ctx context.Context, rec model.PokeRecord) error {
	s.mu.Lock()
	id := s.session
	s.mu.Unlock()
	if id == uuid.Nil {
		return ErrNoSession
	}
	if err := s.pokes.Insert(ctx, id, rec); err != nil {
		return fmt.Errorf("archive poke %d: %w", rec.Ordinal, err)
	}
	return nil
}
