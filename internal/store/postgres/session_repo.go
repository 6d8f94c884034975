package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/paclab/soundloc/internal/domain/model"
)

type SessionRepo struct {
	db *DB
}

func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Upsert(ctx context.Context, info model.SessionInfo) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, task, subject, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			task = EXCLUDED.task,
			subject = EXCLUDED.subject,
			resumed_at = now()
	`, info.ID, info.Task, info.Subject, info.StartedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id uuid.UUID) (*model.SessionInfo, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var s model.SessionInfo
	err := r.db.QueryRowContext(ctx, `
		SELECT id, task, subject, started_at
		FROM sessions
		WHERE id = $1
	`, id).Scan(&s.ID, &s.Task, &s.Subject, &s.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}
