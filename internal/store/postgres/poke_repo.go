package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paclab/soundloc/internal/domain/model"
)

type PokeRepo struct {
	db *DB
}

func NewPokeRepo(db *DB) *PokeRepo {
	return &PokeRepo{db: db}
}

func (r *PokeRepo) Insert(ctx context.Context, sessionID uuid.UUID, rec model.PokeRecord) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pokes (
			session_id, ordinal, poked_at, elapsed_s, poked_port, reward_port,
			classification, trial, trials, correct_trials,
			amplitude, rate, log_irregularity, center_freq, bandwidth
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (session_id, ordinal) DO NOTHING
	`,
		sessionID, rec.Ordinal, rec.At, rec.Elapsed.Seconds(), int(rec.Port), int(rec.RewardPort),
		string(rec.Classification), rec.Trial, rec.Trials, rec.CorrectTrials,
		rec.Instance.Amplitude, rec.Instance.Rate, rec.Instance.LogIrregularity,
		rec.Instance.CenterFreq, rec.Instance.Bandwidth,
	)
	if err != nil {
		return fmt.Errorf("insert poke: %w", err)
	}
	return nil
}

func (r *PokeRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.PokeRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT ordinal, poked_at, elapsed_s, poked_port, reward_port,
			classification, trial, trials, correct_trials,
			amplitude, rate, log_irregularity, center_freq, bandwidth
		FROM pokes
		WHERE session_id = $1
		ORDER BY ordinal
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pokes: %w", err)
	}
	defer rows.Close()

	var out []model.PokeRecord
	for rows.Next() {
		var (
			rec            model.PokeRecord
			elapsed        float64
			port, reward   int
			classification string
		)
		if err := rows.Scan(
			&rec.Ordinal, &rec.At, &elapsed, &port, &reward,
			&classification, &rec.Trial, &rec.Trials, &rec.CorrectTrials,
			&rec.Instance.Amplitude, &rec.Instance.Rate, &rec.Instance.LogIrregularity,
			&rec.Instance.CenterFreq, &rec.Instance.Bandwidth,
		); err != nil {
			return nil, fmt.Errorf("scan poke: %w", err)
		}
		rec.Elapsed = time.Duration(elapsed * float64(time.Second))
		rec.Port = model.PortID(port)
		rec.RewardPort = model.PortID(reward)
		rec.Classification = model.Classification(classification)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pokes: %w", err)
	}
	return out, nil
}
