package model

import (
	"time"

	"github.com/google/uuid"
)

type Classification string

const (
	ClassificationHit       Classification = "hit"
	ClassificationRepeatHit Classification = "repeat_hit"
	ClassificationMiss      Classification = "miss"
)

// Rewarded reports whether the classification closes the trial.
func (c Classification) Rewarded() bool {
	return c == ClassificationHit || c == ClassificationRepeatHit
}

// PokeRecord is one row of the session log.
type PokeRecord struct {
	Ordinal        int            `json:"ordinal"`
	At             time.Time      `json:"at"`
	Elapsed        time.Duration  `json:"elapsed"`
	Port           PortID         `json:"port"`
	RewardPort     PortID         `json:"reward_port"`
	Classification Classification `json:"classification"`
	Trial          int            `json:"trial"`
	Trials         int            `json:"trials"`
	CorrectTrials  int            `json:"correct_trials"`
	Instance       Instance       `json:"instance"`
}

// FractionCorrect is the running hit fraction at the time of the poke.
func (r PokeRecord) FractionCorrect() float64 {
	if r.Trials == 0 {
		return 0
	}
	return float64(r.CorrectTrials) / float64(r.Trials)
}

// Trial is owned by the controller's trial engine; nodes never mutate it.
type Trial struct {
	Index      int          `json:"index"`
	RewardPort PortID       `json:"reward_port"`
	StartedAt  time.Time    `json:"started_at"`
	Pokes      []PokeRecord `json:"pokes"`
	Errors     int          `json:"errors"`
	Closed     bool         `json:"closed"`
}

type SessionInfo struct {
	ID        uuid.UUID `json:"id"`
	Task      string    `json:"task"`
	Subject   string    `json:"subject"`
	StartedAt time.Time `json:"started_at"`
}
