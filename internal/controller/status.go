package controller

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/paclab/soundloc/internal/domain/model"
	"github.com/paclab/soundloc/internal/sessionlog"
)

type NodeStatus struct {
	Identity    string          `json:"identity"`
	Name        string          `json:"name,omitempty"`
	Connected   bool            `json:"connected"`
	ConnectedAt time.Time       `json:"connected_at"`
	LastSeen    time.Time       `json:"last_seen"`
	Instance    *model.Instance `json:"instance,omitempty"`
}

// Status is a point-in-time view of the engine (JSON-safe).
type Status struct {
	State           State        `json:"state"`
	SessionID       uuid.UUID    `json:"session_id"`
	Task            string       `json:"task"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	Trial           int          `json:"trial"`
	RewardPort      model.PortID `json:"reward_port"`
	TrialErrors     int          `json:"trial_errors"`
	Trials          int          `json:"trials"`
	CorrectTrials   int          `json:"correct_trials"`
	FractionCorrect float64      `json:"fraction_correct"`
	Pokes           int          `json:"pokes"`
	Ports           []model.Port `json:"ports"`
	Nodes           []NodeStatus `json:"nodes"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		State:         e.state,
		Task:          e.cfg.Task,
		Trial:         e.trial.Index,
		RewardPort:    e.trial.RewardPort,
		TrialErrors:   e.trial.Errors,
		Trials:        e.trials,
		CorrectTrials: e.correct,
	}
	if e.trials > 0 {
		st.FractionCorrect = float64(e.correct) / float64(e.trials)
	}
	if e.log != nil {
		info := e.log.Info()
		st.SessionID = info.ID
		st.StartedAt = &info.StartedAt
		st.Pokes = e.log.Len()
	}
	for _, id := range e.order {
		st.Ports = append(st.Ports, e.ports[id])
	}
	for _, n := range e.nodes {
		ns := NodeStatus{
			Identity:    n.identity,
			Name:        n.name,
			Connected:   n.connected,
			ConnectedAt: n.connectedAt,
			LastSeen:    n.lastSeen,
		}
		if n.instance != nil {
			inst := *n.instance
			ns.Instance = &inst
		}
		st.Nodes = append(st.Nodes, ns)
	}
	sort.Slice(st.Nodes, func(i, j int) bool { return st.Nodes[i].Identity < st.Nodes[j].Identity })
	return st
}

// Trial returns a copy of the trial in progress.
func (e *Engine) Trial() model.Trial {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.trial
	t.Pokes = append([]model.PokeRecord(nil), e.trial.Pokes...)
	return t
}

// SessionLog returns the current session log, or nil before the first start
// and after a reset.
func (e *Engine) SessionLog() *sessionlog.Log {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log
}
