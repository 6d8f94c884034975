// Package controller runs the trial state machine: it assigns the rewarded
// port, classifies pokes reported by the nodes, broadcasts trial transitions
// and feeds every poke to the session log.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paclab/soundloc/internal/alert"
	"github.com/paclab/soundloc/internal/domain/event"
	"github.com/paclab/soundloc/internal/domain/model"
	"github.com/paclab/soundloc/internal/metrics"
	"github.com/paclab/soundloc/internal/sessionlog"
	"github.com/paclab/soundloc/internal/tracing"
	"github.com/paclab/soundloc/internal/transport/eventchan"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/rand"
)

var (
	ErrSessionActive = errors.New("session already running")
	ErrNotRunning    = errors.New("no trial in progress")
	ErrExited        = errors.New("controller has exited")
	ErrNoPorts       = errors.New("no ports configured")
)

type State string

const (
	StateIdle    State = "idle"
	StateInTrial State = "in_trial"
	StateExited  State = "exited"
)

// Transport delivers commands to connected nodes. Send must not block.
type Transport interface {
	Send(identity string, payload []byte) error
	Identities() []string
}

// Sink receives every poke record in processing order.
type Sink interface {
	Name() string
	BeginSession(ctx context.Context, info model.SessionInfo) error
	Record(ctx context.Context, rec model.PokeRecord) error
}

// Republisher re-sends the latched parameter record.
type Republisher interface {
	Republish(ctx context.Context) error
}

type Config struct {
	Task        string
	Subject     string
	Ports       []model.Port
	PollTimeout time.Duration
}

type Option func(*Engine)

func WithSinks(sinks ...Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

func WithAlerter(a alert.Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

func WithRepublisher(r Republisher) Option {
	return func(e *Engine) { e.republisher = r }
}

func WithRand(src rand.Source) Option {
	return func(e *Engine) { e.rng = rand.New(src) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

type nodeState struct {
	identity    string
	name        string
	hello       bool
	connected   bool
	connectedAt time.Time
	lastSeen    time.Time
	instance    *model.Instance
}

// Engine is safe for concurrent use. Pokes arrive through Run; session
// commands may come from any goroutine.
type Engine struct {
	cfg         Config
	transport   Transport
	logger      *slog.Logger
	sinks       []Sink
	alerter     alert.Alerter
	republisher Republisher
	rng         *rand.Rand
	now         func() time.Time
	tracer      trace.Tracer

	ports map[model.PortID]model.Port
	order []model.PortID

	mu         sync.Mutex
	state      State
	log        *sessionlog.Log
	trial      model.Trial
	prevReward model.PortID
	trials     int
	correct    int
	ordinal    int
	nodes      map[string]*nodeState
	done       chan struct{}
}

func New(cfg Config, transport Transport, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if len(cfg.Ports) == 0 {
		return nil, ErrNoPorts
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	e := &Engine{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With("component", "engine"),
		alerter:   alert.NoopAlerter{},
		rng:       rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
		now:       time.Now,
		tracer:    tracing.Tracer("soundloc/controller"),
		ports:     make(map[model.PortID]model.Port, len(cfg.Ports)),
		state:     StateIdle,
		nodes:     make(map[string]*nodeState),
		done:      make(chan struct{}),
	}
	for _, p := range cfg.Ports {
		if _, dup := e.ports[p.ID]; dup {
			return nil, fmt.Errorf("port %d configured twice", p.ID)
		}
		e.ports[p.ID] = p
		e.order = append(e.order, p.ID)
	}
	sort.Slice(e.order, func(i, j int) bool { return e.order[i] < e.order[j] })
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run services inbound node traffic until ctx is cancelled, the event
// channel closes, or Exit is called.
func (e *Engine) Run(ctx context.Context, events <-chan eventchan.Inbound) error {
	e.logger.Info("trial engine started", "ports", len(e.order), "poll_timeout", e.cfg.PollTimeout)
	ticker := time.NewTicker(e.cfg.PollTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			e.logger.Info("trial engine stopped after exit")
			return nil
		case in, ok := <-events:
			if !ok {
				return nil
			}
			start := time.Now()
			e.HandleInbound(ctx, in)
			metrics.ControllerPollLatency.Observe(time.Since(start).Seconds())
		case <-ticker.C:
			e.maintain()
		}
	}
}

// Done is closed once Exit has been called.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) StartSession(ctx context.Context) (model.SessionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateExited:
		return model.SessionInfo{}, ErrExited
	case StateInTrial:
		return model.SessionInfo{}, ErrSessionActive
	}

	resumed := e.log != nil
	if !resumed {
		info := model.SessionInfo{
			ID:        uuid.New(),
			Task:      e.cfg.Task,
			Subject:   e.cfg.Subject,
			StartedAt: e.now(),
		}
		e.log = sessionlog.NewLog(info)
		e.trials, e.correct, e.ordinal = 0, 0, 0
		e.prevReward = model.NoPort
	}
	info := e.log.Info()
	for _, s := range e.sinks {
		if err := s.BeginSession(ctx, info); err != nil {
			e.sinkFailed(s, info, 0, err)
		}
	}

	if e.republisher != nil {
		if err := e.republisher.Republish(ctx); err != nil {
			e.logger.Warn("republish parameters failed", "error", err)
		}
	}

	e.broadcast(event.Start())
	e.state = StateInTrial
	metrics.ControllerSessionActive.Set(1)
	e.logger.Info("session started",
		"session_id", info.ID,
		"task", info.Task,
		"resumed", resumed,
		"pokes", e.log.Len(),
	)
	e.beginTrial(ctx)
	return info, nil
}

// Stop ends the current trial without rewarding it. The session log is kept
// and a later StartSession resumes it.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateExited:
		return ErrExited
	case StateIdle:
		return ErrNotRunning
	}

	e.broadcast(event.Stop())
	if e.trial.RewardPort != model.NoPort {
		e.prevReward = e.trial.RewardPort
	}
	e.logger.Info("session stopped",
		"trial", e.trial.Index,
		"reward_port", e.trial.RewardPort,
		"trials", e.trials,
		"correct_trials", e.correct,
	)
	e.trial = model.Trial{}
	e.state = StateIdle
	metrics.ControllerSessionActive.Set(0)
	metrics.ControllerRewardPort.Set(0)
	return nil
}

// ResetSession discards the stopped session so the next start opens a new
// one with a new id and log file.
func (e *Engine) ResetSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateExited:
		return ErrExited
	case StateInTrial:
		return ErrSessionActive
	}
	if e.log != nil {
		e.logger.Info("session reset", "session_id", e.log.Info().ID, "pokes", e.log.Len())
	}
	e.log = nil
	e.trials, e.correct, e.ordinal = 0, 0, 0
	e.prevReward = model.NoPort
	return nil
}

// Exit tells every node to shut down. Later broadcasts are dropped.
func (e *Engine) Exit(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateExited {
		return nil
	}
	e.broadcast(event.Exit())
	e.state = StateExited
	e.trial = model.Trial{}
	metrics.ControllerSessionActive.Set(0)
	metrics.ControllerRewardPort.Set(0)
	close(e.done)
	e.logger.Info("exit broadcast", "nodes", len(e.transport.Identities()))
	return nil
}

// HandleInbound applies one event-channel delivery.
func (e *Engine) HandleInbound(ctx context.Context, in eventchan.Inbound) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch in.Kind {
	case eventchan.InboundConnected:
		e.nodeConnected(ctx, in.Identity)
	case eventchan.InboundDisconnected:
		e.nodeDisconnected(in.Identity)
	case eventchan.InboundMessage:
		e.nodeMessage(ctx, in.Identity, in.Payload)
	}
}

func (e *Engine) nodeConnected(ctx context.Context, identity string) {
	n, known := e.nodes[identity]
	if !known {
		n = &nodeState{identity: identity}
		e.nodes[identity] = n
	}
	n.connected = true
	n.hello = false
	n.connectedAt = e.now()
	n.lastSeen = n.connectedAt
	e.refreshNodeGauge()
	e.logger.Info("node connected", "node", identity, "reconnect", known)

	if known {
		e.notify(alert.Alert{
			Kind:    alert.KindNodeReconnected,
			Node:    identity,
			Session: e.sessionID(),
			Title:   "Node reconnected",
			Message: fmt.Sprintf("%s reconnected to the controller", identity),
		})
	}

	if e.state != StateInTrial {
		return
	}
	// Late joiners need the running state to light the right port.
	e.send(identity, event.Start())
	e.send(identity, event.RewardPort(e.trial.RewardPort))
	if e.republisher != nil {
		if err := e.republisher.Republish(ctx); err != nil {
			e.logger.Warn("republish parameters failed", "node", identity, "error", err)
		}
	}
}

func (e *Engine) nodeDisconnected(identity string) {
	n, ok := e.nodes[identity]
	if !ok {
		return
	}
	n.connected = false
	e.refreshNodeGauge()
	e.logger.Warn("node disconnected", "node", identity, "state", e.state)
	e.notify(alert.Alert{
		Kind:    alert.KindNodeDisconnected,
		Node:    identity,
		Session: e.sessionID(),
		Title:   "Node disconnected",
		Message: fmt.Sprintf("%s closed its event stream while the controller was %s", identity, e.state),
		Fields:  map[string]string{"trial": strconv.Itoa(e.trial.Index)},
	})
}

func (e *Engine) nodeMessage(ctx context.Context, identity string, payload []byte) {
	n, ok := e.nodes[identity]
	if !ok {
		n = &nodeState{identity: identity, connected: true, connectedAt: e.now()}
		e.nodes[identity] = n
		e.refreshNodeGauge()
	}
	n.lastSeen = e.now()

	msg, err := event.ParseNodeMessage(payload)
	if err != nil {
		metrics.ControllerMalformedMessages.WithLabelValues(identity).Inc()
		e.logger.Warn("malformed node message dropped", "node", identity, "payload", string(payload), "error", err)
		return
	}
	metrics.ControllerMessagesReceived.WithLabelValues(string(msg.Kind)).Inc()

	switch msg.Kind {
	case event.NodeHello:
		if n.hello {
			e.logger.Warn("duplicate hello ignored", "node", identity, "name", msg.Name)
			return
		}
		n.hello = true
		n.name = msg.Name
		e.logger.Info("node hello", "node", identity, "name", msg.Name)
	case event.NodeReport:
		inst := msg.Instance
		n.instance = &inst
		e.logger.Debug("parameter report", "node", identity,
			"amplitude", inst.Amplitude,
			"rate", inst.Rate,
			"center_freq", inst.CenterFreq,
			"bandwidth", inst.Bandwidth,
		)
	case event.NodePoke:
		e.handlePoke(ctx, identity, msg.Port)
	}
}

func (e *Engine) handlePoke(ctx context.Context, identity string, portID model.PortID) {
	ctx, span := e.tracer.Start(ctx, "engine.poke", trace.WithAttributes(
		attribute.String("node", identity),
		attribute.Int("port", int(portID)),
	))
	defer span.End()

	port, known := e.ports[portID]
	if !known {
		metrics.ControllerPokesTotal.WithLabelValues(e.cfg.Task, "unknown_port").Inc()
		e.logger.Warn("poke for unknown port ignored", "node", identity, "port", portID)
		return
	}
	if port.Node != identity {
		metrics.ControllerPokesTotal.WithLabelValues(e.cfg.Task, "foreign_port").Inc()
		e.logger.Warn("poke for a port owned by another node ignored",
			"node", identity, "port", portID, "owner", port.Node)
		return
	}
	if e.state != StateInTrial {
		metrics.ControllerPokesTotal.WithLabelValues(e.cfg.Task, "outside_trial").Inc()
		e.logger.Debug("poke outside trial ignored", "node", identity, "port", portID, "state", e.state)
		return
	}

	class := model.ClassificationMiss
	if portID == e.trial.RewardPort {
		class = model.ClassificationHit
		if len(e.trial.Pokes) > 0 {
			class = model.ClassificationRepeatHit
		}
		e.correct++
	} else {
		e.trial.Errors++
	}
	span.SetAttributes(attribute.String("classification", string(class)))

	now := e.now()
	e.ordinal++
	rec := model.PokeRecord{
		Ordinal:        e.ordinal,
		At:             now,
		Elapsed:        now.Sub(e.log.Info().StartedAt),
		Port:           portID,
		RewardPort:     e.trial.RewardPort,
		Classification: class,
		Trial:          e.trial.Index,
		Trials:         e.trials,
		CorrectTrials:  e.correct,
		Instance:       e.rewardInstance(),
	}
	if rec.Elapsed < 0 {
		rec.Elapsed = 0
	}
	e.trial.Pokes = append(e.trial.Pokes, rec)
	e.log.Append(rec)
	for _, s := range e.sinks {
		if err := s.Record(ctx, rec); err != nil {
			e.sinkFailed(s, e.log.Info(), rec.Ordinal, err)
		}
	}
	metrics.ControllerPokesTotal.WithLabelValues(e.cfg.Task, string(class)).Inc()
	e.logger.Info("poke",
		"ordinal", rec.Ordinal,
		"node", identity,
		"port", portID,
		"reward_port", rec.RewardPort,
		"classification", class,
		"trial", rec.Trial,
		"correct_trials", rec.CorrectTrials,
	)

	if !class.Rewarded() {
		return
	}
	e.broadcast(event.RewardPokeCompleted(portID))
	e.trial.Closed = true
	e.prevReward = portID
	metrics.ControllerTrialsCompleted.WithLabelValues(e.cfg.Task).Inc()
	e.beginTrial(ctx)
}

// beginTrial picks the next reward port, never repeating the previous one
// when another port exists.
func (e *Engine) beginTrial(ctx context.Context) {
	_, span := e.tracer.Start(ctx, "engine.begin_trial")
	defer span.End()

	candidates := make([]model.PortID, 0, len(e.order))
	for _, id := range e.order {
		if id != e.prevReward {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		candidates = e.order
	}
	reward := candidates[e.rng.Intn(len(candidates))]

	e.trials++
	e.trial = model.Trial{
		Index:      e.trials,
		RewardPort: reward,
		StartedAt:  e.now(),
	}
	span.SetAttributes(attribute.Int("trial", e.trial.Index), attribute.Int("reward_port", int(reward)))

	e.broadcast(event.RewardPort(reward))
	metrics.ControllerTrialsStarted.WithLabelValues(e.cfg.Task).Inc()
	metrics.ControllerRewardPort.Set(float64(reward))
	e.logger.Info("trial started", "trial", e.trial.Index, "reward_port", reward, "previous", e.prevReward)
}

// rewardInstance is the last acoustic instance reported by the node that
// owns the current reward port.
func (e *Engine) rewardInstance() model.Instance {
	owner := e.ports[e.trial.RewardPort].Node
	if n, ok := e.nodes[owner]; ok && n.instance != nil {
		return *n.instance
	}
	return model.Instance{}
}

func (e *Engine) broadcast(cmd event.Command) {
	if e.state == StateExited {
		return
	}
	for _, id := range e.transport.Identities() {
		e.send(id, cmd)
	}
}

func (e *Engine) send(identity string, cmd event.Command) {
	if err := e.transport.Send(identity, cmd.Encode()); err != nil {
		metrics.ControllerSendErrors.WithLabelValues(identity).Inc()
		e.logger.Warn("command not delivered", "node", identity, "command", cmd.String(), "error", err)
		return
	}
	metrics.ControllerCommandsSent.WithLabelValues(string(cmd.Kind)).Inc()
}

func (e *Engine) sinkFailed(s Sink, info model.SessionInfo, ordinal int, err error) {
	metrics.ControllerLogWriteErrors.WithLabelValues(s.Name()).Inc()
	e.logger.Warn("session log write failed", "sink", s.Name(), "ordinal", ordinal, "error", err)
	e.notify(alert.Alert{
		Kind:    alert.KindLogWriteFailed,
		Node:    "controller",
		Session: info.ID.String(),
		Title:   "Session log write failed",
		Message: err.Error(),
		Fields:  map[string]string{"sink": s.Name(), "ordinal": strconv.Itoa(ordinal)},
	})
}

// notify sends alerts off the engine lock; webhooks may be slow.
func (e *Engine) notify(a alert.Alert) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.alerter.Send(ctx, a); err != nil {
			e.logger.Warn("alert send failed", "kind", a.Kind, "node", a.Node, "error", err)
		}
	}()
}

func (e *Engine) sessionID() string {
	if e.log == nil {
		return ""
	}
	return e.log.Info().ID.String()
}

func (e *Engine) refreshNodeGauge() {
	connected := 0
	for _, n := range e.nodes {
		if n.connected {
			connected++
		}
	}
	metrics.ControllerNodesConnected.Set(float64(connected))
}

func (e *Engine) maintain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshNodeGauge()
	if e.state == StateInTrial {
		metrics.ControllerRewardPort.Set(float64(e.trial.RewardPort))
	}
}
