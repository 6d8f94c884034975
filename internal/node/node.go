// Package node is the embedded side of the experiment: one poll loop that
// services the controller's event channel and the parameter channel,
// refills the audio queue between polls and drives the node's ports.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/paclab/soundloc/internal/alert"
	"github.com/paclab/soundloc/internal/audio/queue"
	"github.com/paclab/soundloc/internal/audio/stimulus"
	"github.com/paclab/soundloc/internal/domain/event"
	"github.com/paclab/soundloc/internal/domain/model"
	"github.com/paclab/soundloc/internal/metrics"
	"github.com/paclab/soundloc/internal/portio"
	"github.com/paclab/soundloc/internal/retry"
	"github.com/paclab/soundloc/internal/tracing"
	paramchan "github.com/paclab/soundloc/internal/transport/redis"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EventConn is one connected event-channel stream to the controller.
type EventConn interface {
	Inbound() <-chan []byte
	Send(payload []byte) error
	Close() error
}

type Dialer func(ctx context.Context) (EventConn, error)

type ParamSource interface {
	Subscribe(ctx context.Context) (paramchan.Subscription, error)
}

// Ports is the node's port I/O controller.
type Ports interface {
	Ports() []model.PortID
	SideOf(id model.PortID) (model.Side, bool)
	OnPokeOnset(fn func(model.PortID))
	DriveLED(id model.PortID, mode portio.LEDMode) error
	OpenValve(ctx context.Context, id model.PortID, d time.Duration) error
	AllOff() error
}

type Config struct {
	Identity    string
	PollTimeout time.Duration
	// StallTimeout is how long the audio callback may stay silent before the
	// node declares its audio path unhealthy. Zero disables the watchdog.
	StallTimeout time.Duration
	Reconnect    retry.Backoff
	RewardLED    portio.LEDMode
	PokeBuffer   int
}

// Status is a point-in-time view of the node (JSON-safe).
type Status struct {
	Identity   string          `json:"identity"`
	Connected  bool            `json:"connected"`
	Subscribed bool            `json:"subscribed"`
	Session    bool            `json:"session"`
	RewardPort model.PortID    `json:"reward_port"`
	Mode       stimulus.Mode   `json:"mode"`
	Instance   *model.Instance `json:"instance,omitempty"`
	QueueDepth int             `json:"queue_depth"`
	AudioDown  bool            `json:"audio_down"`
}

type dialResult struct {
	conn EventConn
	err  error
}

type subscribeResult struct {
	sub paramchan.Subscription
	err error
}

type Node struct {
	cfg     Config
	dial    Dialer
	params  ParamSource
	ports   Ports
	builder *stimulus.Builder
	queue   *queue.Queue
	health  *AudioHealth
	alerter alert.Alerter
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	pokes      chan model.PortID
	dialed     chan dialResult
	subscribed chan subscribeResult

	// Owned by the poll loop.
	conn          EventConn
	sub           paramchan.Subscription
	cycle         *stimulus.Cycle
	session       bool
	rewardPort    model.PortID
	audioDown     bool
	exited        bool
	startedAt     time.Time
	lastCheck     time.Time
	lastUnderruns uint64

	mu     sync.RWMutex
	status Status
}

func New(cfg Config, dial Dialer, params ParamSource, ports Ports, builder *stimulus.Builder, q *queue.Queue, logger *slog.Logger) *Node {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Millisecond
	}
	if cfg.PokeBuffer <= 0 {
		cfg.PokeBuffer = 64
	}
	if cfg.RewardLED == (portio.LEDMode{}) {
		cfg.RewardLED = portio.Blink(portio.Green, 5, 50)
	}
	return &Node{
		cfg:        cfg,
		dial:       dial,
		params:     params,
		ports:      ports,
		builder:    builder,
		queue:      q,
		health:     NewAudioHealth(cfg.Identity),
		alerter:    alert.NoopAlerter{},
		logger:     logger.With("component", "node", "node", cfg.Identity),
		tracer:     tracing.Tracer("soundloc/node"),
		now:        time.Now,
		pokes:      make(chan model.PortID, cfg.PokeBuffer),
		dialed:     make(chan dialResult, 1),
		subscribed: make(chan subscribeResult, 1),
		status:     Status{Identity: cfg.Identity, Mode: stimulus.ModeNone},
	}
}

func (n *Node) WithAlerter(a alert.Alerter) *Node {
	n.alerter = a
	return n
}

func (n *Node) Health() *AudioHealth {
	return n.health
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	st := n.status
	st.QueueDepth = n.queue.Depth()
	return st
}

// Run blocks until ctx ends, an exit command arrives, or the controller or
// parameter channel fails with a non-retryable error.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer n.teardown()

	n.startedAt = n.now()
	n.lastCheck = n.startedAt
	n.ports.OnPokeOnset(n.onPoke)
	n.startDial(ctx)
	n.startSubscribe(ctx)
	if cycle, err := n.builder.RebuildCycle(); err == nil {
		n.cycle = cycle
	}

	ticker := time.NewTicker(n.cfg.PollTimeout)
	defer ticker.Stop()

	n.logger.Info("node loop started", "poll_timeout", n.cfg.PollTimeout, "ports", n.ports.Ports())
	for {
		n.refill()

		var inbound <-chan []byte
		if n.conn != nil {
			inbound = n.conn.Inbound()
		}
		var params <-chan []byte
		if n.sub != nil {
			params = n.sub.Messages()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-n.dialed:
			if res.err != nil {
				return fmt.Errorf("connect to controller: %w", res.err)
			}
			n.attach(res.conn)
		case res := <-n.subscribed:
			if res.err != nil {
				return fmt.Errorf("subscribe to parameters: %w", res.err)
			}
			n.sub = res.sub
			n.updateStatus(func(s *Status) { s.Subscribed = true })
			n.logger.Info("parameter channel subscribed")
		case payload, ok := <-inbound:
			if !ok {
				n.detach(ctx)
				continue
			}
			n.handleCommand(ctx, payload)
		case payload, ok := <-params:
			if !ok {
				n.logger.Warn("parameter subscription closed, resubscribing")
				n.sub = nil
				n.updateStatus(func(s *Status) { s.Subscribed = false })
				n.startSubscribe(ctx)
				continue
			}
			n.handleParams(payload)
		case port := <-n.pokes:
			n.sendPoke(port)
		case <-ticker.C:
			n.checkAudio()
		}

		if n.exited {
			n.logger.Info("exit command received, node loop returning")
			return nil
		}
	}
}

func (n *Node) onPoke(id model.PortID) {
	select {
	case n.pokes <- id:
	default:
		n.logger.Warn("poke buffer full, poke dropped", "port", id)
	}
}

func (n *Node) startDial(ctx context.Context) {
	go func() {
		var conn EventConn
		err := retry.Do(ctx, n.cfg.Reconnect, func(ctx context.Context) error {
			c, err := n.dial(ctx)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}, func(attempt int, err error, wait time.Duration) {
			n.logger.Warn("controller dial failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		})
		if err == nil && ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		n.dialed <- dialResult{conn: conn, err: err}
	}()
}

func (n *Node) startSubscribe(ctx context.Context) {
	go func() {
		var sub paramchan.Subscription
		err := retry.Do(ctx, n.cfg.Reconnect, func(ctx context.Context) error {
			s, err := n.params.Subscribe(ctx)
			if err != nil {
				return err
			}
			sub = s
			return nil
		}, func(attempt int, err error, wait time.Duration) {
			n.logger.Warn("parameter subscribe failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		})
		if err == nil && ctx.Err() != nil {
			_ = sub.Close()
			return
		}
		n.subscribed <- subscribeResult{sub: sub, err: err}
	}()
}

func (n *Node) attach(conn EventConn) {
	n.conn = conn
	n.send(event.Hello(strings.TrimPrefix(n.cfg.Identity, "rpi")))
	if inst, ok := n.builder.Instance(); ok {
		n.send(event.Report(inst))
	}
	n.updateStatus(func(s *Status) { s.Connected = true })
	n.logger.Info("connected to controller")
}

// detach drops a dead stream and dials again. Audio keeps playing: the
// controller needs no acknowledgement to progress.
func (n *Node) detach(ctx context.Context) {
	if n.conn != nil {
		_ = n.conn.Close()
	}
	n.conn = nil
	n.updateStatus(func(s *Status) { s.Connected = false })
	n.logger.Warn("controller connection lost, reconnecting")
	n.startDial(ctx)
}

func (n *Node) send(payload []byte) {
	if n.conn == nil {
		return
	}
	if err := n.conn.Send(payload); err != nil {
		n.logger.Warn("send to controller failed", "payload", string(payload), "error", err)
	}
}

func (n *Node) sendPoke(port model.PortID) {
	if n.conn == nil {
		n.logger.Warn("poke dropped while disconnected", "port", port)
		return
	}
	if err := n.conn.Send(event.Poke(port)); err != nil {
		n.logger.Warn("poke send failed", "port", port, "error", err)
		return
	}
	metrics.NodePokesSent.WithLabelValues(n.cfg.Identity).Inc()
	n.logger.Debug("poke sent", "port", port)
}

func (n *Node) handleCommand(ctx context.Context, payload []byte) {
	cmd, err := event.ParseCommand(payload)
	if err != nil {
		metrics.NodeMalformedMessages.WithLabelValues(n.cfg.Identity, "event").Inc()
		n.logger.Warn("malformed command dropped", "payload", string(payload), "error", err)
		return
	}
	n.logger.Debug("command received", "command", cmd.String())

	switch cmd.Kind {
	case event.CommandStart:
		n.startSession()
	case event.CommandStop:
		n.stopSession()
	case event.CommandExit:
		n.stopSession()
		n.exited = true
	case event.CommandRewardPort:
		n.setRewardPort(cmd.Port)
	case event.CommandRewardPokeCompleted:
		n.rewardCompleted(ctx, cmd.Port)
	}
}

func (n *Node) startSession() {
	n.session = true
	if !n.audioDown {
		n.queue.Start()
	}
	n.updateStatus(func(s *Status) { s.Session = true })
	n.logger.Info("session started")
}

// stopSession silences the node: refill stops, queued audio is dropped and
// every LED and valve is switched off.
func (n *Node) stopSession() {
	n.session = false
	n.rewardPort = model.NoPort
	n.queue.Stop()
	dropped := n.queue.Drain(0)
	n.builder.SetChannel(stimulus.ModeNone)
	if cycle, err := n.builder.RebuildCycle(); err == nil {
		n.cycle = cycle
	}
	if err := n.ports.AllOff(); err != nil {
		n.logger.Warn("switch outputs off failed", "error", err)
	}
	n.updateStatus(func(s *Status) {
		s.Session = false
		s.RewardPort = model.NoPort
		s.Mode = stimulus.ModeNone
	})
	n.logger.Info("session stopped", "dropped_blocks", dropped)
}

func (n *Node) setRewardPort(port model.PortID) {
	n.rewardPort = port
	mode := stimulus.ModeNone
	if side, ok := n.ports.SideOf(port); ok {
		mode = stimulus.ModeForSide(side)
	}
	n.builder.SetChannel(mode)

	for _, id := range n.ports.Ports() {
		led := portio.Off()
		if id == port {
			led = n.cfg.RewardLED
		}
		if err := n.ports.DriveLED(id, led); err != nil {
			n.logger.Warn("drive led failed", "port", id, "error", err)
		}
	}

	inst, err := n.builder.Redraw()
	switch {
	case err == nil:
		n.send(event.Report(inst))
		n.updateStatus(func(s *Status) { s.Instance = &inst })
	case errors.Is(err, stimulus.ErrNoParameters):
		n.logger.Warn("reward port assigned before any parameters arrived", "reward_port", port)
	default:
		n.logger.Warn("redraw parameters failed", "error", err)
	}
	n.rebuild()
	n.updateStatus(func(s *Status) {
		s.RewardPort = port
		s.Mode = mode
	})
	n.logger.Info("reward port set", "reward_port", port, "mode", mode)
}

func (n *Node) rewardCompleted(ctx context.Context, port model.PortID) {
	side, ok := n.ports.SideOf(port)
	if !ok {
		return
	}
	ps, ok := n.builder.Parameters()
	if !ok {
		n.logger.Warn("reward without parameters, valve left closed", "port", port)
		return
	}
	d := time.Duration(ps.RewardValue * float64(time.Second))

	ctx, span := n.tracer.Start(ctx, "node.reward", trace.WithAttributes(
		attribute.Int("port", int(port)),
		attribute.String("side", side.String()),
		attribute.Int64("duration_ms", d.Milliseconds()),
	))
	defer span.End()

	if err := n.ports.DriveLED(port, portio.Off()); err != nil {
		n.logger.Warn("drive led failed", "port", port, "error", err)
	}
	if err := n.ports.OpenValve(ctx, port, d); err != nil {
		span.RecordError(err)
		n.logger.Warn("valve actuation failed", "port", port, "error", err)
		return
	}
	n.logger.Info("reward delivered", "port", port, "side", side, "duration", d)
}

func (n *Node) handleParams(payload []byte) {
	var ps model.ParameterSet
	if err := json.Unmarshal(payload, &ps); err != nil {
		metrics.NodeMalformedMessages.WithLabelValues(n.cfg.Identity, "params").Inc()
		n.logger.Warn("malformed parameter record dropped", "error", err)
		return
	}
	inst, err := n.builder.UpdateParameters(ps)
	if err != nil {
		metrics.NodeMalformedMessages.WithLabelValues(n.cfg.Identity, "params").Inc()
		n.logger.Warn("invalid parameter record dropped", "name", ps.Name, "error", err)
		return
	}
	n.send(event.Report(inst))
	n.updateStatus(func(s *Status) { s.Instance = &inst })
	n.rebuild()
}

// rebuild swaps in a fresh cycle and drops queued blocks so the next block
// heard reflects the current instance and side.
func (n *Node) rebuild() {
	cycle, err := n.builder.RebuildCycle()
	if err != nil {
		n.logger.Warn("rebuild stimulus cycle failed", "error", err)
		return
	}
	n.cycle = cycle
	dropped := n.queue.Drain(0)
	n.logger.Debug("stimulus cycle rebuilt", "blocks", cycle.Len(), "dropped_blocks", dropped)
}

func (n *Node) refill() {
	if n.cycle == nil || !n.queue.Running() {
		return
	}
	added, err := n.queue.Refill(n.cycle.Next)
	if err != nil {
		n.logger.Warn("queue refill failed", "error", err)
	}
	if added > 0 {
		metrics.NodeBlocksEnqueued.WithLabelValues(n.cfg.Identity).Add(float64(added))
	}
	metrics.NodeQueueDepth.WithLabelValues(n.cfg.Identity).Set(float64(n.queue.Depth()))
}

// checkAudio is the watchdog. The driver invokes the callback every period
// even while the queue is stopped, so a stale callback time means the
// driver itself has gone away.
func (n *Node) checkAudio() {
	if n.cfg.StallTimeout <= 0 {
		return
	}
	now := n.now()
	if now.Sub(n.lastCheck) < n.cfg.StallTimeout/2 {
		return
	}
	n.lastCheck = now

	stats := n.queue.Stats()
	metrics.NodeCallbacks.WithLabelValues(n.cfg.Identity).Set(float64(stats.Callbacks))
	metrics.NodeQueueUnderruns.WithLabelValues(n.cfg.Identity).Set(float64(stats.Underruns))
	metrics.NodeFramesPlayed.WithLabelValues(n.cfg.Identity).Set(float64(stats.Frames))

	last := stats.LastCallback
	if last.IsZero() {
		last = n.startedAt
	}
	if now.Sub(last) > n.cfg.StallTimeout {
		if n.health.RecordFailure() {
			n.audioDown = true
			n.queue.Stop()
			n.queue.Drain(0)
			metrics.NodeAudioStalls.WithLabelValues(n.cfg.Identity).Inc()
			n.updateStatus(func(s *Status) { s.AudioDown = true })
			n.logger.Error("audio callback stalled, audio stopped", "since_last_callback", now.Sub(last))
			n.notify(alert.Alert{
				Kind:    alert.KindAudioStalled,
				Node:    n.cfg.Identity,
				Title:   "Audio stalled",
				Message: fmt.Sprintf("no audio callback for %s", now.Sub(last).Round(time.Millisecond)),
				Fields:  map[string]string{"callbacks": fmt.Sprint(stats.Callbacks)},
			})
		}
		return
	}

	if stats.Underruns >= n.lastUnderruns {
		n.health.RecordUnderruns(stats.Underruns - n.lastUnderruns)
	}
	n.lastUnderruns = stats.Underruns
	if n.health.RecordSuccess() {
		n.audioDown = false
		if n.session {
			n.queue.Start()
		}
		n.updateStatus(func(s *Status) { s.AudioDown = false })
		n.logger.Info("audio callback resumed")
		n.notify(alert.Alert{
			Kind:    alert.KindAudioRecovered,
			Node:    n.cfg.Identity,
			Title:   "Audio recovered",
			Message: "audio callbacks resumed",
		})
	}
}

func (n *Node) notify(a alert.Alert) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.alerter.Send(ctx, a); err != nil {
			n.logger.Warn("alert send failed", "kind", a.Kind, "error", err)
		}
	}()
}

func (n *Node) teardown() {
	n.queue.Stop()
	n.queue.Drain(0)
	if err := n.ports.AllOff(); err != nil {
		n.logger.Warn("switch outputs off failed", "error", err)
	}
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
	if n.sub != nil {
		_ = n.sub.Close()
		n.sub = nil
	}
	n.health.SetStatus(HealthStatusInactive)
	n.updateStatus(func(s *Status) {
		s.Connected = false
		s.Subscribed = false
		s.Session = false
	})
	n.logger.Info("node loop stopped")
}

func (n *Node) updateStatus(fn func(*Status)) {
	n.mu.Lock()
	fn(&n.status)
	n.mu.Unlock()
}
