// Package portio owns a node's poke sensors, LEDs and reward valves.
package portio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paclab/soundloc/internal/domain/model"
	"github.com/paclab/soundloc/internal/metrics"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

var ErrInvalidPort = errors.New("invalid port")

const (
	DefaultDebounce = 50 * time.Millisecond
	defaultEdgePoll = 100 * time.Millisecond
)

// Line is the subset of gpio.PinIO the controller drives.
type Line interface {
	Name() string
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
	Out(l gpio.Level) error
	PWM(duty gpio.Duty, f physic.Frequency) error
	Halt() error
}

// PortPins binds one port to its lines.
type PortPins struct {
	ID       model.PortID
	Side     model.Side
	Polarity Polarity
	Sensor   Line
	Valve    Line
	LED      [numColors]Line
}

type Config struct {
	Node     string
	Ports    []PortPins
	Debounce time.Duration
	EdgePoll time.Duration
}

type portState struct {
	pins PortPins

	mu         sync.Mutex
	lastOnset  time.Time
	pending    bool
	stopBlink  context.CancelFunc
	blinkDone  chan struct{}
	valveMu    sync.Mutex
	debouncing bool
}

// Controller translates sensor edges into poke hooks and drives LEDs and
// valves. One controller exists per node and owns every line it is given.
type Controller struct {
	node     string
	debounce time.Duration
	edgePoll time.Duration
	logger   *slog.Logger
	ports    map[model.PortID]*portState
	order    []model.PortID

	hookMu    sync.RWMutex
	onOnset   func(model.PortID)
	onRelease func(model.PortID)

	nowFunc func() time.Time
}

// New configures every sensor as an edge-triggered input and every output
// line as off.
func New(cfg Config, logger *slog.Logger) (*Controller, error) {
	if cfg.Debounce <= 0 || cfg.Debounce > DefaultDebounce {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.EdgePoll <= 0 {
		cfg.EdgePoll = defaultEdgePoll
	}

	c := &Controller{
		node:     cfg.Node,
		debounce: cfg.Debounce,
		edgePoll: cfg.EdgePoll,
		logger:   logger.With("component", "portio"),
		ports:    make(map[model.PortID]*portState, len(cfg.Ports)),
		nowFunc:  time.Now,
	}

	for _, p := range cfg.Ports {
		if p.ID <= model.NoPort {
			return nil, fmt.Errorf("%w: %d", ErrInvalidPort, p.ID)
		}
		if _, dup := c.ports[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate port %d", ErrInvalidPort, p.ID)
		}
		if p.Sensor == nil || p.Valve == nil {
			return nil, fmt.Errorf("port %d: sensor and valve lines are required", p.ID)
		}
		if err := p.Sensor.In(p.Polarity.Pull(), gpio.BothEdges); err != nil {
			return nil, fmt.Errorf("port %d: configure sensor %s: %w", p.ID, p.Sensor.Name(), err)
		}
		if err := p.Valve.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("port %d: configure valve %s: %w", p.ID, p.Valve.Name(), err)
		}
		c.ports[p.ID] = &portState{pins: p}
		c.order = append(c.order, p.ID)
		if err := c.setLEDs(c.ports[p.ID], Off()); err != nil {
			return nil, fmt.Errorf("port %d: configure led: %w", p.ID, err)
		}
	}
	return c, nil
}

func (c *Controller) Ports() []model.PortID {
	return append([]model.PortID(nil), c.order...)
}

// Owns reports whether id is one of this node's ports.
func (c *Controller) Owns(id model.PortID) bool {
	_, ok := c.ports[id]
	return ok
}

// SideOf returns the side a port sits on.
func (c *Controller) SideOf(id model.PortID) (model.Side, bool) {
	st, ok := c.ports[id]
	if !ok {
		return "", false
	}
	return st.pins.Side, true
}

func (c *Controller) OnPokeOnset(fn func(model.PortID)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onOnset = fn
}

func (c *Controller) OnPokeRelease(fn func(model.PortID)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onRelease = fn
}

// Run watches every sensor until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range c.order {
		st := c.ports[id]
		g.Go(func() error {
			c.watch(ctx, st)
			return nil
		})
	}
	return g.Wait()
}

func (c *Controller) watch(ctx context.Context, st *portState) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !st.pins.Sensor.WaitForEdge(c.edgePoll) {
			continue
		}
		c.handleEdge(st, st.pins.Sensor.Read())
	}
}

func (c *Controller) handleEdge(st *portState, level gpio.Level) {
	now := c.nowFunc()
	id := st.pins.ID

	st.mu.Lock()
	var fire func(model.PortID)
	if level == st.pins.Polarity.OnsetLevel() {
		if st.debouncing && now.Sub(st.lastOnset) < c.debounce {
			st.mu.Unlock()
			c.logger.Debug("poke onset debounced", "port", id)
			return
		}
		st.debouncing = true
		st.lastOnset = now
		st.pending = true
		c.hookMu.RLock()
		fire = c.onOnset
		c.hookMu.RUnlock()
		metrics.NodePokesDetected.WithLabelValues(c.node, id.String()).Inc()
	} else {
		if !st.pending {
			st.mu.Unlock()
			return
		}
		st.pending = false
		c.hookMu.RLock()
		fire = c.onRelease
		c.hookMu.RUnlock()
	}
	st.mu.Unlock()

	if fire != nil {
		fire(id)
	}
}

// DriveLED sets a port's LED to off, solid or blinking. Blink uses hardware
// PWM when the line supports it and a software toggler otherwise.
func (c *Controller) DriveLED(id model.PortID, mode LEDMode) error {
	st, ok := c.ports[id]
	if !ok {
		return fmt.Errorf("%w: %d not owned by %s", ErrInvalidPort, id, c.node)
	}
	if err := mode.validate(); err != nil {
		return err
	}
	return c.setLEDs(st, mode)
}

func (c *Controller) setLEDs(st *portState, mode LEDMode) error {
	st.mu.Lock()
	stop, done := st.stopBlink, st.blinkDone
	st.stopBlink, st.blinkDone = nil, nil
	st.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	pol := st.pins.Polarity
	for color, line := range st.pins.LED {
		if line == nil {
			continue
		}
		active := mode.Kind != LEDOff && Color(color) == mode.Color
		if !active || mode.Kind == LEDSolid {
			if err := line.Out(pol.LEDLevel(active)); err != nil {
				return fmt.Errorf("led %s: %w", line.Name(), err)
			}
			continue
		}
		freq := physic.Frequency(mode.FreqHz * float64(physic.Hertz))
		if err := line.PWM(pol.LEDDuty(mode.DutyPct), freq); err == nil {
			continue
		}
		c.startSoftBlink(st, line, mode)
	}
	return nil
}

func (c *Controller) startSoftBlink(st *portState, line Line, mode LEDMode) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	st.mu.Lock()
	st.stopBlink, st.blinkDone = cancel, done
	st.mu.Unlock()

	on, off := mode.phases()
	pol := st.pins.Polarity
	go func() {
		defer close(done)
		lit := true
		for {
			_ = line.Out(pol.LEDLevel(lit))
			wait := on
			if !lit {
				wait = off
			}
			select {
			case <-ctx.Done():
				_ = line.Out(pol.LEDLevel(false))
				return
			case <-time.After(wait):
			}
			lit = !lit
		}
	}()
}

// OpenValve holds the port's valve open for d. The valve is closed again on
// return, including when ctx is cancelled.
func (c *Controller) OpenValve(ctx context.Context, id model.PortID, d time.Duration) (err error) {
	st, ok := c.ports[id]
	if !ok {
		return fmt.Errorf("%w: %d not owned by %s", ErrInvalidPort, id, c.node)
	}

	st.valveMu.Lock()
	defer st.valveMu.Unlock()

	valve := st.pins.Valve
	defer func() {
		if cerr := valve.Out(gpio.Low); cerr != nil && err == nil {
			err = fmt.Errorf("close valve %s: %w", valve.Name(), cerr)
		}
	}()
	if err := valve.Out(gpio.High); err != nil {
		return fmt.Errorf("open valve %s: %w", valve.Name(), err)
	}
	metrics.NodeValveOpenings.WithLabelValues(c.node, id.String()).Inc()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AllOff turns every LED off and closes every valve.
func (c *Controller) AllOff() error {
	var errs []error
	for _, id := range c.order {
		st := c.ports[id]
		if err := c.setLEDs(st, Off()); err != nil {
			errs = append(errs, err)
		}
		if err := st.pins.Valve.Out(gpio.Low); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close switches every output off and releases all lines.
func (c *Controller) Close() error {
	errs := []error{c.AllOff()}
	for _, id := range c.order {
		pins := c.ports[id].pins
		lines := append([]Line{pins.Sensor, pins.Valve}, pins.LED[:]...)
		for _, l := range lines {
			if l == nil {
				continue
			}
			if err := l.Halt(); err != nil {
				errs = append(errs, fmt.Errorf("halt %s: %w", l.Name(), err))
			}
		}
	}
	c.logger.Info("gpio released")
	return errors.Join(errs...)
}
