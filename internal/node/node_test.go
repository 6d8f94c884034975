package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/paclab/soundloc/internal/alert"
	"github.com/paclab/soundloc/internal/audio/queue"
	"github.com/paclab/soundloc/internal/audio/stimulus"
	"github.com/paclab/soundloc/internal/domain/model"
	"github.com/paclab/soundloc/internal/portio"
	"github.com/paclab/soundloc/internal/retry"
	"github.com/paclab/soundloc/internal/transport/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

const (
	leftPort  model.PortID = 5
	rightPort model.PortID = 7
	blockSize              = 1024
	waitFor                = 2 * time.Second
	tick                   = 5 * time.Millisecond
)

type fakeConn struct {
	inbound chan []byte

	mu     sync.Mutex
	sent   []string
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) Inbound() <-chan []byte { return c.inbound }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, string(payload))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConn) hasSent(msg string) bool {
	return slices.Contains(c.messages(), msg)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) dial(_ context.Context) (EventConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type valveCall struct {
	port     model.PortID
	duration time.Duration
}

type fakePorts struct {
	mu     sync.Mutex
	onset  func(model.PortID)
	leds   map[model.PortID]portio.LEDMode
	valves []valveCall
	allOff int
}

func newFakePorts() *fakePorts {
	return &fakePorts{leds: make(map[model.PortID]portio.LEDMode)}
}

func (p *fakePorts) Ports() []model.PortID { return []model.PortID{leftPort, rightPort} }

func (p *fakePorts) SideOf(id model.PortID) (model.Side, bool) {
	switch id {
	case leftPort:
		return model.SideLeft, true
	case rightPort:
		return model.SideRight, true
	}
	return "", false
}

func (p *fakePorts) OnPokeOnset(fn func(model.PortID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onset = fn
}

func (p *fakePorts) DriveLED(id model.PortID, mode portio.LEDMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leds[id] = mode
	return nil
}

func (p *fakePorts) OpenValve(_ context.Context, id model.PortID, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valves = append(p.valves, valveCall{port: id, duration: d})
	return nil
}

func (p *fakePorts) AllOff() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allOff++
	for id := range p.leds {
		p.leds[id] = portio.Off()
	}
	return nil
}

func (p *fakePorts) poke(id model.PortID) {
	p.mu.Lock()
	fn := p.onset
	p.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

func (p *fakePorts) led(id model.PortID) portio.LEDMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leds[id]
}

func (p *fakePorts) valveCalls() []valveCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]valveCall(nil), p.valves...)
}

func (p *fakePorts) allOffCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allOff
}

type captureAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *captureAlerter) Send(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *captureAlerter) kinds() []alert.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []alert.Kind
	for _, al := range a.alerts {
		out = append(out, al.Kind)
	}
	return out
}

type harness struct {
	node    *Node
	bus     *redis.Bus
	dialer  *fakeDialer
	ports   *fakePorts
	builder *stimulus.Builder
	queue   *queue.Queue
	alerter *captureAlerter
	cancel  context.CancelFunc
	done    chan error
}

func testConfig() Config {
	return Config{
		Identity:    "rpi01",
		PollTimeout: tick,
		Reconnect:   retry.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	}
}

func startHarness(t *testing.T, cfg Config, dialer *fakeDialer) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if dialer == nil {
		dialer = &fakeDialer{}
	}
	h := &harness{
		bus:    redis.NewBus(),
		dialer: dialer,
		ports:  newFakePorts(),
		builder: stimulus.New(stimulus.Config{
			SampleRate:    48000,
			BlockSize:     blockSize,
			BurstDuration: 10 * time.Millisecond,
			CycleLength:   time.Second,
		}, cfg.Identity, rand.NewSource(7), logger),
		queue:   queue.New(blockSize, 4, 8),
		alerter: &captureAlerter{},
		done:    make(chan error, 1),
	}
	h.node = New(cfg, dialer.dial, h.bus, h.ports, h.builder, h.queue, logger).WithAlerter(h.alerter)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.node.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitFor):
			t.Error("node loop did not stop")
		}
		_ = h.bus.Close()
	})
	return h
}

func (h *harness) waitReady(t *testing.T) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool {
		st := h.node.Status()
		return st.Connected && st.Subscribed
	}, waitFor, tick)
	return h.dialer.conn(0)
}

func (h *harness) command(t *testing.T, conn *fakeConn, cmd string) {
	t.Helper()
	select {
	case conn.inbound <- []byte(cmd):
	case <-time.After(waitFor):
		t.Fatalf("command %q not accepted", cmd)
	}
}

func (h *harness) publish(t *testing.T, ps model.ParameterSet) {
	t.Helper()
	payload, err := json.Marshal(ps)
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(), payload))
}

func s1Parameters() model.ParameterSet {
	return model.ParameterSet{
		Name:            "s1",
		Task:            "soundloc",
		AmplitudeMin:    0.02,
		AmplitudeMax:    0.02,
		RateMin:         2,
		RateMax:         2,
		IrregularityMin: -1.5,
		IrregularityMax: -1.5,
		CenterFreqMin:   10000,
		CenterFreqMax:   10000,
		Bandwidth:       3000,
		RewardValue:     0.05,
	}
}

func TestNode_HelloOnConnect(t *testing.T) {
	t.Parallel()

	h := startHarness(t, testConfig(), nil)
	conn := h.waitReady(t)

	require.Eventually(t, func() bool { return conn.hasSent("rpi01") }, waitFor, tick)
	assert.Equal(t, "rpi01", conn.messages()[0])
}

func TestNode_ParameterSwapMidSession(t *testing.T) {
	t.Parallel()

	h := startHarness(t, testConfig(), nil)
	conn := h.waitReady(t)

	h.publish(t, s1Parameters())
	first := "Current Parameters - Amplitude: 0.02, Rate: 2 s, Irregularity: -1.5 s, Center Frequency: 10000 Hz, Bandwidth: 3000"
	require.Eventually(t, func() bool { return conn.hasSent(first) }, waitFor, tick)

	h.command(t, conn, "start")
	h.command(t, conn, "Reward Port: 5")
	require.Eventually(t, func() bool {
		return h.builder.Mode() == stimulus.ModeLeft && h.queue.Running() && h.queue.Depth() > 0
	}, waitFor, tick)
	assert.Equal(t, portio.LEDBlink, h.ports.led(leftPort).Kind)
	assert.Equal(t, portio.LEDOff, h.ports.led(rightPort).Kind)

	swapped := s1Parameters()
	swapped.Name = "s4"
	swapped.CenterFreqMin, swapped.CenterFreqMax, swapped.Bandwidth = 5000, 5000, 2000
	h.publish(t, swapped)

	second := "Current Parameters - Amplitude: 0.02, Rate: 2 s, Irregularity: -1.5 s, Center Frequency: 5000 Hz, Bandwidth: 2000"
	require.Eventually(t, func() bool { return conn.hasSent(second) }, waitFor, tick)
	inst, ok := h.builder.Instance()
	require.True(t, ok)
	assert.Equal(t, 4000.0, inst.Highpass())
	assert.Equal(t, 6000.0, inst.Lowpass())
	assert.Equal(t, stimulus.ModeLeft, h.builder.Mode(), "parameter swap keeps the side")

	h.command(t, conn, "Reward Port: 7")
	require.Eventually(t, func() bool { return h.builder.Mode() == stimulus.ModeRight }, waitFor, tick)
	require.Eventually(t, func() bool {
		n := 0
		for _, m := range conn.messages() {
			if m == second {
				n++
			}
		}
		return n == 2
	}, waitFor, tick, "next trial redraws from the swapped record")
	assert.Equal(t, portio.LEDOff, h.ports.led(leftPort).Kind)
	assert.Equal(t, portio.LEDBlink, h.ports.led(rightPort).Kind)
}

func TestNode_RewardPortOnOtherNode(t *testing.T) {
	t.Parallel()

	h := startHarness(t, testConfig(), nil)
	conn := h.waitReady(t)
	h.publish(t, s1Parameters())
	h.command(t, conn, "start")
	h.command(t, conn, "Reward Port: 9")

	require.Eventually(t, func() bool {
		return h.node.Status().RewardPort == 9
	}, waitFor, tick)
	assert.Equal(t, stimulus.ModeNone, h.builder.Mode())
	assert.Equal(t, portio.LEDOff, h.ports.led(leftPort).Kind)
	assert.Equal(t, portio.LEDOff, h.ports.led(rightPort).Kind)
}

func TestNode_ForwardsPokes(t *testing.T) {
	t.Parallel()

	h := startHarness(t, testConfig(), nil)
	conn := h.waitReady(t)

	h.ports.poke(rightPort)
	h.ports.poke(leftPort)
	require.Eventually(t, func() bool {
		return conn.hasSent("7") && conn.hasSent("5")
	}, waitFor, tick)
}

func TestNode_DeliversRewardOnOwnPortOnly(t *testing.T) {
	t.Parallel()

	h := startHarness(t, testConfig(), nil)
	conn := h.waitReady(t)
	h.publish(t, s1Parameters())
	require.Eventually(t, func() bool {
		_, ok := h.builder.Parameters()
		return ok
	}, waitFor, tick)

	h.command(t, conn, "start")
	h.command(t, conn, "Reward Port: 5")
	h.command(t, conn, "Reward Poke Completed: 9")
	h.command(t, conn, "Reward Poke Completed: 5")

	require.Eventually(t, func() bool { return len(h.ports.valveCalls()) == 1 }, waitFor, tick)
	assert.Equal(t, valveCall{port: leftPort, duration: 50 * time.Millisecond}, h.ports.valveCalls()[0])
	assert.Equal(t, portio.LEDOff, h.ports.led(leftPort).Kind)
}

func TestNode_StopSilences(t *testing.T) {
	t.Parallel()

	h := startHarness(t, testConfig(), nil)
	conn := h.waitReady(t)
	h.publish(t, s1Parameters())
	h.command(t, conn, "start")
	h.command(t, conn, "Reward Port: 5")
	require.Eventually(t, func() bool { return h.queue.Depth() > 0 }, waitFor, tick)

	h.command(t, conn, "stop")
	require.Eventually(t, func() bool {
		return !h.queue.Running() && h.queue.Depth() == 0 && h.ports.allOffCount() > 0
	}, waitFor, tick)
	assert.Equal(t, stimulus.ModeNone, h.builder.Mode())
	assert.False(t, h.node.Status().Session)

	out := [][]float32{make([]float32, blockSize), make([]float32, blockSize)}
	out[0][0], out[1][0] = 1, 1
	h.queue.Process(out)
	assert.Zero(t, out[0][0])
	assert.Zero(t, out[1][0])

	h.command(t, conn, "start")
	require.Eventually(t, func() bool { return h.queue.Running() }, waitFor, tick)
}

func TestNode_ExitReturns(t *testing.T) {
	t.Parallel()

	h := startHarness(t, testConfig(), nil)
	conn := h.waitReady(t)
	h.command(t, conn, "start")
	h.command(t, conn, "exit")

	select {
	case err := <-h.done:
		require.NoError(t, err)
		h.done <- err
	case <-time.After(waitFor):
		t.Fatal("node loop did not return after exit")
	}
	assert.True(t, conn.isClosed())
	assert.False(t, h.queue.Running())
	assert.Positive(t, h.ports.allOffCount())
	assert.Equal(t, HealthStatusInactive, h.node.Health().Status())
}

func TestNode_IgnoresMalformedInput(t *testing.T) {
	t.Parallel()

	h := startHarness(t, testConfig(), nil)
	conn := h.waitReady(t)

	h.command(t, conn, "Reward Port: left")
	h.command(t, conn, "bogus")
	require.NoError(t, h.bus.Publish(context.Background(), []byte("{not json")))
	bad := s1Parameters()
	bad.RateMin, bad.RateMax = 5, 1
	h.publish(t, bad)

	h.command(t, conn, "start")
	require.Eventually(t, func() bool { return h.queue.Running() }, waitFor, tick)
	_, ok := h.builder.Parameters()
	assert.False(t, ok, "invalid records are not applied")
}

func TestNode_ReconnectsAfterStreamLoss(t *testing.T) {
	t.Parallel()

	h := startHarness(t, testConfig(), nil)
	conn := h.waitReady(t)
	h.publish(t, s1Parameters())
	require.Eventually(t, func() bool {
		_, ok := h.builder.Instance()
		return ok
	}, waitFor, tick)

	close(conn.inbound)
	require.Eventually(t, func() bool { return h.dialer.count() == 2 }, waitFor, tick)
	next := h.dialer.conn(1)
	require.Eventually(t, func() bool { return len(next.messages()) >= 2 }, waitFor, tick)
	assert.Equal(t, "rpi01", next.messages()[0])
	assert.Contains(t, next.messages()[1], "Center Frequency: 10000 Hz")
	assert.True(t, conn.isClosed())
}

func TestNode_TerminalDialErrorStopsLoop(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{err: retry.Terminal(errors.New("bad target"))}
	h := startHarness(t, testConfig(), dialer)

	select {
	case err := <-h.done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connect to controller")
		h.done <- err
	case <-time.After(waitFor):
		t.Fatal("node loop kept running")
	}
}

func TestNode_AudioWatchdog(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.StallTimeout = 40 * time.Millisecond
	h := startHarness(t, cfg, nil)
	conn := h.waitReady(t)
	h.command(t, conn, "start")

	require.Eventually(t, func() bool {
		return h.node.Health().Status() == HealthStatusUnhealthy
	}, waitFor, tick)
	require.Eventually(t, func() bool { return h.node.Status().AudioDown }, waitFor, tick)
	assert.False(t, h.queue.Running(), "stalled audio is stopped")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		out := [][]float32{make([]float32, blockSize), make([]float32, blockSize)}
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.queue.Process(out)
			}
		}
	}()

	require.Eventually(t, func() bool {
		st := h.node.Health().Status()
		return st == HealthStatusHealthy || st == HealthStatusDegraded
	}, waitFor, tick)
	require.Eventually(t, func() bool { return h.queue.Running() }, waitFor, tick, "session audio resumes")
	require.Eventually(t, func() bool {
		kinds := h.alerter.kinds()
		return slices.Contains(kinds, alert.KindAudioStalled) && slices.Contains(kinds, alert.KindAudioRecovered)
	}, waitFor, tick)
}
