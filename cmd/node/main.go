package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paclab/soundloc/internal/alert"
	"github.com/paclab/soundloc/internal/audio/device"
	"github.com/paclab/soundloc/internal/audio/queue"
	"github.com/paclab/soundloc/internal/audio/stimulus"
	"github.com/paclab/soundloc/internal/config"
	"github.com/paclab/soundloc/internal/node"
	"github.com/paclab/soundloc/internal/portio"
	"github.com/paclab/soundloc/internal/retry"
	"github.com/paclab/soundloc/internal/tracing"
	"github.com/paclab/soundloc/internal/transport/eventchan"
	redispkg "github.com/paclab/soundloc/internal/transport/redis"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const serviceName = "soundloc-node"

var reconnectBackoff = retry.Backoff{Initial: 250 * time.Millisecond, Max: 5 * time.Second}

// paramSource is the node's end of the parameter channel.
type paramSource interface {
	node.ParamSource
	Close() error
}

var (
	initHost = func() error {
		_, err := host.Init()
		return err
	}
	lookupLine = func(pin int) (portio.Line, error) {
		name := fmt.Sprintf("GPIO%d", pin)
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("gpio line %s not found", name)
		}
		return p, nil
	}
	newParamSourceFactory = func(ctx context.Context, redisURL, channel string, logger *slog.Logger) (paramSource, error) {
		ps, err := redispkg.NewPubSub(ctx, redisURL, channel, logger)
		if err != nil {
			return nil, err
		}
		return ps, nil
	}
)

func main() {
	// Setup logger
	logLevel := slog.LevelInfo
	cfg, err := config.LoadNode()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})).
		With("node", cfg.Node.Identity)
	slog.SetDefault(logger)

	logger.Info("starting soundloc node",
		"controller_addr", cfg.ControllerAddr,
		"param_channel", cfg.Redis.Channel,
		"left_port", cfg.Node.LeftID,
		"right_port", cfg.Node.RightID,
		"sample_rate", cfg.Audio.SampleRate,
		"block_size", cfg.Audio.BlockSize,
		"queue_target", cfg.Audio.QueueTarget,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("node exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("node shut down gracefully")
}

func run(cfg *config.Node, logger *slog.Logger) error {
	// Initialize OpenTelemetry tracing
	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), serviceName, tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ports, err := openPorts(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := ports.Close(); err != nil {
			logger.Warn("release gpio lines failed", "error", err)
		}
	}()

	seed := uint64(cfg.Seed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	builder := stimulus.New(stimulus.Config{
		SampleRate:    cfg.Audio.SampleRate,
		BlockSize:     cfg.Audio.BlockSize,
		BurstDuration: cfg.Audio.BurstDuration,
	}, cfg.Node.Identity, rand.NewSource(seed), logger)
	q := queue.New(cfg.Audio.BlockSize, cfg.Audio.QueueTarget, 2*cfg.Audio.QueueTarget)

	stream, err := device.Open(device.Config{
		SampleRate: float64(cfg.Audio.SampleRate),
		BlockSize:  cfg.Audio.BlockSize,
		Channels:   2,
	}, q.Process, logger)
	if err != nil {
		return fmt.Errorf("open audio device: %w", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			logger.Warn("close audio device failed", "error", err)
		}
	}()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("start audio stream: %w", err)
	}

	params, err := connectParamSource(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer params.Close()

	alerter := alert.FromURLs(cfg.Alert.SlackWebhookURL, cfg.Alert.GenericWebhookURL, cfg.Alert.Cooldown, logger)
	n := node.New(node.Config{
		Identity:     cfg.Node.Identity,
		PollTimeout:  cfg.PollTimeout,
		StallTimeout: cfg.Audio.StallTimeout,
		Reconnect:    reconnectBackoff,
	}, controllerDialer(cfg.ControllerAddr, cfg.Node.Identity, logger), params, ports, builder, q, logger).
		WithAlerter(alerter)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gCtx := errgroup.WithContext(ctx)

	// Health check server
	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, n, logger)
	})

	g.Go(func() error {
		return ports.Run(gCtx)
	})

	// An exit command from the controller ends the whole process.
	g.Go(func() error {
		defer cancel()
		return n.Run(gCtx)
	})

	// Signal handler
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := stream.Stop(); err != nil {
		logger.Warn("stop audio stream failed", "error", err)
	}
	return nil
}

// openPorts claims the GPIO lines for the node's two ports.
func openPorts(cfg *config.Node, logger *slog.Logger) (*portio.Controller, error) {
	if err := initHost(); err != nil {
		return nil, fmt.Errorf("initialize gpio host: %w", err)
	}

	var pins []portio.PortPins
	for _, np := range cfg.Node.Ports() {
		pp, err := portPins(np, cfg.Node.Pins.Side(np.Port.Side))
		if err != nil {
			return nil, fmt.Errorf("port %d: %w", np.Port.ID, err)
		}
		pins = append(pins, pp)
	}

	ports, err := portio.New(portio.Config{
		Node:     cfg.Node.Identity,
		Ports:    pins,
		Debounce: cfg.Debounce,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("configure ports: %w", err)
	}
	return ports, nil
}

func portPins(np config.NodePort, side config.SidePins) (portio.PortPins, error) {
	polarity, err := portio.ParsePolarity(np.Type)
	if err != nil {
		return portio.PortPins{}, err
	}
	pp := portio.PortPins{ID: np.Port.ID, Side: np.Port.Side, Polarity: polarity}

	lines := []struct {
		pin  int
		dest *portio.Line
	}{
		{side.Sensor, &pp.Sensor},
		{side.Valve, &pp.Valve},
		{side.Red, &pp.LED[portio.Red]},
		{side.Green, &pp.LED[portio.Green]},
		{side.Blue, &pp.LED[portio.Blue]},
	}
	for _, l := range lines {
		line, err := lookupLine(l.pin)
		if err != nil {
			return portio.PortPins{}, err
		}
		*l.dest = line
	}
	return pp, nil
}

// connectParamSource retries until the broker answers, so a node booted
// before the controller host waits instead of exiting.
func connectParamSource(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (paramSource, error) {
	var src paramSource
	err := retry.Do(ctx, reconnectBackoff, func(ctx context.Context) error {
		s, err := newParamSourceFactory(ctx, cfg.URL, cfg.Channel, logger)
		if err != nil {
			return err
		}
		src = s
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("parameter channel unavailable, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("connect parameter channel: %w", err)
	}
	return src, nil
}

func controllerDialer(addr, identity string, logger *slog.Logger) node.Dialer {
	return func(ctx context.Context) (node.EventConn, error) {
		c, err := eventchan.Dial(ctx, addr, identity, logger,
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                10 * time.Second,
				Timeout:             5 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type nodeState interface {
	Status() node.Status
	Health() *node.AudioHealth
}

type healthResponse struct {
	Status node.Status         `json:"status"`
	Audio  node.HealthSnapshot `json:"audio"`
}

func healthMux(n nodeState, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: n.Status(), Audio: n.Health().Snapshot()}
		code := http.StatusOK
		if !resp.Status.Connected || resp.Audio.Status == string(node.HealthStatusUnhealthy) {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runHealthServer(ctx context.Context, port int, n nodeState, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           healthMux(n, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
