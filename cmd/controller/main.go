package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/paclab/soundloc/internal/admin"
	"github.com/paclab/soundloc/internal/alert"
	"github.com/paclab/soundloc/internal/circuitbreaker"
	"github.com/paclab/soundloc/internal/config"
	"github.com/paclab/soundloc/internal/controller"
	"github.com/paclab/soundloc/internal/sessionlog"
	"github.com/paclab/soundloc/internal/store"
	"github.com/paclab/soundloc/internal/store/postgres"
	"github.com/paclab/soundloc/internal/tracing"
	"github.com/paclab/soundloc/internal/transport/eventchan"
	redispkg "github.com/paclab/soundloc/internal/transport/redis"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

const (
	serviceName = "soundloc-controller"

	// exitGrace gives queued exit frames time to reach the nodes before the
	// event channel closes their streams.
	exitGrace = 500 * time.Millisecond
)

// paramPublisher is the controller's end of the parameter channel.
type paramPublisher interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

var (
	newPubSubFactory = func(ctx context.Context, redisURL, channel string, logger *slog.Logger) (paramPublisher, error) {
		ps, err := redispkg.NewPubSub(ctx, redisURL, channel, logger)
		if err != nil {
			return nil, err
		}
		return ps, nil
	}
	newBusFactory = func() paramPublisher { return redispkg.NewBus() }
)

func main() {
	// Setup logger
	logLevel := slog.LevelInfo
	cfg, err := config.LoadController()
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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting soundloc controller",
		"task", cfg.Session.Task,
		"subject", cfg.Session.Subject,
		"ports", len(cfg.Session.Ports),
		"event_addr", cfg.Event.Addr,
		"redis_url", maskCredentials(cfg.Redis.URL),
		"param_channel", cfg.Redis.Channel,
		"log_dir", cfg.Session.LogDir,
		"archive_enabled", cfg.DB.URL != "",
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("controller exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("controller shut down gracefully")
}

func run(cfg *config.Controller, logger *slog.Logger) error {
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
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_ratio", cfg.Tracing.SampleRatio)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alerter := alert.FromURLs(cfg.Alert.SlackWebhookURL, cfg.Alert.GenericWebhookURL, cfg.Alert.Cooldown, logger)

	pub, _, err := resolveParamPublisher(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "parameter_channel"})
	broadcaster := controller.NewBroadcaster(pub, breaker, logger)

	csvSink := sessionlog.NewFileSink(cfg.Session.LogDir, logger)
	defer func() {
		if err := csvSink.Close(); err != nil {
			logger.Warn("close session csv failed", "error", err)
		}
	}()
	sinks := []controller.Sink{csvSink}

	checker := &healthChecker{}
	if cfg.DB.URL != "" {
		db, err := openArchive(ctx, cfg.DB, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		sinks = append(sinks, store.NewArchiveSink(postgres.NewSessionRepo(db), postgres.NewPokeRepo(db)))
		checker.db = db.DB
		db.StartPoolStatsPump(ctx, serviceName, cfg.DB.PoolStatsInterval, logger)
		logger.Info("connected to session archive", "db_url", maskCredentials(cfg.DB.URL))
	}

	events := eventchan.NewServer(eventchan.ServerConfig{
		InboundBuffer: cfg.Event.InboundBuffer,
		PeerBuffer:    cfg.Event.PeerBuffer,
	}, logger,
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 10 * time.Second, Timeout: 5 * time.Second}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
	)
	lis, err := net.Listen("tcp", cfg.Event.Addr)
	if err != nil {
		return fmt.Errorf("listen on event channel %s: %w", cfg.Event.Addr, err)
	}

	opts := []controller.Option{
		controller.WithSinks(sinks...),
		controller.WithAlerter(alerter),
		controller.WithRepublisher(broadcaster),
	}
	if cfg.Seed != 0 {
		opts = append(opts, controller.WithRand(rand.NewSource(uint64(cfg.Seed))))
	}
	engine, err := controller.New(controller.Config{
		Task:        cfg.Session.Task,
		Subject:     cfg.Session.Subject,
		Ports:       cfg.Session.Ports,
		PollTimeout: cfg.PollTimeout,
	}, events, logger, opts...)
	if err != nil {
		lis.Close()
		return fmt.Errorf("create trial engine: %w", err)
	}
	checker.engine = engine

	if ps := cfg.Session.Parameters; ps != nil {
		if err := broadcaster.Publish(ctx, *ps); err != nil {
			logger.Warn("initial parameter broadcast failed", "name", ps.Name, "error", err)
		}
	}

	adminSrv := admin.NewServer(engine, broadcaster, logger,
		admin.WithHealthProvider(&controllerHealth{engine: engine, broadcaster: broadcaster, checker: checker}))
	limiter := admin.NewRateLimitMiddleware(cfg.Admin.RateLimit, cfg.Admin.RateBurst, logger)
	defer limiter.Stop()
	adminHandler := admin.AuditMiddleware(logger, limiter.Wrap(adminSrv.Handler()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gCtx := errgroup.WithContext(ctx)

	// Health check server
	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, checker, logger)
	})

	g.Go(func() error {
		return runAdminServer(gCtx, cfg.Admin.Port, adminHandler, logger)
	})

	g.Go(func() error {
		go func() {
			<-gCtx.Done()
			events.GracefulStop()
		}()
		return events.Serve(lis)
	})

	// Trial engine; an exit broadcast ends the process after the grace period.
	g.Go(func() error {
		defer cancel()
		err := engine.Run(gCtx, events.Events())
		select {
		case <-engine.Done():
			logger.Info("exit broadcast, closing event channel", "grace", exitGrace)
			sleepCtx(gCtx, exitGrace)
		default:
		}
		return err
	})

	// Signal handler
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down nodes", "signal", sig)
			if err := engine.Exit(gCtx); err != nil {
				logger.Warn("exit broadcast failed", "error", err)
				cancel()
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	err = g.Wait()
	saveSessionLog(csvSink, engine.SessionLog(), logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// resolveParamPublisher returns the Redis-backed parameter channel, or an
// in-process bus when no Redis URL is configured. The bool reports whether
// parameters leave the process.
func resolveParamPublisher(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (paramPublisher, bool, error) {
	redisURL := strings.TrimSpace(cfg.URL)
	if redisURL == "" {
		logger.Warn("REDIS_URL is empty, parameters stay in-process and will not reach remote nodes")
		return newBusFactory(), false, nil
	}

	pub, err := newPubSubFactory(ctx, redisURL, cfg.Channel, logger)
	if err != nil {
		return nil, true, fmt.Errorf("initialize parameter channel: %w", err)
	}
	if pub == nil {
		return nil, true, fmt.Errorf("initialize parameter channel: backend is nil")
	}

	logger.Info("redis parameter channel enabled",
		"redis_url", maskCredentials(redisURL),
		"channel", cfg.Channel,
	)
	return pub, true, nil
}

func openArchive(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*postgres.DB, error) {
	db, err := postgres.New(ctx, postgres.Config{
		URL:              cfg.URL,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  cfg.ConnMaxLifetime,
		StatementTimeout: cfg.StatementTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.RunMigrations(ctx, cfg.MigrationsDir, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// saveSessionLog rewrites the CSV from the in-memory log so the file on disk
// matches what the operator saw, even if a streamed row failed.
func saveSessionLog(sink *sessionlog.FileSink, log *sessionlog.Log, logger *slog.Logger) {
	if log == nil {
		return
	}
	path, err := sink.Save(log)
	if err != nil {
		logger.Error("save session log failed", "session_id", log.Info().ID, "error", err)
		return
	}
	logger.Info("session log saved", "path", path, "pokes", log.Len())
}

// maskCredentials hides the userinfo part of a connection URL for logging.
func maskCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	masked := u.Scheme + "://***@" + u.Host + u.Path
	if u.RawQuery != "" {
		masked += "?" + u.RawQuery
	}
	return masked
}

type pinger interface {
	PingContext(ctx context.Context) error
}

type engineStatus interface {
	Status() controller.Status
}

// healthChecker backs /healthz. The database is only checked when the
// archive is enabled.
type healthChecker struct {
	engine engineStatus
	db     pinger
}

func (h *healthChecker) check(ctx context.Context) error {
	if h.engine == nil {
		return errors.New("trial engine not initialized")
	}
	if h.engine.Status().State == controller.StateExited {
		return errors.New("trial engine exited")
	}
	if h.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// controllerHealth is the admin API's view of node links and the
// parameter channel.
type controllerHealth struct {
	engine      *controller.Engine
	broadcaster *controller.Broadcaster
	checker     *healthChecker
}

type healthReport struct {
	Ready            bool                    `json:"ready"`
	Error            string                  `json:"error,omitempty"`
	Nodes            []controller.NodeStatus `json:"nodes"`
	ParameterChannel circuitbreaker.Snapshot `json:"parameter_channel"`
}

func (c *controllerHealth) HealthSnapshots() any {
	report := healthReport{
		Ready:            true,
		Nodes:            c.engine.Status().Nodes,
		ParameterChannel: c.broadcaster.Breaker(),
	}
	if err := c.checker.check(context.Background()); err != nil {
		report.Ready = false
		report.Error = err.Error()
	}
	return report
}

func runHealthServer(ctx context.Context, port int, checker *healthChecker, logger *slog.Logger) error {
	return serveHTTP(ctx, "health", port, healthMux(checker, logger), logger)
}

func healthMux(checker *healthChecker, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := checker.check(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runAdminServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	return serveHTTP(ctx, "admin", port, handler, logger)
}

func serveHTTP(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn(name+" server shutdown error", "error", err)
		}
	}()

	logger.Info(name+" server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
