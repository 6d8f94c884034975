package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Controller is the process configuration of the controller binary.
type Controller struct {
	Event       EventConfig
	Redis       RedisConfig
	SessionPath string
	Session     *SessionFile
	PollTimeout time.Duration
	Seed        int64
	DB          DBConfig
	Admin       AdminConfig
	Server      ServerConfig
	Tracing     TracingConfig
	Alert       AlertConfig
	Log         LogConfig
}

// Node is the process configuration of the node binary.
type Node struct {
	NodePath       string
	Node           *NodeFile
	ControllerAddr string
	Redis          RedisConfig
	Audio          AudioConfig
	PollTimeout    time.Duration
	Debounce       time.Duration
	Seed           int64
	Server         ServerConfig
	Tracing        TracingConfig
	Alert          AlertConfig
	Log            LogConfig
}

type EventConfig struct {
	Addr          string
	InboundBuffer int
	PeerBuffer    int
}

type RedisConfig struct {
	URL     string
	Channel string
}

type DBConfig struct {
	URL               string
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
	StatementTimeout  time.Duration
	PoolStatsInterval time.Duration
	MigrationsDir     string
}

type AdminConfig struct {
	Port      int
	RateLimit float64
	RateBurst int
}

type ServerConfig struct {
	HealthPort int
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type AlertConfig struct {
	SlackWebhookURL   string
	GenericWebhookURL string
	Cooldown          time.Duration
}

type LogConfig struct {
	Level string
}

type AudioConfig struct {
	SampleRate    int
	BlockSize     int
	QueueTarget   int
	BurstDuration time.Duration
	StallTimeout  time.Duration
}

const (
	DefaultParamChannel = "soundloc:params"
	defaultEventAddr    = ":5555"
)

func LoadController() (*Controller, error) {
	cfg := &Controller{
		Event: EventConfig{
			Addr:          getEnv("EVENT_ADDR", defaultEventAddr),
			InboundBuffer: getEnvInt("EVENT_INBOUND_BUFFER", 256),
			PeerBuffer:    getEnvInt("EVENT_PEER_BUFFER", 64),
		},
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", ""),
			Channel: getEnv("PARAM_CHANNEL", DefaultParamChannel),
		},
		SessionPath: getEnv("SESSION_CONFIG_PATH", "session.yaml"),
		PollTimeout: time.Duration(getEnvInt("POLL_TIMEOUT_MS", 100)) * time.Millisecond,
		Seed:        int64(getEnvInt("SEED", 0)),
		DB: DBConfig{
			URL:               getEnv("DB_URL", ""),
			MaxOpenConns:      getEnvInt("DB_MAX_OPEN_CONNS", 4),
			MaxIdleConns:      getEnvInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime:   time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
			StatementTimeout:  time.Duration(getEnvInt("DB_STATEMENT_TIMEOUT_MS", 5000)) * time.Millisecond,
			PoolStatsInterval: time.Duration(getEnvInt("DB_POOL_STATS_INTERVAL_MS", 10000)) * time.Millisecond,
			MigrationsDir:     getEnv("DB_MIGRATIONS_DIR", "migrations"),
		},
		Admin: AdminConfig{
			Port:      getEnvInt("ADMIN_PORT", 8090),
			RateLimit: getEnvFloat("ADMIN_RATE_LIMIT", 5),
			RateBurst: getEnvInt("ADMIN_RATE_BURST", 10),
		},
		Server:  ServerConfig{HealthPort: getEnvInt("HEALTH_PORT", 8080)},
		Tracing: loadTracing(1),
		Alert:   loadAlert(),
		Log:     LogConfig{Level: getEnv("LOG_LEVEL", "info")},
	}

	session, err := LoadSessionFile(cfg.SessionPath)
	if err != nil {
		return nil, err
	}
	cfg.Session = session

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Controller) validate() error {
	if c.Event.Addr == "" {
		return fmt.Errorf("EVENT_ADDR is required")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT_MS must be positive")
	}
	if c.Event.InboundBuffer <= 0 || c.Event.PeerBuffer <= 0 {
		return fmt.Errorf("EVENT_INBOUND_BUFFER and EVENT_PEER_BUFFER must be positive")
	}
	if c.Admin.RateLimit <= 0 || c.Admin.RateBurst <= 0 {
		return fmt.Errorf("ADMIN_RATE_LIMIT and ADMIN_RATE_BURST must be positive")
	}
	if c.DB.URL != "" && c.DB.PoolStatsInterval < time.Second {
		return fmt.Errorf("DB_POOL_STATS_INTERVAL_MS must be at least 1000")
	}
	if c.DB.StatementTimeout < 0 || c.DB.StatementTimeout > time.Hour {
		return fmt.Errorf("DB_STATEMENT_TIMEOUT_MS must be within [0, 3600000]")
	}
	if c.Session == nil {
		return fmt.Errorf("session file %s not loaded", c.SessionPath)
	}
	return validateTracing(c.Tracing)
}

func LoadNode() (*Node, error) {
	cfg := &Node{
		NodePath: getEnv("NODE_CONFIG_PATH", "node.yaml"),
		Audio: AudioConfig{
			SampleRate:    getEnvInt("SAMPLE_RATE", 192000),
			BlockSize:     getEnvInt("BLOCK_SIZE", 1024),
			QueueTarget:   getEnvInt("QUEUE_TARGET", 200),
			BurstDuration: time.Duration(getEnvInt("BURST_MS", 10)) * time.Millisecond,
			StallTimeout:  time.Duration(getEnvInt("AUDIO_STALL_MS", 1000)) * time.Millisecond,
		},
		PollTimeout: time.Duration(getEnvInt("POLL_TIMEOUT_MS", 10)) * time.Millisecond,
		Debounce:    time.Duration(getEnvInt("DEBOUNCE_MS", 50)) * time.Millisecond,
		Seed:        int64(getEnvInt("SEED", 0)),
		Server:      ServerConfig{HealthPort: getEnvInt("HEALTH_PORT", 8081)},
		Tracing:     loadTracing(0.1),
		Alert:       loadAlert(),
		Log:         LogConfig{Level: getEnv("LOG_LEVEL", "info")},
	}

	node, err := LoadNodeFile(cfg.NodePath)
	if err != nil {
		return nil, err
	}
	cfg.Node = node

	cfg.ControllerAddr = getEnv("CONTROLLER_ADDR", net.JoinHostPort(node.GuiIP, strconv.Itoa(node.PokePort)))
	cfg.Redis = RedisConfig{
		URL:     getEnv("REDIS_URL", "redis://"+net.JoinHostPort(node.GuiIP, strconv.Itoa(node.ConfigPort))),
		Channel: getEnv("PARAM_CHANNEL", DefaultParamChannel),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Node) validate() error {
	if c.ControllerAddr == "" {
		return fmt.Errorf("CONTROLLER_ADDR is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Audio.SampleRate <= 0 || c.Audio.BlockSize <= 0 {
		return fmt.Errorf("SAMPLE_RATE and BLOCK_SIZE must be positive")
	}
	if c.Audio.QueueTarget <= 0 {
		return fmt.Errorf("QUEUE_TARGET must be positive")
	}
	if c.Audio.BurstDuration <= 0 {
		return fmt.Errorf("BURST_MS must be positive")
	}
	if c.Audio.StallTimeout <= 0 {
		return fmt.Errorf("AUDIO_STALL_MS must be positive")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT_MS must be positive")
	}
	if c.Debounce < 0 {
		return fmt.Errorf("DEBOUNCE_MS must not be negative")
	}
	return validateTracing(c.Tracing)
}

func loadTracing(defaultRatio float64) TracingConfig {
	return TracingConfig{
		Enabled:     getEnvBool("TRACING_ENABLED", false),
		Endpoint:    getEnv("TRACING_ENDPOINT", "localhost:4317"),
		Insecure:    getEnvBool("TRACING_INSECURE", true),
		SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", defaultRatio),
	}
}

func validateTracing(t TracingConfig) error {
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATIO must be within [0,1], got %v", t.SampleRatio)
	}
	return nil
}

func loadAlert() AlertConfig {
	return AlertConfig{
		SlackWebhookURL:   getEnv("SLACK_WEBHOOK_URL", ""),
		GenericWebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),
		Cooldown:          time.Duration(getEnvInt("ALERT_COOLDOWN_SEC", 300)) * time.Second,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
