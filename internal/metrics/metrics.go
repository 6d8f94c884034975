package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session, node and transport counters. Controller series are partitioned by
// task; node series by node identity.

var (
	// Controller
	ControllerSessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "controller",
		Name:      "session_active",
		Help:      "1 while a session is running, 0 otherwise",
	})

	ControllerTrialsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "controller",
		Name:      "trials_started_total",
		Help:      "Total trials started",
	}, []string{"task"})

	ControllerTrialsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "controller",
		Name:      "trials_completed_total",
		Help:      "Total trials closed by a rewarded poke",
	}, []string{"task"})

	ControllerPokesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "controller",
		Name:      "pokes_total",
		Help:      "Total pokes classified during a trial",
	}, []string{"task", "outcome"})

	ControllerMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "controller",
		Name:      "messages_received_total",
		Help:      "Total node messages received on the event channel",
	}, []string{"kind"})

	ControllerMalformedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "controller",
		Name:      "malformed_messages_total",
		Help:      "Total node messages that could not be parsed",
	}, []string{"node"})

	ControllerCommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "controller",
		Name:      "commands_sent_total",
		Help:      "Total commands delivered to nodes",
	}, []string{"command"})

	ControllerSendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "controller",
		Name:      "send_errors_total",
		Help:      "Total command deliveries that failed",
	}, []string{"node"})

	ControllerRewardPort = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "controller",
		Name:      "reward_port",
		Help:      "Port id rewarded in the current trial (0 when idle)",
	})

	ControllerNodesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "controller",
		Name:      "nodes_connected",
		Help:      "Current number of nodes that announced themselves",
	})

	ControllerPollLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "soundloc",
		Subsystem: "controller",
		Name:      "message_handle_duration_seconds",
		Help:      "Time spent handling one node message",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	ControllerParameterPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "controller",
		Name:      "parameter_publishes_total",
		Help:      "Total parameter sets published to nodes",
	}, []string{"result"})

	ControllerLogWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "controller",
		Name:      "log_write_errors_total",
		Help:      "Total poke record sink failures",
	}, []string{"sink"})

	// Node
	NodeParameterDraws = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "parameter_draws_total",
		Help:      "Total concrete acoustic instances drawn",
	}, []string{"node"})

	NodeCycleRebuildLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "cycle_rebuild_duration_seconds",
		Help:      "Stimulus cycle rebuild duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"node"})

	NodeQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "queue_depth",
		Help:      "Current number of blocks waiting in the playback queue",
	}, []string{"node"})

	NodeBlocksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "blocks_enqueued_total",
		Help:      "Total blocks moved from the stimulus cycle into the playback queue",
	}, []string{"node"})

	NodeCallbacks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "audio_callbacks",
		Help:      "Cumulative audio driver callback invocations",
	}, []string{"node"})

	NodeQueueUnderruns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "queue_underruns",
		Help:      "Cumulative audio callbacks served with silence while running",
	}, []string{"node"})

	NodeFramesPlayed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "frames_played",
		Help:      "Cumulative frames handed to the audio device",
	}, []string{"node"})

	NodePokesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "pokes_detected_total",
		Help:      "Total debounced poke onsets",
	}, []string{"node", "port"})

	NodePokesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "pokes_sent_total",
		Help:      "Total poke events sent to the controller",
	}, []string{"node"})

	NodeMalformedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "malformed_messages_total",
		Help:      "Total commands or parameter payloads dropped as malformed",
	}, []string{"node", "channel"})

	NodeValveOpenings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "valve_openings_total",
		Help:      "Total reward valve pulses",
	}, []string{"node", "port"})

	NodeAudioStalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "audio_stalls_total",
		Help:      "Total audio callback stalls detected by the watchdog",
	}, []string{"node"})

	NodeHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "health_status",
		Help:      "Node health status (0=UNKNOWN, 1=HEALTHY, 2=DEGRADED, 3=UNHEALTHY, 4=INACTIVE)",
	}, []string{"node"})

	NodeConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "node",
		Name:      "consecutive_failures",
		Help:      "Number of consecutive node loop failures",
	}, []string{"node"})

	// Transport
	TransportFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "transport",
		Name:      "frames_total",
		Help:      "Total event channel frames",
	}, []string{"side", "direction"})

	TransportStreamsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "transport",
		Name:      "streams_open",
		Help:      "Current number of open node streams",
	})

	TransportParamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "transport",
		Name:      "param_messages_total",
		Help:      "Total parameter channel messages",
	}, []string{"direction"})

	// Database pool
	DBPoolOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	}, []string{"service"})

	DBPoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	}, []string{"service"})

	DBPoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	}, []string{"service"})

	DBPoolWaitCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative count of waits for PostgreSQL connections from pool",
	}, []string{"service"})

	DBPoolWaitDurationSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "soundloc",
		Subsystem: "postgres",
		Name:      "db_pool_wait_duration_seconds",
		Help:      "Latest PostgreSQL pool wait duration in seconds",
	}, []string{"service"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "kind"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "kind"})

	// Admin
	AdminRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "admin",
		Name:      "requests_total",
		Help:      "Total admin API requests",
	}, []string{"endpoint", "code"})

	AdminRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundloc",
		Subsystem: "admin",
		Name:      "rate_limited_total",
		Help:      "Total admin API requests rejected by the rate limiter",
	}, []string{"endpoint"})
)
