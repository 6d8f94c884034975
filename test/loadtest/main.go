// Package main implements a load test harness for the soundloc controller.
// It connects one simulated node per identity listed in the session file,
// pokes on a fixed interval and measures the time from a rewarded poke to the
// controller's Reward Poke Completed broadcast.
//
// Usage:
//
//	go run ./test/loadtest \
//	  -addr localhost:5555 \
//	  -session configs/session.yaml \
//	  -admin http://localhost:8081 \
//	  -poke-interval 50ms \
//	  -duration 30s
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/paclab/soundloc/internal/config"
	"github.com/paclab/soundloc/internal/domain/event"
	"github.com/paclab/soundloc/internal/domain/model"
	"github.com/paclab/soundloc/internal/transport/eventchan"
)

func main() {
	var (
		addr         = flag.String("addr", "localhost:5555", "Controller event channel address")
		sessionPath  = flag.String("session", "", "Session YAML listing the ports to simulate")
		adminURL     = flag.String("admin", "", "Controller admin base URL; when set the session is started and pokes are verified")
		pokeInterval = flag.Duration("poke-interval", 50*time.Millisecond, "Delay between pokes per node")
		missRatio    = flag.Float64("miss-ratio", 0.3, "Fraction of pokes deliberately sent to a non-reward port")
		duration     = flag.Duration("duration", 30*time.Second, "Test duration")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *sessionPath == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: -session")
		flag.Usage()
		os.Exit(1)
	}
	session, err := config.LoadSessionFile(*sessionPath)
	if err != nil {
		logger.Error("failed to load session file", "error", err)
		os.Exit(1)
	}
	layout := nodeLayout(session.Ports)

	logger.Info("load test configuration",
		"addr", *addr,
		"nodes", len(layout),
		"ports", len(session.Ports),
		"poke_interval", *pokeInterval,
		"miss_ratio", *missRatio,
		"duration", *duration,
	)

	ctx, cancel := context.WithTimeout(context.Background(), *duration+10*time.Second)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	stats := &loadStats{}
	var wg sync.WaitGroup
	ready := make(chan struct{}, len(layout))
	deadline := time.Now().Add(*duration)

	identities := make([]string, 0, len(layout))
	for identity := range layout {
		identities = append(identities, identity)
	}
	sort.Strings(identities)

	for i, identity := range identities {
		sim := &simNode{
			identity: identity,
			ports:    layout[identity],
			interval: *pokeInterval,
			miss:     *missRatio,
			seq:      uint64(i),
			stats:    stats,
			logger:   logger.With("node", identity),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sim.run(ctx, *addr, deadline, ready); err != nil && ctx.Err() == nil {
				sim.logger.Warn("simulated node failed", "error", err)
				stats.errors.Add(1)
			}
		}()
	}

	for range identities {
		select {
		case <-ready:
		case <-ctx.Done():
		}
	}

	if *adminURL != "" {
		if err := adminPost(ctx, *adminURL, "/admin/v1/session/start"); err != nil {
			logger.Error("failed to start session", "error", err)
			cancel()
			wg.Wait()
			os.Exit(1)
		}
	}

	logger.Info("starting load test", "nodes", len(identities), "duration", *duration)
	testStart := time.Now()
	wg.Wait()
	testDuration := time.Since(testStart)

	sent := stats.pokes.Load()
	rewarded := stats.rewarded.Load()
	completed := stats.completed.Load()
	errors := stats.errors.Load()
	latencies := stats.sortedLatencies()

	p50 := percentile(latencies, 50)
	p95 := percentile(latencies, 95)
	p99 := percentile(latencies, 99)

	pokesPerSec := float64(sent) / testDuration.Seconds()
	errorRate := float64(0)
	if sent > 0 {
		errorRate = float64(errors) / float64(sent) * 100
	}

	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       LOAD TEST RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Duration:       %s\n", testDuration.Round(time.Millisecond))
	fmt.Printf("Nodes:          %d\n", len(identities))
	fmt.Printf("Poke interval:  %s\n", *pokeInterval)
	fmt.Println("----------------------------------------")
	fmt.Println("Throughput:")
	fmt.Printf("  Pokes:        %d\n", sent)
	fmt.Printf("  Rewarded:     %d\n", rewarded)
	fmt.Printf("  Completed:    %d\n", completed)
	fmt.Printf("  Pokes/sec:    %.2f\n", pokesPerSec)
	fmt.Println("----------------------------------------")
	fmt.Println("Latency (rewarded poke to completion):")
	fmt.Printf("  p50:          %s\n", formatNanos(p50))
	fmt.Printf("  p95:          %s\n", formatNanos(p95))
	fmt.Printf("  p99:          %s\n", formatNanos(p99))
	fmt.Println("----------------------------------------")
	fmt.Println("Errors:")
	fmt.Printf("  Total:        %d\n", errors)
	fmt.Printf("  Error rate:   %.2f%%\n", errorRate)
	fmt.Println("========================================")

	if *adminURL != "" {
		verifyCtx, verifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if verifyPokeCount(verifyCtx, *adminURL, sent, logger) {
			errors++
		}
		verifyCancel()
	}

	if errors > 0 {
		os.Exit(1)
	}
}

// nodeLayout groups the session's ports by owning node.
func nodeLayout(ports []model.Port) map[string][]model.PortID {
	out := make(map[string][]model.PortID)
	for _, p := range ports {
		out[p.Node] = append(out[p.Node], p.ID)
	}
	return out
}

type loadStats struct {
	pokes     atomic.Int64
	rewarded  atomic.Int64
	completed atomic.Int64
	errors    atomic.Int64

	latenciesMu sync.Mutex
	latenciesNs []int64
}

func (s *loadStats) recordLatency(d time.Duration) {
	s.latenciesMu.Lock()
	s.latenciesNs = append(s.latenciesNs, d.Nanoseconds())
	s.latenciesMu.Unlock()
}

func (s *loadStats) sortedLatencies() []int64 {
	s.latenciesMu.Lock()
	out := make([]int64, len(s.latenciesNs))
	copy(out, s.latenciesNs)
	s.latenciesMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// simNode stands in for a Raspberry Pi: it announces itself, tracks the
// broadcast reward port and pokes its own ports.
type simNode struct {
	identity string
	ports    []model.PortID
	interval time.Duration
	miss     float64
	seq      uint64
	stats    *loadStats
	logger   *slog.Logger

	mu         sync.Mutex
	running    bool
	rewardPort model.PortID
	pending    map[model.PortID]time.Time
}

func (n *simNode) run(ctx context.Context, addr string, deadline time.Time, ready chan<- struct{}) error {
	conn, err := eventchan.Dial(ctx, addr, n.identity, n.logger)
	if err != nil {
		ready <- struct{}{}
		return fmt.Errorf("dial controller: %w", err)
	}
	defer conn.Close()

	if err := conn.Send(event.Hello(strings.TrimPrefix(n.identity, "rpi"))); err != nil {
		ready <- struct{}{}
		return fmt.Errorf("send hello: %w", err)
	}
	n.pending = make(map[model.PortID]time.Time)
	ready <- struct{}{}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-conn.Inbound():
			if !ok {
				return conn.Err()
			}
			n.handleCommand(payload)
		case <-ticker.C:
			port, ok := n.nextPoke()
			if !ok {
				continue
			}
			if err := conn.Send(event.Poke(port)); err != nil {
				n.stats.errors.Add(1)
				n.logger.Warn("send poke failed", "port", port, "error", err)
				continue
			}
			n.stats.pokes.Add(1)
		}
	}
	return nil
}

func (n *simNode) handleCommand(payload []byte) {
	cmd, err := event.ParseCommand(payload)
	if err != nil {
		n.stats.errors.Add(1)
		n.logger.Warn("unparseable command", "payload", string(payload), "error", err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	switch cmd.Kind {
	case event.CommandStart:
		n.running = true
	case event.CommandStop, event.CommandExit:
		n.running = false
	case event.CommandRewardPort:
		n.rewardPort = cmd.Port
	case event.CommandRewardPokeCompleted:
		if sent, ok := n.pending[cmd.Port]; ok {
			n.stats.recordLatency(time.Since(sent))
			n.stats.completed.Add(1)
			delete(n.pending, cmd.Port)
		}
	}
}

// nextPoke picks the port to poke, preferring the reward port when this node
// owns it. Pokes wait for the first start command.
func (n *simNode) nextPoke() (model.PortID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running || len(n.ports) == 0 {
		return 0, false
	}

	n.seq = n.seq*6364136223846793005 + 1442695040888963407
	roll := float64(n.seq>>11) / float64(1<<53)

	owned := false
	for _, p := range n.ports {
		if p == n.rewardPort {
			owned = true
			break
		}
	}
	if owned && roll >= n.miss {
		n.pending[n.rewardPort] = time.Now()
		n.stats.rewarded.Add(1)
		return n.rewardPort, true
	}
	for _, p := range n.ports {
		if p != n.rewardPort {
			return p, true
		}
	}
	return n.ports[0], true
}

func adminPost(ctx context.Context, base, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+path, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

// verifyPokeCount checks that the controller logged at least as many pokes as
// were sent. It returns true if the check failed.
func verifyPokeCount(ctx context.Context, base string, sent int64, logger *slog.Logger) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/admin/v1/status", nil)
	if err != nil {
		logger.Error("build status request", "error", err)
		return true
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Error("fetch status", "error", err)
		return true
	}
	defer resp.Body.Close()

	var status struct {
		Pokes  int `json:"pokes"`
		Trials int `json:"trials"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		logger.Error("decode status", "error", err)
		return true
	}

	passed := int64(status.Pokes) >= sent
	result := "PASS"
	if !passed {
		result = "FAIL"
	}
	fmt.Println()
	fmt.Printf("  [%s] controller logged pokes (sent %d, logged %d, trials %d)\n", result, sent, status.Pokes, status.Trials)
	return !passed
}

// percentile returns the p-th percentile value from a sorted slice of int64s.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return int64(float64(sorted[lower])*(1-frac) + float64(sorted[upper])*frac)
}

// formatNanos formats nanoseconds as a human-readable duration string.
func formatNanos(ns int64) string {
	d := time.Duration(ns)
	switch {
	case d < time.Microsecond:
		return fmt.Sprintf("%dns", ns)
	case d < time.Millisecond:
		return fmt.Sprintf("%.2fus", float64(ns)/1e3)
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(ns)/1e6)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
