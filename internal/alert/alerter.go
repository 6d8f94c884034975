package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paclab/soundloc/internal/metrics"
)

// Kind names what happened. Recovery kinds clear the cooldown of the
// problem they resolve.
type Kind string

const (
	KindAudioStalled     Kind = "audio_stalled"
	KindAudioRecovered   Kind = "audio_recovered"
	KindNodeDisconnected Kind = "node_disconnected"
	KindNodeReconnected  Kind = "node_reconnected"
	KindLogWriteFailed   Kind = "log_write_failed"
)

var resolves = map[Kind]Kind{
	KindAudioRecovered:  KindAudioStalled,
	KindNodeReconnected: KindNodeDisconnected,
}

// Alert is one operator notification. Node is the reporting node identity
// or "controller".
type Alert struct {
	Kind    Kind
	Node    string
	Session string
	Title   string
	Message string
	Fields  map[string]string
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Channel is one delivery target.
type Channel interface {
	Alerter
	Name() string
}

// Dispatcher fans alerts out to every channel. A repeat of the same kind
// from the same node inside the cooldown window is dropped.
type Dispatcher struct {
	channels []Channel
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewDispatcher(cooldown time.Duration, logger *slog.Logger, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(k Kind, node string) string { return string(k) + "/" + node }

func (d *Dispatcher) Send(ctx context.Context, a Alert) error {
	if !d.admit(a) {
		d.logger.Debug("alert suppressed by cooldown", "kind", a.Kind, "node", a.Node)
		for _, c := range d.channels {
			metrics.AlertsCooldownSkipped.WithLabelValues(c.Name(), string(a.Kind)).Inc()
		}
		return nil
	}

	var errs []string
	for _, c := range d.channels {
		if err := c.Send(ctx, a); err != nil {
			d.logger.Warn("alert send failed", "channel", c.Name(), "kind", a.Kind, "error", err)
			errs = append(errs, c.Name()+": "+err.Error())
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(c.Name(), string(a.Kind)).Inc()
	}
	if len(errs) > 0 {
		return fmt.Errorf("alert %s: %s", a.Kind, strings.Join(errs, "; "))
	}
	return nil
}

func (d *Dispatcher) admit(a Alert) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	key := cooldownKey(a.Kind, a.Node)
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.lastSent[key] = now
	if problem, ok := resolves[a.Kind]; ok {
		delete(d.lastSent, cooldownKey(problem, a.Node))
	}
	return true
}

// postJSON posts payload and treats any non-2xx status as a failure.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

var slackEmoji = map[Kind]string{
	KindAudioStalled:     ":mute:",
	KindAudioRecovered:   ":sound:",
	KindNodeDisconnected: ":rotating_light:",
	KindNodeReconnected:  ":electric_plug:",
	KindLogWriteFailed:   ":floppy_disk:",
}

// Slack posts to an incoming-webhook URL.
type Slack struct {
	url    string
	client *http.Client
}

func NewSlack(url string) *Slack {
	return &Slack{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, a Alert) error {
	return postJSON(ctx, s.client, s.url, map[string]string{"text": slackText(a)})
}

// slackText renders a as mrkdwn with fields in key order.
func slackText(a Alert) string {
	emoji, ok := slackEmoji[a.Kind]
	if !ok {
		emoji = ":warning:"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* on %s: %s", emoji, a.Title, a.Node, a.Message)
	if a.Session != "" {
		fmt.Fprintf(&b, "\nsession `%s`", a.Session)
	}
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n> %s: %s", k, a.Fields[k])
	}
	return b.String()
}

// Webhook posts the alert as a JSON document.
type Webhook struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: 10 * time.Second}, now: time.Now}
}

func (w *Webhook) Name() string { return "webhook" }

type webhookPayload struct {
	Kind    Kind              `json:"kind"`
	Node    string            `json:"node"`
	Session string            `json:"session,omitempty"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	SentAt  time.Time         `json:"sent_at"`
}

func (w *Webhook) Send(ctx context.Context, a Alert) error {
	return postJSON(ctx, w.client, w.url, webhookPayload{
		Kind:    a.Kind,
		Node:    a.Node,
		Session: a.Session,
		Title:   a.Title,
		Message: a.Message,
		Fields:  a.Fields,
		SentAt:  w.now().UTC(),
	})
}

// NoopAlerter drops every alert.
type NoopAlerter struct{}

func (NoopAlerter) Send(context.Context, Alert) error { return nil }

// FromURLs builds a Dispatcher for the configured webhooks, or a NoopAlerter
// when neither URL is set.
func FromURLs(slackURL, webhookURL string, cooldown time.Duration, logger *slog.Logger) Alerter {
	var channels []Channel
	if slackURL != "" {
		channels = append(channels, NewSlack(slackURL))
	}
	if webhookURL != "" {
		channels = append(channels, NewWebhook(webhookURL))
	}
	if len(channels) == 0 {
		return NoopAlerter{}
	}
	return NewDispatcher(cooldown, logger, channels...)
}
