package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paclab/soundloc/internal/circuitbreaker"
	"github.com/paclab/soundloc/internal/domain/model"
	"github.com/paclab/soundloc/internal/metrics"
	"github.com/paclab/soundloc/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Publisher is the parameter channel's sending side.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Broadcaster publishes acoustic parameter records to every node. Delivery is
// at-most-once; the latest record is latched so it can be re-sent to nodes
// that join later.
type Broadcaster struct {
	pub     Publisher
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	tracer  trace.Tracer
	timeout time.Duration

	mu          sync.RWMutex
	latest      *model.ParameterSet
	publishedAt time.Time
}

func NewBroadcaster(pub Publisher, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Broadcaster {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{Name: "parameter_channel"})
	}
	return &Broadcaster{
		pub:     pub,
		breaker: breaker,
		logger:  logger.With("component", "broadcaster"),
		tracer:  tracing.Tracer("soundloc/controller"),
		timeout: 2 * time.Second,
	}
}

// Publish validates ps, latches it and sends it to every subscriber.
// An invalid record is rejected and leaves the latch unchanged.
func (b *Broadcaster) Publish(ctx context.Context, ps model.ParameterSet) error {
	if err := ps.Validate(); err != nil {
		metrics.ControllerParameterPublishes.WithLabelValues("invalid").Inc()
		return fmt.Errorf("publish parameters: %w", err)
	}
	stored := ps
	b.mu.Lock()
	b.latest = &stored
	b.mu.Unlock()
	return b.send(ctx, ps)
}

// Republish re-sends the latched record. It is a no-op before the first
// Publish.
func (b *Broadcaster) Republish(ctx context.Context) error {
	b.mu.RLock()
	latest := b.latest
	b.mu.RUnlock()
	if latest == nil {
		return nil
	}
	return b.send(ctx, *latest)
}

func (b *Broadcaster) send(ctx context.Context, ps model.ParameterSet) error {
	ctx, span := b.tracer.Start(ctx, "broadcaster.publish", trace.WithAttributes(
		attribute.String("name", ps.Name),
		attribute.String("task", ps.Task),
	))
	defer span.End()

	payload, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	err = b.breaker.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		return b.pub.Publish(callCtx, payload)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ControllerParameterPublishes.WithLabelValues("failed").Inc()
		b.logger.Warn("parameter publish failed", "name", ps.Name, "error", err)
		return fmt.Errorf("publish parameters: %w", err)
	}

	b.mu.Lock()
	b.publishedAt = time.Now()
	b.mu.Unlock()
	metrics.ControllerParameterPublishes.WithLabelValues("ok").Inc()
	b.logger.Info("parameters published",
		"name", ps.Name,
		"center_freq_min", ps.CenterFreqMin,
		"center_freq_max", ps.CenterFreqMax,
		"bandwidth", ps.Bandwidth,
		"reward_value", ps.RewardValue,
	)
	return nil
}

// Latest returns the latched record.
func (b *Broadcaster) Latest() (model.ParameterSet, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return model.ParameterSet{}, false
	}
	return *b.latest, true
}

func (b *Broadcaster) PublishedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.publishedAt
}

func (b *Broadcaster) Breaker() circuitbreaker.Snapshot {
	return b.breaker.Snapshot()
}
