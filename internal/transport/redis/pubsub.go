// Package redis carries the one-way parameter channel: the controller
// publishes JSON parameter records and every node subscribes.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/paclab/soundloc/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "soundloc:params"

// Subscription delivers parameter payloads until closed.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// PubSub is the Redis-backed parameter channel. Delivery is at-most-once;
// go-redis re-subscribes on its own after a dropped connection.
type PubSub struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewPubSub(ctx context.Context, url, channel string, logger *slog.Logger) (*PubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &PubSub{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "param_channel", "channel", channel),
	}, nil
}

func (p *PubSub) Publish(ctx context.Context, payload []byte) error {
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", p.channel, err)
	}
	metrics.TransportParamMessages.WithLabelValues("out").Inc()
	return nil
}

func (p *PubSub) Subscribe(ctx context.Context) (Subscription, error) {
	ps := p.client.Subscribe(ctx, p.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", p.channel, err)
	}

	sub := &redisSubscription{ps: ps, out: make(chan []byte, 16), done: make(chan struct{})}
	go sub.pump(ps.Channel())
	p.logger.Info("subscribed to parameter channel")
	return sub, nil
}

func (p *PubSub) Close() error {
	return p.client.Close()
}

func (p *PubSub) Client() *redis.Client {
	return p.client
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			metrics.TransportParamMessages.WithLabelValues("in").Inc()
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
