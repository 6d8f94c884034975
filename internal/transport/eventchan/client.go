package eventchan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/paclab/soundloc/internal/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client is the node end of the event channel.
type Client struct {
	identity string
	conn     *grpc.ClientConn
	stream   grpc.ClientStream
	cancel   context.CancelFunc
	done     <-chan struct{}
	logger   *slog.Logger
	inbound  chan []byte

	sendMu sync.Mutex

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Dial opens the node's stream to the controller at target. Extra options are
// appended after the defaults, so tests can swap the dialer.
func Dial(ctx context.Context, target, identity string, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if identity == "" {
		return nil, errors.New("dial event channel: empty identity")
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(frameCodec{})),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect controller: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, identityKey, identity)

	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], connectPath)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("open event stream: %w", err)
	}

	c := &Client{
		identity: identity,
		conn:     conn,
		stream:   stream,
		cancel:   cancel,
		done:     streamCtx.Done(),
		logger:   logger.With("component", "event_channel", "node", identity),
		inbound:  make(chan []byte, 64),
	}
	go c.recvLoop()

	// Tie the stream lifetime to ctx as well as Close.
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-streamCtx.Done():
		}
	}()
	return c, nil
}

func (c *Client) recvLoop() {
	defer close(c.inbound)
	for {
		var f frame
		if err := c.stream.RecvMsg(&f); err != nil {
			if !errors.Is(err, io.EOF) {
				c.setErr(err)
			}
			return
		}
		metrics.TransportFramesTotal.WithLabelValues("client", "in").Inc()
		select {
		case c.inbound <- f.payload:
		case <-c.done:
			return
		}
	}
}

// Inbound yields controller frames in send order. It is closed when the
// stream ends; Err then reports why.
func (c *Client) Inbound() <-chan []byte {
	return c.inbound
}

// Send writes one frame. Concurrent callers are serialized.
func (c *Client) Send(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(&frame{payload: payload}); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	metrics.TransportFramesTotal.WithLabelValues("client", "out").Inc()
	return nil
}

func (c *Client) Identity() string {
	return c.identity
}

func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Close ends the stream and the connection. It is safe to call repeatedly.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		_ = c.stream.CloseSend()
		c.sendMu.Unlock()
		c.cancel()
		err = c.conn.Close()
		c.logger.Debug("event channel closed")
	})
	return err
}
