package eventchan

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/paclab/soundloc/internal/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var (
	ErrUnknownNode = errors.New("unknown node")
	ErrSlowNode    = errors.New("node send buffer full")
	ErrClosed      = errors.New("event channel closed")
)

type InboundKind int

const (
	// InboundMessage carries one frame sent by a node.
	InboundMessage InboundKind = iota
	// InboundConnected is emitted when a node stream opens.
	InboundConnected
	// InboundDisconnected is emitted when a node stream ends.
	InboundDisconnected
)

func (k InboundKind) String() string {
	switch k {
	case InboundMessage:
		return "message"
	case InboundConnected:
		return "connected"
	case InboundDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Inbound is one event observed by the controller side, tagged with the
// identity of the node that produced it.
type Inbound struct {
	Identity string
	Kind     InboundKind
	Payload  []byte
}

type peer struct {
	identity string
	out      chan []byte
	done     chan struct{}
	once     sync.Once
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

type ServerConfig struct {
	InboundBuffer int
	PeerBuffer    int
}

// Server is the controller end of the event channel. Frames from one node
// are delivered in the order that node sent them.
type Server struct {
	grpc    *grpc.Server
	logger  *slog.Logger
	inbound chan Inbound
	peerBuf int

	quit     chan struct{}
	quitOnce sync.Once

	mu     sync.RWMutex
	peers  map[string]*peer
	closed bool
}

func NewServer(cfg ServerConfig, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 256
	}
	if cfg.PeerBuffer <= 0 {
		cfg.PeerBuffer = 64
	}
	s := &Server{
		logger:  logger.With("component", "event_channel"),
		inbound: make(chan Inbound, cfg.InboundBuffer),
		peerBuf: cfg.PeerBuffer,
		peers:   make(map[string]*peer),
		quit:    make(chan struct{}),
	}
	opts = append(opts, grpc.ForceServerCodec(frameCodec{}))
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Events is the single ordered stream of node frames and connection changes.
func (s *Server) Events() <-chan Inbound {
	return s.inbound
}

func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("event channel listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve event channel: %w", err)
	}
	return nil
}

// GracefulStop closes every node stream and waits for handlers to return.
func (s *Server) GracefulStop() {
	s.mu.Lock()
	s.closed = true
	for _, p := range s.peers {
		p.close()
	}
	s.mu.Unlock()
	s.quitOnce.Do(func() { close(s.quit) })
	s.grpc.GracefulStop()
}

// Identities lists the nodes with an open stream.
func (s *Server) Identities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// Send queues payload for one node without blocking.
func (s *Server) Send(identity string, payload []byte) error {
	s.mu.RLock()
	p, ok := s.peers[identity]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, identity)
	}
	select {
	case p.out <- payload:
		return nil
	case <-p.done:
		return fmt.Errorf("%w: %s", ErrUnknownNode, identity)
	default:
		return fmt.Errorf("%w: %s", ErrSlowNode, identity)
	}
}

// Broadcast sends payload to every connected node and reports the nodes it
// could not reach.
func (s *Server) Broadcast(payload []byte) error {
	var errs []error
	for _, id := range s.Identities() {
		if err := s.Send(id, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) connect(stream grpc.ServerStream) error {
	identity := identityFrom(stream)
	if identity == "" {
		return status.Error(codes.InvalidArgument, "missing "+identityKey+" metadata")
	}

	p := &peer{identity: identity, out: make(chan []byte, s.peerBuf), done: make(chan struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return status.Error(codes.Unavailable, "event channel closed")
	}
	if old, ok := s.peers[identity]; ok {
		s.logger.Warn("node reconnected, replacing previous stream", "node", identity)
		old.close()
	}
	s.peers[identity] = p
	s.mu.Unlock()

	metrics.TransportStreamsOpen.Inc()
	log := s.logger.With("node", identity)
	log.Info("node stream opened")
	s.deliver(stream, Inbound{Identity: identity, Kind: InboundConnected})

	defer func() {
		s.mu.Lock()
		current := s.peers[identity] == p
		if current {
			delete(s.peers, identity)
		}
		s.mu.Unlock()
		p.close()
		metrics.TransportStreamsOpen.Dec()
		if !current {
			// A newer stream owns the identity; the node is still connected.
			log.Info("replaced node stream closed")
			return
		}
		log.Info("node stream closed")
		s.deliver(stream, Inbound{Identity: identity, Kind: InboundDisconnected})
	}()

	recvErr := make(chan error, 1)
	go func() {
		for {
			var f frame
			if err := stream.RecvMsg(&f); err != nil {
				recvErr <- err
				return
			}
			metrics.TransportFramesTotal.WithLabelValues("server", "in").Inc()
			s.deliver(stream, Inbound{Identity: identity, Kind: InboundMessage, Payload: f.payload})
		}
	}()

	for {
		select {
		case payload := <-p.out:
			if err := stream.SendMsg(&frame{payload: payload}); err != nil {
				return err
			}
			metrics.TransportFramesTotal.WithLabelValues("server", "out").Inc()
		case err := <-recvErr:
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		case <-p.done:
			return nil
		case <-stream.Context().Done():
			return nil
		}
	}
}

// deliver blocks while the consumer is behind, which back-pressures the
// sending node. Connection events are only dropped once the server stops.
func (s *Server) deliver(stream grpc.ServerStream, in Inbound) {
	done := stream.Context().Done()
	if in.Kind != InboundMessage {
		done = nil
	}
	select {
	case s.inbound <- in:
	case <-done:
	case <-s.quit:
	}
}

func identityFrom(stream grpc.ServerStream) string {
	md, ok := metadata.FromIncomingContext(stream.Context())
	if !ok {
		return ""
	}
	vals := md.Get(identityKey)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}
