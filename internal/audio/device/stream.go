// Package device binds the block queue callback to the default PortAudio
// output device as a non-interleaved stereo float32 stream.
package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Callback fills one period of output, one slice per channel.
type Callback func(out [][]float32)

type Config struct {
	SampleRate float64
	BlockSize  int
	Channels   int
}

// Stream owns the PortAudio library handle and one output stream. It is the
// node's exclusive owner of the playback ports.
type Stream struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	started bool
	closed  bool
}

// Open initializes PortAudio and opens the default output device.
// The callback runs on the driver's thread and must not block.
func Open(cfg Config, cb Callback, logger *slog.Logger) (*Stream, error) {
	if cfg.Channels == 0 {
		cfg.Channels = 2
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	stream, err := portaudio.OpenDefaultStream(0, cfg.Channels, cfg.SampleRate, cfg.BlockSize, func(out [][]float32) {
		cb(out)
	})
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open default stream: %w", err)
	}

	logger = logger.With("component", "audio_device")
	logger.Info("audio stream opened",
		"sample_rate", cfg.SampleRate,
		"block_size", cfg.BlockSize,
		"channels", cfg.Channels,
	)
	return &Stream{cfg: cfg, logger: logger, stream: stream}, nil
}

func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.started {
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	s.started = true
	return nil
}

func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.started {
		return nil
	}
	s.started = false
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("stop stream: %w", err)
	}
	return nil
}

// Close stops and releases the stream and terminates PortAudio.
// Subsequent calls are no-ops.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.started {
		if err := s.stream.Stop(); err != nil {
			s.logger.Warn("stop stream on close failed", "error", err)
		}
		s.started = false
	}
	if err := s.stream.Close(); err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("close stream: %w", err)
	}
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("terminate portaudio: %w", err)
	}
	s.logger.Info("audio stream closed")
	return nil
}
