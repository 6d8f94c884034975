package sessionlog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/paclab/soundloc/internal/domain/model"
)

var ErrNoSession = errors.New("no session open")

// FileSink appends each poke to the session CSV as it is processed and
// flushes after every row, so a crash loses at most the row in flight.
type FileSink struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	path string
	file *os.File
	cw   *csv.Writer
}

func NewFileSink(dir string, logger *slog.Logger) *FileSink {
	return &FileSink{dir: dir, logger: logger.With("component", "csv_sink")}
}

func (s *FileSink) Name() string { return "csv" }

// BeginSession opens (or reopens for append) the CSV for info.
func (s *FileSink) BeginSession(_ context.Context, info model.SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, FileName(info.Task, info.StartedAt))
	if s.file != nil && s.path == path {
		return nil
	}
	if err := s.closeLocked(); err != nil {
		s.logger.Warn("close previous session csv failed", "path", s.path, "error", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session csv: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat session csv: %w", err)
	}

	s.file, s.path, s.cw = f, path, csv.NewWriter(f)
	if st.Size() == 0 {
		if err := s.writeLocked(Header); err != nil {
			return err
		}
	}
	s.logger.Info("session csv opened", "path", path, "session_id", info.ID)
	return nil
}

func (s *FileSink) Record(_ context.Context, rec model.PokeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrNoSession
	}
	return s.writeLocked(Row(rec))
}

func (s *FileSink) writeLocked(fields []string) error {
	if err := s.cw.Write(fields); err != nil {
		return fmt.Errorf("write session csv: %w", err)
	}
	s.cw.Flush()
	if err := s.cw.Error(); err != nil {
		return fmt.Errorf("flush session csv: %w", err)
	}
	return nil
}

// Save rewrites the whole CSV from the in-memory log.
func (s *FileSink) Save(log *Log) (string, error) {
	info := log.Info()
	path := filepath.Join(s.dir, FileName(info.Task, info.StartedAt))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".session-*.csv")
	if err != nil {
		return "", fmt.Errorf("create temp csv: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := log.WriteCSV(tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp csv: %w", err)
	}

	if s.path == path {
		if err := s.closeLocked(); err != nil {
			s.logger.Warn("close session csv before save failed", "error", err)
		}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("replace session csv: %w", err)
	}
	if s.path == "" || s.path == path {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return "", fmt.Errorf("reopen session csv: %w", err)
		}
		s.file, s.path, s.cw = f, path, csv.NewWriter(f)
	}
	return path, nil
}

func (s *FileSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *FileSink) closeLocked() error {
	if s.file == nil {
		return nil
	}
	s.cw.Flush()
	err := errors.Join(s.cw.Error(), s.file.Close())
	s.file, s.cw, s.path = nil, nil, ""
	return err
}
