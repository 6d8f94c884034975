// Package sessionlog holds the append-only per-poke session log and its CSV
// encoding.
package sessionlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paclab/soundloc/internal/domain/model"
)

// Header lists the CSV columns in order.
var Header = []string{
	"pokes",
	"elapsed_s",
	"poked_port",
	"reward_port",
	"trials",
	"correct_trials",
	"fraction_correct",
	"amplitude",
	"rate",
	"irregularity",
	"center_freq",
}

// Log is the in-memory session log. Rows keep the order in which the engine
// appended them.
type Log struct {
	mu      sync.RWMutex
	info    model.SessionInfo
	records []model.PokeRecord
}

func NewLog(info model.SessionInfo) *Log {
	return &Log{info: info}
}

func (l *Log) Info() model.SessionInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.info
}

func (l *Log) Append(rec model.PokeRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Records returns a copy of every row.
func (l *Log) Records() []model.PokeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.PokeRecord(nil), l.records...)
}

// WriteCSV writes the header and every row.
func (l *Log) WriteCSV(w io.Writer) error {
	return WriteCSV(w, l.Records())
}

func WriteCSV(w io.Writer, records []model.PokeRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, rec := range records {
		if err := cw.Write(Row(rec)); err != nil {
			return fmt.Errorf("write csv row %d: %w", rec.Ordinal, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Row renders one poke record as CSV fields.
func Row(rec model.PokeRecord) []string {
	return []string{
		strconv.Itoa(rec.Ordinal),
		strconv.FormatFloat(rec.Elapsed.Seconds(), 'f', 3, 64),
		rec.Port.String(),
		rec.RewardPort.String(),
		strconv.Itoa(rec.Trials),
		strconv.Itoa(rec.CorrectTrials),
		strconv.FormatFloat(rec.FractionCorrect(), 'f', 3, 64),
		formatFloat(rec.Instance.Amplitude),
		formatFloat(rec.Instance.Rate),
		formatFloat(rec.Instance.LogIrregularity),
		formatFloat(rec.Instance.CenterFreq),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FileName derives the CSV name from the task and the session start.
func FileName(task string, start time.Time) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '_'
		default:
			return r
		}
	}, strings.TrimSpace(task))
	if name == "" {
		name = "session"
	}
	return fmt.Sprintf("%s_%s.csv", name, start.Format("20060102_150405"))
}
