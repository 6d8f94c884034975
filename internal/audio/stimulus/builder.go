// Package stimulus turns acoustic parameters into an endless cyclic sequence
// of stereo blocks: noise bursts on the active side separated by silent gaps.
package stimulus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paclab/soundloc/internal/audio"
	"github.com/paclab/soundloc/internal/audio/noise"
	"github.com/paclab/soundloc/internal/domain/model"
	"github.com/paclab/soundloc/internal/metrics"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Mode selects which side of the node emits bursts.
type Mode string

const (
	ModeNone  Mode = "none"
	ModeLeft  Mode = "left"
	ModeRight Mode = "right"
)

func ModeForSide(side model.Side) Mode {
	if side == model.SideRight {
		return ModeRight
	}
	return ModeLeft
}

func (m Mode) sides() []model.Side {
	switch m {
	case ModeLeft:
		return []model.Side{model.SideLeft}
	case ModeRight:
		return []model.Side{model.SideRight}
	default:
		return nil
	}
}

var ErrNoParameters = errors.New("no acoustic parameters applied")

type Config struct {
	SampleRate        int
	BlockSize         int
	BurstDuration     time.Duration
	CycleLength       time.Duration
	IntervalsPerSide  int
	SilentCycleBlocks int
}

func (c Config) withDefaults() Config {
	if c.BurstDuration <= 0 {
		c.BurstDuration = 10 * time.Millisecond
	}
	if c.CycleLength <= 0 {
		c.CycleLength = 10 * time.Second
	}
	if c.IntervalsPerSide <= 0 {
		c.IntervalsPerSide = 100
	}
	if c.SilentCycleBlocks <= 0 {
		c.SilentCycleBlocks = 100
	}
	return c
}

// Builder draws concrete instances and rebuilds the stimulus cycle.
type Builder struct {
	cfg     Config
	node    string
	src     rand.Source
	logger  *slog.Logger
	silence audio.Block

	mu       sync.Mutex
	params   *model.ParameterSet
	instance model.Instance
	mode     Mode
	schedule []Row
}

func New(cfg Config, node string, src rand.Source, logger *slog.Logger) *Builder {
	cfg = cfg.withDefaults()
	return &Builder{
		cfg:     cfg,
		node:    node,
		src:     src,
		logger:  logger.With("component", "stimulus"),
		silence: audio.Silence(cfg.BlockSize),
		mode:    ModeNone,
	}
}

// UpdateParameters draws one value per range and records the result.
func (b *Builder) UpdateParameters(ps model.ParameterSet) (model.Instance, error) {
	if err := ps.Validate(); err != nil {
		return model.Instance{}, fmt.Errorf("update parameters: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	inst := model.Instance{
		Rate:            b.draw(ps.RateMin, ps.RateMax),
		LogIrregularity: b.draw(ps.IrregularityMin, ps.IrregularityMax),
		Amplitude:       b.draw(ps.AmplitudeMin, ps.AmplitudeMax),
		CenterFreq:      b.draw(ps.CenterFreqMin, ps.CenterFreqMax),
		Bandwidth:       ps.Bandwidth,
	}
	stored := ps
	b.params = &stored
	b.instance = inst
	metrics.NodeParameterDraws.WithLabelValues(b.node).Inc()
	b.logger.Info("acoustic instance drawn",
		"rate", inst.Rate,
		"log_irregularity", inst.LogIrregularity,
		"amplitude", inst.Amplitude,
		"center_freq", inst.CenterFreq,
		"highpass", inst.Highpass(),
		"lowpass", inst.Lowpass(),
	)
	return inst, nil
}

// Redraw draws a fresh instance from the last applied parameter set.
func (b *Builder) Redraw() (model.Instance, error) {
	b.mu.Lock()
	params := b.params
	b.mu.Unlock()
	if params == nil {
		return model.Instance{}, ErrNoParameters
	}
	return b.UpdateParameters(*params)
}

func (b *Builder) draw(lo, hi float64) float64 {
	if lo == hi {
		return lo
	}
	return distuv.Uniform{Min: lo, Max: hi, Src: b.src}.Rand()
}

func (b *Builder) SetChannel(mode Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch mode {
	case ModeLeft, ModeRight:
		b.mode = mode
	default:
		b.mode = ModeNone
	}
}

func (b *Builder) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// Instance returns the last drawn concrete instance.
func (b *Builder) Instance() (model.Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.instance, b.params != nil
}

// Parameters returns the last applied parameter set.
func (b *Builder) Parameters() (model.ParameterSet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.params == nil {
		return model.ParameterSet{}, false
	}
	return *b.params, true
}

// Schedule returns the burst schedule of the last rebuild.
func (b *Builder) Schedule() []Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Row(nil), b.schedule...)
}

// RebuildCycle regenerates the burst schedule and the block cycle from the
// current instance and channel mode. Without parameters or with mode none
// the cycle is silence only.
func (b *Builder) RebuildCycle() (*Cycle, error) {
	start := time.Now()
	defer func() {
		metrics.NodeCycleRebuildLatency.WithLabelValues(b.node).Observe(time.Since(start).Seconds())
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	var sides []model.Side
	if b.params != nil {
		sides = b.mode.sides()
	}

	b.schedule = BuildSchedule(ScheduleParams{
		Sides:            sides,
		Rate:             b.instance.Rate,
		LogIrregularity:  b.instance.LogIrregularity,
		CycleLength:      b.cfg.CycleLength.Seconds(),
		IntervalsPerSide: b.cfg.IntervalsPerSide,
		SampleRate:       float64(b.cfg.SampleRate),
		BlockSize:        b.cfg.BlockSize,
	}, b.src)

	if len(b.schedule) == 0 {
		blocks := make([]audio.Block, b.cfg.SilentCycleBlocks)
		for i := range blocks {
			blocks[i] = b.silence
		}
		return NewCycle(blocks), nil
	}

	tables := make(map[model.Side][]audio.Block, len(sides))
	for _, side := range sides {
		table, err := noise.Build(noise.Spec{
			Duration:   b.cfg.BurstDuration.Seconds(),
			Amplitude:  b.instance.Amplitude,
			Channel:    side.Channel(),
			Highpass:   b.instance.Highpass(),
			Lowpass:    b.instance.Lowpass(),
			SampleRate: float64(b.cfg.SampleRate),
			BlockSize:  b.cfg.BlockSize,
		}, b.src)
		if err != nil {
			return nil, fmt.Errorf("build %s noise table: %w", side, err)
		}
		tables[side] = table
	}

	var blocks []audio.Block
	for _, row := range b.schedule {
		blocks = append(blocks, tables[row.Side]...)
		for i := 0; i < row.GapChunks; i++ {
			blocks = append(blocks, b.silence)
		}
	}

	b.logger.Debug("stimulus cycle rebuilt",
		"mode", b.mode,
		"bursts", len(b.schedule),
		"blocks", len(blocks),
	)
	return NewCycle(blocks), nil
}
