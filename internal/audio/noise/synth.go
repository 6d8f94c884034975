// Package noise synthesizes band-limited white noise tables split into
// fixed-length stereo audio blocks.
package noise

import (
	"errors"
	"fmt"
	"math"

	"github.com/paclab/soundloc/internal/audio"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	ErrInvalidChannel   = errors.New("invalid channel")
	ErrInvalidFrequency = errors.New("invalid frequency")
	ErrInvalidShape     = errors.New("invalid table shape")
)

// Spec describes one noise table.
type Spec struct {
	Duration   float64 // seconds
	Amplitude  float64
	Channel    int // 0 = left column, 1 = right column
	Highpass   float64
	Lowpass    float64
	SampleRate float64
	BlockSize  int
}

func (s Spec) validate() error {
	if s.Channel != 0 && s.Channel != 1 {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, s.Channel)
	}
	if s.SampleRate <= 0 || s.BlockSize <= 0 || s.Duration < 0 {
		return fmt.Errorf("%w: sample_rate=%v blocksize=%d duration=%v", ErrInvalidShape, s.SampleRate, s.BlockSize, s.Duration)
	}
	nyquist := s.SampleRate / 2
	for _, edge := range []float64{s.Highpass, s.Lowpass} {
		if edge <= 0 || edge >= nyquist {
			return fmt.Errorf("%w: band edge %v outside (0, %v)", ErrInvalidFrequency, edge, nyquist)
		}
	}
	if s.Highpass >= s.Lowpass {
		return fmt.Errorf("%w: highpass %v not below lowpass %v", ErrInvalidFrequency, s.Highpass, s.Lowpass)
	}
	return nil
}

// Build draws uniform noise, band-passes it with zero-phase Butterworth
// filters, gates it onto a single column and slices it into blocks.
// The last block is zero-padded.
func Build(spec Spec, src rand.Source) ([]audio.Block, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	n := int(math.Round(spec.Duration * spec.SampleRate))
	samples := make([]float64, n)
	uniform := distuv.Uniform{Min: -1, Max: 1, Src: src}
	for i := range samples {
		samples[i] = uniform.Rand()
	}

	nyquist := spec.SampleRate / 2
	samples = butterworth(spec.Highpass/nyquist, true).filtfilt(samples)
	samples = butterworth(spec.Lowpass/nyquist, false).filtfilt(samples)
	floats.Scale(spec.Amplitude, samples)

	nBlocks := (n + spec.BlockSize - 1) / spec.BlockSize
	blocks := make([]audio.Block, nBlocks)
	for b := range blocks {
		block := audio.Silence(spec.BlockSize)
		start := b * spec.BlockSize
		for i := 0; i < spec.BlockSize && start+i < n; i++ {
			block[i][spec.Channel] = float32(samples[start+i])
		}
		blocks[b] = block
	}
	return blocks, nil
}
