package stimulus

import (
	"math"
	"sort"

	"github.com/paclab/soundloc/internal/domain/model"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// minRate is the lowest burst rate (Hz) that still produces bursts.
const minRate = 1e-3

// Row is one scheduled burst: onset within the cycle, emitting side and the
// number of silent blocks that follow it.
type Row struct {
	Onset     float64
	Side      model.Side
	GapChunks int
}

// ScheduleParams are the inputs of one schedule draw.
type ScheduleParams struct {
	Sides            []model.Side
	Rate             float64
	LogIrregularity  float64
	CycleLength      float64 // seconds
	IntervalsPerSide int
	SampleRate       float64
	BlockSize        int
}

// BuildSchedule draws gamma-distributed inter-onset intervals for every
// active side, merges the sides by onset and converts the gaps to whole
// blocks. Onsets are strictly increasing and below the cycle length.
func BuildSchedule(p ScheduleParams, src rand.Source) []Row {
	if p.Rate <= minRate || len(p.Sides) == 0 {
		return nil
	}

	mean := 1 / p.Rate
	std := math.Pow(10, p.LogIrregularity)
	variance := std * std
	gamma := distuv.Gamma{
		Alpha: mean * mean / variance,
		Beta:  mean / variance,
		Src:   src,
	}

	var rows []Row
	for _, side := range p.Sides {
		intervals := make([]float64, p.IntervalsPerSide)
		for i := range intervals {
			intervals[i] = gamma.Rand()
		}
		onsets := floats.CumSum(make([]float64, len(intervals)), intervals)
		for _, onset := range onsets {
			rows = append(rows, Row{Onset: onset, Side: side})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Onset < rows[j].Onset })

	blockSeconds := float64(p.BlockSize) / p.SampleRate
	out := rows[:0]
	for i := 0; i < len(rows)-1; i++ {
		row := rows[i]
		if row.Onset >= p.CycleLength {
			break
		}
		gap := rows[i+1].Onset - row.Onset
		row.GapChunks = max(1, int(math.Round(gap/blockSeconds)))
		out = append(out, row)
	}
	return dedupeOnsets(out)
}

// dedupeOnsets keeps the first of any rows sharing an onset so that onsets
// stay strictly increasing when two sides coincide.
func dedupeOnsets(rows []Row) []Row {
	if len(rows) < 2 {
		return rows
	}
	out := rows[:1]
	for _, row := range rows[1:] {
		if row.Onset > out[len(out)-1].Onset {
			out = append(out, row)
		}
	}
	return out
}
