package stimulus

import (
	"math"
	"testing"

	"github.com/paclab/soundloc/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func scheduleParams(sides ...model.Side) ScheduleParams {
	return ScheduleParams{
		Sides:            sides,
		Rate:             4,
		LogIrregularity:  -2,
		CycleLength:      10,
		IntervalsPerSide: 100,
		SampleRate:       48000,
		BlockSize:        1024,
	}
}

func TestBuildSchedule_OnsetsIncreasingWithinCycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		sides []model.Side
	}{
		{"left", []model.Side{model.SideLeft}},
		{"right", []model.Side{model.SideRight}},
		{"both", []model.Side{model.SideLeft, model.SideRight}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rows := BuildSchedule(scheduleParams(tt.sides...), rand.NewSource(7))
			require.NotEmpty(t, rows)

			for i, row := range rows {
				assert.Less(t, row.Onset, 10.0)
				assert.GreaterOrEqual(t, row.GapChunks, 1)
				assert.Contains(t, tt.sides, row.Side)
				if i > 0 {
					assert.Greater(t, row.Onset, rows[i-1].Onset)
				}
			}
		})
	}
}

func TestBuildSchedule_GapMatchesRate(t *testing.T) {
	t.Parallel()

	rows := BuildSchedule(scheduleParams(model.SideLeft), rand.NewSource(11))
	require.Greater(t, len(rows), 10)

	// 4 Hz with a 10 ms spread: every gap is close to 250 ms.
	blockSeconds := 1024.0 / 48000.0
	want := int(math.Round(0.25 / blockSeconds))
	for _, row := range rows {
		assert.InDelta(t, want, row.GapChunks, 1)
	}
}

func TestBuildSchedule_NoBursts(t *testing.T) {
	t.Parallel()

	p := scheduleParams(model.SideLeft)
	p.Rate = 0
	assert.Empty(t, BuildSchedule(p, rand.NewSource(1)))

	p = scheduleParams()
	assert.Empty(t, BuildSchedule(p, rand.NewSource(1)))
}

func TestBuildSchedule_Deterministic(t *testing.T) {
	t.Parallel()

	a := BuildSchedule(scheduleParams(model.SideLeft, model.SideRight), rand.NewSource(99))
	b := BuildSchedule(scheduleParams(model.SideLeft, model.SideRight), rand.NewSource(99))
	assert.Equal(t, a, b)
}

func TestDedupeOnsets(t *testing.T) {
	t.Parallel()

	rows := []Row{
		{Onset: 0.1, Side: model.SideLeft, GapChunks: 1},
		{Onset: 0.1, Side: model.SideRight, GapChunks: 2},
		{Onset: 0.2, Side: model.SideRight, GapChunks: 3},
	}
	out := dedupeOnsets(rows)
	require.Len(t, out, 2)
	assert.Equal(t, model.SideLeft, out[0].Side)
	assert.Equal(t, 0.2, out[1].Onset)
}
