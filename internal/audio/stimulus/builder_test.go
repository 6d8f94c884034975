package stimulus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/paclab/soundloc/internal/audio"
	"github.com/paclab/soundloc/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{
		SampleRate:    48000,
		BlockSize:     1024,
		BurstDuration: 10 * time.Millisecond,
		CycleLength:   5 * time.Second,
	}, "rpi-test", rand.NewSource(42), logger)
}

func testParams() model.ParameterSet {
	return model.ParameterSet{
		Name:            "default",
		Task:            "Sound Localization",
		AmplitudeMin:    0.01,
		AmplitudeMax:    0.05,
		RateMin:         2,
		RateMax:         4,
		IrregularityMin: -3,
		IrregularityMax: -1,
		CenterFreqMin:   4000,
		CenterFreqMax:   8000,
		Bandwidth:       3000,
	}
}

func TestBuilder_UpdateParametersWithinRanges(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	ps := testParams()

	for i := 0; i < 50; i++ {
		inst, err := b.UpdateParameters(ps)
		require.NoError(t, err)

		assert.GreaterOrEqual(t, inst.Amplitude, ps.AmplitudeMin)
		assert.LessOrEqual(t, inst.Amplitude, ps.AmplitudeMax)
		assert.GreaterOrEqual(t, inst.Rate, ps.RateMin)
		assert.LessOrEqual(t, inst.Rate, ps.RateMax)
		assert.GreaterOrEqual(t, inst.LogIrregularity, ps.IrregularityMin)
		assert.LessOrEqual(t, inst.LogIrregularity, ps.IrregularityMax)
		assert.GreaterOrEqual(t, inst.CenterFreq, ps.CenterFreqMin)
		assert.LessOrEqual(t, inst.CenterFreq, ps.CenterFreqMax)

		assert.InDelta(t, inst.CenterFreq-ps.Bandwidth/2, inst.Highpass(), 1e-9)
		assert.InDelta(t, inst.CenterFreq+ps.Bandwidth/2, inst.Lowpass(), 1e-9)
		assert.Less(t, inst.Highpass(), inst.Lowpass())
	}
}

func TestBuilder_DegenerateRangeIsExact(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	ps := testParams()
	ps.RateMin, ps.RateMax = 3, 3

	inst, err := b.UpdateParameters(ps)
	require.NoError(t, err)
	assert.Equal(t, 3.0, inst.Rate)
}

func TestBuilder_UpdateParametersRejectsInvalid(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	ps := testParams()
	ps.RateMin, ps.RateMax = 5, 1

	_, err := b.UpdateParameters(ps)
	require.Error(t, err)

	_, ok := b.Instance()
	assert.False(t, ok)
}

func TestBuilder_RedrawWithoutParameters(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	_, err := b.Redraw()
	assert.ErrorIs(t, err, ErrNoParameters)
}

func TestBuilder_RebuildCycleModeNoneIsSilent(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	_, err := b.UpdateParameters(testParams())
	require.NoError(t, err)

	cycle, err := b.RebuildCycle()
	require.NoError(t, err)
	require.Equal(t, 100, cycle.Len())

	for i := 0; i < cycle.Len(); i++ {
		block := cycle.Next()
		require.Len(t, block, 1024)
		assert.True(t, block.ChannelSilent(0))
		assert.True(t, block.ChannelSilent(1))
	}
}

func TestBuilder_RebuildCycleWithoutParametersIsSilent(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	b.SetChannel(ModeLeft)

	cycle, err := b.RebuildCycle()
	require.NoError(t, err)
	assert.Equal(t, 100, cycle.Len())
	assert.Empty(t, b.Schedule())
}

func TestBuilder_RebuildCycleActiveSide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mode   Mode
		active int
		quiet  int
	}{
		{"left", ModeLeft, 0, 1},
		{"right", ModeRight, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := newTestBuilder(t)
			_, err := b.UpdateParameters(testParams())
			require.NoError(t, err)
			b.SetChannel(tt.mode)

			cycle, err := b.RebuildCycle()
			require.NoError(t, err)
			require.NotEmpty(t, b.Schedule())

			var sounding int
			for i := 0; i < cycle.Len(); i++ {
				block := cycle.Next()
				require.Len(t, block, 1024)
				assert.True(t, block.ChannelSilent(tt.quiet), "block %d leaks onto the quiet column", i)
				if !block.ChannelSilent(tt.active) {
					sounding++
				}
			}
			assert.Equal(t, len(b.Schedule()), sounding)
		})
	}
}

func TestBuilder_SetChannelUnknownModeIsNone(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t)
	b.SetChannel(ModeRight)
	assert.Equal(t, ModeRight, b.Mode())
	b.SetChannel(Mode("both"))
	assert.Equal(t, ModeNone, b.Mode())
}

func TestModeForSide(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ModeLeft, ModeForSide(model.SideLeft))
	assert.Equal(t, ModeRight, ModeForSide(model.SideRight))
}

func TestCycle_Wraps(t *testing.T) {
	t.Parallel()

	a, b := audio.Silence(1), audio.Silence(2)
	c := NewCycle(nil)
	assert.Nil(t, c.Next())

	c = NewCycle([]audio.Block{a, b})
	assert.Equal(t, a, c.Next())
	assert.Equal(t, b, c.Next())
	assert.Equal(t, a, c.Next())
	c.Restart()
	assert.Equal(t, a, c.Next())
}
