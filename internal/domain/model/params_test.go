package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParameterSet_DecodeIgnoresUnknownKeys(t *testing.T) {
	raw := `{"name":"mouse1","task":"Sound Localization","amplitude_min":0.01,"amplitude_max":0.05,
		"rate_min":2,"rate_max":4,"irregularity_min":-2,"irregularity_max":-1,
		"center_freq_min":8000,"center_freq_max":12000,"bandwidth":3000,"reward_value":0.05,
		"chamber":"box-3"}`

	var ps ParameterSet
	require.NoError(t, json.Unmarshal([]byte(raw), &ps))
	assert.Equal(t, "mouse1", ps.Name)
	assert.Equal(t, 0.05, ps.RewardValue)
	require.NoError(t, ps.Validate())
}

func TestParameterSet_Validate(t *testing.T) {
	valid := ParameterSet{
		AmplitudeMin: 0.02, AmplitudeMax: 0.02,
		RateMin: 2, RateMax: 2,
		IrregularityMin: -1.5, IrregularityMax: -1.5,
		CenterFreqMin: 10000, CenterFreqMax: 10000,
		Bandwidth: 3000, RewardValue: 0.05,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*ParameterSet)
	}{
		{"inverted rate", func(p *ParameterSet) { p.RateMin = 5 }},
		{"inverted amplitude", func(p *ParameterSet) { p.AmplitudeMax = 0.001 }},
		{"zero bandwidth", func(p *ParameterSet) { p.Bandwidth = 0 }},
		{"band below zero", func(p *ParameterSet) { p.Bandwidth = 30000; p.CenterFreqMax = 20000 }},
		{"negative reward", func(p *ParameterSet) { p.RewardValue = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := valid
			tt.mutate(&ps)
			assert.Error(t, ps.Validate())
		})
	}
}

func TestInstance_Band(t *testing.T) {
	inst := Instance{CenterFreq: 5000, Bandwidth: 2000}
	assert.Equal(t, 4000.0, inst.Highpass())
	assert.Equal(t, 6000.0, inst.Lowpass())
}

func TestInstance_Report(t *testing.T) {
	inst := Instance{Rate: 2, LogIrregularity: -1.5, Amplitude: 0.02, CenterFreq: 5000, Bandwidth: 2000}
	report := inst.Report()
	assert.Equal(t,
		"Current Parameters - Amplitude: 0.02, Rate: 2 s, Irregularity: -1.5 s, Center Frequency: 5000 Hz, Bandwidth: 2000",
		report)

	parsed, err := ParseReport(report)
	require.NoError(t, err)
	assert.Equal(t, inst, parsed)

	_, err = ParseReport("Current Parameters - Amplitude: 1")
	assert.Error(t, err)
}

func TestParseSide(t *testing.T) {
	side, err := ParseSide("L")
	require.NoError(t, err)
	assert.Equal(t, SideLeft, side)
	assert.Equal(t, 0, side.Channel())
	assert.Equal(t, 1, SideRight.Channel())

	_, err = ParseSide("center")
	assert.Error(t, err)
}
