package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ParameterSet is the acoustic parameter record published to every node.
// Unknown JSON keys are ignored on decode.
type ParameterSet struct {
	Name            string  `json:"name" yaml:"name"`
	Task            string  `json:"task" yaml:"task"`
	AmplitudeMin    float64 `json:"amplitude_min" yaml:"amplitude_min"`
	AmplitudeMax    float64 `json:"amplitude_max" yaml:"amplitude_max"`
	RateMin         float64 `json:"rate_min" yaml:"rate_min"`
	RateMax         float64 `json:"rate_max" yaml:"rate_max"`
	IrregularityMin float64 `json:"irregularity_min" yaml:"irregularity_min"`
	IrregularityMax float64 `json:"irregularity_max" yaml:"irregularity_max"`
	CenterFreqMin   float64 `json:"center_freq_min" yaml:"center_freq_min"`
	CenterFreqMax   float64 `json:"center_freq_max" yaml:"center_freq_max"`
	Bandwidth       float64 `json:"bandwidth" yaml:"bandwidth"`
	RewardValue     float64 `json:"reward_value" yaml:"reward_value"`
}

func (p ParameterSet) Validate() error {
	ranges := []struct {
		name     string
		min, max float64
	}{
		{"amplitude", p.AmplitudeMin, p.AmplitudeMax},
		{"rate", p.RateMin, p.RateMax},
		{"irregularity", p.IrregularityMin, p.IrregularityMax},
		{"center_freq", p.CenterFreqMin, p.CenterFreqMax},
	}
	for _, r := range ranges {
		if r.min > r.max {
			return fmt.Errorf("%s_min %v exceeds %s_max %v", r.name, r.min, r.name, r.max)
		}
	}
	if p.AmplitudeMin < 0 {
		return fmt.Errorf("amplitude_min must be non-negative")
	}
	if p.RateMin < 0 {
		return fmt.Errorf("rate_min must be non-negative")
	}
	if p.Bandwidth <= 0 {
		return fmt.Errorf("bandwidth must be positive")
	}
	if p.CenterFreqMin-p.Bandwidth/2 <= 0 {
		return fmt.Errorf("center_freq_min %v too low for bandwidth %v", p.CenterFreqMin, p.Bandwidth)
	}
	if p.RewardValue < 0 {
		return fmt.Errorf("reward_value must be non-negative")
	}
	return nil
}

// Instance is the per-trial realization of a ParameterSet with every range resolved.
type Instance struct {
	Rate            float64 `json:"rate"`
	LogIrregularity float64 `json:"log_irregularity"`
	Amplitude       float64 `json:"amplitude"`
	CenterFreq      float64 `json:"center_freq"`
	Bandwidth       float64 `json:"bandwidth"`
}

func (i Instance) Highpass() float64 {
	return i.CenterFreq - i.Bandwidth/2
}

func (i Instance) Lowpass() float64 {
	return i.CenterFreq + i.Bandwidth/2
}

const reportPrefix = "Current Parameters - "

// Report renders the instance as the node's parameter report message.
func (i Instance) Report() string {
	return fmt.Sprintf("%sAmplitude: %s, Rate: %s s, Irregularity: %s s, Center Frequency: %s Hz, Bandwidth: %s",
		reportPrefix,
		formatFloat(i.Amplitude),
		formatFloat(i.Rate),
		formatFloat(i.LogIrregularity),
		formatFloat(i.CenterFreq),
		formatFloat(i.Bandwidth),
	)
}

// IsReport reports whether raw looks like a parameter report.
func IsReport(raw string) bool {
	return strings.HasPrefix(raw, reportPrefix)
}

// ParseReport is the inverse of Instance.Report.
func ParseReport(raw string) (Instance, error) {
	if !IsReport(raw) {
		return Instance{}, fmt.Errorf("not a parameter report: %q", raw)
	}
	fields := map[string]*float64{}
	var inst Instance
	fields["Amplitude"] = &inst.Amplitude
	fields["Rate"] = &inst.Rate
	fields["Irregularity"] = &inst.LogIrregularity
	fields["Center Frequency"] = &inst.CenterFreq
	fields["Bandwidth"] = &inst.Bandwidth

	seen := 0
	for _, part := range strings.Split(strings.TrimPrefix(raw, reportPrefix), ",") {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return Instance{}, fmt.Errorf("malformed report field %q", part)
		}
		dst, known := fields[strings.TrimSpace(key)]
		if !known {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.TrimSuffix(value, " Hz")
		value = strings.TrimSuffix(value, " s")
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return Instance{}, fmt.Errorf("parse report field %q: %w", key, err)
		}
		*dst = v
		seen++
	}
	if seen != len(fields) {
		return Instance{}, fmt.Errorf("report has %d of %d fields", seen, len(fields))
	}
	return inst, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
