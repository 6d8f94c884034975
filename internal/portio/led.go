package portio

import (
	"fmt"
	"time"
)

type LEDKind int

const (
	LEDOff LEDKind = iota
	LEDSolid
	LEDBlink
)

type Color int

const (
	Red Color = iota
	Green
	Blue
	numColors
)

func (c Color) String() string {
	switch c {
	case Red:
		return "red"
	case Green:
		return "green"
	case Blue:
		return "blue"
	default:
		return fmt.Sprintf("color(%d)", int(c))
	}
}

// LEDMode is the requested state of one port's LED.
type LEDMode struct {
	Kind    LEDKind
	Color   Color
	FreqHz  float64
	DutyPct float64
}

func Off() LEDMode { return LEDMode{Kind: LEDOff} }

func Solid(c Color) LEDMode { return LEDMode{Kind: LEDSolid, Color: c} }

func Blink(c Color, freqHz, dutyPct float64) LEDMode {
	return LEDMode{Kind: LEDBlink, Color: c, FreqHz: freqHz, DutyPct: dutyPct}
}

func (m LEDMode) validate() error {
	if m.Color < 0 || m.Color >= numColors {
		return fmt.Errorf("invalid led color %d", int(m.Color))
	}
	if m.Kind == LEDBlink && (m.FreqHz <= 0 || m.DutyPct < 0 || m.DutyPct > 100) {
		return fmt.Errorf("invalid blink %vHz %v%%", m.FreqHz, m.DutyPct)
	}
	return nil
}

// phases splits one blink period into its on and off durations.
func (m LEDMode) phases() (on, off time.Duration) {
	period := time.Duration(float64(time.Second) / m.FreqHz)
	on = time.Duration(float64(period) * m.DutyPct / 100)
	return on, period - on
}
