package portio

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
)

// Polarity is the nose-poke sensor type. It fixes which edge marks a poke
// onset and which level lights the port's LED.
type Polarity string

const (
	// Polarity901 idles high; a poke pulls the line low. LEDs are active-low.
	Polarity901 Polarity = "901"
	// Polarity903 idles low; a poke drives the line high. LEDs are active-high.
	Polarity903 Polarity = "903"
)

func ParsePolarity(raw string) (Polarity, error) {
	switch Polarity(raw) {
	case Polarity901, Polarity903:
		return Polarity(raw), nil
	default:
		return "", fmt.Errorf("unknown sensor type %q", raw)
	}
}

// OnsetLevel is the sensor level read right after a poke onset edge.
func (p Polarity) OnsetLevel() gpio.Level {
	return gpio.Level(p == Polarity903)
}

// Pull is the resistor that holds the sensor at its idle level.
func (p Polarity) Pull() gpio.Pull {
	if p == Polarity903 {
		return gpio.PullDown
	}
	return gpio.PullUp
}

// LEDLevel maps a logical LED state to the output level.
func (p Polarity) LEDLevel(on bool) gpio.Level {
	if p == Polarity903 {
		return gpio.Level(on)
	}
	return gpio.Level(!on)
}

// LEDDuty maps a logical on-duty percentage to the output duty cycle.
func (p Polarity) LEDDuty(pct float64) gpio.Duty {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if p != Polarity903 {
		pct = 100 - pct
	}
	return gpio.Duty(float64(gpio.DutyMax) * pct / 100)
}
