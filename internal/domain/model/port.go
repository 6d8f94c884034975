package model

import (
	"fmt"
	"strconv"
)

// PortID identifies a poke port uniquely within an experiment.
type PortID int

// NoPort is the zero PortID; configured ports are always positive.
const NoPort PortID = 0

func (p PortID) String() string {
	return strconv.Itoa(int(p))
}

type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

func (s Side) String() string {
	return string(s)
}

// Channel returns the stereo column carrying this side's audio.
func (s Side) Channel() int {
	if s == SideRight {
		return 1
	}
	return 0
}

func (s Side) Valid() bool {
	return s == SideLeft || s == SideRight
}

func ParseSide(raw string) (Side, error) {
	switch Side(raw) {
	case SideLeft, SideRight:
		return Side(raw), nil
	case "L", "l":
		return SideLeft, nil
	case "R", "r":
		return SideRight, nil
	default:
		return "", fmt.Errorf("invalid side %q", raw)
	}
}

// Port is one poke station: sensor, LED, valve and speaker channel on a node.
type Port struct {
	Node string `json:"node" yaml:"node"`
	ID   PortID `json:"id" yaml:"id"`
	Side Side   `json:"side" yaml:"side"`
}
