package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/paclab/soundloc/internal/domain/model"
	"gopkg.in/yaml.v3"
)

// NodeFile is the static per-node configuration. Keys follow the files
// deployed on the nodes, so the mixed-case nosepoke keys are intentional.
type NodeFile struct {
	Identity   string `yaml:"identity"`
	GuiIP      string `yaml:"gui_ip"`
	PokePort   int    `yaml:"poke_port"`
	ConfigPort int    `yaml:"config_port"`
	LeftID     int    `yaml:"nosepokeL_id"`
	RightID    int    `yaml:"nosepokeR_id"`
	LeftType   string `yaml:"nosepokeL_type"`
	RightType  string `yaml:"nosepokeR_type"`
	Pins       PinMap `yaml:"pins"`
}

// PinMap holds BCM line numbers. Every role gets its own line.
type PinMap struct {
	NosepokeL int `yaml:"nosepoke_L"`
	NosepokeR int `yaml:"nosepoke_R"`
	LEDRedL   int `yaml:"led_red_l"`
	LEDRedR   int `yaml:"led_red_r"`
	LEDGreenL int `yaml:"led_green_l"`
	LEDGreenR int `yaml:"led_green_r"`
	LEDBlueL  int `yaml:"led_blue_l"`
	LEDBlueR  int `yaml:"led_blue_r"`
	SolenoidL int `yaml:"solenoid_l"`
	SolenoidR int `yaml:"solenoid_r"`
}

// SidePins is the slice of the pin map used by one port.
type SidePins struct {
	Sensor, Valve, Red, Green, Blue int
}

func (p PinMap) Side(side model.Side) SidePins {
	if side == model.SideRight {
		return SidePins{Sensor: p.NosepokeR, Valve: p.SolenoidR, Red: p.LEDRedR, Green: p.LEDGreenR, Blue: p.LEDBlueR}
	}
	return SidePins{Sensor: p.NosepokeL, Valve: p.SolenoidL, Red: p.LEDRedL, Green: p.LEDGreenL, Blue: p.LEDBlueL}
}

func (p PinMap) roles() []struct {
	name string
	pin  int
} {
	return []struct {
		name string
		pin  int
	}{
		{"nosepoke_L", p.NosepokeL}, {"nosepoke_R", p.NosepokeR},
		{"led_red_l", p.LEDRedL}, {"led_red_r", p.LEDRedR},
		{"led_green_l", p.LEDGreenL}, {"led_green_r", p.LEDGreenR},
		{"led_blue_l", p.LEDBlueL}, {"led_blue_r", p.LEDBlueR},
		{"solenoid_l", p.SolenoidL}, {"solenoid_r", p.SolenoidR},
	}
}

// NodePort is one of the node's two ports with its sensor type.
type NodePort struct {
	Port model.Port
	Type string
}

// Ports returns the left port followed by the right port.
func (n *NodeFile) Ports() []NodePort {
	return []NodePort{
		{Port: model.Port{Node: n.Identity, ID: model.PortID(n.LeftID), Side: model.SideLeft}, Type: n.LeftType},
		{Port: model.Port{Node: n.Identity, ID: model.PortID(n.RightID), Side: model.SideRight}, Type: n.RightType},
	}
}

func (n *NodeFile) validate() error {
	var errs []error
	if n.Identity == "" {
		errs = append(errs, errors.New("identity is required"))
	}
	if n.GuiIP == "" {
		errs = append(errs, errors.New("gui_ip is required"))
	}
	if n.PokePort <= 0 || n.PokePort > 65535 {
		errs = append(errs, fmt.Errorf("poke_port %d out of range", n.PokePort))
	}
	if n.ConfigPort <= 0 || n.ConfigPort > 65535 {
		errs = append(errs, fmt.Errorf("config_port %d out of range", n.ConfigPort))
	}
	if n.LeftID <= 0 || n.RightID <= 0 {
		errs = append(errs, errors.New("nosepokeL_id and nosepokeR_id must be positive"))
	} else if n.LeftID == n.RightID {
		errs = append(errs, fmt.Errorf("nosepokeL_id and nosepokeR_id are both %d", n.LeftID))
	}
	for key, typ := range map[string]string{"nosepokeL_type": n.LeftType, "nosepokeR_type": n.RightType} {
		if typ != "901" && typ != "903" {
			errs = append(errs, fmt.Errorf("%s must be 901 or 903, got %q", key, typ))
		}
	}

	owner := make(map[int]string)
	for _, r := range n.Pins.roles() {
		if r.pin <= 0 {
			errs = append(errs, fmt.Errorf("pin %s is not assigned", r.name))
			continue
		}
		if prev, dup := owner[r.pin]; dup {
			errs = append(errs, fmt.Errorf("pin %d assigned to both %s and %s", r.pin, prev, r.name))
			continue
		}
		owner[r.pin] = r.name
	}
	return errors.Join(errs...)
}

// SessionFile is the controller's experiment description.
type SessionFile struct {
	Task       string              `yaml:"task"`
	Subject    string              `yaml:"subject"`
	LogDir     string              `yaml:"log_dir"`
	Ports      []model.Port        `yaml:"ports"`
	Parameters *model.ParameterSet `yaml:"parameters"`
}

func (s *SessionFile) validate() error {
	var errs []error
	if len(s.Ports) == 0 {
		errs = append(errs, errors.New("at least one port is required"))
	}
	seen := make(map[model.PortID]bool, len(s.Ports))
	for i := range s.Ports {
		p := &s.Ports[i]
		if p.Node == "" {
			errs = append(errs, fmt.Errorf("port %d: node is required", p.ID))
		}
		if p.ID <= 0 {
			errs = append(errs, fmt.Errorf("port on %s: id must be positive", p.Node))
		} else if seen[p.ID] {
			errs = append(errs, fmt.Errorf("port id %d listed twice", p.ID))
		}
		seen[p.ID] = true
		side, err := model.ParseSide(string(p.Side))
		if err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", p.ID, err))
			continue
		}
		p.Side = side
	}
	if s.Parameters != nil {
		if err := s.Parameters.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("parameters: %w", err))
		}
	}
	return errors.Join(errs...)
}

func LoadNodeFile(path string) (*NodeFile, error) {
	var n NodeFile
	if err := decodeFile(path, &n); err != nil {
		return nil, err
	}
	if err := n.validate(); err != nil {
		return nil, fmt.Errorf("node config %s: %w", path, err)
	}
	return &n, nil
}

func LoadSessionFile(path string) (*SessionFile, error) {
	var s SessionFile
	if err := decodeFile(path, &s); err != nil {
		return nil, err
	}
	if s.LogDir == "" {
		s.LogDir = "logs"
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("session config %s: %w", path, err)
	}
	return &s, nil
}

func decodeFile(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
