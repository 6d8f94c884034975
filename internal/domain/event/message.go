// Package event defines the byte messages exchanged on the event channel
// between the controller and its nodes.
package event

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paclab/soundloc/internal/domain/model"
)

// ErrMalformed is returned for payloads that match no known message.
var ErrMalformed = errors.New("malformed message")

type CommandKind string

const (
	CommandStart               CommandKind = "start"
	CommandStop                CommandKind = "stop"
	CommandExit                CommandKind = "exit"
	CommandRewardPort          CommandKind = "reward_port"
	CommandRewardPokeCompleted CommandKind = "reward_poke_completed"
)

const (
	rewardPortPrefix          = "Reward Port: "
	rewardPokeCompletedPrefix = "Reward Poke Completed: "
	helloPrefix               = "rpi"
)

// Command is a controller to node message.
type Command struct {
	Kind CommandKind
	Port model.PortID
}

func Start() Command { return Command{Kind: CommandStart} }
func Stop() Command  { return Command{Kind: CommandStop} }
func Exit() Command  { return Command{Kind: CommandExit} }

func RewardPort(port model.PortID) Command {
	return Command{Kind: CommandRewardPort, Port: port}
}

func RewardPokeCompleted(port model.PortID) Command {
	return Command{Kind: CommandRewardPokeCompleted, Port: port}
}

func (c Command) String() string {
	switch c.Kind {
	case CommandStart, CommandStop, CommandExit:
		return string(c.Kind)
	case CommandRewardPort:
		return rewardPortPrefix + c.Port.String()
	case CommandRewardPokeCompleted:
		return rewardPokeCompletedPrefix + c.Port.String()
	default:
		return ""
	}
}

func (c Command) Encode() []byte {
	return []byte(c.String())
}

func ParseCommand(payload []byte) (Command, error) {
	raw := strings.TrimSpace(string(payload))
	switch raw {
	case string(CommandStart):
		return Start(), nil
	case string(CommandStop):
		return Stop(), nil
	case string(CommandExit):
		return Exit(), nil
	}

	if rest, ok := strings.CutPrefix(raw, rewardPortPrefix); ok {
		port, err := parsePort(rest)
		if err != nil {
			return Command{}, err
		}
		return RewardPort(port), nil
	}
	if rest, ok := strings.CutPrefix(raw, rewardPokeCompletedPrefix); ok {
		port, err := parsePort(rest)
		if err != nil {
			return Command{}, err
		}
		return RewardPokeCompleted(port), nil
	}
	return Command{}, fmt.Errorf("%w: command %q", ErrMalformed, raw)
}

type NodeMessageKind string

const (
	NodeHello  NodeMessageKind = "hello"
	NodePoke   NodeMessageKind = "poke"
	NodeReport NodeMessageKind = "report"
)

// NodeMessage is a node to controller message.
type NodeMessage struct {
	Kind     NodeMessageKind
	Name     string
	Port     model.PortID
	Instance model.Instance
}

func Hello(name string) []byte {
	return []byte(helloPrefix + name)
}

func Poke(port model.PortID) []byte {
	return []byte(port.String())
}

func Report(inst model.Instance) []byte {
	return []byte(inst.Report())
}

func ParseNodeMessage(payload []byte) (NodeMessage, error) {
	raw := strings.TrimSpace(string(payload))
	switch {
	case raw == "":
		return NodeMessage{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	case model.IsReport(raw):
		inst, err := model.ParseReport(raw)
		if err != nil {
			return NodeMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return NodeMessage{Kind: NodeReport, Instance: inst}, nil
	case strings.HasPrefix(raw, helloPrefix):
		name := strings.TrimPrefix(raw, helloPrefix)
		if name == "" {
			return NodeMessage{}, fmt.Errorf("%w: hello without name", ErrMalformed)
		}
		return NodeMessage{Kind: NodeHello, Name: name}, nil
	default:
		port, err := parsePort(raw)
		if err != nil {
			return NodeMessage{}, err
		}
		return NodeMessage{Kind: NodePoke, Port: port}, nil
	}
}

func parsePort(raw string) (model.PortID, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		return model.NoPort, fmt.Errorf("%w: port id %q", ErrMalformed, raw)
	}
	return model.PortID(v), nil
}
