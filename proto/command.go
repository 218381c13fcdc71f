package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command types accepted by the backend.
const (
	TypeDMXSet      = "dmx.set"
	TypeDMXPatch    = "dmx.patch"
	TypeSceneSave   = "scene.save"
	TypeSceneRecall = "scene.recall"
	TypeEffectApply = "effect.apply"
	TypeMotorMove   = "motor.move"
)

// MaxPatchEntries is the largest patch the backend accepts in one dmx.patch.
const MaxPatchEntries = 64

var (
	ErrUnknownCommand = errors.New("unknown command type")
	ErrInvalidCommand = errors.New("invalid command")
)

// Envelope carries the fields shared by every command. TS is epoch milliseconds.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	TS   int64  `json:"ts"`
}

func (e *Envelope) Header() *Envelope { return e }

// Command is any message a client sends to the backend.
type Command interface {
	Header() *Envelope
}

type DMXSet struct {
	Envelope
	Universe int `json:"universe"`
	Channel  int `json:"channel"`
	Value    int `json:"value"`
}

type PatchEntry struct {
	Ch  int `json:"ch"`
	Val int `json:"val"`
}

type DMXPatch struct {
	Envelope
	Universe int          `json:"universe"`
	Patch    []PatchEntry `json:"patch"`
}

type SceneSave struct {
	Envelope
	Name     string      `json:"name"`
	Snapshot map[int]int `json:"snapshot"` // channel -> value
}

type SceneRecall struct {
	Envelope
	Name string `json:"name"`
}

// EffectBlock is an open effect description; fields depend on its "type".
type EffectBlock map[string]any

type EffectApply struct {
	Envelope
	FixtureID string        `json:"fixtureId"`
	Effect    []EffectBlock `json:"effect"`
}

type MotorMove struct {
	Envelope
	MotorID string `json:"motorId"`
	Steps   int    `json:"steps"`
	Speed   *int   `json:"speed,omitempty"`
}

func NewDMXSet(universe, channel, value int) *DMXSet {
	return &DMXSet{Envelope: Envelope{Type: TypeDMXSet}, Universe: universe, Channel: channel, Value: value}
}

func NewDMXPatch(universe int, patch []PatchEntry) *DMXPatch {
	return &DMXPatch{Envelope: Envelope{Type: TypeDMXPatch}, Universe: universe, Patch: patch}
}

func NewSceneSave(name string, snapshot map[int]int) *SceneSave {
	return &SceneSave{Envelope: Envelope{Type: TypeSceneSave}, Name: name, Snapshot: snapshot}
}

func NewSceneRecall(name string) *SceneRecall {
	return &SceneRecall{Envelope: Envelope{Type: TypeSceneRecall}, Name: name}
}

func NewEffectApply(fixtureID string, effect []EffectBlock) *EffectApply {
	return &EffectApply{Envelope: Envelope{Type: TypeEffectApply}, FixtureID: fixtureID, Effect: effect}
}

func NewMotorMove(motorID string, steps int, speed *int) *MotorMove {
	return &MotorMove{Envelope: Envelope{Type: TypeMotorMove}, MotorID: motorID, Steps: steps, Speed: speed}
}

// Clone returns a deep copy of the patch so observers cannot mutate the original.
func (p *DMXPatch) Clone() *DMXPatch {
	out := *p
	out.Patch = make([]PatchEntry, len(p.Patch))
	copy(out.Patch, p.Patch)
	return &out
}

// DecodeCommand restores the concrete command type from a JSON payload.
func DecodeCommand(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid command JSON: %w", err)
	}

	var cmd Command
	switch env.Type {
	case TypeDMXSet:
		cmd = &DMXSet{}
	case TypeDMXPatch:
		cmd = &DMXPatch{}
	case TypeSceneSave:
		cmd = &SceneSave{}
	case TypeSceneRecall:
		cmd = &SceneRecall{}
	case TypeEffectApply:
		cmd = &EffectApply{}
	case TypeMotorMove:
		cmd = &MotorMove{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Type)
	}

	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return cmd, nil
}

// Validate checks the bounds the backend enforces before applying a command.
func Validate(cmd Command) error {
	h := cmd.Header()
	if h.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCommand)
	}

	switch c := cmd.(type) {
	case *DMXSet:
		if err := validateChannel(c.Universe, c.Channel); err != nil {
			return err
		}
		if c.Value < 0 || c.Value > 255 {
			return fmt.Errorf("%w: value %d out of range", ErrInvalidCommand, c.Value)
		}
	case *DMXPatch:
		if len(c.Patch) == 0 {
			return fmt.Errorf("%w: empty patch", ErrInvalidCommand)
		}
		if len(c.Patch) > MaxPatchEntries {
			return fmt.Errorf("%w: patch has %d entries, max %d", ErrInvalidCommand, len(c.Patch), MaxPatchEntries)
		}
		for _, e := range c.Patch {
			if err := validateChannel(c.Universe, e.Ch); err != nil {
				return err
			}
			if e.Val < 0 || e.Val > 255 {
				return fmt.Errorf("%w: value %d out of range", ErrInvalidCommand, e.Val)
			}
		}
	case *SceneSave:
		if c.Name == "" {
			return fmt.Errorf("%w: scene name required", ErrInvalidCommand)
		}
	case *SceneRecall:
		if c.Name == "" {
			return fmt.Errorf("%w: scene name required", ErrInvalidCommand)
		}
	case *EffectApply:
		if c.FixtureID == "" {
			return fmt.Errorf("%w: fixtureId required", ErrInvalidCommand)
		}
	case *MotorMove:
		if c.MotorID == "" {
			return fmt.Errorf("%w: motorId required", ErrInvalidCommand)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, h.Type)
	}
	return nil
}

func validateChannel(universe, channel int) error {
	if universe < 0 {
		return fmt.Errorf("%w: universe %d out of range", ErrInvalidCommand, universe)
	}
	if channel < 1 || channel > 512 {
		return fmt.Errorf("%w: channel %d out of range", ErrInvalidCommand, channel)
	}
	return nil
}
