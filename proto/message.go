package proto

// Inbound message types sent by the backend.
const (
	TypeState = "state"
	TypePong  = "pong"
	TypeErr   = "err"
	TypePing  = "ping"
)

type Ack struct {
	Ack      string `json:"ack"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type StateUpdate struct {
	Type      string                    `json:"type"`
	TS        int64                     `json:"ts"`
	Universes map[string]map[string]int `json:"universes"` // universe -> channel -> value, keys are decimal strings
	Motors    map[string]MotorState     `json:"motors,omitempty"`
	Effects   map[string]EffectState    `json:"effects,omitempty"`
}

type MotorState struct {
	Pos    int    `json:"pos"`
	Status string `json:"status"` // "idle", "moving" or "error"
}

type EffectState struct {
	Running bool `json:"running"`
}

type Pong struct {
	Type string `json:"type"`
	TS   int64  `json:"ts,omitempty"`
}

type Ping struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewPing(ts int64) Ping {
	return Ping{Type: TypePing, TS: ts}
}

func NewPong(ts int64) Pong {
	return Pong{Type: TypePong, TS: ts}
}

func NewErrorMessage(code int, message string) ErrorMessage {
	return ErrorMessage{Type: TypeErr, Code: code, Message: message}
}

func NewStateUpdate(ts int64, universes map[string]map[string]int) StateUpdate {
	return StateUpdate{Type: TypeState, TS: ts, Universes: universes}
}
