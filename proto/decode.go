package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound is the decoded form of one backend message. Exactly one field is set.
type Inbound struct {
	State *StateUpdate
	Pong  *Pong
	Err   *ErrorMessage
	Ack   *Ack
}

var ErrUnrecognized = errors.New("unrecognized message")

// Decode classifies a backend message by its "type" field, falling back to the
// ack shape {ack: string, accepted: bool}. Anything else is an error and should
// be ignored by the caller.
func Decode(data []byte) (Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Inbound{}, fmt.Errorf("invalid JSON: %w", err)
	}

	if rawType, ok := fields["type"]; ok {
		var typ string
		if err := json.Unmarshal(rawType, &typ); err != nil {
			return Inbound{}, fmt.Errorf("invalid type field: %w", err)
		}
		switch typ {
		case TypeState:
			var st StateUpdate
			if err := json.Unmarshal(data, &st); err != nil {
				return Inbound{}, fmt.Errorf("invalid state message: %w", err)
			}
			return Inbound{State: &st}, nil
		case TypePong:
			var p Pong
			if err := json.Unmarshal(data, &p); err != nil {
				return Inbound{}, fmt.Errorf("invalid pong message: %w", err)
			}
			return Inbound{Pong: &p}, nil
		case TypeErr:
			var e ErrorMessage
			if err := json.Unmarshal(data, &e); err != nil {
				return Inbound{}, fmt.Errorf("invalid err message: %w", err)
			}
			return Inbound{Err: &e}, nil
		}
	}

	if isAck(fields) {
		var ack Ack
		if err := json.Unmarshal(data, &ack); err != nil {
			return Inbound{}, fmt.Errorf("invalid ack message: %w", err)
		}
		return Inbound{Ack: &ack}, nil
	}

	return Inbound{}, ErrUnrecognized
}

// DecodeAck parses a standalone ack payload, as returned by POST /command or
// published on the ack topic.
func DecodeAck(data []byte) (Ack, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Ack{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if !isAck(fields) {
		return Ack{}, ErrUnrecognized
	}
	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return Ack{}, fmt.Errorf("invalid ack message: %w", err)
	}
	return ack, nil
}

func isAck(fields map[string]json.RawMessage) bool {
	rawAck, ok := fields["ack"]
	if !ok {
		return false
	}
	rawAccepted, ok := fields["accepted"]
	if !ok {
		return false
	}
	// json.Unmarshal accepts null for both, so check the literal kinds.
	ack := bytes.TrimSpace(rawAck)
	if len(ack) == 0 || ack[0] != '"' {
		return false
	}
	accepted := string(bytes.TrimSpace(rawAccepted))
	return accepted == "true" || accepted == "false"
}
