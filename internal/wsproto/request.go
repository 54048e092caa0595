package wsproto

import (
	"encoding/json"
	"fmt"
)

// handshakeEnvelope mirrors the shape of the one message the Handshake Gate
// is allowed to read.
type handshakeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Meta    Meta            `json:"meta"`
}

type handshakePayload struct {
	IAcceptThisIsAnUnsupportedAPI bool `json:"iAcceptThisIsAnUnsupportedApi"`
}

// ParseHandshake validates the opening frame. It returns ok=true only when
// the frame parses as `{type:"websocket/connected", payload:{iAcceptThisIsAnUnsupportedApi:true}}`.
func ParseHandshake(raw []byte) (ok bool) {
	var env handshakeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	if env.Type != "websocket/connected" {
		return false
	}
	var payload handshakePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return false
	}
	return payload.IAcceptThisIsAnUnsupportedAPI
}

// incomingEnvelope is the tagged shape of every client->server request.
type incomingEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Meta    Meta            `json:"meta"`
}

// ExecuteRequestWire is the payload of `output/execute/wsExecuteRequest`,
// exactly as it arrives on the wire (pre-validation).
type ExecuteRequestWire struct {
	Channel   string `json:"channel"`
	Mode      string `json:"mode"`
	Edition   string `json:"edition"`
	CrateType string `json:"crateType"`
	Tests     bool   `json:"tests"`
	Code      string `json:"code"`
	Backtrace bool   `json:"backtrace"`
}

// ErrDeserialization is returned when an inbound text frame cannot be
// parsed as any known request variant.
type ErrDeserialization struct {
	Reason string
}

func (e *ErrDeserialization) Error() string {
	return fmt.Sprintf("could not deserialize request: %s", e.Reason)
}

// ParseIncoming dispatches a text frame into the one supported request
// variant. Returns the execute payload and its meta, or a deserialization
// error for anything else (unknown type tag, malformed JSON, malformed
// payload for a known tag).
func ParseIncoming(raw []byte) (ExecuteRequestWire, Meta, error) {
	var env incomingEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ExecuteRequestWire{}, nil, &ErrDeserialization{Reason: err.Error()}
	}
	if env.Type != "output/execute/wsExecuteRequest" {
		return ExecuteRequestWire{}, nil, &ErrDeserialization{Reason: fmt.Sprintf("unknown request type %q", env.Type)}
	}
	var wire ExecuteRequestWire
	if err := json.Unmarshal(env.Payload, &wire); err != nil {
		return ExecuteRequestWire{}, nil, &ErrDeserialization{Reason: err.Error()}
	}
	return wire, env.Meta, nil
}
