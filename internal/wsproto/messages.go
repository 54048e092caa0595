// Package wsproto implements the JSON text-frame wire protocol between the
// browser client and the execution session core: tagged request envelopes,
// tagged response envelopes, and the handshake/execute request payloads.
package wsproto

import "encoding/json"

// Meta is an opaque JSON value every wire message carries for client-side
// correlation. The session core never interprets it, only threads it
// through.
type Meta = json.RawMessage

// ServerMeta is the sentinel meta attached to every server-originated
// message that does not echo a client request (feature flags, panic
// reports, idle errors).
func ServerMeta() Meta {
	return json.RawMessage(`{"sequenceNumber":-1}`)
}

// LastChanceError is emitted verbatim when a response cannot be serialized
// to JSON at all. It must stay parseable without going through the normal
// envelope encoder, since that's the thing that just failed.
const LastChanceError = `{ "type": "WEBSOCKET_ERROR", "error": "Unable to serialize JSON" }`

// envelope is the wire shape every outbound message takes: a discriminant
// type tag, an arbitrary payload, and meta.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Meta    Meta            `json:"meta"`
}

// Response is implemented by every server->client message variant.
type Response interface {
	typeTag() string
	payload() (any, error)
	meta() Meta
}

// Encode marshals a Response into its wire envelope. On failure callers
// must fall back to LastChanceError rather than propagate the error to the
// socket write path (§6 "last-chance serialization error").
func Encode(r Response) ([]byte, error) {
	p, err := r.payload()
	if err != nil {
		return nil, err
	}
	var rawPayload json.RawMessage
	if p != nil {
		rawPayload, err = json.Marshal(p)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(envelope{
		Type:    r.typeTag(),
		Payload: rawPayload,
		Meta:    r.meta(),
	})
}

// ErrorResponse is the `websocket/error` response.
type ErrorResponse struct {
	ErrorText string
	MetaVal   Meta
}

func (e ErrorResponse) typeTag() string { return "websocket/error" }
func (e ErrorResponse) meta() Meta      { return e.MetaVal }
func (e ErrorResponse) payload() (any, error) {
	return struct {
		Error string `json:"error"`
	}{Error: e.ErrorText}, nil
}

// FeatureFlagsResponse is the `featureFlags` response, sent exactly once
// per accepted session, immediately after the handshake.
type FeatureFlagsResponse struct {
	MetaVal Meta
}

func (f FeatureFlagsResponse) typeTag() string { return "featureFlags" }
func (f FeatureFlagsResponse) meta() Meta      { return f.MetaVal }
func (f FeatureFlagsResponse) payload() (any, error) {
	return struct{}{}, nil
}

// ExecuteBeginResponse is `output/execute/wsExecuteBegin`; it carries no
// payload.
type ExecuteBeginResponse struct {
	MetaVal Meta
}

func (e ExecuteBeginResponse) typeTag() string         { return "output/execute/wsExecuteBegin" }
func (e ExecuteBeginResponse) meta() Meta              { return e.MetaVal }
func (e ExecuteBeginResponse) payload() (any, error)   { return nil, nil }

// ExecuteStdoutResponse is `output/execute/wsExecuteStdout`; payload is a
// plain string chunk.
type ExecuteStdoutResponse struct {
	Text    string
	MetaVal Meta
}

func (e ExecuteStdoutResponse) typeTag() string { return "output/execute/wsExecuteStdout" }
func (e ExecuteStdoutResponse) meta() Meta      { return e.MetaVal }
func (e ExecuteStdoutResponse) payload() (any, error) {
	return e.Text, nil
}

// ExecuteStderrResponse is `output/execute/wsExecuteStderr`; payload is a
// plain string chunk.
type ExecuteStderrResponse struct {
	Text    string
	MetaVal Meta
}

func (e ExecuteStderrResponse) typeTag() string { return "output/execute/wsExecuteStderr" }
func (e ExecuteStderrResponse) meta() Meta      { return e.MetaVal }
func (e ExecuteStderrResponse) payload() (any, error) {
	return e.Text, nil
}

// ExecuteEndResponse is `output/execute/wsExecuteEnd`.
type ExecuteEndResponse struct {
	Success    bool
	ExitDetail string
	MetaVal    Meta
}

func (e ExecuteEndResponse) typeTag() string { return "output/execute/wsExecuteEnd" }
func (e ExecuteEndResponse) meta() Meta      { return e.MetaVal }
func (e ExecuteEndResponse) payload() (any, error) {
	return struct {
		Success    bool   `json:"success"`
		ExitDetail string `json:"exitDetail"`
	}{Success: e.Success, ExitDetail: e.ExitDetail}, nil
}
