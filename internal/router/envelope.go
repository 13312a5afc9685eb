package router

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind classifies an inbound envelope.
type Kind int

const (
	KindUnknown Kind = iota
	KindStatus
	KindExecuting
	KindChatMessage
	KindImageAck
	KindConfigUpdated
	KindModeChanged
)

// kindNames maps wire discriminators to kinds.
var kindNames = map[string]Kind{
	"status":          KindStatus,
	"executing":       KindExecuting,
	"mx-chat-message": KindChatMessage,
	"imageData_ack":   KindImageAck,
	"config_updated":  KindConfigUpdated,
	"mode_changed":    KindModeChanged,
}

// ParseKind returns the kind for a wire discriminator, or KindUnknown.
func ParseKind(name string) Kind {
	return kindNames[name]
}

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindExecuting:
		return "executing"
	case KindChatMessage:
		return "mx-chat-message"
	case KindImageAck:
		return "imageData_ack"
	case KindConfigUpdated:
		return "config_updated"
	case KindModeChanged:
		return "mode_changed"
	default:
		return "unknown"
	}
}

// Envelope is one classified inbound message.
type Envelope struct {
	Kind Kind

	// Name is the discriminator as received. It is kept for
	// unrecognized envelopes so they can be reported.
	Name string

	// Data is the payload, possibly empty.
	Data json.RawMessage

	// Success is the top-level success flag some acknowledgements carry
	// beside the payload.
	Success *bool
}

type wireEnvelope struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Success *bool           `json:"success"`
}

// ParseEnvelope decodes one text frame. Either "type" or "event" names
// the kind; "type" wins when both are present. The nested
// {"data":{"event":"config_updated","data":{...}}} form is unwrapped.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}

	name := w.Type
	if name == "" {
		name = w.Event
	}
	env := Envelope{Name: name, Data: w.Data, Success: w.Success}

	if inner, ok := nestedConfigUpdate(w.Data); ok && (name == "" || ParseKind(name) == KindConfigUpdated) {
		env.Name = "config_updated"
		env.Data = inner
	}
	env.Kind = ParseKind(env.Name)
	return env, nil
}

// nestedConfigUpdate unwraps a payload of the form
// {"event":"config_updated","data":{...}}. Without an inner data object
// the outer payload is used as is.
func nestedConfigUpdate(data json.RawMessage) (json.RawMessage, bool) {
	if !isObject(data) {
		return nil, false
	}
	var inner struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &inner); err != nil || inner.Event != "config_updated" {
		return nil, false
	}
	if !isObject(inner.Data) {
		return data, true
	}
	return inner.Data, true
}

func isObject(data json.RawMessage) bool {
	d := bytes.TrimSpace(data)
	return len(d) > 0 && d[0] == '{'
}

// hasPayload reports whether data holds anything other than null.
func hasPayload(data json.RawMessage) bool {
	d := bytes.TrimSpace(data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}
