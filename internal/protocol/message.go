// Package protocol models the line-delimited message stream a connector
// writes to stdout. Only the envelope and the record payload are modeled;
// every other message kind is retained as an opaque payload.
package protocol

import (
	"bytes"
	"encoding/json"
)

// MessageType discriminates the protocol message union.
type MessageType string

const (
	TypeRecord           MessageType = "RECORD"
	TypeState            MessageType = "STATE"
	TypeLog              MessageType = "LOG"
	TypeSpec             MessageType = "SPEC"
	TypeConnectionStatus MessageType = "CONNECTION_STATUS"
	TypeCatalog          MessageType = "CATALOG"
	TypeTrace            MessageType = "TRACE"
	TypeControl          MessageType = "CONTROL"
)

// Record is the payload of a RECORD message.
type Record struct {
	Stream    string         `json:"stream"`
	Data      map[string]any `json:"data"`
	EmittedAt int64          `json:"emitted_at,omitempty"`
}

// Message is one parsed line of connector output. Raw preserves the
// original line byte-for-byte so non-record messages round-trip exactly.
type Message struct {
	Type   MessageType `json:"type"`
	Record *Record     `json:"record,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// envelope is the minimal shape needed to classify a line.
type envelope struct {
	Type   MessageType `json:"type"`
	Record *Record     `json:"record"`
}

// ParseLine attempts to parse one output line as a protocol message.
// The second return value is false when the line is not a protocol
// message; that is an expected outcome, not an error. Connector output
// legitimately interleaves plain log noise with protocol lines.
func ParseLine(line []byte) (Message, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, false
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Message{}, false
	}
	if !env.Type.valid() {
		return Message{}, false
	}
	if env.Type == TypeRecord && (env.Record == nil || env.Record.Stream == "") {
		return Message{}, false
	}

	raw := make(json.RawMessage, len(trimmed))
	copy(raw, trimmed)

	return Message{Type: env.Type, Record: env.Record, Raw: raw}, true
}

func (t MessageType) valid() bool {
	switch t {
	case TypeRecord, TypeState, TypeLog, TypeSpec, TypeConnectionStatus,
		TypeCatalog, TypeTrace, TypeControl:
		return true
	}
	return false
}
