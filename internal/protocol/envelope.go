package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the outer shape of every frame. Ref is an optional
// client-chosen correlation id echoed back on ack and error frames.
type Envelope struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Exclude filters recipients of a channel broadcast. Zero fields match
// nothing.
type Exclude struct {
	ConnID string
	UserID int64
}

// Encode builds a frame for event with the given payload.
func Encode(event, ref string, data any) ([]byte, error) {
	env := Envelope{Event: event, Ref: ref}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Unmarshal decodes the envelope payload into v.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
