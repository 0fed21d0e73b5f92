package presence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Ack is the frame sent to a client right after it connects.
type Ack struct {
	ID int64 `json:"id"`
}

// Message is a parsed inbound frame: a JSON object whose keys are tags.
type Message map[string]json.RawMessage

// ParseMessage decodes frame as a tagged message.
//
// Postcondition: Returns a non-nil Message, or an error wrapping
// ErrMalformedFrame if frame is not a JSON object.
func ParseMessage(frame []byte) (Message, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return m, nil
}

// Has reports whether tag is present.
func (m Message) Has(tag string) bool {
	_, ok := m[tag]
	return ok
}

// Tags returns the message's tags in sorted order.
func (m Message) Tags() []string {
	tags := make([]string, 0, len(m))
	for tag := range m {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Decode unmarshals the value under tag into v.
func (m Message) Decode(tag string, v any) error {
	raw, ok := m[tag]
	if !ok {
		return fmt.Errorf("tag %q not present", tag)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding tag %q: %w", tag, err)
	}
	return nil
}

// Truthy reports whether tag is present with a value other than
// false, 0, "", or null.
func (m Message) Truthy(tag string) bool {
	raw, ok := m[tag]
	if !ok {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

// Values decodes every tag into plain Go values.
func (m Message) Values() (map[string]any, error) {
	out := make(map[string]any, len(m))
	for tag, raw := range m {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding tag %q: %w", tag, err)
		}
		out[tag] = v
	}
	return out, nil
}
