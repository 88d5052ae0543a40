package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedEnvelope is returned for bodies that are not a job envelope
	ErrMalformedEnvelope = errors.New("job: malformed envelope")
	// ErrUnknownKind is returned for envelopes naming an unregistered kind
	ErrUnknownKind = errors.New("job: unknown kind")
)

// Envelope is the wire form of a job.
type Envelope struct {
	Kind  string         `json:"class"`
	Props map[string]any `json:"props"`
}

// Decode parses a job envelope. Both "class" and "props" must be present
// and non-null. An empty JSON array is accepted for props, which is how
// some producers encode an empty property set.
func Decode(body []byte) (Envelope, error) {
	var raw struct {
		Class json.RawMessage `json:"class"`
		Props json.RawMessage `json:"props"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if isNull(raw.Class) {
		return Envelope{}, fmt.Errorf("%w: class missing", ErrMalformedEnvelope)
	}
	if isNull(raw.Props) {
		return Envelope{}, fmt.Errorf("%w: props missing", ErrMalformedEnvelope)
	}

	var env Envelope
	if err := json.Unmarshal(raw.Class, &env.Kind); err != nil {
		return Envelope{}, fmt.Errorf("%w: class must be a string", ErrMalformedEnvelope)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: class is empty", ErrMalformedEnvelope)
	}

	if err := json.Unmarshal(raw.Props, &env.Props); err == nil {
		return env, nil
	}

	var list []any
	if err := json.Unmarshal(raw.Props, &list); err != nil || len(list) > 0 {
		return Envelope{}, fmt.Errorf("%w: props must be an object", ErrMalformedEnvelope)
	}
	env.Props = map[string]any{}
	return env, nil
}

// Encode serializes the envelope. Nil props are written as an empty object.
func Encode(env Envelope) ([]byte, error) {
	if env.Kind == "" {
		return nil, fmt.Errorf("%w: class is empty", ErrMalformedEnvelope)
	}
	if env.Props == nil {
		env.Props = map[string]any{}
	}
	return json.Marshal(env)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
