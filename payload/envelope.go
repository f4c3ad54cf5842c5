package payload

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is matched (errors.Is) by every UnknownTypeError.
var ErrUnknownType = errors.New("unknown payload type")

// UnknownTypeError reports an envelope whose discriminator is not recognized.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown payload type %q", e.Type)
}

// Is lets errors.Is(err, ErrUnknownType) match.
func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrUnknownType
}

// Envelope is the wire wrapper.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal encodes p as a wire envelope.
func Marshal(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if !p.Type().Valid() {
		return nil, &UnknownTypeError{Type: string(p.Type())}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.Type(), err)
	}

	return json.Marshal(Envelope{Type: p.Type(), Payload: body})
}

// Unmarshal decodes a wire envelope, dispatching on its type.
// Unknown tags fail with *UnknownTypeError, missing required fields with ErrInvalidPayload.
func Unmarshal(data []byte) (Payload, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	var (
		p   Payload
		err error
	)
	switch env.Type {
	case TypeTrack:
		p, err = decode[Track](env.Payload)
	case TypeIdentify:
		p, err = decode[Identify](env.Payload)
	case TypeAlias:
		p, err = decode[Alias](env.Payload)
	case TypeIncrement:
		p, err = decode[Increment](env.Payload)
	case TypeDecrement:
		p, err = decode[Decrement](env.Payload)
	default:
		return nil, &UnknownTypeError{Type: string(env.Type)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decode[T Payload](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, fmt.Errorf("%w: missing payload body", ErrInvalidPayload)
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}
