// Package payload provides the event envelope sent to the OpenPanel collector.
//
// A Payload is one of five variants. On the wire every variant is wrapped in
// an envelope {"type": <tag>, "payload": <fields>}; Unmarshal rejects unknown tags.
package payload

import (
	"errors"
	"fmt"
)

// Type is the envelope discriminator.
type Type string

const (
	TypeTrack     Type = "track"
	TypeIdentify  Type = "identify"
	TypeAlias     Type = "alias"
	TypeIncrement Type = "increment"
	TypeDecrement Type = "decrement"
)

// Valid reports whether t is one of the recognized tags.
func (t Type) Valid() bool {
	switch t {
	case TypeTrack, TypeIdentify, TypeAlias, TypeIncrement, TypeDecrement:
		return true
	default:
		return false
	}
}

// ErrInvalidPayload is returned when a required variant field is missing.
var ErrInvalidPayload = errors.New("invalid payload")

// Payload is the closed set of event variants.
// Only the types declared in this package implement it.
type Payload interface {
	Type() Type
	Validate() error
	isPayload()
}

// Properties is the string map attached to track and identify events.
// Properties are always encoded: nil as null and an empty map as {}, so both
// survive a round trip unchanged.
type Properties map[string]string

// Clone returns a copy of p (nil stays nil).
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a new map of base overlaid with override. Keys in override
// win. The result is never nil.
func Merge(base, override Properties) Properties {
	out := make(Properties, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Track records a named event.
type Track struct {
	Name       string     `json:"name"`
	Properties Properties `json:"properties"`
	ProfileID  string     `json:"profileId,omitempty"`
}

// Identify attaches personal fields and properties to a profile.
type Identify struct {
	ProfileID  string     `json:"profileId"`
	FirstName  string     `json:"firstName,omitempty"`
	LastName   string     `json:"lastName,omitempty"`
	Email      string     `json:"email,omitempty"`
	Avatar     string     `json:"avatar,omitempty"`
	Properties Properties `json:"properties"`
}

// Alias links an alternative id to a profile.
type Alias struct {
	ProfileID string `json:"profileId"`
	Alias     string `json:"alias"`
}

// Increment raises a numeric profile property. Value nil means the collector default (1).
type Increment struct {
	ProfileID string `json:"profileId"`
	Property  string `json:"property"`
	Value     *int   `json:"value,omitempty"`
}

// Decrement lowers a numeric profile property. Value nil means the collector default (1).
type Decrement struct {
	ProfileID string `json:"profileId"`
	Property  string `json:"property"`
	Value     *int   `json:"value,omitempty"`
}

func (Track) Type() Type     { return TypeTrack }
func (Identify) Type() Type  { return TypeIdentify }
func (Alias) Type() Type     { return TypeAlias }
func (Increment) Type() Type { return TypeIncrement }
func (Decrement) Type() Type { return TypeDecrement }

func (Track) isPayload()     {}
func (Identify) isPayload()  {}
func (Alias) isPayload()     {}
func (Increment) isPayload() {}
func (Decrement) isPayload() {}

// HasTraits reports whether the identify call carries anything beyond the profile id.
func (p Identify) HasTraits() bool {
	return p.FirstName != "" || p.LastName != "" || p.Email != "" || p.Avatar != "" || len(p.Properties) > 0
}

// Validate checks the required fields.
func (p Track) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: track name required", ErrInvalidPayload)
	}
	return nil
}

// Validate checks the required fields.
func (p Identify) Validate() error {
	if p.ProfileID == "" {
		return fmt.Errorf("%w: identify profileId required", ErrInvalidPayload)
	}
	return nil
}

// Validate checks the required fields.
func (p Alias) Validate() error {
	if p.ProfileID == "" {
		return fmt.Errorf("%w: alias profileId required", ErrInvalidPayload)
	}
	if p.Alias == "" {
		return fmt.Errorf("%w: alias required", ErrInvalidPayload)
	}
	return nil
}

// Validate checks the required fields.
func (p Increment) Validate() error {
	return validateCounter(TypeIncrement, p.ProfileID, p.Property)
}

// Validate checks the required fields.
func (p Decrement) Validate() error {
	return validateCounter(TypeDecrement, p.ProfileID, p.Property)
}

func validateCounter(t Type, profileID, property string) error {
	if profileID == "" {
		return fmt.Errorf("%w: %s profileId required", ErrInvalidPayload, t)
	}
	if property == "" {
		return fmt.Errorf("%w: %s property required", ErrInvalidPayload, t)
	}
	return nil
}

// Int returns a pointer to v, for Increment/Decrement values.
func Int(v int) *int {
	return &v
}
