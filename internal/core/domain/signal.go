package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice_candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// Envelope is the unit carried by the signaling relay. Value is an opaque
// serialized session description or candidate.
type Envelope struct {
	Kind  SignalKind `json:"msgType"`
	Value string     `json:"value"`
}

// ParseEnvelope decodes a wire frame and checks its structure. The value is
// not interpreted.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if dec.More() {
		return Envelope{}, fmt.Errorf("%w: trailing data", ErrMalformedEnvelope)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing msgType", ErrMalformedEnvelope)
	}
	if !env.Kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownSignalKind, env.Kind)
	}
	return env, nil
}

func (e Envelope) Marshal() ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSignalKind, e.Kind)
	}
	return json.Marshal(e)
}
