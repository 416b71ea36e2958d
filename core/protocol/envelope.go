package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

type Envelope struct {
	Nonce string          `json:"nonce"`
	Tag   Tag             `json:"tag"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload and wraps it in an envelope with a fresh nonce.
// A nil payload yields an envelope without data.
func NewEnvelope(tag Tag, payload any) (*Envelope, error) {
	env := &Envelope{Nonce: NewNonce(), Tag: tag}
	if err := env.SetPayload(payload); err != nil {
		return nil, err
	}
	return env, nil
}

// MustEnvelope is like NewEnvelope but panics on encoding errors. Only use it
// with payload types that always encode.
func MustEnvelope(tag Tag, payload any) *Envelope {
	env, err := NewEnvelope(tag, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func (e *Envelope) SetPayload(payload any) error {
	switch p := payload.(type) {
	case nil:
		e.Data = nil
	case json.RawMessage:
		e.Data = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", e.Tag, err)
		}
		e.Data = b
	}
	return nil
}

// Reply builds the envelope answering e. It carries e's nonce so the peer's
// correlator can match it.
func (e *Envelope) Reply(tag Tag, payload any) (*Envelope, error) {
	r := &Envelope{Nonce: e.Nonce, Tag: tag}
	if err := r.SetPayload(payload); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate reports malformed envelopes. Unknown but non-zero tags are valid
// and count as custom traffic.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", ErrProtocol)
	}
	if e.Tag == TagUnknown {
		return fmt.Errorf("%w: missing tag", ErrProtocol)
	}
	if e.Nonce == "" {
		return fmt.Errorf("%w: %s without nonce", ErrProtocol, e.Tag)
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return fmt.Errorf("%w: %s carries invalid json", ErrProtocol, e.Tag)
	}
	return nil
}

func (e *Envelope) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("nonce", e.Nonce),
		slog.String("tag", e.Tag.String()),
		slog.Int("size", len(e.Data)),
	)
}

// Decode unmarshals the payload of env into a T.
func Decode[T any](env *Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("%w: decode %s payload: %v", ErrProtocol, env.Tag, err)
	}
	return out, nil
}
