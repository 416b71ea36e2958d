// Package codec holds the wire encodings used between the supervisor and its
// workers, plus the length-prefixed framing used on byte streams.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return NameJSON }

// MsgpackCodec encodes using struct `msgpack` tags and falls back to json
// tag names so types only need to declare one set of tags.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(b []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (MsgpackCodec) Name() string { return NameMsgpack }

// ByName returns the codec registered under name. The empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case NameJSON, "":
		return JSONCodec{}, nil
	case NameMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
