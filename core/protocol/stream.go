package protocol

import (
	"fmt"
	"io"
	"sync"

	"github.com/codewandler/shardvisor/internal/codec"
)

// Encoder writes length-prefixed frames to a stream. It is safe for
// concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
	c  codec.Codec
}

func NewEncoder(w io.Writer, c codec.Codec) *Encoder {
	if c == nil {
		c = codec.JSONCodec{}
	}
	return &Encoder{w: w, c: c}
}

func (e *Encoder) Encode(v any) error {
	b, err := e.c.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return codec.WriteFrame(e.w, b)
}

// Decoder reads frames written by an Encoder. It is not safe for concurrent
// use.
type Decoder struct {
	r io.Reader
	c codec.Codec
}

func NewDecoder(r io.Reader, c codec.Codec) *Decoder {
	if c == nil {
		c = codec.JSONCodec{}
	}
	return &Decoder{r: r, c: c}
}

func (d *Decoder) Decode(v any) error {
	b, err := codec.ReadFrame(d.r)
	if err != nil {
		return err
	}
	if err := d.c.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: decode frame: %v", ErrProtocol, err)
	}
	return nil
}
