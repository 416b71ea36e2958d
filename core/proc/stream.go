package proc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/codewandler/shardvisor/core/protocol"
	"github.com/codewandler/shardvisor/internal/codec"
)

// StreamConn frames envelopes over a byte stream pair such as a child
// process' stdin and stdout.
type StreamConn struct {
	enc     *protocol.Encoder
	in      chan *protocol.Envelope
	closers []io.Closer

	mu     sync.Mutex
	err    error
	done   chan struct{}
	closed bool
}

// NewStreamConn starts reading envelopes from r. closers are closed by
// Close, typically the writer and reader ends. The conn closes itself when r
// reaches EOF; envelopes read before that stay available to Recv.
func NewStreamConn(r io.Reader, w io.Writer, c codec.Codec, closers ...io.Closer) *StreamConn {
	s := &StreamConn{
		enc:     protocol.NewEncoder(w, c),
		in:      make(chan *protocol.Envelope, DefaultPipeBuffer),
		closers: closers,
		done:    make(chan struct{}),
	}
	go s.readLoop(protocol.NewDecoder(r, c))
	return s
}

func (s *StreamConn) readLoop(dec *protocol.Decoder) {
	defer close(s.in)
	defer func() { _ = s.Close() }()
	for {
		env := new(protocol.Envelope)
		if err := dec.Decode(env); err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				// undecodable frame; surface it as an envelope the router
				// drops so the stream stays usable
				s.deliver(&protocol.Envelope{})
				continue
			}
			s.mu.Lock()
			if !errors.Is(err, io.EOF) && !s.closed {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		if !s.deliver(env) {
			return
		}
	}
}

func (s *StreamConn) deliver(env *protocol.Envelope) bool {
	select {
	case s.in <- env:
		return true
	case <-s.done:
		return false
	}
}

func (s *StreamConn) Send(_ context.Context, env *protocol.Envelope) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.enc.Encode(env)
}

func (s *StreamConn) Recv(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case env, ok := <-s.in:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.err != nil {
				return nil, s.err
			}
			return nil, ErrClosed
		}
		return env, nil
	}
}

func (s *StreamConn) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
