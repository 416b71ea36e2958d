package proc

import (
	"context"
	"sync"

	"github.com/codewandler/shardvisor/core/protocol"
)

const DefaultPipeBuffer = 64

// pipe is one half of an in-memory connection.
type pipe struct {
	in   <-chan *protocol.Envelope
	out  chan<- *protocol.Envelope
	done chan struct{}
	once *sync.Once
}

// Pipe returns the two ends of an in-memory connection. Envelopes sent on one
// end are received on the other in order. Closing either end closes both.
func Pipe(buffer int) (Conn, Conn) {
	if buffer <= 0 {
		buffer = DefaultPipeBuffer
	}
	var (
		ab   = make(chan *protocol.Envelope, buffer)
		ba   = make(chan *protocol.Envelope, buffer)
		done = make(chan struct{})
		once = new(sync.Once)
	)
	return &pipe{in: ba, out: ab, done: done, once: once},
		&pipe{in: ab, out: ba, done: done, once: once}
}

func (p *pipe) Send(ctx context.Context, env *protocol.Envelope) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	case p.out <- env:
		return nil
	}
}

func (p *pipe) Recv(ctx context.Context) (*protocol.Envelope, error) {
	// deliver what was sent before the pipe closed
	select {
	case env := <-p.in:
		return env, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case env := <-p.in:
		return env, nil
	case <-p.done:
		select {
		case env := <-p.in:
			return env, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() {
		close(p.done)
	})
	return nil
}
