// Package correlator matches responses to the requests that caused them.
//
// A request envelope is registered with [Correlator.Create] which returns a
// [Future]. The future settles exactly once: when a response carrying the
// same nonce is passed to [Correlator.Resolve], when the request is rejected
// explicitly, when its timeout fires, or when the waiting caller gives up.
// Whichever happens first wins; every later event for that nonce is ignored.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/shardvisor/core/protocol"
)

var (
	ErrTimeout   = errors.New("request timed out")
	ErrAbandoned = errors.New("request abandoned")
)

type (
	Options struct {
		Log *slog.Logger
		// OnPending is called with the number of outstanding requests after
		// every change. It runs under the correlator's lock and must not
		// call back into it.
		OnPending func(n int)
	}

	Correlator struct {
		mu        sync.Mutex
		log       *slog.Logger
		pending   map[string]*pending
		onPending func(int)
	}

	pending struct {
		ch    chan result
		timer *time.Timer
	}

	result struct {
		data json.RawMessage
		err  error
	}

	Future struct {
		c     *Correlator
		nonce string
		ch    chan result
		res   *result
	}
)

func New(opts Options) *Correlator {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	onPending := opts.OnPending
	if onPending == nil {
		onPending = func(int) {}
	}
	return &Correlator{
		log:       log,
		pending:   make(map[string]*pending),
		onPending: onPending,
	}
}

// Create registers env as an outstanding request, assigning a nonce if it
// has none. A positive timeout rejects the request with ErrTimeout once it
// elapses.
func (c *Correlator) Create(env *protocol.Envelope, timeout time.Duration) *Future {
	if env.Nonce == "" {
		env.Nonce = protocol.NewNonce()
	}
	nonce := env.Nonce

	// Buffered so settling never blocks on a caller that stopped waiting.
	p := &pending{ch: make(chan result, 1)}

	c.mu.Lock()
	if prev, ok := c.pending[nonce]; ok {
		c.log.Warn("replacing pending request with duplicate nonce", slog.String("nonce", nonce))
		if prev.timer != nil {
			prev.timer.Stop()
		}
		prev.ch <- result{err: fmt.Errorf("%w: nonce reused", ErrAbandoned)}
	}
	c.pending[nonce] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			c.settle(nonce, p, result{err: fmt.Errorf("%w after %s", ErrTimeout, timeout)})
		})
	}
	c.onPending(len(c.pending))
	c.mu.Unlock()

	return &Future{c: c, nonce: nonce, ch: p.ch}
}

// Resolve settles the request matching env's nonce with the carried
// response. It returns false for unknown or already settled nonces.
func (c *Correlator) Resolve(env *protocol.Envelope) bool {
	resp, err := protocol.Decode[protocol.Response](env)
	if err != nil {
		return c.Reject(env.Nonce, err)
	}
	if resp.Error != nil {
		return c.Reject(env.Nonce, resp.Error)
	}
	return c.settle(env.Nonce, nil, result{data: resp.Result})
}

// Reject settles the request matching nonce with err.
func (c *Correlator) Reject(nonce string, err error) bool {
	return c.settle(nonce, nil, result{err: err})
}

// Clear rejects every outstanding request with err and returns how many
// were rejected.
func (c *Correlator) Clear(err error) int {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*pending)
	if len(all) > 0 {
		c.onPending(0)
	}
	c.mu.Unlock()

	for _, p := range all {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- result{err: err}
	}
	return len(all)
}

// Len returns the number of outstanding requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// settle removes the entry for nonce and delivers r. If want is non-nil the
// entry is only settled while it is still that exact registration.
func (c *Correlator) settle(nonce string, want *pending, r result) bool {
	c.mu.Lock()
	p, ok := c.pending[nonce]
	if !ok || (want != nil && p != want) {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, nonce)
	c.onPending(len(c.pending))
	c.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- r
	return true
}

func (f *Future) Nonce() string { return f.nonce }

// Wait blocks until the request settles. If ctx ends first the request is
// rejected with the context's error and deregistered.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	if f.res != nil {
		return f.res.data, f.res.err
	}
	select {
	case r := <-f.ch:
		f.res = &r
	case <-ctx.Done():
		f.c.Reject(f.nonce, ctx.Err())
		r := <-f.ch
		f.res = &r
	}
	return f.res.data, f.res.err
}
