package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/codewandler/shardvisor/core/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func request(t *testing.T) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TagExecuteRequest, protocol.Property("guilds"))
	require.NoError(t, err)
	return env
}

func response(t *testing.T, req *protocol.Envelope, result any, rerr error) *protocol.Envelope {
	t.Helper()
	r, err := protocol.NewResponse(result, rerr)
	require.NoError(t, err)
	env, err := req.Reply(protocol.TagExecuteResponse, r)
	require.NoError(t, err)
	return env
}

func TestCorrelator_Resolve(t *testing.T) {
	c := New(Options{})
	req := request(t)
	f := c.Create(req, time.Second)
	require.Equal(t, 1, c.Len())
	require.Equal(t, req.Nonce, f.Nonce())

	require.True(t, c.Resolve(response(t, req, 42, nil)))
	require.Equal(t, 0, c.Len())

	data, err := f.Wait(t.Context())
	require.NoError(t, err)
	require.JSONEq(t, "42", string(data))

	// duplicate response is a no-op
	require.False(t, c.Resolve(response(t, req, 43, nil)))

	// waiting again yields the same result
	data, err = f.Wait(t.Context())
	require.NoError(t, err)
	require.JSONEq(t, "42", string(data))
}

func TestCorrelator_AssignsNonce(t *testing.T) {
	c := New(Options{})
	env := &protocol.Envelope{Tag: protocol.TagCustomRequest}
	f := c.Create(env, 0)
	require.NotEmpty(t, env.Nonce)
	require.Equal(t, env.Nonce, f.Nonce())
	require.Equal(t, 1, c.Clear(ErrAbandoned))
}

func TestCorrelator_RemoteError(t *testing.T) {
	c := New(Options{})
	req := request(t)
	f := c.Create(req, time.Second)

	require.True(t, c.Resolve(response(t, req, nil, errors.New("missing permissions"))))

	_, err := f.Wait(t.Context())
	var re *protocol.RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "missing permissions", re.Message)
	require.Equal(t, "errorString", re.Name)
}

func TestCorrelator_UnknownNonce(t *testing.T) {
	c := New(Options{})
	env := &protocol.Envelope{Nonce: "nope", Tag: protocol.TagExecuteResponse, Data: json.RawMessage(`{}`)}
	require.False(t, c.Resolve(env))
	require.False(t, c.Reject("nope", errors.New("x")))
}

func TestCorrelator_Timeout(t *testing.T) {
	c := New(Options{})
	req := request(t)

	start := time.Now()
	f := c.Create(req, 50*time.Millisecond)

	_, err := f.Wait(t.Context())
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 0, c.Len())

	// late response has no effect
	require.False(t, c.Resolve(response(t, req, 1, nil)))
	_, err = f.Wait(t.Context())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestCorrelator_CallerCancel(t *testing.T) {
	c := New(Options{})
	f := c.Create(request(t), 0)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, c.Len())
}

func TestCorrelator_Clear(t *testing.T) {
	var (
		mu      sync.Mutex
		history []int
	)
	c := New(Options{OnPending: func(n int) {
		mu.Lock()
		history = append(history, n)
		mu.Unlock()
	}})

	f1 := c.Create(request(t), time.Minute)
	f2 := c.Create(request(t), 0)

	require.Equal(t, 2, c.Clear(ErrAbandoned))
	require.Equal(t, 0, c.Len())

	_, err := f1.Wait(t.Context())
	require.ErrorIs(t, err, ErrAbandoned)
	_, err = f2.Wait(t.Context())
	require.ErrorIs(t, err, ErrAbandoned)

	mu.Lock()
	require.Equal(t, []int{1, 2, 0}, history)
	mu.Unlock()
}

func TestCorrelator_ConcurrentSettle(t *testing.T) {
	c := New(Options{})

	for i := 0; i < 100; i++ {
		req := request(t)
		f := c.Create(req, time.Millisecond)
		r1, r2 := response(t, req, 1, nil), response(t, req, 2, nil)

		var (
			wg  sync.WaitGroup
			won = make(chan bool, 3)
		)
		wg.Add(3)
		go func() { defer wg.Done(); won <- c.Resolve(r1) }()
		go func() { defer wg.Done(); won <- c.Reject(req.Nonce, errors.New("x")) }()
		go func() { defer wg.Done(); won <- c.Resolve(r2) }()
		wg.Wait()
		close(won)

		_, _ = f.Wait(t.Context())

		wins := 0
		for w := range won {
			if w {
				wins++
			}
		}
		require.LessOrEqual(t, wins, 1)
		require.Equal(t, 0, c.Len())
	}
}
