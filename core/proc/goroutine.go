package proc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/codewandler/shardvisor/core/protocol"
)

// WorkerFunc is the entry point of an in-process worker. It should return
// once ctx is cancelled or conn is closed.
type WorkerFunc func(ctx context.Context, boot protocol.Bootstrap, conn Conn) error

// GoroutineSpawner runs each worker on its own goroutine, connected to the
// supervisor through an in-memory Pipe.
type GoroutineSpawner struct {
	Run    WorkerFunc
	Buffer int
	Log    *slog.Logger

	seq atomic.Uint64
}

func NewGoroutineSpawner(run WorkerFunc) *GoroutineSpawner {
	return &GoroutineSpawner{Run: run}
}

func (s *GoroutineSpawner) WithLog(log *slog.Logger) *GoroutineSpawner {
	s.Log = log
	return s
}

func (s *GoroutineSpawner) Spawn(_ context.Context, boot protocol.Bootstrap) (Handle, error) {
	if s.Run == nil {
		return nil, errors.New("proc: GoroutineSpawner.Run is required")
	}
	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	local, remote := Pipe(s.Buffer)
	ctx, cancel := context.WithCancel(context.Background())

	h := &goroutineHandle{
		Conn:   local,
		id:     "g" + strconv.FormatUint(s.seq.Add(1), 10),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	log = log.With(slog.Int("cluster", boot.ClusterID), slog.String("worker", h.id))

	go func() {
		defer close(h.done)
		defer cancel()
		defer local.Close()

		err := runRecovered(ctx, s.Run, boot, remote)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
			log.Warn("worker exited with error", slog.Any("error", err))
			h.setErr(err)
			return
		}
		log.Debug("worker exited")
	}()

	return h, nil
}

func runRecovered(ctx context.Context, run WorkerFunc, boot protocol.Bootstrap, conn Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v\n%s", r, debug.Stack())
		}
	}()
	return run(ctx, boot, conn)
}

type goroutineHandle struct {
	Conn
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (h *goroutineHandle) ID() string            { return h.id }
func (h *goroutineHandle) Done() <-chan struct{} { return h.done }

func (h *goroutineHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *goroutineHandle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// Kill cancels the worker's context. A forced kill also closes the
// connection so a worker ignoring its context is cut off.
func (h *goroutineHandle) Kill(force bool) error {
	h.cancel()
	if force {
		return h.Conn.Close()
	}
	return nil
}
