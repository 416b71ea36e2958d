// Package queue runs a FIFO list of asynchronous operations strictly one at
// a time, pacing them with a per-item delay. The supervisor uses it to spawn
// clusters without exceeding the platform's identify rate limits.
//
// In [ModeAuto] [Queue.Start] drains the queue itself. In [ModeManual] Start
// only waits while external callers advance the queue one [Queue.Next] at a
// time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

const DefaultPollInterval = 100 * time.Millisecond

var (
	ErrPaused = errors.New("queue paused")
	ErrEmpty  = errors.New("queue empty")
)

type (
	Item struct {
		Name string
		Run  func(ctx context.Context) error
		// Delay is waited after Run returns before the next item starts.
		Delay time.Duration
		// Timeout bounds Run's context when positive.
		Timeout time.Duration
	}

	Options struct {
		Mode Mode
		// Limiter, if set, is waited on before each item starts.
		Limiter *rate.Limiter
		// PollInterval is how often Start checks progress in manual mode.
		PollInterval time.Duration
		Log          *slog.Logger
		// OnLen is called with the queue length after every change, under
		// the queue's lock.
		OnLen func(n int)
	}

	Queue struct {
		mode    Mode
		limiter *rate.Limiter
		poll    time.Duration
		log     *slog.Logger
		onLen   func(int)

		// run serializes item execution
		run sync.Mutex

		mu      sync.Mutex
		items   []Item
		paused  bool
		resumed chan struct{}
		failed  error
	}
)

func New(opts Options) *Queue {
	mode := opts.Mode
	if mode == "" {
		mode = ModeAuto
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	onLen := opts.OnLen
	if onLen == nil {
		onLen = func(int) {}
	}
	return &Queue{
		mode:    mode,
		limiter: opts.Limiter,
		poll:    poll,
		log:     log.With(slog.String("component", "queue")),
		onLen:   onLen,
	}
}

func (q *Queue) Mode() Mode { return q.mode }

// Add appends items to the tail of the queue.
func (q *Queue) Add(items ...Item) {
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.onLen(len(q.items))
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops all queued items and returns how many were dropped. A running
// item is not affected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.onLen(0)
	q.mu.Unlock()
	return n
}

// Stop pauses the queue. The running item completes, but no further item
// starts until Resume.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return
	}
	q.paused = true
	q.resumed = make(chan struct{})
	q.log.Debug("paused")
}

func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.paused {
		return
	}
	q.paused = false
	close(q.resumed)
	q.log.Debug("resumed")
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Next runs the head item and waits for it to complete. It returns ErrPaused
// if the queue is stopped and ErrEmpty if there is nothing to run. The item's
// Delay is not waited.
func (q *Queue) Next(ctx context.Context) error {
	_, err := q.next(ctx)
	if err != nil && !errors.Is(err, ErrPaused) && !errors.Is(err, ErrEmpty) {
		q.mu.Lock()
		if q.failed == nil {
			q.failed = err
		}
		q.mu.Unlock()
	}
	return err
}

// Start drains the queue. In auto mode items run back to back, separated by
// their Delay, and the first failing item stops the run with its error; the
// remaining items stay queued. In manual mode Start waits until other callers
// have drained the queue via Next, or one of those steps failed.
func (q *Queue) Start(ctx context.Context) error {
	if q.mode == ModeManual {
		return q.waitDrained(ctx)
	}

	for {
		if err := q.waitResumed(ctx); err != nil {
			return err
		}

		item, err := q.next(ctx)
		switch {
		case errors.Is(err, ErrEmpty):
			return nil
		case errors.Is(err, ErrPaused):
			continue
		case err != nil:
			return err
		}

		if q.Len() == 0 {
			return nil
		}
		if err := sleep(ctx, item.Delay); err != nil {
			return err
		}
	}
}

func (q *Queue) next(ctx context.Context) (Item, error) {
	q.run.Lock()
	defer q.run.Unlock()

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return Item{}, err
		}
	}

	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return Item{}, ErrPaused
	}
	if len(q.items) == 0 {
		q.mu.Unlock()
		return Item{}, ErrEmpty
	}
	item := q.items[0]
	q.items = q.items[1:]
	n := len(q.items)
	q.onLen(n)
	q.mu.Unlock()

	runCtx := ctx
	if item.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, item.Timeout)
		defer cancel()
	}

	log := q.log.With(slog.String("item", item.Name))
	log.Debug("running item", slog.Int("remaining", n))
	start := time.Now()
	if err := item.Run(runCtx); err != nil {
		log.Error("item failed", slog.Any("error", err))
		return item, fmt.Errorf("queue item %s: %w", item.Name, err)
	}
	log.Debug("item done", slog.Duration("took", time.Since(start)))
	return item, nil
}

func (q *Queue) waitResumed(ctx context.Context) error {
	q.mu.Lock()
	if !q.paused {
		q.mu.Unlock()
		return nil
	}
	ch := q.resumed
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) waitDrained(ctx context.Context) error {
	q.mu.Lock()
	q.failed = nil
	q.mu.Unlock()

	t := time.NewTicker(q.poll)
	defer t.Stop()
	for {
		q.mu.Lock()
		n, failed := len(q.items), q.failed
		q.failed = nil
		q.mu.Unlock()

		if failed != nil {
			return failed
		}
		if n == 0 {
			// let a step that is still running finish
			q.run.Lock()
			q.run.Unlock()
			q.mu.Lock()
			failed = q.failed
			q.failed = nil
			q.mu.Unlock()
			return failed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
