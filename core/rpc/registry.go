// Package rpc is the capability-scoped call surface a worker (or the
// supervisor) exposes to its peers.
//
// A [Registry] holds named procedures with typed arguments and results, and
// property readers addressed by dotted paths. Evaluating arbitrary Go source
// is possible only when the registry was created with [WithUnsafeScripts].
//
//	reg := rpc.NewRegistry()
//	rpc.Handle(reg, "guilds.count", func(ctx context.Context, _ struct{}) (int, error) {
//	    return len(bot.Guilds()), nil
//	})
//	reg.Property("stats", func(ctx context.Context) (any, error) { return bot.Stats(), nil })
//
// A call for property "stats.ping" reads the "ping" field of the value the
// "stats" reader returns.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/codewandler/shardvisor/core/protocol"
)

var (
	ErrUnknownProcedure = errors.New("unknown procedure")
	ErrUnknownProperty  = errors.New("unknown property")
	ErrScriptsDisabled  = errors.New("script evaluation disabled")
	ErrInvalidCall      = errors.New("invalid call")
)

type (
	// HandlerFunc handles a raw procedure call.
	HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

	// PropertyFunc returns the current value of a property.
	PropertyFunc func(ctx context.Context) (any, error)

	Option func(*Registry)

	Registry struct {
		log *slog.Logger

		mu     sync.RWMutex
		procs  map[string]HandlerFunc
		props  map[string]PropertyFunc
		script ScriptEvaluator
	}
)

func WithLog(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithUnsafeScripts enables evaluation of Go source sent by peers. The
// source runs inside this process with access to the standard library.
func WithUnsafeScripts() Option {
	return func(r *Registry) { r.script = NewYaegiEvaluator() }
}

// WithScriptEvaluator installs a custom evaluator for script calls.
func WithScriptEvaluator(e ScriptEvaluator) Option {
	return func(r *Registry) { r.script = e }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:   slog.Default(),
		procs: make(map[string]HandlerFunc),
		props: make(map[string]PropertyFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(slog.String("component", "rpc"))
	return r
}

// Register adds a raw procedure, replacing any procedure with the same name.
func (r *Registry) Register(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[name] = h
}

// Handle registers a typed procedure. Arguments are decoded from JSON into
// IN; an absent argument yields IN's zero value.
func Handle[IN any, OUT any](r *Registry, name string, fn func(ctx context.Context, in IN) (OUT, error)) {
	r.Register(name, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in IN
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("%w: decode args for %s: %v", ErrInvalidCall, name, err)
			}
		}
		return fn(ctx, in)
	})
}

// Property registers a reader for path.
func (r *Registry) Property(path string, fn PropertyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.props[path] = fn
}

// Value registers a property returning a fixed value.
func (r *Registry) Value(path string, v any) {
	r.Property(path, func(context.Context) (any, error) { return v, nil })
}

// Procedures lists the registered procedure names in order.
func (r *Registry) Procedures() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.procs))
	for n := range r.procs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke dispatches call and returns its JSON encoded result.
func (r *Registry) Invoke(ctx context.Context, call protocol.Call) (json.RawMessage, error) {
	if err := call.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}

	var (
		out any
		err error
	)
	switch {
	case call.Procedure != "":
		out, err = r.invokeProcedure(ctx, call.Procedure, call.Args)
	case call.Property != "":
		out, err = r.readProperty(ctx, call.Property)
	default:
		out, err = r.evalScript(ctx, call.Script, call.Args)
	}
	if err != nil {
		r.log.Debug("call failed", slog.String("call", call.String()), slog.Any("error", err))
		return nil, err
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result of %s: %w", call, err)
	}
	return b, nil
}

func (r *Registry) invokeProcedure(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	h, ok := r.procs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcedure, name)
	}
	return h(ctx, args)
}

// readProperty resolves the longest registered prefix of path and walks the
// remaining segments through the JSON form of its value.
func (r *Registry) readProperty(ctx context.Context, path string) (any, error) {
	segs := strings.Split(path, ".")

	r.mu.RLock()
	var (
		fn   PropertyFunc
		rest []string
	)
	for i := len(segs); i > 0; i-- {
		if f, ok := r.props[strings.Join(segs[:i], ".")]; ok {
			fn, rest = f, segs[i:]
			break
		}
	}
	r.mu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProperty, path)
	}
	v, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if len(rest) == 0 {
		return v, nil
	}
	return walk(v, rest, path)
}

func walk(v any, segs []string, path string) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var cur any
	if err := json.Unmarshal(b, &cur); err != nil {
		return nil, err
	}
	for _, seg := range segs {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownProperty, path)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownProperty, path)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownProperty, path)
		}
	}
	return cur, nil
}

func (r *Registry) evalScript(ctx context.Context, src string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	ev := r.script
	r.mu.RUnlock()
	if ev == nil {
		return nil, ErrScriptsDisabled
	}
	r.log.Warn("evaluating script", slog.Int("size", len(src)))
	return ev.Eval(ctx, src, args)
}
