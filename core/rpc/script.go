package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// ScriptEvaluator runs source code sent by a peer.
type ScriptEvaluator interface {
	Eval(ctx context.Context, src string, args json.RawMessage) (any, error)
}

// YaegiEvaluator interprets Go source with yaegi. Two forms are accepted:
//
//   - an expression such as `strings.ToUpper("a")`, whose value is the result
//   - a `package main` program defining `func Run(args string) (string, error)`,
//     called with the raw JSON arguments; its result must be JSON
type YaegiEvaluator struct{}

func NewYaegiEvaluator() *YaegiEvaluator { return &YaegiEvaluator{} }

func (YaegiEvaluator) Eval(ctx context.Context, src string, args json.RawMessage) (any, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib: %w", err)
	}

	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("script panic: %v", r)}
			}
		}()

		if !strings.HasPrefix(strings.TrimSpace(src), "package ") {
			res, err := i.EvalWithContext(ctx, src)
			if err != nil {
				done <- outcome{err: fmt.Errorf("eval: %w", err)}
				return
			}
			if !res.IsValid() || !res.CanInterface() {
				done <- outcome{}
				return
			}
			done <- outcome{v: res.Interface()}
			return
		}

		if _, err := i.EvalWithContext(ctx, src); err != nil {
			done <- outcome{err: fmt.Errorf("eval: %w", err)}
			return
		}
		fn, err := i.Eval("main.Run")
		if err != nil {
			done <- outcome{err: fmt.Errorf("function Run not found: %w", err)}
			return
		}
		run, ok := fn.Interface().(func(string) (string, error))
		if !ok {
			done <- outcome{err: fmt.Errorf("function Run has signature %s, want func(string) (string, error)", fn.Type())}
			return
		}
		out, err := run(string(args))
		if err != nil {
			done <- outcome{err: err}
			return
		}
		if !json.Valid([]byte(out)) {
			done <- outcome{v: out}
			return
		}
		done <- outcome{v: json.RawMessage(out)}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("script: %w", ctx.Err())
	}
}
