// Package invoke drives the user-supplied agent callback and coerces
// whatever it produces into the canonical event sequence consumed by the run
// state machine. The producer shape is declared once at construction; at run
// time the invoker pulls items, classifies them and pushes events into a
// bounded channel so a slow consumer applies backpressure to exactly one
// run.
package invoke

import (
	"context"
	"fmt"
	"iter"

	"github.com/google/uuid"

	"goa.design/agentbridge/event"
	"goa.design/agentbridge/protocol"
)

type (
	// SingleFunc is a one-shot agent callback: it returns its complete
	// output in one value.
	SingleFunc func(ctx context.Context, req *protocol.Request) (any, error)

	// IterFunc is a pull-style streaming callback. The invoker stops
	// pulling at the first non-nil error.
	IterFunc func(ctx context.Context, req *protocol.Request) iter.Seq2[any, error]

	// PushFunc is a push-style streaming callback: it emits items through
	// the supplied function and returns when the run is complete. A
	// non-nil error from emit means the run was canceled and the callback
	// should return promptly.
	PushFunc func(ctx context.Context, req *protocol.Request, emit func(any) error) error

	// Invoker adapts one agent callback, of whichever shape, to the
	// canonical event sequence contract. An Invoker is immutable and
	// serves any number of concurrent runs.
	Invoker struct {
		single SingleFunc
		iter   IterFunc
		push   PushFunc
		buffer int
	}

	// Option configures an Invoker.
	Option func(*Invoker)
)

const (
	// CodeUnsupportedItem is the error code of the terminal event emitted
	// when a callback produces a value the classifier cannot interpret.
	CodeUnsupportedItem = "UNSUPPORTED_ITEM"

	// CodePanic is the error code of the terminal event emitted when a
	// callback panics.
	CodePanic = "PANIC"

	// defaultBuffer bounds the per-run handoff channel.
	defaultBuffer = 16
)

// WithBuffer overrides the capacity of the per-run event channel.
func WithBuffer(n int) Option {
	return func(inv *Invoker) {
		if n > 0 {
			inv.buffer = n
		}
	}
}

// Single returns an Invoker for a one-shot callback.
func Single(fn SingleFunc, opts ...Option) *Invoker {
	return newInvoker(&Invoker{single: fn}, opts)
}

// Iter returns an Invoker for a pull-style streaming callback.
func Iter(fn IterFunc, opts ...Option) *Invoker {
	return newInvoker(&Invoker{iter: fn}, opts)
}

// Push returns an Invoker for a push-style streaming callback.
func Push(fn PushFunc, opts ...Option) *Invoker {
	return newInvoker(&Invoker{push: fn}, opts)
}

func newInvoker(inv *Invoker, opts []Option) *Invoker {
	inv.buffer = defaultBuffer
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke runs the callback for one request and returns the channel carrying
// its canonical events. The channel is closed when the callback completes,
// errs or the context is canceled; on failure the last event before close is
// a single terminal ERROR. The callback runs on its own goroutine so a
// blocking callback stalls only its own run.
func (inv *Invoker) Invoke(ctx context.Context, req *protocol.Request) <-chan event.Event {
	out := make(chan event.Event, inv.buffer)
	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				ev := event.Error(fmt.Sprintf("agent panicked: %v", r), CodePanic)
				send(ctx, out, ev)
			}
		}()
		inv.run(ctx, req, out)
	}()
	return out
}

// Collect runs the callback to completion and returns every event it
// produced, in order. It is the non-stream counterpart of Invoke.
func (inv *Invoker) Collect(ctx context.Context, req *protocol.Request) []event.Event {
	var evs []event.Event
	for ev := range inv.Invoke(ctx, req) {
		evs = append(evs, ev)
	}
	return evs
}

func (inv *Invoker) run(ctx context.Context, req *protocol.Request, out chan<- event.Event) {
	switch {
	case inv.single != nil:
		v, err := inv.single(ctx, req)
		if err != nil {
			send(ctx, out, event.FromError(err))
			return
		}
		emitItem(ctx, out, v)
	case inv.iter != nil:
		for v, err := range inv.iter(ctx, req) {
			if err != nil {
				send(ctx, out, event.FromError(err))
				return
			}
			if !emitItem(ctx, out, v) {
				return
			}
		}
	case inv.push != nil:
		err := inv.push(ctx, req, func(v any) error {
			if !emitItem(ctx, out, v) {
				return context.Cause(ctx)
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			send(ctx, out, event.FromError(err))
		}
	}
}

// emitItem classifies one produced item and pushes the resulting events. It
// returns false when the run must stop, either because the context was
// canceled or because the item was unsupported and a terminal ERROR was
// emitted.
func emitItem(ctx context.Context, out chan<- event.Event, item any) bool {
	switch v := item.(type) {
	case nil:
		return true
	case string:
		if v == "" {
			return true
		}
		return send(ctx, out, event.Text(v))
	case event.Event:
		return send(ctx, out, normalize(v))
	case *event.Event:
		if v == nil {
			return true
		}
		return send(ctx, out, normalize(*v))
	case []event.Event:
		for _, ev := range v {
			if !send(ctx, out, normalize(ev)) {
				return false
			}
		}
		return true
	case []string:
		for _, s := range v {
			if !emitItem(ctx, out, s) {
				return false
			}
		}
		return true
	case []any:
		for _, it := range v {
			if !emitItem(ctx, out, it) {
				return false
			}
		}
		return true
	default:
		msg := fmt.Sprintf("agent produced unsupported item of type %T", item)
		send(ctx, out, event.Error(msg, CodeUnsupportedItem))
		return false
	}
}

// normalize rewrites a complete TOOL_CALL into the single chunk form so
// downstream components only ever see chunked tool calls.
func normalize(ev event.Event) event.Event {
	if ev.Kind != event.KindToolCall {
		return ev
	}
	id := ev.ToolCallID
	if id == "" {
		id = uuid.NewString()
	}
	chunk := event.ToolCallChunk(id, ev.ToolName, ev.Args)
	chunk.Addition, chunk.AdditionPolicy = ev.Addition, ev.AdditionPolicy
	return chunk
}

func send(ctx context.Context, out chan<- event.Event, ev event.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
