package worker

import "context"

// Handler is the capability contract a concrete worker implements. Every
// method has a permissive default through Base; embed Base and override
// only what the worker needs.
type Handler interface {
	// PowerOn runs before the main loop. Returning false aborts the
	// worker, which stops without ever entering the running state.
	PowerOn(ctx context.Context) bool

	// PowerOff runs after the main loop exits gracefully. It is
	// observational and cannot block the transition to stopped.
	PowerOff(ctx context.Context)

	// Preflight runs at the top of every loop iteration. Returning
	// false exits the loop without consuming further items.
	Preflight(ctx context.Context) bool

	// Inflight filters a dequeued item. Returning false drops the item
	// without invoking Process.
	Inflight(ctx context.Context, item any) bool

	// Process transforms one item. An error (or panic) is isolated to
	// that item: it is logged and the worker moves on.
	Process(ctx context.Context, item any) (any, error)

	// Postflight filters a produced result. Returning false drops the
	// result before distribution.
	Postflight(ctx context.Context, result any) bool
}

// Base provides the permissive defaults for every hook.
type Base struct{}

func (Base) PowerOn(context.Context) bool         { return true }
func (Base) PowerOff(context.Context)             {}
func (Base) Preflight(context.Context) bool       { return true }
func (Base) Inflight(context.Context, any) bool   { return true }
func (Base) Postflight(context.Context, any) bool { return true }

// Process passes the item through unchanged.
func (Base) Process(_ context.Context, item any) (any, error) { return item, nil }

type funcHandler struct {
	Base
	fn func(ctx context.Context, item any) (any, error)
}

func (h *funcHandler) Process(ctx context.Context, item any) (any, error) {
	return h.fn(ctx, item)
}

// NewFunc adapts a plain transform function into a Handler with default
// hooks, for workers whose only behavior is the transform itself.
func NewFunc(fn func(ctx context.Context, item any) (any, error)) Handler {
	return &funcHandler{fn: fn}
}
