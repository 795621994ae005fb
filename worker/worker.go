package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/procmesh/logging"
	"github.com/GriffinCanCode/procmesh/metrics"
	"github.com/GriffinCanCode/procmesh/queue"
)

// DefaultPollTimeout bounds each input dequeue so the worker can
// periodically re-evaluate preflight checks and termination requests.
const DefaultPollTimeout = time.Second

// Options configure a worker.
type Options struct {
	// PollTimeout bounds each blocking dequeue. Non-positive selects
	// DefaultPollTimeout.
	PollTimeout time.Duration

	// ForwardStop makes the worker forward the stop sentinel to every
	// output queue when it consumes one. Standalone workers keep this
	// on so downstream consumers also shut down; pool-owned workers
	// have it off because their manager propagates the stop only after
	// every sibling has drained, so late results are never overtaken
	// by a stop signal.
	ForwardStop bool

	// Logger receives lifecycle and per-item failure events. Nil means
	// no logging.
	Logger *logging.Logger

	// Metrics receives per-item counters when non-nil.
	Metrics *metrics.Metrics

	// Throttle paces item processing when non-nil. Each dequeued item
	// waits for a token before the inflight check runs.
	Throttle *rate.Limiter
}

// Worker runs the item-processing state machine. It consumes from
// exactly one input queue and produces to zero or more output queues.
type Worker struct {
	name    string
	handler Handler
	input   *queue.Queue
	outputs []*queue.Queue

	pollTimeout time.Duration
	forwardStop bool
	log         *logging.Logger
	met         *metrics.Metrics
	throttle    *rate.Limiter

	state      atomic.Int32
	retired    atomic.Bool
	startedAt  atomic.Int64 // unix nanos, 0 until Run
	lastActive atomic.Int64 // unix nanos of last dequeued item

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	rr int // round-robin cursor over outputs
}

// New creates a worker bound to the given queues. Run must be invoked
// exactly once, typically on its own goroutine.
func New(name string, h Handler, input *queue.Queue, outputs []*queue.Queue, opts Options) *Worker {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		name:        name,
		handler:     h,
		input:       input,
		outputs:     outputs,
		pollTimeout: opts.PollTimeout,
		forwardStop: opts.ForwardStop,
		log:         opts.Logger,
		met:         opts.Metrics,
		throttle:    opts.Throttle,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Done is closed once the worker reaches a terminal state.
func (w *Worker) Done() <-chan struct{} { return w.done }

// StartedAt returns when Run began, or the zero time before that.
func (w *Worker) StartedAt() time.Time { return nanosToTime(w.startedAt.Load()) }

// LastActive returns when the worker last dequeued an item. Before any
// item arrives it equals StartedAt.
func (w *Worker) LastActive() time.Time { return nanosToTime(w.lastActive.Load()) }

// Run executes the lifecycle state machine and returns once the worker
// reaches a terminal state.
func (w *Worker) Run() {
	defer close(w.done)

	if !w.transition(StateNew, StatePoweringOn) {
		return // terminated before startup
	}

	now := time.Now().UnixNano()
	w.startedAt.Store(now)
	w.lastActive.Store(now)

	if !w.guard("poweron", func() bool { return w.handler.PowerOn(w.ctx) }) {
		// Startup abort: stopped without ever running. Not fatal to
		// the pool, which simply has one fewer live worker. The CAS
		// keeps a concurrent Terminate absorbing.
		if w.transition(StatePoweringOn, StateStopped) {
			w.log.Warn("worker aborted during poweron checks", zap.String("worker", w.name))
		}
		return
	}

	if !w.transition(StatePoweringOn, StateRunning) {
		return
	}

	w.log.Debug("worker running", zap.String("worker", w.name))
	w.loop()

	if !w.transition(StateRunning, StatePoweringOff) {
		w.log.Debug("worker terminated", zap.String("worker", w.name))
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("worker poweroff checks panicked",
					zap.String("worker", w.name), zap.Any("panic", r))
			}
		}()
		w.handler.PowerOff(w.ctx)
	}()

	if w.transition(StatePoweringOff, StateStopped) {
		w.log.Debug("worker stopped", zap.String("worker", w.name))
	}
}

// Terminate forces the worker into the terminated state from any
// non-stopped state, skipping remaining queue items and the poweroff
// checks. Safe to call multiple times and from any goroutine.
func (w *Worker) Terminate() {
	for {
		s := w.State()
		if s.Final() {
			return
		}
		if w.state.CompareAndSwap(int32(s), int32(StateTerminated)) {
			w.cancel()
			return
		}
	}
}

// Retire asks the worker to exit its loop at the next preflight
// evaluation without consuming further items. Used by the autoscaler
// for graceful scale-down.
func (w *Worker) Retire() {
	w.retired.Store(true)
}

// Retired reports whether the worker was asked to retire.
func (w *Worker) Retired() bool { return w.retired.Load() }

func (w *Worker) loop() {
	for w.State() == StateRunning {
		if w.retired.Load() {
			w.log.Debug("worker retiring", zap.String("worker", w.name))
			return
		}
		if !w.guard("preflight", func() bool { return w.handler.Preflight(w.ctx) }) {
			return
		}

		item, err := w.input.Get(w.ctx, w.pollTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrTimeout) {
				// Not an error: re-enter the loop so preflight and
				// termination requests get re-evaluated.
				continue
			}
			return // context canceled by Terminate
		}

		w.lastActive.Store(time.Now().UnixNano())

		if queue.IsStopSignal(item) {
			w.log.Debug("worker consumed stop signal", zap.String("worker", w.name))
			if w.forwardStop {
				for _, out := range w.outputs {
					out.PutStopSignal()
				}
			}
			return
		}

		if w.met != nil {
			w.met.ItemsConsumed.Inc()
		}

		if w.throttle != nil {
			if err := w.throttle.Wait(w.ctx); err != nil {
				return
			}
		}

		if !w.guard("inflight", func() bool { return w.handler.Inflight(w.ctx, item) }) {
			w.filtered("inflight", item)
			continue
		}

		result, err := w.process(item)
		if err != nil {
			if w.met != nil {
				w.met.TransformErrors.Inc()
			}
			w.log.Error("transform failed, item skipped",
				zap.String("worker", w.name), zap.Error(err))
			continue
		}

		if !w.guard("postflight", func() bool { return w.handler.Postflight(w.ctx, result) }) {
			w.filtered("postflight", result)
			continue
		}

		w.emit(result)
	}
}

// process invokes the transform with panic isolation: a panicking
// transform is recovered and reported as a per-item error.
func (w *Worker) process(item any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panic: %v", r)
		}
	}()

	start := time.Now()
	result, err = w.handler.Process(w.ctx, item)
	if w.met != nil {
		w.met.TransformLatency.Observe(time.Since(start).Seconds())
	}
	return result, err
}

// emit distributes a result round-robin across the output queues, one
// queue per turn. With no output queues the result is discarded.
func (w *Worker) emit(result any) {
	if len(w.outputs) == 0 {
		return
	}

	out := w.outputs[w.rr%len(w.outputs)]
	w.rr++

	if err := out.Put(result); err != nil {
		w.log.Warn("result dropped, output queue unavailable",
			zap.String("worker", w.name),
			zap.String("queue", out.ID()),
			zap.Error(err))
		return
	}
	if w.met != nil {
		w.met.ItemsProduced.Inc()
	}
}

func (w *Worker) filtered(hook string, item any) {
	if w.met != nil {
		w.met.ItemsFiltered.Inc()
	}
	w.log.Debug("item filtered",
		zap.String("worker", w.name),
		zap.String("hook", hook),
		zap.Any("item", item))
}

// guard runs a predicate hook with panic isolation. A panicking hook is
// treated as having returned false, which maps to the hook's fail-fast
// contract: poweron/preflight abort gracefully, inflight/postflight
// filter the item.
func (w *Worker) guard(hook string, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			w.log.Error("worker hook panicked",
				zap.String("worker", w.name),
				zap.String("hook", hook),
				zap.Any("panic", r))
		}
	}()
	return fn()
}

func (w *Worker) transition(from, to State) bool {
	return w.state.CompareAndSwap(int32(from), int32(to))
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
