package pool

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/procmesh/metrics"
	"github.com/GriffinCanCode/procmesh/queue"
	"github.com/GriffinCanCode/procmesh/worker"
)

// echoHandler passes items through unchanged.
func echoHandler() worker.Handler {
	return worker.NewFunc(func(_ context.Context, item any) (any, error) {
		return item, nil
	})
}

// upperHandler uppercases strings and filters everything else out.
type upperHandler struct {
	worker.Base
	transformed atomic.Int64
}

func (h *upperHandler) Inflight(_ context.Context, item any) bool {
	_, ok := item.(string)
	return ok
}

func (h *upperHandler) Process(_ context.Context, item any) (any, error) {
	h.transformed.Add(1)
	return strings.ToUpper(item.(string)), nil
}

func drainQueue(t *testing.T, q *queue.Queue) []any {
	t.Helper()
	var items []any
	for {
		item, err := q.Get(context.Background(), 2*time.Second)
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if queue.IsStopSignal(item) {
			return items
		}
		items = append(items, item)
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name:    "nil handler",
			cfg:     Config{},
			wantErr: ErrNilHandler,
		},
		{
			name:    "min above max",
			cfg:     Config{Handler: echoHandler(), MinWorkers: 8, MaxWorkers: 2},
			wantErr: ErrInvalidBounds,
		},
		{
			name:    "negative output queues",
			cfg:     Config{Handler: echoHandler(), OutputQueueCount: -1},
			wantErr: ErrNegativeQueues,
		},
		{
			name: "valid",
			cfg:  Config{Handler: echoHandler(), MinWorkers: 2, MaxWorkers: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, m.InputQueue())
			assert.Len(t, m.OutputQueues(), 1)
		})
	}
}

func TestStartIdempotent(t *testing.T) {
	m, err := New(Config{Name: "idem", Handler: echoHandler(), MinWorkers: 2, MaxWorkers: 4})
	require.NoError(t, err)

	m.Start()
	m.Start()
	m.Start()

	assert.Equal(t, 2, m.WorkerCount())
	assert.True(t, m.Running())

	m.PushStopSignal()
	require.NoError(t, m.Wait())
}

func TestPushAfterStopSignalRejected(t *testing.T) {
	m, err := New(Config{Name: "closed", Handler: echoHandler(), MinWorkers: 1, MaxWorkers: 1})
	require.NoError(t, err)
	m.Start()

	require.NoError(t, m.Push("ok"))
	m.PushStopSignal()

	assert.ErrorIs(t, m.Push("late"), queue.ErrQueueClosed)
	assert.ErrorIs(t, m.PushAll("a", "b"), queue.ErrQueueClosed)

	require.NoError(t, m.Wait())
}

func TestAllWorkersReachStopped(t *testing.T) {
	const workers = 4

	m, err := New(Config{
		Name:       "drain",
		Handler:    echoHandler(),
		MinWorkers: workers,
		MaxWorkers: workers,
	})
	require.NoError(t, err)
	m.Start()

	require.NoError(t, m.PushAll("a", "b", "c"))
	m.PushStopSignal()
	require.NoError(t, m.Wait())

	records := m.Records()
	require.Len(t, records, workers)
	for _, r := range records {
		assert.Equal(t, worker.StateStopped, r.State, "worker %s", r.Name)
		assert.False(t, r.StartedAt.IsZero())
	}
	assert.False(t, m.Running())
}

func TestEndToEndUppercase(t *testing.T) {
	h := &upperHandler{}
	m, err := New(Config{
		Name:        "upper",
		Handler:     h,
		MinWorkers:  2,
		MaxWorkers:  2,
		PollTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	m.Start()

	require.NoError(t, m.PushAll("hello", "world", 123, "pf", nil))
	m.PushStopSignal()
	require.NoError(t, m.Wait())

	out, err := m.OutputQueue(0)
	require.NoError(t, err)
	results := drainQueue(t, out)

	// Order across workers is not guaranteed, the set is.
	assert.ElementsMatch(t, []any{"HELLO", "WORLD", "PF"}, results)
	// Non-strings never reached the transform.
	assert.Equal(t, int64(3), h.transformed.Load())
}

func TestTransformFailuresStayIsolated(t *testing.T) {
	var calls atomic.Int64
	m, err := New(Config{
		Name: "faulty",
		Handler: worker.NewFunc(func(_ context.Context, item any) (any, error) {
			if calls.Add(1)%3 == 0 {
				return nil, errors.New("every third item fails")
			}
			return item, nil
		}),
		MinWorkers:  1,
		MaxWorkers:  1,
		PollTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	m.Start()

	for i := 0; i < 9; i++ {
		require.NoError(t, m.Push(i))
	}
	assert.True(t, m.Running())

	m.PushStopSignal()
	require.NoError(t, m.Wait())

	out, err := m.OutputQueue(0)
	require.NoError(t, err)
	assert.Len(t, drainQueue(t, out), 6)
}

func TestCascadingShutdown(t *testing.T) {
	a, err := New(Config{
		Name:        "stage-a",
		Handler:     echoHandler(),
		MinWorkers:  2,
		MaxWorkers:  2,
		PollTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	var processed atomic.Int64
	b, err := a.Chain(Config{
		Name: "stage-b",
		Handler: worker.NewFunc(func(_ context.Context, item any) (any, error) {
			processed.Add(1)
			return item, nil
		}),
		MinWorkers:  3,
		MaxWorkers:  3,
		PollTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	a.Start()
	b.Start()

	require.NoError(t, a.PushAll("x", "y", "z"))
	a.PushStopSignal()

	// Waiting on the head is enough: B stops without an explicit call.
	require.NoError(t, a.Wait())

	assert.False(t, a.Running())
	assert.False(t, b.Running())
	assert.Equal(t, int64(3), processed.Load())
	for _, r := range b.Records() {
		assert.Equal(t, worker.StateStopped, r.State)
	}
}

func TestDiamondDependencyWait(t *testing.T) {
	head, err := New(Config{
		Name:             "head",
		Handler:          echoHandler(),
		MinWorkers:       1,
		MaxWorkers:       1,
		OutputQueueCount: 2,
		PollTimeout:      20 * time.Millisecond,
	})
	require.NoError(t, err)

	leftIn, err := head.OutputQueue(0)
	require.NoError(t, err)
	rightIn, err := head.OutputQueue(1)
	require.NoError(t, err)

	left, err := New(Config{
		Name: "left", Handler: echoHandler(),
		MinWorkers: 1, MaxWorkers: 1,
		InputQueue: leftIn, Upstream: head,
		PollTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	right, err := New(Config{
		Name: "right", Handler: echoHandler(),
		MinWorkers: 1, MaxWorkers: 1,
		InputQueue: rightIn, Upstream: head,
		PollTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	var total atomic.Int64
	sink, err := New(Config{
		Name: "sink",
		Handler: worker.NewFunc(func(_ context.Context, item any) (any, error) {
			total.Add(1)
			return item, nil
		}),
		MinWorkers: 1, MaxWorkers: 1,
		InputQueue:     left.OutputQueues()[0],
		Upstream:       left,
		DiscardOutputs: true,
		PollTimeout:    20 * time.Millisecond,
	})
	require.NoError(t, err)

	// Second edge into the sink: right writes to the same input queue.
	right.outputs = []*queue.Queue{sink.InputQueue()}
	require.NoError(t, Link(right, sink))

	for _, m := range []*Manager{head, left, right, sink} {
		m.Start()
	}

	require.NoError(t, head.PushAll(1, 2, 3, 4))
	head.PushStopSignal()
	require.NoError(t, head.Wait())

	// Every manager in the diamond fully stopped, the sink only after
	// both branches drained, and nothing was lost on the way down.
	for _, m := range []*Manager{head, left, right, sink} {
		assert.False(t, m.Running(), m.Name())
	}
	assert.Equal(t, int64(4), total.Load())
}

func TestTerminateCascades(t *testing.T) {
	a, err := New(Config{
		Name:        "term-a",
		Handler:     echoHandler(),
		MinWorkers:  2,
		MaxWorkers:  2,
		PollTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	b, err := a.Chain(Config{
		Name:        "term-b",
		Handler:     echoHandler(),
		MinWorkers:  2,
		MaxWorkers:  2,
		PollTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	a.Start()
	b.Start()
	a.Terminate()

	assert.False(t, a.Running())
	assert.False(t, b.Running())
	for _, r := range append(a.Records(), b.Records()...) {
		assert.Equal(t, worker.StateTerminated, r.State)
	}

	// The input closes on terminate regardless of queue state.
	assert.ErrorIs(t, a.Push("late"), queue.ErrQueueClosed)
}

func TestCycleRejectedAtConstruction(t *testing.T) {
	a, err := New(Config{Name: "cyc-a", Handler: echoHandler()})
	require.NoError(t, err)
	b, err := a.Chain(Config{Name: "cyc-b", Handler: echoHandler()})
	require.NoError(t, err)
	c, err := b.Chain(Config{Name: "cyc-c", Handler: echoHandler()})
	require.NoError(t, err)

	assert.ErrorIs(t, Link(c, a), ErrCyclicDependency)
	assert.ErrorIs(t, Link(a, a), ErrCyclicDependency)

	// Re-linking an existing edge is harmless.
	assert.NoError(t, Link(a, b))

	// A fresh downstream manager cannot close a cycle, so construction
	// with an upstream edge succeeds.
	_, err = New(Config{
		Name:       "cyc-d",
		Handler:    echoHandler(),
		InputQueue: c.OutputQueues()[0],
		Upstream:   c,
	})
	assert.NoError(t, err)
}

func TestWaitBeforeStart(t *testing.T) {
	m, err := New(Config{Name: "never-started", Handler: echoHandler()})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Wait(), ErrNotStarted)
}

func TestChainWithoutOutputs(t *testing.T) {
	m, err := New(Config{
		Name:           "sink-only",
		Handler:        echoHandler(),
		DiscardOutputs: true,
	})
	require.NoError(t, err)
	assert.Empty(t, m.OutputQueues())

	_, err = m.Chain(Config{Handler: echoHandler()})
	assert.ErrorIs(t, err, ErrNoOutputQueues)
}

func TestOutputQueueBounds(t *testing.T) {
	m, err := New(Config{Handler: echoHandler(), OutputQueueCount: 2})
	require.NoError(t, err)

	_, err = m.OutputQueue(1)
	assert.NoError(t, err)
	_, err = m.OutputQueue(2)
	assert.ErrorIs(t, err, ErrNoOutputQueues)
	_, err = m.OutputQueue(-1)
	assert.ErrorIs(t, err, ErrNoOutputQueues)
}

func TestWaitReturnsWithFullOutputQueue(t *testing.T) {
	m, err := New(Config{
		Name:          "full-out",
		Handler:       echoHandler(),
		MinWorkers:    1,
		MaxWorkers:    1,
		QueueCapacity: 1,
		PollTimeout:   20 * time.Millisecond,
	})
	require.NoError(t, err)
	m.Start()

	require.NoError(t, m.Push("only"))
	m.PushStopSignal()

	// The single result fills the output queue and nobody drains it.
	// Wait must still return once the worker has stopped.
	done := make(chan error, 1)
	go func() { done <- m.Wait() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait blocked on a full output queue nobody drains")
	}

	// The sentinel was dropped but the queue is sealed, and the result
	// is still there for a late consumer.
	out, err := m.OutputQueue(0)
	require.NoError(t, err)
	assert.True(t, out.IsClosed())
	item, err := out.Get(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "only", item)
}

func TestGaugesTrackWithoutAutoscaler(t *testing.T) {
	met := metrics.New("gauges")
	release := make(chan struct{})

	m, err := New(Config{
		Name: "gauges",
		Handler: worker.NewFunc(func(ctx context.Context, item any) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return item, nil
		}),
		MinWorkers:     1,
		MaxWorkers:     1,
		DiscardOutputs: true,
		PollTimeout:    20 * time.Millisecond,
		Metrics:        met,
	})
	require.NoError(t, err)
	m.Start()

	assert.Equal(t, 1.0, testutil.ToFloat64(met.WorkersAlive))

	// The worker holds the first item, so the second is still queued
	// when the gauge is set.
	require.NoError(t, m.PushAll("a", "b"))
	assert.GreaterOrEqual(t, testutil.ToFloat64(met.QueueDepth), 1.0)

	close(release)
	m.PushStopSignal()
	require.NoError(t, m.Wait())
	assert.Equal(t, 0.0, testutil.ToFloat64(met.WorkersAlive))
}
