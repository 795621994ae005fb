package pool

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/procmesh/logging"
	"github.com/GriffinCanCode/procmesh/metrics"
	"github.com/GriffinCanCode/procmesh/queue"
	"github.com/GriffinCanCode/procmesh/worker"
)

// WorkerRecord is a point-in-time snapshot of one worker's bookkeeping.
type WorkerRecord struct {
	Name       string
	State      worker.State
	StartedAt  time.Time
	LastActive time.Time
}

// Manager owns a homogeneous set of workers, the queues they share, and
// the autoscaling and shutdown control logic.
type Manager struct {
	cfg  Config
	name string
	log  *logging.Logger
	met  *metrics.Metrics

	input   *queue.Queue
	outputs []*queue.Queue

	mu               sync.Mutex
	workers          []*worker.Worker
	seq              int
	started          bool
	closed           bool // stop signal pushed or terminate requested
	drained          bool // cascade already performed by Wait
	downstream       []*Manager
	producers        int // dependency edges in
	stoppedProducers int

	ctx        context.Context
	cancel     context.CancelFunc
	scalerDone chan struct{}
	stopScaler sync.Once
}

// New constructs a manager from the given configuration. It builds or
// adopts the input queue, builds the output queues, and records the
// dependency edge when the input queue was inherited from an upstream
// manager. Configuration errors are fatal here, never at runtime.
func New(cfg Config) (*Manager, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:  cfg,
		name: cfg.Name,
		log:  cfg.Logger,
		met:  cfg.Metrics,
	}

	if cfg.InputQueue != nil {
		m.input = cfg.InputQueue
	} else {
		m.input = queue.New(cfg.QueueCapacity)
	}

	if !cfg.DiscardOutputs {
		n := cfg.OutputQueueCount
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			m.outputs = append(m.outputs, queue.New(cfg.QueueCapacity))
		}
	}

	if cfg.Upstream != nil {
		if err := Link(cfg.Upstream, m); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Chain constructs a downstream manager consuming this manager's first
// output queue and records the dependency edge.
func (m *Manager) Chain(cfg Config) (*Manager, error) {
	m.mu.Lock()
	hasOutputs := len(m.outputs) > 0
	m.mu.Unlock()
	if !hasOutputs {
		return nil, fmt.Errorf("%s: %w", m.name, ErrNoOutputQueues)
	}

	cfg.InputQueue = m.outputs[0]
	cfg.Upstream = m
	return New(cfg)
}

// Start spawns MinWorkers workers bound to the shared queues and, when
// enabled, the autoscaling control loop. Calling Start on an already
// started manager is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for i := 0; i < m.cfg.MinWorkers; i++ {
		m.spawnLocked()
	}

	if m.cfg.Autoscale.Enabled {
		m.scalerDone = make(chan struct{})
		go m.runScaler()
	}

	m.log.Info("pool started",
		zap.String("pool", m.name),
		zap.Int("workers", len(m.workers)),
		zap.Bool("autoscale", m.cfg.Autoscale.Enabled))
}

// spawnLocked adds one worker up to MaxWorkers. Callers hold m.mu.
func (m *Manager) spawnLocked() *worker.Worker {
	if m.closed || m.aliveLocked() >= m.cfg.MaxWorkers {
		return nil
	}

	m.seq++
	w := worker.New(
		fmt.Sprintf("%s-worker-%d", m.name, m.seq),
		m.cfg.Handler,
		m.input,
		m.outputs,
		worker.Options{
			PollTimeout: m.cfg.PollTimeout,
			ForwardStop: false, // the manager cascades stop signals
			Logger:      m.log,
			Metrics:     m.met,
			Throttle:    m.cfg.Throttle,
		},
	)
	m.workers = append(m.workers, w)
	if m.met != nil {
		m.met.WorkersAlive.Set(float64(m.aliveLocked()))
	}
	go w.Run()
	return w
}

func (m *Manager) aliveLocked() int {
	return len(m.aliveWorkersLocked())
}

// Push enqueues one item on the input queue without blocking. It fails
// with queue.ErrQueueClosed once PushStopSignal has been called.
func (m *Manager) Push(item any) error {
	if err := m.input.Put(item); err != nil {
		return err
	}
	if m.met != nil {
		m.met.QueueDepth.Set(float64(m.input.Len()))
	}
	return nil
}

// PushAll enqueues items in order, stopping at the first failure.
func (m *Manager) PushAll(items ...any) error {
	for _, item := range items {
		if err := m.Push(item); err != nil {
			return err
		}
	}
	return nil
}

// PushStopSignal closes the input queue to further Push calls and
// enqueues exactly one stop signal per currently-alive worker, so every
// worker observes exactly one and none starves behind an unconsumed
// sentinel. Idempotent.
func (m *Manager) PushStopSignal() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	n := m.aliveLocked()
	m.mu.Unlock()

	m.input.Close()
	for i := 0; i < n; i++ {
		m.input.PutStopSignal()
	}

	m.log.Info("stop signal pushed",
		zap.String("pool", m.name),
		zap.Int("signals", n))
}

// Wait blocks until every owned worker has stopped, then cascades: each
// downstream dependent receives its stop signals once all of its
// producers have drained, and is waited on recursively. Each manager in
// the graph is visited exactly once even through diamond dependencies,
// so waiting on the head of a pipeline is enough.
func (m *Manager) Wait() error {
	return m.wait(newVisitSet())
}

func (m *Manager) wait(v *visitSet) error {
	if !v.visit(m) {
		return nil
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", m.name, ErrNotStarted)
	}
	m.mu.Unlock()

	m.waitWorkers()
	m.shutdownScaler()

	if m.met != nil {
		m.met.WorkersAlive.Set(0)
	}

	m.mu.Lock()
	first := !m.drained
	m.drained = true
	downstream := slices.Clone(m.downstream)
	m.mu.Unlock()

	if first {
		m.log.Info("pool drained", zap.String("pool", m.name))

		// Results are all enqueued by now, so stop signals sent
		// downstream cannot overtake them. Output queues without a
		// downstream manager get one end-of-stream sentinel for
		// whoever consumes them. The put must not block: a full queue
		// nobody drains would otherwise hang Wait after every worker
		// has already stopped, so the sentinel is dropped and the
		// close alone marks end-of-stream.
		for _, q := range m.outputs {
			if feedsManager(q, downstream) {
				continue
			}
			if !q.TryPutStopSignal() {
				m.log.Warn("end-of-stream sentinel dropped, output queue full",
					zap.String("pool", m.name),
					zap.String("queue", q.ID()))
			}
			q.Close()
		}
		for _, d := range downstream {
			d.producerStopped()
		}
	}

	g := new(errgroup.Group)
	for _, d := range downstream {
		d := d
		g.Go(func() error { return d.wait(v) })
	}
	return g.Wait()
}

// waitWorkers joins every worker, re-snapshotting in case the scaler
// spawned more while we were blocked.
func (m *Manager) waitWorkers() {
	for {
		m.mu.Lock()
		workers := slices.Clone(m.workers)
		m.mu.Unlock()

		for _, w := range workers {
			<-w.Done()
		}

		m.mu.Lock()
		done := len(m.workers) == len(workers)
		m.mu.Unlock()
		if done {
			return
		}
	}
}

// producerStopped records that one upstream pool has fully drained. The
// stop signal is pushed only once every producer has, which keeps a
// diamond-shaped pipeline from stopping a shared consumer while another
// branch is still feeding it.
func (m *Manager) producerStopped() {
	m.mu.Lock()
	m.stoppedProducers++
	ready := m.stoppedProducers >= m.producers
	m.mu.Unlock()

	if ready {
		m.PushStopSignal()
	}
}

// Terminate forces every owned worker into the terminated state,
// bypassing graceful draining, and recursively terminates downstream
// dependents. Unconsumed queue contents may be discarded.
func (m *Manager) Terminate() {
	m.terminate(newVisitSet())
}

func (m *Manager) terminate(v *visitSet) {
	if !v.visit(m) {
		return
	}

	m.mu.Lock()
	m.closed = true
	workers := slices.Clone(m.workers)
	downstream := slices.Clone(m.downstream)
	m.mu.Unlock()

	m.input.Close()
	m.shutdownScaler()

	for _, w := range workers {
		w.Terminate()
	}
	for _, w := range workers {
		<-w.Done()
	}
	if m.met != nil {
		m.met.WorkersAlive.Set(0)
	}

	m.log.Info("pool terminated",
		zap.String("pool", m.name),
		zap.Int("workers", len(workers)))

	for _, d := range downstream {
		d.terminate(v)
	}
}

func (m *Manager) shutdownScaler() {
	m.stopScaler.Do(func() {
		m.mu.Lock()
		cancel, done := m.cancel, m.scalerDone
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
	})
}

// InputQueue returns the manager's input queue.
func (m *Manager) InputQueue() *queue.Queue {
	return m.input
}

// OutputQueues returns the output queue handles so another manager or an
// external consumer can be wired downstream.
func (m *Manager) OutputQueues() []*queue.Queue {
	return slices.Clone(m.outputs)
}

// OutputQueue returns the i-th output queue.
func (m *Manager) OutputQueue(i int) (*queue.Queue, error) {
	if i < 0 || i >= len(m.outputs) {
		return nil, fmt.Errorf("%s: output queue %d: %w", m.name, i, ErrNoOutputQueues)
	}
	return m.outputs[i], nil
}

// Name returns the pool name.
func (m *Manager) Name() string { return m.name }

// Running reports whether the manager has started and at least one
// worker is alive.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && m.aliveLocked() > 0
}

// WorkerCount returns the number of currently-alive workers.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aliveLocked()
}

// Records returns a snapshot of per-worker bookkeeping.
func (m *Manager) Records() []WorkerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]WorkerRecord, 0, len(m.workers))
	for _, w := range m.workers {
		records = append(records, WorkerRecord{
			Name:       w.Name(),
			State:      w.State(),
			StartedAt:  w.StartedAt(),
			LastActive: w.LastActive(),
		})
	}
	return records
}

func feedsManager(q *queue.Queue, managers []*Manager) bool {
	for _, m := range managers {
		if m.input == q {
			return true
		}
	}
	return false
}
