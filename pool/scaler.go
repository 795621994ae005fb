package pool

import (
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/procmesh/worker"
)

// runScaler is the autoscaling control loop: a P-controller sampling
// input queue occupancy and worker idleness on a fixed interval and
// adjusting the pool by at most one worker per tick, which bounds the
// rate of worker churn.
func (m *Manager) runScaler() {
	defer close(m.scalerDone)

	cfg := m.cfg.Autoscale
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	growth := 0

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		depth := m.input.Len()

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}

		alive := m.aliveWorkersLocked()
		n := len(alive)

		if m.met != nil {
			m.met.QueueDepth.Set(float64(depth))
			m.met.WorkersAlive.Set(float64(n))
		}

		overloaded := depth > 0 && (n == 0 || float64(depth) > cfg.HighWater*float64(n))

		switch {
		case overloaded:
			// Occupancy is high relative to the pool; require sustained
			// overload before spawning so transient bursts don't cause
			// thrash. An empty pool with a backlog is restaffed at once,
			// which recovers pools whose workers aborted at poweron.
			growth++
			if (growth >= cfg.SustainTicks || n == 0) && n < m.cfg.MaxWorkers {
				if w := m.spawnLocked(); w != nil {
					growth = 0
					if m.met != nil {
						m.met.ScaleUps.Inc()
					}
					m.log.Info("scaled up",
						zap.String("pool", m.name),
						zap.String("worker", w.Name()),
						zap.Int("workers", n+1),
						zap.Int("queue_depth", depth))
				}
			}
		case depth == 0 && nonRetired(alive) > m.cfg.MinWorkers:
			growth = 0
			if w := idlestWorker(alive, cfg.IdleAfter); w != nil {
				w.Retire()
				if m.met != nil {
					m.met.ScaleDowns.Inc()
				}
				m.log.Info("scaled down",
					zap.String("pool", m.name),
					zap.String("worker", w.Name()),
					zap.Int("workers", n-1))
			}
		default:
			growth = 0
		}
		m.mu.Unlock()
	}
}

// aliveWorkersLocked returns the non-final workers. Callers hold m.mu.
func (m *Manager) aliveWorkersLocked() []*worker.Worker {
	alive := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		if !w.State().Final() {
			alive = append(alive, w)
		}
	}
	return alive
}

// nonRetired counts workers not yet asked to retire. Retiring workers
// stay alive until they observe the request, so counting them toward a
// further scale-down could sink the pool below MinWorkers.
func nonRetired(workers []*worker.Worker) int {
	n := 0
	for _, w := range workers {
		if !w.Retired() {
			n++
		}
	}
	return n
}

// idlestWorker picks the running worker idle the longest, provided it
// has been idle at least idleAfter. Already-retired workers are skipped
// so one slow tick cannot retire two.
func idlestWorker(workers []*worker.Worker, idleAfter time.Duration) *worker.Worker {
	var best *worker.Worker
	for _, w := range workers {
		if w.Retired() || w.State() != worker.StateRunning {
			continue
		}
		if time.Since(w.LastActive()) < idleAfter {
			continue
		}
		if best == nil || w.LastActive().Before(best.LastActive()) {
			best = w
		}
	}
	return best
}
