package pool

import (
	"slices"
	"sync"
)

// Link records a dependency edge from producer to consumer, meaning the
// consumer's input queue is fed by the producer. Wait and Terminate
// traverse these edges so control of a whole pipeline flows from its
// head. An edge that would make the producer reachable from one of its
// own dependents is rejected with ErrCyclicDependency.
func Link(producer, consumer *Manager) error {
	if producer == consumer || reachable(consumer, producer, make(map[*Manager]struct{})) {
		return ErrCyclicDependency
	}

	producer.mu.Lock()
	if slices.Contains(producer.downstream, consumer) {
		producer.mu.Unlock()
		return nil
	}
	producer.downstream = append(producer.downstream, consumer)
	producer.mu.Unlock()

	consumer.mu.Lock()
	consumer.producers++
	consumer.mu.Unlock()
	return nil
}

// reachable walks the dependency graph depth-first, visiting each node
// once so diamond dependencies cannot loop the walk.
func reachable(from, target *Manager, visited map[*Manager]struct{}) bool {
	if from == target {
		return true
	}
	if _, seen := visited[from]; seen {
		return false
	}
	visited[from] = struct{}{}

	from.mu.Lock()
	downstream := slices.Clone(from.downstream)
	from.mu.Unlock()

	for _, d := range downstream {
		if reachable(d, target, visited) {
			return true
		}
	}
	return false
}

// visitSet tracks managers already handled by a cascading traversal.
// Concurrency-safe because Wait fans out across downstream branches.
type visitSet struct {
	mu   sync.Mutex
	seen map[*Manager]struct{}
}

func newVisitSet() *visitSet {
	return &visitSet{seen: make(map[*Manager]struct{})}
}

// visit returns true on the first visit of m.
func (v *visitSet) visit(m *Manager) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, seen := v.seen[m]; seen {
		return false
	}
	v.seen[m] = struct{}{}
	return true
}
