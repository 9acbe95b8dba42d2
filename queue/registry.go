package queue

import (
	"sync"
	"time"
)

// Registry hands out named queues, creating and starting them lazily. It is
// constructed once and injected; there is no package-level instance.
type Registry struct {
	// Gate and BackoffMax are applied to every queue the registry creates.
	Gate       *ResourceGate
	BackoffMax time.Duration

	defaultWorkers int

	mu     sync.Mutex
	queues map[string]*Queue
}

func NewRegistry(defaultWorkers int) *Registry {
	if defaultWorkers <= 0 {
		defaultWorkers = 4
	}
	return &Registry{
		defaultWorkers: defaultWorkers,
		queues:         make(map[string]*Queue),
	}
}

// Get returns the queue with the given name, creating and starting it with
// workers slots on first use. workers <= 0 falls back to the registry default.
func (r *Registry) Get(name string, workers int) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[name]; ok {
		return q
	}
	if workers <= 0 {
		workers = r.defaultWorkers
	}
	q := New(name, workers)
	q.Gate = r.Gate
	q.BackoffMax = r.BackoffMax
	q.Start()
	r.queues[name] = q
	return q
}

// Stats returns per-queue counts keyed by queue name.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	out := make(map[string]Stats, len(queues))
	for _, q := range queues {
		out[q.Name] = q.Stats()
	}
	return out
}

// Shutdown stops every queue.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.queues = make(map[string]*Queue)
	r.mu.Unlock()

	for _, q := range queues {
		q.Stop()
	}
}
