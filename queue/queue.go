package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// entry is a heap record pointing at an item. Items are re-enqueued with a
// fresh entry on retry, so the heap never needs in-place updates.
type entry struct {
	priority Priority
	seq      uint64
	itemID   string
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue runs submitted work on a fixed number of workers, ordered by priority
// with FIFO tie-break, retrying failures with exponential backoff. Backoff is
// a delayed re-enqueue, so a sleeping item never holds a concurrency slot.
type Queue struct {
	Name string

	// Gate, when set, is consulted before each execution. A rejection counts
	// as an execution failure and goes through the normal retry path.
	Gate *ResourceGate

	// BackoffMax caps the exponential retry delay. Zero means 5 minutes.
	BackoffMax time.Duration

	workers int

	mu      sync.Mutex
	cond    *sync.Cond
	heap    entryHeap
	items   map[string]*Item
	seq     uint64
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	concurrencySem chan struct{}

	backoffBase time.Duration
}

func New(name string, workers int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{
		Name:           name,
		workers:        workers,
		items:          make(map[string]*Item),
		concurrencySem: make(chan struct{}, workers),
		backoffBase:    time.Second,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start spawns the worker loops. No-op if already running.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	log.Printf("[queue:%s] started, workers=%d", q.Name, q.workers)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(ctx, i)
	}
}

// Stop cancels the workers and waits for them to exit. Safe to call more
// than once.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
	log.Printf("[queue:%s] stopped", q.Name)
}

// Submit enqueues fn and returns its handle immediately. maxRetries is the
// total attempt budget; callback, if non-nil, runs once the item is terminal.
func (q *Queue) Submit(fn Fn, priority Priority, maxRetries int, callback Callback, metadata map[string]string) *Item {
	if maxRetries < 1 {
		maxRetries = 1
	}
	it := &Item{
		ID:         shortuuid.New(),
		Priority:   priority,
		MaxRetries: maxRetries,
		Metadata:   metadata,
		fn:         fn,
		callback:   callback,
		status:     StatusPending,
		createdAt:  time.Now(),
	}

	q.mu.Lock()
	q.items[it.ID] = it
	q.push(it)
	q.mu.Unlock()

	return it
}

// push appends a heap entry for it. Caller holds q.mu.
func (q *Queue) push(it *Item) {
	q.seq++
	heap.Push(&q.heap, &entry{priority: it.Priority, seq: q.seq, itemID: it.ID})
	q.cond.Signal()
}

func (q *Queue) Get(itemID string) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[itemID]
	return it, ok
}

// Cancel marks a pending or running item cancelled. A cancelled pending item
// is discarded at dequeue; a running one finishes its call but the result is
// dropped.
func (q *Queue) Cancel(itemID string) bool {
	q.mu.Lock()
	it, ok := q.items[itemID]
	q.mu.Unlock()
	if !ok {
		return false
	}

	it.mu.Lock()
	defer it.mu.Unlock()
	if it.status != StatusPending && it.status != StatusRunning {
		return false
	}
	it.status = StatusCancelled
	it.completedAt = time.Now()
	return true
}

// Stats holds per-status item counts.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Stats derives counts by scanning the item table, so they always agree with
// individual handle states.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	items := make([]*Item, 0, len(q.items))
	for _, it := range q.items {
		items = append(items, it)
	}
	q.mu.Unlock()

	var s Stats
	for _, it := range items {
		switch it.Status() {
		case StatusPending:
			s.Pending++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

func (q *Queue) workerLoop(ctx context.Context, n int) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for q.running && q.heap.Len() == 0 {
			q.cond.Wait()
		}
		if !q.running {
			q.mu.Unlock()
			return
		}
		e := heap.Pop(&q.heap).(*entry)
		it := q.items[e.itemID]
		q.mu.Unlock()

		if it == nil || it.Status() == StatusCancelled {
			continue
		}

		select {
		case q.concurrencySem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		q.execute(ctx, it)
		<-q.concurrencySem
	}
}

func (q *Queue) execute(ctx context.Context, it *Item) {
	it.mu.Lock()
	if it.status == StatusCancelled {
		it.mu.Unlock()
		return
	}
	it.status = StatusRunning
	it.startedAt = time.Now()
	it.attempts++
	attempt := it.attempts
	it.mu.Unlock()

	log.Printf("[queue:%s] item %s started (attempt %d/%d)", q.Name, it.ID, attempt, it.MaxRetries)

	result, err := q.runItem(ctx, it)

	it.mu.Lock()
	if it.status == StatusCancelled {
		// Cancelled mid-flight: drop the result, keep the cancelled state.
		it.mu.Unlock()
		return
	}

	if err == nil {
		it.status = StatusCompleted
		it.result = result
		it.completedAt = time.Now()
		it.mu.Unlock()
		log.Printf("[queue:%s] item %s completed", q.Name, it.ID)
		q.runCallback(it)
		return
	}

	it.errMsg = err.Error()
	if attempt < it.MaxRetries {
		it.status = StatusPending
		it.mu.Unlock()
		delay := q.backoff(attempt)
		log.Printf("[queue:%s] item %s failed (attempt %d/%d), retrying in %s: %v",
			q.Name, it.ID, attempt, it.MaxRetries, delay, err)
		time.AfterFunc(delay, func() { q.requeue(it) })
		return
	}

	it.status = StatusFailed
	it.completedAt = time.Now()
	it.mu.Unlock()
	log.Printf("[queue:%s] item %s failed permanently: %v", q.Name, it.ID, err)
	q.runCallback(it)
}

func (q *Queue) runItem(ctx context.Context, it *Item) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if q.Gate != nil {
		if gateErr := q.Gate.Check(); gateErr != nil {
			return nil, fmt.Errorf("insufficient system resources: %w", gateErr)
		}
	}
	return it.fn(ctx)
}

func (q *Queue) runCallback(it *Item) {
	if it.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[queue:%s] callback for item %s panicked: %v", q.Name, it.ID, r)
		}
	}()
	it.callback(it)
}

func (q *Queue) requeue(it *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.Status() == StatusCancelled {
		return
	}
	q.push(it)
}

func (q *Queue) backoff(attempt int) time.Duration {
	max := q.BackoffMax
	if max <= 0 {
		max = 5 * time.Minute
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * q.backoffBase
	if d > max {
		return max
	}
	return d
}
