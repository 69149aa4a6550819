package runloop

import (
	"container/heap"
	"sync"
	"time"
)

// immediateHeap is a max-heap over (priority desc, created_at asc).
type immediateHeap []*Task

func (h immediateHeap) Len() int { return len(h) }

func (h immediateHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h immediateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *immediateHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *immediateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayedHeap is a min-heap over ScheduledAt.
type delayedHeap []*Task

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	return h[i].ScheduledAt.Before(*h[j].ScheduledAt)
}

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// TaskQueue is the two-level priority queue that holds tasks between
// injection and dispatch: an immediate max-priority heap and a delayed
// min-heap keyed on ScheduledAt. All mutations serialize through a single
// mutex; promotion runs on every poll.
type TaskQueue struct {
	mu                sync.Mutex
	immediate         immediateHeap
	delayed           delayedHeap
	immediateCapacity int
	delayedCapacity   int
}

// NewTaskQueue creates a queue bounded by immediateCapacity and
// delayedCapacity. A capacity of 0 means unbounded.
func NewTaskQueue(immediateCapacity, delayedCapacity int) *TaskQueue {
	q := &TaskQueue{
		immediateCapacity: immediateCapacity,
		delayedCapacity:   delayedCapacity,
	}
	heap.Init(&q.immediate)
	heap.Init(&q.delayed)
	return q
}

// Enqueue pushes a ready task onto the immediate heap or a not-yet-ready
// task onto the delayed heap, depending on Task.IsReady.
func (q *TaskQueue) Enqueue(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.IsReady() {
		if q.immediateCapacity > 0 && len(q.immediate) >= q.immediateCapacity {
			return ErrQueueFull
		}
		heap.Push(&q.immediate, t)
		return nil
	}

	if q.delayedCapacity > 0 && len(q.delayed) >= q.delayedCapacity {
		return ErrDelayedQueueFull
	}
	heap.Push(&q.delayed, t)
	return nil
}

// promoteLocked moves every delayed task whose ScheduledAt has elapsed onto
// the immediate heap. Caller must hold q.mu.
func (q *TaskQueue) promoteLocked() int {
	now := time.Now()
	promoted := 0
	for len(q.delayed) > 0 && !q.delayed[0].ScheduledAt.After(now) {
		t := heap.Pop(&q.delayed).(*Task)
		heap.Push(&q.immediate, t)
		promoted++
	}
	return promoted
}

// Dequeue promotes any now-ready delayed entries, then pops the highest
// priority immediate task. Non-blocking; returns nil when empty.
func (q *TaskQueue) Dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteLocked()
	if len(q.immediate) == 0 {
		return nil
	}
	return heap.Pop(&q.immediate).(*Task)
}

// NextDelay returns the interval until the earliest ScheduledAt in the
// delayed heap, or (0, false) when it is empty.
func (q *TaskQueue) NextDelay() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.delayed) == 0 {
		return 0, false
	}
	d := time.Until(*q.delayed[0].ScheduledAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Len returns the total number of queued tasks (immediate + delayed).
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.immediate) + len(q.delayed)
}

// ImmediateLen returns the number of immediate tasks.
func (q *TaskQueue) ImmediateLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.immediate)
}

// DelayedLen returns the number of delayed tasks.
func (q *TaskQueue) DelayedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed)
}

// Clear empties both heaps.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.immediate = q.immediate[:0]
	q.delayed = q.delayed[:0]
}
