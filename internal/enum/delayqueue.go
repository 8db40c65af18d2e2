package enum

import (
	"container/heap"
	"time"
)

// delayedTask is one scheduled retry: fire fn no earlier than at.
type delayedTask struct {
	at time.Time
	fn func()
}

// delayQueue is a time-ordered min-heap of pending retries, drained by
// Engine.Tick on the single networking-executor goroutine rather than by
// spawning a goroutine+timer per retry (§5: all suspension points resume on
// that one goroutine).
type delayQueue struct {
	items delayQueueHeap
}

func newDelayQueue() *delayQueue {
	return &delayQueue{}
}

// Schedule enqueues fn to run at or after at.
func (q *delayQueue) Schedule(at time.Time, fn func()) {
	heap.Push(&q.items, delayedTask{at: at, fn: fn})
}

// Drain pops and runs every task due at or before now.
func (q *delayQueue) Drain(now time.Time) {
	for len(q.items) > 0 && !q.items[0].at.After(now) {
		task := heap.Pop(&q.items).(delayedTask)
		task.fn()
	}
}

// Len reports the number of pending tasks, for tests and diagnostics.
func (q *delayQueue) Len() int { return len(q.items) }

type delayQueueHeap []delayedTask

func (h delayQueueHeap) Len() int            { return len(h) }
func (h delayQueueHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h delayQueueHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayQueueHeap) Push(x interface{}) { *h = append(*h, x.(delayedTask)) }
func (h *delayQueueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
