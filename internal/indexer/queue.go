package indexer

import (
	"container/heap"
	"time"
)

// Task is one unit of background index work.
type Task struct {
	ID         string
	Type       string
	Data       interface{}
	Priority   int
	CreatedAt  time.Time
	RetryCount int
	MaxRetries int

	seq uint64
}

// taskHeap orders by Priority (lower first), then submission order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// priorityQueue is a bounded taskHeap. Callers hold the indexer lock.
type priorityQueue struct {
	h     taskHeap
	limit int
	seq   uint64
}

func (q *priorityQueue) push(t *Task) bool {
	if q.limit > 0 && len(q.h) >= q.limit {
		return false
	}
	q.seq++
	t.seq = q.seq
	heap.Push(&q.h, t)
	return true
}

func (q *priorityQueue) pop() (*Task, bool) {
	if len(q.h) == 0 {
		return nil, false
	}
	return heap.Pop(&q.h).(*Task), true
}

func (q *priorityQueue) len() int { return len(q.h) }
