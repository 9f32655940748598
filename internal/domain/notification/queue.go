package notification

import (
	"container/heap"
	"fmt"
	"time"
)

// QueuePolicy selects how the holding structure orders pending work.
type QueuePolicy string

const (
	// PolicyDue orders items by due time, then arrival. Ready items are never
	// blocked behind items that are not yet due.
	PolicyDue QueuePolicy = "due"

	// PolicyFIFO processes items in strict arrival order. A head item that is
	// not yet due stays at the head and holds back everything behind it.
	PolicyFIFO QueuePolicy = "fifo"
)

// ParseQueuePolicy validates a configured policy name.
func ParseQueuePolicy(s string) (QueuePolicy, error) {
	switch QueuePolicy(s) {
	case PolicyDue, PolicyFIFO:
		return QueuePolicy(s), nil
	case "":
		return PolicyDue, nil
	}
	return "", fmt.Errorf("unsupported queue policy: %q", s)
}

// queueItem references a delivery record waiting for dispatch.
type queueItem struct {
	ID    string
	DueAt time.Time
	seq   uint64
}

// popResult describes what the head of the holding structure yielded.
type popResult int

const (
	popEmpty popResult = iota
	popNotDue
	popReady
)

// holdingQueue is the structure the dispatch loop drains. It is not safe for
// concurrent use; the Dispatcher serializes access.
type holdingQueue interface {
	push(item queueItem)
	// pop removes and returns the next item if it is due at now.
	// A head item that is not due stays where it is.
	pop(now time.Time) (queueItem, popResult)
	len() int
}

func newHoldingQueue(policy QueuePolicy) holdingQueue {
	if policy == PolicyFIFO {
		return &fifoQueue{}
	}
	return &dueQueue{}
}

// fifoQueue is a plain arrival-ordered slice.
type fifoQueue struct {
	items []queueItem
}

func (q *fifoQueue) push(item queueItem) {
	q.items = append(q.items, item)
}

func (q *fifoQueue) pop(now time.Time) (queueItem, popResult) {
	if len(q.items) == 0 {
		return queueItem{}, popEmpty
	}
	head := q.items[0]
	if head.DueAt.After(now) {
		return queueItem{}, popNotDue
	}
	q.items[0] = queueItem{}
	q.items = q.items[1:]
	return head, popReady
}

func (q *fifoQueue) len() int {
	return len(q.items)
}

// dueQueue is a min-heap keyed by (DueAt, seq).
type dueQueue struct {
	h itemHeap
}

func (q *dueQueue) push(item queueItem) {
	heap.Push(&q.h, item)
}

func (q *dueQueue) pop(now time.Time) (queueItem, popResult) {
	if len(q.h) == 0 {
		return queueItem{}, popEmpty
	}
	if q.h[0].DueAt.After(now) {
		return queueItem{}, popNotDue
	}
	return heap.Pop(&q.h).(queueItem), popReady
}

func (q *dueQueue) len() int {
	return len(q.h)
}

type itemHeap []queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].DueAt.Equal(h[j].DueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].DueAt.Before(h[j].DueAt)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
