package buildtree

import "container/heap"

// workHeap orders items by descending priority, then by registration order.
type workHeap []*WorkItem

var _ heap.Interface = (*workHeap)(nil)

func (h workHeap) Len() int { return len(h) }

func (h workHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h workHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *workHeap) Push(x any) {
	*h = append(*h, x.(*WorkItem))
}

func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // allow GC
	*h = old[:n-1]
	return it
}

// workQueue is the pending-work collection: O(log n) push and pop-max.
type workQueue struct {
	h workHeap
}

func (q *workQueue) Len() int { return q.h.Len() }

func (q *workQueue) push(it *WorkItem) { heap.Push(&q.h, it) }

// pop removes and returns the most urgent item, or nil when empty.
func (q *workQueue) pop() *WorkItem {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*WorkItem)
}

func (q *workQueue) peek() *WorkItem {
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0]
}

// clear drops every item and returns how many were discarded.
func (q *workQueue) clear() int {
	n := q.h.Len()
	clear(q.h)
	q.h = q.h[:0]
	return n
}
