package queue

import (
	"container/heap"

	"github.com/fileflow/fileflow/internal/task"
)

// item is one heap entry: a held task plus its heap index (maintained by
// container/heap for O(log n) removal).
type item struct {
	rec   task.TaskRecord
	index int
}

// priorityHeap orders by ascending Priority (0 highest), ties broken by
// ascending CreationTime (spec §4.3).
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	pi, pj := h[i].rec.Task.Priority, h[j].rec.Task.Priority
	if pi != pj {
		return pi < pj
	}
	return h[i].rec.Task.CreationTime.Before(h[j].rec.Task.CreationTime)
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

var _ = heap.Interface(&priorityHeap{})
