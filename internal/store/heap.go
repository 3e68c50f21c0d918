// This file implements the priority heap with lazy deletion.

package store

import (
	"container/heap"

	"github.com/mesh-intelligence/allseq/pkg/types"
)

// entry is one heap slot. An entry whose live flag is cleared has been
// sabotaged: it stays in the heap but is skipped when popped.
type entry struct {
	priority float64
	time     string
	seq      int
	live     bool
}

func newEntry(rec *types.Sequence) *entry {
	return &entry{priority: rec.Priority, time: rec.Time, seq: rec.Seq, live: true}
}

// entryHeap orders entries by (priority, time, seq) ascending.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.time != b.time {
		return a.time < b.time
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// popLive pops until a live entry is found. It returns nil when the heap
// is exhausted.
func (h *entryHeap) popLive() *entry {
	for h.Len() > 0 {
		e := heap.Pop(h).(*entry)
		if e.live {
			return e
		}
	}
	return nil
}
