// Package queue holds pending task entries ordered by due time.
//
// Queue is not safe for concurrent use; callers hold their own lock.
package queue

import (
	"container/heap"
	"time"
)

// Item is a queue entry. The queue never looks inside Value.
type Item struct {
	ID       string
	Name     string
	Due      time.Time
	Priority int
	Value    any

	seq   uint64
	index int
}

// Queue is an indexed binary min-heap keyed by (Due, -Priority, insertion order).
type Queue struct {
	h     itemHeap
	byID  map[string]*Item
	names map[string]int
	seq   uint64
}

func New() *Queue {
	return &Queue{
		byID:  map[string]*Item{},
		names: map[string]int{},
	}
}

func (q *Queue) Len() int { return len(q.h) }

// Push inserts a copy of it. Entries sharing a name are allowed.
func (q *Queue) Push(it Item) {
	q.seq++
	cp := it
	cp.seq = q.seq
	heap.Push(&q.h, &cp)
	if cp.ID != "" {
		q.byID[cp.ID] = &cp
	}
	q.names[cp.Name]++
}

func (q *Queue) Peek() (Item, bool) {
	if len(q.h) == 0 {
		return Item{}, false
	}
	return *q.h[0], true
}

func (q *Queue) Pop() (Item, bool) {
	if len(q.h) == 0 {
		return Item{}, false
	}
	it := heap.Pop(&q.h).(*Item)
	q.forget(it)
	return *it, true
}

// Contains reports whether any entry with name is pending.
func (q *Queue) Contains(name string) bool { return q.names[name] > 0 }

// Count returns how many entries named name are pending.
func (q *Queue) Count(name string) int { return q.names[name] }

// Remove drops every pending entry named name and returns how many were removed.
func (q *Queue) Remove(name string) int {
	if q.names[name] == 0 {
		return 0
	}
	var victims []*Item
	for _, it := range q.h {
		if it.Name == name {
			victims = append(victims, it)
		}
	}
	for _, it := range victims {
		heap.Remove(&q.h, it.index)
		q.forget(it)
	}
	return len(victims)
}

func (q *Queue) RemoveID(id string) bool {
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, it.index)
	q.forget(it)
	return true
}

// Items returns a snapshot in queue order.
func (q *Queue) Items() []Item {
	cp := make(itemHeap, len(q.h))
	for i, it := range q.h {
		c := *it
		cp[i] = &c
	}
	out := make([]Item, 0, len(cp))
	for len(cp) > 0 {
		out = append(out, *heap.Pop(&cp).(*Item))
	}
	return out
}

// FirstReady returns the best-ordered entry that is due at now and accepted by ok.
// It does not remove the entry. Subtrees whose root is not yet due are skipped.
func (q *Queue) FirstReady(now time.Time, ok func(Item) bool) (Item, bool) {
	var best *Item
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if i >= len(q.h) {
			continue
		}
		it := q.h[i]
		if it.Due.After(now) {
			continue
		}
		// Children never order before their parent.
		if best != nil && !less(it, best) {
			continue
		}
		if ok == nil || ok(*it) {
			best = it
			continue
		}
		stack = append(stack, 2*i+2, 2*i+1)
	}
	if best == nil {
		return Item{}, false
	}
	return *best, true
}

// NextAfter returns the earliest due time strictly after now.
func (q *Queue) NextAfter(now time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if i >= len(q.h) {
			continue
		}
		due := q.h[i].Due
		if due.After(now) {
			if !found || due.Before(next) {
				next, found = due, true
			}
			continue
		}
		stack = append(stack, 2*i+2, 2*i+1)
	}
	return next, found
}

func (q *Queue) forget(it *Item) {
	if it.ID != "" {
		delete(q.byID, it.ID)
	}
	if n := q.names[it.Name] - 1; n > 0 {
		q.names[it.Name] = n
	} else {
		delete(q.names, it.Name)
	}
}

func less(a, b *Item) bool {
	if !a.Due.Equal(b.Due) {
		return a.Due.Before(b.Due)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

type itemHeap []*Item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
