// Package timer provides the two timer forms the protocol engine uses:
// Countdown, a value aged by the periodic tick, and Queue, a time-ordered
// heap of one-shot events with handle-based cancel.
package timer

import (
	"container/heap"
	"time"
)

// Countdown is a tick-aged timer. The zero value is stopped.
type Countdown struct {
	remaining time.Duration
}

// Set arms the timer. A non-positive d stops it.
func (c *Countdown) Set(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.remaining = d
}

// SetMax arms the timer to d unless it already has longer to run.
func (c *Countdown) SetMax(d time.Duration) {
	if d > c.remaining {
		c.remaining = d
	}
}

func (c *Countdown) Stop()                    { c.remaining = 0 }
func (c *Countdown) Active() bool             { return c.remaining > 0 }
func (c *Countdown) Remaining() time.Duration { return c.remaining }

// Tick ages the timer by elapsed and reports whether it fired on this tick.
// A stopped timer never fires.
func (c *Countdown) Tick(elapsed time.Duration) bool {
	if c.remaining <= 0 {
		return false
	}
	c.remaining -= elapsed
	if c.remaining <= 0 {
		c.remaining = 0
		return true
	}
	return false
}

// Handle identifies a queued event. The zero Handle is never issued.
type Handle uint64

type event[T any] struct {
	when  time.Time
	seq   uint64
	index int
	value T
}

// Queue is a priority queue of events ordered by time, then insertion.
// It is not safe for concurrent use; the router serializes access.
type Queue[T any] struct {
	pq    eventHeap[T]
	seq   uint64
	byseq map[Handle]*event[T]
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{byseq: make(map[Handle]*event[T])}
}

// Push schedules value at when.
func (q *Queue[T]) Push(when time.Time, value T) Handle {
	q.seq++
	e := &event[T]{when: when, seq: q.seq, value: value}
	heap.Push(&q.pq, e)
	q.byseq[Handle(e.seq)] = e
	return Handle(e.seq)
}

// Cancel removes a pending event and reports whether it was still queued.
func (q *Queue[T]) Cancel(h Handle) bool {
	e, ok := q.byseq[h]
	if !ok {
		return false
	}
	heap.Remove(&q.pq, e.index)
	delete(q.byseq, h)
	return true
}

// Pending reports whether h is still queued.
func (q *Queue[T]) Pending(h Handle) bool {
	_, ok := q.byseq[h]
	return ok
}

// PopIfDue returns the next event if it is due at now. Otherwise it returns
// false and the time until the next event, or -1 when the queue is empty.
func (q *Queue[T]) PopIfDue(now time.Time) (T, bool, time.Duration) {
	var zero T
	if q.pq.Len() == 0 {
		return zero, false, -1
	}
	e := q.pq[0]
	if d := e.when.Sub(now); d > 0 {
		return zero, false, d
	}
	heap.Pop(&q.pq)
	delete(q.byseq, Handle(e.seq))
	return e.value, true, 0
}

func (q *Queue[T]) Len() int { return q.pq.Len() }

// eventHeap implements heap.Interface ordered by time then seq.
type eventHeap[T any] []*event[T]

func (h eventHeap[T]) Len() int { return len(h) }

func (h eventHeap[T]) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h eventHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap[T]) Push(x any) {
	e := x.(*event[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *eventHeap[T]) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	x.index = -1
	return x
}
