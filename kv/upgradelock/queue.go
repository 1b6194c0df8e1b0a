package upgradelock

import (
	"sync/atomic"
	"unsafe"
)

const (
	wantRead int32 = iota
	wantWrite
	wantUpgrade
)

const (
	statusWaiting int32 = iota
	statusCancelled
)

// waiter is a single queued lock request. Each waiter parks on its own
// buffered channel so a wakeup issued before the waiter blocks is not lost.
type waiter struct {
	want   int32
	status int32
	ch     chan struct{}
	next   unsafe.Pointer // *waiter
}

func newWaiter(want int32) *waiter {
	return &waiter{want: want, ch: make(chan struct{}, 1)}
}

func (w *waiter) loadNext() *waiter {
	return (*waiter)(atomic.LoadPointer(&w.next))
}

func (w *waiter) cancelled() bool {
	return atomic.LoadInt32(&w.status) == statusCancelled
}

func (w *waiter) cancel() bool {
	return atomic.CompareAndSwapInt32(&w.status, statusWaiting, statusCancelled)
}

// signal hands a wakeup to the waiter. The channel holds one token, so
// signalling an already-signalled waiter is a no-op.
func (w *waiter) signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// waitQueue is a FIFO of waiters linked through atomic pointers. Enqueue
// CASes the tail; only the waiter at the front may dequeue itself. A
// cancelled waiter stays linked until it reaches the front, where it is
// discarded by the next scan. The node behind the head pointer is always a
// consumed stub, as in the classic two-pointer queue.
type waitQueue struct {
	head unsafe.Pointer // *waiter
	tail unsafe.Pointer // *waiter
}

func newWaitQueue() *waitQueue {
	stub := &waiter{}
	return &waitQueue{
		head: unsafe.Pointer(stub),
		tail: unsafe.Pointer(stub),
	}
}

func (q *waitQueue) enqueue(w *waiter) {
	for {
		t := (*waiter)(atomic.LoadPointer(&q.tail))
		n := t.loadNext()
		if n != nil {
			// Tail is lagging, help it along.
			atomic.CompareAndSwapPointer(&q.tail, unsafe.Pointer(t), unsafe.Pointer(n))
			continue
		}
		if atomic.CompareAndSwapPointer(&t.next, nil, unsafe.Pointer(w)) {
			atomic.CompareAndSwapPointer(&q.tail, unsafe.Pointer(t), unsafe.Pointer(w))
			return
		}
	}
}

// first returns the waiter at the front of the queue, discarding any
// cancelled entries it encounters on the way.
func (q *waitQueue) first() *waiter {
	for {
		h := (*waiter)(atomic.LoadPointer(&q.head))
		n := h.loadNext()
		if n == nil {
			return nil
		}
		if t := (*waiter)(atomic.LoadPointer(&q.tail)); t == h {
			atomic.CompareAndSwapPointer(&q.tail, unsafe.Pointer(t), unsafe.Pointer(n))
		}
		if n.cancelled() {
			atomic.CompareAndSwapPointer(&q.head, unsafe.Pointer(h), unsafe.Pointer(n))
			continue
		}
		return n
	}
}

func (q *waitQueue) empty() bool {
	return q.first() == nil
}

// remove dequeues w. The caller must have observed w at the front of the
// queue via first.
func (q *waitQueue) remove(w *waiter) {
	for {
		h := (*waiter)(atomic.LoadPointer(&q.head))
		n := h.loadNext()
		if n == nil {
			return
		}
		if t := (*waiter)(atomic.LoadPointer(&q.tail)); t == h {
			atomic.CompareAndSwapPointer(&q.tail, unsafe.Pointer(t), unsafe.Pointer(n))
		}
		if n == w {
			if atomic.CompareAndSwapPointer(&q.head, unsafe.Pointer(h), unsafe.Pointer(w)) {
				return
			}
			continue
		}
		if n.cancelled() {
			atomic.CompareAndSwapPointer(&q.head, unsafe.Pointer(h), unsafe.Pointer(n))
			continue
		}
		// w is no longer queued.
		return
	}
}

// wake signals the front waiter, if any. Every state transition that could
// admit a blocked request must call this on the affected queue.
func (q *waitQueue) wake() {
	if w := q.first(); w != nil {
		w.signal()
	}
}
