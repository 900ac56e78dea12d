// Package window implements the time-ordered buffers used by the circuit
// breaker failure list and the health monitor query log.
//
// A Window is an append-only slice plus a head cursor marking the oldest
// retained element. Eviction only moves the cursor; the live tail is copied
// to the front once the dead prefix dominates the backing array.
package window

// compactMin is the smallest dead prefix worth compacting.
const compactMin = 64

// Window is an ordered, optionally size-capped buffer.
//
// Contract:
// - Concurrency: not safe for concurrent use; owners guard it with their lock.
// - Ordering: elements are kept in insertion order, oldest first.
type Window[T any] struct {
	buf   []T
	head  int
	limit int
}

// New creates a window holding at most limit elements. A limit <= 0 means no
// size cap.
func New[T any](limit int) *Window[T] {
	return &Window[T]{limit: limit}
}

// Len returns the number of live elements.
func (w *Window[T]) Len() int {
	return len(w.buf) - w.head
}

// Push appends v. When the window is at its cap the oldest element is dropped
// and returned with ok set.
func (w *Window[T]) Push(v T) (dropped T, ok bool) {
	if w.limit > 0 && w.Len() >= w.limit {
		dropped, ok = w.buf[w.head], true
		w.release(1)
	}
	w.buf = append(w.buf, v)
	w.maybeCompact()
	return dropped, ok
}

// Oldest returns the oldest live element.
func (w *Window[T]) Oldest() (T, bool) {
	if w.Len() == 0 {
		var zero T
		return zero, false
	}
	return w.buf[w.head], true
}

// DropWhile evicts elements from the oldest end while evict returns true and
// reports how many were removed. evict sees each candidate exactly once, so
// callers may use it to settle running totals.
func (w *Window[T]) DropWhile(evict func(T) bool) int {
	n := 0
	for w.head+n < len(w.buf) && evict(w.buf[w.head+n]) {
		n++
	}
	if n > 0 {
		w.release(n)
		w.maybeCompact()
	}
	return n
}

// Each calls fn for every live element, oldest first, until fn returns false.
func (w *Window[T]) Each(fn func(T) bool) {
	for _, v := range w.buf[w.head:] {
		if !fn(v) {
			return
		}
	}
}

// Snapshot returns a copy of the live elements, oldest first.
func (w *Window[T]) Snapshot() []T {
	out := make([]T, w.Len())
	copy(out, w.buf[w.head:])
	return out
}

// Reset removes every element.
func (w *Window[T]) Reset() {
	clear(w.buf)
	w.buf = w.buf[:0]
	w.head = 0
}

// Compact moves the live elements to the front of the backing array.
func (w *Window[T]) Compact() {
	if w.head == 0 {
		return
	}
	n := copy(w.buf, w.buf[w.head:])
	clear(w.buf[n:])
	w.buf = w.buf[:n]
	w.head = 0
}

// release zeroes n elements at the head so they can be collected.
func (w *Window[T]) release(n int) {
	clear(w.buf[w.head : w.head+n])
	w.head += n
}

func (w *Window[T]) maybeCompact() {
	if w.head >= compactMin && w.head*2 >= len(w.buf) {
		w.Compact()
	}
}
