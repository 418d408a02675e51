package queue

// sliceQueue implements the Queue interface using a slice.
type sliceQueue[T any] struct {
	items []T
}

// NewSliceQueue creates a new slice backed queue with prealloc capacity.
func NewSliceQueue[T any](prealloc int) Queue[T] {
	return &sliceQueue[T]{items: make([]T, 0, prealloc)}
}

func (q *sliceQueue[T]) Enqueue(item T) {
	q.items = append(q.items, item)
}

// Drain hands the backing slice to the caller and starts a new one,
// so drained items are never observed through the queue again.
func (q *sliceQueue[T]) Drain() []T {
	if len(q.items) == 0 {
		return nil
	}
	items := q.items
	q.items = make([]T, 0, cap(items))

	return items
}

func (q *sliceQueue[T]) Length() int {
	return len(q.items)
}
