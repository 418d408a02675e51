// Package queue provides FIFO queues used for document bookkeeping.
package queue

// Queue defines the interface for a FIFO queue of T.
//
// Implementations are not goroutine safe; callers guard them with their own lock.
type Queue[T any] interface {
	// Enqueue adds an item to the tail of the queue.
	Enqueue(item T)
	// Drain removes and returns every item in FIFO order.
	Drain() []T
	// Length returns the number of items in the queue.
	Length() int
}
