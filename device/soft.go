package device

import (
	"context"
	"sync"
)

// Soft is an in-memory signal.
type Soft[T any] struct {
	mu    sync.RWMutex
	name  string
	kind  Kind
	value T
	ts    float64
}

var _ Signal = (*Soft[int])(nil)

// NewSoft creates a soft signal holding value.
func NewSoft[T any](name string, kind Kind, value T) *Soft[T] {
	return &Soft[T]{name: name, kind: kind, value: value, ts: Now()}
}

func (s *Soft[T]) Name() string { return s.name }

func (s *Soft[T]) Kind() Kind { return s.kind }

// Get returns the current value.
func (s *Soft[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.value
}

// Put stores value and returns the previous value.
func (s *Soft[T]) Put(value T) T {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.value
	s.value = value
	s.ts = Now()

	return old
}

func (s *Soft[T]) Read(context.Context) (map[string]Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]Reading{s.name: {Value: s.value, Timestamp: s.ts}}, nil
}

func (s *Soft[T]) Describe(context.Context) (map[string]Descriptor, error) {
	v := s.Get()

	return map[string]Descriptor{s.name: {
		Source: "SOFT:" + s.name,
		DType:  DataType(v),
		Shape:  DataShape(v),
	}}, nil
}
