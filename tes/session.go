package tes

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-tes/device"
)

// Event is one collected data point of a fly scan.
type Event struct {
	// Time is the UNIX epoch time in seconds the event was produced.
	Time float64 `json:"time"`
	// Data maps field names to values.
	Data map[string]any `json:"data"`
	// Timestamps maps field names to the epoch time of the collect request that produced them.
	Timestamps map[string]float64 `json:"timestamps"`
	// Seq is the sequence number of the instruction, in enqueue order.
	Seq int64 `json:"seq"`
}

type instruction struct {
	ts  float64
	seq int64
}

// session is the state of one acquisition run. It is exclusively owned by one Detector.
type session struct {
	index atomic.Int64
	seq   atomic.Int64

	instructions chan instruction
	events       chan Event

	// pending counts instructions not yet turned into events; acked is signaled on every
	// decrement by the worker.
	pending atomic.Int64
	acked   chan struct{}

	completed    chan struct{}
	completeOnce sync.Once
	collected    chan struct{}
	collectOnce  sync.Once

	completion *device.Status

	// guarded by Detector.mu
	scanEnded bool
}

func newSession(instructionQueueSize, eventQueueSize int) *session {
	return &session{
		instructions: make(chan instruction, instructionQueueSize),
		events:       make(chan Event, eventQueueSize),
		acked:        make(chan struct{}, 1),
		completed:    make(chan struct{}),
		collected:    make(chan struct{}),
		completion:   device.NewStatus(),
	}
}

// nextIndex allocates the next data index, starting at 0.
func (s *session) nextIndex() int64 {
	return s.index.Add(1) - 1
}

func (s *session) markCompleted() {
	s.completeOnce.Do(func() { close(s.completed) })
	s.completion.Finish()
}

func (s *session) isCompleted() bool {
	select {
	case <-s.completed:
		return true
	default:
		return false
	}
}

// markCollected stops the scan worker.
func (s *session) markCollected() {
	s.collectOnce.Do(func() { close(s.collected) })
}

func (s *session) isCollected() bool {
	select {
	case <-s.collected:
		return true
	default:
		return false
	}
}

// enqueue adds an instruction stamped ts. While the instruction channel is full it keeps
// draining events into the returned slice so that a worker blocked on a full event channel can
// make progress.
func (s *session) enqueue(ctx context.Context, ts float64) ([]Event, error) {
	in := instruction{ts: ts, seq: s.seq.Add(1) - 1}
	s.pending.Add(1)

	var drained []Event
	for {
		select {
		case s.instructions <- in:
			return drained, nil
		case ev := <-s.events:
			drained = append(drained, ev)
		case <-s.collected:
			s.pending.Add(-1)
			return drained, ErrNoSession
		case <-ctx.Done():
			s.pending.Add(-1)
			return drained, ctx.Err()
		}
	}
}

// ack marks one instruction as turned into an event.
func (s *session) ack() {
	s.pending.Add(-1)
	select {
	case s.acked <- struct{}{}:
	default:
	}
}

// join waits until every enqueued instruction has been turned into an event, draining events
// while it waits. A canceled join leaves nothing behind, so it can be retried.
func (s *session) join(ctx context.Context) ([]Event, error) {
	var drained []Event
	for {
		if s.pending.Load() <= 0 {
			return drained, nil
		}

		select {
		case ev := <-s.events:
			drained = append(drained, ev)
		case <-s.acked:
		case <-ctx.Done():
			return drained, ctx.Err()
		}
	}
}

// drainEvents returns the events available right now without blocking.
func (s *session) drainEvents() []Event {
	var drained []Event
	for {
		select {
		case ev := <-s.events:
			drained = append(drained, ev)
		default:
			return drained
		}
	}
}
