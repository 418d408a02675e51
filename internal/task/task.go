// Package task manages the goroutines owned by RPC servers and acquisition sessions.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-tes/logger"
)

// ErrStopped is returned when a task is started on a stopped Manager.
var ErrStopped = errors.New("task manager already stopped")

// LoopFunc is one iteration of a looping task.
// It should return true to continue running the task, or false to stop the goroutine.
type LoopFunc func(ctx context.Context) bool

// OnceFunc is the body of a task that runs exactly once.
type OnceFunc func(ctx context.Context)

// Manager manages the lifecycle of named goroutines.
//
// All goroutines share a context derived from the parent context. Stop cancels that
// context and Wait blocks until every goroutine has returned, after which the Manager
// can be reused.
//
// Example Usage:
//
//	mgr := task.NewManager(ctx, logger)
//
//	_ = mgr.Start("worker", func(ctx context.Context) bool {
//	    // ... one iteration ...
//	    return true
//	})
//
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protect ctx and cancel
	taskMu sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a new Manager with ctx as the parent context.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by all tasks of the current generation.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start starts a goroutine that calls loopFunc until it returns false or the Manager stops.
func (mgr *Manager) Start(name string, loopFunc LoopFunc) error {
	mgr.logger.Debug("start task", "name", name)

	return mgr.spawn(name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if !mgr.callWithRecoverBool(name, func() bool { return loopFunc(ctx) }) {
				return
			}
		}
	})
}

// Go starts a goroutine that runs onceFunc a single time.
//
// The context passed to onceFunc is canceled when the Manager stops; the function is
// expected to observe it at its blocking points.
func (mgr *Manager) Go(name string, onceFunc OnceFunc) error {
	return mgr.spawn(name, func(ctx context.Context) {
		mgr.callWithRecover(name, func() { onceFunc(ctx) })
	})
}

// Stop signals all running goroutines.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate and prepares a fresh context for reuse.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) spawn(name string, body func(ctx context.Context)) error {
	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	ctx := mgr.Context()
	select {
	case <-ctx.Done():
		return fmt.Errorf("start %s: %w", name, ErrStopped)
	default:
	}

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		body(ctx)
	}()

	return nil
}

func (mgr *Manager) callWithRecover(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
		}
	}()

	fn()
}

// callWithRecoverBool reports false when fn panics, which stops the loop.
func (mgr *Manager) callWithRecoverBool(name string, fn func() bool) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			cont = false
		}
	}()

	return fn()
}
