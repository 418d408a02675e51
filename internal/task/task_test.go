package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-tes/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestManager_Start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockLogger := logger.NewMockLogger()
	mockLogger.On("Debug", mock.Anything, mock.Anything).Return()

	mgr := NewManager(ctx, mockLogger)

	err := mgr.Start("testTask", func(ctx context.Context) bool {
		time.Sleep(time.Millisecond)
		return true
	})
	require.NoError(t, err)

	// Allow some time for the goroutine to start
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, mgr.TaskCount())

	cancel()
	mgr.Wait()

	assert.Equal(t, 0, mgr.TaskCount())
}

func TestManager_StartStopsOnFalse(t *testing.T) {
	mgr := NewManager(context.Background(), logger.NewPermissiveMockLogger())

	var calls atomic.Int32
	require.NoError(t, mgr.Start("countdown", func(context.Context) bool {
		return calls.Add(1) < 3
	}))

	mgr.Wait()
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, mgr.TaskCount())
}

func TestManager_Go(t *testing.T) {
	mgr := NewManager(context.Background(), logger.NewPermissiveMockLogger())

	done := make(chan struct{})
	require.NoError(t, mgr.Go("once", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	}))

	mgr.Stop()
	mgr.Wait()

	select {
	case <-done:
	default:
		t.Fatal("task did not observe cancellation")
	}
}

func TestManager_PanicRecovered(t *testing.T) {
	mockLogger := logger.NewPermissiveMockLogger()
	mgr := NewManager(context.Background(), mockLogger)

	require.NoError(t, mgr.Start("panicky", func(context.Context) bool {
		panic("boom")
	}))
	require.NoError(t, mgr.Go("panicky-once", func(context.Context) {
		panic("boom")
	}))

	mgr.Wait()
	mockLogger.AssertNumberOfCalls(t, "Error", 2)
}

func TestManager_StartAfterStop(t *testing.T) {
	mgr := NewManager(context.Background(), logger.NewPermissiveMockLogger())
	mgr.Stop()

	err := mgr.Start("late", func(context.Context) bool { return false })
	require.ErrorIs(t, err, ErrStopped)

	// Wait recreates the context, so the manager is usable again.
	mgr.Wait()
	require.NoError(t, mgr.Go("again", func(context.Context) {}))
	mgr.Wait()
}
