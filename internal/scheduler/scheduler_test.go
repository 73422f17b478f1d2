package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler() *Scheduler {
	return New(Config{Workers: 2, QueueDepth: 4, TickInterval: 50 * time.Millisecond}, nil)
}

func waitForStatus(t *testing.T, s *Scheduler, execID string, want Status, timeout time.Duration) Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e, err := s.Execution(execID)
		require.NoError(t, err)
		if e.Status == want {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached status %s", execID, want)
	return Execution{}
}

func TestRunNowCompletesSuccessfully(t *testing.T) {
	s := newTestScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Shutdown(context.Background())

	s.Register("noop", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}, 0, 0, 0)

	execID, err := s.RunNow("noop")
	require.NoError(t, err)

	e := waitForStatus(t, s, execID, StatusCompleted, time.Second)
	assert.Equal(t, "ok", e.Result)
}

func TestRunNowUnregisteredTaskReturnsNotFound(t *testing.T) {
	s := newTestScheduler()
	_, err := s.RunNow("does-not-exist")
	require.Error(t, err)
}

func TestQueueFullReturnsBackpressure(t *testing.T) {
	s := New(Config{Workers: 1, QueueDepth: 1, TickInterval: time.Hour}, nil)
	block := make(chan struct{})
	s.Register("slow", func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	}, 0, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		close(block)
		s.Shutdown(context.Background())
	}()

	_, err := s.RunNow("slow") // occupies the single worker
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = s.RunNow("slow") // fills the one-deep queue
	require.NoError(t, err)
	_, err = s.RunNow("slow") // queue now saturated
	require.Error(t, err)
	appErr, ok := err.(interface{ Error() string })
	require.True(t, ok)
	assert.Contains(t, appErr.Error(), "capacity")
}

func TestRetryOnFailureThenSucceeds(t *testing.T) {
	s := newTestScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Shutdown(context.Background())

	var attempts int64
	s.Register("flaky", func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt64(&attempts, 1)
		if n < 2 {
			return nil, assertErr{"transient failure"}
		}
		return "recovered", nil
	}, 3, 10*time.Millisecond, 0)

	execID, err := s.RunNow("flaky")
	require.NoError(t, err)

	e := waitForStatus(t, s, execID, StatusCompleted, time.Second)
	assert.Equal(t, "recovered", e.Result)
	assert.Equal(t, 1, e.RetryCount)
}

func TestExhaustedRetriesEndsFailed(t *testing.T) {
	s := newTestScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Shutdown(context.Background())

	s.Register("always-fails", func(ctx context.Context) (interface{}, error) {
		return nil, assertErr{"nope"}
	}, 1, 5*time.Millisecond, 0)

	execID, err := s.RunNow("always-fails")
	require.NoError(t, err)

	e := waitForStatus(t, s, execID, StatusFailed, time.Second)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, "nope", e.ErrorMessage)
}

func TestTimeoutMarksFailed(t *testing.T) {
	s := newTestScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Shutdown(context.Background())

	s.Register("hangs", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 0, 0, 20*time.Millisecond)

	execID, err := s.RunNow("hangs")
	require.NoError(t, err)

	e := waitForStatus(t, s, execID, StatusFailed, time.Second)
	assert.Equal(t, "timeout exceeded", e.ErrorMessage)
}

func TestPeriodicTaskSingleFlightsDuplicateTicks(t *testing.T) {
	s := New(Config{Workers: 2, QueueDepth: 8, TickInterval: 10 * time.Millisecond}, nil)
	var running int64
	var maxConcurrent int64
	block := make(chan struct{})
	s.Register("periodic-slow", func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt64(&running, 1)
		for {
			cur := atomic.LoadInt64(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt64(&maxConcurrent, cur, n) {
				break
			}
		}
		<-block
		atomic.AddInt64(&running, -1)
		return nil, nil
	}, 0, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	_, err := s.SchedulePeriodic("periodic-slow", 0, 10*time.Millisecond, 0)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	close(block)
	s.Shutdown(context.Background())

	assert.LessOrEqual(t, atomic.LoadInt64(&maxConcurrent), int64(1), "single-flight should prevent overlapping periodic runs")
}

func TestDisabledScheduleDoesNotRun(t *testing.T) {
	s := newTestScheduler()
	var calls int64
	s.Register("disableable", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		return nil, nil
	}, 0, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Shutdown(context.Background())

	id, err := s.SchedulePeriodic("disableable", 0, 20*time.Millisecond, 0)
	require.NoError(t, err)
	require.NoError(t, s.SetEnabled(id, false))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
