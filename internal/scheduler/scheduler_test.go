package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"gridarena/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobRunsOnInterval(t *testing.T) {
	s := New(logging.NewNopLogger())
	var runs atomic.Int64
	s.Register("tick", 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	s.Start(context.Background())
	time.Sleep(110 * time.Millisecond)
	s.Stop(time.Second)

	n := runs.Load()
	assert.GreaterOrEqual(t, n, int64(3))

	states := s.States()
	require.Len(t, states, 1)
	assert.Equal(t, "tick", states[0].Name)
	assert.Equal(t, ResultOK, states[0].LastResult)
	assert.Equal(t, n, states[0].SuccessCount)
	assert.False(t, states[0].LastStarted.IsZero())
}

func TestNoOverlapRecordsSkip(t *testing.T) {
	s := New(logging.NewNopLogger())
	release := make(chan struct{})
	var concurrent, peak atomic.Int64

	s.Register("slow", 15*time.Millisecond, func(ctx context.Context) error {
		n := concurrent.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		defer concurrent.Add(-1)
		<-release
		return nil
	})

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	close(release)
	s.Stop(time.Second)

	assert.Equal(t, int64(1), peak.Load(), "two runs of the same job overlapped")

	states := s.States()
	require.Len(t, states, 1)
	assert.Greater(t, states[0].SkipCount, int64(0))
	assert.Equal(t, SkipReasonOverlap, states[0].LastError)
}

func TestFailureIsRecordedAndTickingContinues(t *testing.T) {
	s := New(logging.NewNopLogger())
	var runs atomic.Int64
	s.Register("flaky", 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return context.DeadlineExceeded
	})

	s.Start(context.Background())
	time.Sleep(90 * time.Millisecond)
	s.Stop(time.Second)

	assert.GreaterOrEqual(t, runs.Load(), int64(2), "failures must not stop the ticker")
	states := s.States()
	require.Len(t, states, 1)
	assert.Equal(t, ResultError, states[0].LastResult)
	assert.Equal(t, runs.Load(), states[0].ErrorCount)
	assert.NotEmpty(t, states[0].LastError)
}

func TestTriggerNowFiresOutOfBand(t *testing.T) {
	s := New(logging.NewNopLogger())
	done := make(chan struct{})
	s.Register("boot", time.Hour, func(ctx context.Context) error {
		close(done)
		return nil
	})

	s.Start(context.Background())
	s.TriggerNow(context.Background(), "boot")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TriggerNow did not run the job")
	}
	s.Stop(time.Second)
}
