package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/domain"
	"tradedesk/internal/util"
)

func TestCeilingBoundsConcurrentJobs(t *testing.T) {
	s := New(Options{MaxConcurrent: 2, JobTimeout: 5 * time.Second}, util.DiscardLogger())

	var running, maxSeen, finished atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Register(Job{
			Name:      fmt.Sprintf("job-%d", i),
			Profile:   domain.ProfileID(fmt.Sprintf("P%d", i)),
			Interval:  time.Hour,
			Immediate: true,
			Run: func(ctx context.Context) error {
				n := running.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				<-release
				running.Add(-1)
				finished.Add(1)
				return nil
			},
		}))
	}
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load(), "ceiling exceeded")

	close(release)
	require.Eventually(t, func() bool { return finished.Load() == 6 }, 2*time.Second, time.Millisecond,
		"queued jobs must run once slots free up")
	assert.Equal(t, int32(2), maxSeen.Load())
	require.NoError(t, s.Stop(context.Background()))
}

func TestSlowJobIsNotQueuedTwice(t *testing.T) {
	s := New(Options{MaxConcurrent: 4}, util.DiscardLogger())

	var running, overlaps, runs atomic.Int32
	require.NoError(t, s.Register(Job{
		Name:     "quote-poll",
		Profile:  "ACC1",
		Interval: 2 * time.Millisecond,
		Run: func(ctx context.Context) error {
			if running.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(15 * time.Millisecond)
			running.Add(-1)
			runs.Add(1)
			return nil
		},
	}))
	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, overlaps.Load())
}

func TestStopWaitsForRunningJobs(t *testing.T) {
	s := New(Options{Grace: time.Second}, util.DiscardLogger())
	started := make(chan struct{})
	var completed atomic.Bool
	require.NoError(t, s.Register(Job{
		Name:      "order-reconcile",
		Interval:  time.Hour,
		Immediate: true,
		Run: func(ctx context.Context) error {
			close(started)
			time.Sleep(30 * time.Millisecond)
			completed.Store(true)
			return nil
		},
	}))
	require.NoError(t, s.Start())
	<-started

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, completed.Load())
}

func TestStopAbandonsJobsAfterGrace(t *testing.T) {
	s := New(Options{Grace: 30 * time.Millisecond, JobTimeout: time.Minute}, util.DiscardLogger())
	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, s.Register(Job{
		Name:      "hung-call",
		Interval:  time.Hour,
		Immediate: true,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	}))
	require.NoError(t, s.Start())
	<-started

	begin := time.Now()
	err := s.Stop(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(begin), time.Second)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("abandoned job context was not cancelled")
	}

	assert.ErrorIs(t, s.Register(Job{Name: "late", Interval: time.Second, Run: func(context.Context) error { return nil }}), domain.ErrEngineStopped)
}

func TestJobTimeout(t *testing.T) {
	s := New(Options{JobTimeout: 10 * time.Millisecond}, util.DiscardLogger())
	done := make(chan error, 1)
	require.NoError(t, s.Register(Job{
		Name:      "slow",
		Interval:  time.Hour,
		Immediate: true,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			done <- ctx.Err()
			return ctx.Err()
		},
	}))
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("job deadline not applied")
	}
}

func TestPanicIsContained(t *testing.T) {
	s := New(Options{}, util.DiscardLogger())
	var after atomic.Int32
	require.NoError(t, s.Register(Job{
		Name: "bad", Profile: "ACC1", Interval: time.Hour, Immediate: true,
		Run: func(context.Context) error { panic("boom") },
	}))
	require.NoError(t, s.Register(Job{
		Name: "good", Profile: "ACC2", Interval: time.Hour, Immediate: true,
		Run: func(context.Context) error { after.Add(1); return nil },
	}))
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		for _, j := range s.Jobs() {
			if j.Key == "ACC1/bad" && strings.Contains(j.LastErr, "boom") {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return after.Load() == 1 }, time.Second, time.Millisecond)
}

func TestRemoveProfileStopsItsJobs(t *testing.T) {
	s := New(Options{}, util.DiscardLogger())
	var mu sync.Mutex
	counts := map[string]int{}
	for _, p := range []domain.ProfileID{"ACC1", "ACC2"} {
		require.NoError(t, s.Register(Job{
			Name: "tick", Profile: p, Interval: 2 * time.Millisecond,
			Run: func(context.Context) error {
				mu.Lock()
				counts[string(p)]++
				mu.Unlock()
				return nil
			},
		}))
	}
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	s.Remove("ACC1")
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	frozen := counts["ACC1"]
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, counts["ACC1"], frozen+1)
	assert.Greater(t, counts["ACC2"], 3)
	assert.Len(t, s.Jobs(), 1)
}

func TestTriggerAndValidation(t *testing.T) {
	s := New(Options{}, util.DiscardLogger())
	ran := make(chan struct{}, 1)
	job := Job{Name: "quote-poll", Profile: "ACC1", Interval: time.Hour, Run: func(context.Context) error {
		ran <- struct{}{}
		return nil
	}}
	require.NoError(t, s.Register(job))
	assert.Error(t, s.Register(job), "duplicate key")
	assert.Error(t, s.Register(Job{Name: "x", Run: job.Run}), "zero interval")
	assert.False(t, s.Trigger(job.Key()), "trigger before start")

	require.NoError(t, s.Start())
	defer s.Stop(context.Background())
	assert.True(t, s.Trigger("ACC1/quote-poll"))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("triggered job did not run")
	}
}
