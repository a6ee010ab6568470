package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shotsched/internal/eventbus"
	"shotsched/internal/task/engine"
	"shotsched/internal/tasks"
	logx "shotsched/pkg/logx"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	reqs  []engine.Request
	panic bool
}

func (f *fakeDispatcher) Dispatch(req engine.Request) (engine.Outcome, error) {
	if f.panic {
		panic("boom")
	}
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return engine.OutcomeStarted, nil
}

func (f *fakeDispatcher) requests() []engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.Request, len(f.reqs))
	copy(out, f.reqs)
	return out
}

// countingDispatcher wraps the real engine and tallies synchronous outcomes.
type countingDispatcher struct {
	inner   *engine.Service
	started atomic.Int32
	skipped atomic.Int32
}

func (c *countingDispatcher) Dispatch(req engine.Request) (engine.Outcome, error) {
	o, err := c.inner.Dispatch(req)
	if err == nil {
		if o == engine.OutcomeStarted {
			c.started.Add(1)
		} else {
			c.skipped.Add(1)
		}
	}
	return o, err
}

func newTestService(t *testing.T, d Dispatcher) *Service {
	t.Helper()
	s := New(Config{Timezone: "UTC"}, NewRegistry(), d, logx.Nop())
	return s
}

func upsert(t *testing.T, s *Service, id, expr string, enabled bool) Job {
	t.Helper()
	j, err := s.Registry().Upsert(id, MustParseCron(expr), enabled, task(id, expr, enabled))
	require.NoError(t, err)
	return j
}

func TestRunTickDispatchesDueJobs(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	s := newTestService(t, d)
	upsert(t, s, "hourly", "0 * * * *", true)
	upsert(t, s, "off", "0 * * * *", false)
	upsert(t, s, "later", "30 * * * *", true)

	s.lastChecked = time.Date(2024, 1, 1, 10, 59, 30, 0, time.UTC)
	n := s.runTick(time.Date(2024, 1, 1, 11, 0, 10, 0, time.UTC))
	assert.Equal(t, 1, n)

	reqs := d.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "hourly", reqs[0].Task.ID)
	assert.Equal(t, engine.TriggerSchedule, reqs[0].Trigger)
	assert.True(t, reqs[0].Due.Equal(time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)))
	assert.NotNil(t, reqs[0].Guard)

	// Same fire time isn't dispatched twice.
	n = s.runTick(time.Date(2024, 1, 1, 11, 0, 40, 0, time.UTC))
	assert.Equal(t, 0, n)
}

func TestRunTickDoesNotReplayMissedFires(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	s := newTestService(t, d)
	upsert(t, s, "hourly", "0 * * * *", true)

	s.lastChecked = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	n := s.runTick(time.Date(2024, 1, 1, 13, 30, 0, 0, time.UTC))
	assert.Equal(t, 1, n)
	assert.Len(t, d.requests(), 1)
}

func TestRunTickMatchesInSchedulerZone(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	s := newTestService(t, d)
	s.loc = time.FixedZone("plus9", 9*3600)
	upsert(t, s, "nine", "0 9 * * *", true)

	// 00:00 UTC is 09:00 at +9.
	s.lastChecked = time.Date(2024, 1, 1, 23, 59, 30, 0, time.UTC)
	assert.Equal(t, 1, s.runTick(time.Date(2024, 1, 2, 0, 0, 10, 0, time.UTC)))
}

func TestRunTickRecoversFromPanics(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{panic: true}
	s := newTestService(t, d)
	upsert(t, s, "a", "* * * * *", true)

	s.lastChecked = time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	assert.NotPanics(t, func() { s.runTick(time.Date(2024, 1, 1, 10, 1, 5, 0, time.UTC)) })
	assert.Equal(t, uint64(1), s.Snapshot().TickPanics)

	d.panic = false
	assert.Equal(t, 1, s.runTick(time.Date(2024, 1, 1, 10, 2, 5, 0, time.UTC)))
}

func TestInvalidTimezoneFallsBackToLocal(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "Nowhere/Atlantis"}, nil, &fakeDispatcher{}, logx.Nop())
	assert.Equal(t, time.Local, s.Location())

	s = New(Config{Timezone: "UTC"}, nil, &fakeDispatcher{}, logx.Nop())
	assert.Equal(t, time.UTC, s.Location())
}

func TestRunNowUnknownJob(t *testing.T) {
	t.Parallel()
	s := newTestService(t, &fakeDispatcher{})
	o, err := s.RunNow("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, engine.OutcomeSkipped, o)
}

func TestRunNowUsesManualTrigger(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	s := newTestService(t, d)
	j := upsert(t, s, "a", "0 0 1 1 *", false)

	o, err := s.RunNow("a")
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeStarted, o)
	reqs := d.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, engine.TriggerManual, reqs[0].Trigger)
	assert.Same(t, j.Guard, reqs[0].Guard)
	assert.True(t, reqs[0].Due.IsZero())
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	s := newTestService(t, d)
	upsert(t, s, "a", "* * * * *", true)

	// Every read of the clock advances one minute so each tick is due.
	var minutes atomic.Int64
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base.Add(time.Duration(minutes.Add(1)) * time.Minute) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, 5*time.Millisecond)
	s.Start(ctx, 5*time.Millisecond)
	require.True(t, s.Running())

	require.Eventually(t, func() bool { return len(d.requests()) >= 2 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
	n := len(d.requests())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(d.requests()), "no dispatch after Stop")
}

func TestStartDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Disabled: true}, nil, &fakeDispatcher{}, logx.Nop())
	s.Start(context.Background(), time.Millisecond)
	assert.False(t, s.Running())
	assert.False(t, s.Enabled())

	s.Apply(Config{Tick: time.Hour})
	assert.True(t, s.Running())
	assert.Equal(t, time.Hour, s.Snapshot().Tick)
	s.Apply(Config{Disabled: true})
	assert.False(t, s.Running())
}

func TestZeroConfigRuns(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, &fakeDispatcher{}, logx.Nop())
	assert.True(t, s.Enabled())
	s.Start(context.Background(), time.Hour)
	defer s.Stop()
	assert.True(t, s.Running())
	assert.True(t, s.Snapshot().Enabled)
}

// One RunNow and one scheduled tick race for the same idle job; exactly one
// of them may start the action.
func TestRunNowAndTickNeverBothStart(t *testing.T) {
	t.Parallel()

	var concurrent, maxConcurrent atomic.Int32
	release := make(chan struct{})
	action := engine.ActionFunc(func(ctx context.Context, _ tasks.Task) (bool, error) {
		n := concurrent.Add(1)
		for {
			m := maxConcurrent.Load()
			if n <= m || maxConcurrent.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		concurrent.Add(-1)
		return true, nil
	})
	eng := engine.New(engine.Config{}, action, logx.Nop(), eventbus.New())
	d := &countingDispatcher{inner: eng}
	s := newTestService(t, d)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		upsert(t, s, "job", "* * * * *", true)
		d.started.Store(0)
		d.skipped.Store(0)

		tickAt := base.Add(time.Duration(i+1) * time.Minute).Add(5 * time.Second)
		s.lastChecked = tickAt.Add(-30 * time.Second)

		gate := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-gate
			time.Sleep(time.Duration(rand.Intn(50)) * time.Microsecond)
			_, err := s.RunNow("job")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			<-gate
			time.Sleep(time.Duration(rand.Intn(50)) * time.Microsecond)
			s.runTick(tickAt)
		}()
		close(gate)
		wg.Wait()

		require.Equal(t, int32(1), d.started.Load(), "iteration %d", i)
		require.Equal(t, int32(1), d.skipped.Load(), "iteration %d", i)

		release <- struct{}{}
		j, _ := s.Registry().Get("job")
		require.Eventually(t, func() bool { return !j.Guard.Running() }, time.Second, time.Millisecond)
		require.True(t, j.Guard.TryAcquire(), "guard is reusable after the action returns")
		j.Guard.Release()
	}
	assert.Equal(t, int32(1), maxConcurrent.Load())
	require.NoError(t, eng.Drain(context.Background()))
}

func TestRemoveWhileInFlight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	action := engine.ActionFunc(func(ctx context.Context, _ tasks.Task) (bool, error) {
		<-release
		return true, nil
	})
	bus := eventbus.New()
	done, unsub := bus.Subscribe(4, engine.EventSucceeded)
	defer unsub()
	eng := engine.New(engine.Config{}, action, logx.Nop(), bus)
	s := newTestService(t, eng)
	old := upsert(t, s, "gone", "* * * * *", true)
	upsert(t, s, "other", "0 0 1 1 *", true)

	o, err := s.RunNow("gone")
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeStarted, o)
	require.True(t, old.Guard.Running())

	require.True(t, s.Registry().Remove("gone"))
	close(release)

	select {
	case ev := <-done:
		assert.Equal(t, "gone", ev.Data.(engine.StatusEvent).TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("action did not complete")
	}
	require.NoError(t, eng.Drain(context.Background()))
	assert.False(t, old.Guard.Running())

	_, ok := s.Registry().Get("gone")
	assert.False(t, ok)
	other, _ := s.Registry().Get("other")
	assert.False(t, other.Guard.Running())

	s.lastChecked = time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	assert.NotPanics(t, func() { s.runTick(time.Date(2024, 1, 1, 10, 1, 5, 0, time.UTC)) })
	assert.Equal(t, uint64(0), s.Snapshot().TickPanics)
}

func TestReplaceWhileInFlightGetsFreshGuard(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	action := engine.ActionFunc(func(ctx context.Context, _ tasks.Task) (bool, error) {
		<-release
		return true, nil
	})
	eng := engine.New(engine.Config{}, action, logx.Nop(), nil)
	s := newTestService(t, eng)
	old := upsert(t, s, "a", "0 * * * *", true)

	o, err := s.RunNow("a")
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeStarted, o)

	o, err = s.RunNow("a")
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeSkipped, o)

	upsert(t, s, "a", "15 * * * *", true)
	o, err = s.RunNow("a")
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeStarted, o, "edited job dispatches on its fresh guard")
	assert.True(t, old.Guard.Running())

	close(release)
	require.NoError(t, eng.Drain(context.Background()))
	assert.False(t, old.Guard.Running())
}

func TestSnapshotListsJobs(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{}, engine.ActionFunc(func(context.Context, tasks.Task) (bool, error) { return true, nil }), logx.Nop(), nil)
	s := newTestService(t, eng)
	s.now = func() time.Time { return time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC) }
	upsert(t, s, "a", "0 * * * *", true)

	snap := s.Snapshot()
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, "a", snap.Jobs[0].TaskID)
	assert.Equal(t, "0 * * * *", snap.Jobs[0].Spec)
	assert.True(t, snap.Jobs[0].Next.Equal(time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)))
	assert.Equal(t, "UTC", snap.Timezone)

	next := s.PreviewNext(Hourly(), 3)
	require.Len(t, next, 3)
	assert.Equal(t, 12, next[1].Hour())
}

func TestSyncFromTaskList(t *testing.T) {
	t.Parallel()
	s := newTestService(t, &fakeDispatcher{})
	rep := s.Sync([]tasks.Task{task("a", "0 * * * *", true), task("b", "61 * * * *", true)})
	assert.Equal(t, []string{"a"}, rep.Added)
	assert.Contains(t, rep.Invalid, "b")
	assert.Equal(t, 1, s.Registry().Len())
}
