package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shotsched/internal/eventbus"
	"shotsched/internal/tasks"
	logx "shotsched/pkg/logx"
)

func collect(t *testing.T, ch <-chan eventbus.Event, n int) []StatusEvent {
	t.Helper()
	out := make([]StatusEvent, 0, n)
	for len(out) < n {
		select {
		case ev := <-ch:
			se, ok := ev.Data.(StatusEvent)
			require.True(t, ok)
			assert.Equal(t, eventType(se.Status), ev.Type)
			out = append(out, se)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func req(id string, g *Guard) Request {
	return Request{Task: tasks.Task{ID: id, URL: "https://example.com"}, Guard: g, Trigger: TriggerManual}
}

func TestDispatchSuccessReleasesGuard(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{}, ActionFunc(func(ctx context.Context, tk tasks.Task) (bool, error) { return true, nil }), logx.Nop(), bus)
	g := NewGuard()
	o, err := s.Dispatch(req("a", g))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, o)

	evs := collect(t, ch, 2)
	assert.Equal(t, StatusStarted, evs[0].Status)
	assert.Equal(t, StatusSucceeded, evs[1].Status)
	assert.Equal(t, evs[0].RunID, evs[1].RunID)
	assert.False(t, g.Running(), "guard is idle once the terminal event is out")
	assert.True(t, g.TryAcquire())

	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.Started)
	assert.Equal(t, uint64(1), snap.Succeeded)
	require.Len(t, snap.History, 1)
}

func TestDispatchFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		action Action
		reason string
	}{
		{
			name:   "error",
			action: ActionFunc(func(context.Context, tasks.Task) (bool, error) { return false, errors.New("navigation timeout") }),
			reason: "navigation timeout",
		},
		{
			name:   "false without error",
			action: ActionFunc(func(context.Context, tasks.Task) (bool, error) { return false, nil }),
			reason: "capture reported failure",
		},
		{
			name:   "panic",
			action: ActionFunc(func(context.Context, tasks.Task) (bool, error) { panic("browser exploded") }),
			reason: "panic: browser exploded",
		},
		{
			name:   "nil action",
			action: nil,
			reason: "no capture action configured",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bus := eventbus.New()
			ch, unsub := bus.Subscribe(16, EventFailed)
			defer unsub()

			s := New(Config{}, tt.action, logx.Nop(), bus)
			g := NewGuard()
			o, err := s.Dispatch(req("a", g))
			require.NoError(t, err)
			require.Equal(t, OutcomeStarted, o)

			evs := collect(t, ch, 1)
			assert.Equal(t, StatusFailed, evs[0].Status)
			assert.Equal(t, tt.reason, evs[0].Reason)
			assert.False(t, g.Running())
			assert.Equal(t, uint64(1), s.Snapshot().Failed)

			// A failure never blocks the next run.
			o, err = s.Dispatch(req("a", g))
			require.NoError(t, err)
			assert.Equal(t, OutcomeStarted, o)
			require.NoError(t, s.Drain(context.Background()))
		})
	}
}

func TestDispatchSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, EventSkipped)
	defer unsub()

	release := make(chan struct{})
	s := New(Config{}, ActionFunc(func(context.Context, tasks.Task) (bool, error) {
		<-release
		return true, nil
	}), logx.Nop(), bus)

	g := NewGuard()
	o, err := s.Dispatch(req("a", g))
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, o)

	o, err = s.Dispatch(Request{Task: tasks.Task{ID: "a"}, Guard: g, Trigger: TriggerSchedule})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, o)

	evs := collect(t, ch, 1)
	assert.Equal(t, StatusSkipped, evs[0].Status)
	assert.Equal(t, TriggerSchedule, evs[0].Trigger)
	assert.Equal(t, 1, s.InFlight())

	close(release)
	require.NoError(t, s.Drain(context.Background()))
	assert.Equal(t, 0, s.InFlight())
	assert.Equal(t, uint64(1), s.Snapshot().Skipped)
}

func TestDispatchNilGuard(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil)
	_, err := s.Dispatch(Request{Task: tasks.Task{ID: "a"}})
	assert.ErrorIs(t, err, ErrNilGuard)
}

func TestDrainRespectsContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	var sawCancel bool
	s := New(Config{}, ActionFunc(func(ctx context.Context, _ tasks.Task) (bool, error) {
		<-release
		sawCancel = ctx.Err() != nil
		return true, nil
	}), logx.Nop(), nil)

	_, err := s.Dispatch(req("a", NewGuard()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Drain(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, s.InFlight(), "drain never cancels running actions")
	assert.False(t, sawCancel)
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	s := New(Config{HistorySize: 3}, ActionFunc(func(context.Context, tasks.Task) (bool, error) { return true, nil }), logx.Nop(), nil)
	for i := 0; i < 10; i++ {
		g := NewGuard()
		_, err := s.Dispatch(req("a", g))
		require.NoError(t, err)
		require.NoError(t, s.Drain(context.Background()))
	}
	snap := s.Snapshot()
	assert.Len(t, snap.History, 3)
	assert.Equal(t, uint64(10), snap.Succeeded)
}
