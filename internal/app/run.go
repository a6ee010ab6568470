package app

import (
	"context"
	"fmt"

	"shotsched/internal/task/engine"
	logx "shotsched/pkg/logx"
)

// RunTask captures task id now and waits for its terminal event. On an app
// that was never started the run is written to the store here; a started app
// records it through the usual subscriber.
func (a *App) RunTask(ctx context.Context, id string) (engine.StatusEvent, error) {
	events, unsub := a.bus.Subscribe(16, engine.EventSucceeded, engine.EventFailed)
	defer unsub()

	out, err := a.sched.RunNow(id)
	if err != nil {
		return engine.StatusEvent{}, err
	}
	if out != engine.OutcomeStarted {
		return engine.StatusEvent{}, fmt.Errorf("task %s is already running", id)
	}

	for {
		select {
		case <-ctx.Done():
			return engine.StatusEvent{}, ctx.Err()
		case e, ok := <-events:
			if !ok {
				return engine.StatusEvent{}, fmt.Errorf("event bus closed while waiting for %s", id)
			}
			ev, ok := e.Data.(engine.StatusEvent)
			if !ok || ev.TaskID != id || ev.Trigger != engine.TriggerManual {
				continue
			}
			if a.sup == nil && a.rec != nil {
				a.rec.append(ctx, ev)
			}
			a.log.Info("manual run finished", logx.Task(id), logx.String("status", string(ev.Status)), logx.Duration("took", ev.Duration))
			return ev, nil
		}
	}
}
