package app

import (
	"context"
	"sync/atomic"
	"time"

	"shotsched/internal/config"
	"shotsched/internal/eventbus"
	"shotsched/internal/storage"
	"shotsched/internal/tasks"
	"shotsched/internal/task/engine"
	logx "shotsched/pkg/logx"
)

// runRecorder persists every terminal and skipped capture event.
type runRecorder struct {
	store storage.Store
	log   logx.Logger

	written uint64
	failed  uint64
}

func toRunRecord(ev engine.StatusEvent) storage.RunRecord {
	return storage.RunRecord{
		RunID:      ev.RunID,
		TaskID:     ev.TaskID,
		URL:        ev.URL,
		Trigger:    string(ev.Trigger),
		Status:     string(ev.Status),
		Reason:     ev.Reason,
		Due:        ev.Due,
		StartedAt:  ev.Started,
		DurationMS: ev.Duration.Milliseconds(),
	}
}

// run consumes events until ctx is done or the subscription closes. Events
// already buffered when ctx is done are still written.
func (r *runRecorder) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			r.flush(events)
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev, ok := e.Data.(engine.StatusEvent)
			if !ok {
				continue
			}
			r.append(ctx, ev)
		}
	}
}

func (r *runRecorder) flush(events <-chan eventbus.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if ev, ok := e.Data.(engine.StatusEvent); ok {
				r.append(context.Background(), ev)
			}
		default:
			return
		}
	}
}

func (r *runRecorder) append(ctx context.Context, ev engine.StatusEvent) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.store.AppendRun(cctx, toRunRecord(ev)); err != nil {
		atomic.AddUint64(&r.failed, 1)
		r.log.Warn("run not recorded", logx.Task(ev.TaskID), logx.Run(ev.RunID), logx.Err(err))
		return
	}
	atomic.AddUint64(&r.written, 1)
}

// actionSlot lets a capture config reload swap the action under a running
// engine. In-flight runs keep the action they started with.
type actionSlot struct {
	cur atomic.Pointer[engine.Action]
}

func newActionSlot(a engine.Action) *actionSlot {
	s := &actionSlot{}
	s.Set(a)
	return s
}

func (s *actionSlot) Set(a engine.Action) { s.cur.Store(&a) }

func (s *actionSlot) Execute(ctx context.Context, t tasks.Task) (bool, error) {
	p := s.cur.Load()
	if p == nil || *p == nil {
		return false, nil
	}
	return (*p).Execute(ctx, t)
}

// OpenRunStore opens the run history configured in the file at cfgPath for
// read-only tooling. It returns storage.ErrDisabled when no driver is set.
func OpenRunStore(cfgPath string) (storage.Store, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, storage.ErrDisabled
	}
	return storage.Open(sc, logx.Nop())
}
