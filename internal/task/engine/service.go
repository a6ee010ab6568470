package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"shotsched/internal/eventbus"
	rtsup "shotsched/internal/runtime/supervisor"
	logx "shotsched/pkg/logx"
)

// ErrNilGuard is returned by Dispatch when a request carries no guard.
var ErrNilGuard = errors.New("dispatch request has no guard")

const defaultHistorySize = 200

// Service runs actions behind their job's Guard.
//
// Every accepted dispatch gets its own goroutine. Actions are never cancelled
// by the engine: the context they receive is only done if the process asks
// for it explicitly via Abort.
type Service struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	action Action

	sup *rtsup.Supervisor

	inFlight  int32
	started   uint64
	skipped   uint64
	succeeded uint64
	failed    uint64

	idSeq uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, action Action, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		action: action,
		// Actions outlive scheduler stop; the supervisor only gives them
		// panic accounting and a place to wait on at process exit.
		sup: rtsup.NewSupervisor(context.Background(),
			rtsup.WithLogger(log.With(logx.String("comp", "actions"))),
			rtsup.WithCancelOnError(false),
		),
	}
}

// Dispatch tries to start req's action. It returns immediately: OutcomeStarted
// if the guard was acquired and the action is now running on its own goroutine,
// OutcomeSkipped if the job is already running.
func (s *Service) Dispatch(req Request) (Outcome, error) {
	if req.Guard == nil {
		return OutcomeSkipped, ErrNilGuard
	}
	now := time.Now()
	ev := StatusEvent{
		RunID:   s.newRunID(now),
		TaskID:  req.Task.ID,
		URL:     req.Task.URL,
		Trigger: req.Trigger,
		Due:     req.Due,
		Started: now,
	}

	if !req.Guard.TryAcquire() {
		atomic.AddUint64(&s.skipped, 1)
		ev.Status = StatusSkipped
		s.log.Info("capture skipped: already running", logx.Task(req.Task.ID), logx.String("trigger", string(req.Trigger)))
		s.record(ev)
		s.publish(ev)
		return OutcomeSkipped, nil
	}

	atomic.AddUint64(&s.started, 1)
	atomic.AddInt32(&s.inFlight, 1)
	ev.Status = StatusStarted
	s.publish(ev)

	s.sup.Go0("capture."+req.Task.ID, func(ctx context.Context) {
		s.run(ctx, req, ev)
	})
	return OutcomeStarted, nil
}

func (s *Service) run(ctx context.Context, req Request, ev StatusEvent) {
	// The guard is released exactly once: before the terminal event is
	// published, or by the deferred call if anything below panics. A second
	// Release could free a guard some later dispatch already holds.
	done := sync.OnceFunc(func() {
		atomic.AddInt32(&s.inFlight, -1)
		req.Guard.Release()
	})
	defer done()

	s.log.Debug("capture.started", logx.Task(req.Task.ID), logx.Run(ev.RunID), logx.String("url", req.Task.URL))

	ok, err := func() (ok bool, err error) {
		defer func() {
			if r := recover(); r != nil {
				ok = false
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("capture.panic", logx.Task(req.Task.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		if s.action == nil {
			return false, errors.New("no capture action configured")
		}
		return s.action.Execute(ctx, req.Task)
	}()

	ev.Duration = time.Since(ev.Started)
	if err == nil && !ok {
		err = errors.New("capture reported failure")
	}
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		ev.Status = StatusFailed
		ev.Reason = err.Error()
		s.log.Warn("capture.failed", logx.Task(req.Task.ID), logx.Run(ev.RunID), logx.Err(err), logx.Duration("dur", ev.Duration))
	} else {
		atomic.AddUint64(&s.succeeded, 1)
		ev.Status = StatusSucceeded
		s.log.Info("capture.succeeded", logx.Task(req.Task.ID), logx.Run(ev.RunID), logx.Duration("dur", ev.Duration))
	}
	s.record(ev)
	done()
	s.publish(ev)
}

// Drain waits until every in-flight action has returned or ctx is done.
// It does not cancel anything.
func (s *Service) Drain(ctx context.Context) error {
	if atomic.LoadInt32(&s.inFlight) == 0 {
		return nil
	}
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if atomic.LoadInt32(&s.inFlight) == 0 {
				return nil
			}
		}
	}
}

// Abort cancels the context handed to running actions. Only used when the
// process is exiting and Drain timed out.
func (s *Service) Abort() { s.sup.Cancel() }

// InFlight returns the number of running actions.
func (s *Service) InFlight() int { return int(atomic.LoadInt32(&s.inFlight)) }

func (s *Service) Snapshot() Snapshot {
	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()
	return Snapshot{
		InFlight:  int(atomic.LoadInt32(&s.inFlight)),
		Started:   atomic.LoadUint64(&s.started),
		Skipped:   atomic.LoadUint64(&s.skipped),
		Succeeded: atomic.LoadUint64(&s.succeeded),
		Failed:    atomic.LoadUint64(&s.failed),
		History:   h,
	}
}

func (s *Service) publish(ev StatusEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType(ev.Status), Time: time.Now(), Data: ev})
}

func (s *Service) record(ev StatusEvent) {
	s.hmu.Lock()
	s.history = append(s.history, ev)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) newRunID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("run-%x-%x", now.UnixNano(), seq)
}
