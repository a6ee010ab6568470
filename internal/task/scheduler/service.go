package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "shotsched/internal/runtime/supervisor"
	"shotsched/internal/task/engine"
	"shotsched/internal/tasks"
	logx "shotsched/pkg/logx"
)

// Service is the dispatch loop. It is either stopped or running; Start and
// Stop are no-ops when already in the target state.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	reg  *Registry
	disp Dispatcher
	now  func() time.Time

	parent      context.Context
	sup         *rtsup.Supervisor
	tick        time.Duration
	lastChecked time.Time

	ticks      uint64
	tickPanics uint64
}

func New(cfg Config, reg *Registry, disp Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	s := &Service{
		cfg:  cfg,
		log:  log,
		reg:  reg,
		disp: disp,
		now:  time.Now,
	}
	s.loc = s.loadLocationLocked()
	return s
}

func (s *Service) Registry() *Registry { return s.reg }

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Disabled
}

// Running reports whether the dispatch loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

// Location is the zone cron fields are matched in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply swaps the config. A running loop is restarted when the tick changes;
// a timezone change takes effect on the next tick.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if strings.TrimSpace(cfg.Timezone) != oldTZ {
		s.loc = s.loadLocationLocked()
		s.log.Info("timezone changed", logx.String("tz", s.loc.String()))
	}
	running := s.sup != nil
	parent := s.parent
	restart := running && effectiveTick(cfg.Tick) != s.tick
	stop := running && cfg.Disabled
	s.mu.Unlock()

	switch {
	case stop:
		s.Stop()
	case restart:
		s.Stop()
		s.Start(parent, cfg.Tick)
	case !running && !cfg.Disabled && parent != nil:
		s.Start(parent, cfg.Tick)
	}
}

func effectiveTick(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTick
	}
	return d
}

// Start begins polling the registry every tick (DefaultTick when <= 0).
// The loop runs until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context, tick time.Duration) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	if s.sup != nil {
		return
	}
	if s.cfg.Disabled {
		s.log.Warn("scheduler disabled; not starting", logx.Int("jobs", s.reg.Len()))
		return
	}
	tick = effectiveTick(tick)
	s.tick = tick
	s.lastChecked = s.now()
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler.loop"))),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("scheduler.tick", func(ctx context.Context) error {
		return s.loop(ctx, tick)
	}, rtsup.WithRestartBackoff(time.Second, tick))
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Duration("tick", tick), logx.Int("jobs", s.reg.Len()))
}

// Stop halts the loop. In-flight actions are neither cancelled nor awaited.
func (s *Service) Stop() {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	start := time.Now()
	// The loop only ever blocks on its ticker, so this returns promptly.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("scheduler loop did not stop cleanly", logx.Err(err))
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loop(ctx context.Context, tick time.Duration) error {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.runTick(s.now())
		}
	}
}

// runTick dispatches every enabled job with a fire time in
// (lastChecked, now]. Fires missed before lastChecked are not replayed.
// A panic anywhere in here is logged and the loop carries on.
func (s *Service) runTick(now time.Time) (dispatched int) {
	atomic.AddUint64(&s.ticks, 1)

	s.mu.Lock()
	from := s.lastChecked
	loc := s.loc
	s.lastChecked = now
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&s.tickPanics, 1)
			s.log.Error("tick panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	if from.IsZero() || from.After(now) {
		from = now
	}
	fromL, nowL := from.In(loc), now.In(loc)
	for _, j := range s.reg.List() {
		if !j.Enabled {
			continue
		}
		if s.checkJob(j, fromL, nowL) {
			dispatched++
		}
	}
	return dispatched
}

func (s *Service) checkJob(j Job, from, now time.Time) (dispatched bool) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&s.tickPanics, 1)
			s.log.Error("job check panicked", logx.Task(j.TaskID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			dispatched = false
		}
	}()
	next, err := j.Spec.NextFireAfter(from)
	if err != nil {
		s.log.Warn("job has no next fire time", logx.Task(j.TaskID), logx.String("spec", j.Spec.String()), logx.Err(err))
		return false
	}
	if next.After(now) {
		return false
	}
	_, err = s.dispatch(j, engine.TriggerSchedule, next)
	if err != nil {
		s.log.Warn("dispatch failed", logx.Task(j.TaskID), logx.Err(err))
		return false
	}
	return true
}

// RunNow triggers taskID immediately through the same guard as the tick
// loop. It never waits for the action; OutcomeSkipped means a run is
// already in progress. RunNow works whether or not the loop is running,
// and for disabled jobs.
func (s *Service) RunNow(taskID string) (engine.Outcome, error) {
	j, ok := s.reg.Get(taskID)
	if !ok {
		return engine.OutcomeSkipped, fmt.Errorf("%w: %s", ErrJobNotFound, taskID)
	}
	return s.dispatch(j, engine.TriggerManual, time.Time{})
}

func (s *Service) dispatch(j Job, trig engine.Trigger, due time.Time) (engine.Outcome, error) {
	if s.disp == nil {
		return engine.OutcomeSkipped, fmt.Errorf("no dispatcher configured")
	}
	return s.disp.Dispatch(engine.Request{Task: j.Task, Guard: j.Guard, Trigger: trig, Due: due})
}

// Sync reconciles the registry with the configuration store's task list and
// logs what changed.
func (s *Service) Sync(list []tasks.Task) SyncReport {
	rep := s.reg.Sync(list)
	for id, err := range rep.Invalid {
		s.log.Warn("task not scheduled", logx.Task(id), logx.Err(err))
	}
	if rep.Changed() {
		s.log.Info("jobs synced",
			logx.Int("added", len(rep.Added)),
			logx.Int("replaced", len(rep.Replaced)),
			logx.Int("updated", len(rep.Updated)),
			logx.Int("removed", len(rep.Removed)),
			logx.Int("unchanged", len(rep.Unchanged)),
		)
	}
	if s.log.Enabled(logx.LevelDebug) {
		for _, id := range append(append([]string{}, rep.Added...), rep.Replaced...) {
			if j, ok := s.reg.Get(id); ok {
				s.log.Debug("job registered", logx.Task(id), logx.String("spec", j.Spec.String()), logx.String("next", s.previewString(j.Spec, 4)))
			}
		}
	}
	return rep
}

// PreviewNext returns up to n upcoming fire times in the scheduler's zone.
func (s *Service) PreviewNext(spec CronSpec, n int) []time.Time {
	s.mu.Lock()
	loc := s.loc
	now := s.now()
	s.mu.Unlock()
	return Preview(spec, now.In(loc), n)
}

// Preview returns up to n consecutive fire times after from.
func Preview(spec CronSpec, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	t := from
	for i := 0; i < n; i++ {
		next, err := spec.NextFireAfter(t)
		if err != nil {
			break
		}
		out = append(out, next)
		t = next
	}
	return out
}

func (s *Service) previewString(spec CronSpec, n int) string {
	var b strings.Builder
	for i, t := range s.PreviewNext(spec, n) {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}

// Snapshot is a diagnostic view; job guard states may be stale on return.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:     s.sup != nil,
		Enabled:     !s.cfg.Disabled,
		Tick:        s.tick,
		Timezone:    s.loc.String(),
		LastChecked: s.lastChecked,
	}
	loc := s.loc
	now := s.now()
	s.mu.Unlock()

	snap.Ticks = atomic.LoadUint64(&s.ticks)
	snap.TickPanics = atomic.LoadUint64(&s.tickPanics)
	for _, j := range s.reg.List() {
		info := JobInfo{
			TaskID:  j.TaskID,
			Spec:    j.Spec.String(),
			URL:     j.Task.URL,
			Enabled: j.Enabled,
			Running: j.Guard.Running(),
		}
		if next, err := j.Spec.NextFireAfter(now.In(loc)); err != nil {
			info.NextErr = err.Error()
		} else {
			info.Next = next
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	if es, ok := s.disp.(interface{ Snapshot() engine.Snapshot }); ok {
		snap.Engine = es.Snapshot()
	}
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
