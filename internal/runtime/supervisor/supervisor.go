// Package supervisor runs named goroutines under one cancellable context.
//
// Every goroutine recovers its own panics. The first error is kept and, with
// WithCancelOnError, cancels the shared context. GoRestart keeps a loop alive
// across errors with exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "shotsched/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool
	wg          sync.WaitGroup

	mu       sync.Mutex
	firstErr error
	stats    map[string]*GoroutineStats
}

type SupervisorOption func(*Supervisor)

// GoroutineStats aggregates every goroutine started under one name.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int       `json:"active"`
	Started     uint64    `json:"started"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
}

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first goroutine error or panic cancel Context.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, stats: map[string]*GoroutineStats{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first error any goroutine returned, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Active is the number of goroutines currently running.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.stats {
		n += st.Active
	}
	return n
}

// Snapshot lists per-name stats, busiest first.
func (s *Supervisor) Snapshot() []GoroutineStats {
	s.mu.Lock()
	out := make([]GoroutineStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Supervisor) begin(name string, restart bool) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	st.Active++
	st.Started++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) end(name string, err error, panicked bool) {
	s.mu.Lock()
	st := s.stats[name]
	st.Active--
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// call runs fn once, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err, panicked = fmt.Errorf("panic in %s: %v", name, r), true
		}
	}()
	return fn(s.ctx), false
}

// Go runs fn once. An error other than context.Canceled is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.begin(name, false)
		err, panicked := s.call(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.end(name, err, panicked)
		if err != nil {
			if !panicked {
				err = fmt.Errorf("%s: %w", name, err)
			}
			s.fail(err)
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff time.Duration
	maxBackoff time.Duration
}

// WithRestartBackoff bounds the doubling delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// GoRestart runs fn and restarts it on error or panic until the context is
// cancelled. A nil return is a clean stop. A run that lasted 30s resets the
// backoff. Restart errors are never recorded as the supervisor's error.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.minBackoff
		for restart := false; s.ctx.Err() == nil; restart = true {
			s.begin(name, restart)
			startedAt := time.Now()
			err, panicked := s.call(name, fn)
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				err = nil
			}
			s.end(name, err, panicked)
			if err == nil {
				return
			}

			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))
			t := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	}()
}

// Stop cancels the context and waits for all goroutines (bounded by ctx).
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}
