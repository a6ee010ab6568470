package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"shotsched/internal/eventbus"
	rtsup "shotsched/internal/runtime/supervisor"
	"shotsched/internal/task/engine"
	logx "shotsched/pkg/logx"
)

var (
	ErrDisabled    = errors.New("notifier disabled")
	ErrQueueFull   = errors.New("notifier queue full")
	ErrRateLimited = errors.New("notifier over rate budget")
	ErrStopped     = errors.New("notifier stopped")
)

type job struct {
	taskID string
	text   string
	key    string
}

// Service turns capture.failed events into chat messages. Messages pass a
// dedup window and a send budget, then wait in a bounded queue for a worker
// that retries with backoff.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue      chan job
	sup        *rtsup.Supervisor
	stopListen context.CancelFunc
	stopDone   chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled && s.sender != nil
	s.mu.Unlock()
	return en
}

// Apply swaps config (and the sender if non-nil) without restarting workers.
// Toggling Enabled takes effect on the next Start or Stop.
func (s *Service) Apply(cfg Config, sender Sender) {
	s.mu.Lock()
	if sender != nil {
		s.sender = sender
	}
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}

	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// Start launches the workers and, if a bus is set, the capture.failed
// listener. It is idempotent and a no-op while disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// notifier failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(32, engine.EventFailed)
		lctx, stopListen := context.WithCancel(sup.Context())
		s.mu.Lock()
		s.stopListen = stopListen
		s.mu.Unlock()
		sup.Go0("notifier.listen", func(context.Context) {
			c := lctx
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					ev, ok := e.Data.(engine.StatusEvent)
					if !ok {
						continue
					}
					if err := s.Notify(c, ev.TaskID, FormatFailure(ev)); err != nil && !errors.Is(err, ErrStopped) {
						s.log.Debug("failure notification not queued", logx.Task(ev.TaskID), logx.Err(err))
					}
				}
			}
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q, sup, stopListen := s.queue, s.sup, s.stopListen
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	if stopListen != nil {
		stopListen()
	}

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.stopListen = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop workers mid-retry.
		sup.Cancel()
		<-done
	}
}

// Notify queues text. Over the rate budget the message is dropped with
// ErrRateLimited; a duplicate inside the dedup window is dropped silently.
func (s *Service) Notify(ctx context.Context, taskID, text string) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, lim, window, chat := s.queue, s.limiter, s.cfg.DedupWindow, s.cfg.ChatID
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(chat, text)
	if window > 0 && !s.dedupAllow(key, window) {
		return nil
	}
	if !lim.Allow() {
		s.publish(EventDropped, NotificationEvent{TaskID: taskID, Key: key, Error: ErrRateLimited.Error()})
		return ErrRateLimited
	}

	select {
	case q <- job{taskID: taskID, text: text, key: key}:
		return nil
	default:
		s.publish(EventDropped, NotificationEvent{TaskID: taskID, Key: key, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	ev.At = time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg, sender := s.cfg, s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}
	to := Target{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Bound per-send call. Keep tight to avoid hanging workers.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := sender.SendText(callCtx, to, j.text)
		cancel()
		if err == nil {
			s.publish(EventSent, NotificationEvent{TaskID: j.taskID, Key: j.key})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	s.log.Warn("failure notification not delivered", logx.Task(j.taskID), logx.Err(lastErr))
	s.publish(EventFailed, NotificationEvent{TaskID: j.taskID, Key: j.key, Error: lastErr.Error()})
}

// FormatFailure renders one capture.failed event.
func FormatFailure(ev engine.StatusEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Screenshot failed: %s\n", ev.TaskID)
	if ev.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", ev.URL)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", ev.Reason)
	}
	fmt.Fprintf(&b, "Trigger: %s", ev.Trigger)
	if !ev.Due.IsZero() {
		fmt.Fprintf(&b, " (due %s)", ev.Due.Format("2006-01-02 15:04"))
	}
	return b.String()
}

func dedupKey(chat int64, text string) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|", chat)
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
