package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "shotsched/pkg/logx"
)

type ConfigManager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// saveMu serializes read-modify-write cycles through Update.
	saveMu sync.Mutex

	// subsMu guards subscriber list and ensures we never send on a channel
	// that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lastHash tracks the last committed config content so editor write
	// bursts and our own saves don't republish identical content.
	lastHash uint64
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs a validation hook used by Watch() before committing/publishing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, b)
}

func decode(path string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if len(bytes.TrimSpace(jb)) == 0 {
		return &cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Update re-reads the file, applies fn to a fresh copy, writes the result
// atomically and commits it. A missing file starts from an empty Config.
func (m *ConfigManager) Update(fn func(cfg *Config) error) (*Config, error) {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	cfg, err := m.Parse()
	if os.IsNotExist(err) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := fn(cfg); err != nil {
		return nil, err
	}
	if err := m.write(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) write(cfg *Config) error {
	b, err := encode(m.path, cfg)
	if err != nil {
		return err
	}
	return writeFileAtomic(m.path, b)
}

// writeFileAtomic replaces path via a temp file in the same directory so the
// watcher never parses a half-written file. The old file mode is kept.
func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o600)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Latest wins: on a full buffer drop the oldest entry and retry once.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
				m.log.Debug("config update dropped (subscriber slow)",
					logx.Int("queue_len", len(ch)),
					logx.Int("queue_cap", cap(ch)),
				)
			}
		}
	}
}

// reload parses the file and, if the content changed and passes the
// validator, commits and publishes it.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

// watchBackoff is the jittered exponential delay between watcher restarts.
type watchBackoff struct {
	cur, base, max time.Duration
	rng            *rand.Rand
}

func (b *watchBackoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	if b.cur < b.max {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	return wait
}

func (b *watchBackoff) reset() { b.cur = b.base }

// Watch reloads the file on change until ctx is done. The fsnotify watcher is
// recreated if it breaks, which happens with some editors and platforms.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	bo := &watchBackoff{
		cur:  250 * time.Millisecond,
		base: 250 * time.Millisecond,
		max:  5 * time.Second,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	// debounce to avoid parsing partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path))
		timer = time.AfterFunc(250*time.Millisecond, func() { m.reload(ctx) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(bo.next()) {
				return nil
			}
			continue
		}

		bo.reset()
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				// Compare by basename; SaveTasks renames a temp file over the target.
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				msg := strings.ToLower(err.Error())
				if strings.Contains(msg, "overflow") {
					// Events may have been missed; reload once and keep going.
					m.log.Warn("config watch overflow; forcing reload", logx.Err(err), logx.String("dir", dir))
					debounce()
					continue
				}
				m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
				if strings.Contains(msg, "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.String("file", file), logx.Duration("backoff", wait))
		if !sleep(wait) {
			return nil
		}
	}
	return nil
}
