package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// DefaultFilePath is used when file logging is enabled without a path.
const DefaultFilePath = "./shotsched.log"

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field mutates a zerolog event. Later fields win on key collisions.
type Field func(e *zerolog.Event)

func String(k, v string) Field    { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field   { return func(e *zerolog.Event) { e.Int(k, v) } }
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Task and Run tag a line with the task id and run id it concerns.
func Task(id string) Field { return String("task", id) }
func Run(id string) Field  { return String("run", id) }

// Err adds err under "err"; a nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Str("err", err.Error())
		}
	}
}

// sink is the swappable root logger shared by every Logger derived from it.
type sink struct{ p atomic.Pointer[zerolog.Logger] }

func newSink(zl zerolog.Logger) *sink {
	s := &sink{}
	s.p.Store(&zl)
	return s
}

// Logger writes structured lines to a sink. The zero value drops everything.
type Logger struct {
	sink   *sink
	fields []Field
}

var nopSink = newSink(zerolog.Nop())

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{sink: nopSink} }

// NewWriter logs JSON lines to w; tests use it to capture output.
func NewWriter(w io.Writer, level string) Logger {
	return Logger{sink: newSink(zerolog.New(w).Level(parseLevel(level, LevelInfo)).With().Timestamp().Logger())}
}

func (l Logger) IsZero() bool { return l.sink == nil && len(l.fields) == 0 }

func (l Logger) root() *zerolog.Logger {
	if l.sink == nil {
		return nopSink.p.Load()
	}
	return l.sink.p.Load()
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool { return level >= l.root().GetLevel() }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields) }

func (l Logger) log(level zerolog.Level, msg string, fields []Field) {
	e := l.root().WithLevel(level)
	if e == nil {
		return
	}
	// skip log and the exported level method
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, group := range [2][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// Service owns the process-wide sinks and swaps them on config reload.
type Service struct {
	mu   sync.Mutex
	root *sink
	file *os.File
}

// New applies cfg and returns the service with a Logger that follows every
// later Apply.
func New(cfg Config) (*Service, Logger) {
	zerolog.TimeFieldFormat = timeFormat
	s := &Service{root: newSink(zerolog.Nop())}
	s.Apply(cfg)
	return s, Logger{sink: s.root}
}

// Apply replaces the level and outputs. Console is used when nothing else is
// configured or the log file cannot be opened.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.file
	s.file = nil

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.p.Store(&zl)
	if old != nil {
		_ = old.Close()
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// parseLevel accepts zerolog's level names plus "warning"; anything else
// yields def.
func parseLevel(s string, def Level) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}
