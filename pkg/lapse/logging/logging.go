// Package logging provides component loggers for lapse, backed by
// charmbracelet/log and a rotating log file shared by the CLI and daemon.
//
//	if err := logging.Init(logging.Config{Level: "info"}); err != nil {
//	    return err
//	}
//	defer logging.Close()
//
//	log := logging.Get("exposure")
//	log.Info("converged", "exposure", 20, "brightness", 92.4)
//
// Loggers obtained before Init discard everything, so library code can log
// unconditionally.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
)

// Level is a logging severity.
type Level int

// Severities, least to most severe.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "unknown"
	}
	return levelNames[l]
}

func (l Level) charm() log.Level {
	switch l {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// ErrInvalidLevel is returned for unknown level names.
var ErrInvalidLevel = errors.New("invalid log level")

// ParseLevel parses a level name. "warning" is accepted for warn.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		return LevelWarn, nil
	}
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// Config configures the logging system.
type Config struct {
	// Level is the default level for all components.
	Level string

	// Path is the log file. Empty uses DefaultLogPath.
	Path string

	// Rotation controls log file rotation.
	Rotation RotationConfig

	// Components overrides the level per component name.
	Components map[string]string

	// ConsoleLevel mirrors records at or above this level to stderr.
	// Empty disables the mirror.
	ConsoleLevel string

	// Quiet suppresses the console mirror while a full-screen view owns
	// the terminal.
	Quiet bool

	// Recent keeps the last Recent entries in memory for Recent().
	// Zero disables the buffer.
	Recent int
}

// Entry is a log record as seen by subscribers and the recent buffer.
type Entry struct {
	Time      time.Time `json:"time"`
	Level     Level     `json:"-"`
	LevelName string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Fields    []any     `json:"fields,omitempty"`
}

// Logger writes records for one component.
type Logger struct {
	component string
	file      *log.Logger
	console   *log.Logger
	fields    []any
}

func (l *Logger) Debug(msg string, kv ...any) { l.log(LevelDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(LevelInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(LevelWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { l.log(LevelError, msg, kv) }

// With returns a logger that adds kv to every record.
func (l *Logger) With(kv ...any) *Logger {
	out := &Logger{
		component: l.component,
		file:      l.file.With(kv...),
		fields:    append(append([]any(nil), l.fields...), kv...),
	}
	if l.console != nil {
		out.console = l.console.With(kv...)
	}
	return out
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) log(level Level, msg string, kv []any) {
	emit(l.file, level, msg, kv)
	if l.console != nil {
		emit(l.console, level, msg, kv)
	}

	if level.charm() < l.file.GetLevel() {
		return
	}
	global.publish(Entry{
		Time:      time.Now(),
		Level:     level,
		LevelName: level.String(),
		Component: l.component,
		Message:   msg,
		Fields:    append(append([]any(nil), l.fields...), kv...),
	})
}

func emit(logger *log.Logger, level Level, msg string, kv []any) {
	switch level {
	case LevelDebug:
		logger.Debug(msg, kv...)
	case LevelInfo:
		logger.Info(msg, kv...)
	case LevelWarn:
		logger.Warn(msg, kv...)
	case LevelError:
		logger.Error(msg, kv...)
	}
}

type state struct {
	mu          sync.RWMutex
	initialized bool
	writer      *RotatingWriter
	level       Level
	components  map[string]Level
	console     bool
	consoleLvl  Level
	loggers     map[string]*Logger
	recent      *Ring
	subscribers map[chan Entry]struct{}
}

var global = newState()

func newState() *state {
	return &state{
		components:  make(map[string]Level),
		loggers:     make(map[string]*Logger),
		subscribers: make(map[chan Entry]struct{}),
	}
}

// Init configures logging. Calling it again replaces the configuration and
// rebuilds every logger handed out so far.
func Init(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	components := make(map[string]Level, len(cfg.Components))
	for name, raw := range cfg.Components {
		lvl, err := ParseLevel(raw)
		if err != nil {
			return fmt.Errorf("log level for %s: %w", name, err)
		}
		components[name] = lvl
	}

	console, consoleLvl := false, LevelInfo
	if cfg.ConsoleLevel != "" && !cfg.Quiet {
		consoleLvl, err = ParseLevel(cfg.ConsoleLevel)
		if err != nil {
			return fmt.Errorf("console log level: %w", err)
		}
		console = true
	}

	path := cfg.Path
	if path == "" {
		path = DefaultLogPath()
	}
	writer, err := NewRotatingWriter(path, cfg.Rotation)
	if err != nil {
		return fmt.Errorf("log writer: %w", err)
	}

	global.mu.Lock()
	defer global.mu.Unlock()

	if global.writer != nil {
		_ = global.writer.Close()
	}
	global.writer = writer
	global.level = level
	global.components = components
	global.console = console
	global.consoleLvl = consoleLvl
	global.recent = nil
	if cfg.Recent > 0 {
		global.recent = NewRing(cfg.Recent)
	}
	global.initialized = true

	for name := range global.loggers {
		global.loggers[name] = global.build(name)
	}
	return nil
}

// Get returns the logger for component, creating it on first use.
func Get(component string) *Logger {
	global.mu.RLock()
	l, ok := global.loggers[component]
	global.mu.RUnlock()
	if ok {
		return l
	}

	global.mu.Lock()
	defer global.mu.Unlock()
	if l, ok := global.loggers[component]; ok {
		return l
	}
	l = global.build(component)
	global.loggers[component] = l
	return l
}

// build must be called with s.mu held.
func (s *state) build(component string) *Logger {
	level := s.level
	if lvl, ok := s.components[component]; ok {
		level = lvl
	}

	if !s.initialized {
		return &Logger{
			component: component,
			file:      log.NewWithOptions(io.Discard, log.Options{Level: level.charm(), Prefix: component}),
		}
	}

	l := &Logger{
		component: component,
		file: log.NewWithOptions(s.writer, log.Options{
			Level:           level.charm(),
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			Prefix:          component,
		}),
	}
	if s.console {
		l.console = log.NewWithOptions(os.Stderr, log.Options{
			Level:           s.consoleLvl.charm(),
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
			Prefix:          component,
		})
	}
	return l
}

// Close flushes the log file and returns loggers to discard mode.
func Close() error {
	global.mu.Lock()
	defer global.mu.Unlock()

	if !global.initialized {
		return nil
	}

	for ch := range global.subscribers {
		close(ch)
		delete(global.subscribers, ch)
	}

	var err error
	if global.writer != nil {
		if cerr := global.writer.Close(); cerr != nil {
			err = fmt.Errorf("closing log writer: %w", cerr)
		}
		global.writer = nil
	}

	global.initialized = false
	global.recent = nil
	global.components = make(map[string]Level)
	global.loggers = make(map[string]*Logger)
	return err
}

// Subscribe returns a channel receiving every record logged from now on.
// Records are dropped when the channel is full.
func Subscribe() <-chan Entry {
	global.mu.Lock()
	defer global.mu.Unlock()

	ch := make(chan Entry, 64)
	global.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func Unsubscribe(ch <-chan Entry) {
	global.mu.Lock()
	defer global.mu.Unlock()

	for sub := range global.subscribers {
		if sub == ch {
			delete(global.subscribers, sub)
			close(sub)
			return
		}
	}
}

// Recent returns up to n of the latest buffered records, oldest first.
// It returns nil when the buffer is disabled.
func Recent(n int) []Entry {
	global.mu.RLock()
	ring := global.recent
	global.mu.RUnlock()

	if ring == nil {
		return nil
	}
	return ring.Last(n)
}

func (s *state) publish(e Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.recent != nil {
		s.recent.Add(e)
	}
	for ch := range s.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// DefaultLogPath returns $XDG_STATE_HOME/lapse/lapse.log.
func DefaultLogPath() string {
	return filepath.Join(xdg.StateHome, "lapse", "lapse.log")
}

// DefaultConfig returns the logging defaults.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Path:     DefaultLogPath(),
		Rotation: DefaultRotationConfig(),
	}
}
