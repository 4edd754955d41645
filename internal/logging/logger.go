package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 1000

// Logger is the subset of *slog.Logger that components depend on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config represents logging configuration. Outputs optionally raises the
// minimum level of one destination ("stdout", "journal", "buffer").
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
	Outputs map[string]string `toml:"outputs"`
}

var (
	mutex           sync.RWMutex
	globalConfig    = Config{Level: "info", Format: "text"}
	globalLevelVar  = &slog.LevelVar{}
	moduleLoggers   = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	logBuffer       = NewRingBuffer(defaultBufferSize)
	logCallback     LogCallback

	// sink is the output chain shared by every logger. Level filtering
	// happens before a record reaches it.
	sink atomic.Pointer[sinkRef]
)

type sinkRef struct {
	handler slog.Handler
}

func init() {
	sink.Store(&sinkRef{handler: createSink(globalConfig)})
}

// Initialize applies config: it swaps the output chain and updates the level
// of every logger, including ones handed out earlier.
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	globalConfig = config
	globalLevelVar.Set(levelOr(config.Level, slog.LevelInfo))
	for module, lv := range moduleLevelVars {
		lv.Set(moduleLevel(module))
	}

	sink.Store(&sinkRef{handler: createSink(config)})
	slog.SetDefault(slog.New(&moduleHandler{level: globalLevelVar}))
}

// GetBuffer returns the ring buffer of recent entries.
func GetBuffer() *RingBuffer {
	mutex.RLock()
	defer mutex.RUnlock()
	return logBuffer
}

// SetLogCallback sets a function called for each new entry.
func SetLogCallback(callback LogCallback) {
	mutex.Lock()
	defer mutex.Unlock()
	logCallback = callback
}

func notify(entry LogEntry) {
	mutex.RLock()
	cb := logCallback
	mutex.RUnlock()
	if cb != nil {
		cb(entry)
	}
}

// GetLogger returns the logger for module, creating it on first use. The
// same *slog.Logger is returned for the life of the process.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	logger, ok := moduleLoggers[module]
	mutex.RUnlock()
	if ok {
		return logger
	}

	mutex.Lock()
	defer mutex.Unlock()
	if logger, ok := moduleLoggers[module]; ok {
		return logger
	}

	lv := &slog.LevelVar{}
	lv.Set(moduleLevel(module))
	logger = slog.New(&moduleHandler{level: lv}).With("module", module)
	moduleLoggers[module] = logger
	moduleLevelVars[module] = lv
	return logger
}

// SetModuleLevel changes the level of one module at runtime.
func SetModuleLevel(module, level string) bool {
	l := parseLevel(level)
	if l == nil {
		return false
	}
	GetLogger(module)

	mutex.Lock()
	defer mutex.Unlock()
	if globalConfig.Modules == nil {
		globalConfig.Modules = make(map[string]string)
	}
	globalConfig.Modules[module] = level
	moduleLevelVars[module].Set(*l)
	return true
}

// moduleLevel must be called with mutex held.
func moduleLevel(module string) slog.Level {
	base := levelOr(globalConfig.Level, slog.LevelInfo)
	if s, ok := globalConfig.Modules[module]; ok {
		return levelOr(s, base)
	}
	return base
}

// createSink builds the output chain: stdout (text or JSON), the systemd
// journal when present, and the in-memory ring buffer.
func createSink(config Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	level := func(name string) slog.Level {
		return levelOr(config.Outputs[name], slog.LevelDebug)
	}

	var outputs []output
	if isStdoutAvailable() {
		var stdout slog.Handler
		if config.Format == "json" {
			stdout = slog.NewJSONHandler(os.Stdout, opts)
		} else {
			stdout = slog.NewTextHandler(os.Stdout, opts)
		}
		outputs = append(outputs, newOutput(OutputStdout, stdout, level(OutputStdout)))
	}
	if IsJournalAvailable() {
		outputs = append(outputs, newOutput(OutputJournal, NewJournalHandler(slog.LevelDebug), level(OutputJournal)))
	}
	outputs = append(outputs, newOutput(OutputBuffer,
		NewBufferHandler(logBuffer, slog.LevelDebug, notify), level(OutputBuffer)))

	return newFanout(outputs...)
}

// moduleHandler filters by a per-module level and forwards to the current
// sink. Attributes and groups are replayed onto the sink; the result is
// cached until Initialize installs a new one.
type moduleHandler struct {
	level slog.Leveler
	ops   []handlerOp
	cache atomic.Pointer[builtHandler]
}

type handlerOp struct {
	group string
	attrs []slog.Attr
}

type builtHandler struct {
	base *sinkRef
	h    slog.Handler
}

func (m *moduleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= m.level.Level()
}

func (m *moduleHandler) Handle(ctx context.Context, r slog.Record) error {
	return m.resolve().Handle(ctx, r)
}

func (m *moduleHandler) resolve() slog.Handler {
	base := sink.Load()
	if b := m.cache.Load(); b != nil && b.base == base {
		return b.h
	}
	h := base.handler
	for _, op := range m.ops {
		if op.group != "" {
			h = h.WithGroup(op.group)
		} else {
			h = h.WithAttrs(op.attrs)
		}
	}
	m.cache.Store(&builtHandler{base: base, h: h})
	return h
}

func (m *moduleHandler) with(op handlerOp) *moduleHandler {
	ops := make([]handlerOp, len(m.ops), len(m.ops)+1)
	copy(ops, m.ops)
	return &moduleHandler{level: m.level, ops: append(ops, op)}
}

func (m *moduleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return m
	}
	return m.with(handlerOp{attrs: attrs})
}

func (m *moduleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return m
	}
	return m.with(handlerOp{group: name})
}

// isStdoutAvailable reports whether stdout goes somewhere other than /dev/null.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return (mode&os.ModeCharDevice) != 0 || (mode&os.ModeNamedPipe) != 0 || (mode&os.ModeSocket) != 0 || mode.IsRegular()
}

func levelOr(s string, fallback slog.Level) slog.Level {
	if l := parseLevel(s); l != nil {
		return *l
	}
	return fallback
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}
