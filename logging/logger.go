package logging

import (
	"io"
	"os"
	"sync"
	"time"
)

type Logger interface {
	Debug(component, action, msg string)
	Info(component, action, msg string)
	Warn(component, action, msg string)
	Error(component, action, msg string)
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	WithTraceID(traceID string) Logger
}

// Hook observes every entry that passes the level filter.
type Hook interface {
	Fire(entry LogEntry)
}

type HookFunc func(entry LogEntry)

func (f HookFunc) Fire(entry LogEntry) { f(entry) }

// hookSet is shared by a logger and every logger derived from it, so a hook
// added to the root sees lines written through WithFields children too.
type hookSet struct {
	mu    sync.RWMutex
	hooks []Hook
}

func (h *hookSet) add(hook Hook) {
	h.mu.Lock()
	h.hooks = append(h.hooks, hook)
	h.mu.Unlock()
}

func (h *hookSet) fire(entry LogEntry) {
	h.mu.RLock()
	hooks := h.hooks
	h.mu.RUnlock()
	for _, hook := range hooks {
		hook.Fire(entry)
	}
}

type StandardLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	formatter Formatter
	level     LogLevel
	fields    Fields
	traceID   string
	sanitize  bool
	errType   string
	hooks     *hookSet
}

type LoggerConfig struct {
	Output    io.Writer
	Formatter Formatter
	Level     LogLevel
	Sanitize  bool
	Hooks     []Hook
}

func NewLogger(cfg LoggerConfig) *StandardLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	formatter := cfg.Formatter
	if formatter == nil {
		formatter = NewHumanFormatter(out)
	}

	hooks := &hookSet{}
	for _, h := range cfg.Hooks {
		hooks.add(h)
	}

	return &StandardLogger{
		mu:        &sync.Mutex{},
		out:       out,
		formatter: formatter,
		level:     cfg.Level,
		fields:    make(Fields),
		sanitize:  cfg.Sanitize,
		hooks:     hooks,
	}
}

// AddHook attaches h to this logger and all loggers derived from it.
func (l *StandardLogger) AddHook(h Hook) {
	l.hooks.add(h)
}

func (l *StandardLogger) log(level LogLevel, component, action, msg string) {
	if !level.ShouldLog(l.level) {
		return
	}

	fields := l.fields
	if l.sanitize {
		fields = fields.Sanitize()
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Component: component,
		Action:    action,
		Message:   msg,
		Fields:    fields,
		TraceID:   l.traceID,
		ErrorType: l.errType,
	}
	if errStr, ok := l.fields["error"].(string); ok {
		entry.Error = errStr
	}

	data, err := l.formatter.Format(entry)
	if err == nil {
		l.mu.Lock()
		l.out.Write(data)
		l.mu.Unlock()
	}

	l.hooks.fire(entry)
}

func (l *StandardLogger) Debug(component, action, msg string) {
	l.log(DEBUG, component, action, msg)
}

func (l *StandardLogger) Info(component, action, msg string) {
	l.log(INFO, component, action, msg)
}

func (l *StandardLogger) Warn(component, action, msg string) {
	l.log(WARN, component, action, msg)
}

func (l *StandardLogger) Error(component, action, msg string) {
	l.log(ERROR, component, action, msg)
}

func (l *StandardLogger) derive() *StandardLogger {
	return &StandardLogger{
		mu:        l.mu,
		out:       l.out,
		formatter: l.formatter,
		level:     l.level,
		fields:    l.fields,
		traceID:   l.traceID,
		sanitize:  l.sanitize,
		errType:   l.errType,
		hooks:     l.hooks,
	}
}

func (l *StandardLogger) WithFields(fields Fields) Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	child := l.derive()
	child.fields = merged
	return child
}

func (l *StandardLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	child := l.WithFields(Fields{"error": err.Error()}).(*StandardLogger)
	child.errType = ErrorType(err)
	return child
}

func (l *StandardLogger) WithTraceID(traceID string) Logger {
	child := l.derive()
	child.traceID = traceID
	return child
}

type NopLogger struct{}

func (NopLogger) Debug(component, action, msg string) {}
func (NopLogger) Info(component, action, msg string)  {}
func (NopLogger) Warn(component, action, msg string)  {}
func (NopLogger) Error(component, action, msg string) {}
func (n NopLogger) WithFields(fields Fields) Logger   { return n }
func (n NopLogger) WithError(err error) Logger        { return n }
func (n NopLogger) WithTraceID(traceID string) Logger { return n }
