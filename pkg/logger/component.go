package logger

import (
	"fmt"
	"strings"
)

// ComponentLogger tags every line with a component name and renders
// trailing key/value pairs as key=value.
type ComponentLogger struct {
	component string
	base      *Logger
}

// WithComponent returns a logger bound to the default logger. The default
// logger is resolved on every call, so component loggers created before
// Init still write once logging is configured.
func WithComponent(name string) *ComponentLogger {
	return &ComponentLogger{component: name}
}

// ForComponent binds a component logger to an explicit Logger.
func (l *Logger) ForComponent(name string) *ComponentLogger {
	return &ComponentLogger{component: name, base: l}
}

func (c *ComponentLogger) target() *Logger {
	if c.base != nil {
		return c.base
	}
	return current()
}

func (c *ComponentLogger) emit(level LogLevel, msg string, kv []any) {
	l := c.target()
	if l == nil || !l.shouldLog(level) {
		return
	}
	l.write(level, formatLine(c.component, msg, kv))
}

func formatLine(component, msg string, kv []any) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(component)
	b.WriteString("] ")
	b.WriteString(msg)

	for i := 0; i < len(kv); i += 2 {
		b.WriteString(" ")
		if i+1 >= len(kv) {
			fmt.Fprintf(&b, "!BADKEY=%v", kv[i])
			break
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}

// Debug logs a debug message
func (c *ComponentLogger) Debug(msg string, kv ...any) {
	c.emit(LevelDebug, msg, kv)
}

// Info logs an info message
func (c *ComponentLogger) Info(msg string, kv ...any) {
	c.emit(LevelInfo, msg, kv)
}

// Warn logs a warning message
func (c *ComponentLogger) Warn(msg string, kv ...any) {
	c.emit(LevelWarn, msg, kv)
}

// Error logs an error message
func (c *ComponentLogger) Error(msg string, kv ...any) {
	c.emit(LevelError, msg, kv)
}
