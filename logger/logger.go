// Package logger is the single logging surface for unlock-bot.
// Components take a Logger and never write to the terminal directly, so the
// CLI can route output to the console, a run log file, or both.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/fatih/color"
)

// Logger is implemented by every log backend.
type Logger interface {
	Info(format string, args ...interface{})
	Warning(format string, args ...interface{})
	Error(format string, args ...interface{})
	// Close releases the backend. Safe to call more than once.
	Close() error
}

// ConsoleLogger writes colored level tags in front of each line.
type ConsoleLogger struct {
	logger *log.Logger
	quiet  bool

	info    func(a ...interface{}) string
	warning func(a ...interface{}) string
	err     func(a ...interface{}) string
}

// NewConsoleLogger logs to w. With quiet set, Info lines are dropped;
// warnings and errors are always written.
func NewConsoleLogger(w io.Writer, quiet bool) *ConsoleLogger {
	return &ConsoleLogger{
		logger:  log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		quiet:   quiet,
		info:    color.New(color.FgHiCyan).SprintFunc(),
		warning: color.New(color.FgHiYellow).SprintFunc(),
		err:     color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (c *ConsoleLogger) Info(format string, args ...interface{}) {
	if c.quiet {
		return
	}
	c.logger.Printf(c.info("[INFO]")+" "+format, args...)
}

func (c *ConsoleLogger) Warning(format string, args ...interface{}) {
	c.logger.Printf(c.warning("[WARNING]")+" "+format, args...)
}

func (c *ConsoleLogger) Error(format string, args ...interface{}) {
	c.logger.Printf(c.err("[ERROR]")+" "+format, args...)
}

func (c *ConsoleLogger) Close() error { return nil }

// FileLogger appends uncolored lines to a run log.
type FileLogger struct {
	mu     sync.Mutex
	f      *os.File
	logger *log.Logger
}

// NewFileLogger opens (or creates) path in append mode.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &FileLogger{
		f:      f,
		logger: log.New(f, "", log.LstdFlags|log.Lmicroseconds),
	}, nil
}

func (l *FileLogger) Info(format string, args ...interface{}) {
	l.logger.Printf("[INFO] "+format, args...)
}

func (l *FileLogger) Warning(format string, args ...interface{}) {
	l.logger.Printf("[WARNING] "+format, args...)
}

func (l *FileLogger) Error(format string, args ...interface{}) {
	l.logger.Printf("[ERROR] "+format, args...)
}

func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// NopLogger discards everything.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (NopLogger) Info(format string, args ...interface{})    {}
func (NopLogger) Warning(format string, args ...interface{}) {}
func (NopLogger) Error(format string, args ...interface{})   {}
func (NopLogger) Close() error                               { return nil }

// MockLogger records formatted messages for assertions in tests.
type MockLogger struct {
	mu           sync.Mutex
	InfoCalls    []string
	WarningCalls []string
	ErrorCalls   []string
	CloseCalled  bool
}

func NewMockLogger() *MockLogger { return &MockLogger{} }

func (m *MockLogger) Info(format string, args ...interface{}) {
	m.mu.Lock()
	m.InfoCalls = append(m.InfoCalls, fmt.Sprintf(format, args...))
	m.mu.Unlock()
}

func (m *MockLogger) Warning(format string, args ...interface{}) {
	m.mu.Lock()
	m.WarningCalls = append(m.WarningCalls, fmt.Sprintf(format, args...))
	m.mu.Unlock()
}

func (m *MockLogger) Error(format string, args ...interface{}) {
	m.mu.Lock()
	m.ErrorCalls = append(m.ErrorCalls, fmt.Sprintf(format, args...))
	m.mu.Unlock()
}

func (m *MockLogger) Close() error {
	m.mu.Lock()
	m.CloseCalled = true
	m.mu.Unlock()
	return nil
}

// Warnings returns a copy of the recorded warnings.
func (m *MockLogger) Warnings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.WarningCalls...)
}

// Errors returns a copy of the recorded errors.
func (m *MockLogger) Errors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ErrorCalls...)
}

// MultiLogger sends each message to every backend in order.
type MultiLogger struct {
	loggers []Logger
}

func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

func (m *MultiLogger) Info(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Info(format, args...)
	}
}

func (m *MultiLogger) Warning(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Warning(format, args...)
	}
}

func (m *MultiLogger) Error(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Error(format, args...)
	}
}

// Close closes every backend and returns the first error.
func (m *MultiLogger) Close() error {
	var firstErr error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ Logger = (*ConsoleLogger)(nil)
	_ Logger = (*FileLogger)(nil)
	_ Logger = NopLogger{}
	_ Logger = (*MockLogger)(nil)
	_ Logger = (*MultiLogger)(nil)
)
