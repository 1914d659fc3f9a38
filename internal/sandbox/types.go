package sandbox

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Common errors
var (
	ErrClosed      = errors.New("sandbox is closed")
	ErrNotLoaded   = errors.New("no script has been loaded")
	ErrScriptKind  = errors.New("unknown script kind")
	ErrUnsupported = errors.New("unsupported module syntax")
)

// Config defines sandbox configuration
type Config struct {
	IsolateID        string        // Names the isolate in pair and socket references
	Timeout          time.Duration // Limit on one synchronous run of script code
	MaxCallStackSize int           // Zero keeps the goja default
	ConsoleBuffer    int           // Console entries kept for inspection
	Clock            clock.Clock   // Drives setTimeout and setInterval
	Logger           *zap.Logger
}

// DefaultConfig returns the configuration workers run with.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		MaxCallStackSize: 1024,
		ConsoleBuffer:    256,
	}
}

// LogEntry represents console output
type LogEntry struct {
	Level   string    // log, info, warn, error, debug
	Message string    // Space joined arguments
	Time    time.Time // Timestamp
}

// ScriptError is an exception thrown by script code. It keeps the name and
// stack when relayed over the channel.
type ScriptError struct {
	Name    string
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// ErrorName reports the JavaScript error name.
func (e *ScriptError) ErrorName() string { return e.Name }

// ErrorStack reports the JavaScript stack.
func (e *ScriptError) ErrorStack() string { return e.Stack }
