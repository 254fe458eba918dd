// Package debug provides conditional debug logging for arbor.
//
// Debug logging is enabled by setting the ARBOR_DEBUG environment variable:
//
//	ARBOR_DEBUG=1 arbor --dir .
//
// When enabled, debug messages are written to stderr with timestamps.
// When disabled (default), all debug functions are no-ops.
//
// Usage:
//
//	import "github.com/vanderheijden86/arbor/pkg/debug"
//
//	func refresh() {
//	    defer debug.LogEnterExit("refresh")()
//	    debug.Log("fetched %d children", n)
//	}
package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"
)

var (
	// enabled is true when ARBOR_DEBUG is set or SetEnabled(true) was called.
	// Refresh goroutines read it concurrently, hence the atomic.
	enabled atomic.Bool
	logger  atomic.Pointer[log.Logger]
)

func init() {
	if os.Getenv("ARBOR_DEBUG") != "" {
		SetEnabled(true)
	}
}

func newLogger(w io.Writer) *log.Logger {
	return log.New(w, "[ARBOR_DEBUG] ", log.Ltime|log.Lmicroseconds)
}

// Enabled returns whether debug logging is enabled.
func Enabled() bool {
	return enabled.Load()
}

// SetEnabled allows programmatic control of debug logging.
func SetEnabled(e bool) {
	if e && logger.Load() == nil {
		logger.Store(newLogger(os.Stderr))
	}
	enabled.Store(e)
}

// SetOutput redirects debug output. The TUI points this at a log file so
// messages do not tear the alternate screen.
func SetOutput(w io.Writer) {
	logger.Store(newLogger(w))
}

// Log writes a debug message if debug logging is enabled.
// Uses printf-style formatting.
func Log(format string, args ...any) {
	if !enabled.Load() {
		return
	}
	logger.Load().Printf(format, args...)
}

// LogTiming writes a timing message if debug logging is enabled.
func LogTiming(name string, d time.Duration) {
	if !enabled.Load() {
		return
	}
	logger.Load().Printf("%s took %v", name, d)
}

// LogIf writes a debug message only if the condition is true.
func LogIf(cond bool, format string, args ...any) {
	if !enabled.Load() || !cond {
		return
	}
	logger.Load().Printf(format, args...)
}

// LogEnterExit logs function entry and exit with timing.
//
//	func myFunc() {
//	    defer debug.LogEnterExit("myFunc")()
//	}
func LogEnterExit(name string) func() {
	if !enabled.Load() {
		return func() {}
	}
	l := logger.Load()
	l.Printf("-> %s", name)
	start := time.Now()
	return func() {
		l.Printf("<- %s (%v)", name, time.Since(start))
	}
}

// Assert logs a message and panics if the condition is false.
// Only active when debug is enabled.
func Assert(cond bool, format string, args ...any) {
	if !enabled.Load() || cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	logger.Load().Printf("ASSERTION FAILED: %s", msg)
	panic(fmt.Sprintf("debug assertion failed: %s", msg))
}
