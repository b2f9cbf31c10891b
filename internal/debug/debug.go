// Package debug provides opt-in trace logging for the engine.
//
// Logging is off unless LIX_DEBUG is set. With LIX_DEBUG=1 lines go to
// stderr; with LIX_DEBUG=<path> they go to a rotated file so long-running
// processes don't grow an unbounded log.
package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	once    sync.Once
	enabled bool
	logger  *log.Logger
)

func setup() {
	target := os.Getenv("LIX_DEBUG")
	if target == "" {
		return
	}
	enabled = true
	var w io.Writer = os.Stderr
	if target != "1" && target != "true" {
		w = &lumberjack.Logger{
			Filename:   target,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     7, // days
		}
	}
	logger = log.New(w, "lix ", log.LstdFlags|log.Lmicroseconds)
}

// Enabled reports whether debug logging is active.
func Enabled() bool {
	once.Do(setup)
	return enabled
}

// Logf writes a formatted debug line when LIX_DEBUG is set.
func Logf(format string, args ...any) {
	once.Do(setup)
	if !enabled || logger == nil {
		return
	}
	logger.Output(2, fmt.Sprintf(format, args...))
}
