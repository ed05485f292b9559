// Package plog is the pool's ambient logging layer: a small
// package-level level/format wrapper around github.com/hashicorp/go-hclog,
// grounded on marmos91-dittofs/internal/logger's Init/SetLevel/SetFormat
// surface but backed by hclog rather than log/slog, matching the rest of
// this repo's structured-logging choice (spec.md's ambient stack).
//
// Nothing on the hot allocation path logs; plog exists for state
// transitions (pool create/open/close), recovery actions and errors.
package plog

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// Config configures the package-level root logger. Level is one of
// "trace", "debug", "info", "warn", "error"; Format is "text" or "json".
type Config struct {
	Level  string
	Format string
	Output *os.File // defaults to os.Stderr
}

var (
	mu       sync.RWMutex
	root     hclog.Logger
	colorVar atomic.Bool
)

func init() {
	colorVar.Store(true)
	root = hclog.New(&hclog.LoggerOptions{
		Name:            "pmemheap",
		Level:           hclog.Info,
		Output:          os.Stderr,
		Color:           hclog.AutoColor,
		IncludeLocation: false,
	})
}

// Init (re)configures the root logger. An empty Level keeps the current
// level; an empty Format selects text output and a nil Output selects
// os.Stderr.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	out := os.Stderr
	if cfg.Output != nil {
		out = cfg.Output
	}
	color := hclog.AutoColor
	if cfg.Output != nil && cfg.Output != os.Stderr && cfg.Output != os.Stdout {
		color = hclog.ColorOff
	}
	level := root.GetLevel()
	if cfg.Level != "" {
		level = parseLevel(cfg.Level)
	}
	jsonFormat := cfg.Format == "json"

	root = hclog.New(&hclog.LoggerOptions{
		Name:            "pmemheap",
		Level:           level,
		Output:          out,
		Color:           color,
		JSONFormat:      jsonFormat,
		IncludeLocation: false,
	})
}

func parseLevel(s string) hclog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return hclog.Trace
	case "debug":
		return hclog.Debug
	case "warn", "warning":
		return hclog.Warn
	case "error":
		return hclog.Error
	case "off":
		return hclog.Off
	default:
		return hclog.Info
	}
}

// Named returns a sub-logger scoped to component, e.g. plog.Named("zone").
// Callers pass the result into heap.Config.Logger and friends so every
// component's lines are attributable without a logging call anywhere on
// the hot path.
func Named(component string) hclog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(component)
}

// Root returns the current root logger, mainly so cmd/pmemheapctl can
// hand it to libraries (e.g. as an hclog.Logger) expecting one directly.
func Root() hclog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}
