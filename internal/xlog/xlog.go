// Package xlog provides the process-wide structured logger used across
// transferase, built on go.uber.org/zap with per-module verbosity
// overrides read from XFR_LOG_LEVEL.
package xlog

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	base    *zap.Logger
	sugared *zap.SugaredLogger
	levels  map[string]zapcore.Level
)

func init() {
	levels = parseModuleLevels(os.Getenv("XFR_LOG_LEVEL"))
	base = newLogger(defaultLevel())
	sugared = base.Sugar()
}

// defaultLevel reads the bare (moduleless) verbosity, e.g.
// XFR_LOG_LEVEL=2,server=4,cache=1 sets the package default to 2 and
// overrides server/cache individually.
func defaultLevel() zapcore.Level {
	if lvl, ok := levels[""]; ok {
		return lvl
	}
	return zapcore.InfoLevel
}

// parseModuleLevels parses "module=level" pairs, also accepting a bare
// default entry with no "=".
func parseModuleLevels(val string) map[string]zapcore.Level {
	out := map[string]zapcore.Level{}
	if val == "" {
		return out
	}
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pair := strings.SplitN(part, "=", 2)
		if len(pair) == 1 {
			if n, err := strconv.Atoi(pair[0]); err == nil {
				out[""] = verbosityToZap(n)
			}
			continue
		}
		module, level := pair[0], pair[1]
		n, err := strconv.Atoi(level)
		if err != nil {
			continue
		}
		out[module] = verbosityToZap(n)
	}
	return out
}

// verbosityToZap maps an increasing-is-more-verbose integer onto zap's
// decreasing-is-more-verbose levels.
func verbosityToZap(v int) zapcore.Level {
	switch {
	case v <= 0:
		return zapcore.WarnLevel
	case v == 1:
		return zapcore.InfoLevel
	case v == 2:
		return zapcore.DebugLevel
	default:
		return zapcore.DebugLevel
	}
}

func newLogger(lvl zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to a no-op logger rather than leaving the package
		// unusable.
		l = zap.NewNop()
	}
	return l
}

// Module returns a named sub-logger whose level follows any per-module
// override in XFR_LOG_LEVEL (e.g. "server", "cache", "client").
func Module(name string) *zap.SugaredLogger {
	mu.RLock()
	lvl, ok := levels[name]
	mu.RUnlock()
	if !ok {
		return sugared.Named(name)
	}
	return newLogger(lvl).Sugar().Named(name)
}

// L returns the process-wide default sugared logger.
func L() *zap.SugaredLogger { return sugared }

// Sync flushes any buffered log entries; call before process exit.
func Sync() {
	_ = base.Sync()
}

// SetForTesting swaps the global logger, used by tests that want to
// capture or silence output.
func SetForTesting(l *zap.Logger) func() {
	mu.Lock()
	prevBase, prevSugar := base, sugared
	base, sugared = l, l.Sugar()
	mu.Unlock()
	return func() {
		mu.Lock()
		base, sugared = prevBase, prevSugar
		mu.Unlock()
	}
}
