// Package logging provides categorized structured logging for livepatch.
// Every subsystem logs through a category logger derived from one zap base
// logger; categories can be switched off individually from the config.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup and shutdown
	CategoryEngine   Category = "engine"   // Reload state machine
	CategoryLocator  Category = "locator"  // Source extraction
	CategoryCompiler Category = "compiler" // Unit building and interpretation
	CategoryAgent    Category = "agent"    // Command transport
	CategoryWatch    Category = "watch"    // Source file watcher
)

// Options mirrors config.LoggingConfig to avoid an import cycle.
type Options struct {
	Level      string
	Format     string // json or console
	Categories map[string]bool
	Verbose    bool
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*zap.SugaredLogger)
)

// New builds a zap logger writing to stderr.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// ParseLevel maps a config level name to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// Initialize installs the base logger and the category filter.
// A nil logger resets logging to a no-op.
func Initialize(logger *zap.Logger, enabled map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = zap.NewNop()
	}
	base = logger
	categories = enabled
	loggers = make(map[Category]*zap.SugaredLogger)
}

// isEnabled reports whether category passes the filter. Categories missing
// from the filter are enabled.
func isEnabled(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	return !exists || enabled
}

// Get returns (or creates) the logger for the given category.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	var l *zap.SugaredLogger
	if isEnabled(category) {
		l = base.Named(string(category)).Sugar()
	} else {
		l = zap.NewNop().Sugar()
	}
	loggers[category] = l
	return l
}

// Sync flushes the base logger. Errors from syncing stderr are ignored.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if err := base.Sync(); err != nil && !isStdSyncError(err) {
		fmt.Fprintf(os.Stderr, "[logging] sync failed: %v\n", err)
	}
}

func isStdSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Infof(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debugf(format, args...) }

func Engine(format string, args ...interface{})      { Get(CategoryEngine).Infof(format, args...) }
func EngineDebug(format string, args ...interface{}) { Get(CategoryEngine).Debugf(format, args...) }

func Locator(format string, args ...interface{})      { Get(CategoryLocator).Infof(format, args...) }
func LocatorDebug(format string, args ...interface{}) { Get(CategoryLocator).Debugf(format, args...) }

func Compiler(format string, args ...interface{})      { Get(CategoryCompiler).Infof(format, args...) }
func CompilerDebug(format string, args ...interface{}) { Get(CategoryCompiler).Debugf(format, args...) }

func Agent(format string, args ...interface{})      { Get(CategoryAgent).Infof(format, args...) }
func AgentDebug(format string, args ...interface{}) { Get(CategoryAgent).Debugf(format, args...) }

func Watch(format string, args ...interface{})      { Get(CategoryWatch).Infof(format, args...) }
func WatchDebug(format string, args ...interface{}) { Get(CategoryWatch).Debugf(format, args...) }
