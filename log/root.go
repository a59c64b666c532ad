package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

const (
	CPUState = "cpustate" // snapshot loading and sanitizing
	Coverage = "coverage" // coverage breakpoint resolution
	Crash    = "crash"    // crash detection hooks
	KVM      = "kvm"      // kvm backend
	Emu      = "emu"      // unicorn backend
	VMM      = "vmm"      // campaign setup
)

var root atomic.Value

func init() {
	root.Store(&logger{slog.New(DiscardHandler())})
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	default:
		return 0, fmt.Errorf("invalid level: %s", lvl)
	}
}

// InitLogger installs a text logger on stderr at the given level.
func InitLogger(logLevel string) error {
	logLvl, err := ParseLevel(logLevel)
	if err != nil {
		return err
	}

	SetDefault(NewLogger(NewTerminalHandlerWithLevel(os.Stderr, logLvl)))

	return nil
}

// SetDefault sets the default global logger
func SetDefault(l Logger) {
	root.Store(l)

	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

// Root returns the root logger
func Root() Logger {
	return root.Load().(Logger)
}

var knownModules = []string{CPUState, Coverage, Crash, KVM, Emu, VMM}

// moduleEnabled keeps track of whether a module's trace/debug output is on.
// Every known module starts enabled; the crash hooks are hot enough that
// callers usually turn that one off.
var moduleEnabled = func() map[string]*atomic.Bool {
	m := make(map[string]*atomic.Bool, len(knownModules))
	for _, module := range knownModules {
		b := &atomic.Bool{}
		b.Store(true)
		m[module] = b
	}

	return m
}()

// EnableModule enables trace and debug logging for the specified module.
func EnableModule(module string) {
	if b, ok := moduleEnabled[module]; ok {
		b.Store(true)
	}
}

// DisableModule disables trace and debug logging for the specified module.
func DisableModule(module string) {
	if b, ok := moduleEnabled[module]; ok {
		b.Store(false)
	}
}

func isModuleEnabled(module string) bool {
	b, ok := moduleEnabled[module]

	return ok && b.Load()
}

// Trace logs a message at the trace level for a specific module.
func Trace(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}

	Root().Write(LevelTrace, module, msg, ctx...)
}

// Debug logs a message at the debug level for a specific module.
func Debug(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}

	Root().Write(LevelDebug, module, msg, ctx...)
}

// The rest of the logging functions don't filter on module.
func Info(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelError, module, msg, ctx...)
}

// Crit logs at the critical level and terminates the process.
func Crit(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}
