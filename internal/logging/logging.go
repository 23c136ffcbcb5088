// Package logging builds the daemon's structured zap logger and implements
// a --finelog equivalent: selected modules log at debug level while the
// rest of the process stays at the configured baseline, the same
// per-module override the teacher's own logging package offers through its
// --finelog flag, re-expressed without any package-level mutable log state.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls how the base logger and its per-module overrides are
// constructed.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// Development selects zap's human-readable console encoding instead of
	// JSON; intended for local runs, not production deployment.
	Development bool
	// Finelog lists module-name prefixes that should log at debug level
	// regardless of Level, mirroring the teacher's --finelog=$module1,$module2.
	Finelog []string
}

// Factory builds per-module *zap.Logger values sharing a single base
// encoder and sink, so a fine-logged module's output still goes to the same
// destination as everything else — only its level changes.
type Factory struct {
	base        *zap.Logger
	encoder     zapcore.Encoder
	sink        zapcore.WriteSyncer
	level       zapcore.Level
	finelog     []string
}

// New builds the base logger and a Factory for module-scoped children.
func New(cfg Config) (*zap.Logger, *Factory, error) {
	level := parseLevel(cfg.Level)

	var encCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encoder = zapcore.NewJSONEncoder(encCfg)
	}
	sink := zapcore.Lock(zapcore.AddSync(os.Stderr))

	core := zapcore.NewCore(encoder, sink, level)
	base := zap.New(core)

	f := &Factory{base: base, encoder: encoder, sink: sink, level: level, finelog: cfg.Finelog}
	return base, f, nil
}

// For returns a named logger for module, logging at debug level if module
// matches a configured finelog prefix, at the base level otherwise.
func (f *Factory) For(module string) *zap.Logger {
	named := f.base.Named(module)
	if !f.fineEnabled(module) || f.level <= zapcore.DebugLevel {
		return named
	}
	core := zapcore.NewCore(f.encoder, f.sink, zapcore.DebugLevel)
	return zap.New(core).Named(module)
}

func (f *Factory) fineEnabled(module string) bool {
	for _, prefix := range f.finelog {
		if strings.HasPrefix(module, prefix) {
			return true
		}
	}
	return false
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
