// Package logging constructs the process-wide zap logger used by every
// orchestra binary (coordinator and agent roles alike), choosing a
// console encoder for an interactive terminal and a JSON encoder
// otherwise, mirroring the oracle CLI client's "be noisy on stderr,
// structured for machines" convention.
package logging

import (
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures logger construction.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// Format is "json", "console", or "" to auto-detect from stderr's
	// terminal-ness.
	Format string
	Fields map[string]string
}

// New builds a *zap.Logger writing to stderr.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return nil, err
		}
	}

	format := opts.Format
	if format == "" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "console"
		} else {
			format = "json"
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	logger := zap.New(core)

	for k, v := range opts.Fields {
		logger = logger.With(zap.String(k, v))
	}
	return logger, nil
}
