// Package logger builds the process-wide zap logger for studb.
package logger

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every log line as the "service" field.
const ServiceName = "studb"

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

var ErrInvalidLogger = errors.New("invalid logger config")

// Config selects the level, encoding and destination of the log. Empty
// fields mean info, json and stdout.
type Config struct {
	Level string `yaml:"level"`
	// Format is FormatJSON or FormatConsole.
	Format string `yaml:"format"`
	// OutputFile is a path opened for append, or "stdout" / "stderr".
	OutputFile string `yaml:"output_file"`
}

func (c Config) level() (zapcore.Level, error) {
	if c.Level == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return lvl, fmt.Errorf("%w: level %q: %v", ErrInvalidLogger, c.Level, err)
	}
	return lvl, nil
}

// Validate checks Level and Format without opening OutputFile.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Format {
	case "", FormatJSON, FormatConsole:
	default:
		errs = append(errs, fmt.Errorf("%w: format must be %q or %q, got %q", ErrInvalidLogger, FormatJSON, FormatConsole, c.Format))
	}
	return errors.Join(errs...)
}

// New builds a logger from c. It is called once at startup; the caller
// must Sync it before exiting.
func New(c Config) (*zap.Logger, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	lvl, _ := c.level()
	sink, err := openSink(c.OutputFile)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewJSONEncoder(encCfg)
	if c.Format == FormatConsole {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(lvl))
	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("service", ServiceName))), nil
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return zapcore.AddSync(f), nil
}
