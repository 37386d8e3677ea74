// Package config loads the studb configuration file. All values are fixed
// once the storage managers are built from them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	flushmanager "github.com/yujikawa/studb/core/write_engine/flush_manager"
	"github.com/yujikawa/studb/core/write_engine/memtable"
	pagemanager "github.com/yujikawa/studb/core/write_engine/page_manager"
	"github.com/yujikawa/studb/core/write_engine/wal"
	internaltelemetry "github.com/yujikawa/studb/internal/telemetry"
	"github.com/yujikawa/studb/pkg/logger"
	"github.com/yujikawa/studb/pkg/telemetry"
)

// MinBlockSize is the smallest accepted block: room for two int fields.
const MinBlockSize = 2 * pagemanager.IntSize

// FlusherConfig controls the background write-back flusher.
type FlusherConfig struct {
	// Interval between sweeps. Zero disables the flusher.
	Interval time.Duration `yaml:"interval"`
	// PagesPerSecond caps write-back throughput. Zero means unlimited.
	PagesPerSecond float64 `yaml:"pages_per_second"`
}

// Config is the top-level configuration.
type Config struct {
	DataDir        string                  `yaml:"data_dir"`
	BlockSize      int                     `yaml:"block_size"`
	MaxBuffers     int                     `yaml:"max_buffers"`
	EvictionPolicy memtable.ReplacerPolicy `yaml:"eviction_policy"`
	FlushOnUnpin   bool                    `yaml:"flush_on_unpin"`
	LogFile        string                  `yaml:"log_file"`
	Flusher        FlusherConfig           `yaml:"flusher"`
	Logger         logger.Config           `yaml:"logger"`
	Telemetry      telemetry.Config        `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir:        "studb_data",
		BlockSize:      pagemanager.DefaultBlockSize,
		MaxBuffers:     memtable.DefaultMaxBuffers,
		EvictionPolicy: memtable.PolicyFIFO,
		LogFile:        wal.DefaultLogFileName,
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName: telemetry.DefaultServiceName,
		},
	}
}

// Load reads a YAML file on top of Default and validates the result. Keys
// missing from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse %s: %v", flushmanager.ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field, each wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("%w: data_dir must be set", flushmanager.ErrInvalidConfig))
	}
	if c.BlockSize < MinBlockSize {
		errs = append(errs, fmt.Errorf("%w: block_size must be >= %d, got %d", flushmanager.ErrInvalidConfig, MinBlockSize, c.BlockSize))
	}
	if c.MaxBuffers < 1 {
		errs = append(errs, fmt.Errorf("%w: max_buffers must be >= 1, got %d", flushmanager.ErrInvalidConfig, c.MaxBuffers))
	}
	if _, err := memtable.NewReplacer(c.EvictionPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.LogFile == "" || filepath.Base(c.LogFile) != c.LogFile {
		errs = append(errs, fmt.Errorf("%w: log_file must be a plain file name, got %q", flushmanager.ErrInvalidConfig, c.LogFile))
	}
	if c.Flusher.Interval < 0 || c.Flusher.PagesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("%w: flusher interval and pages_per_second must not be negative", flushmanager.ErrInvalidConfig))
	}
	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: logger: %w", flushmanager.ErrInvalidConfig, err))
	}
	return errors.Join(errs...)
}

// BufferOptions maps the configuration onto memtable.Options.
func (c Config) BufferOptions(log *zap.Logger, metrics *internaltelemetry.StorageMetrics) memtable.Options {
	return memtable.Options{
		MaxBuffers:   c.MaxBuffers,
		Policy:       c.EvictionPolicy,
		FlushOnUnpin: c.FlushOnUnpin,
		Logger:       log,
		Metrics:      metrics,
	}
}
