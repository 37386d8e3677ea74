package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/yujikawa/studb/config"
	flushmanager "github.com/yujikawa/studb/core/write_engine/flush_manager"
	"github.com/yujikawa/studb/core/write_engine/memtable"
	"github.com/yujikawa/studb/core/write_engine/wal"
	internaltelemetry "github.com/yujikawa/studb/internal/telemetry"
	"github.com/yujikawa/studb/pkg/logger"
	"github.com/yujikawa/studb/pkg/telemetry"
)

func main() {
	os.Exit(realMain(os.Args[1:], os.Stderr))
}

// realMain returns the process exit code, so its deferred log Sync runs
// before main calls os.Exit.
func realMain(argv []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("studb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to a YAML config file")
	dataDir := fs.String("data_dir", "", "Data directory (overrides the config file)")
	if err := fs.Parse(argv); err != nil {
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(stderr, "studb: %v\n", err)
			return 1
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "studb: %v\n", err)
		return 1
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(stderr, "studb: %v\n", err)
		return 1
	}
	defer log.Sync()

	if err := run(cfg, log, fs.Args()); err != nil {
		log.Error("studb exited with error", zap.Error(err))
		return 1
	}
	return 0
}

// run wires the storage managers from cfg and executes either the given
// one-shot command or an interactive session.
func run(cfg config.Config, log *zap.Logger, args []string) (err error) {
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if serr := shutdownTelemetry(context.Background()); serr != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(serr))
		}
	}()

	metrics, err := internaltelemetry.NewStorageMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create storage metrics: %w", err)
	}

	fm, err := flushmanager.NewFileManager(cfg.DataDir, cfg.BlockSize, log, metrics)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, fm.Close()) }()

	bm, err := memtable.NewBufferManager(fm, cfg.BufferOptions(log, metrics))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, bm.Close()) }()

	lm, err := wal.NewLogManager(cfg.DataDir, cfg.LogFile, log, metrics)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, lm.Close()) }()

	if cfg.Flusher.Interval > 0 {
		flusher := memtable.NewFlusher(bm, cfg.Flusher.Interval, cfg.Flusher.PagesPerSecond, log)
		flusher.Start()
		defer flusher.Stop()
	}

	sh := &shell{fm: fm, bm: bm, lm: lm, logger: log.Named("shell")}
	if len(args) > 0 {
		_ = sh.processCommand(args, os.Stdout)
		return nil
	}
	return interactive(sh, filepath.Join(cfg.DataDir, ".studb_history"))
}

func interactive(sh *shell, historyPath string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "studb> ",
		HistoryFile:     historyPath,
		HistoryLimit:    1000,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(rl.Stdout(), "studb shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading line: %w", err)
		}
		if errors.Is(sh.processCommand(strings.Fields(line), rl.Stdout()), errExit) {
			return nil
		}
	}
}
