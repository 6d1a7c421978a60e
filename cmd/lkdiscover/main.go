// Command lkdiscover is a demonstration harness for the discovery
// coordinator. It loads a YAML configuration file, runs one discovery
// pass against the live host, logs every reported ELF file and error
// through a trivial logging-only Indexer, and exits. It is not the
// public debugger API and CLI; it exists only to exercise the
// discovery coordinator end to end.
package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coredbg/lkdiscover/internal/config"
	"github.com/coredbg/lkdiscover/internal/decisionlog"
	"github.com/coredbg/lkdiscover/internal/discovery"
	"github.com/coredbg/lkdiscover/internal/indexer"
	"github.com/coredbg/lkdiscover/internal/resolvecache"
)

func main() {
	configPath := flag.String("config", "/etc/lkdiscover/config.yaml", "path to the lkdiscover YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lkdiscover: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Int("candidate_count", len(cfg.CandidatePaths)),
		slog.String("log_level", cfg.LogLevel),
	)

	cache, err := resolvecache.Open(cfg.ResolveCachePath)
	if err != nil {
		logger.Error("failed to open resolve cache", slog.String("path", cfg.ResolveCachePath), slog.Any("error", err))
		os.Exit(1)
	}
	defer cache.Close()
	logger.Info("resolve cache opened", slog.String("path", cfg.ResolveCachePath))

	dlog, err := decisionlog.Open(cfg.DecisionLogPath)
	if err != nil {
		logger.Error("failed to open decision log", slog.String("path", cfg.DecisionLogPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer dlog.Close()
	logger.Info("decision log opened", slog.String("path", cfg.DecisionLogPath))

	osRelease := cfg.OSRelease
	if osRelease == "" {
		osRelease = unameRelease(logger)
	}

	idx := &loggingIndexer{logger: logger, cache: cache}

	d := discovery.New(discovery.Params{
		Indexer:         idx,
		OSRelease:       osRelease,
		DepmodPath:      cfg.DepmodPath,
		IsLiveTarget:    true,
		UseLiveFastPath: cfg.UseLiveFastPath,
		Logger:          logger,
		DecisionLog:     dlog,
		ResolveCache:    cache,
	})
	defer d.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan error, 1)

	go func() {
		done <- d.Run(cfg.CandidatePaths)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-done:
		if err != nil {
			logger.Error("discovery run failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("discovery run complete",
			slog.Int("reported", idx.reported),
			slog.Int("errored", idx.errored),
		)
	}

	logger.Info("lkdiscover exited cleanly")
}

// unameRelease shells out to `uname -r` the way a live-target caller
// normally would, since this demo binary has no typed-object
// collaborator of its own to query the running kernel's release string.
func unameRelease(logger *slog.Logger) string {
	out, err := exec.Command("uname", "-r").Output()
	if err != nil {
		logger.Warn("uname -r failed; proceeding with empty release", slog.Any("error", err))
		return ""
	}
	return strings.TrimSpace(string(out))
}

// loggingIndexer is a trivial indexer.Indexer that logs every reported
// ELF file and error instead of loading debug information from it.
type loggingIndexer struct {
	logger *slog.Logger
	cache  *resolvecache.Cache

	reported int
	errored  int
	indexed  map[string]bool
}

func (li *loggingIndexer) ReportELF(path string, f indexer.ReleasableFile, ef *elf.File, start, end uint64, name string) (bool, error) {
	defer f.Close()
	if li.indexed == nil {
		li.indexed = make(map[string]bool)
	}
	isNew := !li.indexed[name]
	li.indexed[name] = true
	li.reported++
	li.logger.Info("discovered debug file",
		slog.String("path", path),
		slog.String("name", name),
		slog.Uint64("start", start),
		slog.Uint64("end", end),
		slog.Bool("new", isNew),
	)
	return isNew, nil
}

func (li *loggingIndexer) ReportError(path string, message string, cause error) {
	li.errored++
	li.logger.Warn("discovery error", slog.String("path", path), slog.String("message", message), slog.Any("error", cause))
}

func (li *loggingIndexer) Flush() error {
	li.logger.Debug("flush requested")
	return nil
}

func (li *loggingIndexer) IsIndexed(name string) bool {
	return li.indexed[name]
}

func (li *loggingIndexer) LoadMain() bool {
	return true
}

func (li *loggingIndexer) LoadDefault() bool {
	return true
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
