// Command aires runs the AIRES daemon: it watches an input directory for
// compiler/build error output, routes each file through the four-stage LLM
// research pipeline, and writes Markdown booklets to an output directory.
//
// Grounded on cmd/kilroy/main.go's signal-driven context cancellation,
// generalized from kilroy's one-shot pipeline-run CLI onto a long-running
// daemon with no subcommands: it starts running when launched, and
// --version (or -v) prints the version instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aires-project/aires/internal/aiclient"
	"github.com/aires-project/aires/internal/archive"
	"github.com/aires-project/aires/internal/assembler"
	"github.com/aires-project/aires/internal/bus"
	"github.com/aires-project/aires/internal/config"
	"github.com/aires-project/aires/internal/controlserver"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/metrics"
	"github.com/aires-project/aires/internal/model"
	"github.com/aires-project/aires/internal/orchestrator"
	"github.com/aires-project/aires/internal/parser"
	"github.com/aires-project/aires/internal/stageworker"
	"github.com/aires-project/aires/internal/status"
	"github.com/aires-project/aires/internal/store"
	"github.com/aires-project/aires/internal/watcher"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("aires %s\n", version)
		return
	}

	configPath := "aires.ini"
	for i, a := range os.Args {
		if a == "--config" && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}

	log := logging.New(os.Stderr, logging.LevelInfo)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("fatal: failed to load config", "error", err)
		os.Exit(1)
	}
	level, _ := logging.ParseLevel(cfg.LogLevel)
	log = logging.New(os.Stderr, level)

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	exitCode := run(ctx, cfg, configPath, log)
	os.Exit(exitCode)
}

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// run wires the full dependency graph (spec §9: Config -> Logger -> Store
// -> Bus -> {Watcher, Parser, Stage Workers x4, Orchestrator, Assembler})
// and blocks until ctx is canceled or a fatal error occurs.
func run(ctx context.Context, cfg *config.Config, configPath string, log *logging.Logger) int {
	st, err := store.Open(ctx, cfg.DBConnectionString)
	if err != nil {
		log.Error("fatal: failed to open store", "error", err)
		return 1
	}
	defer st.Close()

	b := bus.New(log)
	reg := metrics.New()
	reporter := status.New(st, cfg.HealthWindowSeconds)

	mover := archive.New(cfg.InputDirectory, log)
	cleaner := archive.NewCleaner(cfg.InputDirectory, cfg.RetentionDays, log)
	asm := assembler.New(cfg, log)

	orch := orchestrator.New(cfg, st, b, asm, mover, log, reg)
	orch.Register()

	registry := parser.DefaultRegistry()
	parserWorker := parser.NewWorker(cfg, st, b, registry, orch, log)
	parserWorker.Register()

	ai := aiclient.New(cfg, log, cfg.MaxStageAttempts, reg)
	for n := model.StageDocs; n <= model.StageSynth; n++ {
		sw := stageworker.New(n, cfg, st, b, ai, log, reg, reporter)
		sw.Register()
	}

	pub := bus.NewPublisher(st, b, log, cfg.MaxPublishAttempts, reporter)

	w := watcher.New(cfg, st, log, reg, reporter)
	ctrl := controlserver.New(cfg, configPath, st, reg, reporter, w, log)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	errCh := make(chan error, 2)
	go pub.Run(runCtx)
	go func() {
		errCh <- w.Run(runCtx)
	}()
	go func() {
		errCh <- ctrl.ListenAndServe()
	}()
	go runDailyRetentionSweep(runCtx, cleaner, log)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
		w.Drain()
		grace := time.Duration(cfg.ShutdownGraceSeconds) * time.Second
		_ = ctrl.Shutdown(grace)
		runCancel()
		return 0
	case err := <-errCh:
		if err != nil {
			log.Error("fatal: component failed", "error", err)
			runCancel()
			return 2
		}
	}
	return 0
}

func runDailyRetentionSweep(ctx context.Context, c *archive.Cleaner, log *logging.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Run(ctx); err != nil {
				log.Error("retention sweep failed", "error", err)
			}
		}
	}
}
