// Package main is the entry point for one deep-research worker process.
// The supervisor spawns one of these per session; stdout is reserved for
// the NDJSON event channel, diagnostics go to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/msagent/deepresearch/internal/common/logger"
	"github.com/msagent/deepresearch/internal/tracing"
	"github.com/msagent/deepresearch/internal/worker/engine"
	"github.com/msagent/deepresearch/internal/worker/llmconf"
	"github.com/msagent/deepresearch/internal/worker/protocol"
	"github.com/msagent/deepresearch/internal/worker/runtime"
)

var (
	configFlag    = flag.String("config", "", "Engine configuration file")
	queryFlag     = flag.String("query", "", "Research query to execute")
	sessionIDFlag = flag.String("session_id", "", "Session identifier")
	outputDirFlag = flag.String("output_dir", "", "Artifact output directory")
)

func main() {
	flag.Parse()

	if *queryFlag == "" || *sessionIDFlag == "" || *outputDirFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: dr-worker --config FILE --query TEXT --session_id ID --output_dir DIR")
		os.Exit(2)
	}

	log := logger.Default().WithSessionID(*sessionIDFlag)

	// Capture the real stdout for the event channel, then point os.Stdout
	// at /dev/null so stray prints from any dependency cannot corrupt it.
	eventChannel := os.Stdout
	if devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0); err == nil {
		os.Stdout = devnull
	}
	emitter := protocol.NewEmitter(eventChannel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A termination request flips the stop flag and cancels in-flight work;
	// the runtime turns that into a status:stopped terminal event.
	stop := &runtime.StopFlag{}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info("termination signal received", zap.String("signal", sig.String()))
		stop.Set()
		cancel()
	}()

	if err := os.MkdirAll(*outputDirFlag, 0o755); err != nil {
		log.Error("failed to create output directory", zap.Error(err))
		os.Exit(1)
	}

	override := llmconf.BuildOverride(llmconf.LoadLLMConfig(), *outputDirFlag)
	runner, err := engine.New(engine.NameFromFile(*configFlag), engine.Config{
		ConfigPath: *configFlag,
		OutputDir:  *outputDirFlag,
		Override:   override,
	})
	if err != nil {
		log.Error("failed to construct engine", zap.Error(err))
		os.Exit(1)
	}

	ctx, span := tracing.TraceWorkerRun(ctx, *sessionIDFlag)

	worker := runtime.New(runtime.Options{
		SessionID: *sessionIDFlag,
		Query:     *queryFlag,
		OutputDir: *outputDirFlag,
		Runner:    runner,
		Emitter:   emitter,
		Stop:      stop,
		Logger:    log,
	})
	runErr := worker.Run(ctx)

	span.End()
	_ = tracing.Shutdown(context.Background())
	_ = log.Sync()

	if runErr != nil && !stop.Stopped() {
		os.Exit(1)
	}
}
