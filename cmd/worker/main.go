// Command worker runs one sandboxed worker over stdin and stdout. The
// host process spawns it in subprocess mode and speaks the frame protocol
// on its standard streams; logs go to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/config"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/logging"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
	"github.com/GriffinCanCode/edgeworker/internal/sandbox"
	"github.com/GriffinCanCode/edgeworker/internal/worker"
)

func main() {
	defaults := sandbox.DefaultConfig()

	fs := pflag.NewFlagSet("worker", pflag.ExitOnError)
	timeout := fs.Duration("timeout", defaults.Timeout, "limit on one synchronous run of script code")
	stack := fs.Int("max-call-stack", defaults.MaxCallStackSize, "maximum script call stack depth")
	level := fs.String("log-level", "", "log level (defaults to LOG_LEVEL)")
	_ = fs.Parse(os.Args[1:])

	cfg := config.LoadOrDefault()
	if *level != "" {
		cfg.Logging.Level = *level
	}
	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
	defer log.Sync()

	// The host stops the worker by closing stdin; signals only arrive when
	// the whole process group is interrupted.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sb := defaults
	sb.Timeout = *timeout
	sb.MaxCallStackSize = *stack

	start := time.Now()
	err = worker.Serve(ctx, rpc.NewStreamTransport(os.Stdin, os.Stdout), worker.Options{
		Logger:    log.With(zap.Int("pid", os.Getpid())),
		Sandbox:   sb,
		ChunkSize: cfg.Bodies.ChunkSize,
		InlineMax: cfg.Bodies.InlineThreshold,
	})
	if err != nil {
		log.Error("worker failed", zap.Error(err), zap.Duration("uptime", time.Since(start)))
		log.Sync()
		os.Exit(1)
	}
}
