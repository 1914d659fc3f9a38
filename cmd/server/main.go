package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/config"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/logging"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/server"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/edgeworker/internal/orchestrator"
	"github.com/GriffinCanCode/edgeworker/internal/project"
)

type flags struct {
	script       string
	bindings     string
	kind         string
	watch        []string
	noReload     bool
	dev          bool
	port         string
	host         string
	hostname     string
	workerMode   string
	workerBinary string
	dataDir      string
	doStorage    string
}

func main() {
	var f flags
	fs := pflag.NewFlagSet("edgeworker", pflag.ExitOnError)
	fs.StringVarP(&f.script, "script", "s", "", "worker script to run (required)")
	fs.StringVarP(&f.bindings, "bindings", "b", "", "bindings file (.toml, .yaml or .yml)")
	fs.StringVar(&f.kind, "kind", "", "script kind: module or service-worker (detected when empty)")
	fs.StringSliceVarP(&f.watch, "watch", "w", nil, "extra glob patterns that trigger a reload")
	fs.BoolVar(&f.noReload, "no-reload", false, "do not reload when files change")
	fs.BoolVar(&f.dev, "dev", false, "development logging")
	fs.StringVarP(&f.port, "port", "p", "", "listen port")
	fs.StringVar(&f.host, "host", "", "listen address")
	fs.StringVar(&f.hostname, "hostname-override", "", "host the script sees in request URLs")
	fs.StringVar(&f.workerMode, "worker-mode", "", "inprocess or subprocess")
	fs.StringVar(&f.workerBinary, "worker-binary", "", "worker executable for subprocess mode")
	fs.StringVar(&f.dataDir, "data-dir", "", "directory for local binding storage")
	fs.StringVar(&f.doStorage, "do-storage", "", "default durable object storage: memory, bolt or sqlite")
	_ = fs.Parse(os.Args[1:])

	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, "edgeworker:", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	if f.script == "" {
		return errors.New("--script is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cfg, f)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development, OutputPaths: []string{"stderr"}}
	if f.dev {
		logCfg = logging.DevelopmentConfig()
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("edgeworker", log.Logger)
	defer tracer.Close()

	orch, err := orchestrator.New(orchestrator.Options{
		Config:  cfg,
		Logger:  log.Logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := orch.Close(); err != nil {
			log.Warn("close orchestrator", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proj := project.Project{ScriptPath: f.script, BindingsPath: f.bindings, Kind: f.kind}
	load := func() error {
		script, err := proj.Load()
		if err != nil {
			return err
		}
		if err := orch.Run(ctx, script); err != nil {
			return err
		}
		log.Info("script loaded",
			zap.String("script", f.script),
			zap.String("kind", script.Kind),
			zap.Int("bindings", len(script.Bindings)),
			zap.String("isolate", orch.IsolateID()))
		return nil
	}
	if err := load(); err != nil {
		if f.noReload {
			return err
		}
		// Keep serving 503s until the next edit fixes the script.
		log.Error("load script", zap.Error(err))
	}

	if !f.noReload {
		watcher, err := project.NewWatcher(proj, f.watch, log.Logger)
		if err != nil {
			return err
		}
		go func() {
			err := watcher.Run(ctx, func() {
				log.Info("change detected, reloading")
				if err := load(); err != nil {
					log.Error("reload script", zap.Error(err))
				}
			})
			if err != nil {
				log.Error("watcher stopped", zap.Error(err))
			}
		}()
	}

	srv := server.New(cfg, orch, log.Logger, metrics, tracer)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("shut down")
	return nil
}

func applyFlags(cfg *config.Config, f flags) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Port, f.port)
	set(&cfg.Server.Host, f.host)
	set(&cfg.Server.HostnameOverride, f.hostname)
	set(&cfg.Worker.Mode, f.workerMode)
	set(&cfg.Worker.Binary, f.workerBinary)
	set(&cfg.Storage.DataDir, f.dataDir)
	set(&cfg.Storage.DurableObjectEngine, f.doStorage)
	if f.dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
}
