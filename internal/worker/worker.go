// Package worker is the script side of the emulator. It owns one sandbox
// runtime and answers the requests the orchestrator sends over a channel:
// run-script, worker-fetch and do-alarm.
//
// The same code runs in-process behind an rpc.Pipe and as a standalone
// binary speaking framed messages over stdin and stdout.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/bodies"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
	"github.com/GriffinCanCode/edgeworker/internal/sandbox"
)

// ErrAlreadyLoaded is returned for a second run-script on the same worker.
var ErrAlreadyLoaded = errors.New("worker already runs a script")

// Options configures a worker.
type Options struct {
	Logger    *zap.Logger
	Sandbox   sandbox.Config
	ChunkSize int   // Zero uses bodies.DefaultChunkSize
	InlineMax int64 // Zero uses bodies.DefaultInlineMax
}

// Worker serves one channel.
type Worker struct {
	opts     Options
	logger   *zap.Logger
	ch       *rpc.Channel
	registry *bodies.Registry

	mu      sync.Mutex
	rt      *sandbox.Runtime
	loading bool
}

// New creates a worker on transport. Nothing is received until Serve.
func New(transport rpc.Transport, opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = bodies.DefaultChunkSize
	}
	if opts.InlineMax <= 0 {
		opts.InlineMax = bodies.DefaultInlineMax
	}
	logger := opts.Logger.Named("worker")

	w := &Worker{
		opts:     opts,
		logger:   logger,
		ch:       rpc.NewChannel(transport, logger.Named("rpc")),
		registry: bodies.NewRegistry(opts.ChunkSize, opts.InlineMax),
	}
	w.registry.Install(w.ch)
	w.ch.AddRequestHandler(protocol.MethodRunScript, w.handleRunScript)
	w.ch.AddRequestHandler(protocol.MethodWorkerFetch, w.handleFetch)
	w.ch.AddRequestHandler(protocol.MethodDOAlarm, w.handleAlarm)
	return w
}

// Serve runs until the transport ends or ctx is cancelled. The runtime is
// closed on the way out.
func Serve(ctx context.Context, transport rpc.Transport, opts Options) error {
	return New(transport, opts).Serve(ctx)
}

// Serve receives requests until the channel shuts down.
func (w *Worker) Serve(ctx context.Context) error {
	err := w.ch.Serve(ctx)

	w.mu.Lock()
	rt := w.rt
	w.rt = nil
	w.mu.Unlock()
	if rt != nil {
		rt.Close()
	}
	w.logger.Info("worker stopped")
	return err
}

// Runtime returns the loaded runtime, or nil before run-script succeeds.
func (w *Worker) Runtime() *sandbox.Runtime {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rt
}

func (w *Worker) handleRunScript(ctx context.Context, p rpc.Payload) (any, error) {
	var req protocol.RunScript
	if err := rpc.Decode(p, &req); err != nil {
		return nil, rpc.Protocolf("decode run-script: %v", err)
	}

	w.mu.Lock()
	if w.rt != nil || w.loading {
		w.mu.Unlock()
		return nil, ErrAlreadyLoaded
	}
	w.loading = true
	w.mu.Unlock()

	rt, err := w.load(ctx, req)

	w.mu.Lock()
	w.loading = false
	w.rt = rt
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (w *Worker) load(ctx context.Context, req protocol.RunScript) (*sandbox.Runtime, error) {
	cfg := w.opts.Sandbox
	cfg.IsolateID = req.IsolateID
	if cfg.Logger == nil {
		cfg.Logger = w.opts.Logger
	}

	rt, err := sandbox.New(w.ch, w.registry, cfg)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	rt.Install()
	if err := rt.Load(ctx, req); err != nil {
		rt.Close()
		w.logger.Warn("script failed to load", zap.String("isolate", req.IsolateID), zap.Error(err))
		return nil, err
	}
	w.logger.Info("script running",
		zap.String("isolate", req.IsolateID),
		zap.String("kind", req.ScriptKind),
		zap.Int("bindings", len(req.Bindings)))
	return rt, nil
}

func (w *Worker) runtime() (*sandbox.Runtime, error) {
	rt := w.Runtime()
	if rt == nil {
		return nil, sandbox.ErrNotLoaded
	}
	return rt, nil
}

func (w *Worker) handleFetch(ctx context.Context, p rpc.Payload) (any, error) {
	var req protocol.HTTPRequest
	if err := rpc.Decode(p, &req); err != nil {
		return nil, rpc.Protocolf("decode worker-fetch: %v", err)
	}
	rt, err := w.runtime()
	if err != nil {
		return nil, err
	}
	return rt.Fetch(ctx, req)
}

func (w *Worker) handleAlarm(ctx context.Context, p rpc.Payload) (any, error) {
	var req protocol.DOAlarm
	if err := rpc.Decode(p, &req); err != nil {
		return nil, rpc.Protocolf("decode do-alarm: %v", err)
	}
	rt, err := w.runtime()
	if err != nil {
		return nil, err
	}
	return nil, rt.Alarm(ctx, req)
}
