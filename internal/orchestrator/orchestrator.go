// Package orchestrator owns the worker lifecycle. Each Run recycles the
// worker: the previous generation is shut down completely before a fresh
// one is spawned, wired to a new channel with every capability host
// installed, and handed the script. Fetch forwards inbound HTTP requests to
// the current generation.
package orchestrator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/bodies"
	"github.com/GriffinCanCode/edgeworker/internal/bucket"
	"github.com/GriffinCanCode/edgeworker/internal/hosts"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/config"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/edgeworker/internal/kv"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
	"github.com/GriffinCanCode/edgeworker/internal/sandbox"
	"github.com/GriffinCanCode/edgeworker/internal/shared/id"
	"github.com/GriffinCanCode/edgeworker/internal/worker"
)

var (
	// ErrNotRunning is returned by Fetch before a Run has completed.
	ErrNotRunning = errors.New("no script is running")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator is closed")
)

// Script is what Run loads into a fresh worker.
type Script struct {
	Contents string
	Kind     string
	Bindings []protocol.Binding
}

// FetchOptions describe how an inbound request reached the server.
type FetchOptions struct {
	ClientIP string
	// HostnameOverride replaces the host of the URL the script sees.
	HostnameOverride string
}

// Options configure an Orchestrator.
type Options struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	Tracer  *tracing.Tracer
	Clock   clock.Clock
	// Spawner overrides the spawner chosen from Config.Worker.Mode.
	Spawner Spawner
	// Sandbox configures in-process workers.
	Sandbox sandbox.Config
	// Dialer and TLSConfig configure the socket host.
	Dialer    hosts.Dialer
	TLSConfig *tls.Config
}

// Orchestrator runs one worker generation at a time.
type Orchestrator struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
	spawner Spawner
	breaker *resilience.Breaker
	opts    Options

	// Process lifetime hosts, shared by every generation.
	kv      *kv.Store
	r2      *hosts.R2
	kvHost  *hosts.KV
	storage *hosts.DOStorage
	d1      *hosts.D1
	fetch   *hosts.Fetch

	runMu sync.Mutex

	mu      sync.RWMutex
	current *generation
	closed  bool
}

// generation is one spawned worker and the state bound to its channel.
type generation struct {
	isolateID  id.IsolateID
	proc       Process
	ch         *rpc.Channel
	bodies     *bodies.Registry
	websockets *hosts.WebSockets
	sockets    *hosts.Sockets
	served     chan struct{}
}

// New creates an orchestrator and opens the storage shared by every
// generation.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	cfg := opts.Config
	logger := opts.Logger.Named("orchestrator")

	store, err := kv.Open(filepath.Join(cfg.Storage.DataDir, "kv.db"), opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}

	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		spawner: opts.Spawner,
		opts:    opts,
		kv:      store,
		kvHost:  hosts.NewKV(store),
		r2:      hosts.NewR2(bucket.New(filepath.Join(cfg.Storage.DataDir, "r2"), opts.Clock)),
		storage: hosts.NewDOStorage(hosts.DOStorageOptions{
			DataDir:       cfg.Storage.DataDir,
			DefaultEngine: cfg.Storage.DurableObjectEngine,
			Clock:         opts.Clock,
			Logger:        opts.Logger,
			Metrics:       opts.Metrics,
		}),
		d1: hosts.NewD1(cfg.Storage.DataDir, opts.Logger),
		fetch: hosts.NewFetch(hosts.FetchOptions{
			HeaderTimeout: 30 * time.Second,
			Logger:        opts.Logger,
		}),
	}
	o.breaker = resilience.New("worker-spawn", resilience.Settings{
		Timeout: 10 * time.Second,
		Clock:   opts.Clock,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// A script that fails to evaluate is the user's error, not a
		// broken worker.
		IsSuccessful: func(err error) bool {
			var remote *rpc.RemoteError
			return err == nil || errors.As(err, &remote)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("spawn breaker changed state", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	if o.spawner == nil {
		o.spawner = o.defaultSpawner()
	}
	o.storage.SetDispatcher(o.dispatchAlarm)
	return o, nil
}

func (o *Orchestrator) defaultSpawner() Spawner {
	if o.cfg.Worker.Mode == "subprocess" {
		return Subprocess{Binary: o.cfg.Worker.Binary, Logger: o.logger}
	}
	sb := o.opts.Sandbox
	if sb.Timeout == 0 {
		sb = sandbox.DefaultConfig()
	}
	if sb.Clock == nil {
		sb.Clock = o.opts.Clock
	}
	return InProcess{Options: worker.Options{
		Logger:    o.opts.Logger,
		Sandbox:   sb,
		ChunkSize: o.cfg.Bodies.ChunkSize,
		InlineMax: o.cfg.Bodies.InlineThreshold,
	}}
}

// Run replaces the running worker with a fresh one executing script. It
// returns once the script has been evaluated. Runs are serialized; the
// previous generation is fully shut down before the next is spawned.
func (o *Orchestrator) Run(ctx context.Context, script Script) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	prev := o.current
	o.current = nil
	o.mu.Unlock()

	if prev != nil {
		o.shutdown(prev)
	}

	var gen *generation
	err := o.breaker.Execute(func() error {
		var err error
		gen, err = o.start(ctx, script)
		return err
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.current = gen
	o.mu.Unlock()
	o.metrics.IncGenerations()
	o.logger.Info("worker generation running",
		zap.String("isolate", gen.isolateID.String()),
		zap.String("kind", script.Kind),
		zap.Int("bindings", len(script.Bindings)))
	return nil
}

// start spawns a worker, installs the hosts on its channel and loads the
// script.
func (o *Orchestrator) start(ctx context.Context, script Script) (*generation, error) {
	proc, err := o.spawner.Spawn(ctx)
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	gen := &generation{
		isolateID:  id.NewIsolateID(),
		proc:       proc,
		ch:         rpc.NewChannel(proc.Transport(), o.logger.Named("rpc"), rpc.WithMetrics(o.metrics)),
		bodies:     bodies.NewRegistry(o.cfg.Bodies.ChunkSize, o.cfg.Bodies.InlineThreshold),
		websockets: hosts.NewWebSockets(o.opts.Logger, o.metrics),
		sockets: hosts.NewSockets(hosts.SocketsOptions{
			Dialer:    o.opts.Dialer,
			TLSConfig: o.opts.TLSConfig,
			Logger:    o.opts.Logger,
			Metrics:   o.metrics,
		}),
		served: make(chan struct{}),
	}
	gen.bodies.Install(gen.ch)
	conn := hosts.Conn{Channel: gen.ch, Bodies: gen.bodies}
	for _, h := range []hosts.Host{o.kvHost, o.r2, o.storage, o.d1, o.fetch, gen.websockets, gen.sockets} {
		h.Install(conn)
	}

	go func() {
		defer close(gen.served)
		if err := gen.ch.Serve(context.Background()); err != nil {
			o.logger.Warn("worker channel failed", zap.String("isolate", gen.isolateID.String()), zap.Error(err))
		}
	}()

	_, err = gen.ch.SendRequest(ctx, protocol.MethodRunScript, protocol.RunScript{
		ScriptContents: script.Contents,
		ScriptKind:     script.Kind,
		Bindings:       script.Bindings,
		IsolateID:      gen.isolateID.String(),
	})
	if err != nil {
		o.shutdown(gen)
		return nil, fmt.Errorf("run script: %w", err)
	}
	return gen, nil
}

// shutdown closes a generation and waits for its worker to exit, killing
// it after the configured timeout.
func (o *Orchestrator) shutdown(gen *generation) {
	gen.websockets.Close()
	gen.sockets.Close()
	_ = gen.ch.Close()
	<-gen.served

	timeout := o.cfg.Worker.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-gen.proc.Done():
	case <-time.After(timeout):
		o.logger.Warn("worker did not exit in time, killing it", zap.String("isolate", gen.isolateID.String()))
		if err := gen.proc.Kill(); err != nil {
			o.logger.Error("kill worker", zap.Error(err))
		}
		<-gen.proc.Done()
	}
	o.logger.Info("worker generation stopped", zap.String("isolate", gen.isolateID.String()))
}

func (o *Orchestrator) generation() (*generation, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return nil, ErrClosed
	}
	if o.current == nil {
		return nil, ErrNotRunning
	}
	return o.current, nil
}

// Fetch forwards req to the running script. The response body streams
// from the worker. When the script answered with a WebSocket pair the
// returned ref names it; pass it to BridgeWebSocket after upgrading.
//
// A failure while servicing the request is logged with its stack and
// answered with a plain 500 response. Only ErrNotRunning and ErrClosed
// are returned as errors.
func (o *Orchestrator) Fetch(ctx context.Context, req *http.Request, opts FetchOptions) (*http.Response, *protocol.WebSocketRef, error) {
	gen, err := o.generation()
	if err != nil {
		return nil, nil, err
	}

	span, ctx := o.tracer.StartSpan(ctx, "worker-fetch")
	span.SetTag("isolate", gen.isolateID.String())
	defer func() {
		span.Finish()
		o.tracer.Submit(span)
	}()

	resp, ref, err := o.forward(ctx, gen, req, opts)
	o.metrics.RecordWorkerFetch(err == nil)
	if err != nil {
		span.SetError(err)
		o.logFailure(req, err)
		return errorResponse(req, err), nil, nil
	}
	span.SetStatus(resp.StatusCode)
	return resp, ref, nil
}

func (o *Orchestrator) forward(ctx context.Context, gen *generation, req *http.Request, opts FetchOptions) (*http.Response, *protocol.WebSocketRef, error) {
	body, err := gen.bodies.Encode(req.Body, req.ContentLength)
	if err != nil {
		return nil, nil, fmt.Errorf("encode request body: %w", err)
	}

	headers := req.Header.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	tracing.InjectTraceContext(ctx, headers.Set)
	if opts.ClientIP != "" {
		headers.Set("CF-Connecting-IP", opts.ClientIP)
	}

	out, err := rpc.Call[protocol.HTTPResponse](ctx, gen.ch, protocol.MethodWorkerFetch, protocol.HTTPRequest{
		Method:   req.Method,
		URL:      requestURL(req, opts.HostnameOverride),
		Headers:  headers,
		Body:     body,
		ClientIP: opts.ClientIP,
	})
	if err != nil {
		if body != nil && !body.IsInline {
			gen.bodies.Release(body.ID)
		}
		return nil, nil, err
	}

	respBody := bodies.Open(gen.ch, out.Body)
	if body != nil && !body.IsInline {
		// Released with the response; the script may stream the request
		// body into it.
		respBody = &releasingBody{ReadCloser: respBody, release: func() { gen.bodies.Release(body.ID) }}
	}

	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", out.Status, statusText(out)),
		StatusCode:    out.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header(out.Headers),
		Body:          respBody,
		ContentLength: -1,
		Request:       req,
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if out.Body == nil {
		resp.ContentLength = 0
	} else if out.Body.IsInline {
		resp.ContentLength = int64(len(out.Body.Inline))
	}
	return resp, out.WebSocket, nil
}

// releasingBody runs release after the wrapped body is closed.
type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}

// BridgeWebSocket relays an upgraded client connection to the worker side
// of the pair named by ref. It returns when either side closes.
func (o *Orchestrator) BridgeWebSocket(ctx context.Context, ref protocol.WebSocketRef, conn *websocket.Conn) error {
	gen, err := o.generation()
	if err != nil {
		return err
	}
	if gen.isolateID.String() != ref.IsolateID {
		return fmt.Errorf("websocket %s/%d belongs to a stopped worker", ref.IsolateID, ref.SequenceID)
	}
	return gen.websockets.Bridge(ctx, ref, conn)
}

// dispatchAlarm sends a fired alarm to the running worker. Alarms firing
// between generations are dropped.
func (o *Orchestrator) dispatchAlarm(alarm protocol.DOAlarm) {
	gen, err := o.generation()
	if err != nil {
		o.logger.Warn("alarm fired with no worker running",
			zap.String("class", alarm.ClassName),
			zap.String("instance", alarm.InstanceID))
		return
	}
	gen.ch.FireRequest(protocol.MethodDOAlarm, alarm)
}

// IsolateID names the running generation, or "" when none runs.
func (o *Orchestrator) IsolateID() string {
	gen, err := o.generation()
	if err != nil {
		return ""
	}
	return gen.isolateID.String()
}

// Close stops the running worker and closes the shared storage.
func (o *Orchestrator) Close() error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	gen := o.current
	o.current = nil
	o.mu.Unlock()

	if gen != nil {
		o.shutdown(gen)
	}
	return multierr.Combine(
		o.storage.Close(),
		o.d1.Close(),
		o.kv.Close(),
	)
}

func (o *Orchestrator) logFailure(req *http.Request, err error) {
	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Error(err),
	}
	var remote *rpc.RemoteError
	if errors.As(err, &remote) && remote.Stack != "" {
		fields = append(fields, zap.String("stack", remote.Stack))
	}
	o.logger.Error("worker failed to handle request", fields...)
}

// requestURL rebuilds the absolute URL of an inbound request.
func requestURL(req *http.Request, hostnameOverride string) string {
	u := *req.URL
	u.Scheme = "http"
	if req.TLS != nil {
		u.Scheme = "https"
	}
	u.Host = req.Host
	if u.Host == "" {
		u.Host = req.URL.Host
	}
	if hostnameOverride != "" {
		if port := u.Port(); port != "" && !strings.Contains(hostnameOverride, ":") {
			u.Host = hostnameOverride + ":" + port
		} else {
			u.Host = hostnameOverride
		}
	}
	return u.String()
}

func statusText(resp protocol.HTTPResponse) string {
	if resp.StatusText != "" {
		return resp.StatusText
	}
	return http.StatusText(resp.Status)
}

func errorResponse(req *http.Request, err error) *http.Response {
	msg := err.Error()
	return &http.Response{
		Status:        "500 Internal Server Error",
		StatusCode:    http.StatusInternalServerError,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(msg)),
		ContentLength: int64(len(msg)),
		Request:       req,
	}
}
