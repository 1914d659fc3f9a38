package sandbox

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/bodies"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
	"github.com/GriffinCanCode/edgeworker/internal/stubs"
)

//go:embed prelude.js
var preludeSource string

var preludeProgram = goja.MustCompile("prelude.js", preludeSource, false)

// Runtime is one isolate: a goja VM driven by a single event loop, with
// capability stubs bound to the worker's channel.
type Runtime struct {
	config  Config
	logger  *zap.Logger
	console *zap.Logger
	clock   clock.Clock

	vm   *goja.Runtime
	loop *loop

	ch         *rpc.Channel
	bodies     *bodies.Registry
	fetcher    *stubs.Fetcher
	websockets *stubs.WebSockets
	sockets    *stubs.Sockets

	// set on the loop
	hooks      map[string]goja.Callable
	uint8Array goja.Value
	loaded     bool
	timers     map[int64]*clock.Timer
	nextTimer  int64

	ctx    context.Context
	cancel context.CancelFunc

	consoleMu sync.Mutex
	entries   []LogEntry
}

// New creates a sandboxed runtime bound to ch. Bodies the script sends are
// served from registry.
func New(ch *rpc.Channel, registry *bodies.Registry, config Config) (*Runtime, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	logger := config.Logger.Named("sandbox").With(zap.String("isolate", config.IsolateID))

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		config:     config,
		logger:     logger,
		console:    logger.Named("console"),
		clock:      config.Clock,
		vm:         goja.New(),
		loop:       newLoop(),
		ch:         ch,
		bodies:     registry,
		fetcher:    stubs.NewFetcher(ch, registry),
		websockets: stubs.NewWebSockets(ch, config.IsolateID, logger),
		sockets:    stubs.NewSockets(ch, config.IsolateID, logger),
		timers:     make(map[int64]*clock.Timer),
		ctx:        ctx,
		cancel:     cancel,
	}

	if config.MaxCallStackSize > 0 {
		r.vm.SetMaxCallStackSize(config.MaxCallStackSize)
	}
	if err := r.setupGlobals(); err != nil {
		cancel()
		return nil, err
	}

	go r.loop.run(r.guard)
	return r, nil
}

// Install registers the handlers the runtime's stubs receive on.
func (r *Runtime) Install() {
	r.websockets.Install()
	r.sockets.Install()
}

// guard runs one loop job under the execution time limit.
func (r *Runtime) guard(job func()) {
	if r.config.Timeout > 0 {
		t := time.AfterFunc(r.config.Timeout, func() {
			r.vm.Interrupt("execution timeout exceeded")
		})
		defer func() {
			t.Stop()
			r.vm.ClearInterrupt()
		}()
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("sandbox job panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	job()
}

// run executes fn on the loop and waits for it.
func (r *Runtime) run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if !r.loop.post(func() { done <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await starts script work on the loop and waits for the promise it
// returns. extract runs on the loop with the fulfilled value.
func (r *Runtime) await(ctx context.Context, start func() (goja.Value, error), extract func(goja.Value) (any, error)) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	finish := func(v any, err error) {
		select {
		case done <- outcome{v, err}:
		default:
		}
	}

	posted := r.loop.post(func() {
		value, err := start()
		if err != nil {
			finish(nil, err)
			return
		}
		ok := func(call goja.FunctionCall) goja.Value {
			finish(extract(call.Argument(0)))
			return goja.Undefined()
		}
		fail := func(call goja.FunctionCall) goja.Value {
			finish(nil, r.thrown(call.Argument(0)))
			return goja.Undefined()
		}
		if _, err := r.hooks["settle"](goja.Undefined(), value, r.vm.ToValue(ok), r.vm.ToValue(fail)); err != nil {
			finish(nil, r.scriptError(err))
		}
	})
	if !posted {
		return nil, ErrClosed
	}

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// async returns a promise settled by work. work runs off the loop; the
// builder it returns runs on the loop to produce the fulfilled value.
func (r *Runtime) async(work func(ctx context.Context) (func() goja.Value, error)) goja.Value {
	promise, resolve, reject := r.vm.NewPromise()
	go func() {
		build, err := work(r.ctx)
		r.loop.post(func() {
			if err != nil {
				_ = reject(r.jsError(err))
				return
			}
			_ = resolve(build())
		})
	}()
	return r.vm.ToValue(promise)
}

// Load evaluates a script and binds its environment.
func (r *Runtime) Load(ctx context.Context, script protocol.RunScript) error {
	var program *goja.Program
	var err error
	switch script.ScriptKind {
	case protocol.ScriptModule, "":
		program, err = compileModule(script.ScriptContents)
	case protocol.ScriptServiceWorker:
		program, err = goja.Compile("worker.js", script.ScriptContents, false)
	default:
		return fmt.Errorf("%w: %q", ErrScriptKind, script.ScriptKind)
	}
	if err != nil {
		return fmt.Errorf("compile script: %w", err)
	}

	asGlobals := script.ScriptKind == protocol.ScriptServiceWorker
	return r.run(ctx, func() error {
		if _, err := r.hooks["setEnv"](goja.Undefined(), r.bindingsValue(script.Bindings), r.vm.ToValue(asGlobals)); err != nil {
			return r.scriptError(err)
		}

		value, err := r.vm.RunProgram(program)
		if err != nil {
			return r.scriptError(err)
		}
		if !asGlobals {
			wrapper, ok := goja.AssertFunction(value)
			if !ok {
				return fmt.Errorf("module wrapper did not evaluate to a function")
			}
			exports := r.vm.NewObject()
			module := r.vm.NewObject()
			_ = module.Set("exports", exports)
			if _, err := wrapper(goja.Undefined(), exports, module); err != nil {
				return r.scriptError(err)
			}
			if _, err := r.hooks["loadModule"](goja.Undefined(), module.Get("exports")); err != nil {
				return r.scriptError(err)
			}
		}
		r.loaded = true
		r.logger.Info("script loaded", zap.String("kind", script.ScriptKind), zap.Int("bindings", len(script.Bindings)))
		return nil
	})
}

func (r *Runtime) bindingsValue(bindings []protocol.Binding) goja.Value {
	items := make([]any, len(bindings))
	for i, b := range bindings {
		items[i] = map[string]any{
			"name":         b.Name,
			"type":         b.Type,
			"value":        b.Value,
			"namespace":    b.Namespace,
			"bucket":       b.Bucket,
			"className":    b.ClassName,
			"storage":      b.Storage,
			"databaseUuid": b.DatabaseUUID,
		}
	}
	return r.toJS(items)
}

// Fetch runs the script's fetch handler for req.
func (r *Runtime) Fetch(ctx context.Context, req protocol.HTTPRequest) (protocol.HTTPResponse, error) {
	body := bodies.Open(r.ch, req.Body)
	data, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return protocol.HTTPResponse{}, fmt.Errorf("read request body: %w", err)
	}

	res, err := r.await(ctx, func() (goja.Value, error) {
		if !r.loaded {
			return nil, ErrNotLoaded
		}
		var bodyValue goja.Value = goja.Null()
		if len(data) > 0 {
			bodyValue = r.bytesValue(data)
		}
		request, err := r.hooks["requestFrom"](goja.Undefined(),
			r.vm.ToValue(strings.ToUpper(req.Method)),
			r.vm.ToValue(req.URL),
			r.headersValue(req.Headers),
			bodyValue,
			r.vm.ToValue(req.ClientIP),
		)
		if err != nil {
			return nil, r.scriptError(err)
		}
		v, err := r.hooks["dispatchFetch"](goja.Undefined(), request)
		if err != nil {
			return nil, r.scriptError(err)
		}
		return v, nil
	}, r.responseParts)
	if err != nil {
		return protocol.HTTPResponse{}, err
	}

	parts := res.(responseParts)
	resp := protocol.HTTPResponse{
		Status:     parts.status,
		StatusText: parts.statusText,
		Headers:    parts.headers,
		WebSocket:  parts.webSocket,
	}
	if parts.body != nil {
		resp.Body, err = r.bodies.Encode(bytes.NewReader(parts.body), int64(len(parts.body)))
		if err != nil {
			return protocol.HTTPResponse{}, err
		}
	}
	return resp, nil
}

type responseParts struct {
	status     int
	statusText string
	headers    map[string][]string
	body       []byte
	webSocket  *protocol.WebSocketRef
}

func (r *Runtime) responseParts(v goja.Value) (any, error) {
	value, err := r.hooks["responseParts"](goja.Undefined(), v)
	if err != nil {
		return nil, r.scriptError(err)
	}
	obj := value.ToObject(r.vm)

	parts := responseParts{
		status:     int(obj.Get("status").ToInteger()),
		statusText: obj.Get("statusText").String(),
		headers:    make(map[string][]string),
	}
	for _, pair := range r.pairs(obj.Get("headers")) {
		parts.headers[pair[0]] = append(parts.headers[pair[0]], pair[1])
	}
	if b, ok := r.bytesArg(obj.Get("body")); ok {
		parts.body = append([]byte(nil), b...)
	}
	if ws := obj.Get("webSocket"); !isNullish(ws) {
		ref := ws.ToObject(r.vm)
		parts.webSocket = &protocol.WebSocketRef{
			IsolateID:  ref.Get("isolateId").String(),
			SequenceID: ref.Get("sequenceId").ToInteger(),
		}
	}
	return parts, nil
}

// Alarm runs the alarm handler of a durable object instance.
func (r *Runtime) Alarm(ctx context.Context, alarm protocol.DOAlarm) error {
	_, err := r.await(ctx, func() (goja.Value, error) {
		if !r.loaded {
			return nil, ErrNotLoaded
		}
		v, err := r.hooks["dispatchAlarm"](goja.Undefined(),
			r.vm.ToValue(alarm.ClassName),
			r.vm.ToValue(alarm.InstanceID),
			r.vm.ToValue(alarm.Storage),
			r.vm.ToValue(alarm.Retry),
		)
		if err != nil {
			return nil, r.scriptError(err)
		}
		return v, nil
	}, func(goja.Value) (any, error) { return nil, nil })
	return err
}

// Console returns the retained console output.
func (r *Runtime) Console() []LogEntry {
	r.consoleMu.Lock()
	defer r.consoleMu.Unlock()
	return append([]LogEntry(nil), r.entries...)
}

// Close stops the event loop. Pending host calls are abandoned.
func (r *Runtime) Close() error {
	r.cancel()
	r.loop.stop()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	return nil
}

// scriptError converts an error returned by the VM.
func (r *Runtime) scriptError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		se := r.thrown(ex.Value())
		var scriptErr *ScriptError
		if errors.As(se, &scriptErr) && scriptErr.Stack == "" {
			scriptErr.Stack = ex.String()
		}
		return se
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	return err
}

// thrown converts a thrown or rejected JavaScript value.
func (r *Runtime) thrown(v goja.Value) error {
	if isNullish(v) {
		return &ScriptError{Name: "Error", Message: "undefined"}
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return &ScriptError{Name: "Error", Message: v.String()}
	}
	if gv := obj.Get("value"); gv != nil {
		if goErr, ok := gv.Export().(error); ok {
			return goErr
		}
	}
	se := &ScriptError{Name: "Error", Message: v.String()}
	if name := obj.Get("name"); !isNullish(name) {
		se.Name = name.String()
	}
	if msg := obj.Get("message"); !isNullish(msg) {
		se.Message = msg.String()
	}
	if stack := obj.Get("stack"); !isNullish(stack) {
		se.Stack = stack.String()
	}
	return se
}

// jsError converts a Go error into a value a promise can reject with.
func (r *Runtime) jsError(err error) goja.Value {
	e := r.vm.NewGoError(err)
	var named rpc.NamedError
	if errors.As(err, &named) && named.ErrorName() != "" {
		_ = e.Set("name", named.ErrorName())
		if remote, ok := named.(*rpc.RemoteError); ok {
			_ = e.Set("message", remote.Message)
		}
	}
	return e
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}
