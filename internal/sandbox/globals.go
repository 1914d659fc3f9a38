package sandbox

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var hookNames = []string{"setEnv", "loadModule", "dispatchFetch", "dispatchAlarm", "requestFrom", "responseParts", "settle"}

// setupGlobals configures global objects and security
func (r *Runtime) setupGlobals() error {
	// Remove dangerous globals
	for _, name := range []string{"require", "process", "module", "exports", "eval"} {
		if err := r.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}
	r.uint8Array = r.vm.Get("Uint8Array")

	console := r.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, r.makeConsoleFunc(level))
	}
	_ = r.vm.Set("console", console)

	_ = r.vm.Set("setTimeout", r.makeTimerFunc(false))
	_ = r.vm.Set("setInterval", r.makeTimerFunc(true))
	_ = r.vm.Set("clearTimeout", r.clearTimer)
	_ = r.vm.Set("clearInterval", r.clearTimer)
	_ = r.vm.Set("queueMicrotask", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(r.vm.NewTypeError("queueMicrotask requires a function"))
		}
		promise, resolve, _ := r.vm.NewPromise()
		then, _ := goja.AssertFunction(r.vm.ToValue(promise).ToObject(r.vm).Get("then"))
		_, _ = then(r.vm.ToValue(promise), r.vm.ToValue(func(goja.FunctionCall) goja.Value {
			_, _ = fn(goja.Undefined())
			return goja.Undefined()
		}))
		_ = resolve(goja.Undefined())
		return goja.Undefined()
	})

	_ = r.vm.Set("btoa", func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) })
	_ = r.vm.Set("atob", func(s string) string {
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			panic(r.vm.NewTypeError("atob: invalid base64 input"))
		}
		return string(b)
	})

	crypto := r.vm.NewObject()
	_ = crypto.Set("randomUUID", func() string { return uuid.NewString() })
	_ = crypto.Set("getRandomValues", func(call goja.FunctionCall) goja.Value {
		arr := call.Argument(0)
		buf, ok := r.bytesArg(arr)
		if !ok {
			panic(r.vm.NewTypeError("getRandomValues requires a typed array"))
		}
		if _, err := rand.Read(buf); err != nil {
			panic(r.vm.NewGoError(err))
		}
		return arr
	})
	_ = r.vm.Set("crypto", crypto)

	encoder, decoder := r.textCodecs()
	_ = r.vm.Set("TextEncoder", encoder)
	_ = r.vm.Set("TextDecoder", decoder)

	value, err := r.vm.RunProgram(preludeProgram)
	if err != nil {
		return fmt.Errorf("evaluate prelude: %w", err)
	}
	factory, ok := goja.AssertFunction(value)
	if !ok {
		return fmt.Errorf("prelude did not evaluate to a function")
	}
	hooksValue, err := factory(goja.Undefined(), r.natives(), r.vm.GlobalObject())
	if err != nil {
		return fmt.Errorf("initialize prelude: %w", err)
	}

	hooks := hooksValue.ToObject(r.vm)
	r.hooks = make(map[string]goja.Callable, len(hookNames))
	for _, name := range hookNames {
		fn, ok := goja.AssertFunction(hooks.Get(name))
		if !ok {
			return fmt.Errorf("prelude hook %s missing", name)
		}
		r.hooks[name] = fn
	}
	return nil
}

// makeConsoleFunc creates a console function
func (r *Runtime) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = r.describe(arg)
		}
		msg := strings.Join(parts, " ")

		switch level {
		case "warn":
			r.console.Warn(msg)
		case "error":
			r.console.Error(msg)
		case "debug":
			r.console.Debug(msg)
		default:
			r.console.Info(msg, zap.String("level", level))
		}

		r.consoleMu.Lock()
		r.entries = append(r.entries, LogEntry{Level: level, Message: msg, Time: r.clock.Now()})
		if limit := r.config.ConsoleBuffer; limit > 0 && len(r.entries) > limit {
			r.entries = r.entries[len(r.entries)-limit:]
		}
		r.consoleMu.Unlock()

		return goja.Undefined()
	}
}

// describe renders a console argument. Plain objects and arrays are shown
// as JSON.
func (r *Runtime) describe(v goja.Value) string {
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() == "Function" || obj.ClassName() == "Error" {
		return v.String()
	}
	b, err := obj.MarshalJSON()
	if err != nil {
		return v.String()
	}
	return string(b)
}

func (r *Runtime) makeTimerFunc(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(r.vm.NewTypeError("timer callback must be a function"))
		}
		delay := time.Duration(call.Argument(1).ToFloat() * float64(time.Millisecond))
		if delay < 0 {
			delay = 0
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}

		r.nextTimer++
		id := r.nextTimer
		r.schedule(id, delay, repeat, fn, args)
		return r.vm.ToValue(id)
	}
}

// schedule arms timer id. The callback runs on the loop only if the timer
// was not cleared in the meantime.
func (r *Runtime) schedule(id int64, delay time.Duration, repeat bool, fn goja.Callable, args []goja.Value) {
	var t *clock.Timer
	t = r.clock.AfterFunc(delay, func() {
		r.loop.post(func() {
			if r.timers[id] != t {
				return
			}
			delete(r.timers, id)
			if repeat {
				r.schedule(id, delay, repeat, fn, args)
			}
			if _, err := fn(goja.Undefined(), args...); err != nil {
				r.logger.Warn("timer callback threw", zap.Error(r.scriptError(err)))
			}
		})
	})
	r.timers[id] = t
}

func (r *Runtime) clearTimer(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	return goja.Undefined()
}

// textCodecs builds the TextEncoder and TextDecoder constructors.
func (r *Runtime) textCodecs() (goja.Value, goja.Value) {
	encoder := func(call goja.ConstructorCall) *goja.Object {
		_ = call.This.Set("encoding", "utf-8")
		_ = call.This.Set("encode", func(c goja.FunctionCall) goja.Value {
			if goja.IsUndefined(c.Argument(0)) {
				return r.bytesValue(nil)
			}
			return r.bytesValue([]byte(c.Argument(0).String()))
		})
		return nil
	}
	decoder := func(call goja.ConstructorCall) *goja.Object {
		_ = call.This.Set("encoding", "utf-8")
		_ = call.This.Set("decode", func(c goja.FunctionCall) goja.Value {
			b, _ := r.bytesArg(c.Argument(0))
			return r.vm.ToValue(string(b))
		})
		return nil
	}
	return r.vm.ToValue(encoder), r.vm.ToValue(decoder)
}
