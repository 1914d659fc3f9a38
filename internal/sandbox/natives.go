package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/stubs"
	"github.com/GriffinCanCode/edgeworker/internal/wsrelay"
)

// natives builds the object the prelude reaches the host through. Every
// function runs on the loop; host calls go through async so the loop never
// blocks on the channel, except for WebSocketPair allocation.
func (r *Runtime) natives() *goja.Object {
	n := r.vm.NewObject()
	_ = n.Set("encode", func(s string) goja.Value { return r.bytesValue([]byte(s)) })
	_ = n.Set("decode", func(call goja.FunctionCall) goja.Value {
		b, _ := r.bytesArg(call.Argument(0))
		return r.vm.ToValue(string(b))
	})
	_ = n.Set("parseURL", r.parseURL)
	_ = n.Set("parseQuery", r.parseQuery)
	_ = n.Set("formatQuery", r.formatQuery)
	_ = n.Set("fetch", r.nativeFetch)
	_ = n.Set("kv", r.nativeKV)
	_ = n.Set("r2", r.nativeR2)
	_ = n.Set("storage", r.nativeStorage)
	_ = n.Set("d1", r.nativeD1)
	_ = n.Set("webSocketPair", r.nativeWebSocketPair)
	_ = n.Set("connect", r.nativeConnect)
	_ = n.Set("idFromName", func(className, name string) string {
		sum := sha256.Sum256([]byte(className + "\x00" + name))
		return hex.EncodeToString(sum[:])
	})
	_ = n.Set("uniqueId", func() string {
		var b [32]byte
		if _, err := rand.Read(b[:]); err != nil {
			panic(r.vm.NewGoError(err))
		}
		return hex.EncodeToString(b[:])
	})
	return n
}

func undefined() goja.Value { return goja.Undefined() }

// URL

func (r *Runtime) parseURL(input, base string) goja.Value {
	u, err := url.Parse(input)
	if err == nil && base != "" {
		var b *url.URL
		if b, err = url.Parse(base); err == nil {
			if !b.IsAbs() {
				err = fmt.Errorf("base %q is not absolute", base)
			} else {
				u = b.ResolveReference(u)
			}
		}
	}
	if err == nil && (!u.IsAbs() || u.Host == "" && u.Opaque == "" && (u.Scheme == "http" || u.Scheme == "https")) {
		err = fmt.Errorf("%q is not an absolute URL", input)
	}
	if err != nil {
		panic(r.vm.NewTypeError("Invalid URL: " + input))
	}

	if u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	var search, hash string
	if u.RawQuery != "" {
		search = "?" + u.RawQuery
	}
	if u.Fragment != "" {
		hash = "#" + u.EscapedFragment()
	}
	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	origin := "null"
	if u.Host != "" {
		origin = u.Scheme + "://" + u.Host
	}

	return r.toJS(map[string]any{
		"href":     u.String(),
		"protocol": u.Scheme + ":",
		"username": username,
		"password": password,
		"host":     u.Host,
		"hostname": u.Hostname(),
		"port":     u.Port(),
		"pathname": u.EscapedPath(),
		"search":   search,
		"hash":     hash,
		"origin":   origin,
	})
}

// parseQuery splits a query string into ordered pairs. url.ParseQuery
// loses the order, which URLSearchParams has to keep.
func (r *Runtime) parseQuery(query string) goja.Value {
	query = strings.TrimPrefix(query, "?")
	var items []any
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		name, _ = url.QueryUnescape(name)
		value, _ = url.QueryUnescape(value)
		items = append(items, r.vm.NewArray(name, value))
	}
	return r.vm.NewArray(items...)
}

func (r *Runtime) formatQuery(call goja.FunctionCall) goja.Value {
	var sb strings.Builder
	for i, pair := range r.pairs(call.Argument(0)) {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(pair[0]))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(pair[1]))
	}
	return r.vm.ToValue(sb.String())
}

// fetch

func (r *Runtime) nativeFetch(call goja.FunctionCall) goja.Value {
	method := call.Argument(0).String()
	target := call.Argument(1).String()
	headers := make(http.Header)
	for _, pair := range r.pairs(call.Argument(2)) {
		headers[pair[0]] = append(headers[pair[0]], pair[1])
	}
	var body io.Reader
	size := int64(0)
	if b, ok := r.bytesArg(call.Argument(3)); ok {
		data := append([]byte(nil), b...)
		body, size = bytes.NewReader(data), int64(len(data))
	}

	return r.async(func(ctx context.Context) (func() goja.Value, error) {
		res, err := r.fetcher.Fetch(ctx, method, target, headers, body, size)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		data, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		return func() goja.Value {
			out := r.vm.NewObject()
			_ = out.Set("status", res.Status)
			_ = out.Set("statusText", res.StatusText)
			_ = out.Set("headers", r.headersValue(res.Headers))
			if method == http.MethodHead || len(data) == 0 && res.Status == http.StatusNoContent {
				_ = out.Set("body", goja.Null())
			} else {
				_ = out.Set("body", r.bytesValue(data))
			}
			return out
		}, nil
	})
}

// KV

func (r *Runtime) nativeKV(namespace, op string, args goja.Value) goja.Value {
	kv := stubs.NewKV(r.ch, namespace)
	key := r.field(args, "key").String()

	switch op {
	case "get":
		return r.async(func(ctx context.Context) (func() goja.Value, error) {
			value, found, err := kv.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			if found && value == nil {
				value = []byte{}
			}
			return func() goja.Value {
				return r.toJS(map[string]any{"value": value, "found": found})
			}, nil
		})
	case "put":
		b, _ := r.bytesArg(r.field(args, "value"))
		value := append([]byte{}, b...)
		opts := stubs.KVPutOptions{
			Expiration: r.field(args, "expiration").ToInteger(),
			Metadata:   r.stringMap(r.field(args, "metadata")),
		}
		return r.async(func(ctx context.Context) (func() goja.Value, error) {
			return undefined, kv.Put(ctx, key, value, opts)
		})
	case "delete":
		return r.async(func(ctx context.Context) (func() goja.Value, error) {
			return undefined, kv.Delete(ctx, key)
		})
	case "list":
		prefix := r.field(args, "prefix").String()
		cursor := r.field(args, "cursor").String()
		limit := int(r.field(args, "limit").ToInteger())
		return r.async(func(ctx context.Context) (func() goja.Value, error) {
			res, err := kv.List(ctx, prefix, cursor, limit)
			if err != nil {
				return nil, err
			}
			return func() goja.Value {
				keys := make([]any, len(res.Keys))
				for i, k := range res.Keys {
					item := map[string]any{"name": k.Name}
					if k.Expiration != 0 {
						item["expiration"] = k.Expiration
					}
					if k.Metadata != nil {
						item["metadata"] = k.Metadata
					}
					keys[i] = item
				}
				return r.toJS(map[string]any{"keys": keys, "listComplete": res.ListComplete, "cursor": res.Cursor})
			}, nil
		})
	default:
		panic(r.vm.NewTypeError("unknown KV operation " + op))
	}
}

// R2

func r2Meta(obj *protocol.R2Object) any {
	if obj == nil {
		return nil
	}
	meta := map[string]any{
		"key":         obj.Key,
		"size":        obj.Size,
		"etag":        obj.ETag,
		"uploaded":    obj.Uploaded,
		"contentType": obj.ContentType,
	}
	if obj.CustomMetadata != nil {
		meta["customMetadata"] = obj.CustomMetadata
	}
	return meta
}

func (r *Runtime) nativeR2(bucket, op string, args goja.Value) goja.Value {
	r2 := stubs.NewR2(r.ch, r.bodies, bucket)
	key := r.field(args, "key").String()

	switch op {
	case "head":
		return r.async(func(ctx context.Context) (func() goja.Value, error) {
			obj, err := r2.Head(ctx, key)
			if err != nil {
				return nil, err
			}
			return func() goja.Value { return r.toJS(map[string]any{"object": r2Meta(obj)}) }, nil
		})
	case "get":
		return r.async(func(ctx context.Context) (func() goja.Value, error) {
			obj, body, err := r2.Get(ctx, key)
			if err != nil || obj == nil {
				return func() goja.Value { return r.toJS(map[string]any{"object": nil}) }, err
			}
			defer body.Close()
			data, err := io.ReadAll(body)
			if err != nil {
				return nil, fmt.Errorf("read object %q: %w", key, err)
			}
			return func() goja.Value {
				return r.toJS(map[string]any{"object": r2Meta(obj), "body": data})
			}, nil
		})
	case "put":
		b, _ := r.bytesArg(r.field(args, "body"))
		data := append([]byte{}, b...)
		contentType := r.field(args, "contentType").String()
		custom := r.stringMap(r.field(args, "customMetadata"))
		return r.async(func(ctx context.Context) (func() goja.Value, error) {
			obj, err := r2.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType, custom)
			if err != nil {
				return nil, err
			}
			return func() goja.Value { return r.toJS(map[string]any{"object": r2Meta(&obj)}) }, nil
		})
	case "delete":
		var keys []string
		for _, k := range r.fromJSList(r.field(args, "keys")) {
			keys = append(keys, fmt.Sprint(k))
		}
		return r.async(func(ctx context.Context) (func() goja.Value, error) {
			return undefined, r2.Delete(ctx, keys...)
		})
	case "list":
		opts := protocol.R2List{
			Prefix:    r.field(args, "prefix").String(),
			Cursor:    r.field(args, "cursor").String(),
			Delimiter: r.field(args, "delimiter").String(),
			Limit:     int(r.field(args, "limit").ToInteger()),
		}
		return r.async(func(ctx context.Context) (func() goja.Value, error) {
			res, err := r2.List(ctx, opts)
			if err != nil {
				return nil, err
			}
			return func() goja.Value {
				objects := make([]any, len(res.Objects))
				for i := range res.Objects {
					objects[i] = r2Meta(&res.Objects[i])
				}
				return r.toJS(map[string]any{
					"objects":           objects,
					"truncated":         res.Truncated,
					"cursor":            res.Cursor,
					"delimitedPrefixes": res.DelimitedPrefixes,
				})
			}, nil
		})
	default:
		panic(r.vm.NewTypeError("unknown R2 operation " + op))
	}
}

func (r *Runtime) fromJSList(v goja.Value) []any {
	list, _ := r.fromJS(v).([]any)
	return list
}

// Durable object storage

// storageOptions reads per-call options, dropping the ones the script left
// undefined.
func (r *Runtime) storageOptions(v goja.Value) map[string]any {
	opts, _ := r.fromJS(v).(map[string]any)
	for k, val := range opts {
		if val == nil {
			delete(opts, k)
		}
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

func (r *Runtime) listOptions(v goja.Value) protocol.ListOptions {
	var opts protocol.ListOptions
	str := func(name string) *string {
		if f := r.field(v, name); !isNullish(f) {
			s := f.String()
			return &s
		}
		return nil
	}
	opts.Start = str("start")
	opts.StartAfter = str("startAfter")
	opts.End = str("end")
	opts.Prefix = str("prefix")
	if f := r.field(v, "limit"); !isNullish(f) {
		limit := int(f.ToInteger())
		opts.Limit = &limit
	}
	opts.Reverse = r.field(v, "reverse").ToBoolean()
	return opts
}

func entriesValue(entries []protocol.Entry) map[string]any {
	items := make([]any, len(entries))
	for i, e := range entries {
		items[i] = map[string]any{"key": e.Key, "value": e.Value}
	}
	return map[string]any{"entries": items}
}

func (r *Runtime) nativeStorage(className, instanceID, engine, method string, args goja.Value) goja.Value {
	st := stubs.NewStorage(r.ch, className, instanceID, engine)
	opts := r.storageOptions(r.field(args, "options"))
	key := r.field(args, "key").String()
	var keys []string
	for _, k := range r.fromJSList(r.field(args, "keys")) {
		keys = append(keys, fmt.Sprint(k))
	}

	var work func(ctx context.Context) (any, error)
	switch method {
	case protocol.StorageGet1:
		work = func(ctx context.Context) (any, error) {
			value, found, err := st.Get(ctx, key, opts)
			return map[string]any{"value": value, "found": found}, err
		}
	case protocol.StorageGet2:
		work = func(ctx context.Context) (any, error) {
			entries, err := st.GetMany(ctx, keys, opts)
			return entriesValue(entries), err
		}
	case protocol.StoragePut1:
		value := r.fromJS(r.field(args, "value"))
		work = func(ctx context.Context) (any, error) {
			return nil, st.Put(ctx, key, value, opts)
		}
	case protocol.StoragePut2:
		var entries []protocol.Entry
		for _, item := range r.fromJSList(r.field(args, "entries")) {
			m, _ := item.(map[string]any)
			entries = append(entries, protocol.Entry{Key: fmt.Sprint(m["key"]), Value: m["value"]})
		}
		work = func(ctx context.Context) (any, error) {
			return nil, st.PutMany(ctx, entries, opts)
		}
	case protocol.StorageDelete1:
		work = func(ctx context.Context) (any, error) {
			deleted, err := st.Delete(ctx, key, opts)
			return map[string]any{"deleted": deleted}, err
		}
	case protocol.StorageDelete2:
		work = func(ctx context.Context) (any, error) {
			count, err := st.DeleteMany(ctx, keys, opts)
			return map[string]any{"count": count}, err
		}
	case protocol.StorageList:
		list := r.listOptions(r.field(args, "list"))
		work = func(ctx context.Context) (any, error) {
			entries, err := st.List(ctx, list, opts)
			return entriesValue(entries), err
		}
	case protocol.StorageDeleteAll:
		work = func(ctx context.Context) (any, error) {
			return nil, st.DeleteAll(ctx, opts)
		}
	case protocol.StorageSync:
		work = func(ctx context.Context) (any, error) {
			return nil, st.Sync(ctx)
		}
	case protocol.StorageGetAlarm:
		work = func(ctx context.Context) (any, error) {
			at, err := st.GetAlarm(ctx, opts)
			if err != nil || at == nil {
				return map[string]any{}, err
			}
			return map[string]any{"alarmTime": at.UnixMilli()}, nil
		}
	case protocol.StorageSetAlarm:
		at := time.UnixMilli(r.field(args, "alarmTime").ToInteger())
		work = func(ctx context.Context) (any, error) {
			return nil, st.SetAlarm(ctx, at, opts)
		}
	case protocol.StorageDeleteAlarm:
		work = func(ctx context.Context) (any, error) {
			return nil, st.DeleteAlarm(ctx, opts)
		}
	default:
		panic(r.vm.NewTypeError("unknown storage method " + method))
	}

	return r.async(func(ctx context.Context) (func() goja.Value, error) {
		res, err := work(ctx)
		if err != nil {
			return nil, err
		}
		return func() goja.Value {
			if res == nil {
				return goja.Undefined()
			}
			return r.toJS(res)
		}, nil
	})
}

// D1

func d1Result(res protocol.D1Result) map[string]any {
	rows := make([]any, len(res.Rows))
	for i, row := range res.Rows {
		rows[i] = row
	}
	return map[string]any{
		"columns": res.Columns,
		"rows":    rows,
		"success": res.Success,
		"meta": map[string]any{
			"duration":     res.Meta.Duration,
			"changes":      res.Meta.Changes,
			"last_row_id":  res.Meta.LastRowID,
			"changed_db":   res.Meta.ChangedDB,
			"rows_read":    res.Meta.RowsRead,
			"rows_written": res.Meta.RowsWritten,
		},
	}
}

func (r *Runtime) nativeD1(uuid, method, sql string, params, statements goja.Value) goja.Value {
	db := stubs.NewD1(r.ch, uuid)

	var work func(ctx context.Context) (any, error)
	switch method {
	case protocol.D1First, protocol.D1All, protocol.D1Raw:
		stmt := db.Prepare(sql).Bind(r.fromJSList(params)...)
		work = func(ctx context.Context) (any, error) {
			res, err := stmt.Query(ctx, method)
			return d1Result(res), err
		}
	case protocol.D1Batch:
		var stmts []*stubs.Statement
		for _, item := range r.fromJSList(statements) {
			m, _ := item.(map[string]any)
			sql, _ := m["sql"].(string)
			bound, _ := m["params"].([]any)
			stmts = append(stmts, db.Prepare(sql).Bind(bound...))
		}
		work = func(ctx context.Context) (any, error) {
			results, err := db.BatchResults(ctx, stmts)
			out := make([]any, len(results))
			for i, res := range results {
				out[i] = d1Result(res)
			}
			return out, err
		}
	case protocol.D1Exec:
		work = func(ctx context.Context) (any, error) {
			res, err := db.Exec(ctx, sql)
			return map[string]any{"count": res.Count, "duration": res.Duration}, err
		}
	default:
		panic(r.vm.NewTypeError("unknown D1 method " + method))
	}

	return r.async(func(ctx context.Context) (func() goja.Value, error) {
		res, err := work(ctx)
		if err != nil {
			return nil, err
		}
		return func() goja.Value { return r.toJS(res) }, nil
	})
}

// WebSockets

func (r *Runtime) nativeWebSocketPair() goja.Value {
	side, err := r.websockets.NewPair(r.ctx)
	if err != nil {
		panic(r.jsError(err))
	}
	ref := side.Ref()

	handle := r.vm.NewObject()
	_ = handle.Set("onEvent", func(fn goja.Callable) {
		side.OnEvent(func(ev wsrelay.Event) {
			r.loop.post(func() {
				event := map[string]any{
					"kind":   ev.Kind,
					"isText": ev.IsText,
					"text":   ev.Text,
					"binary": ev.Binary,
					"code":   ev.Code,
					"reason": ev.Reason,
				}
				if _, err := fn(goja.Undefined(), r.toJS(event)); err != nil {
					r.logger.Warn("websocket handler threw", zap.Error(r.scriptError(err)))
				}
			})
		})
	})
	check := func(err error) {
		if err != nil {
			panic(r.jsError(err))
		}
	}
	_ = handle.Set("accept", func() { check(side.Accept()) })
	_ = handle.Set("sendText", func(text string) { check(side.SendText(text)) })
	_ = handle.Set("sendBinary", func(call goja.FunctionCall) goja.Value {
		b, _ := r.bytesArg(call.Argument(0))
		check(side.SendBinary(append([]byte(nil), b...)))
		return goja.Undefined()
	})
	_ = handle.Set("close", func(code int, reason string) { check(side.Close(code, reason)) })

	out := r.vm.NewObject()
	_ = out.Set("ref", r.toJS(map[string]any{"isolateId": ref.IsolateID, "sequenceId": ref.SequenceID}))
	_ = out.Set("side", handle)
	return out
}

// Sockets

func (r *Runtime) nativeConnect(hostname string, port int, tls, startTLS bool) goja.Value {
	ready := make(chan struct{})
	var sock *stubs.Socket
	var connErr error
	go func() {
		defer close(ready)
		sock, connErr = r.sockets.Connect(r.ctx, hostname, port, stubs.SocketOptions{TLS: tls, StartTLS: startTLS})
	}()
	wait := func(ctx context.Context) (*stubs.Socket, error) {
		select {
		case <-ready:
			return sock, connErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	invoke := func(op func(ctx context.Context, s *stubs.Socket) error) goja.Value {
		return r.async(func(ctx context.Context) (func() goja.Value, error) {
			s, err := wait(ctx)
			if err != nil {
				return nil, err
			}
			return undefined, op(ctx, s)
		})
	}

	handle := r.vm.NewObject()
	_ = handle.Set("opened", invoke(func(context.Context, *stubs.Socket) error { return nil }))
	_ = handle.Set("onData", func(fn goja.Callable) {
		deliver := func(data []byte, done bool) {
			r.loop.post(func() {
				var chunk goja.Value = goja.Undefined()
				if data != nil {
					chunk = r.bytesValue(data)
				}
				if _, err := fn(goja.Undefined(), chunk, r.vm.ToValue(done)); err != nil {
					r.logger.Warn("socket handler threw", zap.Error(r.scriptError(err)))
				}
			})
		}
		go func() {
			s, err := wait(r.ctx)
			if err != nil {
				deliver(nil, true)
				return
			}
			s.OnData(deliver)
		}()
	})
	_ = handle.Set("write", func(c goja.FunctionCall) goja.Value {
		b, _ := r.bytesArg(c.Argument(0))
		data := append([]byte{}, b...)
		return invoke(func(ctx context.Context, s *stubs.Socket) error { return s.Write(ctx, data) })
	})
	_ = handle.Set("closeWrite", func() goja.Value {
		return invoke(func(ctx context.Context, s *stubs.Socket) error { return s.CloseWrite(ctx) })
	})
	_ = handle.Set("startTls", func() goja.Value {
		return invoke(func(ctx context.Context, s *stubs.Socket) error { return s.StartTLS(ctx) })
	})
	_ = handle.Set("close", func() goja.Value {
		return invoke(func(ctx context.Context, s *stubs.Socket) error { return s.Close(ctx) })
	})
	return handle
}
