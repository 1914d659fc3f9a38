package sandbox

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/bodies"
	"github.com/GriffinCanCode/edgeworker/internal/hosts"
	"github.com/GriffinCanCode/edgeworker/internal/kv"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
	"github.com/GriffinCanCode/edgeworker/internal/wsrelay"
)

const isolateID = "isolate-test"

type fixture struct {
	host       *rpc.Channel
	hostBodies *bodies.Registry
	rt         *Runtime
}

func newFixture(t *testing.T, config Config, installs ...hosts.Host) *fixture {
	t.Helper()
	a, b := rpc.Pipe()
	host := rpc.NewChannel(a, zap.NewNop())
	worker := rpc.NewChannel(b, zap.NewNop())
	hostBodies := bodies.NewRegistry(8, 16)
	workerBodies := bodies.NewRegistry(8, 16)
	hostBodies.Install(host)
	workerBodies.Install(worker)

	conn := hosts.Conn{Channel: host, Bodies: hostBodies}
	for _, h := range installs {
		h.Install(conn)
	}

	config.IsolateID = isolateID
	rt, err := New(worker, workerBodies, config)
	require.NoError(t, err)
	rt.Install()

	ctx, cancel := context.WithCancel(context.Background())
	go host.Serve(ctx)
	go worker.Serve(ctx)
	t.Cleanup(func() {
		rt.Close()
		cancel()
		host.Close()
		worker.Close()
	})
	return &fixture{host: host, hostBodies: hostBodies, rt: rt}
}

func (f *fixture) load(t *testing.T, kind, source string, bindings ...protocol.Binding) {
	t.Helper()
	err := f.rt.Load(context.Background(), protocol.RunScript{
		ScriptContents: source,
		ScriptKind:     kind,
		Bindings:       bindings,
		IsolateID:      isolateID,
	})
	require.NoError(t, err)
}

type result struct {
	status  int
	headers map[string][]string
	body    string
	ws      *protocol.WebSocketRef
}

func (f *fixture) fetch(t *testing.T, method, url, body string) (result, error) {
	t.Helper()
	req := protocol.HTTPRequest{Method: method, URL: url, ClientIP: "203.0.113.7"}
	if body != "" {
		encoded, err := f.hostBodies.Encode(strings.NewReader(body), int64(len(body)))
		require.NoError(t, err)
		req.Body = encoded
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := f.rt.Fetch(ctx, req)
	if err != nil {
		return result{}, err
	}
	rc := bodies.Open(f.host, resp.Body)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return result{status: resp.Status, headers: resp.Headers, body: string(data), ws: resp.WebSocket}, nil
}

func TestModuleFetch(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.load(t, protocol.ScriptModule, `
const prefix = 'hi';
export default {
  async fetch(request, env) {
    const url = new URL(request.url);
    const parts = [request.method, url.pathname, url.searchParams.get('q'), env.GREETING, env.CONFIG.n, request.cf.clientIp];
    return new Response(parts.join(' '), { status: 202, headers: { 'X-Kind': 'module' } });
  }
};
export { prefix as greetingPrefix };
`,
		protocol.Binding{Name: "GREETING", Type: protocol.BindingText, Value: "hello"},
		protocol.Binding{Name: "CONFIG", Type: protocol.BindingJSON, Value: `{"n": 3}`},
	)

	res, err := f.fetch(t, "get", "https://example.com/some/path?q=search%20term", "")
	require.NoError(t, err)
	assert.Equal(t, 202, res.status)
	assert.Equal(t, "GET /some/path search term hello 3 203.0.113.7", res.body)
	assert.Equal(t, []string{"module"}, res.headers["x-kind"])
	assert.Equal(t, []string{"text/plain;charset=UTF-8"}, res.headers["content-type"])
}

func TestServiceWorkerFetch(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.load(t, protocol.ScriptServiceWorker, `
addEventListener('fetch', (event) => {
  event.respondWith(event.request.text().then((text) => new Response(GREETING + ':' + text.toUpperCase(), { status: 201 })));
});
`, protocol.Binding{Name: "GREETING", Type: protocol.BindingSecret, Value: "sw"})

	body := strings.Repeat("abc", 20)
	res, err := f.fetch(t, "POST", "https://example.com/", body)
	require.NoError(t, err)
	assert.Equal(t, 201, res.status)
	assert.Equal(t, "sw:"+strings.ToUpper(body), res.body)
	assert.Zero(t, f.hostBodies.Len())
}

func TestFetchBeforeLoad(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.fetch(t, "GET", "https://example.com/", "")
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestScriptErrorsKeepName(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.load(t, protocol.ScriptModule, `
export default {
  async fetch(request) {
    if (request.url.endsWith('/status')) return new Response('x', { status: 42 });
    throw new TypeError('bad input');
  }
};
`)

	_, err := f.fetch(t, "GET", "https://example.com/", "")
	var scriptErr *ScriptError
	require.True(t, errors.As(err, &scriptErr), "got %v", err)
	assert.Equal(t, "TypeError", scriptErr.Name)
	assert.Equal(t, "bad input", scriptErr.Message)
	assert.NotEmpty(t, scriptErr.Stack)

	_, err = f.fetch(t, "GET", "https://example.com/status", "")
	require.True(t, errors.As(err, &scriptErr), "got %v", err)
	assert.Equal(t, "RangeError", scriptErr.Name)
}

func TestDangerousGlobalsRemoved(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.load(t, protocol.ScriptModule, `
export default {
  fetch() {
    return new Response([typeof require, typeof process, typeof eval].join(','));
  }
};
`)
	res, err := f.fetch(t, "GET", "https://example.com/", "")
	require.NoError(t, err)
	assert.Equal(t, "undefined,undefined,undefined", res.body)
}

func TestConsoleAndTimers(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.load(t, protocol.ScriptModule, `
export default {
  fetch() {
    console.log('hello', { a: 1 });
    console.warn('careful');
    let fired = false;
    const id = setTimeout(() => { fired = true; }, 5);
    clearTimeout(id);
    return new Promise((resolve) => {
      setTimeout((suffix) => resolve(new Response(String(fired) + suffix)), 20, '!');
    });
  }
};
`)

	res, err := f.fetch(t, "GET", "https://example.com/", "")
	require.NoError(t, err)
	assert.Equal(t, "false!", res.body)

	entries := f.rt.Console()
	require.Len(t, entries, 2)
	assert.Equal(t, "log", entries[0].Level)
	assert.Equal(t, `hello {"a":1}`, entries[0].Message)
	assert.Equal(t, "warn", entries[1].Level)
}

func TestWebGlobals(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.load(t, protocol.ScriptModule, `
export default {
  async fetch() {
    const bytes = new TextEncoder().encode('héllo');
    const params = new URLSearchParams('a=1&b=two&a=3');
    params.append('c', 'x y');
    const random = crypto.getRandomValues(new Uint8Array(8));
    const headers = new Headers([['B', '2'], ['a', '1']]);
    const out = {
      length: bytes.length,
      decoded: new TextDecoder().decode(bytes),
      all: params.getAll('a'),
      query: params.toString(),
      base64: btoa('hi'),
      plain: atob('aGk='),
      uuid: crypto.randomUUID().length,
      random: random.length,
      resolved: new URL('../x?y=1#z', 'https://Example.com/a/b/c').href,
      headers: Array.from(headers.keys()),
    };
    let order = [];
    queueMicrotask(() => order.push('micro'));
    order.push('sync');
    await null;
    out.order = order;
    return Response.json(out);
  }
};
`)

	res, err := f.fetch(t, "GET", "https://example.com/", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"length": 6,
		"decoded": "héllo",
		"all": ["1", "3"],
		"query": "a=1&b=two&a=3&c=x+y",
		"base64": "aGk=",
		"plain": "hi",
		"uuid": 36,
		"random": 8,
		"resolved": "https://example.com/a/x?y=1#z",
		"headers": ["a", "b"],
		"order": ["sync", "micro"]
	}`, res.body)
	assert.Equal(t, []string{"application/json"}, res.headers["content-type"])
}

func TestBindingsThroughHosts(t *testing.T) {
	store, err := kv.Open(filepath.Join(t.TempDir(), "kv.bolt"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	do := hosts.NewDOStorage(hosts.DOStorageOptions{})
	t.Cleanup(func() { do.Close() })
	d1 := hosts.NewD1("", nil)
	t.Cleanup(func() { d1.Close() })

	f := newFixture(t, DefaultConfig(), hosts.NewKV(store), do, d1)
	f.load(t, protocol.ScriptModule, `
export class Counter {
  constructor(state) {
    this.state = state;
  }
  async fetch(request) {
    const n = ((await this.state.storage.get('count')) || 0) + 1;
    await this.state.storage.put('count', n);
    await this.state.storage.put({ blob: new Uint8Array([1, 2]), nested: { list: [1, 'two'] } });
    const listed = await this.state.storage.list({ prefix: 'cou' });
    return new Response(String(n) + ':' + listed.size + ':' + this.state.id.name);
  }
}

export default {
  async fetch(request, env) {
    const url = new URL(request.url);
    switch (url.pathname) {
      case '/kv': {
        await env.CACHE.put('k', JSON.stringify({ v: 1 }), { metadata: { owner: 'me' } });
        const value = await env.CACHE.get('k', 'json');
        const missing = await env.CACHE.get('missing');
        const list = await env.CACHE.list();
        return Response.json({ value, missing, keys: list.keys, complete: list.list_complete });
      }
      case '/do': {
        const ns = env.COUNTER;
        const stub = ns.get(ns.idFromName('room'));
        await stub.fetch('https://do/');
        return stub.fetch('https://do/');
      }
      case '/d1': {
        await env.DB.exec('CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)');
        await env.DB.batch([
          env.DB.prepare('INSERT INTO t (name) VALUES (?)').bind('x'),
          env.DB.prepare('INSERT INTO t (name) VALUES (?)').bind('y'),
        ]);
        const first = await env.DB.prepare('SELECT id, name FROM t ORDER BY id').first();
        const name = await env.DB.prepare('SELECT name FROM t WHERE id = ?').bind(2).first('name');
        const raw = await env.DB.prepare('SELECT id FROM t ORDER BY id').raw();
        return Response.json({ first, name, raw });
      }
    }
    return new Response('not found', { status: 404 });
  }
};
`,
		protocol.Binding{Name: "CACHE", Type: protocol.BindingKV, Namespace: "cache"},
		protocol.Binding{Name: "COUNTER", Type: protocol.BindingDO, ClassName: "Counter"},
		protocol.Binding{Name: "DB", Type: protocol.BindingD1, DatabaseUUID: "5bd2b4c4-2e0e-4a0c-9d64-1b4a3a3e8f11"},
	)

	t.Run("kv", func(t *testing.T) {
		res, err := f.fetch(t, "GET", "https://example.com/kv", "")
		require.NoError(t, err)
		assert.JSONEq(t, `{"value":{"v":1},"missing":null,"keys":[{"name":"k","metadata":{"owner":"me"}}],"complete":true}`, res.body)
	})

	t.Run("durable object", func(t *testing.T) {
		res, err := f.fetch(t, "GET", "https://example.com/do", "")
		require.NoError(t, err)
		assert.Equal(t, "2:1:room", res.body)
	})

	t.Run("d1", func(t *testing.T) {
		res, err := f.fetch(t, "GET", "https://example.com/d1", "")
		require.NoError(t, err)
		assert.JSONEq(t, `{"first":{"id":1,"name":"x"},"name":"y","raw":[[1],[2]]}`, res.body)
	})
}

func TestAlarmRunsHandler(t *testing.T) {
	do := hosts.NewDOStorage(hosts.DOStorageOptions{})
	t.Cleanup(func() { do.Close() })
	f := newFixture(t, DefaultConfig(), do)
	f.load(t, protocol.ScriptModule, `
export class Room {
  constructor(state) {
    this.state = state;
  }
  async alarm(info) {
    await this.state.storage.put('rang', info.retryCount);
  }
  async fetch() {
    return new Response(String(await this.state.storage.get('rang')));
  }
}
export default {
  fetch(request, env) {
    return env.ROOMS.get(env.ROOMS.idFromString('`+strings.Repeat("ab", 32)+`')).fetch(request);
  }
};
`, protocol.Binding{Name: "ROOMS", Type: protocol.BindingDO, ClassName: "Room"})

	err := f.rt.Alarm(context.Background(), protocol.DOAlarm{ClassName: "Room", InstanceID: strings.Repeat("ab", 32), Retry: 2})
	require.NoError(t, err)

	res, err := f.fetch(t, "GET", "https://example.com/", "")
	require.NoError(t, err)
	assert.Equal(t, "2", res.body)

	err = f.rt.Alarm(context.Background(), protocol.DOAlarm{ClassName: "Missing", InstanceID: strings.Repeat("cd", 32)})
	assert.Error(t, err)
}

type wsEvents struct {
	mu  sync.Mutex
	got []wsrelay.Event
}

func (e *wsEvents) add(ev wsrelay.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
}

func (e *wsEvents) snapshot() []wsrelay.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]wsrelay.Event(nil), e.got...)
}

func TestWebSocketPairResponse(t *testing.T) {
	hostWS := hosts.NewWebSockets(nil, nil)
	f := newFixture(t, DefaultConfig(), hostWS)
	f.load(t, protocol.ScriptModule, `
export default {
  fetch() {
    const pair = new WebSocketPair();
    const server = pair[1];
    server.accept();
    server.addEventListener('message', (event) => {
      if (event.data === 'bye') server.close(4001, 'done');
      else server.send('echo:' + event.data);
    });
    return new Response(null, { status: 101, webSocket: pair[0] });
  }
};
`)

	res, err := f.fetch(t, "GET", "https://example.com/ws", "")
	require.NoError(t, err)
	assert.Equal(t, 101, res.status)
	require.NotNil(t, res.ws)
	assert.Equal(t, protocol.WebSocketRef{IsolateID: isolateID, SequenceID: 1}, *res.ws)

	side, ok := hostWS.Side(*res.ws)
	require.True(t, ok)
	var events wsEvents
	side.OnEvent(events.add)
	require.Eventually(t, side.PeerAccepted, time.Second, 5*time.Millisecond)

	require.NoError(t, side.SendText("hi"))
	require.Eventually(t, func() bool { return len(events.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "echo:hi", events.snapshot()[0].Text)

	require.NoError(t, side.SendText("bye"))
	require.Eventually(t, func() bool { return len(events.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	closeEv := events.snapshot()[1]
	assert.Equal(t, protocol.FrameClose, closeEv.Kind)
	assert.Equal(t, 4001, closeEv.Code)
	assert.Equal(t, "done", closeEv.Reason)
}

func TestTimeoutInterruptsScript(t *testing.T) {
	config := DefaultConfig()
	config.Timeout = 50 * time.Millisecond
	f := newFixture(t, config)
	f.load(t, protocol.ScriptModule, `
export default {
  fetch(request) {
    if (request.url.endsWith('/spin')) {
      for (;;) {}
    }
    return new Response('alive');
  }
};
`)

	_, err := f.fetch(t, "GET", "https://example.com/spin", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")

	res, err := f.fetch(t, "GET", "https://example.com/", "")
	require.NoError(t, err)
	assert.Equal(t, "alive", res.body)
}

func TestLoadRejectsBadScripts(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	err := f.rt.Load(ctx, protocol.RunScript{ScriptContents: "import x from './x.js';", ScriptKind: protocol.ScriptModule})
	assert.ErrorIs(t, err, ErrUnsupported)

	err = f.rt.Load(ctx, protocol.RunScript{ScriptContents: "1", ScriptKind: "wasm"})
	assert.ErrorIs(t, err, ErrScriptKind)

	err = f.rt.Load(ctx, protocol.RunScript{ScriptContents: "throw new Error('boom')", ScriptKind: protocol.ScriptServiceWorker})
	var scriptErr *ScriptError
	require.True(t, errors.As(err, &scriptErr), "got %v", err)
	assert.Equal(t, "boom", scriptErr.Message)
}

func TestClosedRuntime(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.rt.Close())
	_, err := f.fetch(t, "GET", "https://example.com/", "")
	assert.ErrorIs(t, err, ErrClosed)
}
