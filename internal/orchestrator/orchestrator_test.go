package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/config"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/sandbox"
	"github.com/GriffinCanCode/edgeworker/internal/worker"
)

const echoScript = `
export default {
  async fetch(request, env) {
    const url = new URL(request.url);
    if (url.pathname === '/throw') throw new RangeError('out of range');
    if (url.pathname === '/kv') {
      if (request.method === 'PUT') {
        await env.STATE.put('k', await request.text());
        return new Response('stored');
      }
      return new Response((await env.STATE.get('k')) || 'missing');
    }
    const body = await request.text();
    return new Response([request.method, url.host, url.pathname, request.headers.get('cf-connecting-ip'), body].join('|'), {
      status: 201,
      headers: { 'x-generation': env.GENERATION },
    });
  }
};
`

// recordingSpawner remembers every process it starts.
type recordingSpawner struct {
	inner Spawner

	mu    sync.Mutex
	procs []Process
	fail  error
}

func (s *recordingSpawner) Spawn(ctx context.Context) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	p, err := s.inner.Spawn(ctx)
	if err == nil {
		s.procs = append(s.procs, p)
	}
	return p, err
}

func (s *recordingSpawner) processes() []Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Process(nil), s.procs...)
}

func newTestOrchestrator(t *testing.T, c clock.Clock) (*Orchestrator, *recordingSpawner, *monitoring.Metrics) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Bodies.ChunkSize = 16
	cfg.Bodies.InlineThreshold = 32
	cfg.Worker.ShutdownTimeout = 2 * time.Second

	sb := sandbox.DefaultConfig()
	sb.Clock = c
	spawner := &recordingSpawner{inner: InProcess{Options: worker.Options{Sandbox: sb, ChunkSize: 16, InlineMax: 32}}}
	metrics := monitoring.NewMetrics()

	o, err := New(Options{Config: cfg, Metrics: metrics, Clock: c, Spawner: spawner})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, o.Close()) })
	return o, spawner, metrics
}

func run(t *testing.T, o *Orchestrator, source string, bindings ...protocol.Binding) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return o.Run(ctx, Script{Contents: source, Kind: protocol.ScriptModule, Bindings: bindings})
}

func fetch(t *testing.T, o *Orchestrator, method, target, body string, opts FetchOptions) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, _, err := o.Fetch(ctx, req, opts)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func generationBinding(n string) protocol.Binding {
	return protocol.Binding{Name: "GENERATION", Type: protocol.BindingText, Value: n}
}

func stateBinding() protocol.Binding {
	return protocol.Binding{Name: "STATE", Type: protocol.BindingKV, Namespace: "state"}
}

func TestFetchBeforeRun(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, clock.New())

	_, _, err := o.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil), FetchOptions{})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Empty(t, o.IsolateID())
}

func TestRunAndFetch(t *testing.T) {
	o, _, metrics := newTestOrchestrator(t, clock.New())
	require.NoError(t, run(t, o, echoScript, generationBinding("1")))
	assert.True(t, strings.HasPrefix(o.IsolateID(), "iso_"))

	body := "a request body that is longer than the inline threshold"
	resp, got := fetch(t, o, http.MethodPost, "http://localhost:8080/echo?x=1", body, FetchOptions{
		ClientIP:         "198.51.100.4",
		HostnameOverride: "example.com",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "201 Created", resp.Status)
	assert.Equal(t, "1", resp.Header.Get("X-Generation"))
	assert.Equal(t, "POST|example.com:8080|/echo|198.51.100.4|"+body, got)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.TotalFetches)
	assert.Equal(t, int64(1), snap.Generations)
}

func TestUnreadRequestBodyIsReleased(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, clock.New())
	require.NoError(t, run(t, o, echoScript, stateBinding()))

	_, got := fetch(t, o, http.MethodPost, "http://localhost/kv", strings.Repeat("unread ", 20), FetchOptions{})
	assert.Equal(t, "missing", got)

	gen, err := o.generation()
	require.NoError(t, err)
	assert.Equal(t, 0, gen.bodies.Len())
}

func TestScriptErrorBecomes500(t *testing.T) {
	o, _, metrics := newTestOrchestrator(t, clock.New())
	require.NoError(t, run(t, o, echoScript, generationBinding("1")))

	resp, body := fetch(t, o, http.MethodGet, "http://localhost/throw", "", FetchOptions{})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "RangeError: out of range")
	assert.Equal(t, int64(1), metrics.Snapshot().FailedFetches)
}

func TestRunRecyclesWorker(t *testing.T) {
	o, spawner, _ := newTestOrchestrator(t, clock.New())
	require.NoError(t, run(t, o, echoScript, generationBinding("1"), stateBinding()))
	first := o.IsolateID()

	_, got := fetch(t, o, http.MethodPut, "http://localhost/kv", "kept", FetchOptions{})
	assert.Equal(t, "stored", got)

	require.NoError(t, run(t, o, echoScript, generationBinding("2"), stateBinding()))
	assert.NotEqual(t, first, o.IsolateID())

	procs := spawner.processes()
	require.Len(t, procs, 2)
	select {
	case <-procs[0].Done():
	default:
		t.Fatal("previous generation still running")
	}

	resp, got := fetch(t, o, http.MethodGet, "http://localhost/kv", "", FetchOptions{})
	assert.Equal(t, "2", resp.Header.Get("X-Generation"))
	assert.Equal(t, "kept", got)
}

func TestFailedRunLeavesNothingRunning(t *testing.T) {
	o, spawner, _ := newTestOrchestrator(t, clock.New())
	require.NoError(t, run(t, o, echoScript, generationBinding("1")))

	err := run(t, o, `export default { fetch() {} };
throw new Error('init failed');`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init failed")

	_, _, err = o.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil), FetchOptions{})
	assert.ErrorIs(t, err, ErrNotRunning)

	procs := spawner.processes()
	require.Len(t, procs, 2)
	for _, p := range procs {
		<-p.Done()
	}
}

func TestSpawnFailuresTripBreaker(t *testing.T) {
	o, spawner, _ := newTestOrchestrator(t, clock.NewMock())
	errBroken := errors.New("binary missing")
	spawner.fail = errBroken

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, run(t, o, echoScript), errBroken)
	}
	assert.ErrorIs(t, run(t, o, echoScript), resilience.ErrCircuitOpen)
}

func TestAlarmReachesWorker(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Now())
	o, _, _ := newTestOrchestrator(t, mock)
	require.NoError(t, run(t, o, `
export class Timer {
  constructor(state, env) { this.state = state; this.env = env; }
  async fetch() {
    await this.state.storage.setAlarm(Date.now() + 60000);
    return new Response('armed');
  }
  async alarm() {
    await this.env.STATE.put('alarm', 'rang');
  }
}
export default {
  async fetch(request, env) {
    if (new URL(request.url).pathname === '/check') {
      return new Response((await env.STATE.get('alarm')) || 'silent');
    }
    return env.TIMERS.get(env.TIMERS.idFromName('t')).fetch(request);
  }
};
`, stateBinding(), protocol.Binding{Name: "TIMERS", Type: protocol.BindingDO, ClassName: "Timer"}))

	_, got := fetch(t, o, http.MethodGet, "http://localhost/arm", "", FetchOptions{})
	require.Equal(t, "armed", got)
	_, got = fetch(t, o, http.MethodGet, "http://localhost/check", "", FetchOptions{})
	require.Equal(t, "silent", got)

	mock.Add(2 * time.Minute)
	assert.Eventually(t, func() bool {
		_, got := fetch(t, o, http.MethodGet, "http://localhost/check", "", FetchOptions{})
		return got == "rang"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRequestURL(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		override string
		want     string
	}{
		{"plain", "http://localhost:8787/a?b=1", "", "http://localhost:8787/a?b=1"},
		{"override keeps port", "http://localhost:8787/a", "example.com", "http://example.com:8787/a"},
		{"override with port", "http://localhost:8787/a", "example.com:443", "http://example.com:443/a"},
		{"no port", "http://localhost/", "example.com", "http://example.com/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.want, requestURL(req, tt.override))
		})
	}
}

func TestClose(t *testing.T) {
	o, spawner, _ := newTestOrchestrator(t, clock.New())
	require.NoError(t, run(t, o, echoScript, generationBinding("1")))
	require.NoError(t, o.Close())

	<-spawner.processes()[0].Done()
	assert.ErrorIs(t, run(t, o, echoScript), ErrClosed)
	_, _, err := o.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil), FetchOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}
