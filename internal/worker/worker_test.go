package worker

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/bodies"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
	"github.com/GriffinCanCode/edgeworker/internal/sandbox"
)

const echoScript = `
export default {
  async fetch(request) {
    const body = await request.text();
    return new Response(request.method + ' ' + body, { status: 200 });
  }
};

export class Clock {
  constructor(state) { this.state = state; }
  async alarm() {
    const n = (await this.state.storage.get('ticks')) || 0;
    if (n > 0) throw new Error('already ticked');
  }
}
`

type harness struct {
	host       *rpc.Channel
	hostBodies *bodies.Registry
	done       chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	a, b := rpc.Pipe()
	host := rpc.NewChannel(a, zap.NewNop())
	hostBodies := bodies.NewRegistry(16, 32)
	hostBodies.Install(host)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, b, Options{Sandbox: sandbox.DefaultConfig(), ChunkSize: 16, InlineMax: 32})
	}()
	go host.Serve(ctx)

	t.Cleanup(func() {
		cancel()
		host.Close()
	})
	return &harness{host: host, hostBodies: hostBodies, done: done}
}

func (h *harness) run(t *testing.T, source string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.host.SendRequest(ctx, protocol.MethodRunScript, protocol.RunScript{
		ScriptContents: source,
		ScriptKind:     protocol.ScriptModule,
		IsolateID:      "iso_test",
	})
	return err
}

func (h *harness) fetch(t *testing.T, method, body string) (protocol.HTTPResponse, string, error) {
	t.Helper()
	req := protocol.HTTPRequest{Method: method, URL: "http://localhost/"}
	if body != "" {
		encoded, err := h.hostBodies.Encode(strings.NewReader(body), int64(len(body)))
		require.NoError(t, err)
		req.Body = encoded
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := rpc.Call[protocol.HTTPResponse](ctx, h.host, protocol.MethodWorkerFetch, req)
	if err != nil {
		return resp, "", err
	}
	rc := bodies.Open(h.host, resp.Body)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return resp, string(data), nil
}

func TestRunScriptThenFetch(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run(t, echoScript))

	resp, body, err := h.fetch(t, "POST", "a body longer than the inline limit of thirty-two bytes")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "POST a body longer than the inline limit of thirty-two bytes", body)
}

func TestFetchBeforeRunScript(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.fetch(t, "GET", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), sandbox.ErrNotLoaded.Error())
}

func TestSecondRunScriptRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run(t, echoScript))

	err := h.run(t, echoScript)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrAlreadyLoaded.Error())
}

func TestFailedLoadCanBeRetried(t *testing.T) {
	h := newHarness(t)

	err := h.run(t, `throw new TypeError('broken');`)
	require.Error(t, err)
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "TypeError", remote.Name)

	require.NoError(t, h.run(t, echoScript))
	_, body, err := h.fetch(t, "GET", "")
	require.NoError(t, err)
	assert.Equal(t, "GET ", body)
}

func TestAlarmForUnknownClass(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run(t, echoScript))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.host.SendRequest(ctx, protocol.MethodDOAlarm, protocol.DOAlarm{ClassName: "Missing", InstanceID: "x"})
	assert.Error(t, err)
}

func TestServeReturnsWhenHostCloses(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run(t, echoScript))

	h.host.Close()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
