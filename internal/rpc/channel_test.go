package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type echo struct {
	Value string `cbor:"value"`
	Delay int    `cbor:"delay"`
}

func newPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := Pipe()
	host := NewChannel(a, zap.NewNop())
	worker := NewChannel(b, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go host.Serve(ctx)
	go worker.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		host.Close()
		worker.Close()
	})
	return host, worker
}

func TestConcurrentRequestsResolveOutOfOrder(t *testing.T) {
	host, worker := newPair(t)

	worker.AddRequestHandler("echo", func(ctx context.Context, p Payload) (any, error) {
		var in echo
		if err := Decode(p, &in); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(in.Delay) * time.Millisecond)
		return echo{Value: in.Value}, nil
	})

	order := make(chan string, 2)
	var wg sync.WaitGroup
	for _, req := range []echo{{Value: "slow", Delay: 80}, {Value: "fast", Delay: 0}} {
		wg.Add(1)
		go func(req echo) {
			defer wg.Done()
			out, err := Call[echo](context.Background(), host, "echo", req)
			assert.NoError(t, err)
			assert.Equal(t, req.Value, out.Value)
			order <- out.Value
		}(req)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()
	close(order)

	var got []string
	for v := range order {
		got = append(got, v)
	}
	assert.Equal(t, []string{"fast", "slow"}, got)
}

type quotaError struct{}

func (quotaError) Error() string     { return "quota exceeded" }
func (quotaError) ErrorName() string { return "QuotaError" }

func TestErrorResponseIsReconstructed(t *testing.T) {
	host, worker := newPair(t)

	worker.AddRequestHandler("plain", func(ctx context.Context, p Payload) (any, error) {
		return nil, errors.New("boom")
	})
	worker.AddRequestHandler("named", func(ctx context.Context, p Payload) (any, error) {
		return nil, quotaError{}
	})

	_, err := host.SendRequest(context.Background(), "plain", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Error", remote.Name)
	assert.Equal(t, "boom", remote.Message)

	_, err = host.SendRequest(context.Background(), "named", nil)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "QuotaError", remote.Name)
	assert.Equal(t, "quota exceeded", remote.Message)
	assert.Equal(t, "QuotaError: quota exceeded", err.Error())
}

func TestHandlerPanicBecomesErrorResponse(t *testing.T) {
	host, worker := newPair(t)
	worker.AddRequestHandler("explode", func(ctx context.Context, p Payload) (any, error) {
		panic("kaboom")
	})

	_, err := host.SendRequest(context.Background(), "explode", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Panic", remote.Name)
	assert.Equal(t, "kaboom", remote.Message)
	assert.NotEmpty(t, remote.Stack)
}

func TestUnknownMethodIsIgnored(t *testing.T) {
	a, _ := Pipe()
	ch := NewChannel(a, zap.NewNop())
	defer ch.Close()

	raw, err := Marshal(message{Kind: kindRequest, Num: 1, Method: "nobody-home"})
	require.NoError(t, err)

	handled, err := ch.ReceiveMessage(raw)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestResponseForUnknownRequestIsProtocolError(t *testing.T) {
	a, _ := Pipe()
	ch := NewChannel(a, zap.NewNop())
	defer ch.Close()

	raw, err := Marshal(message{Kind: kindResponse, Num: 42, Method: "fetch", Outcome: outcomeOK})
	require.NoError(t, err)

	_, err = ch.ReceiveMessage(raw)
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestResponseMethodMismatchFailsCaller(t *testing.T) {
	a, b := Pipe()
	ch := NewChannel(a, zap.NewNop())
	defer ch.Close()
	go ch.Serve(context.Background())

	// answer every request with the wrong method name
	go func() {
		raw, err := b.Receive(context.Background())
		if err != nil {
			return
		}
		var req message
		if err := Unmarshal(raw, &req); err != nil {
			return
		}
		reply, _ := Marshal(message{Kind: kindResponse, Num: req.Num, Method: "other", Outcome: outcomeOK})
		_ = b.Send(context.Background(), reply)
	}()

	_, err := ch.SendRequest(context.Background(), "fetch", nil)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Message, `"other"`)
}

func TestInlineHandlersRunInReceiptOrder(t *testing.T) {
	host, worker := newPair(t)

	var mu sync.Mutex
	var seen []int
	worker.AddInlineRequestHandler("frame", func(ctx context.Context, p Payload) (any, error) {
		var n int
		if err := Decode(p, &n); err != nil {
			return nil, err
		}
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil, nil
	})

	for i := 0; i < 50; i++ {
		host.FireRequest("frame", i)
	}
	// a round trip after the fires guarantees they were all dispatched
	worker.AddRequestHandler("sync", func(ctx context.Context, p Payload) (any, error) { return true, nil })
	_, err := host.SendRequest(context.Background(), "sync", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 50)
	for i, n := range seen {
		assert.Equal(t, i, n)
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	a, _ := Pipe()
	ch := NewChannel(a, zap.NewNop())

	errc := make(chan error, 1)
	go func() {
		_, err := ch.SendRequest(context.Background(), "never", nil)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ch.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request was not released")
	}

	_, err := ch.SendRequest(context.Background(), "after", nil)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestContextCancelReleasesCaller(t *testing.T) {
	a, _ := Pipe()
	ch := NewChannel(a, zap.NewNop())
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ch.SendRequest(ctx, "never", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
