package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/monitoring"
)

// ErrChannelClosed is returned to callers still waiting when the channel
// shuts down.
var ErrChannelClosed = errors.New("rpc channel closed")

// Handler serves one request method. The returned value becomes the
// response payload; a returned error becomes an error response.
type Handler func(ctx context.Context, payload Payload) (any, error)

// Option configures a Channel.
type Option func(*Channel)

// WithMetrics records round trips on the given collector.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

type registeredHandler struct {
	fn     Handler
	inline bool
}

type result struct {
	payload Payload
	err     error
}

type pendingCall struct {
	method string
	done   chan result
	timer  *monitoring.Timer
}

// Channel is one end of the duplex RPC connection.
type Channel struct {
	transport Transport
	logger    *zap.Logger
	metrics   *monitoring.Metrics

	nextNum atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]*pendingCall
	handlers map[string]registeredHandler

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewChannel wraps a transport. Call Serve to start receiving.
func NewChannel(transport Transport, logger *zap.Logger, opts ...Option) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		transport: transport,
		logger:    logger,
		pending:   make(map[uint64]*pendingCall),
		handlers:  make(map[string]registeredHandler),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddRequestHandler registers a handler run on its own goroutine for every
// request of the given method.
func (c *Channel) AddRequestHandler(method string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = registeredHandler{fn: handler}
}

// AddInlineRequestHandler registers a handler run on the receive loop, in
// receipt order. It must not wait on a response from this channel.
func (c *Channel) AddInlineRequestHandler(method string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = registeredHandler{fn: handler, inline: true}
}

// SendRequest sends a request and waits for its response. Cancelling ctx
// releases the caller only; the pending entry stays until the peer answers
// or the channel closes.
func (c *Channel) SendRequest(ctx context.Context, method string, payload any) (Payload, error) {
	call, err := c.send(ctx, method, payload)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-call.done:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call sends a request and decodes the response payload into T.
func Call[T any](ctx context.Context, c *Channel, method string, payload any) (T, error) {
	var out T
	raw, err := c.SendRequest(ctx, method, payload)
	if err != nil {
		return out, err
	}
	if err := Decode(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", method, err)
	}
	return out, nil
}

// FireRequest sends a request without waiting. The request is on the wire
// when FireRequest returns, so successive fires keep their order. A failure
// is logged, never returned.
func (c *Channel) FireRequest(method string, payload any) {
	call, err := c.send(c.ctx, method, payload)
	if err != nil {
		c.logger.Warn("fire request failed", zap.String("method", method), zap.Error(err))
		return
	}
	go func() {
		res := <-call.done
		if res.err != nil && !errors.Is(res.err, ErrChannelClosed) {
			c.logger.Warn("fired request returned error", zap.String("method", method), zap.Error(res.err))
		}
	}()
}

func (c *Channel) send(ctx context.Context, method string, payload any) (*pendingCall, error) {
	encoded, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", method, err)
	}

	num := c.nextNum.Add(1)
	call := &pendingCall{
		method: method,
		done:   make(chan result, 1),
		timer:  monitoring.NewTimer(c.metrics, method),
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.pending[num] = call
	c.mu.Unlock()
	c.pendingGauge(1)

	raw, err := Marshal(message{Kind: kindRequest, Num: num, Method: method, Payload: encoded})
	if err == nil {
		err = c.transport.Send(ctx, raw)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pending, num)
		c.mu.Unlock()
		c.pendingGauge(-1)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	return call, nil
}

// ReceiveMessage dispatches one raw message. It reports false for a request
// whose method has no handler.
func (c *Channel) ReceiveMessage(raw []byte) (bool, error) {
	var msg message
	if err := Unmarshal(raw, &msg); err != nil {
		return false, fmt.Errorf("decode message: %w", err)
	}

	switch msg.Kind {
	case kindResponse:
		return c.receiveResponse(msg)
	case kindRequest:
		return c.receiveRequest(msg), nil
	default:
		return false, Protocolf("unknown message kind %q", msg.Kind)
	}
}

func (c *Channel) receiveResponse(msg message) (bool, error) {
	c.mu.Lock()
	call, ok := c.pending[msg.Num]
	if ok {
		delete(c.pending, msg.Num)
	}
	c.mu.Unlock()
	if !ok {
		return false, Protocolf("response %d (%s) matches no pending request", msg.Num, msg.Method)
	}
	c.pendingGauge(-1)

	var res result
	switch {
	case msg.Method != call.method:
		res.err = Protocolf("response method %q does not match request method %q", msg.Method, call.method)
	case msg.Outcome == outcomeError:
		info := msg.Error
		if info == nil {
			info = &ErrorInfo{Name: "Error", Message: "unknown remote error"}
		}
		res.err = &RemoteError{Name: info.Name, Message: info.Message, Stack: info.Stack}
	default:
		res.payload = msg.Payload
	}

	if res.err != nil {
		call.timer.Stop("error")
	} else {
		call.timer.Stop("ok")
	}
	call.done <- res
	return true, nil
}

func (c *Channel) receiveRequest(msg message) bool {
	c.mu.Lock()
	h, ok := c.handlers[msg.Method]
	c.mu.Unlock()
	if !ok {
		return false
	}

	if h.inline {
		c.runHandler(h.fn, msg)
	} else {
		go c.runHandler(h.fn, msg)
	}
	return true
}

func (c *Channel) runHandler(fn Handler, msg message) {
	value, err := c.invoke(fn, msg)

	reply := message{Kind: kindResponse, Num: msg.Num, Method: msg.Method, Outcome: outcomeOK}
	if err == nil {
		reply.Payload, err = Marshal(value)
	}
	if err != nil {
		reply.Outcome = outcomeError
		reply.Payload = nil
		reply.Error = errorInfo(err)
	}

	raw, err := Marshal(reply)
	if err != nil {
		c.logger.Error("encode response failed", zap.String("method", msg.Method), zap.Error(err))
		return
	}
	if err := c.transport.Send(c.ctx, raw); err != nil && c.ctx.Err() == nil {
		c.logger.Warn("send response failed", zap.String("method", msg.Method), zap.Error(err))
	}
}

func (c *Channel) invoke(fn Handler, msg message) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			c.logger.Error("request handler panicked",
				zap.String("method", msg.Method),
				zap.Any("panic", r),
				zap.String("stack", stack),
			)
			err = &RemoteError{Name: "Panic", Message: fmt.Sprint(r), Stack: stack}
		}
	}()
	return fn(c.ctx, msg.Payload)
}

// Serve receives messages until the transport ends or ctx is cancelled,
// then closes the channel.
func (c *Channel) Serve(ctx context.Context) error {
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		raw, err := c.transport.Receive(ctx)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, ErrTransportClosed) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		if _, err := c.ReceiveMessage(raw); err != nil {
			c.logger.Error("dropping message", zap.Error(err))
		}
	}
}

// Done is closed once the channel has shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close shuts the channel down and fails every pending request with
// ErrChannelClosed.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cancel()
		pending := c.pending
		c.pending = make(map[uint64]*pendingCall)
		c.mu.Unlock()

		for _, call := range pending {
			c.pendingGauge(-1)
			call.done <- result{err: ErrChannelClosed}
		}
		err = c.transport.Close()
	})
	return err
}

func (c *Channel) pendingGauge(delta float64) {
	if c.metrics != nil {
		c.metrics.RPCPending.Add(delta)
	}
}
