package hosts

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
	"github.com/GriffinCanCode/edgeworker/internal/wsrelay"
)

// WebSockets holds the server sides of the pairs one worker generation
// allocated.
type WebSockets struct {
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu    sync.Mutex
	ch    *rpc.Channel
	sides map[protocol.WebSocketRef]*wsrelay.Side
}

// NewWebSockets creates the host for one generation.
func NewWebSockets(logger *zap.Logger, metrics *monitoring.Metrics) *WebSockets {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSockets{
		logger:  logger.Named("websocket"),
		metrics: metrics,
		sides:   make(map[protocol.WebSocketRef]*wsrelay.Side),
	}
}

// Install registers ws-allocate and ws-from-stub on c. Frames from the
// worker are handled in receipt order.
func (h *WebSockets) Install(c Conn) {
	h.mu.Lock()
	h.ch = c.Channel
	h.mu.Unlock()

	c.Channel.AddRequestHandler(protocol.MethodWSAllocate, handle(func(ctx context.Context, req protocol.WSAllocate) (any, error) {
		h.Allocate(req.WebSocketRef)
		return nil, nil
	}))
	c.Channel.AddInlineRequestHandler(protocol.MethodWSFromStub, handle(func(ctx context.Context, frame protocol.WSFrame) (any, error) {
		side, ok := h.Side(frame.WebSocketRef)
		if !ok {
			return nil, rpc.Protocolf("unknown websocket %s/%d", frame.IsolateID, frame.SequenceID)
		}
		if frame.Kind == protocol.FrameMessage {
			h.metrics.RecordWSMessage("from-worker")
		}
		return nil, side.Receive(frame)
	}))
}

// Allocate creates the server side of a pair. It is accepted at once;
// its frames go to the worker as ws-to-stub.
func (h *WebSockets) Allocate(ref protocol.WebSocketRef) *wsrelay.Side {
	h.mu.Lock()
	defer h.mu.Unlock()
	if side, ok := h.sides[ref]; ok {
		return side
	}
	ch := h.ch
	side := wsrelay.NewSide(ref, func(frame protocol.WSFrame) error {
		if frame.Kind == protocol.FrameMessage {
			h.metrics.RecordWSMessage("to-worker")
		}
		ch.FireRequest(protocol.MethodWSToStub, frame)
		return nil
	}, h.logger)
	_ = side.AcceptImplicitly()
	h.sides[ref] = side
	return side
}

// Side looks up the server side of a pair.
func (h *WebSockets) Side(ref protocol.WebSocketRef) (*wsrelay.Side, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	side, ok := h.sides[ref]
	return side, ok
}

func (h *WebSockets) release(ref protocol.WebSocketRef) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sides, ref)
}

// Bridge pumps messages between a real WebSocket connection and the
// server side of ref until either end closes.
func (h *WebSockets) Bridge(ctx context.Context, ref protocol.WebSocketRef, conn *websocket.Conn) error {
	side, ok := h.Side(ref)
	if !ok {
		return rpc.Protocolf("unknown websocket %s/%d", ref.IsolateID, ref.SequenceID)
	}
	defer h.release(ref)
	defer conn.Close()

	var writeMu sync.Mutex
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	side.OnEvent(func(ev wsrelay.Event) {
		writeMu.Lock()
		defer writeMu.Unlock()
		var err error
		switch ev.Kind {
		case protocol.FrameMessage:
			if ev.IsText {
				err = conn.WriteMessage(websocket.TextMessage, []byte(ev.Text))
			} else {
				err = conn.WriteMessage(websocket.BinaryMessage, ev.Binary)
			}
		case protocol.FrameClose:
			err = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(ev.Code, ev.Reason))
			finish()
		}
		if err != nil {
			h.logger.Debug("write to client failed", zap.Error(err))
			finish()
		}
	})

	go func() {
		defer finish()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				code, reason := websocket.CloseNormalClosure, ""
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					code, reason = wsrelay.NormalizeCloseCode(closeErr.Code), closeErr.Text
				}
				if err := side.Close(code, reason); err != nil && !errors.Is(err, wsrelay.ErrClosed) {
					h.logger.Debug("forward close failed", zap.Error(err))
				}
				return
			}
			if kind == websocket.TextMessage {
				err = side.SendText(string(data))
			} else {
				err = side.SendBinary(data)
			}
			if err != nil {
				h.logger.Debug("forward message failed", zap.Error(err))
				return
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = side.Close(websocket.CloseNormalClosure, "server shutting down")
	}
	return nil
}

// Close closes every open pair.
func (h *WebSockets) Close() {
	h.mu.Lock()
	sides := h.sides
	h.sides = make(map[protocol.WebSocketRef]*wsrelay.Side)
	h.mu.Unlock()
	for _, side := range sides {
		_ = side.Close(websocket.CloseNormalClosure, "worker restarted")
	}
}
