package stubs

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
	"github.com/GriffinCanCode/edgeworker/internal/wsrelay"
)

// WebSockets holds the client sides of the pairs this sandbox allocated.
type WebSockets struct {
	ch        *rpc.Channel
	isolateID string
	logger    *zap.Logger

	mu    sync.Mutex
	seq   int64
	sides map[protocol.WebSocketRef]*wsrelay.Side
}

// NewWebSockets creates the pair table of one isolate.
func NewWebSockets(ch *rpc.Channel, isolateID string, logger *zap.Logger) *WebSockets {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSockets{
		ch:        ch,
		isolateID: isolateID,
		logger:    logger.Named("websocket"),
		sides:     make(map[protocol.WebSocketRef]*wsrelay.Side),
	}
}

// Install registers ws-to-stub. Frames are handled in receipt order.
func (w *WebSockets) Install() {
	w.ch.AddInlineRequestHandler(protocol.MethodWSToStub, func(ctx context.Context, p rpc.Payload) (any, error) {
		var frame protocol.WSFrame
		if err := rpc.Decode(p, &frame); err != nil {
			return nil, rpc.Protocolf("decode websocket frame: %v", err)
		}
		side, ok := w.Side(frame.WebSocketRef)
		if !ok {
			return nil, rpc.Protocolf("unknown websocket %s/%d", frame.IsolateID, frame.SequenceID)
		}
		if frame.Kind == protocol.FrameClose {
			defer w.release(frame.WebSocketRef)
		}
		return nil, side.Receive(frame)
	})
}

// NewPair allocates a pair with the host and returns the client side. The
// script accepts it before it can send.
func (w *WebSockets) NewPair(ctx context.Context) (*wsrelay.Side, error) {
	w.mu.Lock()
	w.seq++
	ref := protocol.WebSocketRef{IsolateID: w.isolateID, SequenceID: w.seq}
	side := wsrelay.NewSide(ref, func(frame protocol.WSFrame) error {
		w.ch.FireRequest(protocol.MethodWSFromStub, frame)
		return nil
	}, w.logger)
	w.sides[ref] = side
	w.mu.Unlock()

	if _, err := w.ch.SendRequest(ctx, protocol.MethodWSAllocate, protocol.WSAllocate{WebSocketRef: ref}); err != nil {
		w.release(ref)
		return nil, fmt.Errorf("allocate websocket: %w", err)
	}
	return side, nil
}

// Side looks up a client side.
func (w *WebSockets) Side(ref protocol.WebSocketRef) (*wsrelay.Side, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	side, ok := w.sides[ref]
	return side, ok
}

func (w *WebSockets) release(ref protocol.WebSocketRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.sides, ref)
}

// Len reports how many pairs are live.
func (w *WebSockets) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sides)
}
