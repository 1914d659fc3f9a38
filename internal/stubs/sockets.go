package stubs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
)

// ErrSocketClosed is returned for writes on a socket closed by the script.
var ErrSocketClosed = errors.New("socket is closed")

// SocketOptions are the connect options.
type SocketOptions struct {
	TLS      bool
	StartTLS bool
}

// Sockets holds the sockets this sandbox opened and routes incoming data
// to them.
type Sockets struct {
	ch        *rpc.Channel
	isolateID string
	logger    *zap.Logger

	mu      sync.Mutex
	sockets map[string]*Socket
}

// NewSockets creates the socket table of one isolate.
func NewSockets(ch *rpc.Channel, isolateID string, logger *zap.Logger) *Sockets {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sockets{
		ch:        ch,
		isolateID: isolateID,
		logger:    logger.Named("sockets"),
		sockets:   make(map[string]*Socket),
	}
}

// Install registers socket-data. Data is delivered in receipt order.
func (s *Sockets) Install() {
	s.ch.AddInlineRequestHandler(protocol.MethodSocketData, func(ctx context.Context, p rpc.Payload) (any, error) {
		var data protocol.SocketData
		if err := rpc.Decode(p, &data); err != nil {
			return nil, rpc.Protocolf("decode socket data: %v", err)
		}
		s.mu.Lock()
		sock, ok := s.sockets[data.ID]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("unknown socket id: %s", data.ID)
		}
		sock.deliver(data.Bytes, data.Done)
		return nil, nil
	})
}

// Connect opens a socket through the host.
func (s *Sockets) Connect(ctx context.Context, hostname string, port int, opts SocketOptions) (*Socket, error) {
	res, err := rpc.Call[protocol.SocketOpened](ctx, s.ch, protocol.MethodSocketOpen, protocol.SocketOpen{
		Hostname:  hostname,
		Port:      port,
		TLS:       opts.TLS,
		StartTLS:  opts.StartTLS,
		IsolateID: s.isolateID,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s:%d: %w", hostname, port, err)
	}
	sock := &Socket{id: res.ID, owner: s}
	s.mu.Lock()
	s.sockets[res.ID] = sock
	s.mu.Unlock()
	return sock, nil
}

func (s *Sockets) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, id)
}

// Socket is one open connection. Data read from the network is handed to
// the OnData callback; data arriving before a callback is set waits.
type Socket struct {
	id    string
	owner *Sockets

	mu      sync.Mutex
	onData  func(data []byte, done bool)
	pending []protocol.SocketData
	closed  bool
}

// ID is the host handle of the socket.
func (s *Socket) ID() string { return s.id }

// OnData sets the read callback and flushes waiting data to it. The
// callback runs on the channel receive loop and must not block.
func (s *Socket) OnData(fn func(data []byte, done bool)) {
	s.mu.Lock()
	s.onData = fn
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, d := range pending {
		fn(d.Bytes, d.Done)
	}
}

func (s *Socket) deliver(data []byte, done bool) {
	s.mu.Lock()
	fn := s.onData
	if fn == nil {
		s.pending = append(s.pending, protocol.SocketData{Bytes: data, Done: done})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(data, done)
}

// Write sends data.
func (s *Socket) Write(ctx context.Context, data []byte) error {
	return s.send(ctx, protocol.SocketData{ID: s.id, Bytes: data})
}

// CloseWrite half-closes the write direction.
func (s *Socket) CloseWrite(ctx context.Context) error {
	return s.send(ctx, protocol.SocketData{ID: s.id, Done: true})
}

func (s *Socket) send(ctx context.Context, data protocol.SocketData) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSocketClosed
	}
	if _, err := s.owner.ch.SendRequest(ctx, protocol.MethodSocketData, data); err != nil {
		return fmt.Errorf("socket write: %w", err)
	}
	return nil
}

// StartTLS upgrades the connection in place.
func (s *Socket) StartTLS(ctx context.Context) error {
	if _, err := s.owner.ch.SendRequest(ctx, protocol.MethodSocketStartTLS, protocol.SocketRef{ID: s.id}); err != nil {
		return fmt.Errorf("starttls: %w", err)
	}
	return nil
}

// Close releases the connection. Closing twice is logged.
func (s *Socket) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.owner.logger.Debug("socket already closed", zap.String("id", s.id))
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.owner.forget(s.id)
	if _, err := s.owner.ch.SendRequest(ctx, protocol.MethodSocketClose, protocol.SocketRef{ID: s.id}); err != nil {
		return fmt.Errorf("socket close: %w", err)
	}
	return nil
}
