package hosts

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
)

// ErrUnknownSocket is returned for frames naming a socket that was never
// opened or has been closed.
var ErrUnknownSocket = errors.New("unknown socket id")

// Dialer opens the real connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SocketsOptions configure the socket host.
type SocketsOptions struct {
	Dialer Dialer
	// TLSConfig is cloned for every TLS connection; ServerName is set to
	// the dialed hostname.
	TLSConfig *tls.Config
	Logger    *zap.Logger
	Metrics   *monitoring.Metrics
}

// Sockets owns the raw connections of one worker generation.
type Sockets struct {
	opts   SocketsOptions
	logger *zap.Logger

	mu      sync.Mutex
	ch      *rpc.Channel
	sockets map[string]*socket
}

// NewSockets creates the host for one generation.
func NewSockets(opts SocketsOptions) *Sockets {
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sockets{
		opts:    opts,
		logger:  opts.Logger.Named("sockets"),
		sockets: make(map[string]*socket),
	}
}

// Install registers the socket methods on c. Data and close frames are
// handled in receipt order.
func (h *Sockets) Install(c Conn) {
	h.mu.Lock()
	h.ch = c.Channel
	h.mu.Unlock()

	c.Channel.AddRequestHandler(protocol.MethodSocketOpen, handle(func(ctx context.Context, req protocol.SocketOpen) (any, error) {
		id, err := h.Open(ctx, req)
		if err != nil {
			return nil, err
		}
		return protocol.SocketOpened{ID: id}, nil
	}))
	c.Channel.AddInlineRequestHandler(protocol.MethodSocketData, handle(func(ctx context.Context, req protocol.SocketData) (any, error) {
		return nil, h.Data(req)
	}))
	c.Channel.AddInlineRequestHandler(protocol.MethodSocketClose, handle(func(ctx context.Context, req protocol.SocketRef) (any, error) {
		return nil, h.CloseSocket(req.ID)
	}))
	c.Channel.AddRequestHandler(protocol.MethodSocketStartTLS, handle(func(ctx context.Context, req protocol.SocketRef) (any, error) {
		return nil, h.StartTLS(ctx, req.ID)
	}))
}

// Open dials a connection and starts relaying what it reads to the
// worker.
func (h *Sockets) Open(ctx context.Context, req protocol.SocketOpen) (string, error) {
	if req.Hostname == "" || req.Port <= 0 || req.Port > 65535 {
		return "", fmt.Errorf("invalid socket address %q:%d", req.Hostname, req.Port)
	}
	if req.TLS && req.StartTLS {
		return "", fmt.Errorf("socket cannot use both secureTransport on and starttls")
	}

	addr := net.JoinHostPort(req.Hostname, strconv.Itoa(req.Port))
	raw, err := h.opts.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", addr, err)
	}

	conn := raw
	if req.TLS {
		tlsConn := tls.Client(raw, h.tlsConfig(req.Hostname))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return "", fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}

	s := newSocket(uuid.NewString(), req.Hostname, raw, conn, req.StartTLS, h.logger)
	h.mu.Lock()
	h.sockets[s.id] = s
	ch := h.ch
	h.mu.Unlock()
	h.opts.Metrics.SocketOpened()

	go s.writeLoop()
	go s.readLoop(func(data protocol.SocketData) {
		if ch != nil {
			ch.FireRequest(protocol.MethodSocketData, data)
		}
	})

	h.logger.Debug("socket opened", zap.String("id", s.id), zap.String("addr", addr), zap.Bool("tls", req.TLS))
	return s.id, nil
}

func (h *Sockets) lookup(id string) (*socket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sockets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSocket, id)
	}
	return s, nil
}

// Data queues bytes for writing, or half-closes the write direction when
// Done is set.
func (h *Sockets) Data(req protocol.SocketData) error {
	s, err := h.lookup(req.ID)
	if err != nil {
		return err
	}
	if len(req.Bytes) > 0 {
		s.enqueue(req.Bytes)
	}
	if req.Done {
		s.enqueueHalfClose()
	}
	return nil
}

// CloseSocket releases the connection and forgets the id. Errors from the
// connection itself are logged.
func (h *Sockets) CloseSocket(id string) error {
	h.mu.Lock()
	s, ok := h.sockets[id]
	delete(h.sockets, id)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSocket, id)
	}
	h.opts.Metrics.SocketClosed()
	s.close()
	return nil
}

// StartTLS upgrades a plaintext socket opened with StartTLS. The id and
// the relayed streams stay the same.
func (h *Sockets) StartTLS(ctx context.Context, id string) error {
	s, err := h.lookup(id)
	if err != nil {
		return err
	}
	return s.upgrade(ctx, h.tlsConfig(s.hostname))
}

func (h *Sockets) tlsConfig(hostname string) *tls.Config {
	var cfg *tls.Config
	if h.opts.TLSConfig != nil {
		cfg = h.opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg.ServerName = hostname
	return cfg
}

// Close closes every socket of the generation.
func (h *Sockets) Close() {
	h.mu.Lock()
	sockets := h.sockets
	h.sockets = make(map[string]*socket)
	h.mu.Unlock()
	for _, s := range sockets {
		h.opts.Metrics.SocketClosed()
		s.close()
	}
}

// Len reports how many sockets are open.
func (h *Sockets) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets)
}

type writeOp struct {
	data      []byte
	halfClose bool
}

// socket is one relayed connection. Writes are queued so the channel's
// receive loop never blocks on the network.
type socket struct {
	id       string
	hostname string
	raw      net.Conn
	canTLS   bool
	logger   *zap.Logger

	mu        sync.Mutex
	conn      net.Conn
	queue     []writeOp
	wake      chan struct{}
	closed    bool
	upgrading chan struct{} // non-nil while a start-tls handshake runs
	paused    chan struct{} // closed once the reader has parked

	done       chan struct{}
	readerDone chan struct{}
}

func newSocket(id, hostname string, raw, conn net.Conn, canTLS bool, logger *zap.Logger) *socket {
	return &socket{
		id:         id,
		hostname:   hostname,
		raw:        raw,
		conn:       conn,
		canTLS:     canTLS,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

func (s *socket) current() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *socket) enqueue(data []byte) {
	s.push(writeOp{data: data})
}

func (s *socket) enqueueHalfClose() {
	s.push(writeOp{halfClose: true})
}

func (s *socket) push(op writeOp) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, op)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *socket) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 || s.upgrading != nil {
				s.mu.Unlock()
				break
			}
			op := s.queue[0]
			s.queue = s.queue[1:]
			conn := s.conn
			s.mu.Unlock()

			if op.halfClose {
				if cw, ok := conn.(interface{ CloseWrite() error }); ok {
					if err := cw.CloseWrite(); err != nil {
						s.logger.Debug("half close failed", zap.String("id", s.id), zap.Error(err))
					}
				}
				continue
			}
			if _, err := conn.Write(op.data); err != nil {
				s.logger.Debug("socket write failed", zap.String("id", s.id), zap.Error(err))
			}
		}
	}
}

func (s *socket) readLoop(emit func(protocol.SocketData)) {
	defer close(s.readerDone)
	buf := make([]byte, 32*1024)
	for {
		s.mu.Lock()
		upgrading, paused, conn := s.upgrading, s.paused, s.conn
		s.mu.Unlock()
		if upgrading != nil {
			close(paused)
			select {
			case <-upgrading:
				continue
			case <-s.done:
				return
			}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			emit(protocol.SocketData{ID: s.id, Bytes: append([]byte(nil), buf[:n]...)})
		}
		if err == nil {
			continue
		}

		s.mu.Lock()
		upgrading, closed := s.upgrading, s.closed
		s.mu.Unlock()
		if upgrading != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if !closed && !errors.Is(err, io.EOF) {
			s.logger.Debug("socket read failed", zap.String("id", s.id), zap.Error(err))
		}
		if !closed {
			emit(protocol.SocketData{ID: s.id, Done: true})
		}
		return
	}
}

func (s *socket) upgrade(ctx context.Context, cfg *tls.Config) error {
	s.mu.Lock()
	switch {
	case !s.canTLS:
		s.mu.Unlock()
		return fmt.Errorf("socket %s was not opened with starttls", s.id)
	case s.upgrading != nil:
		s.mu.Unlock()
		return fmt.Errorf("socket %s is already upgrading", s.id)
	}
	upgrading, paused := make(chan struct{}), make(chan struct{})
	s.upgrading, s.paused = upgrading, paused
	s.canTLS = false
	s.mu.Unlock()

	// interrupt the pending plaintext read and wait for the reader to park
	_ = s.raw.SetReadDeadline(time.Now())
	var err error
	select {
	case <-paused:
	case <-s.readerDone:
	case <-s.done:
		err = net.ErrClosed
	case <-ctx.Done():
		err = ctx.Err()
	}
	_ = s.raw.SetReadDeadline(time.Time{})

	var tlsConn *tls.Conn
	if err == nil {
		tlsConn = tls.Client(s.raw, cfg)
		err = tlsConn.HandshakeContext(ctx)
	}

	s.mu.Lock()
	if err == nil {
		s.conn = tlsConn
	}
	s.upgrading, s.paused = nil, nil
	s.mu.Unlock()
	close(upgrading)
	select {
	case s.wake <- struct{}{}:
	default:
	}

	if err != nil {
		return fmt.Errorf("starttls handshake with %s: %w", s.hostname, err)
	}
	return nil
}

func (s *socket) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
	if err := s.current().Close(); err != nil {
		s.logger.Debug("socket close failed", zap.String("id", s.id), zap.Error(err))
	}
}
