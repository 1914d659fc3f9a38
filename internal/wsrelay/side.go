// Package wsrelay implements the accept handshake and sequencing of a
// relayed WebSocket pair.
//
// A pair has a client side, held by the sandbox and accepted explicitly by
// the script, and a server side, held by the host and accepted as soon as
// the pair exists. Events addressed to a side that has not been accepted,
// or that has no handler yet, wait in its queue and are dispatched in
// receipt order once the side is accepted and has a handler.
package wsrelay

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
)

// State of one side.
type State int

const (
	Unaccepted State = iota
	Accepted
	Closed
)

func (s State) String() string {
	switch s {
	case Unaccepted:
		return "unaccepted"
	case Accepted:
		return "accepted"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Common errors
var (
	ErrNotAccepted     = errors.New("websocket side has not been accepted")
	ErrAlreadyAccepted = errors.New("websocket side already accepted")
	ErrClosed          = errors.New("websocket side is closed")
)

// Event is a message or close received from the peer side.
type Event struct {
	Kind   string
	Text   string
	Binary []byte
	IsText bool
	Code   int
	Reason string
}

// SendFunc delivers a frame to the peer side.
type SendFunc func(frame protocol.WSFrame) error

// Side is one end of a pair.
type Side struct {
	ref    protocol.WebSocketRef
	send   SendFunc
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	pending    []Event
	handler    func(Event)
	sendSeq    uint64
	recvSeq    uint64
	peerAccept bool

	// serializes dispatch so a flush on accept cannot interleave with a
	// live event
	dispatchMu sync.Mutex
	// held from sequence allocation until the frame is handed to send
	sendMu sync.Mutex
}

// NewSide creates an unaccepted side that emits frames through send.
func NewSide(ref protocol.WebSocketRef, send SendFunc, logger *zap.Logger) *Side {
	return &Side{ref: ref, send: send, logger: logger}
}

// OnEvent sets the handler events are dispatched to. Events queued on an
// accepted side are flushed to fn in receipt order.
func (s *Side) OnEvent(fn func(Event)) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	s.handler = fn
	queued := s.takeReadyLocked()
	s.mu.Unlock()

	for _, ev := range queued {
		dispatch(fn, ev)
	}
}

// Ref names the pair this side belongs to.
func (s *Side) Ref() protocol.WebSocketRef {
	return s.ref
}

// State reports the current state.
func (s *Side) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerAccepted reports whether the peer side has announced acceptance.
func (s *Side) PeerAccepted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerAccept
}

// Accept accepts the side explicitly, tells the peer, and dispatches
// queued events in order.
func (s *Side) Accept() error {
	return s.accept(true)
}

// AcceptImplicitly accepts the side without telling the peer.
func (s *Side) AcceptImplicitly() error {
	return s.accept(false)
}

func (s *Side) accept(notify bool) error {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.sendMu.Lock()
	s.mu.Lock()
	switch s.state {
	case Accepted:
		s.mu.Unlock()
		s.sendMu.Unlock()
		return ErrAlreadyAccepted
	case Closed:
		s.mu.Unlock()
		s.sendMu.Unlock()
		return ErrClosed
	}
	s.state = Accepted
	queued := s.takeReadyLocked()
	handler := s.handler
	var frame protocol.WSFrame
	if notify {
		frame = s.nextFrameLocked(protocol.FrameAccept)
	}
	s.mu.Unlock()

	var err error
	if notify {
		err = s.send(frame)
	}
	s.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("announce accept: %w", err)
	}

	for _, ev := range queued {
		dispatch(handler, ev)
	}
	return nil
}

// SendText sends a text message.
func (s *Side) SendText(text string) error {
	return s.sendMessage(func(f *protocol.WSFrame) {
		f.Text = text
		f.IsText = true
	})
}

// SendBinary sends a binary message.
func (s *Side) SendBinary(data []byte) error {
	return s.sendMessage(func(f *protocol.WSFrame) {
		f.Binary = data
	})
}

func (s *Side) sendMessage(fill func(*protocol.WSFrame)) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case Unaccepted:
		s.mu.Unlock()
		return ErrNotAccepted
	case Closed:
		s.mu.Unlock()
		return ErrClosed
	}
	frame := s.nextFrameLocked(protocol.FrameMessage)
	fill(&frame)
	s.mu.Unlock()
	return s.send(frame)
}

// Close forwards a close to the peer. Codes outside 1000 and 3000-4999 are
// sent as 1000.
func (s *Side) Close(code int, reason string) error {
	if normalized := NormalizeCloseCode(code); normalized != code {
		s.logger.Warn("websocket close code not allowed, using 1000",
			zap.Int("code", code),
			zap.String("isolate", s.ref.IsolateID),
			zap.Int64("sequence", s.ref.SequenceID),
		)
		code = normalized
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = Closed
	frame := s.nextFrameLocked(protocol.FrameClose)
	frame.Code = code
	frame.Reason = reason
	s.mu.Unlock()
	return s.send(frame)
}

// Receive handles a frame from the peer. A sequence number other than the
// next expected one is a protocol error and leaves the side unchanged.
func (s *Side) Receive(frame protocol.WSFrame) error {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if frame.Seq != s.recvSeq+1 {
		expected := s.recvSeq + 1
		s.mu.Unlock()
		return rpc.Protocolf("websocket %s/%d: received seq %d, expected %d",
			s.ref.IsolateID, s.ref.SequenceID, frame.Seq, expected)
	}
	s.recvSeq = frame.Seq

	var ev Event
	switch frame.Kind {
	case protocol.FrameAccept:
		s.peerAccept = true
		s.mu.Unlock()
		return nil
	case protocol.FrameMessage:
		ev = Event{Kind: protocol.FrameMessage, Text: frame.Text, Binary: frame.Binary, IsText: frame.IsText}
	case protocol.FrameClose:
		ev = Event{Kind: protocol.FrameClose, Code: frame.Code, Reason: frame.Reason}
	default:
		s.mu.Unlock()
		return rpc.Protocolf("websocket frame kind %q", frame.Kind)
	}

	if s.state == Unaccepted || s.handler == nil {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return nil
	}
	handler := s.handler
	s.mu.Unlock()

	dispatch(handler, ev)
	return nil
}

// takeReadyLocked empties the queue once the side can dispatch it.
func (s *Side) takeReadyLocked() []Event {
	if s.state == Unaccepted || s.handler == nil {
		return nil
	}
	queued := s.pending
	s.pending = nil
	return queued
}

// Pending reports how many events wait for acceptance or a handler.
func (s *Side) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Side) nextFrameLocked(kind string) protocol.WSFrame {
	s.sendSeq++
	return protocol.WSFrame{WebSocketRef: s.ref, Kind: kind, Seq: s.sendSeq}
}

func dispatch(handler func(Event), ev Event) {
	if handler != nil {
		handler(ev)
	}
}

// NormalizeCloseCode maps codes a script may not send to 1000.
func NormalizeCloseCode(code int) int {
	if code == 1000 || (code >= 3000 && code <= 4999) {
		return code
	}
	return 1000
}
