package rpc

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
)

// Common transport errors
var (
	ErrTransportClosed = errors.New("transport is closed")
	ErrMessageTooLarge = errors.New("message too large")
)

// MaxFrameSize bounds a single encoded message.
const MaxFrameSize = 64 * 1024 * 1024

// Transport is a bidirectional, ordered message stream between the host and
// the sandbox. Send may be called concurrently; Receive has one caller.
type Transport interface {
	Send(ctx context.Context, message []byte) error
	// Receive returns io.EOF once the peer has closed the stream.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Pipe returns two connected in-memory transports.
func Pipe() (Transport, Transport) {
	aToB := make(chan []byte, 256)
	bToA := make(chan []byte, 256)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(done) }) }

	a := &pipeEnd{in: bToA, out: aToB, done: done, close: closeFn}
	b := &pipeEnd{in: aToB, out: bToA, done: done, close: closeFn}
	return a, b
}

type pipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	done  <-chan struct{}
	close func()
}

func (p *pipeEnd) Send(ctx context.Context, message []byte) error {
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}
	select {
	case p.out <- message:
		return nil
	case <-p.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.done:
		// drain whatever was queued before the close
		select {
		case m := <-p.in:
			return m, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.close()
	return nil
}

// StreamTransport frames messages over a byte stream with a 4-byte
// big-endian length prefix. The subprocess worker uses it over stdio.
type StreamTransport struct {
	reader *bufio.Reader
	writer io.Writer
	closer []io.Closer

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// NewStreamTransport frames messages over r and w. Any of r and w that
// implement io.Closer are closed by Close.
func NewStreamTransport(r io.Reader, w io.Writer) *StreamTransport {
	t := &StreamTransport{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
		closed: make(chan struct{}),
	}
	if c, ok := w.(io.Closer); ok {
		t.closer = append(t.closer, c)
	}
	if c, ok := r.(io.Closer); ok {
		t.closer = append(t.closer, c)
	}
	return t
}

func (t *StreamTransport) Send(_ context.Context, message []byte) error {
	if len(message) > MaxFrameSize {
		return ErrMessageTooLarge
	}
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(message)))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := t.writer.Write(message); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *StreamTransport) Receive(_ context.Context) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(t.reader, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, ErrMessageTooLarge
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(t.reader, frame); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return frame, nil
}

func (t *StreamTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		for _, c := range t.closer {
			err = multierr.Append(err, c.Close())
		}
	})
	return err
}
