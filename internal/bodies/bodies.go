// Package bodies moves request and response bodies across the RPC channel.
//
// A body either travels inline in the payload or is registered with the
// sending side's Registry and pulled by the receiver one chunk at a time
// through read-body-chunk.
package bodies

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
)

// Defaults
const (
	DefaultChunkSize = 64 * 1024
	DefaultInlineMax = 5 * 1024 * 1024
)

// ErrUnknownBody is returned for an id that was never registered or has
// already been read to the end.
var ErrUnknownBody = errors.New("unknown body id")

type entry struct {
	source io.Reader
	reader *bufio.Reader
}

// Registry owns the bodies one side of the channel has handed out.
type Registry struct {
	mu        sync.Mutex
	nextID    int64
	entries   map[int64]*entry
	chunkSize int
	inlineMax int64
}

// NewRegistry creates a registry. Non-positive sizes select the defaults.
func NewRegistry(chunkSize int, inlineMax int64) *Registry {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if inlineMax <= 0 {
		inlineMax = DefaultInlineMax
	}
	return &Registry{
		entries:   make(map[int64]*entry),
		chunkSize: chunkSize,
		inlineMax: inlineMax,
	}
}

// ComputeBodyID registers a stream and returns its id. A nil or empty
// stream is not registered and reports false.
func (r *Registry) ComputeBodyID(stream io.Reader) (int64, bool) {
	if stream == nil || stream == http.NoBody {
		return 0, false
	}
	peek := bufio.NewReaderSize(stream, r.chunkSize)
	if _, err := peek.Peek(1); err != nil {
		closeStream(stream)
		return 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.entries[r.nextID] = &entry{source: stream, reader: peek}
	return r.nextID, true
}

// ReadBodyChunk reads the next chunk of a registered body. The final call
// reports Done and evicts the body.
func (r *Registry) ReadBodyChunk(id int64) (protocol.Chunk, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return protocol.Chunk{}, fmt.Errorf("%w: %d", ErrUnknownBody, id)
	}

	buf := make([]byte, r.chunkSize)
	for {
		n, err := e.reader.Read(buf)
		if n > 0 {
			return protocol.Chunk{Value: buf[:n]}, nil
		}
		if errors.Is(err, io.EOF) {
			r.Release(id)
			return protocol.Chunk{Done: true}, nil
		}
		if err != nil {
			r.Release(id)
			return protocol.Chunk{}, fmt.Errorf("read body %d: %w", id, err)
		}
	}
}

// Release drops a body without reading the rest of it.
func (r *Registry) Release(id int64) {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ok {
		closeStream(e.source)
	}
}

// Len reports how many bodies are registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Encode turns a body into its payload form. Bodies with a known length
// under the inline threshold travel inline; contentLength < 0 means
// unknown. A nil result means no body.
func (r *Registry) Encode(stream io.Reader, contentLength int64) (*protocol.Body, error) {
	if stream == nil || stream == http.NoBody || contentLength == 0 {
		if stream != nil {
			closeStream(stream)
		}
		return nil, nil
	}
	if contentLength > 0 && contentLength < r.inlineMax {
		data, err := io.ReadAll(io.LimitReader(stream, contentLength))
		closeStream(stream)
		if err != nil {
			return nil, fmt.Errorf("read inline body: %w", err)
		}
		return &protocol.Body{Inline: data, IsInline: true}, nil
	}
	id, ok := r.ComputeBodyID(stream)
	if !ok {
		return nil, nil
	}
	return &protocol.Body{ID: id}, nil
}

// Install registers the read-body-chunk handler on ch.
func (r *Registry) Install(ch *rpc.Channel) {
	ch.AddRequestHandler(protocol.MethodReadBodyChunk, func(ctx context.Context, p rpc.Payload) (any, error) {
		var req protocol.ReadChunk
		if err := rpc.Decode(p, &req); err != nil {
			return nil, err
		}
		if req.Cancel {
			r.Release(req.ID)
			return protocol.Chunk{Done: true}, nil
		}
		return r.ReadBodyChunk(req.ID)
	})
}

// Open returns a reader over a body received from the peer. Registered
// bodies are pulled from ch chunk by chunk.
func Open(ch *rpc.Channel, body *protocol.Body) io.ReadCloser {
	switch {
	case body == nil:
		return http.NoBody
	case body.IsInline:
		return io.NopCloser(bytes.NewReader(body.Inline))
	default:
		return &remoteReader{ch: ch, id: body.ID}
	}
}

// remoteReader pulls a registered body from the peer.
type remoteReader struct {
	ch   *rpc.Channel
	id   int64
	buf  []byte
	done bool
	err  error
}

func (rr *remoteReader) Read(p []byte) (int, error) {
	for len(rr.buf) == 0 {
		if rr.err != nil {
			return 0, rr.err
		}
		if rr.done {
			return 0, io.EOF
		}
		chunk, err := rpc.Call[protocol.Chunk](context.Background(), rr.ch, protocol.MethodReadBodyChunk, protocol.ReadChunk{ID: rr.id})
		if err != nil {
			rr.err = err
			return 0, err
		}
		rr.buf = chunk.Value
		rr.done = chunk.Done
	}
	n := copy(p, rr.buf)
	rr.buf = rr.buf[n:]
	return n, nil
}

// Close releases the remote body if it was not read to the end.
func (rr *remoteReader) Close() error {
	if rr.done || rr.err != nil {
		return nil
	}
	rr.done = true
	rr.buf = nil
	rr.ch.FireRequest(protocol.MethodReadBodyChunk, protocol.ReadChunk{ID: rr.id, Cancel: true})
	return nil
}

func closeStream(stream io.Reader) {
	if c, ok := stream.(io.Closer); ok {
		_ = c.Close()
	}
}
