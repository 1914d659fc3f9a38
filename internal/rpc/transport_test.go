package rpc

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamTransportFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamTransport(nil, &buf)

	require.NoError(t, w.Send(context.Background(), []byte("hello")))
	require.NoError(t, w.Send(context.Background(), []byte{}))
	require.NoError(t, w.Send(context.Background(), bytes.Repeat([]byte{7}, 70000)))

	assert.Equal(t, []byte{0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}, buf.Bytes()[:9])

	r := NewStreamTransport(&buf, io.Discard)
	first, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(first))

	empty, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, empty)

	big, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Len(t, big, 70000)

	_, err = r.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamTransportRejectsOversizedFrame(t *testing.T) {
	r := NewStreamTransport(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}), io.Discard)
	_, err := r.Receive(context.Background())
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestPipeDeliversQueuedMessagesAfterClose(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Send(context.Background(), []byte("last words")))
	require.NoError(t, a.Close())

	msg, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "last words", string(msg))

	_, err = b.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, b.Send(context.Background(), []byte("x")), ErrTransportClosed)
}
