package hosts

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/edgeworker/internal/bodies"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
)

func TestDecodeContent(t *testing.T) {
	const payload = "hello from upstream"

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte(payload))
	require.NoError(t, gw.Close())

	var zl bytes.Buffer
	zw := zlib.NewWriter(&zl)
	_, _ = zw.Write([]byte(payload))
	require.NoError(t, zw.Close())

	var raw bytes.Buffer
	fw, err := flate.NewWriter(&raw, flate.DefaultCompression)
	require.NoError(t, err)
	_, _ = fw.Write([]byte(payload))
	require.NoError(t, fw.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zs := enc.EncodeAll([]byte(payload), nil)
	require.NoError(t, enc.Close())

	for name, tc := range map[string]struct {
		encoding string
		data     []byte
	}{
		"gzip":        {"gzip", gz.Bytes()},
		"deflate":     {"deflate", zl.Bytes()},
		"raw deflate": {"deflate", raw.Bytes()},
		"zstd":        {"zstd", zs},
	} {
		t.Run(name, func(t *testing.T) {
			headers := http.Header{"Content-Encoding": {tc.encoding}, "Content-Length": {"99"}}
			body, err := decodeContent(io.NopCloser(bytes.NewReader(tc.data)), headers)
			require.NoError(t, err)
			got, err := io.ReadAll(body)
			require.NoError(t, err)
			assert.NoError(t, body.Close())
			assert.Equal(t, payload, string(got))
			assert.Empty(t, headers.Get("Content-Encoding"))
			assert.Empty(t, headers.Get("Content-Length"))
		})
	}
}

func TestDecodeContentPassesThroughUnknownEncoding(t *testing.T) {
	raw := io.NopCloser(bytes.NewReader([]byte("br-data")))
	headers := http.Header{"Content-Encoding": {"br"}}
	body, err := decodeContent(raw, headers)
	require.NoError(t, err)
	assert.Equal(t, raw, body)
	assert.Equal(t, "br", headers.Get("Content-Encoding"))
}

func TestDecodeContentRejectsCorruptGzip(t *testing.T) {
	_, err := decodeContent(io.NopCloser(bytes.NewReader([]byte("not gzip"))), http.Header{"Content-Encoding": {"gzip"}})
	assert.Error(t, err)
}

func readAllChunks(t *testing.T, reg *bodies.Registry, body *protocol.Body) string {
	t.Helper()
	require.NotNil(t, body)
	if body.IsInline {
		return string(body.Inline)
	}
	var out []byte
	for {
		chunk, err := reg.ReadBodyChunk(body.ID)
		require.NoError(t, err)
		out = append(out, chunk.Value...)
		if chunk.Done {
			return string(out)
		}
	}
}

func TestFetchStreamsBodyPastHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("head "))
		w.(http.Flusher).Flush()
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte("tail"))
	}))
	defer srv.Close()

	reg := bodies.NewRegistry(0, 0)
	h := NewFetch(FetchOptions{HeaderTimeout: 100 * time.Millisecond})
	resp, err := h.Do(context.Background(), Conn{Bodies: reg}, protocol.HTTPRequest{Method: "GET", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "head tail", readAllChunks(t, reg, resp.Body))
}

func TestFetchFailsWhenHeadersAreLate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := NewFetch(FetchOptions{HeaderTimeout: 50 * time.Millisecond})
	_, err := h.Do(context.Background(), Conn{Bodies: bodies.NewRegistry(0, 0)}, protocol.HTTPRequest{URL: srv.URL})
	assert.Error(t, err)
}
