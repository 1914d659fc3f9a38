package hosts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/edgeworker/internal/bodies"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
)

// FetchOptions configure outbound fetches.
type FetchOptions struct {
	// HeaderTimeout bounds the wait for response headers; zero means none.
	// Reading a streamed body is not bounded.
	HeaderTimeout time.Duration
	// RequestsPerSecond limits subrequests; zero means unlimited.
	RequestsPerSecond float64
	UserAgent         string
	Logger            *zap.Logger
}

// Fetch serves fetch: subrequests the script makes to the network. There
// are no retries.
type Fetch struct {
	client  *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewFetch creates the host.
func NewFetch(opts FetchOptions) *Fetch {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "edgeworker/1.0"
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = opts.HeaderTimeout

	client := resty.New().
		SetTransport(transport).
		SetRetryCount(0).
		SetHeader("User-Agent", opts.UserAgent)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Fetch{client: client, limiter: limiter, logger: opts.Logger.Named("fetch")}
}

// Install registers fetch on c.
func (h *Fetch) Install(c Conn) {
	c.Channel.AddRequestHandler(protocol.MethodFetch, handle(func(ctx context.Context, req protocol.HTTPRequest) (any, error) {
		return h.Do(ctx, c, req)
	}))
}

// Do performs one subrequest. The request body is pulled from the worker;
// the response body is registered on the host side.
func (h *Fetch) Do(ctx context.Context, c Conn, req protocol.HTTPRequest) (protocol.HTTPResponse, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return protocol.HTTPResponse{}, fmt.Errorf("subrequest rate limit: %w", err)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	r := h.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeaderMultiValues(req.Headers)
	if req.Body != nil {
		body := bodies.Open(c.Channel, req.Body)
		defer body.Close()
		r.SetBody(body)
	}

	start := time.Now()
	resp, err := r.Execute(method, req.URL)
	if err != nil {
		h.logger.Debug("subrequest failed", zap.String("url", req.URL), zap.Error(err))
		return protocol.HTTPResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	h.logger.Debug("subrequest",
		zap.String("method", method),
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("duration", time.Since(start)),
	)

	contentLength := int64(-1)
	if resp.RawResponse != nil {
		contentLength = resp.RawResponse.ContentLength
	}
	headers := resp.Header().Clone()
	raw, err := decodeContent(resp.RawBody(), headers)
	if err != nil {
		resp.RawBody().Close()
		return protocol.HTTPResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	if raw != resp.RawBody() {
		contentLength = -1
	}
	body, err := c.Bodies.Encode(raw, contentLength)
	if err != nil {
		return protocol.HTTPResponse{}, err
	}
	return protocol.HTTPResponse{
		Status:     resp.StatusCode(),
		StatusText: http.StatusText(resp.StatusCode()),
		Headers:    headers,
		Body:       body,
	}, nil
}

// decodeContent undoes a gzip, deflate or zstd Content-Encoding so the
// script always reads the identity body. The encoding headers are removed
// from headers when the body is decoded; unknown encodings pass through.
func decodeContent(body io.ReadCloser, headers http.Header) (io.ReadCloser, error) {
	var (
		r   io.Reader
		err error
	)
	switch strings.ToLower(strings.TrimSpace(headers.Get("Content-Encoding"))) {
	case "gzip", "x-gzip":
		r, err = gzip.NewReader(body)
	case "deflate":
		r, err = deflateReader(body)
	case "zstd":
		var dec *zstd.Decoder
		dec, err = zstd.NewReader(body)
		if err == nil {
			r = dec.IOReadCloser()
		}
	default:
		return body, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", headers.Get("Content-Encoding"), err)
	}
	headers.Del("Content-Encoding")
	headers.Del("Content-Length")
	return decodedBody{Reader: r, raw: body}, nil
}

// deflateReader reads a zlib stream, which is what deflate means in HTTP,
// and falls back to raw DEFLATE when the zlib header is missing.
func deflateReader(body io.Reader) (io.Reader, error) {
	br := bufio.NewReader(body)
	header, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(header) == 2 && header[0]&0x0f == 8 && (uint16(header[0])<<8|uint16(header[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

type decodedBody struct {
	io.Reader
	raw io.Closer
}

func (d decodedBody) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		c.Close()
	}
	return d.raw.Close()
}
