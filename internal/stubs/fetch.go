package stubs

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/GriffinCanCode/edgeworker/internal/bodies"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
)

// Response is the answer to a subrequest. The caller closes Body.
type Response struct {
	Status     int
	StatusText string
	Headers    http.Header
	Body       io.ReadCloser
}

// Fetcher performs subrequests through the host.
type Fetcher struct {
	ch     *rpc.Channel
	bodies *bodies.Registry
}

// NewFetcher creates a fetcher whose request bodies are served from
// registry.
func NewFetcher(ch *rpc.Channel, registry *bodies.Registry) *Fetcher {
	return &Fetcher{ch: ch, bodies: registry}
}

// Fetch sends one request. size < 0 means the body length is unknown.
func (f *Fetcher) Fetch(ctx context.Context, method, url string, headers http.Header, body io.Reader, size int64) (*Response, error) {
	encoded, err := f.bodies.Encode(body, size)
	if err != nil {
		return nil, err
	}
	res, err := rpc.Call[protocol.HTTPResponse](ctx, f.ch, protocol.MethodFetch, protocol.HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: headers,
		Body:    encoded,
	})
	if err != nil {
		if encoded != nil && !encoded.IsInline {
			f.bodies.Release(encoded.ID)
		}
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return &Response{
		Status:     res.Status,
		StatusText: res.StatusText,
		Headers:    http.Header(res.Headers),
		Body:       bodies.Open(f.ch, res.Body),
	}, nil
}
