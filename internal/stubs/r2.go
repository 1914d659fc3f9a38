package stubs

import (
	"context"
	"fmt"
	"io"

	"github.com/GriffinCanCode/edgeworker/internal/bodies"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
)

// R2 is a bound bucket. Object bodies stream through the sandbox body
// registry.
type R2 struct {
	ch     *rpc.Channel
	bodies *bodies.Registry
	bucket string
}

// NewR2 binds bucket.
func NewR2(ch *rpc.Channel, registry *bodies.Registry, bucket string) *R2 {
	return &R2{ch: ch, bodies: registry, bucket: bucket}
}

// List returns one page of objects.
func (b *R2) List(ctx context.Context, opts protocol.R2List) (protocol.R2Objects, error) {
	opts.Bucket = b.bucket
	res, err := rpc.Call[protocol.R2Objects](ctx, b.ch, protocol.MethodR2List, opts)
	if err != nil {
		return protocol.R2Objects{}, fmt.Errorf("r2 list: %w", err)
	}
	return res, nil
}

// Head returns the metadata of key, nil when absent.
func (b *R2) Head(ctx context.Context, key string) (*protocol.R2Object, error) {
	res, err := rpc.Call[protocol.R2ObjectResult](ctx, b.ch, protocol.MethodR2Head, protocol.R2Key{Bucket: b.bucket, Key: key})
	if err != nil {
		return nil, fmt.Errorf("r2 head %q: %w", key, err)
	}
	return res.Object, nil
}

// Get returns the metadata and body of key. Both are nil when absent; the
// caller closes the body.
func (b *R2) Get(ctx context.Context, key string) (*protocol.R2Object, io.ReadCloser, error) {
	res, err := rpc.Call[protocol.R2GetResult](ctx, b.ch, protocol.MethodR2Get, protocol.R2Key{Bucket: b.bucket, Key: key})
	if err != nil {
		return nil, nil, fmt.Errorf("r2 get %q: %w", key, err)
	}
	if res.Object == nil {
		return nil, nil, nil
	}
	return res.Object, bodies.Open(b.ch, res.Body), nil
}

// Put stores body under key. size < 0 means unknown.
func (b *R2) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, custom map[string]string) (protocol.R2Object, error) {
	encoded, err := b.bodies.Encode(body, size)
	if err != nil {
		return protocol.R2Object{}, err
	}
	obj, err := rpc.Call[protocol.R2Object](ctx, b.ch, protocol.MethodR2Put, protocol.R2Put{
		Bucket:         b.bucket,
		Key:            key,
		Body:           encoded,
		ContentType:    contentType,
		CustomMetadata: custom,
	})
	if err != nil {
		if encoded != nil && !encoded.IsInline {
			b.bodies.Release(encoded.ID)
		}
		return protocol.R2Object{}, fmt.Errorf("r2 put %q: %w", key, err)
	}
	return obj, nil
}

// Delete removes keys.
func (b *R2) Delete(ctx context.Context, keys ...string) error {
	if _, err := b.ch.SendRequest(ctx, protocol.MethodR2Delete, protocol.R2Delete{Bucket: b.bucket, Keys: keys}); err != nil {
		return fmt.Errorf("r2 delete: %w", err)
	}
	return nil
}
