package hosts

import (
	"context"

	"github.com/GriffinCanCode/edgeworker/internal/bodies"
	"github.com/GriffinCanCode/edgeworker/internal/bucket"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
)

// R2 serves the r2-bucket methods. Object bodies stream through the body
// registry of the generation.
type R2 struct {
	store *bucket.Store
}

// NewR2 creates the host.
func NewR2(store *bucket.Store) *R2 {
	return &R2{store: store}
}

// Install registers the bucket methods on c.
func (h *R2) Install(c Conn) {
	ch := c.Channel
	ch.AddRequestHandler(protocol.MethodR2List, handle(func(ctx context.Context, req protocol.R2List) (any, error) {
		return h.store.List(req)
	}))
	ch.AddRequestHandler(protocol.MethodR2Head, handle(func(ctx context.Context, req protocol.R2Key) (any, error) {
		obj, err := h.store.Head(req.Bucket, req.Key)
		if err != nil {
			return nil, err
		}
		return protocol.R2ObjectResult{Object: obj}, nil
	}))
	ch.AddRequestHandler(protocol.MethodR2Delete, handle(func(ctx context.Context, req protocol.R2Delete) (any, error) {
		return nil, h.store.Delete(req.Bucket, req.Keys)
	}))
	// A registered object body lives until the worker reads it to the end,
	// cancels it, or the generation's registry is dropped.
	ch.AddRequestHandler(protocol.MethodR2Get, handle(func(ctx context.Context, req protocol.R2Key) (any, error) {
		obj, body, err := h.store.Get(req.Bucket, req.Key)
		if err != nil || obj == nil {
			return protocol.R2GetResult{}, err
		}
		encoded, err := c.Bodies.Encode(body, obj.Size)
		if err != nil {
			return nil, err
		}
		return protocol.R2GetResult{Object: obj, Body: encoded}, nil
	}))
	ch.AddRequestHandler(protocol.MethodR2Put, handle(func(ctx context.Context, req protocol.R2Put) (any, error) {
		body := bodies.Open(ch, req.Body)
		defer body.Close()
		return h.store.Put(req.Bucket, req.Key, body, req.ContentType, req.CustomMetadata)
	}))
}
