package hosts

import (
	"context"

	"github.com/GriffinCanCode/edgeworker/internal/kv"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
)

// KV serves the kv-namespace methods from one store shared by every
// namespace.
type KV struct {
	store *kv.Store
}

// NewKV creates the host.
func NewKV(store *kv.Store) *KV {
	return &KV{store: store}
}

// Install registers the KV methods on c.
func (h *KV) Install(c Conn) {
	ch := c.Channel
	ch.AddRequestHandler(protocol.MethodKVGet, handle(func(ctx context.Context, req protocol.KVGet) (any, error) {
		value, found, err := h.store.Get(req.Namespace, req.Key)
		if err != nil {
			return nil, err
		}
		return protocol.KVValue{Value: value, Found: found}, nil
	}))
	ch.AddRequestHandler(protocol.MethodKVPut, handle(func(ctx context.Context, req protocol.KVPut) (any, error) {
		return nil, h.store.Put(req.Namespace, req.Key, req.Value, req.Expiration, req.Metadata)
	}))
	ch.AddRequestHandler(protocol.MethodKVDelete, handle(func(ctx context.Context, req protocol.KVDelete) (any, error) {
		return nil, h.store.Delete(req.Namespace, req.Key)
	}))
	ch.AddRequestHandler(protocol.MethodKVList, handle(func(ctx context.Context, req protocol.KVList) (any, error) {
		return h.store.List(req)
	}))
}
