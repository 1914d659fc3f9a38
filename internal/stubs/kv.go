package stubs

import (
	"context"
	"fmt"

	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
)

// KVPutOptions are the optional arguments of KV.Put.
type KVPutOptions struct {
	// Expiration is an absolute unix time in seconds.
	Expiration int64
	Metadata   map[string]string
}

// KV is a bound KV namespace.
type KV struct {
	ch        *rpc.Channel
	namespace string
}

// NewKV binds namespace.
func NewKV(ch *rpc.Channel, namespace string) *KV {
	return &KV{ch: ch, namespace: namespace}
}

// Get reads key. found is false for missing or expired keys.
func (k *KV) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	res, err := rpc.Call[protocol.KVValue](ctx, k.ch, protocol.MethodKVGet, protocol.KVGet{Namespace: k.namespace, Key: key})
	if err != nil {
		return nil, false, fmt.Errorf("kv get %q: %w", key, err)
	}
	return res.Value, res.Found, nil
}

// Put writes key.
func (k *KV) Put(ctx context.Context, key string, value []byte, opts KVPutOptions) error {
	_, err := k.ch.SendRequest(ctx, protocol.MethodKVPut, protocol.KVPut{
		Namespace:  k.namespace,
		Key:        key,
		Value:      value,
		Expiration: opts.Expiration,
		Metadata:   opts.Metadata,
	})
	if err != nil {
		return fmt.Errorf("kv put %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (k *KV) Delete(ctx context.Context, key string) error {
	if _, err := k.ch.SendRequest(ctx, protocol.MethodKVDelete, protocol.KVDelete{Namespace: k.namespace, Key: key}); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

// List returns one page of keys.
func (k *KV) List(ctx context.Context, prefix, cursor string, limit int) (protocol.KVListResult, error) {
	res, err := rpc.Call[protocol.KVListResult](ctx, k.ch, protocol.MethodKVList, protocol.KVList{
		Namespace: k.namespace,
		Prefix:    prefix,
		Cursor:    cursor,
		Limit:     limit,
	})
	if err != nil {
		return protocol.KVListResult{}, fmt.Errorf("kv list: %w", err)
	}
	return res, nil
}
