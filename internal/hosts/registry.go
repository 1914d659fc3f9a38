package hosts

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// registry memoizes backing objects by canonical key. The first resolution
// of a key constructs the object; concurrent first resolutions share it.
type registry[T any] struct {
	open func(ctx context.Context, key string) (T, error)

	mu    sync.Mutex
	items map[string]T
	group singleflight.Group
}

func newRegistry[T any](open func(ctx context.Context, key string) (T, error)) *registry[T] {
	return &registry[T]{open: open, items: make(map[string]T)}
}

func (r *registry[T]) get(ctx context.Context, key string) (T, error) {
	r.mu.Lock()
	item, ok := r.items[key]
	r.mu.Unlock()
	if ok {
		return item, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.Lock()
		item, ok := r.items[key]
		r.mu.Unlock()
		if ok {
			return item, nil
		}
		item, err := r.open(ctx, key)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.items[key] = item
		r.mu.Unlock()
		return item, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *registry[T]) closeAll(closeFn func(T) error) error {
	r.mu.Lock()
	items := r.items
	r.items = make(map[string]T)
	r.mu.Unlock()

	var err error
	for _, item := range items {
		err = multierr.Append(err, closeFn(item))
	}
	return err
}
