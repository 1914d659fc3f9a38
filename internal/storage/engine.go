package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Engine tags
const (
	EngineMemory = "memory"
	EngineBolt   = "bolt"
	EngineSQLite = "sqlite"
)

// Common errors
var (
	ErrNotImplemented = errors.New("not implemented")
	ErrUnknownEngine  = errors.New("unknown storage engine")
	ErrClosed         = errors.New("storage engine is closed")
	ErrEmptyKey       = errors.New("storage key must not be empty")
)

// Entry is one stored key/value pair.
type Entry struct {
	Key   string
	Value any
}

// ListOptions select a key range. Start and End bound the range the same
// way in both directions; Reverse only changes the walk order. Limit counts
// from the start of the walk.
type ListOptions struct {
	Start      *string
	StartAfter *string
	End        *string
	Prefix     *string
	Limit      *int
	Reverse    bool
}

// Ops are the operations available both on an engine and inside one of
// its transactions.
type Ops interface {
	// Get reports whether key is present alongside its value.
	Get(ctx context.Context, key string) (any, bool, error)
	// GetMany returns the present keys among keys, in key order.
	GetMany(ctx context.Context, keys []string) ([]Entry, error)
	Put(ctx context.Context, key string, value any) error
	// PutMany validates every value before writing any.
	PutMany(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	DeleteMany(ctx context.Context, keys []string) (int, error)
	List(ctx context.Context, opts ListOptions) ([]Entry, error)
	DeleteAll(ctx context.Context) error
	// Transaction runs fn. Only the SQLite engine rolls back when fn fails;
	// the other engines run fn as a plain call.
	Transaction(ctx context.Context, fn func(tx Ops) error) error
}

// Engine is one durable object's store.
type Engine interface {
	Ops
	Sync(ctx context.Context) error
	// GetAlarm returns nil when no alarm is pending.
	GetAlarm(ctx context.Context) (*time.Time, error)
	SetAlarm(ctx context.Context, at time.Time) error
	DeleteAlarm(ctx context.Context) error
	Close() error
}

// Options configure an engine.
type Options struct {
	// Dir holds the files of the persistent engines. Empty keeps SQLite in
	// memory and is invalid for Bolt.
	Dir string
	// Name identifies the store inside Dir.
	Name string
	// Clock drives the alarm; nil means the wall clock.
	Clock clock.Clock
	// OnAlarm runs when the alarm fires, after the alarm is cleared.
	OnAlarm func()
	Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.OnAlarm == nil {
		o.OnAlarm = func() {}
	}
	return o
}

// Open constructs the engine named by tag.
func Open(ctx context.Context, tag string, opts Options) (Engine, error) {
	switch tag {
	case EngineMemory, "":
		return NewMemory(opts), nil
	case EngineBolt:
		if opts.Dir == "" {
			return nil, fmt.Errorf("bolt engine needs a data directory")
		}
		return OpenBolt(filepath.Join(opts.Dir, opts.Name+".bolt"), opts)
	case EngineSQLite:
		path := ""
		if opts.Dir != "" {
			path = filepath.Join(opts.Dir, opts.Name+".sqlite")
		}
		return OpenSQLite(ctx, path, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, tag)
	}
}

// uniqueKeys drops repeated keys, keeping the first occurrence.
func uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// encodeEntries validates and serializes every entry up front.
func encodeEntries(entries []Entry) ([][]byte, error) {
	out := make([][]byte, len(entries))
	for i, e := range entries {
		if e.Key == "" {
			return nil, ErrEmptyKey
		}
		data, err := encodeValue(e.Value)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", e.Key, err)
		}
		out[i] = data
	}
	return out, nil
}
