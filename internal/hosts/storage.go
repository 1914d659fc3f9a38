package hosts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/storage"
)

// AlarmDispatcher delivers a fired alarm to the current worker.
type AlarmDispatcher func(alarm protocol.DOAlarm)

// DOStorageOptions configure the durable storage host.
type DOStorageOptions struct {
	// DataDir holds persistent engines under DataDir/do.
	DataDir string
	// DefaultEngine is used when a reference names no engine.
	DefaultEngine string
	Clock         clock.Clock
	Logger        *zap.Logger
	Metrics       *monitoring.Metrics
}

// DOStorage serves do-storage. It lives for the whole process; engines are
// resolved once per (class, instance, engine) reference.
type DOStorage struct {
	opts    DOStorageOptions
	logger  *zap.Logger
	engines *registry[storage.Engine]

	mu       sync.RWMutex
	dispatch AlarmDispatcher
}

// NewDOStorage creates the host.
func NewDOStorage(opts DOStorageOptions) *DOStorage {
	if opts.DefaultEngine == "" {
		opts.DefaultEngine = storage.EngineMemory
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &DOStorage{opts: opts, logger: opts.Logger.Named("do-storage")}
	h.engines = newRegistry(h.openEngine)
	return h
}

// SetDispatcher routes fired alarms. Alarms firing with no dispatcher are
// logged and dropped.
func (h *DOStorage) SetDispatcher(fn AlarmDispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatch = fn
}

// Install registers do-storage on c.
func (h *DOStorage) Install(c Conn) {
	c.Channel.AddRequestHandler(protocol.MethodDOStorage, handle(func(ctx context.Context, req protocol.DOStorage) (any, error) {
		return h.Handle(ctx, req)
	}))
}

// storageKey is the canonical registry key of a reference.
func storageKey(className, instanceID, tag string) string {
	return className + "\x00" + instanceID + "\x00" + tag
}

// Engine resolves a reference to its engine.
func (h *DOStorage) Engine(ctx context.Context, className, instanceID, tag string) (storage.Engine, error) {
	if className == "" || instanceID == "" {
		return nil, fmt.Errorf("durable storage reference needs a class name and instance id")
	}
	if tag == "" {
		tag = h.opts.DefaultEngine
	}
	return h.engines.get(ctx, storageKey(className, instanceID, tag))
}

func (h *DOStorage) openEngine(ctx context.Context, key string) (storage.Engine, error) {
	parts := strings.SplitN(key, "\x00", 3)
	className, instanceID, tag := parts[0], parts[1], parts[2]

	sum := sha256.Sum256([]byte(instanceID))
	opts := storage.Options{
		Name:   hex.EncodeToString(sum[:16]),
		Clock:  h.opts.Clock,
		Logger: h.logger,
		OnAlarm: func() {
			h.fireAlarm(protocol.DOAlarm{ClassName: className, InstanceID: instanceID, Storage: tag})
		},
	}
	if h.opts.DataDir != "" {
		opts.Dir = filepath.Join(h.opts.DataDir, "do", className)
	}

	engine, err := storage.Open(ctx, tag, opts)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("opened durable storage",
		zap.String("class", className),
		zap.String("instance", instanceID),
		zap.String("engine", tag),
	)
	return engine, nil
}

func (h *DOStorage) fireAlarm(alarm protocol.DOAlarm) {
	h.mu.RLock()
	dispatch := h.dispatch
	h.mu.RUnlock()
	if dispatch == nil {
		h.logger.Warn("alarm fired with no worker to run it",
			zap.String("class", alarm.ClassName),
			zap.String("instance", alarm.InstanceID),
		)
		return
	}
	dispatch(alarm)
}

// Handle runs one do-storage operation.
func (h *DOStorage) Handle(ctx context.Context, req protocol.DOStorage) (protocol.DOStorageResult, error) {
	if len(req.Options) > 0 {
		names := make([]string, 0, len(req.Options))
		for name := range req.Options {
			names = append(names, name)
		}
		sort.Strings(names)
		return protocol.DOStorageResult{}, fmt.Errorf("%w: storage option %s", storage.ErrNotImplemented, strings.Join(names, ", "))
	}

	engine, err := h.Engine(ctx, req.ClassName, req.InstanceID, req.Storage)
	if err != nil {
		return protocol.DOStorageResult{}, err
	}
	tag := req.Storage
	if tag == "" {
		tag = h.opts.DefaultEngine
	}
	h.opts.Metrics.RecordStorageOp(tag, req.Method)

	var res protocol.DOStorageResult
	switch req.Method {
	case protocol.StorageGet1:
		res.Value, res.Found, err = engine.Get(ctx, req.Key)
	case protocol.StorageGet2:
		var entries []storage.Entry
		entries, err = engine.GetMany(ctx, req.Keys)
		res.Entries = toProtocolEntries(entries)
	case protocol.StoragePut1:
		err = engine.Put(ctx, req.Key, req.Value)
	case protocol.StoragePut2:
		err = engine.PutMany(ctx, fromProtocolEntries(req.Entries))
	case protocol.StorageDelete1:
		res.Deleted, err = engine.Delete(ctx, req.Key)
	case protocol.StorageDelete2:
		res.Count, err = engine.DeleteMany(ctx, req.Keys)
	case protocol.StorageList:
		var entries []storage.Entry
		entries, err = engine.List(ctx, listOptions(req.List))
		res.Entries = toProtocolEntries(entries)
	case protocol.StorageSync:
		err = engine.Sync(ctx)
	case protocol.StorageDeleteAll:
		err = engine.DeleteAll(ctx)
	case protocol.StorageGetAlarm:
		var at *time.Time
		at, err = engine.GetAlarm(ctx)
		if at != nil {
			ms := at.UnixMilli()
			res.AlarmTime = &ms
		}
	case protocol.StorageSetAlarm:
		if req.AlarmTime == nil {
			return res, fmt.Errorf("set-alarm needs a time")
		}
		err = engine.SetAlarm(ctx, time.UnixMilli(*req.AlarmTime))
	case protocol.StorageDeleteAlarm:
		err = engine.DeleteAlarm(ctx)
	default:
		return res, fmt.Errorf("%w: storage method %q", storage.ErrNotImplemented, req.Method)
	}
	if err != nil {
		return protocol.DOStorageResult{}, err
	}
	return res, nil
}

// Close closes every engine.
func (h *DOStorage) Close() error {
	return h.engines.closeAll(func(e storage.Engine) error { return e.Close() })
}

func listOptions(opts *protocol.ListOptions) storage.ListOptions {
	if opts == nil {
		return storage.ListOptions{}
	}
	return storage.ListOptions{
		Start:      opts.Start,
		StartAfter: opts.StartAfter,
		End:        opts.End,
		Prefix:     opts.Prefix,
		Limit:      opts.Limit,
		Reverse:    opts.Reverse,
	}
}

func toProtocolEntries(entries []storage.Entry) []protocol.Entry {
	out := make([]protocol.Entry, len(entries))
	for i, e := range entries {
		out[i] = protocol.Entry{Key: e.Key, Value: e.Value}
	}
	return out
}

func fromProtocolEntries(entries []protocol.Entry) []storage.Entry {
	out := make([]storage.Entry, len(entries))
	for i, e := range entries {
		out[i] = storage.Entry{Key: e.Key, Value: e.Value}
	}
	return out
}
