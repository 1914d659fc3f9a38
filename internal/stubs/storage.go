package stubs

import (
	"context"
	"fmt"
	"time"

	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
)

// Storage is the durable storage of one object instance.
type Storage struct {
	ch         *rpc.Channel
	className  string
	instanceID string
	engine     string
}

// NewStorage binds the storage of (className, instanceID) on the named
// engine; an empty engine uses the host default.
func NewStorage(ch *rpc.Channel, className, instanceID, engine string) *Storage {
	return &Storage{ch: ch, className: className, instanceID: instanceID, engine: engine}
}

func (s *Storage) call(ctx context.Context, req protocol.DOStorage) (protocol.DOStorageResult, error) {
	req.ClassName = s.className
	req.InstanceID = s.instanceID
	req.Storage = s.engine
	res, err := rpc.Call[protocol.DOStorageResult](ctx, s.ch, protocol.MethodDOStorage, req)
	if err != nil {
		return protocol.DOStorageResult{}, fmt.Errorf("storage %s: %w", req.Method, err)
	}
	return res, nil
}

// Get reads one key.
func (s *Storage) Get(ctx context.Context, key string, opts map[string]any) (any, bool, error) {
	res, err := s.call(ctx, protocol.DOStorage{Method: protocol.StorageGet1, Key: key, Options: opts})
	return res.Value, res.Found, err
}

// GetMany reads the present keys among keys, in key order.
func (s *Storage) GetMany(ctx context.Context, keys []string, opts map[string]any) ([]protocol.Entry, error) {
	res, err := s.call(ctx, protocol.DOStorage{Method: protocol.StorageGet2, Keys: keys, Options: opts})
	return res.Entries, err
}

// Put writes one key.
func (s *Storage) Put(ctx context.Context, key string, value any, opts map[string]any) error {
	_, err := s.call(ctx, protocol.DOStorage{Method: protocol.StoragePut1, Key: key, Value: value, Options: opts})
	return err
}

// PutMany writes every entry or none.
func (s *Storage) PutMany(ctx context.Context, entries []protocol.Entry, opts map[string]any) error {
	_, err := s.call(ctx, protocol.DOStorage{Method: protocol.StoragePut2, Entries: entries, Options: opts})
	return err
}

// Delete removes one key and reports whether it existed.
func (s *Storage) Delete(ctx context.Context, key string, opts map[string]any) (bool, error) {
	res, err := s.call(ctx, protocol.DOStorage{Method: protocol.StorageDelete1, Key: key, Options: opts})
	return res.Deleted, err
}

// DeleteMany removes keys and reports how many existed.
func (s *Storage) DeleteMany(ctx context.Context, keys []string, opts map[string]any) (int, error) {
	res, err := s.call(ctx, protocol.DOStorage{Method: protocol.StorageDelete2, Keys: keys, Options: opts})
	return res.Count, err
}

// List walks a key range.
func (s *Storage) List(ctx context.Context, list protocol.ListOptions, opts map[string]any) ([]protocol.Entry, error) {
	res, err := s.call(ctx, protocol.DOStorage{Method: protocol.StorageList, List: &list, Options: opts})
	return res.Entries, err
}

// DeleteAll removes every key. The alarm is kept.
func (s *Storage) DeleteAll(ctx context.Context, opts map[string]any) error {
	_, err := s.call(ctx, protocol.DOStorage{Method: protocol.StorageDeleteAll, Options: opts})
	return err
}

// Sync waits for written data to be durable.
func (s *Storage) Sync(ctx context.Context) error {
	_, err := s.call(ctx, protocol.DOStorage{Method: protocol.StorageSync})
	return err
}

// GetAlarm returns the scheduled alarm, nil when none.
func (s *Storage) GetAlarm(ctx context.Context, opts map[string]any) (*time.Time, error) {
	res, err := s.call(ctx, protocol.DOStorage{Method: protocol.StorageGetAlarm, Options: opts})
	if err != nil || res.AlarmTime == nil {
		return nil, err
	}
	at := time.UnixMilli(*res.AlarmTime)
	return &at, nil
}

// SetAlarm schedules the alarm, replacing any previous one.
func (s *Storage) SetAlarm(ctx context.Context, at time.Time, opts map[string]any) error {
	ms := at.UnixMilli()
	_, err := s.call(ctx, protocol.DOStorage{Method: protocol.StorageSetAlarm, AlarmTime: &ms, Options: opts})
	return err
}

// DeleteAlarm cancels the alarm.
func (s *Storage) DeleteAlarm(ctx context.Context, opts map[string]any) error {
	_, err := s.call(ctx, protocol.DOStorage{Method: protocol.StorageDeleteAlarm, Options: opts})
	return err
}
