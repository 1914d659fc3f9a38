package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memory keeps a store in process memory. Values are held encoded so a
// caller never shares state with the store.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
	keys   []string // sorted
	alarm  *time.Time
	closed bool

	alarms *alarmState
}

// NewMemory creates an empty in-memory engine.
func NewMemory(opts Options) *Memory {
	opts = opts.withDefaults()
	m := &Memory{values: make(map[string][]byte)}
	m.alarms = &alarmState{
		sched:   NewScheduler(opts.Clock),
		onAlarm: opts.OnAlarm,
		clear:   m.clearAlarm,
		log: func(err error) {
			opts.Logger.Warn("clear fired alarm", zap.Error(err))
		},
	}
	return m
}

func (m *Memory) Get(ctx context.Context, key string) (any, bool, error) {
	m.mu.RLock()
	data, ok := m.values[key]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, false, ErrClosed
	}
	if !ok {
		return nil, false, nil
	}
	v, err := decodeValue(data)
	return v, err == nil, err
}

func (m *Memory) GetMany(ctx context.Context, keys []string) ([]Entry, error) {
	keys = uniqueKeys(keys)
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var out []Entry
	for _, k := range sorted {
		v, ok, err := m.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, Entry{Key: k, Value: v})
		}
	}
	return out, nil
}

func (m *Memory) Put(ctx context.Context, key string, value any) error {
	return m.PutMany(ctx, []Entry{{Key: key, Value: value}})
}

func (m *Memory) PutMany(ctx context.Context, entries []Entry) error {
	encoded, err := encodeEntries(entries)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for i, e := range entries {
		if _, exists := m.values[e.Key]; !exists {
			m.insertKey(e.Key)
		}
		m.values[e.Key] = encoded[i]
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) (bool, error) {
	n, err := m.DeleteMany(ctx, []string{key})
	return n == 1, err
}

func (m *Memory) DeleteMany(ctx context.Context, keys []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, k := range uniqueKeys(keys) {
		if _, ok := m.values[k]; !ok {
			continue
		}
		delete(m.values, k)
		m.removeKey(k)
		n++
	}
	return n, nil
}

func (m *Memory) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	r, err := resolveRange(opts)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	keys := filterSorted(m.keys, r)
	raw := make([][]byte, len(keys))
	for i, k := range keys {
		raw[i] = m.values[k]
	}
	m.mu.RUnlock()

	out := make([]Entry, len(keys))
	for i, k := range keys {
		v, err := decodeValue(raw[i])
		if err != nil {
			return nil, err
		}
		out[i] = Entry{Key: k, Value: v}
	}
	return out, nil
}

func (m *Memory) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.values = make(map[string][]byte)
	m.keys = nil
	return nil
}

func (m *Memory) Transaction(ctx context.Context, fn func(tx Ops) error) error {
	return fn(m)
}

func (m *Memory) Sync(ctx context.Context) error {
	return nil
}

func (m *Memory) GetAlarm(ctx context.Context) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.alarm == nil {
		return nil, nil
	}
	at := *m.alarm
	return &at, nil
}

func (m *Memory) SetAlarm(ctx context.Context, at time.Time) error {
	at = m.alarms.sched.Clamp(at)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.alarm = &at
	m.alarms.schedule(at)
	return nil
}

func (m *Memory) DeleteAlarm(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alarm = nil
	m.alarms.sched.Cancel()
	return nil
}

func (m *Memory) clearAlarm(at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alarm != nil && m.alarm.Equal(at) {
		m.alarm = nil
	}
	return nil
}

func (m *Memory) Close() error {
	m.alarms.sched.Cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) insertKey(key string) {
	i := sort.SearchStrings(m.keys, key)
	m.keys = append(m.keys, "")
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = key
}

func (m *Memory) removeKey(key string) {
	i := sort.SearchStrings(m.keys, key)
	if i < len(m.keys) && m.keys[i] == key {
		m.keys = append(m.keys[:i], m.keys[i+1:]...)
	}
}
