package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	boltValues = []byte("values")
	boltMeta   = []byte("meta")
	alarmKey   = []byte("alarm")
)

// Bolt keeps a store in a bbolt file, one file per durable object.
type Bolt struct {
	db     *bolt.DB
	alarms *alarmState
}

// OpenBolt opens or creates the store at path and re-arms a stored alarm.
func OpenBolt(path string, opts Options) (*Bolt, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltValues); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt store: %w", err)
	}

	b := &Bolt{db: db}
	b.alarms = &alarmState{
		sched:   NewScheduler(opts.Clock),
		onAlarm: opts.OnAlarm,
		clear:   b.clearAlarm,
		log: func(err error) {
			opts.Logger.Warn("clear fired alarm", zap.String("path", path), zap.Error(err))
		},
	}

	if at, err := b.GetAlarm(context.Background()); err != nil {
		db.Close()
		return nil, err
	} else if at != nil {
		b.alarms.schedule(b.alarms.sched.Clamp(*at))
	}
	return b, nil
}

func (b *Bolt) Get(ctx context.Context, key string) (any, bool, error) {
	var (
		v     any
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(boltValues).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		var err error
		v, err = decodeValue(data)
		return err
	})
	return v, found, err
}

func (b *Bolt) GetMany(ctx context.Context, keys []string) ([]Entry, error) {
	keys = uniqueKeys(keys)
	sort.Strings(keys)

	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltValues)
		for _, k := range keys {
			data := bucket.Get([]byte(k))
			if data == nil {
				continue
			}
			v, err := decodeValue(data)
			if err != nil {
				return err
			}
			out = append(out, Entry{Key: k, Value: v})
		}
		return nil
	})
	return out, err
}

func (b *Bolt) Put(ctx context.Context, key string, value any) error {
	return b.PutMany(ctx, []Entry{{Key: key, Value: value}})
}

func (b *Bolt) PutMany(ctx context.Context, entries []Entry) error {
	encoded, err := encodeEntries(entries)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltValues)
		for i, e := range entries {
			if err := bucket.Put([]byte(e.Key), encoded[i]); err != nil {
				return fmt.Errorf("put %q: %w", e.Key, err)
			}
		}
		return nil
	})
}

func (b *Bolt) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.DeleteMany(ctx, []string{key})
	return n == 1, err
}

func (b *Bolt) DeleteMany(ctx context.Context, keys []string) (int, error) {
	n := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltValues)
		for _, k := range uniqueKeys(keys) {
			if bucket.Get([]byte(k)) == nil {
				continue
			}
			if err := bucket.Delete([]byte(k)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (b *Bolt) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	r, err := resolveRange(opts)
	if err != nil {
		return nil, err
	}

	var out []Entry
	err = b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltValues).Cursor()
		visit := func(k, data []byte) (bool, error) {
			key := string(k)
			if !r.contains(key) {
				return true, nil
			}
			v, err := decodeValue(data)
			if err != nil {
				return false, err
			}
			out = append(out, Entry{Key: key, Value: v})
			return !r.full(len(out)), nil
		}

		if r.reverse {
			var k, data []byte
			if r.hasUpper {
				k, data = c.Seek([]byte(r.upper))
				if k == nil {
					k, data = c.Last()
				} else {
					k, data = c.Prev()
				}
			} else {
				k, data = c.Last()
			}
			for ; k != nil; k, data = c.Prev() {
				if r.belowLower(string(k)) {
					break
				}
				more, err := visit(k, data)
				if err != nil || !more {
					return err
				}
			}
			return nil
		}

		var k, data []byte
		if r.hasLower {
			k, data = c.Seek([]byte(r.lower))
		} else {
			k, data = c.First()
		}
		for ; k != nil; k, data = c.Next() {
			if r.aboveUpper(string(k)) {
				break
			}
			more, err := visit(k, data)
			if err != nil || !more {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (b *Bolt) DeleteAll(ctx context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(boltValues); err != nil {
			return err
		}
		_, err := tx.CreateBucket(boltValues)
		return err
	})
}

func (b *Bolt) Transaction(ctx context.Context, fn func(tx Ops) error) error {
	return fn(b)
}

func (b *Bolt) Sync(ctx context.Context) error {
	return b.db.Sync()
}

func (b *Bolt) GetAlarm(ctx context.Context) (*time.Time, error) {
	var at *time.Time
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(boltMeta).Get(alarmKey)
		if len(data) == 8 {
			t := time.UnixMilli(int64(binary.BigEndian.Uint64(data)))
			at = &t
		}
		return nil
	})
	return at, err
}

func (b *Bolt) SetAlarm(ctx context.Context, at time.Time) error {
	at = b.alarms.sched.Clamp(at)
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltMeta).Put(alarmKey, encodeMillis(at))
	})
	if err != nil {
		return fmt.Errorf("store alarm: %w", err)
	}
	b.alarms.schedule(at)
	return nil
}

func (b *Bolt) DeleteAlarm(ctx context.Context) error {
	b.alarms.sched.Cancel()
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltMeta).Delete(alarmKey)
	})
}

func (b *Bolt) clearAlarm(at time.Time) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(boltMeta)
		if !bytes.Equal(meta.Get(alarmKey), encodeMillis(at)) {
			return nil
		}
		return meta.Delete(alarmKey)
	})
}

func (b *Bolt) Close() error {
	b.alarms.sched.Cancel()
	return b.db.Close()
}

func encodeMillis(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixMilli()))
	return buf
}
