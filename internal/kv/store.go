// Package kv stores KV namespaces in a single bbolt file, one bucket per
// namespace.
package kv

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bytedance/sonic"
	bolt "go.etcd.io/bbolt"

	"github.com/GriffinCanCode/edgeworker/internal/protocol"
)

// DefaultListLimit caps a list page when the caller gives no limit.
const DefaultListLimit = 1000

// Common errors
var (
	ErrEmptyKey      = errors.New("kv key must not be empty")
	ErrInvalidCursor = errors.New("invalid list cursor")
)

type record struct {
	Value      []byte            `json:"v"`
	Expiration int64             `json:"e,omitempty"`
	Metadata   map[string]string `json:"m,omitempty"`
}

func (r record) expired(now time.Time) bool {
	return r.Expiration > 0 && now.Unix() >= r.Expiration
}

// Store holds every KV namespace.
type Store struct {
	db    *bolt.DB
	clock clock.Clock
}

// Open opens or creates the store file at path.
func Open(path string, c clock.Clock) (*Store, error) {
	if c == nil {
		c = clock.New()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create kv dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	return &Store{db: db, clock: c}, nil
}

// Get returns the value of key, or found=false when it is absent or
// expired.
func (s *Store) Get(namespace, key string) (value []byte, found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		rec, ok, err := decode(b.Get([]byte(key)))
		if err != nil || !ok || rec.expired(s.clock.Now()) {
			return err
		}
		value, found = rec.Value, true
		return nil
	})
	return value, found, err
}

// Put writes key. expiration is a unix time in seconds, zero for none.
func (s *Store) Put(namespace, key string, value []byte, expiration int64, metadata map[string]string) error {
	if key == "" {
		return ErrEmptyKey
	}
	data, err := sonic.Marshal(record{Value: value, Expiration: expiration, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("encode kv record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(namespace, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// List returns one page of live keys in key order.
func (s *Store) List(req protocol.KVList) (protocol.KVListResult, error) {
	limit := req.Limit
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	var after string
	if req.Cursor != "" {
		raw, err := base64.RawURLEncoding.DecodeString(req.Cursor)
		if err != nil {
			return protocol.KVListResult{}, ErrInvalidCursor
		}
		after = string(raw)
	}

	result := protocol.KVListResult{Keys: []protocol.KVKey{}, ListComplete: true}
	now := s.clock.Now()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(req.Namespace))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		k, v := c.Seek([]byte(req.Prefix))
		if after != "" && after >= req.Prefix {
			k, v = c.Seek([]byte(after))
			if k != nil && string(k) == after {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			key := string(k)
			if !strings.HasPrefix(key, req.Prefix) {
				break
			}
			rec, _, err := decode(v)
			if err != nil {
				return err
			}
			if rec.expired(now) {
				continue
			}
			if len(result.Keys) == limit {
				result.ListComplete = false
				last := result.Keys[len(result.Keys)-1].Name
				result.Cursor = base64.RawURLEncoding.EncodeToString([]byte(last))
				return nil
			}
			result.Keys = append(result.Keys, protocol.KVKey{Name: key, Expiration: rec.Expiration, Metadata: rec.Metadata})
		}
		return nil
	})
	return result, err
}

// Close closes the store file.
func (s *Store) Close() error {
	return s.db.Close()
}

func decode(data []byte) (record, bool, error) {
	if data == nil {
		return record{}, false, nil
	}
	var rec record
	if err := sonic.Unmarshal(data, &rec); err != nil {
		return record{}, false, fmt.Errorf("decode kv record: %w", err)
	}
	return rec, true, nil
}
