package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS alarm (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	scheduled INTEGER NOT NULL
);`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite keeps a store in an embedded SQL database. Transactions are real
// savepoints and nest.
type SQLite struct {
	mu    sync.Mutex
	db    *sql.DB
	conn  *sql.Conn
	depth int

	alarms *alarmState
}

// OpenSQLite opens the store at path, or an in-memory database when path
// is empty, and re-arms a stored alarm.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	opts = opts.withDefaults()

	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	// every statement runs on one pinned connection so savepoints and an
	// in-memory database survive between calls
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite store: %w", err)
	}
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("init sqlite store: %w", err)
	}

	s := &SQLite{db: db, conn: conn}
	s.alarms = &alarmState{
		sched:   NewScheduler(opts.Clock),
		onAlarm: opts.OnAlarm,
		clear:   s.clearAlarm,
		log: func(err error) {
			opts.Logger.Warn("clear fired alarm", zap.String("path", path), zap.Error(err))
		},
	}

	at, err := s.GetAlarm(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	if at != nil {
		s.alarms.schedule(s.alarms.sched.Clamp(*at))
	}
	return s, nil
}

func (s *SQLite) ops() sqliteOps { return sqliteOps{s: s} }

func (s *SQLite) Get(ctx context.Context, key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops().Get(ctx, key)
}

func (s *SQLite) GetMany(ctx context.Context, keys []string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops().GetMany(ctx, keys)
}

func (s *SQLite) Put(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops().Put(ctx, key, value)
}

func (s *SQLite) PutMany(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops().PutMany(ctx, entries)
}

func (s *SQLite) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops().Delete(ctx, key)
}

func (s *SQLite) DeleteMany(ctx context.Context, keys []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops().DeleteMany(ctx, keys)
}

func (s *SQLite) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops().List(ctx, opts)
}

func (s *SQLite) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops().DeleteAll(ctx)
}

// Transaction runs fn inside a savepoint. The savepoint is rolled back
// when fn returns an error or panics, and always released.
func (s *SQLite) Transaction(ctx context.Context, fn func(tx Ops) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savepoint(ctx, fn)
}

func (s *SQLite) savepoint(ctx context.Context, fn func(tx Ops) error) (err error) {
	s.depth++
	name := fmt.Sprintf("sp_%d", s.depth)
	defer func() { s.depth-- }()

	if _, err := s.conn.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			if _, rbErr := s.conn.ExecContext(context.Background(), "ROLLBACK TO "+name); rbErr != nil {
				err = multierr.Append(err, fmt.Errorf("rollback savepoint: %w", rbErr))
			}
		}
		if _, relErr := s.conn.ExecContext(context.Background(), "RELEASE "+name); relErr != nil {
			err = multierr.Append(err, fmt.Errorf("release savepoint: %w", relErr))
		}
	}()

	if err := fn(s.ops()); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLite) Sync(ctx context.Context) error {
	return nil
}

func (s *SQLite) GetAlarm(ctx context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ms int64
	err := s.conn.QueryRowContext(ctx, "SELECT scheduled FROM alarm WHERE id = 1").Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read alarm: %w", err)
	}
	at := time.UnixMilli(ms)
	return &at, nil
}

func (s *SQLite) SetAlarm(ctx context.Context, at time.Time) error {
	at = s.alarms.sched.Clamp(at)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO alarm (id, scheduled) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET scheduled = excluded.scheduled",
		at.UnixMilli())
	if err != nil {
		return fmt.Errorf("store alarm: %w", err)
	}
	s.alarms.schedule(at)
	return nil
}

func (s *SQLite) DeleteAlarm(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms.sched.Cancel()
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM alarm"); err != nil {
		return fmt.Errorf("delete alarm: %w", err)
	}
	return nil
}

func (s *SQLite) clearAlarm(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.ExecContext(context.Background(), "DELETE FROM alarm WHERE scheduled = ?", at.UnixMilli())
	return err
}

func (s *SQLite) Close() error {
	s.alarms.sched.Cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	return multierr.Combine(s.conn.Close(), s.db.Close())
}

// sqliteOps runs operations on the pinned connection. The caller holds the
// engine lock.
type sqliteOps struct {
	s *SQLite
}

func (o sqliteOps) Get(ctx context.Context, key string) (any, bool, error) {
	var data []byte
	err := o.s.conn.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	v, err := decodeValue(data)
	return v, err == nil, err
}

func (o sqliteOps) GetMany(ctx context.Context, keys []string) ([]Entry, error) {
	keys = uniqueKeys(keys)
	sort.Strings(keys)

	var out []Entry
	for _, k := range keys {
		v, ok, err := o.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, Entry{Key: k, Value: v})
		}
	}
	return out, nil
}

func (o sqliteOps) Put(ctx context.Context, key string, value any) error {
	return o.PutMany(ctx, []Entry{{Key: key, Value: value}})
}

func (o sqliteOps) PutMany(ctx context.Context, entries []Entry) error {
	encoded, err := encodeEntries(entries)
	if err != nil {
		return err
	}
	return o.s.savepoint(ctx, func(Ops) error {
		for i, e := range entries {
			_, err := o.s.conn.ExecContext(ctx,
				"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
				e.Key, encoded[i])
			if err != nil {
				return fmt.Errorf("put %q: %w", e.Key, err)
			}
		}
		return nil
	})
}

func (o sqliteOps) Delete(ctx context.Context, key string) (bool, error) {
	n, err := o.DeleteMany(ctx, []string{key})
	return n == 1, err
}

func (o sqliteOps) DeleteMany(ctx context.Context, keys []string) (int, error) {
	total := 0
	for _, k := range uniqueKeys(keys) {
		res, err := o.s.conn.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", k)
		if err != nil {
			return total, fmt.Errorf("delete %q: %w", k, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

func (o sqliteOps) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	r, err := resolveRange(opts)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if r.hasLower {
		if r.exclusive {
			where = append(where, "key > ?")
		} else {
			where = append(where, "key >= ?")
		}
		args = append(args, r.lower)
	}
	if r.hasUpper {
		where = append(where, "key < ?")
		args = append(args, r.upper)
	}

	query := "SELECT key, value FROM kv"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if r.reverse {
		query += " ORDER BY key DESC"
	} else {
		query += " ORDER BY key ASC"
	}
	// the range covers the prefix exactly unless it has no successor
	_, bounded := prefixEnd(r.prefix)
	if r.limit >= 0 && (r.prefix == "" || bounded) {
		query += " LIMIT ?"
		args = append(args, r.limit)
	}

	rows, err := o.s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			key  string
			data []byte
		)
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		if !r.contains(key) {
			continue
		}
		v, err := decodeValue(data)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: key, Value: v})
		if r.full(len(out)) {
			break
		}
	}
	return out, rows.Err()
}

func (o sqliteOps) DeleteAll(ctx context.Context) error {
	if _, err := o.s.conn.ExecContext(ctx, "DELETE FROM kv"); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

func (o sqliteOps) Transaction(ctx context.Context, fn func(tx Ops) error) error {
	return o.s.savepoint(ctx, fn)
}
