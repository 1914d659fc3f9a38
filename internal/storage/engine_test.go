package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engines(t *testing.T) map[string]Engine {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	bolt, err := Open(ctx, EngineBolt, Options{Dir: dir, Name: "bolt"})
	require.NoError(t, err)
	lite, err := Open(ctx, EngineSQLite, Options{Dir: dir, Name: "lite"})
	require.NoError(t, err)

	all := map[string]Engine{
		EngineMemory: NewMemory(Options{}),
		EngineBolt:   bolt,
		EngineSQLite: lite,
	}
	t.Cleanup(func() {
		for _, e := range all {
			e.Close()
		}
	})
	return all
}

func keysOf(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

func str(s string) *string { return &s }
func num(n int) *int       { return &n }

func TestListOrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	seed := []string{"b", "a", "ab", "abc", "b\x00", "c", "é", "Z", "aa"}

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"all ascending", ListOptions{}, []string{"Z", "a", "aa", "ab", "abc", "b", "b\x00", "c", "é"}},
		{"all descending", ListOptions{Reverse: true}, []string{"é", "c", "b\x00", "b", "abc", "ab", "aa", "a", "Z"}},
		{"prefix", ListOptions{Prefix: str("ab")}, []string{"ab", "abc"}},
		{"start inclusive", ListOptions{Start: str("b")}, []string{"b", "b\x00", "c", "é"}},
		{"start after", ListOptions{StartAfter: str("b")}, []string{"b\x00", "c", "é"}},
		{"end exclusive", ListOptions{End: str("ab")}, []string{"Z", "a", "aa"}},
		{"start and end", ListOptions{Start: str("a"), End: str("b")}, []string{"a", "aa", "ab", "abc"}},
		{"limit", ListOptions{Limit: num(2)}, []string{"Z", "a"}},
		{"reverse limit", ListOptions{Reverse: true, Limit: num(2)}, []string{"é", "c"}},
		{"reverse range", ListOptions{Start: str("a"), End: str("b"), Reverse: true}, []string{"abc", "ab", "aa", "a"}},
		{"reverse prefix limit", ListOptions{Prefix: str("a"), Reverse: true, Limit: num(3)}, []string{"abc", "ab", "aa"}},
		{"prefix with start after", ListOptions{Prefix: str("a"), StartAfter: str("aa")}, []string{"ab", "abc"}},
		{"empty range", ListOptions{Start: str("x"), End: str("y")}, nil},
	}

	for name, engine := range engines(t) {
		for _, k := range seed {
			require.NoError(t, engine.Put(ctx, k, k))
		}
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				got, err := engine.List(ctx, tt.opts)
				require.NoError(t, err)
				if tt.want == nil {
					assert.Empty(t, got)
					return
				}
				assert.Equal(t, tt.want, keysOf(got))
				for _, e := range got {
					assert.Equal(t, e.Key, e.Value)
				}
			})
		}
	}
}

func TestListRejectsStartWithStartAfter(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			_, err := engine.List(context.Background(), ListOptions{Start: str("a"), StartAfter: str("b")})
			assert.ErrorIs(t, err, ErrNotImplemented)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	values := []any{
		"hello",
		int64(42),
		int64(-MaxSafeInteger),
		nil,
		map[string]any{"name": "one", "tags": []any{"a", "b"}, "n": int64(3), "ok": true, "f": 1.5},
		[]any{int64(1), "two", map[string]any{"three": int64(3)}},
	}

	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			for i, v := range values {
				key := fmt.Sprintf("k%d", i)
				require.NoError(t, engine.Put(ctx, key, v))
				got, ok, err := engine.Get(ctx, key)
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, v, got)
			}

			_, ok, err := engine.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestInvalidValueLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	invalid := []any{
		func() {},
		true,
		1.5,
		int64(MaxSafeInteger + 1),
		math.NaN(),
		struct{ A int }{1},
		[]byte("raw"),
		map[string]any{"nested": math.Inf(1)},
		[]any{uint64(math.MaxUint64)},
	}

	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, engine.Put(ctx, "k", "before"))
			for _, v := range invalid {
				err := engine.Put(ctx, "k", v)
				assert.ErrorIs(t, err, ErrInvalidValue, "value %#v", v)
			}

			err := engine.PutMany(ctx, []Entry{{Key: "k", Value: "after"}, {Key: "other", Value: func() {}}})
			assert.ErrorIs(t, err, ErrInvalidValue)

			got, _, err := engine.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "before", got)
			_, ok, err := engine.Get(ctx, "other")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestBatchOperations(t *testing.T) {
	ctx := context.Background()
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, engine.PutMany(ctx, []Entry{
				{Key: "c", Value: int64(3)},
				{Key: "a", Value: int64(1)},
				{Key: "b", Value: int64(2)},
			}))

			got, err := engine.GetMany(ctx, []string{"c", "missing", "a", "a"})
			require.NoError(t, err)
			assert.Equal(t, []Entry{{Key: "a", Value: int64(1)}, {Key: "c", Value: int64(3)}}, got)

			deleted, err := engine.Delete(ctx, "b")
			require.NoError(t, err)
			assert.True(t, deleted)
			deleted, err = engine.Delete(ctx, "b")
			require.NoError(t, err)
			assert.False(t, deleted)

			n, err := engine.DeleteMany(ctx, []string{"a", "c", "zzz"})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			assert.ErrorIs(t, engine.Put(ctx, "", "x"), ErrEmptyKey)
		})
	}
}

func TestDeleteAllEmptiesStore(t *testing.T) {
	ctx := context.Background()
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				require.NoError(t, engine.Put(ctx, fmt.Sprintf("key-%02d", i), int64(i)))
			}
			require.NoError(t, engine.DeleteAll(ctx))
			got, err := engine.List(ctx, ListOptions{})
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, engine.Put(ctx, "again", "yes"))
			got, err = engine.List(ctx, ListOptions{})
			require.NoError(t, err)
			assert.Equal(t, []string{"again"}, keysOf(got))
		})
	}
}

var errAbort = errors.New("abort")

func TestSQLiteTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	engine, err := OpenSQLite(ctx, "", Options{})
	require.NoError(t, err)
	defer engine.Close()

	require.NoError(t, engine.Put(ctx, "stable", "v1"))

	err = engine.Transaction(ctx, func(tx Ops) error {
		require.NoError(t, tx.Put(ctx, "stable", "v2"))
		require.NoError(t, tx.Put(ctx, "new", "x"))
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	got, _, err := engine.Get(ctx, "stable")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
	_, ok, err := engine.Get(ctx, "new")
	require.NoError(t, err)
	assert.False(t, ok)

	err = engine.Transaction(ctx, func(tx Ops) error {
		return tx.Put(ctx, "committed", int64(7))
	})
	require.NoError(t, err)
	got, ok, err = engine.Get(ctx, "committed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), got)
}

func TestSQLiteNestedTransactions(t *testing.T) {
	ctx := context.Background()
	engine, err := OpenSQLite(ctx, "", Options{})
	require.NoError(t, err)
	defer engine.Close()

	err = engine.Transaction(ctx, func(outer Ops) error {
		require.NoError(t, outer.Put(ctx, "outer", "kept"))
		inner := outer.Transaction(ctx, func(inner Ops) error {
			require.NoError(t, inner.Put(ctx, "inner", "dropped"))
			return errAbort
		})
		assert.ErrorIs(t, inner, errAbort)
		return nil
	})
	require.NoError(t, err)

	got, err := engine.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer"}, keysOf(got))
}

func TestSQLiteTransactionRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	engine, err := OpenSQLite(ctx, "", Options{})
	require.NoError(t, err)
	defer engine.Close()

	assert.Panics(t, func() {
		_ = engine.Transaction(ctx, func(tx Ops) error {
			_ = tx.Put(ctx, "k", "v")
			panic("boom")
		})
	})

	_, ok, err := engine.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWeakEnginesDoNotRollBack(t *testing.T) {
	ctx := context.Background()
	for name, engine := range engines(t) {
		if name == EngineSQLite {
			continue
		}
		t.Run(name, func(t *testing.T) {
			err := engine.Transaction(ctx, func(tx Ops) error {
				require.NoError(t, tx.Put(ctx, "k", "written"))
				return errAbort
			})
			assert.ErrorIs(t, err, errAbort)

			got, ok, err := engine.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "written", got)
		})
	}
}

func TestPersistentEnginesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, tag := range []string{EngineBolt, EngineSQLite} {
		t.Run(tag, func(t *testing.T) {
			opts := Options{Dir: dir, Name: "reopen-" + tag}
			engine, err := Open(ctx, tag, opts)
			require.NoError(t, err)
			require.NoError(t, engine.Put(ctx, "k", map[string]any{"x": int64(1)}))
			require.NoError(t, engine.Sync(ctx))
			require.NoError(t, engine.Close())

			engine, err = Open(ctx, tag, opts)
			require.NoError(t, err)
			defer engine.Close()
			got, ok, err := engine.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, map[string]any{"x": int64(1)}, got)
		})
	}
}

func TestOpenUnknownEngine(t *testing.T) {
	_, err := Open(context.Background(), "leveldb", Options{})
	assert.ErrorIs(t, err, ErrUnknownEngine)
}
