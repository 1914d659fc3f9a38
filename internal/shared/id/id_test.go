package id

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	for _, prefix := range []string{IsolatePrefix, RequestPrefix} {
		got := gen.GenerateWithPrefix(prefix)
		head, tail, ok := strings.Cut(got, "_")
		require.True(t, ok, got)
		assert.Equal(t, prefix, head)
		_, err := ulid.Parse(tail)
		assert.NoError(t, err)
	}
}

func TestGeneratedIDsSortByCreation(t *testing.T) {
	gen := NewGenerator()

	prev := gen.Generate().String()
	for i := 0; i < 100; i++ {
		next := gen.Generate().String()
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestDeterministicGenerator(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	a := NewGeneratorWithEntropy(bytes.NewReader(make([]byte, 64)), func() time.Time { return at })
	b := NewGeneratorWithEntropy(bytes.NewReader(make([]byte, 64)), func() time.Time { return at })

	assert.Equal(t, a.Generate(), b.Generate())
}

func TestTimestamp(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	gen := NewGeneratorWithEntropy(bytes.NewReader(make([]byte, 64)), func() time.Time { return at })

	got, err := Timestamp(gen.GenerateWithPrefix(IsolatePrefix))
	require.NoError(t, err)
	assert.True(t, at.Equal(got))

	_, err = Timestamp("iso_not-a-ulid")
	assert.Error(t, err)
}

func TestConcurrentGeneration(t *testing.T) {
	const n = 50
	ids := make(chan IsolateID, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- NewIsolateID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[IsolateID]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}
