// Package id generates the identifiers the emulator hands out.
//
// Isolate and request ids are prefixed ULIDs, so they sort by creation time
// and read well in logs:
//
//	iso_01HF3Z8K2Q4M6X9C1V5B7N0P2R
//	req_01HF3Z8K3A0S8D6F4G2H1J9K7L
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IsolateID names one generation of the worker.
type IsolateID string

// RequestID names one inbound request.
type RequestID string

// Prefixes
const (
	IsolatePrefix = "iso"
	RequestPrefix = "req"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
	now       func() time.Time
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator using monotonic entropy from
// crypto/rand.
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(ulid.Monotonic(rand.Reader, 0), time.Now)
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source
// and time source. Tests use it for deterministic ids.
func NewGeneratorWithEntropy(entropy io.Reader, now func() time.Time) *Generator {
	return &Generator{entropy: entropy, now: now}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewIsolateID generates a new isolate id.
func NewIsolateID() IsolateID {
	return IsolateID(Default().GenerateWithPrefix(IsolatePrefix))
}

// NewRequestID generates a new request id.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

func (id IsolateID) String() string { return string(id) }
func (id RequestID) String() string { return string(id) }

// Timestamp extracts the creation time of a possibly prefixed id.
func Timestamp(id string) (time.Time, error) {
	if _, rest, ok := strings.Cut(id, "_"); ok {
		id = rest
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
