package project

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/edgeworker/internal/protocol"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDetectKind(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"export default { fetch() {} }", protocol.ScriptModule},
		{"const x = 1;\nexport class Room {}", protocol.ScriptModule},
		{"export { handler as default };", protocol.ScriptModule},
		{"addEventListener('fetch', (e) => e.respondWith(new Response('hi')));", protocol.ScriptServiceWorker},
		{"// export default is mentioned in a comment\naddEventListener('fetch', () => {});", protocol.ScriptServiceWorker},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectKind(tt.source), tt.source)
	}
}

func TestParseTOMLBindings(t *testing.T) {
	bindings, err := ParseBindings(".toml", []byte(`
[vars]
ZED = "last"
GREETING = "hello"

[[bindings]]
name = "CACHE"
type = "kv"

[[bindings]]
name = "ASSETS"
type = "r2"

[[bindings]]
name = "ROOMS"
type = "do"
class_name = "Room"
storage = "sqlite"

[[bindings]]
name = "DB"
type = "d1"
database_uuid = "6F1C7A5E-2B1D-4C4B-9E55-0F7B2E4E9A11"

[[bindings]]
name = "CONFIG"
type = "json"
value = '{"debug": true}'
`))
	require.NoError(t, err)

	assert.Equal(t, []protocol.Binding{
		{Name: "GREETING", Type: protocol.BindingText, Value: "hello"},
		{Name: "ZED", Type: protocol.BindingText, Value: "last"},
		{Name: "CACHE", Type: protocol.BindingKV, Namespace: "CACHE"},
		{Name: "ASSETS", Type: protocol.BindingR2, Bucket: "assets"},
		{Name: "ROOMS", Type: protocol.BindingDO, ClassName: "Room", Storage: "sqlite"},
		{Name: "DB", Type: protocol.BindingD1, DatabaseUUID: "6f1c7a5e-2b1d-4c4b-9e55-0f7b2e4e9a11"},
		{Name: "CONFIG", Type: protocol.BindingJSON, Value: `{"debug": true}`},
	}, bindings)
}

func TestParseYAMLBindings(t *testing.T) {
	bindings, err := ParseBindings(".yaml", []byte(`
vars:
  GREETING: hello
bindings:
  - name: ROOMS
    type: do
    class_name: Room
`))
	require.NoError(t, err)
	assert.Equal(t, []protocol.Binding{
		{Name: "GREETING", Type: protocol.BindingText, Value: "hello"},
		{Name: "ROOMS", Type: protocol.BindingDO, ClassName: "Room"},
	}, bindings)
}

func TestParseBindingsRejects(t *testing.T) {
	tests := map[string]string{
		"unknown type":     "[[bindings]]\nname = \"X\"\ntype = \"queue\"\n",
		"missing name":     "[[bindings]]\ntype = \"kv\"\n",
		"do without class": "[[bindings]]\nname = \"X\"\ntype = \"do\"\n",
		"bad storage":      "[[bindings]]\nname = \"X\"\ntype = \"do\"\nclass_name = \"C\"\nstorage = \"redis\"\n",
		"bad uuid":         "[[bindings]]\nname = \"X\"\ntype = \"d1\"\ndatabase_uuid = \"nope\"\n",
		"bad json":         "[[bindings]]\nname = \"X\"\ntype = \"json\"\nvalue = \"{\"\n",
		"duplicate":        "[vars]\nX = \"a\"\n[[bindings]]\nname = \"X\"\ntype = \"kv\"\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBindings(".toml", []byte(input))
			assert.ErrorIs(t, err, ErrInvalidBinding)
		})
	}

	_, err := ParseBindings(".toml", []byte("[[bindings]]\nname = \"X\"\ntype = \"kv\"\ncolour = \"red\"\n"))
	assert.Error(t, err, "unknown keys are rejected")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "worker.js")
	bindings := filepath.Join(dir, "bindings.toml")
	writeFile(t, script, "addEventListener('fetch', () => {});")
	writeFile(t, bindings, "[vars]\nA = \"1\"\n")

	got, err := Project{ScriptPath: script, BindingsPath: bindings}.Load()
	require.NoError(t, err)
	assert.Equal(t, protocol.ScriptServiceWorker, got.Kind)
	assert.Len(t, got.Bindings, 1)

	got, err = Project{ScriptPath: script, Kind: protocol.ScriptModule}.Load()
	require.NoError(t, err)
	assert.Equal(t, protocol.ScriptModule, got.Kind)

	_, err = Project{ScriptPath: script, Kind: "wasm"}.Load()
	assert.Error(t, err)
	_, err = Project{ScriptPath: filepath.Join(dir, "missing.js")}.Load()
	assert.Error(t, err)
}

func TestWatcherMatches(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "worker.js")
	writeFile(t, script, "")
	writeFile(t, filepath.Join(dir, "src", "lib", "util.js"), "")

	w, err := NewWatcher(Project{ScriptPath: script}, []string{filepath.Join(dir, "src", "**", "*.js")}, nil)
	require.NoError(t, err)
	defer w.fsw.Close()

	assert.True(t, w.Matches(script))
	assert.True(t, w.Matches(filepath.Join(dir, "src", "lib", "util.js")))
	assert.False(t, w.Matches(filepath.Join(dir, "src", "lib", "util.ts")))
	assert.False(t, w.Matches(filepath.Join(dir, "other.js")))
}

func TestWatcherWatchesNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "worker.js")
	writeFile(t, script, "")
	writeFile(t, filepath.Join(dir, "src", "a", "b", "deep.js"), "")
	writeFile(t, filepath.Join(dir, "src", ".cache", "skip.js"), "")

	w, err := NewWatcher(Project{ScriptPath: script}, []string{filepath.Join(dir, "src", "**", "*.js")}, nil)
	require.NoError(t, err)
	defer w.fsw.Close()

	watched := w.fsw.WatchList()
	assert.Contains(t, watched, filepath.Join(dir, "src"))
	assert.Contains(t, watched, filepath.Join(dir, "src", "a"))
	assert.Contains(t, watched, filepath.Join(dir, "src", "a", "b"))
	assert.NotContains(t, watched, filepath.Join(dir, "src", ".cache"))
}

func TestWatcherDebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "worker.js")
	writeFile(t, script, "v1")

	w, err := NewWatcher(Project{ScriptPath: script}, nil, nil)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func() { calls.Add(1) }) }()

	writeFile(t, script, "v2")
	writeFile(t, script, "v3")
	writeFile(t, filepath.Join(dir, "ignored.txt"), "x")

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	cancel()
	assert.NoError(t, <-done)
}
