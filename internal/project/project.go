// Package project loads the script and bindings the emulator runs and
// watches them for changes.
//
// Bindings live in a TOML or YAML file:
//
//	[vars]
//	GREETING = "hello"
//
//	[[bindings]]
//	name = "CACHE"
//	type = "kv"
//	namespace = "cache"
//
//	[[bindings]]
//	name = "ROOMS"
//	type = "do"
//	class_name = "Room"
//	storage = "sqlite"
//
// Entries under vars become text bindings.
package project

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/edgeworker/internal/orchestrator"
	"github.com/GriffinCanCode/edgeworker/internal/protocol"
	"github.com/GriffinCanCode/edgeworker/internal/storage"
)

// ErrInvalidBinding is wrapped by every bindings validation failure.
var ErrInvalidBinding = errors.New("invalid binding")

var moduleSyntax = regexp.MustCompile(`(?m)^[ \t]*export[ \t]+(default|\{|const|let|var|function|class|async)`)

// Project names the files of one worker.
type Project struct {
	ScriptPath   string
	BindingsPath string // optional
	// Kind is module or service-worker; empty detects it from the source.
	Kind string
}

type bindingsFile struct {
	Vars     map[string]string  `toml:"vars" yaml:"vars"`
	Bindings []protocol.Binding `toml:"bindings" yaml:"bindings"`
}

// Load reads the script and its bindings.
func (p Project) Load() (orchestrator.Script, error) {
	source, err := os.ReadFile(p.ScriptPath)
	if err != nil {
		return orchestrator.Script{}, fmt.Errorf("read script: %w", err)
	}

	kind := p.Kind
	if kind == "" {
		kind = DetectKind(string(source))
	}
	if kind != protocol.ScriptModule && kind != protocol.ScriptServiceWorker {
		return orchestrator.Script{}, fmt.Errorf("unknown script kind %q", kind)
	}

	var bindings []protocol.Binding
	if p.BindingsPath != "" {
		data, err := os.ReadFile(p.BindingsPath)
		if err != nil {
			return orchestrator.Script{}, fmt.Errorf("read bindings: %w", err)
		}
		bindings, err = ParseBindings(filepath.Ext(p.BindingsPath), data)
		if err != nil {
			return orchestrator.Script{}, fmt.Errorf("%s: %w", p.BindingsPath, err)
		}
	}

	return orchestrator.Script{Contents: string(source), Kind: kind, Bindings: bindings}, nil
}

// DetectKind reports module for sources with top-level export statements
// and service-worker otherwise.
func DetectKind(source string) string {
	if moduleSyntax.MatchString(source) {
		return protocol.ScriptModule
	}
	return protocol.ScriptServiceWorker
}

// ParseBindings decodes a bindings file. ext selects the format: .yaml and
// .yml are YAML, anything else TOML. Unknown keys are rejected.
func ParseBindings(ext string, data []byte) ([]protocol.Binding, error) {
	var file bindingsFile
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.UnmarshalWithOptions(data, &file, yaml.Strict()); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
	}

	names := make([]string, 0, len(file.Vars))
	for name := range file.Vars {
		names = append(names, name)
	}
	sort.Strings(names)

	bindings := make([]protocol.Binding, 0, len(names)+len(file.Bindings))
	for _, name := range names {
		bindings = append(bindings, protocol.Binding{Name: name, Type: protocol.BindingText, Value: file.Vars[name]})
	}
	bindings = append(bindings, file.Bindings...)

	seen := make(map[string]bool, len(bindings))
	for i := range bindings {
		b := &bindings[i]
		if err := normalize(b); err != nil {
			return nil, err
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("%w: %s is bound twice", ErrInvalidBinding, b.Name)
		}
		seen[b.Name] = true
	}
	return bindings, nil
}

// normalize fills defaults and checks the fields each type needs.
func normalize(b *protocol.Binding) error {
	if b.Name == "" {
		return fmt.Errorf("%w: binding without a name", ErrInvalidBinding)
	}
	switch b.Type {
	case protocol.BindingText, protocol.BindingSecret:
	case protocol.BindingJSON:
		var v any
		if err := sonic.UnmarshalString(b.Value, &v); err != nil {
			return fmt.Errorf("%w: %s is not valid JSON: %v", ErrInvalidBinding, b.Name, err)
		}
	case protocol.BindingKV:
		if b.Namespace == "" {
			b.Namespace = b.Name
		}
	case protocol.BindingR2:
		if b.Bucket == "" {
			b.Bucket = strings.ToLower(b.Name)
		}
	case protocol.BindingDO:
		if b.ClassName == "" {
			return fmt.Errorf("%w: %s needs class_name", ErrInvalidBinding, b.Name)
		}
		switch b.Storage {
		case "", storage.EngineMemory, storage.EngineBolt, storage.EngineSQLite:
		default:
			return fmt.Errorf("%w: %s has unknown storage %q", ErrInvalidBinding, b.Name, b.Storage)
		}
	case protocol.BindingD1:
		id, err := uuid.Parse(b.DatabaseUUID)
		if err != nil {
			return fmt.Errorf("%w: %s needs a database_uuid: %v", ErrInvalidBinding, b.Name, err)
		}
		b.DatabaseUUID = id.String()
	default:
		return fmt.Errorf("%w: %s has unknown type %q", ErrInvalidBinding, b.Name, b.Type)
	}
	return nil
}
