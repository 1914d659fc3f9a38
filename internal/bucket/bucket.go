// Package bucket emulates object storage buckets on the local filesystem.
//
// Each bucket is a directory. An object is a blob file plus a metadata
// file, both named after the path-escaped key.
package bucket

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"

	"github.com/GriffinCanCode/edgeworker/internal/protocol"
)

const (
	blobSuffix = ".blob"
	metaSuffix = ".meta"

	// DefaultListLimit caps a list page when the caller gives no limit.
	DefaultListLimit = 1000
)

// Common errors
var (
	ErrInvalidName = errors.New("invalid bucket name")
	ErrEmptyKey    = errors.New("object key must not be empty")
)

// Store roots every bucket under one directory.
type Store struct {
	root  string
	clock clock.Clock
}

// New creates a store rooted at dir.
func New(dir string, c clock.Clock) *Store {
	if c == nil {
		c = clock.New()
	}
	return &Store{root: dir, clock: c}
}

func (s *Store) bucketDir(bucket string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, bucket)
	}
	return filepath.Join(s.root, bucket), nil
}

func (s *Store) paths(bucket, key string) (blob, meta string, err error) {
	if key == "" {
		return "", "", ErrEmptyKey
	}
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return "", "", err
	}
	name := url.PathEscape(key)
	return filepath.Join(dir, name+blobSuffix), filepath.Join(dir, name+metaSuffix), nil
}

// Put stores body under key. An empty content type is sniffed from the
// stored bytes.
func (s *Store) Put(bucket, key string, body io.Reader, contentType string, custom map[string]string) (protocol.R2Object, error) {
	blobPath, metaPath, err := s.paths(bucket, key)
	if err != nil {
		return protocol.R2Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return protocol.R2Object{}, fmt.Errorf("create bucket dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(blobPath), ".upload-*")
	if err != nil {
		return protocol.R2Object{}, fmt.Errorf("create upload: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := md5.New()
	var size int64
	if body != nil {
		size, err = io.Copy(io.MultiWriter(tmp, hash), body)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return protocol.R2Object{}, fmt.Errorf("write object %q: %w", key, err)
	}

	if contentType == "" && size > 0 {
		if mt, err := mimetype.DetectFile(tmp.Name()); err == nil {
			contentType = mt.String()
		}
	}

	obj := protocol.R2Object{
		Key:            key,
		Size:           size,
		ETag:           hex.EncodeToString(hash.Sum(nil)),
		Uploaded:       s.clock.Now().UnixMilli(),
		ContentType:    contentType,
		CustomMetadata: custom,
	}
	meta, err := sonic.Marshal(obj)
	if err != nil {
		return protocol.R2Object{}, fmt.Errorf("encode object metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), blobPath); err != nil {
		return protocol.R2Object{}, fmt.Errorf("commit object %q: %w", key, err)
	}
	if err := os.WriteFile(metaPath, meta, 0o644); err != nil {
		return protocol.R2Object{}, fmt.Errorf("write object metadata: %w", err)
	}
	return obj, nil
}

// Head returns the metadata of key, or nil when absent.
func (s *Store) Head(bucket, key string) (*protocol.R2Object, error) {
	_, metaPath, err := s.paths(bucket, key)
	if err != nil {
		return nil, err
	}
	return readMeta(metaPath)
}

// Get opens key. Both results are nil when the object is absent.
func (s *Store) Get(bucket, key string) (*protocol.R2Object, io.ReadCloser, error) {
	blobPath, metaPath, err := s.paths(bucket, key)
	if err != nil {
		return nil, nil, err
	}
	obj, err := readMeta(metaPath)
	if err != nil || obj == nil {
		return nil, nil, err
	}
	f, err := os.Open(blobPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open object %q: %w", key, err)
	}
	return obj, f, nil
}

// Delete removes keys. Absent keys are ignored.
func (s *Store) Delete(bucket string, keys []string) error {
	for _, key := range keys {
		blobPath, metaPath, err := s.paths(bucket, key)
		if err != nil {
			return err
		}
		for _, p := range []string{metaPath, blobPath} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("delete object %q: %w", key, err)
			}
		}
	}
	return nil
}

// List returns one page of objects in key order. With a delimiter, keys
// sharing a prefix up to the delimiter collapse into DelimitedPrefixes.
func (s *Store) List(req protocol.R2List) (protocol.R2Objects, error) {
	dir, err := s.bucketDir(req.Bucket)
	if err != nil {
		return protocol.R2Objects{}, err
	}
	limit := req.Limit
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return protocol.R2Objects{Objects: []protocol.R2Object{}}, nil
	}
	if err != nil {
		return protocol.R2Objects{}, fmt.Errorf("list bucket %q: %w", req.Bucket, err)
	}

	var keys []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), metaSuffix)
		if !ok {
			continue
		}
		key, err := url.PathUnescape(name)
		if err != nil || !strings.HasPrefix(key, req.Prefix) || (req.Cursor != "" && key <= req.Cursor) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := protocol.R2Objects{Objects: []protocol.R2Object{}}
	seenPrefix := make(map[string]bool)
	count := 0
	for _, key := range keys {
		if count == limit {
			out.Truncated = true
			break
		}
		if req.Delimiter != "" {
			rest := key[len(req.Prefix):]
			if i := strings.Index(rest, req.Delimiter); i >= 0 {
				p := req.Prefix + rest[:i+len(req.Delimiter)]
				if !seenPrefix[p] {
					seenPrefix[p] = true
					out.DelimitedPrefixes = append(out.DelimitedPrefixes, p)
					count++
				}
				out.Cursor = key
				continue
			}
		}
		obj, err := readMeta(filepath.Join(dir, url.PathEscape(key)+metaSuffix))
		if err != nil {
			return protocol.R2Objects{}, err
		}
		if obj == nil {
			continue
		}
		out.Objects = append(out.Objects, *obj)
		out.Cursor = key
		count++
	}
	if !out.Truncated {
		out.Cursor = ""
	}
	return out, nil
}

func readMeta(path string) (*protocol.R2Object, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read object metadata: %w", err)
	}
	var obj protocol.R2Object
	if err := sonic.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode object metadata: %w", err)
	}
	return &obj, nil
}
