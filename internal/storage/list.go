package storage

import (
	"fmt"
	"strings"
)

// keyRange is the resolved form of ListOptions.
type keyRange struct {
	lower     string
	hasLower  bool
	exclusive bool
	upper     string
	hasUpper  bool
	prefix    string
	limit     int
	reverse   bool
}

func resolveRange(opts ListOptions) (keyRange, error) {
	if opts.Start != nil && opts.StartAfter != nil {
		return keyRange{}, fmt.Errorf("%w: list with both start and startAfter", ErrNotImplemented)
	}
	if opts.Limit != nil && *opts.Limit <= 0 {
		return keyRange{}, fmt.Errorf("list limit must be positive, got %d", *opts.Limit)
	}

	r := keyRange{limit: -1, reverse: opts.Reverse}
	switch {
	case opts.Start != nil:
		r.lower, r.hasLower = *opts.Start, true
	case opts.StartAfter != nil:
		r.lower, r.hasLower, r.exclusive = *opts.StartAfter, true, true
	}
	if opts.End != nil {
		r.upper, r.hasUpper = *opts.End, true
	}
	if opts.Prefix != nil {
		r.prefix = *opts.Prefix
		if !r.hasLower || r.lower < r.prefix {
			r.lower, r.hasLower, r.exclusive = r.prefix, true, false
		}
		if end, ok := prefixEnd(r.prefix); ok && (!r.hasUpper || end < r.upper) {
			r.upper, r.hasUpper = end, true
		}
	}
	if opts.Limit != nil {
		r.limit = *opts.Limit
	}
	return r, nil
}

// belowLower reports whether key sorts before the range.
func (r keyRange) belowLower(key string) bool {
	if !r.hasLower {
		return false
	}
	if r.exclusive {
		return key <= r.lower
	}
	return key < r.lower
}

// aboveUpper reports whether key sorts at or after the exclusive end.
func (r keyRange) aboveUpper(key string) bool {
	return r.hasUpper && key >= r.upper
}

func (r keyRange) contains(key string) bool {
	return !r.belowLower(key) && !r.aboveUpper(key) && strings.HasPrefix(key, r.prefix)
}

func (r keyRange) full(n int) bool {
	return r.limit >= 0 && n >= r.limit
}

// prefixEnd returns the smallest key greater than every key with the
// prefix. There is none when the prefix is empty or all 0xff bytes.
func prefixEnd(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// filterSorted applies a range to keys already in ascending order.
func filterSorted(keys []string, r keyRange) []string {
	var out []string
	visit := func(k string) bool {
		if !r.contains(k) {
			return true
		}
		out = append(out, k)
		return !r.full(len(out))
	}
	if r.reverse {
		for i := len(keys) - 1; i >= 0; i-- {
			if r.belowLower(keys[i]) {
				break
			}
			if !visit(keys[i]) {
				break
			}
		}
		return out
	}
	for _, k := range keys {
		if r.aboveUpper(k) {
			break
		}
		if !visit(k) {
			break
		}
	}
	return out
}
