package storage

import (
	"errors"
	"fmt"
	"math"

	"github.com/bytedance/sonic"
)

// MaxSafeInteger is the largest integer a value may hold.
const MaxSafeInteger = 1<<53 - 1

// ErrInvalidValue marks a value outside the storable set.
var ErrInvalidValue = errors.New("invalid storage value")

var valueJSON = sonic.Config{
	SortMapKeys: true,
	UseInt64:    true,
}.Froze()

// ValidateValue accepts nil, strings, safe integers, and plain maps and
// slices of JSON values. Inside maps and slices, booleans and finite
// numbers are also allowed.
func ValidateValue(v any) error {
	switch val := v.(type) {
	case nil, string:
		return nil
	case map[string]any, []any:
		return validateNested(val, "value")
	}
	if n, ok := asNumber(v); ok {
		if !n.integral {
			return fmt.Errorf("%w: %v is not a safe integer", ErrInvalidValue, v)
		}
		return checkSafe(n, "value")
	}
	return fmt.Errorf("%w: %T cannot be stored", ErrInvalidValue, v)
}

func validateNested(v any, path string) error {
	switch val := v.(type) {
	case nil, string, bool:
		return nil
	case map[string]any:
		for k, item := range val {
			if err := validateNested(item, path+"."+k); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, item := range val {
			if err := validateNested(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	}
	n, ok := asNumber(v)
	if !ok {
		return fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidValue, path, v)
	}
	if math.IsNaN(n.f) || math.IsInf(n.f, 0) {
		return fmt.Errorf("%w: %s is not finite", ErrInvalidValue, path)
	}
	if n.integral {
		return checkSafe(n, path)
	}
	return nil
}

type number struct {
	f        float64
	i        int64
	integral bool
	overflow bool
}

func asNumber(v any) (number, bool) {
	switch n := v.(type) {
	case int:
		return number{f: float64(n), i: int64(n), integral: true}, true
	case int8:
		return number{f: float64(n), i: int64(n), integral: true}, true
	case int16:
		return number{f: float64(n), i: int64(n), integral: true}, true
	case int32:
		return number{f: float64(n), i: int64(n), integral: true}, true
	case int64:
		return number{f: float64(n), i: n, integral: true}, true
	case uint8:
		return number{f: float64(n), i: int64(n), integral: true}, true
	case uint16:
		return number{f: float64(n), i: int64(n), integral: true}, true
	case uint32:
		return number{f: float64(n), i: int64(n), integral: true}, true
	case uint:
		return number{f: float64(n), i: int64(n), integral: true, overflow: uint64(n) > math.MaxInt64}, true
	case uint64:
		return number{f: float64(n), i: int64(n), integral: true, overflow: n > math.MaxInt64}, true
	case float32:
		return floatNumber(float64(n)), true
	case float64:
		return floatNumber(n), true
	}
	return number{}, false
}

func floatNumber(f float64) number {
	if f == math.Trunc(f) && math.Abs(f) <= MaxSafeInteger {
		return number{f: f, i: int64(f), integral: true}
	}
	return number{f: f}
}

func checkSafe(n number, path string) error {
	if n.overflow || n.i > MaxSafeInteger || n.i < -MaxSafeInteger {
		return fmt.Errorf("%w: %s is outside the safe integer range", ErrInvalidValue, path)
	}
	return nil
}

// encodeValue validates and serializes a value.
func encodeValue(v any) ([]byte, error) {
	if err := ValidateValue(v); err != nil {
		return nil, err
	}
	data, err := valueJSON.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}

func decodeValue(data []byte) (any, error) {
	var v any
	if err := valueJSON.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}
