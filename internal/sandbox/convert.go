package sandbox

import (
	"sort"
	"strconv"

	"github.com/dop251/goja"
)

// toJS converts a decoded wire value into a script value. Byte slices
// become Uint8Arrays; maps and slices are copied into plain objects and
// arrays so the script sees ordinary JavaScript values.
func (r *Runtime) toJS(v any) goja.Value {
	switch x := v.(type) {
	case nil:
		return goja.Null()
	case goja.Value:
		return x
	case []byte:
		return r.bytesValue(x)
	case map[string]any:
		obj := r.vm.NewObject()
		for k, item := range x {
			_ = obj.Set(k, r.toJS(item))
		}
		return obj
	case map[string]string:
		obj := r.vm.NewObject()
		for k, item := range x {
			_ = obj.Set(k, item)
		}
		return obj
	case []any:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = r.toJS(item)
		}
		return r.vm.NewArray(items...)
	case []string:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = item
		}
		return r.vm.NewArray(items...)
	case [][]any:
		items := make([]any, len(x))
		for i, row := range x {
			items[i] = r.toJS(row)
		}
		return r.vm.NewArray(items...)
	case []map[string]any:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = r.toJS(item)
		}
		return r.vm.NewArray(items...)
	default:
		return r.vm.ToValue(v)
	}
}

// fromJS converts a script value into a value the wire codec accepts.
func (r *Runtime) fromJS(v goja.Value) any {
	if isNullish(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.Export()
	}
	if b, ok := r.bytesArg(obj); ok {
		return append([]byte(nil), b...)
	}
	switch obj.ClassName() {
	case "Array":
		n := int(obj.Get("length").ToInteger())
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = r.fromJS(obj.Get(strconv.Itoa(i)))
		}
		return out
	case "Object":
		out := make(map[string]any)
		for _, k := range obj.Keys() {
			out[k] = r.fromJS(obj.Get(k))
		}
		return out
	default:
		return obj.Export()
	}
}

// bytesValue wraps b in a Uint8Array sharing its memory.
func (r *Runtime) bytesValue(b []byte) goja.Value {
	arr, err := r.vm.New(r.uint8Array, r.vm.ToValue(r.vm.NewArrayBuffer(b)))
	if err != nil {
		panic(err)
	}
	return arr
}

// bytesArg returns the bytes viewed by a typed array, DataView or
// ArrayBuffer. The slice shares memory with the script value. Strings are
// accepted as their UTF-8 encoding.
func (r *Runtime) bytesArg(v goja.Value) ([]byte, bool) {
	if isNullish(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		if s, ok := v.Export().(string); ok {
			return []byte(s), true
		}
		return nil, false
	}
	switch x := obj.Export().(type) {
	case []byte:
		return x, true
	case goja.ArrayBuffer:
		return x.Bytes(), true
	}
	buf, ok := obj.Get("buffer").(*goja.Object)
	if !ok {
		return nil, false
	}
	ab, ok := buf.Export().(goja.ArrayBuffer)
	if !ok {
		return nil, false
	}
	data := ab.Bytes()
	offset := obj.Get("byteOffset").ToInteger()
	length := obj.Get("byteLength").ToInteger()
	if offset < 0 || length < 0 || offset+length > int64(len(data)) {
		return nil, false
	}
	return data[offset : offset+length], true
}

// headersValue renders headers as [name, value] pairs in name order.
func (r *Runtime) headersValue(headers map[string][]string) goja.Value {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var items []any
	for _, name := range names {
		for _, value := range headers[name] {
			items = append(items, r.vm.NewArray(name, value))
		}
	}
	return r.vm.NewArray(items...)
}

// pairs reads an array of [name, value] pairs.
func (r *Runtime) pairs(v goja.Value) [][2]string {
	if isNullish(v) {
		return nil
	}
	obj := v.ToObject(r.vm)
	n := int(obj.Get("length").ToInteger())
	out := make([][2]string, 0, n)
	for i := 0; i < n; i++ {
		pair := obj.Get(strconv.Itoa(i)).ToObject(r.vm)
		out = append(out, [2]string{pair.Get("0").String(), pair.Get("1").String()})
	}
	return out
}

// stringMap reads an object of string values.
func (r *Runtime) stringMap(v goja.Value) map[string]string {
	if isNullish(v) {
		return nil
	}
	obj := v.ToObject(r.vm)
	keys := obj.Keys()
	if len(keys) == 0 {
		return nil
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = obj.Get(k).String()
	}
	return out
}

// field reads a property of an argument object; missing objects read as
// undefined.
func (r *Runtime) field(v goja.Value, name string) goja.Value {
	if isNullish(v) {
		return goja.Undefined()
	}
	if got := v.ToObject(r.vm).Get(name); got != nil {
		return got
	}
	return goja.Undefined()
}
