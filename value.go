package cascada

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Undefined is the value of a lookup that found nothing. It stringifies to
// the empty string and is falsy, matching template conventions.
var Undefined = undefined{}

type undefined struct{}

func (undefined) String() string { return "" }

// IsUndefined reports whether v is the undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// List is the runtime's ordered container. Construction through NewArray
// marks it for lazy deep resolution: awaiting the marker resolves all direct
// children and any already-marked nested children in one traversal.
type List struct {
	items []any
	deep  bool
}

// NewList creates a plain list over items. The slice is owned by the list.
func NewList(items ...any) *List {
	return &List{items: items}
}

// NewArray creates a list carrying the deep-resolve marker.
func NewArray(items []any) *List {
	return &List{items: items, deep: true}
}

// Len returns the number of items.
func (l *List) Len() int { return len(l.items) }

// At returns the item at i, or Undefined out of range. Negative indices
// count from the end.
func (l *List) At(i int) any {
	if i < 0 {
		i += len(l.items)
	}
	if i < 0 || i >= len(l.items) {
		return Undefined
	}
	return l.items[i]
}

// SetAt replaces the item at i. Out-of-range writes are ignored.
func (l *List) SetAt(i int, v any) {
	if i >= 0 && i < len(l.items) {
		l.items[i] = v
	}
}

// Append adds items to the end.
func (l *List) Append(items ...any) { l.items = append(l.items, items...) }

// Items returns the backing slice. Callers must not mutate it concurrently
// with the owner.
func (l *List) Items() []any { return l.items }

// Dict is the runtime's insertion-ordered string-keyed mapping. Construction
// through NewObject marks it for lazy deep resolution.
type Dict struct {
	m    map[string]any
	keys []string
	deep bool
}

// NewDict creates an empty plain dict.
func NewDict() *Dict {
	return &Dict{m: make(map[string]any)}
}

// NewObject creates a dict from pairs carrying the deep-resolve marker.
// pairs alternates key, value; a trailing key is ignored.
func NewObject(pairs ...any) *Dict {
	d := NewDict()
	d.deep = true
	for i := 0; i+1 < len(pairs); i += 2 {
		d.Set(stringify(pairs[i]), pairs[i+1])
	}
	return d
}

// Len returns the number of entries.
func (d *Dict) Len() int { return len(d.keys) }

// Get returns the value for key and whether it was present.
func (d *Dict) Get(key string) (any, bool) {
	v, ok := d.m[key]
	return v, ok
}

// Set writes key to v, preserving insertion order for new keys.
func (d *Dict) Set(key string, v any) {
	if _, exists := d.m[key]; !exists {
		d.keys = append(d.keys, key)
	}
	d.m[key] = v
}

// Delete removes key if present.
func (d *Dict) Delete(key string) {
	if _, exists := d.m[key]; !exists {
		return
	}
	delete(d.m, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Callable is a function-like runtime value.
type Callable interface {
	Call(ctx context.Context, args []any) (any, error)
	CallableName() string
}

// Func adapts a Go function into a Callable. The Macro flag marks macro
// callables for the compiler's calling convention; the runtime's call
// plumbing does not read it and passes the render context to every call.
type Func struct {
	Fn    func(ctx context.Context, args []any) (any, error)
	Name  string
	Macro bool
}

// NewFunction wraps fn as a named callable.
func NewFunction(name string, fn func(ctx context.Context, args []any) (any, error)) *Func {
	return &Func{Name: name, Fn: fn}
}

// NewMacro wraps fn as a macro-flagged callable.
func NewMacro(name string, fn func(ctx context.Context, args []any) (any, error)) *Func {
	return &Func{Name: name, Fn: fn, Macro: true}
}

// Call implements Callable.
func (f *Func) Call(ctx context.Context, args []any) (any, error) {
	return f.Fn(ctx, args)
}

// CallableName implements Callable.
func (f *Func) CallableName() string { return f.Name }

// IsErrorValue reports whether v represents a failure: poison, a bare error
// value, or a rejected (already settled) future. It never awaits; a pending
// future is not an error yet. Programs use this as the `is error` predicate.
func IsErrorValue(v any) bool {
	switch t := v.(type) {
	case *Poison:
		return true
	case *Future:
		_, err, ok := t.Poll()
		return ok && err != nil
	case error:
		return true
	}
	return false
}

// stringify renders a resolved value as template text. Undefined and nil
// produce the empty string. Lists render as their items joined by commas;
// dicts render in a braced `key: value` form.
func stringify(v any) string {
	switch t := v.(type) {
	case nil, undefined:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return stringify(float64(t))
	case *List:
		parts := make([]string, t.Len())
		for i, item := range t.Items() {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ",")
	case *Dict:
		var b strings.Builder
		b.WriteString("{")
		for i, k := range t.keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(stringify(t.m[k]))
		}
		b.WriteString("}")
		return b.String()
	case fmt.Stringer:
		return t.String()
	case error:
		return t.Error()
	}
	return fmt.Sprintf("%v", v)
}

// truthy applies template truthiness: empty strings, zero numbers, empty
// containers, nil, undefined and poison are falsy.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil, undefined, *Poison:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case float32:
		return t != 0
	case *List:
		return t.Len() > 0
	case *Dict:
		return t.Len() > 0
	}
	return true
}

// toNumber coerces v to float64 for arithmetic. The second return reports
// whether the coercion was possible.
func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case nil, undefined:
		return 0, true
	}
	return 0, false
}

// export converts runtime containers into plain Go values for callers:
// *List becomes []any, *Dict becomes map[string]any, recursively. Scalars
// pass through.
func export(v any) any {
	switch t := v.(type) {
	case *List:
		out := make([]any, t.Len())
		for i, item := range t.Items() {
			out[i] = export(item)
		}
		return out
	case *Dict:
		out := make(map[string]any, t.Len())
		for _, k := range t.keys {
			out[k] = export(t.m[k])
		}
		return out
	case undefined:
		return nil
	}
	return v
}

// sortedKeys returns the sorted keys of a plain Go map, for deterministic
// iteration where no insertion order exists.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
