package cascada

import (
	"context"
	"reflect"
)

// Iterator is the normalized pull interface every loop source is adapted
// to. Next returns the next value and true, or any zero value and false at
// exhaustion. A source failure is reported through err and ends iteration.
type Iterator interface {
	Next(ctx context.Context) (any, bool, error)
}

// KV is the item shape of object iteration: loops over mappings receive the
// key and value together and require two loop variables to unpack them.
type KV struct {
	Key   string
	Value any
}

// loopSource is an iterator plus what the driver needs to know about its
// origin: a known length for sized sources (-1 otherwise) and whether items
// are key/value pairs.
type loopSource struct {
	it     Iterator
	length int
	object bool
	kind   string
}

type sliceIterator struct {
	items []any
	pos   int
}

func (s *sliceIterator) Next(_ context.Context) (any, bool, error) {
	if s.pos >= len(s.items) {
		return nil, false, nil
	}
	v := s.items[s.pos]
	s.pos++
	return v, true, nil
}

type chanIterator struct {
	ch <-chan any
}

// Next receives from the channel in a select that also watches ctx, so a
// stalled producer cannot leak the loop goroutine.
func (c *chanIterator) Next(ctx context.Context) (any, bool, error) {
	select {
	case v, ok := <-c.ch:
		if !ok {
			return nil, false, nil
		}
		return v, true, nil
	case <-ctx.Done():
		return nil, false, newCancelledError("iteration interrupted: " + ctx.Err().Error())
	}
}

type funcIterator struct {
	fn func(ctx context.Context) (any, bool, error)
}

func (f *funcIterator) Next(ctx context.Context) (any, bool, error) {
	return f.fn(ctx)
}

// newLoopSource adapts v into a loopSource. Mappings iterate in insertion
// order (*Dict) or sorted key order (plain Go maps, which carry none).
// Symbolic/unexported reflection cases never reach here; the member-lookup
// layer only exposes exported state.
func newLoopSource(v any) (*loopSource, *Error) {
	switch t := v.(type) {
	case *List:
		items := make([]any, t.Len())
		copy(items, t.Items())
		return &loopSource{it: &sliceIterator{items: items}, length: len(items), kind: "array"}, nil
	case []any:
		items := make([]any, len(t))
		copy(items, t)
		return &loopSource{it: &sliceIterator{items: items}, length: len(items), kind: "array"}, nil
	case *Dict:
		items := make([]any, 0, t.Len())
		for _, k := range t.Keys() {
			val, _ := t.Get(k)
			items = append(items, KV{Key: k, Value: val})
		}
		return &loopSource{it: &sliceIterator{items: items}, length: len(items), object: true, kind: "object"}, nil
	case map[string]any:
		keys := sortedKeys(t)
		items := make([]any, 0, len(keys))
		for _, k := range keys {
			items = append(items, KV{Key: k, Value: t[k]})
		}
		return &loopSource{it: &sliceIterator{items: items}, length: len(items), object: true, kind: "object"}, nil
	case chan any:
		return &loopSource{it: &chanIterator{ch: t}, length: -1, kind: "iterator"}, nil
	case <-chan any:
		return &loopSource{it: &chanIterator{ch: t}, length: -1, kind: "iterator"}, nil
	case Iterator:
		return &loopSource{it: t, length: -1, kind: "iterator"}, nil
	case func(ctx context.Context) (any, bool, error):
		return &loopSource{it: &funcIterator{fn: t}, length: -1, kind: "iterator"}, nil
	case string:
		items := make([]any, 0, len(t))
		for _, r := range t {
			items = append(items, string(r))
		}
		return &loopSource{it: &sliceIterator{items: items}, length: len(items), kind: "array"}, nil
	case nil, undefined:
		return &loopSource{it: &sliceIterator{}, length: 0, kind: "array"}, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return &loopSource{it: &sliceIterator{items: items}, length: len(items), kind: "array"}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			m := make(map[string]any, rv.Len())
			for _, k := range rv.MapKeys() {
				m[k.String()] = rv.MapIndex(k).Interface()
			}
			keys := sortedKeys(m)
			items := make([]any, 0, len(keys))
			for _, k := range keys {
				items = append(items, KV{Key: k, Value: m[k]})
			}
			return &loopSource{it: &sliceIterator{items: items}, length: len(items), object: true, kind: "object"}, nil
		}
	}
	return nil, newDataflowError("cannot iterate over %T", v)
}
