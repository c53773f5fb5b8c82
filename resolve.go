package cascada

import (
	"context"
)

// The resolution layer forces suspended values at fences. All resolvers
// return a concrete value or poison; none panic for dataflow failures, and
// none drop a late error: even after the first failure is observed, every
// remaining input is still awaited so its errors are captured.

// ResolveSingle forces v to a concrete value. Futures are awaited (a future
// resolving to another future is awaited again), rejections convert to
// poison, and containers carrying the deep-resolve marker are resolved in
// one traversal. Poison passes through unchanged.
func ResolveSingle(ctx context.Context, v any) any {
	for {
		switch t := v.(type) {
		case *Poison:
			return t
		case *Future:
			settled, err := t.Await(ctx)
			if err != nil {
				return NewPoison(err)
			}
			v = settled
		case *List:
			if t.deep {
				return resolveListDeep(ctx, t)
			}
			return t
		case *Dict:
			if t.deep {
				return resolveDictDeep(ctx, t)
			}
			return t
		default:
			return v
		}
	}
}

// ResolveDuo forces a pair. The fast path returns both synchronously when
// neither is suspended or poison; otherwise both are awaited and errors from
// both sides aggregate into a single poison returned in both positions.
func ResolveDuo(ctx context.Context, a, b any) (any, any) {
	if isConcrete(a) && isConcrete(b) {
		return a, b
	}
	ra := ResolveSingle(ctx, a)
	rb := ResolveSingle(ctx, b)
	if IsPoison(ra) || IsPoison(rb) {
		var failed []any
		if IsPoison(ra) {
			failed = append(failed, ra)
		}
		if IsPoison(rb) {
			failed = append(failed, rb)
		}
		p := NewPoison(failed)
		return p, p
	}
	return ra, rb
}

// ResolveAll forces every element of values, returning a []any of the same
// length, or a single poison aggregating every error in input order.
func ResolveAll(ctx context.Context, values []any) any {
	out := make([]any, len(values))
	var failed []any
	for i, v := range values {
		r := ResolveSingle(ctx, v)
		out[i] = r
		if IsPoison(r) {
			failed = append(failed, r)
		}
	}
	if failed != nil {
		return NewPoison(failed)
	}
	return out
}

// ResolveObjectProperties forces every top-level property of d in insertion
// order, returning d or a poison aggregating every error.
func ResolveObjectProperties(ctx context.Context, d *Dict) any {
	var failed []any
	for _, k := range d.keys {
		r := ResolveSingle(ctx, d.m[k])
		d.m[k] = r
		if IsPoison(r) {
			failed = append(failed, r)
		}
	}
	if failed != nil {
		return NewPoison(failed)
	}
	return d
}

// resolveListDeep resolves all direct children and any already-marked nested
// children. The marker clears before traversal, bounding re-entrancy: a
// container is resolved at most once even when it appears in a cycle.
func resolveListDeep(ctx context.Context, l *List) any {
	l.deep = false
	var failed []any
	for i, item := range l.items {
		r := ResolveSingle(ctx, item)
		l.items[i] = r
		if IsPoison(r) {
			failed = append(failed, r)
		}
	}
	if failed != nil {
		return NewPoison(failed)
	}
	return l
}

func resolveDictDeep(ctx context.Context, d *Dict) any {
	d.deep = false
	var failed []any
	for _, k := range d.keys {
		r := ResolveSingle(ctx, d.m[k])
		d.m[k] = r
		if IsPoison(r) {
			failed = append(failed, r)
		}
	}
	if failed != nil {
		return NewPoison(failed)
	}
	return d
}

// isConcrete reports whether v needs no awaiting and is not poison.
func isConcrete(v any) bool {
	switch t := v.(type) {
	case *Poison, *Future:
		return false
	case *List:
		return !t.deep
	case *Dict:
		return !t.deep
	}
	return true
}
