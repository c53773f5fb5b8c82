package cascada

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// LookupTarget lets host objects control member access instead of going
// through reflection. Member reports the value for key and whether the key
// exists.
type LookupTarget interface {
	Member(key string) (any, bool)
}

// Runtime is the per-render evaluation state a compiled program drives: the
// environment, the root frame, the root buffer, the caller-supplied context
// variables, and the handler instances.
type Runtime struct {
	Env     *Environment
	Frame   *Frame
	Buffer  *Buffer
	Context map[string]any
	rc      *renderContext
}

// ContextOrFrameLookup resolves name against the frame chain first, then the
// caller-supplied context, then the environment globals. Undefined when
// nothing matches.
func (rt *Runtime) ContextOrFrameLookup(frame *Frame, name string) any {
	if v, ok := frame.Lookup(name); ok {
		return v
	}
	if v, ok := rt.Context[name]; ok {
		return v
	}
	if v, ok := rt.Env.global(name); ok {
		return v
	}
	return Undefined
}

// CallWrap routes a call through the poison and resolution machinery. The
// callable and every argument may be suspended; the call launches once all
// of them settle. A poisoned callable or argument skips the call and returns
// the aggregated poison with errCtx attached. The synchronous fast path
// returns a concrete value when nothing needed awaiting.
func CallWrap(ctx context.Context, callable any, name string, args []any, errCtx string) any {
	if p, ok := callable.(*Poison); ok {
		return p.WithContext(errCtx)
	}
	if allConcrete(callable, args) {
		return invoke(ctx, callable, name, args, errCtx)
	}
	return Go(ctx, func(ctx context.Context) (any, error) {
		c := ResolveSingle(ctx, callable)
		resolved := ResolveAll(ctx, args)
		if IsPoison(c) || IsPoison(resolved) {
			var failed []any
			if IsPoison(c) {
				failed = append(failed, c)
			}
			if IsPoison(resolved) {
				failed = append(failed, resolved)
			}
			return NewPoison(failed).WithContext(errCtx), nil
		}
		return invoke(ctx, c, name, resolved.([]any), errCtx), nil
	})
}

func allConcrete(callable any, args []any) bool {
	if !isConcrete(callable) {
		return false
	}
	for _, a := range args {
		if !isConcrete(a) && !IsPoison(a) {
			return false
		}
	}
	return true
}

// invoke performs the settled call. Poisoned arguments aggregate and skip
// the call entirely.
func invoke(ctx context.Context, callable any, name string, args []any, errCtx string) any {
	var poisoned []any
	for _, a := range args {
		if IsPoison(a) {
			poisoned = append(poisoned, a)
		}
	}
	if poisoned != nil {
		return NewPoison(poisoned).WithContext(errCtx)
	}
	out, err := callAny(ctx, callable, name, args)
	if err != nil {
		return NewPoison(AsError(err).WithContext(errCtx))
	}
	return out
}

// callAny dispatches to a Callable, a context-taking function value, or an
// arbitrary Go function via reflection.
func callAny(ctx context.Context, callable any, name string, args []any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredError(r)
		}
	}()
	switch f := callable.(type) {
	case Callable:
		return f.Call(ctx, args)
	case func(ctx context.Context, args []any) (any, error):
		return f(ctx, args)
	case func(args []any) (any, error):
		return f(args)
	}
	rv := reflect.ValueOf(callable)
	if !rv.IsValid() || rv.Kind() != reflect.Func {
		return nil, newDataflowError("%s is not callable (%T)", callableLabel(name, callable), callable)
	}
	return callReflected(ctx, rv, name, args)
}

func callableLabel(name string, callable any) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%T", callable)
}

// callReflected adapts a plain Go function. A leading context.Context
// parameter receives the render context; variadic tails expand; one or two
// results are accepted, the second of which must be an error.
func callReflected(ctx context.Context, fn reflect.Value, name string, args []any) (any, error) {
	ft := fn.Type()
	in := make([]reflect.Value, 0, ft.NumIn())
	offset := 0
	if ft.NumIn() > 0 && ft.In(0) == reflect.TypeOf((*context.Context)(nil)).Elem() {
		in = append(in, reflect.ValueOf(ctx))
		offset = 1
	}
	want := ft.NumIn() - offset
	if ft.IsVariadic() {
		if len(args) < want-1 {
			return nil, newDataflowError("%s expects at least %d arguments, got %d", callableLabel(name, nil), want-1, len(args))
		}
	} else if len(args) != want {
		return nil, newDataflowError("%s expects %d arguments, got %d", callableLabel(name, nil), want, len(args))
	}
	for i, a := range args {
		var pt reflect.Type
		if ft.IsVariadic() && i+offset >= ft.NumIn()-1 {
			pt = ft.In(ft.NumIn() - 1).Elem()
		} else {
			pt = ft.In(i + offset)
		}
		av, err := adaptArg(a, pt)
		if err != nil {
			return nil, newDataflowError("%s argument %d: %v", callableLabel(name, nil), i+1, err)
		}
		in = append(in, av)
	}
	results := fn.Call(in)
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		if ft.Out(0) == reflect.TypeOf((*error)(nil)).Elem() {
			if e, _ := results[0].Interface().(error); e != nil {
				return nil, e
			}
			return nil, nil
		}
		return results[0].Interface(), nil
	case 2:
		var callErr error
		if e, _ := results[1].Interface().(error); e != nil {
			callErr = e
		}
		return results[0].Interface(), callErr
	}
	return nil, newDataflowError("%s returns too many values", callableLabel(name, nil))
}

func adaptArg(a any, pt reflect.Type) (reflect.Value, error) {
	if a == nil || IsUndefined(a) {
		return reflect.Zero(pt), nil
	}
	av := reflect.ValueOf(a)
	if av.Type().AssignableTo(pt) {
		return av, nil
	}
	if av.Type().ConvertibleTo(pt) {
		return av.Convert(pt), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", a, pt)
}

// MemberLookup routes member access through the poison machinery. Poison
// targets pass through, suspended targets defer the lookup, and missing
// members resolve to Undefined per template convention.
func MemberLookup(ctx context.Context, target, key any, errCtx string) any {
	if p, ok := target.(*Poison); ok {
		return p.WithContext(errCtx)
	}
	if p, ok := key.(*Poison); ok {
		return p.WithContext(errCtx)
	}
	if f, ok := target.(*Future); ok {
		return f.Then(func(v any) (any, error) {
			return MemberLookup(ctx, v, key, errCtx), nil
		})
	}
	if f, ok := key.(*Future); ok {
		return f.Then(func(k any) (any, error) {
			return MemberLookup(ctx, target, k, errCtx), nil
		})
	}
	return memberOf(target, key)
}

func memberOf(target, key any) any {
	switch t := target.(type) {
	case nil, undefined:
		return Undefined
	case *Dict:
		if v, ok := t.Get(stringify(key)); ok {
			return v
		}
		return Undefined
	case *List:
		if i, ok := toIndex(key); ok {
			return t.At(i)
		}
		return Undefined
	case map[string]any:
		if v, ok := t[stringify(key)]; ok {
			return v
		}
		return Undefined
	case []any:
		if i, ok := toIndex(key); ok {
			if i < 0 {
				i += len(t)
			}
			if i >= 0 && i < len(t) {
				return t[i]
			}
		}
		return Undefined
	case string:
		if i, ok := toIndex(key); ok {
			runes := []rune(t)
			if i < 0 {
				i += len(runes)
			}
			if i >= 0 && i < len(runes) {
				return string(runes[i])
			}
		}
		return Undefined
	case LookupTarget:
		if v, ok := t.Member(stringify(key)); ok {
			return v
		}
		return Undefined
	case KV:
		switch stringify(key) {
		case "key":
			return t.Key
		case "value":
			return t.Value
		}
		return Undefined
	}
	return reflectMember(target, stringify(key))
}

// reflectMember exposes exported struct fields and methods of host values.
// Methods bind the receiver and go through the call plumbing when invoked.
func reflectMember(target any, key string) any {
	rv := reflect.ValueOf(target)
	if !rv.IsValid() {
		return Undefined
	}
	if m := rv.MethodByName(exportedName(key)); m.IsValid() {
		return m.Interface()
	}
	base := rv
	for base.Kind() == reflect.Pointer {
		if base.IsNil() {
			return Undefined
		}
		base = base.Elem()
	}
	if base.Kind() == reflect.Struct {
		if f := base.FieldByName(exportedName(key)); f.IsValid() && f.CanInterface() {
			return f.Interface()
		}
	}
	if base.Kind() == reflect.Map && base.Type().Key().Kind() == reflect.String {
		v := base.MapIndex(reflect.ValueOf(key))
		if v.IsValid() {
			return v.Interface()
		}
	}
	return Undefined
}

// exportedName maps a template-side member name onto Go's exported-name
// convention.
func exportedName(key string) string {
	if key == "" {
		return key
	}
	return strings.ToUpper(key[:1]) + key[1:]
}

func toIndex(key any) (int, bool) {
	switch k := key.(type) {
	case int:
		return k, true
	case int64:
		return int(k), true
	case float64:
		if k == float64(int(k)) {
			return int(k), true
		}
	case string:
		n, ok := toNumber(k)
		if ok && n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// MemberLookupSequenced is MemberLookup under a sequence lock: the access
// becomes a reader (or, when repair is set on a writer path, a repairing
// writer) on the lock chain, so it observes every prior writer's effect.
func MemberLookupSequenced(ctx context.Context, frame *Frame, target, key any, waitKey, writeKey, readKey, errCtx string, repair bool) any {
	return WithSequenceLocks(ctx, frame, waitKey, writeKey, readKey, func(ctx context.Context) (any, error) {
		return MemberLookup(ctx, target, key, errCtx), nil
	}, errCtx, repair, LockRead)
}

// CallWrapSequenced is CallWrap as a sequential writer on a lock path:
// the call begins only after the prior writer and all pending readers
// settle, and the next operation on the path waits for it.
func CallWrapSequenced(ctx context.Context, frame *Frame, callable any, name string, args []any, waitKey, writeKey, readKey, errCtx string, repair bool) any {
	return WithSequenceLocks(ctx, frame, waitKey, writeKey, readKey, func(ctx context.Context) (any, error) {
		return CallWrap(ctx, callable, name, args, errCtx), nil
	}, errCtx, repair, LockWrite)
}

// ApplyFilter resolves the input and arguments, then invokes the named
// filter through the same poison-aware call path as any other callable.
func (rt *Runtime) ApplyFilter(ctx context.Context, name string, input any, args []any, errCtx string) any {
	filter, ok := rt.Env.filter(name)
	if !ok {
		return NewPoison(newDataflowError("unknown filter %q", name).WithContext(errCtx))
	}
	return CallWrap(ctx, filter, "filter:"+name, append([]any{input}, args...), errCtx)
}
