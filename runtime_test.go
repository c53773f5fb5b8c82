package cascada

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCallWrap(t *testing.T) {
	ctx := context.Background()

	t.Run("Synchronous Fast Path", func(t *testing.T) {
		fn := NewFunction("add", func(_ context.Context, args []any) (any, error) {
			return args[0].(int) + args[1].(int), nil
		})
		got := CallWrap(ctx, fn, "add", []any{1, 2}, "FunCall(add)")
		if got != 3 {
			t.Errorf("expected 3, got %v (%T)", got, got)
		}
	})

	t.Run("Suspended Arguments Defer The Call", func(t *testing.T) {
		fn := NewFunction("concat", func(_ context.Context, args []any) (any, error) {
			return stringify(args[0]) + stringify(args[1]), nil
		})
		got := CallWrap(ctx, fn, "concat", []any{Resolved("a"), "b"}, "FunCall(concat)")
		f, ok := got.(*Future)
		if !ok {
			t.Fatalf("expected future, got %T", got)
		}
		if v := ResolveSingle(ctx, f); v != "ab" {
			t.Errorf("got %v", v)
		}
	})

	t.Run("Poisoned Callable Short-Circuits", func(t *testing.T) {
		p := NewPoison(NewError("no function"))
		if got := CallWrap(ctx, p, "f", nil, "FunCall(f)"); got != p {
			t.Error("poison should pass through")
		}
	})

	t.Run("Poisoned Arguments Aggregate And Skip Call", func(t *testing.T) {
		called := false
		fn := NewFunction("f", func(context.Context, []any) (any, error) {
			called = true
			return nil, nil
		})
		got := CallWrap(ctx, fn, "f", []any{NewPoison(NewError("a")), NewPoison(NewError("b"))}, "FunCall(f)")
		if called {
			t.Error("call ran with poisoned arguments")
		}
		p, ok := got.(*Poison)
		if !ok {
			t.Fatalf("expected poison, got %T", got)
		}
		if len(p.Errors()) != 2 {
			t.Errorf("expected both argument errors, got %v", p.Errors())
		}
		if p.Errors()[0].Context != "FunCall(f)" {
			t.Errorf("expected context label, got %q", p.Errors()[0].Context)
		}
	})

	t.Run("Thrown Error Becomes Poison With Context", func(t *testing.T) {
		fn := NewFunction("f", func(context.Context, []any) (any, error) {
			return nil, errors.New("boom")
		})
		got := CallWrap(ctx, fn, "f", nil, "FunCall(f)")
		p, ok := got.(*Poison)
		if !ok {
			t.Fatalf("expected poison, got %T", got)
		}
		if p.Errors()[0].Message != "boom" || p.Errors()[0].Context != "FunCall(f)" {
			t.Errorf("unexpected error: %+v", p.Errors()[0])
		}
	})

	t.Run("Non-Callable Is A Dataflow Error", func(t *testing.T) {
		got := CallWrap(ctx, 42, "n", nil, "FunCall(n)")
		p, ok := got.(*Poison)
		if !ok {
			t.Fatalf("expected poison, got %T", got)
		}
		if p.Errors()[0].Kind != KindDataflow {
			t.Errorf("expected dataflow kind, got %v", p.Errors()[0].Kind)
		}
	})

	t.Run("Reflected Go Functions", func(t *testing.T) {
		upper := func(s string) string { return strings.ToUpper(s) }
		if got := CallWrap(ctx, upper, "upper", []any{"hi"}, "FunCall(upper)"); got != "HI" {
			t.Errorf("got %v", got)
		}

		divide := func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, errors.New("division by zero")
			}
			return a / b, nil
		}
		if got := CallWrap(ctx, divide, "div", []any{6, 3}, "FunCall(div)"); got != 2.0 {
			t.Errorf("got %v", got)
		}
		if got := CallWrap(ctx, divide, "div", []any{1, 0}, "FunCall(div)"); !IsPoison(got) {
			t.Errorf("expected poison, got %v", got)
		}
	})

	t.Run("Reflected Context Parameter", func(t *testing.T) {
		fn := func(ctx context.Context, n int) int {
			if ctx == nil {
				t.Error("context not threaded")
			}
			return n * 2
		}
		if got := CallWrap(ctx, fn, "f", []any{21}, ""); got != 42 {
			t.Errorf("got %v", got)
		}
	})

	t.Run("Arity Mismatch", func(t *testing.T) {
		fn := func(a, b int) int { return a + b }
		if got := CallWrap(ctx, fn, "f", []any{1}, ""); !IsPoison(got) {
			t.Errorf("expected poison, got %v", got)
		}
	})
}

func TestMemberLookup(t *testing.T) {
	ctx := context.Background()

	t.Run("Dict Member", func(t *testing.T) {
		d := NewDict()
		d.Set("name", "ada")
		if got := MemberLookup(ctx, d, "name", ""); got != "ada" {
			t.Errorf("got %v", got)
		}
		if got := MemberLookup(ctx, d, "missing", ""); !IsUndefined(got) {
			t.Errorf("expected undefined, got %v", got)
		}
	})

	t.Run("List Index Including Negative", func(t *testing.T) {
		l := NewList("a", "b", "c")
		if got := MemberLookup(ctx, l, 1, ""); got != "b" {
			t.Errorf("got %v", got)
		}
		if got := MemberLookup(ctx, l, -1, ""); got != "c" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("String Index", func(t *testing.T) {
		if got := MemberLookup(ctx, "héllo", 1, ""); got != "é" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("Poison Target Passes Through", func(t *testing.T) {
		p := NewPoison(NewError("x"))
		if got := MemberLookup(ctx, p, "k", "Lookup(k)"); got != p {
			t.Error("expected identical poison")
		}
	})

	t.Run("Suspended Target Defers Lookup", func(t *testing.T) {
		d := NewDict()
		d.Set("id", 7)
		got := MemberLookup(ctx, Resolved(d), "id", "")
		if _, ok := got.(*Future); !ok {
			t.Fatalf("expected future, got %T", got)
		}
		if v := ResolveSingle(ctx, got); v != 7 {
			t.Errorf("got %v", v)
		}
	})

	t.Run("Host Struct Fields And Methods", func(t *testing.T) {
		type user struct {
			Name string
		}
		u := &user{Name: "grace"}
		if got := MemberLookup(ctx, u, "name", ""); got != "grace" {
			t.Errorf("field lookup got %v", got)
		}
		builder := &strings.Builder{}
		m := MemberLookup(ctx, builder, "len", "")
		if got := CallWrap(ctx, m, "len", nil, ""); got != 0 {
			t.Errorf("bound method call got %v", got)
		}
	})

	t.Run("LookupTarget Interface Wins", func(t *testing.T) {
		lt := memberFunc(func(key string) (any, bool) {
			if key == "answer" {
				return 42, true
			}
			return nil, false
		})
		if got := MemberLookup(ctx, lt, "answer", ""); got != 42 {
			t.Errorf("got %v", got)
		}
	})

	t.Run("KV Exposes Key And Value", func(t *testing.T) {
		kv := KV{Key: "k", Value: 1}
		if got := MemberLookup(ctx, kv, "key", ""); got != "k" {
			t.Errorf("got %v", got)
		}
		if got := MemberLookup(ctx, kv, "value", ""); got != 1 {
			t.Errorf("got %v", got)
		}
	})
}

type memberFunc func(key string) (any, bool)

func (m memberFunc) Member(key string) (any, bool) { return m(key) }

func TestContextOrFrameLookup(t *testing.T) {
	env := New()
	env.AddGlobal("site", "cascada")
	rt := &Runtime{Env: env, Frame: NewFrame(), Context: map[string]any{"user": "ada"}}
	rt.Frame.Set("user", "frame-ada", true)

	if got := rt.ContextOrFrameLookup(rt.Frame, "user"); got != "frame-ada" {
		t.Errorf("frame should shadow context: %v", got)
	}
	if got := rt.ContextOrFrameLookup(rt.Frame, "site"); got != "cascada" {
		t.Errorf("global lookup failed: %v", got)
	}
	if got := rt.ContextOrFrameLookup(rt.Frame, "missing"); !IsUndefined(got) {
		t.Errorf("expected undefined, got %v", got)
	}
}

func TestApplyFilter(t *testing.T) {
	ctx := context.Background()
	env := New()
	env.AddFilter("upper", strings.ToUpper)
	rt := &Runtime{Env: env}

	t.Run("Applies Registered Filter", func(t *testing.T) {
		if got := rt.ApplyFilter(ctx, "upper", "abc", nil, "Filter(upper)"); got != "ABC" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("Unknown Filter Poisons", func(t *testing.T) {
		got := rt.ApplyFilter(ctx, "nope", "x", nil, "Filter(nope)")
		if !IsPoison(got) {
			t.Fatalf("expected poison, got %v", got)
		}
	})

	t.Run("Poison Input Skips Filter", func(t *testing.T) {
		p := NewPoison(NewError("upstream"))
		got := rt.ApplyFilter(ctx, "upper", p, nil, "Filter(upper)")
		pp, ok := got.(*Poison)
		if !ok {
			t.Fatalf("expected poison, got %T", got)
		}
		if pp.Errors()[0].Message != "upstream" {
			t.Errorf("unexpected errors: %v", pp.Errors())
		}
	})
}

func TestSequencedWrappers(t *testing.T) {
	ctx := context.Background()
	frame := NewFrame()
	rec := &orderedRecorder{}

	deposit := NewFunction("deposit", func(context.Context, []any) (any, error) {
		rec.add("deposit:begin")
		f := NewFuture()
		go func() {
			time.Sleep(5 * time.Millisecond)
			rec.add("deposit:end")
			f.Resolve("ok")
		}()
		return f, nil
	})

	w := CallWrapSequenced(ctx, frame, deposit, "deposit", nil, "acct", "acct", "acct", "FunCall(deposit)", false)
	target := NewDict()
	target.Set("status", "open")
	r := MemberLookupSequenced(ctx, frame, target, "status", "acct", "acct", "acct", "Lookup(status)", false)

	if v := awaitValue(t, r); v != "open" {
		t.Errorf("reader value: %v", v)
	}
	awaitValue(t, w)
	if rec.index("deposit:end") == -1 {
		t.Fatal("writer never completed")
	}
}
