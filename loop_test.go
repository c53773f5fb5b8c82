package cascada

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func collectItems(t *testing.T, out *Buffer) string {
	t.Helper()
	text, errs := out.Flatten(context.Background(), newTestRC(nil))
	if len(errs) != 0 {
		t.Fatalf("unexpected flatten errors: %v", errs)
	}
	return text
}

func TestRunLoopParallel(t *testing.T) {
	ctx := context.Background()

	t.Run("Output Holds Source Order", func(t *testing.T) {
		out := NewBuffer()
		body := func(_ context.Context, item any, info *LoopInfo, buf *Buffer) error {
			if info.Index0 == 0 {
				time.Sleep(5 * time.Millisecond)
			}
			buf.Append(stringify(item))
			buf.Append(",")
			return nil
		}
		res := RunLoop(ctx, NewList("a", "b", "c"), LoopOptions{Name: "t"}, body, nil, out)
		if res != nil {
			t.Fatalf("unexpected result: %v", res)
		}
		if got := collectItems(t, out); got != "a,b,c," {
			t.Errorf("got %q", got)
		}
	})

	t.Run("Body Errors Do Not Stop Peers", func(t *testing.T) {
		out := NewBuffer()
		var ran int32
		body := func(_ context.Context, item any, _ *LoopInfo, _ *Buffer) error {
			atomic.AddInt32(&ran, 1)
			if item == 2 {
				return NewError("two broke")
			}
			return nil
		}
		res := RunLoop(ctx, []any{1, 2, 3}, LoopOptions{}, body, nil, out)
		p, ok := res.(*Poison)
		if !ok {
			t.Fatalf("expected poison, got %T", res)
		}
		if atomic.LoadInt32(&ran) != 3 {
			t.Errorf("all iterations should run, ran %d", ran)
		}
		if p.Errors()[0].Message != "two broke" {
			t.Errorf("unexpected errors: %v", p.Errors())
		}
	})

	t.Run("Sized Metadata Is Concrete", func(t *testing.T) {
		out := NewBuffer()
		var mu sync.Mutex
		infos := make(map[int]*LoopInfo)
		body := func(_ context.Context, _ any, info *LoopInfo, _ *Buffer) error {
			mu.Lock()
			infos[info.Index0] = info
			mu.Unlock()
			return nil
		}
		if res := RunLoop(ctx, []any{"x", "y", "z"}, LoopOptions{}, body, nil, out); res != nil {
			t.Fatal(res)
		}
		last := infos[2]
		if last.Index != 3 || last.Last != true || last.Length != 3 || last.Revindex != 1 || last.Revindex0 != 0 {
			t.Errorf("unexpected metadata: %+v", last)
		}
		first := infos[0]
		if !first.First || first.Revindex != 3 {
			t.Errorf("unexpected first metadata: %+v", first)
		}
	})
}

func TestRunLoopBounded(t *testing.T) {
	ctx := context.Background()

	t.Run("In-Flight Never Exceeds Limit", func(t *testing.T) {
		// S4: 1024 items, cap 5.
		items := make([]any, 1024)
		for i := range items {
			items[i] = i
		}
		var inFlight, maxSeen, total int64
		body := func(_ context.Context, _ any, _ *LoopInfo, _ *Buffer) error {
			cur := atomic.AddInt64(&inFlight, 1)
			for {
				prev := atomic.LoadInt64(&maxSeen)
				if cur <= prev || atomic.CompareAndSwapInt64(&maxSeen, prev, cur) {
					break
				}
			}
			if cur%50 == 0 {
				time.Sleep(time.Millisecond)
			}
			atomic.AddInt64(&total, 1)
			atomic.AddInt64(&inFlight, -1)
			return nil
		}
		res := RunLoop(ctx, items, LoopOptions{Limit: 5}, body, nil, NewBuffer())
		if res != nil {
			t.Fatalf("unexpected result: %v", res)
		}
		if maxSeen > 5 {
			t.Errorf("in-flight exceeded limit: %d", maxSeen)
		}
		if total != 1024 {
			t.Errorf("processed %d of 1024", total)
		}
	})

	t.Run("Bounded Sized Loop Preserves Full Metadata", func(t *testing.T) {
		var mu sync.Mutex
		var lasts []any
		body := func(_ context.Context, _ any, info *LoopInfo, _ *Buffer) error {
			mu.Lock()
			defer mu.Unlock()
			if info.Last == true {
				lasts = append(lasts, info.Index)
			}
			if info.Length != 4 {
				t.Errorf("length lost under bound: %v", info.Length)
			}
			return nil
		}
		if res := RunLoop(ctx, []any{1, 2, 3, 4}, LoopOptions{Limit: 2}, body, nil, NewBuffer()); res != nil {
			t.Fatal(res)
		}
		if len(lasts) != 1 || lasts[0] != 4 {
			t.Errorf("unexpected last markers: %v", lasts)
		}
	})

	t.Run("Async Source Reads Stay Bounded", func(t *testing.T) {
		var outstanding, maxOutstanding int64
		n := 0
		src := func(_ context.Context) (any, bool, error) {
			cur := atomic.AddInt64(&outstanding, 1)
			for {
				prev := atomic.LoadInt64(&maxOutstanding)
				if cur <= prev || atomic.CompareAndSwapInt64(&maxOutstanding, prev, cur) {
					break
				}
			}
			defer atomic.AddInt64(&outstanding, -1)
			if n >= 20 {
				return nil, false, nil
			}
			n++
			return n, true, nil
		}
		body := func(_ context.Context, _ any, _ *LoopInfo, _ *Buffer) error {
			time.Sleep(time.Millisecond)
			return nil
		}
		if res := RunLoop(ctx, src, LoopOptions{Limit: 3}, body, nil, NewBuffer()); res != nil {
			t.Fatal(res)
		}
		if maxOutstanding > 3 {
			t.Errorf("outstanding reads exceeded limit: %d", maxOutstanding)
		}
	})
}

func TestRunLoopSequential(t *testing.T) {
	ctx := context.Background()

	t.Run("Limit One Forces Strict Ordering", func(t *testing.T) {
		var order []int
		body := func(_ context.Context, item any, _ *LoopInfo, _ *Buffer) error {
			if item == 1 {
				time.Sleep(3 * time.Millisecond)
			}
			order = append(order, item.(int))
			return nil
		}
		if res := RunLoop(ctx, []any{1, 2, 3}, LoopOptions{Limit: 1}, body, nil, NewBuffer()); res != nil {
			t.Fatal(res)
		}
		for i, v := range order {
			if v != i+1 {
				t.Fatalf("out of order: %v", order)
			}
		}
	})

	t.Run("Forced Sequential Collects Errors In Order", func(t *testing.T) {
		body := func(_ context.Context, item any, _ *LoopInfo, _ *Buffer) error {
			return NewError(fmt.Sprintf("iteration %v", item))
		}
		res := RunLoop(ctx, []any{1, 2}, LoopOptions{Sequential: true}, body, nil, NewBuffer())
		p, ok := res.(*Poison)
		if !ok {
			t.Fatalf("expected poison, got %T", res)
		}
		errs := p.Errors()
		if len(errs) != 2 || errs[0].Message != "iteration 1" || errs[1].Message != "iteration 2" {
			t.Errorf("unexpected errors: %v", errs)
		}
	})
}

func TestRunLoopValidation(t *testing.T) {
	ctx := context.Background()
	neverBody := func(_ context.Context, _ any, _ *LoopInfo, _ *Buffer) error {
		t.Error("body must not run for invalid limits")
		return nil
	}
	neverElse := func(_ context.Context, _ *Buffer) error {
		t.Error("else must not run for invalid limits")
		return nil
	}

	invalid := []struct {
		name  string
		limit any
	}{
		{"negative", -1},
		{"nan", math.NaN()},
		{"infinity", math.Inf(1)},
		{"fractional", 2.5},
		{"string", "five"},
		{"future of invalid", Resolved(-3)},
		{"poison", NewPoison(NewError("limit failed"))},
	}
	for _, tc := range invalid {
		t.Run("Rejects "+tc.name, func(t *testing.T) {
			res := RunLoop(ctx, []any{1}, LoopOptions{Limit: tc.limit}, neverBody, neverElse, NewBuffer())
			if !IsPoison(res) {
				t.Errorf("expected poison for %v, got %v", tc.limit, res)
			}
		})
	}

	unbounded := []struct {
		name  string
		limit any
	}{
		{"zero", 0},
		{"nil", nil},
		{"undefined", Undefined},
		{"future of zero", Resolved(0)},
	}
	for _, tc := range unbounded {
		t.Run("Accepts "+tc.name+" As Unbounded", func(t *testing.T) {
			ran := false
			body := func(_ context.Context, _ any, _ *LoopInfo, _ *Buffer) error {
				ran = true
				return nil
			}
			if res := RunLoop(ctx, []any{1}, LoopOptions{Limit: tc.limit}, body, nil, NewBuffer()); res != nil {
				t.Fatalf("unexpected result: %v", res)
			}
			if !ran {
				t.Error("body should have run")
			}
		})
	}
}

func TestRunLoopObjects(t *testing.T) {
	ctx := context.Background()

	t.Run("Two Variables Receive Key And Value", func(t *testing.T) {
		d := NewDict()
		d.Set("a", 1)
		d.Set("b", 2)
		out := NewBuffer()
		body := func(_ context.Context, item any, _ *LoopInfo, buf *Buffer) error {
			kv := item.(KV)
			buf.Append(kv.Key + "=" + stringify(kv.Value) + ";")
			return nil
		}
		if res := RunLoop(ctx, d, LoopOptions{TwoVars: true, Sequential: true}, body, nil, out); res != nil {
			t.Fatal(res)
		}
		if got := collectItems(t, out); got != "a=1;b=2;" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("One Variable Object Iteration Fails", func(t *testing.T) {
		res := RunLoop(ctx, NewDict(), LoopOptions{TwoVars: false}, func(context.Context, any, *LoopInfo, *Buffer) error { return nil }, nil, NewBuffer())
		p, ok := res.(*Poison)
		if !ok {
			t.Fatalf("expected poison, got %T", res)
		}
		if p.Errors()[0].Kind != KindDataflow {
			t.Errorf("expected dataflow kind, got %v", p.Errors()[0].Kind)
		}
	})

	t.Run("Object Metadata Present Without Limit", func(t *testing.T) {
		d := NewDict()
		d.Set("only", 1)
		body := func(_ context.Context, _ any, info *LoopInfo, _ *Buffer) error {
			if info.Length != 1 || info.Last != true {
				t.Errorf("object loop should carry metadata: %+v", info)
			}
			return nil
		}
		if res := RunLoop(ctx, d, LoopOptions{TwoVars: true}, body, nil, NewBuffer()); res != nil {
			t.Fatal(res)
		}
	})
}

func TestRunLoopAsyncMetadata(t *testing.T) {
	ctx := context.Background()

	streamOf := func(vals ...any) func(context.Context) (any, bool, error) {
		i := 0
		return func(context.Context) (any, bool, error) {
			if i >= len(vals) {
				return nil, false, nil
			}
			v := vals[i]
			i++
			return v, true, nil
		}
	}

	t.Run("Length And Last Settle At Stream End", func(t *testing.T) {
		var mu sync.Mutex
		infos := make([]*LoopInfo, 0, 3)
		body := func(_ context.Context, _ any, info *LoopInfo, _ *Buffer) error {
			mu.Lock()
			infos = append(infos, info)
			mu.Unlock()
			return nil
		}
		if res := RunLoop(ctx, streamOf("a", "b", "c"), LoopOptions{Sequential: true}, body, nil, NewBuffer()); res != nil {
			t.Fatal(res)
		}
		if got := ResolveSingle(ctx, infos[0].Length); got != 3 {
			t.Errorf("length should settle to 3, got %v", got)
		}
		if got := ResolveSingle(ctx, infos[2].Last); got != true {
			t.Errorf("final last should be true, got %v", got)
		}
		if got := ResolveSingle(ctx, infos[0].Last); got != false {
			t.Errorf("first last should be false, got %v", got)
		}
		if got := ResolveSingle(ctx, infos[1].Revindex); got != 2 {
			t.Errorf("revindex should settle to 2, got %v", got)
		}
	})

	t.Run("Limit One Stream Is While-Like", func(t *testing.T) {
		body := func(_ context.Context, _ any, info *LoopInfo, _ *Buffer) error {
			if !IsUndefined(info.Length) || !IsUndefined(info.Last) {
				t.Errorf("while-like loop should carry no metadata: %+v", info)
			}
			return nil
		}
		if res := RunLoop(ctx, streamOf(1, 2), LoopOptions{Limit: 1}, body, nil, NewBuffer()); res != nil {
			t.Fatal(res)
		}
	})
}

func TestRunLoopElse(t *testing.T) {
	ctx := context.Background()

	t.Run("Runs On Empty Source", func(t *testing.T) {
		out := NewBuffer()
		elseFn := func(_ context.Context, buf *Buffer) error {
			buf.Append("nothing")
			return nil
		}
		if res := RunLoop(ctx, []any{}, LoopOptions{}, func(context.Context, any, *LoopInfo, *Buffer) error { return nil }, elseFn, out); res != nil {
			t.Fatal(res)
		}
		if got := collectItems(t, out); got != "nothing" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("Skipped When Iterations Ran", func(t *testing.T) {
		ran := false
		elseFn := func(context.Context, *Buffer) error { ran = true; return nil }
		RunLoop(ctx, []any{1}, LoopOptions{}, func(context.Context, any, *LoopInfo, *Buffer) error { return nil }, elseFn, NewBuffer())
		if ran {
			t.Error("else ran despite iterations")
		}
	})

	t.Run("Skipped When Source Itself Fails", func(t *testing.T) {
		ran := false
		src := func(context.Context) (any, bool, error) { return nil, false, NewError("source broke") }
		elseFn := func(context.Context, *Buffer) error { ran = true; return nil }
		res := RunLoop(ctx, src, LoopOptions{}, func(context.Context, any, *LoopInfo, *Buffer) error { return nil }, elseFn, NewBuffer())
		if ran {
			t.Error("else ran despite source error")
		}
		if !IsPoison(res) {
			t.Error("source error should poison the loop")
		}
	})
}

func TestRunLoopYieldedErrors(t *testing.T) {
	ctx := context.Background()
	yielded := NewError("yielded, not thrown")
	var seen any
	body := func(_ context.Context, item any, _ *LoopInfo, _ *Buffer) error {
		seen = item
		return nil
	}
	if res := RunLoop(ctx, []any{yielded}, LoopOptions{}, body, nil, NewBuffer()); res != nil {
		t.Fatalf("yielded errors poison the item, not the loop: %v", res)
	}
	if !IsPoison(seen) {
		t.Fatalf("body should observe poison, got %T", seen)
	}
	if !IsErrorValue(seen) {
		t.Error("is-error predicate should hold")
	}
}
