package cascada

import (
	"context"
	"math"
	"sync"

	"github.com/zoobzio/capitan"
)

// LoopInfo is the per-iteration metadata exposed to loop bodies. Index is
// 1-based. For sized sources every field is concrete. For async sources
// Length, Last, Revindex and Revindex0 are futures that settle when the
// stream closes (Last settles earlier, as soon as the next item arrives);
// with a concurrency limit of 1 an async loop is while-like and those fields
// are Undefined.
type LoopInfo struct {
	Last      any
	Length    any
	Revindex  any
	Revindex0 any
	Index     int
	Index0    int
	First     bool
}

// LoopBody runs one iteration. Object loops receive the item as a KV.
// out is the iteration's own buffer node; writing to it never races with
// sibling iterations.
type LoopBody func(ctx context.Context, item any, info *LoopInfo, out *Buffer) error

// LoopElse runs when the loop had nothing to do: no iteration ran and the
// source itself raised no error.
type LoopElse func(ctx context.Context, out *Buffer) error

// LoopOptions configures one loop execution.
type LoopOptions struct {
	// Limit is the `of` expression: a concurrency cap that may still be
	// suspended. 0, nil and undefined mean unbounded.
	Limit any
	// Name labels the loop in signals.
	Name string
	// TwoVars is set when the loop declares two variables. Object sources
	// require it.
	TwoVars bool
	// Sequential forces strict one-at-a-time execution. The compiler sets
	// it when the body writes an enclosing variable or uses a sequence lock
	// on a path visible outside the loop.
	Sequential bool
}

// RunLoop drives a loop over src in parallel, bounded, or sequential mode,
// appending each iteration's output to its own child of out in source
// order. It returns nil on success or a poison aggregating every error from
// the limit validation, the source, and the iterations.
func RunLoop(ctx context.Context, src any, opts LoopOptions, body LoopBody, elseFn LoopElse, out *Buffer) any {
	src = ResolveSingle(ctx, src)
	if p, ok := src.(*Poison); ok {
		return p
	}

	// The limit validates before any iteration or else branch runs.
	limit, perr := validateConcurrency(ctx, opts.Limit)
	if perr != nil {
		capitan.Warn(ctx, SignalLoopInvalidLimit,
			FieldName.Field(opts.Name),
			FieldInvalidLimit.Field(stringify(opts.Limit)),
		)
		return perr
	}

	source, serr := newLoopSource(src)
	if serr != nil {
		return NewPoison(serr)
	}
	if source.object && !opts.TwoVars {
		return NewPoison(newDataflowError("object iteration requires two loop variables"))
	}

	sequential := opts.Sequential || limit == 1
	mode := "parallel"
	switch {
	case sequential:
		mode = "sequential"
		if !opts.Sequential {
			capitan.Info(ctx, SignalLoopFellSequential,
				FieldName.Field(opts.Name),
				FieldSequentialWhy.Field("limit=1"),
			)
		}
	case limit > 0:
		mode = "bounded"
	}
	capitan.Info(ctx, SignalLoopStarted,
		FieldName.Field(opts.Name),
		FieldLoopMode.Field(mode),
		FieldConcurrency.Field(limit),
		FieldSourceKind.Field(source.kind),
	)

	var result any
	switch {
	case sequential:
		result = runSequential(ctx, source, limit, body, elseFn, out)
	case limit > 0:
		result = runBounded(ctx, source, limit, opts.Name, body, elseFn, out)
	default:
		result = runParallel(ctx, source, body, elseFn, out)
	}
	capitan.Info(ctx, SignalLoopCompleted,
		FieldName.Field(opts.Name),
		FieldLoopMode.Field(mode),
	)
	return result
}

// validateConcurrency resolves and checks an `of` expression. Positive
// finite integers bound the loop; 0, nil and undefined mean unbounded.
// Everything else poisons the loop before it starts.
func validateConcurrency(ctx context.Context, limit any) (int, *Poison) {
	v := ResolveSingle(ctx, limit)
	switch t := v.(type) {
	case *Poison:
		return 0, t
	case nil, undefined:
		return 0, nil
	case int:
		if t < 0 {
			return 0, NewPoison(newDataflowError("invalid concurrency limit %d", t))
		}
		return t, nil
	case int64:
		if t < 0 {
			return 0, NewPoison(newDataflowError("invalid concurrency limit %d", t))
		}
		return int(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 || t != math.Trunc(t) {
			return 0, NewPoison(newDataflowError("invalid concurrency limit %v", t))
		}
		return int(t), nil
	case float32:
		return validateConcurrency(ctx, float64(t))
	}
	return 0, NewPoison(newDataflowError("invalid concurrency limit %v (%T)", v, v))
}

// prepareItem converts a yielded bare error value into poison before the
// body observes it, so iterations can test with the error predicate instead
// of crashing on a value nobody threw.
func prepareItem(item any) any {
	if IsPoison(item) {
		return item
	}
	if kv, ok := item.(KV); ok {
		if err, isErr := kv.Value.(error); isErr && !IsPoison(kv.Value) {
			kv.Value = NewPoison(err)
		}
		return kv
	}
	if err, ok := item.(error); ok {
		return NewPoison(err)
	}
	return item
}

// sizedInfo builds concrete metadata for a known-length source.
func sizedInfo(i, n int) *LoopInfo {
	return &LoopInfo{
		Index:     i + 1,
		Index0:    i,
		First:     i == 0,
		Last:      i == n-1,
		Length:    n,
		Revindex:  n - i,
		Revindex0: n - i - 1,
	}
}

// asyncTracker hands out future-backed metadata for stream loops and
// settles it as the stream advances and closes.
type asyncTracker struct {
	length  *Future
	entries []*asyncEntry
	// whileLike drops the metadata entirely (bounded N==1 stream loops).
	whileLike bool
}

type asyncEntry struct {
	last, rev, rev0 *Future
}

func newAsyncTracker(whileLike bool) *asyncTracker {
	return &asyncTracker{length: NewFuture(), whileLike: whileLike}
}

func (t *asyncTracker) info(i int) *LoopInfo {
	if t.whileLike {
		return &LoopInfo{
			Index:     i + 1,
			Index0:    i,
			First:     i == 0,
			Last:      Undefined,
			Length:    Undefined,
			Revindex:  Undefined,
			Revindex0: Undefined,
		}
	}
	// The previous iteration is now known not to be the last one.
	if i > 0 {
		t.entries[i-1].last.Resolve(false)
	}
	e := &asyncEntry{last: NewFuture(), rev: NewFuture(), rev0: NewFuture()}
	t.entries = append(t.entries, e)
	return &LoopInfo{
		Index:     i + 1,
		Index0:    i,
		First:     i == 0,
		Last:      e.last,
		Length:    t.length,
		Revindex:  e.rev,
		Revindex0: e.rev0,
	}
}

// close settles the remaining metadata. A source failure poisons anything
// the stream never got far enough to decide.
func (t *asyncTracker) close(n int, srcErr *Error) {
	if t.whileLike {
		return
	}
	if srcErr != nil {
		p := NewPoison(srcErr)
		t.length.Resolve(p)
		for _, e := range t.entries {
			e.last.Resolve(p)
			e.rev.Resolve(p)
			e.rev0.Resolve(p)
		}
		return
	}
	t.length.Resolve(n)
	for i, e := range t.entries {
		e.last.Resolve(i == n-1)
		e.rev.Resolve(n - i)
		e.rev0.Resolve(n - i - 1)
	}
}

type loopErrors struct {
	mu   sync.Mutex
	errs []any
}

func (l *loopErrors) add(v any) {
	if v == nil {
		return
	}
	l.mu.Lock()
	l.errs = append(l.errs, v)
	l.mu.Unlock()
}

func (l *loopErrors) result() any {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) == 0 {
		return nil
	}
	return NewPoison(l.errs)
}

func runBody(ctx context.Context, body LoopBody, item any, info *LoopInfo, out *Buffer, errs *loopErrors) {
	defer func() {
		if r := recover(); r != nil {
			errs.add(recoveredError(r))
		}
	}()
	if err := body(ctx, prepareItem(item), info, out); err != nil {
		errs.add(err)
	}
}

func runSequential(ctx context.Context, source *loopSource, limit int, body LoopBody, elseFn LoopElse, out *Buffer) any {
	errs := &loopErrors{}
	tracker := newAsyncTracker(limit == 1 && source.length < 0)
	i := 0
	var srcErr *Error
	for {
		item, ok, err := source.it.Next(ctx)
		if err != nil {
			srcErr = AsError(err)
			errs.add(srcErr)
			break
		}
		if !ok {
			break
		}
		var info *LoopInfo
		if source.length >= 0 {
			info = sizedInfo(i, source.length)
		} else {
			info = tracker.info(i)
		}
		runBody(ctx, body, item, info, out.Child(), errs)
		i++
	}
	if source.length < 0 {
		tracker.close(i, srcErr)
	}
	return finishLoop(ctx, i, srcErr, errs, elseFn, out)
}

func runParallel(ctx context.Context, source *loopSource, body LoopBody, elseFn LoopElse, out *Buffer) any {
	errs := &loopErrors{}
	tracker := newAsyncTracker(false)
	var wg sync.WaitGroup
	i := 0
	var srcErr *Error
	for {
		item, ok, err := source.it.Next(ctx)
		if err != nil {
			srcErr = AsError(err)
			errs.add(srcErr)
			break
		}
		if !ok {
			break
		}
		var info *LoopInfo
		if source.length >= 0 {
			info = sizedInfo(i, source.length)
		} else {
			info = tracker.info(i)
		}
		child := out.Child()
		wg.Add(1)
		go func(item any, info *LoopInfo, child *Buffer) {
			defer wg.Done()
			runBody(ctx, body, item, info, child, errs)
		}(item, info, child)
		i++
	}
	if source.length < 0 {
		tracker.close(i, srcErr)
	}
	wg.Wait()
	return finishLoop(ctx, i, srcErr, errs, elseFn, out)
}

// runBounded caps in-flight iterations with a semaphore. The admission slot
// is acquired before the next item is read, so an async source never has
// more than the cap outstanding.
func runBounded(ctx context.Context, source *loopSource, limit int, name string, body LoopBody, elseFn LoopElse, out *Buffer) any {
	errs := &loopErrors{}
	tracker := newAsyncTracker(false)
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	i := 0
	var srcErr *Error
	for {
		if len(sem) == cap(sem) {
			capitan.Warn(ctx, SignalLoopSaturated,
				FieldName.Field(name),
				FieldConcurrency.Field(limit),
				FieldIterations.Field(i),
			)
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			srcErr = newCancelledError("loop interrupted: " + ctx.Err().Error())
			errs.add(srcErr)
		}
		if srcErr != nil {
			break
		}
		item, ok, err := source.it.Next(ctx)
		if err != nil {
			<-sem
			srcErr = AsError(err)
			errs.add(srcErr)
			break
		}
		if !ok {
			<-sem
			break
		}
		var info *LoopInfo
		if source.length >= 0 {
			info = sizedInfo(i, source.length)
		} else {
			info = tracker.info(i)
		}
		child := out.Child()
		wg.Add(1)
		go func(item any, info *LoopInfo, child *Buffer) {
			defer wg.Done()
			defer func() { <-sem }()
			runBody(ctx, body, item, info, child, errs)
		}(item, info, child)
		i++
	}
	if source.length < 0 {
		tracker.close(i, srcErr)
	}
	wg.Wait()
	return finishLoop(ctx, i, srcErr, errs, elseFn, out)
}

// finishLoop applies the else semantics and folds the collected errors. The
// else branch runs only when nothing iterated and the source itself did not
// fail.
func finishLoop(ctx context.Context, iterations int, srcErr *Error, errs *loopErrors, elseFn LoopElse, out *Buffer) any {
	if iterations == 0 && srcErr == nil && elseFn != nil {
		child := out.Child()
		func() {
			defer func() {
				if r := recover(); r != nil {
					errs.add(recoveredError(r))
				}
			}()
			if err := elseFn(ctx, child); err != nil {
				errs.add(err)
			}
		}()
	}
	return errs.result()
}
