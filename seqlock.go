package cascada

import (
	"context"

	"github.com/zoobzio/capitan"
)

// LockMode selects which side of a sequence-lock slot an operation occupies.
// Writers execute strictly in issue order; readers run in parallel among
// themselves but fence against writers on the same path.
type LockMode int

const (
	LockWrite LockMode = iota
	LockRead
)

// lockMarker is the completion value a lock chain resolves to on success.
type lockMarker struct{}

var lockCompleted = lockMarker{}

// lockState is a sequence-lock slot: the write chain and the read chain for
// one lock path. Each side is free (nil), held (*Future resolving to the
// completion marker or poison), or poisoned (*Poison). All transitions
// happen under the frame tree's coordination mutex.
type lockState struct {
	write any
	read  any
}

// cancel settles any still-pending chain to poison with a cancelled error.
// Called when the owning frame exits; settlement is idempotent, so a chain
// that completes concurrently keeps its real outcome.
func (s *lockState) cancel(key string) {
	if f, ok := s.write.(*Future); ok {
		f.Resolve(NewPoison(newCancelledError("sequence lock " + key)))
	}
	if f, ok := s.read.(*Future); ok {
		f.Resolve(NewPoison(newCancelledError("sequence lock " + key)))
	}
}

// WithSequenceLocks runs op under the sequence lock identified by waitKey,
// advancing the chains at writeKey/readKey. The keys usually alias the same
// path; they differ when the compiler has resolved an alias chain.
//
// Behavior follows the slot state:
//   - waitKey poisoned and repair false: the poison returns unchanged, op
//     never runs.
//   - waitKey held: op is chained after settlement, on success only unless
//     repair is set.
//   - free with a synchronously completing op: slots update in place and the
//     concrete value returns without scheduling.
//
// Write mode replaces both chains with a new handle; the handle resolves to
// a completion marker on success and to poison on failure, and it vacates
// the slot only while the slot still references it, so a later acquirer is
// never clobbered. Read mode combines the current read chain with the new
// reader and leaves the write chain alone.
func WithSequenceLocks(ctx context.Context, frame *Frame, waitKey, writeKey, readKey string, op func(context.Context) (any, error), errCtx string, repair bool, mode LockMode) any {
	coord := frame.coord
	coord.Lock()

	sWait := frame.lockSlot(waitKey, true)
	sWrite := sWait
	if writeKey != waitKey {
		sWrite = frame.lockSlot(writeKey, true)
	}
	sRead := sWait
	if readKey == writeKey {
		sRead = sWrite
	} else if readKey != waitKey {
		sRead = frame.lockSlot(readKey, true)
	}

	// The states this operation must wait behind. A writer fences against
	// the prior writer and all pending readers; a reader fences against the
	// prior writer only.
	var deps []any
	if mode == LockWrite {
		deps = append(deps, sWait.write, sWait.read)
	} else {
		deps = append(deps, sWait.write)
	}

	if !repair {
		if p := firstPoison(deps); p != nil {
			coord.Unlock()
			return p
		}
		if p := firstPoison([]any{sWrite.write, sWrite.read, sRead.write, sRead.read}); p != nil {
			coord.Unlock()
			return p
		}
	}

	var pending []*Future
	for _, d := range deps {
		if f, ok := d.(*Future); ok {
			if _, _, settled := f.Poll(); !settled {
				pending = append(pending, f)
			}
		}
	}
	if repair {
		// A repairing op also proceeds over poisoned deps; settled failures
		// impose no wait.
		pending = pendingOnly(deps)
	}

	// A repairing read advances both chains like a writer, so its success
	// can clear the path's poison.
	advanceBoth := mode == LockWrite || repair
	chain := NewFuture()
	if advanceBoth {
		sWrite.write = chain
		sRead.read = chain
	} else {
		sRead.read = combineReaders(ctx, sRead.read, chain)
	}
	installed := chain
	var installedRead any
	if !advanceBoth {
		installedRead = sRead.read
	}
	coord.Unlock()

	settle := func(failure *Poison) {
		coord.Lock()
		if failure != nil {
			chain.Resolve(failure)
			if advanceBoth {
				if sWrite.write == installed {
					sWrite.write = failure
				}
				if sRead.read == installed {
					sRead.read = failure
				}
			}
			coord.Unlock()
			capitan.Warn(ctx, SignalLockPoisoned,
				FieldLockKey.Field(waitKey),
				FieldErrorContext.Field(errCtx),
			)
			return
		}
		chain.Resolve(lockCompleted)
		if advanceBoth {
			if sWrite.write == installed {
				sWrite.write = nil
			}
			if sRead.read == installed {
				sRead.read = nil
			}
		}
		coord.Unlock()
	}
	// A reader's combined chain vacates itself: combineReaders resolves the
	// fresh chain and the release below frees the slot when unchanged.
	releaseRead := func(failure *Poison) {
		if advanceBoth {
			return
		}
		coord.Lock()
		if sRead.read == installedRead {
			if failure != nil {
				sRead.read = failure
			} else if f, ok := installedRead.(*Future); ok {
				if v, _, settled := f.Poll(); settled {
					if p, isP := v.(*Poison); isP {
						sRead.read = p
					} else {
						sRead.read = nil
					}
				}
			}
		}
		coord.Unlock()
	}

	finish := func(out any) any {
		if p, ok := out.(*Poison); ok {
			settle(p)
			releaseRead(p)
			return p
		}
		settle(nil)
		releaseRead(nil)
		return out
	}

	// runOp invokes op without blocking the issuing goroutine: acquisition
	// order is decided synchronously at issue time, completion is tracked
	// asynchronously when op hands back a suspended value.
	runOp := func(runCtx context.Context) any {
		out, err := func() (v any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = recoveredError(r)
				}
			}()
			return op(runCtx)
		}()
		if err != nil {
			return finish(NewPoison(AsError(err).WithContext(errCtx)))
		}
		if f, ok := out.(*Future); ok {
			res := NewFuture()
			go func() {
				res.Resolve(finish(ResolveSingle(runCtx, f)))
			}()
			return res
		}
		return finish(out)
	}

	if len(pending) == 0 {
		// Synchronous fast path: nothing to wait behind, and a concrete op
		// result updates the slots in place with nothing scheduled.
		return runOp(ctx)
	}

	result := NewFuture()
	go func() {
		for _, dep := range pending {
			select {
			case <-dep.Done():
			case <-chain.Done():
				// Frame exit cancelled this chain while it was still queued.
				// The chains it waits behind settle to the same poison, so
				// every earlier waiter on the path is released too.
				cv, _, _ := chain.Poll()
				p := NewPoison(cv)
				for _, d := range pending {
					d.Resolve(p)
				}
				result.Resolve(p)
				return
			}
			v, err := dep.Await(ctx)
			failed := err != nil || IsPoison(v)
			if failed && !repair {
				var p *Poison
				if err != nil {
					p = NewPoison(err)
				} else {
					p = v.(*Poison)
				}
				settle(p)
				releaseRead(p)
				result.Resolve(p)
				return
			}
		}
		result.Resolve(runOp(ctx))
	}()
	return result
}

func firstPoison(states []any) *Poison {
	for _, s := range states {
		if p, ok := s.(*Poison); ok {
			return p
		}
		// A settled chain that resolved to poison leaves the slot poisoned
		// once its identity check runs; racing ahead of that check must
		// still observe the failure.
		if f, ok := s.(*Future); ok {
			if v, _, settled := f.Poll(); settled {
				if p, isP := v.(*Poison); isP {
					return p
				}
			}
		}
	}
	return nil
}

func pendingOnly(deps []any) []*Future {
	var out []*Future
	for _, d := range deps {
		if f, ok := d.(*Future); ok {
			if _, _, settled := f.Poll(); !settled {
				out = append(out, f)
			}
		}
	}
	return out
}

// combineReaders folds a new reader into the current read chain. The result
// settles when both sides have settled, resolving to the completion marker
// or to a poison aggregating both sides' errors.
func combineReaders(ctx context.Context, current any, reader *Future) *Future {
	prev, ok := current.(*Future)
	if !ok {
		if p, isP := current.(*Poison); isP {
			out := NewFuture()
			go func() {
				v, err := reader.Await(ctx)
				merged := []any{p, v}
				if err != nil {
					merged = append(merged, err)
				}
				out.Resolve(NewPoison(CollectErrors(ctx, merged)))
			}()
			return out
		}
		return reader
	}
	out := NewFuture()
	go func() {
		pv, perr := prev.Await(ctx)
		rv, rerr := reader.Await(ctx)
		if perr == nil && rerr == nil && !IsPoison(pv) && !IsPoison(rv) {
			out.Resolve(lockCompleted)
			return
		}
		errs := CollectErrors(ctx, []any{pv, rv, errOrNil(perr), errOrNil(rerr)})
		out.Resolve(NewPoison(errs))
	}()
	return out
}

func errOrNil(err error) any {
	if err == nil {
		return nil
	}
	return err
}
