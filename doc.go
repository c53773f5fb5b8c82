// Package cascada provides an asynchronous evaluation runtime for templates
// and scripts with parallel-by-default dataflow execution.
//
// # Overview
//
// cascada executes compiled template and script programs so that independent
// operations run concurrently, dependent operations wait on their inputs,
// and the final output is assembled in source order even though execution
// order is not. The package contains the runtime only: lexing, parsing and
// code generation are delegated to a Compiler collaborator, and template
// loading to a Loader.
//
// # Core Concepts
//
// The runtime is built around a small set of mechanisms:
//
//   - Poison: a value standing in for one or more failed computations. It
//     contaminates anything that consumes it, replacing try/catch with
//     value-carried failure, and aggregates errors with deduplication.
//   - Future: a settle-once handle for a value still being computed. Poison
//     implements the same Awaitable protocol, so failures flow anywhere a
//     pending value can.
//   - Resolution: resolvers that force suspended scalars, arrays, objects
//     and argument sets at well-defined fences, collecting every error.
//   - Frames: lexical scopes with write-snapshotting, so concurrent
//     branches observe stable views and final variable state follows
//     source order.
//   - Sequence locks: per-path read/write chains that keep user-marked
//     call chains strictly ordered while the rest of the program runs in
//     parallel.
//   - Buffer: a tree-shaped output accumulator filled out of order and
//     flattened in lexical order, carrying text, suspended values and
//     handler commands.
//   - Loop driver: parallel, bounded and sequential iteration over arrays,
//     objects and async iterators with aggregated errors and full loop
//     metadata.
//
// # Usage Example
//
//	env := cascada.New(cascada.WithCompiler(myCompiler))
//	env.AddGlobal("user", fetchUser)
//	env.AddFilter("upper", strings.ToUpper)
//
//	future := env.RenderTemplateString(`{{ user(1).name | upper }}`, nil)
//	text, err := future.Await(context.Background())
//	if err != nil {
//	    var perr *cascada.PoisonError
//	    errors.As(err, &perr) // full deduplicated error list
//	}
//
// Scripts can route output through command handlers and focus the render on
// one of them:
//
//	out := env.RenderScriptString(src, ctx, &cascada.RenderOptions{Output: "data"})
//	report, err := out.Await(context.Background())
//
// # Error Handling
//
// Errors never unwind through the runtime. They attach to poison, flow
// through calls, lookups, conditionals and loops unchanged, and surface at
// the end of the render as a single *PoisonError carrying the full
// deduplicated error list. No other error type escapes.
//
// # Observability
//
// Renders emit capitan signals, tracez spans, metricz counters and typed
// hookz lifecycle events, and log through a logiface logger when one is
// attached. All of it is optional and quiet by default.
package cascada
