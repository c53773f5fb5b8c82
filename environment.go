package cascada

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metric keys for render observability.
const (
	RendersTotal        = metricz.Key("render.total")
	RenderFailuresTotal = metricz.Key("render.failures.total")
	RenderErrorsTotal   = metricz.Key("render.errors.total")
	LoopsTotal          = metricz.Key("loop.total")
	LoopIterationsTotal = metricz.Key("loop.iterations.total")
	RendersInFlight     = metricz.Key("render.in_flight")
)

// Span and tag keys.
const (
	RenderProcessSpan = tracez.Key("render.process")
	RenderFlattenSpan = tracez.Key("render.flatten")
	LoopProcessSpan   = tracez.Key("loop.process")

	RenderTagPath    = tracez.Tag("render.path")
	RenderTagOutput  = tracez.Tag("render.output")
	RenderTagSuccess = tracez.Tag("render.success")
	RenderTagErrors  = tracez.Tag("render.errors")
	LoopTagName      = tracez.Tag("loop.name")
	LoopTagMode      = tracez.Tag("loop.mode")
)

// Hook event keys.
const (
	RenderEventStarted   = hookz.Key("render.started")
	RenderEventCompleted = hookz.Key("render.completed")
	RenderEventFailed    = hookz.Key("render.failed")
)

// RenderEvent is the payload delivered to render lifecycle hooks.
type RenderEvent struct {
	Timestamp time.Time
	Path      string
	Output    string
	Error     error
	Duration  time.Duration
	Errors    int
}

// Program is the compiled form the runtime executes. The compiler lowers a
// template or script into a Program that drives the runtime primitives:
// frame push/pop, buffer appends, call and lookup wrappers, and the loop
// driver. The runtime neither parses nor inspects source.
type Program func(ctx context.Context, rt *Runtime) error

// Compiler lowers source text into a Program. Lexing, parsing and code
// generation live outside the runtime; this is the seam they plug into.
type Compiler interface {
	Compile(src, path string) (Program, error)
}

// Loader fetches template source by path. Filesystem and network loading
// live outside the runtime.
type Loader interface {
	Load(path string) (string, error)
}

// RenderOptions adjusts a single render.
type RenderOptions struct {
	// Output selects the focused handler: the render settles with that
	// handler's return value instead of the concatenated text.
	Output string
}

// Environment owns registered globals, filters and command handler classes,
// plus the observability stack shared by its renders. Environments are safe
// for concurrent use once configured.
type Environment struct {
	mu       sync.RWMutex
	globals  map[string]any
	filters  map[string]any
	handlers map[string]HandlerFactory
	compiler Compiler
	loader   Loader
	cache    *programCache
	clock    clockz.Clock
	metrics  *metricz.Registry
	tracer   *tracez.Tracer
	hooks    *hookz.Hooks[RenderEvent]
	logger   *logiface.Logger[*stumpy.Event]
}

// Option configures an Environment.
type Option func(*Environment)

// WithClock sets a custom clock for testing.
func WithClock(clock clockz.Clock) Option {
	return func(e *Environment) { e.clock = clock }
}

// WithCompiler plugs in the compiler collaborator.
func WithCompiler(c Compiler) Option {
	return func(e *Environment) { e.compiler = c }
}

// WithLoader plugs in the template loader collaborator.
func WithLoader(l Loader) Option {
	return func(e *Environment) { e.loader = l }
}

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(l *logiface.Logger[*stumpy.Event]) Option {
	return func(e *Environment) { e.logger = l }
}

// New creates an Environment with the data handler registered.
func New(opts ...Option) *Environment {
	metrics := metricz.New()
	metrics.Counter(RendersTotal)
	metrics.Counter(RenderFailuresTotal)
	metrics.Counter(RenderErrorsTotal)
	metrics.Counter(LoopsTotal)
	metrics.Counter(LoopIterationsTotal)
	metrics.Gauge(RendersInFlight)

	e := &Environment{
		globals:  make(map[string]any),
		filters:  make(map[string]any),
		handlers: make(map[string]HandlerFactory),
		cache:    newProgramCache(),
		metrics:  metrics,
		tracer:   tracez.New(),
		hooks:    hookz.New[RenderEvent](),
	}
	e.handlers["data"] = NewDataHandler
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddGlobal registers a value or callable visible to every render.
func (e *Environment) AddGlobal(name string, value any) *Environment {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globals[name] = value
	return e
}

// AddFilter registers a filter function. Filters receive the resolved input
// as their first argument.
func (e *Environment) AddFilter(name string, fn any) *Environment {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters[name] = fn
	return e
}

// AddCommandHandlerClass registers a handler constructor under name. One
// instance is created lazily per render that addresses the name.
func (e *Environment) AddCommandHandlerClass(name string, factory HandlerFactory) *Environment {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = factory
	return e
}

func (e *Environment) global(name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.globals[name]
	return v, ok
}

func (e *Environment) filter(name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.filters[name]
	return v, ok
}

func (e *Environment) handlerFactory(name string) (HandlerFactory, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.handlers[name]
	return f, ok
}

// Metrics returns the environment's metrics registry.
func (e *Environment) Metrics() *metricz.Registry { return e.metrics }

// Tracer returns the environment's tracer.
func (e *Environment) Tracer() *tracez.Tracer { return e.tracer }

// OnRenderStart registers a handler called when a render begins.
func (e *Environment) OnRenderStart(handler func(context.Context, RenderEvent) error) error {
	_, err := e.hooks.Hook(RenderEventStarted, handler)
	return err
}

// OnRenderComplete registers a handler called when a render settles
// successfully.
func (e *Environment) OnRenderComplete(handler func(context.Context, RenderEvent) error) error {
	_, err := e.hooks.Hook(RenderEventCompleted, handler)
	return err
}

// OnRenderError registers a handler called when a render settles poisoned.
func (e *Environment) OnRenderError(handler func(context.Context, RenderEvent) error) error {
	_, err := e.hooks.Hook(RenderEventFailed, handler)
	return err
}

// Close gracefully shuts down observability components.
func (e *Environment) Close() error {
	if e.tracer != nil {
		e.tracer.Close()
	}
	e.hooks.Close()
	return nil
}

func (e *Environment) getClock() clockz.Clock {
	if e.clock == nil {
		return clockz.RealClock
	}
	return e.clock
}

// RenderTemplateString compiles src and renders it as text.
func (e *Environment) RenderTemplateString(src string, contextVars map[string]any) *Future {
	prog, err := e.compile(src, "<string>")
	if err != nil {
		return rejected(err)
	}
	return e.RenderProgram(context.Background(), prog, "<string>", contextVars, nil)
}

// RenderTemplate loads and compiles path, then renders it as text.
// Compiled programs are cached per path; InvalidateTemplate drops stale
// entries.
func (e *Environment) RenderTemplate(path string, contextVars map[string]any) *Future {
	prog, cerr := e.loadProgram(path)
	if cerr != nil {
		return rejected(cerr)
	}
	return e.RenderProgram(context.Background(), prog, path, contextVars, nil)
}

// RenderScriptString compiles src and renders it as a script: the result is
// the focused handler's return value when opts selects one, otherwise the
// concatenated text.
func (e *Environment) RenderScriptString(src string, contextVars map[string]any, opts *RenderOptions) *Future {
	prog, err := e.compile(src, "<string>")
	if err != nil {
		return rejected(err)
	}
	return e.RenderProgram(context.Background(), prog, "<string>", contextVars, opts)
}

// RenderScript loads, compiles and renders path as a script.
func (e *Environment) RenderScript(path string, contextVars map[string]any, opts *RenderOptions) *Future {
	prog, cerr := e.loadProgram(path)
	if cerr != nil {
		return rejected(cerr)
	}
	return e.RenderProgram(context.Background(), prog, path, contextVars, opts)
}

// InvalidateTemplate drops the cached compiled program for path, or the
// whole cache when path is empty.
func (e *Environment) InvalidateTemplate(path string) {
	e.cache.invalidate(path)
}

func (e *Environment) loadProgram(path string) (Program, *Error) {
	if prog, ok := e.cache.get(path); ok {
		return prog, nil
	}
	e.mu.RLock()
	loader := e.loader
	e.mu.RUnlock()
	if loader == nil {
		return nil, newDataflowError("no loader configured")
	}
	src, err := loader.Load(path)
	if err != nil {
		return nil, AsError(err).WithPosition(path, 0, 0)
	}
	prog, cerr := e.compile(src, path)
	if cerr != nil {
		return nil, cerr
	}
	e.cache.put(path, prog)
	return prog, nil
}

func (e *Environment) compile(src, path string) (Program, *Error) {
	e.mu.RLock()
	compiler := e.compiler
	e.mu.RUnlock()
	if compiler == nil {
		return nil, newDataflowError("no compiler configured")
	}
	prog, err := compiler.Compile(src, path)
	if err != nil {
		return nil, AsError(err).WithPosition(path, 0, 0)
	}
	return prog, nil
}

func rejected(err *Error) *Future {
	f := NewFuture()
	f.Reject(NewPoison(err).AsError())
	return f
}

// RenderProgram executes a compiled program and returns the render future.
// The future settles with the output text (or the focused handler's return
// value), or with a *PoisonError carrying the full deduplicated error list.
// No other error type escapes.
func (e *Environment) RenderProgram(ctx context.Context, prog Program, path string, contextVars map[string]any, opts *RenderOptions) *Future {
	result := NewFuture()
	clock := e.getClock()
	start := clock.Now()
	focused := ""
	if opts != nil {
		focused = opts.Output
	}

	e.metrics.Counter(RendersTotal).Inc()
	e.metrics.Gauge(RendersInFlight).Set(1)
	capitan.Info(ctx, SignalRenderStarted,
		FieldPath.Field(path),
		FieldTimestamp.Field(float64(start.Unix())),
	)
	_ = e.hooks.Emit(ctx, RenderEventStarted, RenderEvent{ //nolint:errcheck
		Path:      path,
		Output:    focused,
		Timestamp: start,
	})
	e.logger.Debug().Str("path", path).Str("output", focused).Log("render started")

	go func() {
		ctx, span := e.tracer.StartSpan(ctx, RenderProcessSpan)
		span.SetTag(RenderTagPath, path)
		defer span.Finish()

		rt := &Runtime{
			Env:     e,
			Frame:   NewFrame(),
			Buffer:  NewBuffer(),
			Context: contextVars,
			rc:      newRenderContext(e),
		}

		var errs []*Error
		func() {
			defer func() {
				if r := recover(); r != nil {
					errs = append(errs, recoveredError(r))
				}
			}()
			if err := prog(ctx, rt); err != nil {
				if perr, ok := err.(*PoisonError); ok {
					errs = append(errs, perr.Errors()...)
				} else {
					errs = append(errs, AsError(err))
				}
			}
		}()

		// Frame teardown settles abandoned lock waiters before the flatten
		// fence forces the buffer.
		rt.Frame.Exit()

		flattenCtx, flattenSpan := e.tracer.StartSpan(ctx, RenderFlattenSpan)
		text, flatErrs := rt.Buffer.Flatten(flattenCtx, rt.rc)
		flattenSpan.Finish()
		errs = append(errs, flatErrs...)

		var value any = text
		if focused != "" && len(errs) == 0 {
			if _, herr := rt.rc.handler(ctx, focused); herr != nil {
				errs = append(errs, herr)
			} else if rv, ok := rt.rc.returnValue(focused); ok {
				value = rv
			} else {
				value = nil
			}
		}
		rt.rc.dispose()

		duration := clock.Now().Sub(start)
		if len(errs) > 0 {
			p := NewPoison(errs)
			final := p.Errors()
			e.metrics.Counter(RenderFailuresTotal).Inc()
			e.metrics.Counter(RenderErrorsTotal).Add(float64(len(final)))
			e.metrics.Gauge(RendersInFlight).Set(0)
			span.SetTag(RenderTagSuccess, "false")
			span.SetTag(RenderTagErrors, stringify(len(final)))
			capitan.Error(ctx, SignalRenderPoisoned,
				FieldPath.Field(path),
				FieldErrorCount.Field(len(final)),
			)
			perr := p.AsError()
			_ = e.hooks.Emit(ctx, RenderEventFailed, RenderEvent{ //nolint:errcheck
				Path:      path,
				Output:    focused,
				Error:     perr,
				Errors:    len(final),
				Duration:  duration,
				Timestamp: clock.Now(),
			})
			e.logger.Err().Str("path", path).Int("errors", len(final)).Err(perr).Log("render poisoned")
			result.Reject(perr)
			return
		}

		e.metrics.Gauge(RendersInFlight).Set(0)
		span.SetTag(RenderTagSuccess, "true")
		capitan.Info(ctx, SignalRenderCompleted,
			FieldPath.Field(path),
			FieldDuration.Field(duration.Seconds()),
		)
		_ = e.hooks.Emit(ctx, RenderEventCompleted, RenderEvent{ //nolint:errcheck
			Path:      path,
			Output:    focused,
			Duration:  duration,
			Timestamp: clock.Now(),
		})
		e.logger.Debug().Str("path", path).Log("render completed")
		result.Resolve(value)
	}()
	return result
}

// RunLoop drives a loop with the environment's metrics and tracing wrapped
// around the core driver.
func (rt *Runtime) RunLoop(ctx context.Context, src any, opts LoopOptions, body LoopBody, elseFn LoopElse, out *Buffer) any {
	rt.Env.metrics.Counter(LoopsTotal).Inc()
	ctx, span := rt.Env.tracer.StartSpan(ctx, LoopProcessSpan)
	span.SetTag(LoopTagName, opts.Name)
	defer span.Finish()

	counted := func(ctx context.Context, item any, info *LoopInfo, out *Buffer) error {
		rt.Env.metrics.Counter(LoopIterationsTotal).Inc()
		return body(ctx, item, info, out)
	}
	return RunLoop(ctx, src, opts, counted, elseFn, out)
}
