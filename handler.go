package cascada

import (
	"context"
	"strings"
	"sync"

	"github.com/zoobzio/capitan"
)

// CommandHandler receives the commands a program addressed at its name. One
// instance exists per handler name per render; it is created lazily on first
// use and receives commands strictly in flatten order.
type CommandHandler interface {
	HandleCommand(ctx context.Context, command string, subpath []string, args []any) error
}

// ReturnValuer is implemented by handlers that contribute a value at the end
// of a render. The focused handler's return value replaces the concatenated
// text output.
type ReturnValuer interface {
	ReturnValue() any
}

// Disposer is implemented by handlers that hold resources beyond the render.
// Dispose runs once at render end, after queued commands have been applied.
type Disposer interface {
	Dispose()
}

// HandlerFactory constructs a fresh handler instance for one render.
type HandlerFactory func() CommandHandler

// renderContext carries the per-render handler instances and the owning
// environment. Handler instantiation is lazy and single-flight per name.
type renderContext struct {
	env       *Environment
	mu        sync.Mutex
	instances map[string]CommandHandler
	order     []string
}

func newRenderContext(env *Environment) *renderContext {
	return &renderContext{env: env, instances: make(map[string]CommandHandler)}
}

// handler returns the render's instance for name, instantiating on first
// use. Unknown names produce a structural error; the caller aggregates it
// and keeps processing other entries.
func (rc *renderContext) handler(ctx context.Context, name string) (CommandHandler, *Error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if h, ok := rc.instances[name]; ok {
		return h, nil
	}
	factory, ok := rc.env.handlerFactory(name)
	if !ok {
		capitan.Warn(ctx, SignalHandlerUnknown, FieldHandler.Field(name))
		return nil, newStructuralError("unknown command handler %q", name)
	}
	h := factory()
	rc.instances[name] = h
	rc.order = append(rc.order, name)
	capitan.Info(ctx, SignalHandlerInstantiated, FieldHandler.Field(name))
	rc.env.logger.Debug().Str("handler", name).Log("command handler instantiated")
	return h, nil
}

// returnValue reports the focused handler's contribution, if the handler was
// used during the render and exposes one.
func (rc *renderContext) returnValue(name string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	h, ok := rc.instances[name]
	if !ok {
		return nil, false
	}
	rv, ok := h.(ReturnValuer)
	if !ok {
		return nil, false
	}
	return rv.ReturnValue(), true
}

// dispose tears down every instantiated handler in instantiation order.
func (rc *renderContext) dispose() {
	rc.mu.Lock()
	order := rc.order
	instances := rc.instances
	rc.order = nil
	rc.instances = make(map[string]CommandHandler)
	rc.mu.Unlock()
	for _, name := range order {
		if d, ok := instances[name].(Disposer); ok {
			d.Dispose()
		}
	}
}

// joinSubpath renders a subpath for error messages and signals.
func joinSubpath(subpath []string) string {
	return strings.Join(subpath, ".")
}
