// Package testing provides test utilities and helpers for cascada-based
// programs.
//
// This package includes a mock command handler, render assertion helpers,
// and suspended-value builders to make testing compiled programs easier.
//
// Example usage (imported as cascadatest):
//
//	func TestMyProgram(t *testing.T) {
//		mock := cascadatest.NewMockHandler()
//		env := cascada.New()
//		env.AddCommandHandlerClass("audit", mock.Factory())
//
//		out := env.RenderProgram(context.Background(), prog, "test", nil, nil)
//		cascadatest.AssertRendered(t, out, "expected text")
//		mock.AssertCommands(t, 2)
//	}
package testing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/cascada"
)

// MockCommand records one command delivered to a MockHandler.
type MockCommand struct {
	Command string
	Subpath []string
	Args    []any
}

// MockHandler is a configurable cascada.CommandHandler that records every
// command it receives and can be scripted to fail. All instances created by
// one mock's Factory share the recording, so a handler instantiated inside
// a render is still observable from the test.
type MockHandler struct {
	mu       sync.Mutex
	commands []MockCommand
	err      error
	retval   any
	disposed int
}

// NewMockHandler creates an empty mock.
func NewMockHandler() *MockHandler {
	return &MockHandler{}
}

// Factory returns a cascada.HandlerFactory producing views of this mock.
func (m *MockHandler) Factory() cascada.HandlerFactory {
	return func() cascada.CommandHandler { return m }
}

// WithError scripts every subsequent command to fail with err.
func (m *MockHandler) WithError(err error) *MockHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithReturnValue sets the value contributed to focused output.
func (m *MockHandler) WithReturnValue(v any) *MockHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retval = v
	return m
}

// HandleCommand implements cascada.CommandHandler.
func (m *MockHandler) HandleCommand(_ context.Context, command string, subpath []string, args []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, MockCommand{Command: command, Subpath: subpath, Args: args})
	return m.err
}

// ReturnValue implements cascada.ReturnValuer.
func (m *MockHandler) ReturnValue() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retval
}

// Dispose implements cascada.Disposer.
func (m *MockHandler) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed++
}

// Commands returns a copy of the recorded commands in delivery order.
func (m *MockHandler) Commands() []MockCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCommand, len(m.commands))
	copy(out, m.commands)
	return out
}

// Disposed reports how many times Dispose ran.
func (m *MockHandler) Disposed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// AssertCommands fails the test unless exactly want commands were recorded.
func (m *MockHandler) AssertCommands(t *testing.T, want int) {
	t.Helper()
	assert.Len(t, m.Commands(), want, "recorded command count")
}

// AssertRendered awaits the render future and requires it to settle
// successfully with want.
func AssertRendered(t *testing.T, f *cascada.Future, want any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := f.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// AssertPoisoned awaits the render future and requires it to settle with a
// *cascada.PoisonError whose messages include each of wantMessages.
func AssertPoisoned(t *testing.T, f *cascada.Future, wantMessages ...string) *cascada.PoisonError {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := f.Await(ctx)
	require.Error(t, err)
	perr, ok := err.(*cascada.PoisonError)
	require.True(t, ok, "expected *cascada.PoisonError, got %T: %v", err, err)
	for _, want := range wantMessages {
		found := false
		for _, e := range perr.Errors() {
			if e.Message == want {
				found = true
				break
			}
		}
		assert.True(t, found, "expected error message %q in %v", want, perr)
	}
	return perr
}

// Delayed returns a future that resolves to v after d. Useful for building
// programs whose inputs settle out of order.
func Delayed(v any, d time.Duration) *cascada.Future {
	f := cascada.NewFuture()
	go func() {
		time.Sleep(d)
		f.Resolve(v)
	}()
	return f
}

// Failing returns a future that rejects with message after d.
func Failing(message string, d time.Duration) *cascada.Future {
	f := cascada.NewFuture()
	go func() {
		time.Sleep(d)
		f.Reject(cascada.NewError(message))
	}()
	return f
}
