// Package runnertest provides a scriptable runner.Runner for tests.
package runnertest

import (
	"context"
	"strings"
	"sync"

	"github.com/jbweber/kiln/internal/runner"
)

// Call is one recorded invocation.
type Call struct {
	Argv []string
	JSON bool
	Env  map[string]string
}

// HandlerFunc answers a single invocation.
type HandlerFunc func(ctx context.Context, call Call) (*runner.Result, error)

// Fake is a runner.Runner that records calls and delegates to Handler.
type Fake struct {
	mu sync.Mutex

	Handler HandlerFunc
	Calls   []Call
}

// New returns a Fake answering every call with handler.
func New(handler HandlerFunc) *Fake {
	return &Fake{Handler: handler}
}

// Run implements runner.Runner.
func (f *Fake) Run(ctx context.Context, argv []string, opts ...runner.Option) (*runner.Result, error) {
	call := Call{Argv: append([]string(nil), argv...)}
	call.JSON, call.Env = inspect(opts)

	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	handler := f.Handler
	f.mu.Unlock()

	if handler == nil {
		return OK(argv, ""), nil
	}
	return handler(ctx, call)
}

// CallsWithPrefix returns the recorded calls whose argv starts with prefix.
func (f *Fake) CallsWithPrefix(prefix ...string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Call
	for _, c := range f.Calls {
		if len(c.Argv) < len(prefix) {
			continue
		}
		match := true
		for i, p := range prefix {
			if c.Argv[i] != p {
				match = false
				break
			}
		}
		if match {
			out = append(out, c)
		}
	}
	return out
}

// Joined returns every recorded argv joined by spaces, in call order.
func (f *Fake) Joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		out = append(out, strings.Join(c.Argv, " "))
	}
	return out
}

// OK builds a successful raw result.
func OK(argv []string, stdout string) *runner.Result {
	return &runner.Result{Argv: argv, Stdout: stdout, Output: stdout}
}

// JSON builds a successful result carrying a decoded JSON value.
func JSON(argv []string, output any) *runner.Result {
	return &runner.Result{Argv: argv, Output: output}
}

// Fail builds a failed result and the matching CommandError.
func Fail(argv []string, code int, stderr string) (*runner.Result, error) {
	res := &runner.Result{Argv: argv, Stderr: stderr, ExitCode: code}
	return res, &runner.CommandError{Argv: argv, ExitCode: code, Stderr: stderr}
}

// inspect recovers the effect of the options a caller passed.
func inspect(opts []runner.Option) (bool, map[string]string) {
	applied := runner.Resolve(opts...)
	return applied.JSON, applied.Env
}
