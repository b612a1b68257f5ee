// Package runner invokes external commands and captures their output.
//
// Every other component that talks to a host tool (ISO builder, VM orchestrator,
// virt-sysprep) goes through a Runner, which makes those components testable with a
// fake that never spawns a process.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// Runner runs an external command to completion.
//
// In production, this is satisfied by *Exec.
// In tests, this is satisfied by fakes that return canned results.
type Runner interface {
	Run(ctx context.Context, argv []string, opts ...Option) (*Result, error)
}

// Result holds what a finished command produced.
type Result struct {
	Argv     []string
	Stdout   string
	Stderr   string
	ExitCode int

	// Output is the decoded JSON document when WithJSON was passed,
	// otherwise the raw stdout.
	Output any
}

// JSONObject returns Output as a JSON object, or nil if it is not one.
func (r *Result) JSONObject() map[string]any {
	if r == nil {
		return nil
	}
	obj, _ := r.Output.(map[string]any)
	return obj
}

// CommandError is returned when a command exits with a non-zero status.
type CommandError struct {
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no error output"
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Argv[0], e.ExitCode, msg)
}

// ParseError is returned when stdout was requested as JSON but could not be decoded.
type ParseError struct {
	Argv []string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse JSON output of %s: %v", e.Argv[0], e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Option configures a single Run call.
type Option func(*runOptions)

type runOptions struct {
	json bool
	env  map[string]string
}

// WithJSON decodes stdout as JSON into Result.Output.
func WithJSON() Option {
	return func(o *runOptions) { o.json = true }
}

// WithEnv adds entries to the environment inherited from the current process.
func WithEnv(env map[string]string) Option {
	return func(o *runOptions) {
		if o.env == nil {
			o.env = make(map[string]string, len(env))
		}
		for k, v := range env {
			o.env[k] = v
		}
	}
}

// Exec runs commands with os/exec.
type Exec struct{}

// New returns a Runner backed by os/exec.
func New() *Exec { return &Exec{} }

// Run starts argv, waits for it and captures stdout, stderr and the exit code.
//
// os/exec drains both pipes in their own goroutines while Wait blocks, so
// chatty children cannot fill a pipe buffer and deadlock.
func (e *Exec) Run(ctx context.Context, argv []string, opts ...Option) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(o.env) > 0 {
		cmd.Env = append(os.Environ(), envList(o.env)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	res := &Result{
		Argv:   argv,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Never started or was killed before producing an exit status.
			return res, fmt.Errorf("failed to run %s: %w", argv[0], runErr)
		}
		res.ExitCode = exitErr.ExitCode()
		return res, &CommandError{Argv: argv, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	return decode(res, o.json)
}

// decode fills Result.Output from stdout.
func decode(res *Result, asJSON bool) (*Result, error) {
	if !asJSON {
		res.Output = res.Stdout
		return res, nil
	}

	var out any
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return res, &ParseError{Argv: res.Argv, Err: err}
	}
	res.Output = out
	return res, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

// Format renders argv as a shell-like string for logs and traces.
func Format(argv []string) string {
	parts := make([]string, 0, len(argv))
	for _, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			parts = append(parts, fmt.Sprintf("%q", a))
			continue
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

var _ Runner = (*Exec)(nil)

// Applied describes the effect of a set of options.
type Applied struct {
	JSON bool
	Env  map[string]string
}

// Resolve reports what opts would configure. Fakes use it to see how they were called.
func Resolve(opts ...Option) Applied {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	return Applied{JSON: o.json, Env: o.env}
}
