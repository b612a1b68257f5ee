// Package provider drives VM instances through the libvirt-provider CLI.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/tools"
	"github.com/jbweber/kiln/internal/vm"
)

// Provider implements vm.Orchestrator on top of an external CLI.
//
// The CLI is resolved on first use so that a missing binary surfaces as a
// tool discovery error from whichever step needs it.
type Provider struct {
	Tool   string
	Runner runner.Runner
	Finder tools.Discoverer
	Log    logr.Logger

	path string
}

// New returns a Provider for the named CLI.
func New(tool string, r runner.Runner, f tools.Discoverer, log logr.Logger) *Provider {
	return &Provider{Tool: tool, Runner: r, Finder: f, Log: log}
}

func (p *Provider) resolve() (string, error) {
	if p.path != "" {
		return p.path, nil
	}
	path, err := p.Finder.Discover(p.Tool)
	if err != nil {
		return "", err
	}
	p.path = path
	return path, nil
}

// CreateArgs renders the create invocation for req.
func CreateArgs(tool string, req vm.CreateRequest) []string {
	argv := []string{tool, "instance", "create", req.Name, req.Image}
	if req.TemplatePath != "" {
		argv = append(argv, "--template-path", req.TemplatePath)
	}
	argv = append(argv, "--extra-template-path-values", req.TemplateValues.String())

	for _, opt := range []struct{ flag, value string }{
		{"--disk-driver-type", req.DiskDriverType},
		{"--cpu-mode", req.CPUMode},
		{"--num-vcpus", req.NumVCPUs},
		{"--memory-size", req.MemorySize},
	} {
		if opt.value != "" {
			argv = append(argv, opt.flag, opt.value)
		}
	}
	return argv
}

// Create implements vm.Orchestrator.
func (p *Provider) Create(ctx context.Context, req vm.CreateRequest) (any, error) {
	tool, err := p.resolve()
	if err != nil {
		return nil, err
	}
	return p.run(ctx, CreateArgs(tool, req))
}

// Start implements vm.Orchestrator.
func (p *Provider) Start(ctx context.Context, id string) (any, error) {
	tool, err := p.resolve()
	if err != nil {
		return nil, err
	}
	return p.run(ctx, []string{tool, "instance", "start", id})
}

// Action implements vm.Orchestrator. A failing show means the instance is gone.
func (p *Provider) Action(ctx context.Context, action, id string, extra ...string) (any, error) {
	tool, err := p.resolve()
	if err != nil {
		return nil, err
	}

	argv := append([]string{tool, "instance", action, id}, extra...)
	out, err := p.run(ctx, argv)

	var cmdErr *runner.CommandError
	if action == vm.ActionShow && errors.As(err, &cmdErr) {
		return out, fmt.Errorf("%w: %s: %w", vm.ErrInstanceNotFound, id, err)
	}
	return out, err
}

func (p *Provider) run(ctx context.Context, argv []string) (any, error) {
	p.Log.V(1).Info("Running orchestrator", "command", runner.Format(argv))

	res, err := p.Runner.Run(ctx, argv, runner.WithJSON())
	if err != nil {
		var out any
		if res != nil {
			out = res.Output
		}
		return out, err
	}
	return res.Output, nil
}

var _ vm.Orchestrator = (*Provider)(nil)
