// Package sysprep strips machine-specific state from a disk image with
// virt-sysprep and customizes images with virt-customize.
//
// Both tools come from libguestfs. When a backend is configured it is passed
// to the child as LIBGUESTFS_BACKEND (usually "direct", so libguestfs runs
// qemu itself instead of going through libvirtd).
package sysprep

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/tools"
)

// DefaultOperations keeps the users' authorized SSH keys.
const DefaultOperations = "defaults,-ssh-userdir"

var (
	// ErrReset is returned when virt-sysprep fails.
	ErrReset = errors.New("failed to reset image")

	// ErrCustomize is returned when virt-customize fails.
	ErrCustomize = errors.New("failed to customize image")

	// ErrPathNotFound is returned when an input path does not exist.
	ErrPathNotFound = errors.New("path not found")
)

// Sysprep runs the libguestfs tools.
type Sysprep struct {
	Runner  runner.Runner
	Finder  tools.Discoverer
	Fs      afero.Fs
	Backend string
	Log     logr.Logger
}

// New returns a Sysprep.
func New(r runner.Runner, f tools.Discoverer, fs afero.Fs, backend string, log logr.Logger) *Sysprep {
	return &Sysprep{Runner: r, Finder: f, Fs: fs, Backend: backend, Log: log}
}

// ResetArgs renders the virt-sysprep invocation.
func ResetArgs(tool, image, operations string, verbose bool) []string {
	argv := []string{tool, "-a", image}
	if operations != "" {
		argv = append(argv, "--operations", operations)
	}
	if verbose {
		argv = append(argv, "--verbose")
	}
	return argv
}

// Reset syspreps image in place and returns the tool's output.
// Tool discovery errors are returned unwrapped.
func (s *Sysprep) Reset(ctx context.Context, image, operations string, verbose bool) (string, error) {
	tool, err := s.Finder.Discover(tools.VirtSysprep)
	if err != nil {
		return "", err
	}

	argv := ResetArgs(tool, image, operations, verbose)
	s.Log.Info("Resetting image", "image", image, "operations", operations)
	s.Log.V(1).Info("Running sysprep", "command", runner.Format(argv))

	res, err := s.Runner.Run(ctx, argv, s.options()...)
	if err != nil {
		return "", fmt.Errorf("%w %s: %w", ErrReset, image, err)
	}
	return res.Stdout, nil
}

// Customize runs the virt-customize commands in commandsFile against image.
func (s *Sysprep) Customize(ctx context.Context, image, commandsFile string) (string, error) {
	for _, p := range []string{image, commandsFile} {
		exists, err := afero.Exists(s.Fs, p)
		if err != nil {
			return "", fmt.Errorf("failed to check %s: %w", p, err)
		}
		if !exists {
			return "", fmt.Errorf("%w: %s", ErrPathNotFound, p)
		}
	}

	tool, err := s.Finder.Discover(tools.VirtCustomize)
	if err != nil {
		return "", err
	}

	argv := []string{tool, "-a", image, "--commands-from-file", commandsFile}
	s.Log.Info("Customizing image", "image", image, "commands", commandsFile)

	res, err := s.Runner.Run(ctx, argv, s.options()...)
	if err != nil {
		return "", fmt.Errorf("%w %s: %w", ErrCustomize, image, err)
	}
	return res.Stdout, nil
}

func (s *Sysprep) options() []runner.Option {
	if s.Backend == "" {
		return nil
	}
	return []runner.Option{runner.WithEnv(map[string]string{"LIBGUESTFS_BACKEND": s.Backend})}
}
