package cloudinit

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/go-logr/logr"

	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/tools"
)

// VolumeLabel is the label the NoCloud datasource looks for.
const VolumeLabel = "cidata"

// ErrSeedCreate is returned when the seed image could not be written.
var ErrSeedCreate = errors.New("failed to create seed image")

// SeedBuilder writes a seed image from a bundle.
//
// In production, this is satisfied by *ExternalBuilder or *NativeBuilder.
type SeedBuilder interface {
	Build(ctx context.Context, outputPath string, b Bundle) (string, error)
}

// ExternalBuilder shells out to genisoimage (mkisofs on macOS).
type ExternalBuilder struct {
	Runner runner.Runner
	Finder tools.Discoverer
	GOOS   string
	Log    logr.Logger
}

// NewExternalBuilder returns a builder for the current platform.
func NewExternalBuilder(r runner.Runner, f tools.Discoverer, log logr.Logger) *ExternalBuilder {
	return &ExternalBuilder{Runner: r, Finder: f, GOOS: runtime.GOOS, Log: log}
}

// Build runs the ISO tool with only the documents present in b.
// Tool discovery errors are returned unwrapped.
func (e *ExternalBuilder) Build(ctx context.Context, outputPath string, b Bundle) (string, error) {
	goos := e.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}

	tool, err := e.Finder.Discover(tools.ISOTool(goos)...)
	if err != nil {
		return "", err
	}

	argv := ExternalArgs(tool, outputPath, b)
	e.Log.V(1).Info("building seed image", "command", runner.Format(argv))

	res, err := e.Runner.Run(ctx, argv)
	if err != nil {
		return "", fmt.Errorf("%w at %s: %w", ErrSeedCreate, outputPath, err)
	}

	msg := fmt.Sprintf("Generated the cloud-init seed image at %s", outputPath)
	if out := strings.TrimSpace(res.Stdout); out != "" {
		msg = fmt.Sprintf("%s: %s", msg, out)
	}
	return msg, nil
}

// ExternalArgs renders the ISO tool invocation for b.
func ExternalArgs(tool, outputPath string, b Bundle) []string {
	argv := []string{tool, "-output", outputPath, "-V", VolumeLabel, "--joliet", "--rock"}
	for _, f := range b.Files() {
		argv = append(argv, f.Path)
	}
	return argv
}
