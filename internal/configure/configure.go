// Package configure runs the full configure pipeline against one disk image.
//
// A run boots a throwaway VM from the image with a cloud-init seed attached,
// waits for cloud-init to report completion on the VM's console log, tears
// the VM down and finally strips machine-specific state from the image.
// Steps run strictly in sequence and the first failure ends the run.
package configure

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/image"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/tools"
	"github.com/jbweber/kiln/internal/vm"
)

// DefaultCleanupTimeout bounds the best-effort teardown after a failure.
const DefaultCleanupTimeout = 2 * time.Minute

// CompletionWaiter blocks until the guest reports that configuration finished.
//
// In production, this is satisfied by *watcher.Watcher.
type CompletionWaiter interface {
	WaitForCompletion(ctx context.Context, path string) error
}

// Resetter strips machine-specific state from an image.
//
// In production, this is satisfied by *sysprep.Sysprep.
type Resetter interface {
	Reset(ctx context.Context, image, operations string, verbose bool) (string, error)
}

// Options are the inputs of one run. Paths are used as given.
type Options struct {
	Image       string
	ImageFormat string // inferred when empty

	CloudInit cloudinit.Paths
	SeedPath  string
	LogPath   string // de-collided before use

	VMName         string
	CPUModel       string
	VCPUs          string
	Memory         string
	TemplatePath   string
	TemplateValues vm.TemplateValues

	ResetOperations string
	VerboseReset    bool

	// Cleanup tears the VM down when a step after create fails.
	Cleanup        bool
	CleanupTimeout time.Duration
}

// Deps are the collaborators of a run.
type Deps struct {
	Fs         afero.Fs
	Seed       cloudinit.SeedBuilder
	Controller *vm.Controller
	Watcher    CompletionWaiter
	Resetter   Resetter

	// Metrics is optional.
	Metrics *metrics.Recorder
	Log     logr.Logger
}

// Result describes a finished run, successful or not.
type Result struct {
	Msg        string
	Trace      []string
	Phase      Phase
	InstanceID string
	Format     image.Format
	SeedPath   string
	LogPath    string
}

type run struct {
	deps    Deps
	opts    Options
	tracker *Tracker
	result  *Result

	img     *image.Image
	bundle  cloudinit.Bundle
	stopped bool
}

// Run executes the pipeline. The returned Result is never nil.
//
// Failures are returned as *Error carrying the exit code, except a missing
// host tool, which is returned as is and matches tools.ErrToolNotFound.
func Run(ctx context.Context, deps Deps, opts Options) (*Result, error) {
	r := &run{
		deps:    deps,
		opts:    opts,
		tracker: NewTracker(),
		result:  &Result{Phase: PhasePending},
	}

	err := r.execute(ctx)
	if err != nil {
		r.tracker.Fail()
		r.deps.Log.Error(err, "Configure run failed", "phase", r.tracker.LastGood())
		if opts.Cleanup && r.result.InstanceID != "" && r.tracker.LastGood() != PhaseRemoved {
			r.cleanup(ctx)
		}
	}

	r.result.Phase = r.tracker.Phase()
	if deps.Metrics != nil {
		deps.Metrics.SetSuccess(err == nil)
	}
	return r.result, err
}

func (r *run) execute(ctx context.Context) error {
	if r.deps.Controller == nil || r.deps.Seed == nil || r.deps.Watcher == nil || r.deps.Resetter == nil {
		return newError(CodeConfigureImage, nil, "Failed to configure image: %s - error: incomplete dependencies", r.opts.Image)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"preflight", r.preflight},
		{"seed", r.seed},
		{"start", r.start},
		{"completion", r.completion},
		{"teardown", r.teardown},
		{"reset", r.reset},
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return newError(CodeConfigureImage, err, "Failed to configure image: %s - error: interrupted before %s", r.opts.Image, s.name)
		}
		began := time.Now()
		err := s.fn(ctx)
		if r.deps.Metrics != nil {
			r.deps.Metrics.ObservePhase(s.name, time.Since(began))
		}
		if err != nil {
			return err
		}
	}

	r.result.Msg = fmt.Sprintf("Finished configuring the image: %s", r.img.Path)
	return nil
}

func (r *run) trace(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.result.Trace = append(r.result.Trace, msg)
	r.deps.Log.V(1).Info(msg)
}

func (r *run) advance(to Phase) error {
	if err := r.tracker.Advance(to); err != nil {
		return newError(CodeConfigureImage, err, "Failed to configure image: %s - error: invalid phase transition", r.opts.Image)
	}
	r.result.Phase = to
	return nil
}

func (r *run) preflight(_ context.Context) error {
	fs := r.deps.Fs

	img, err := image.Open(fs, r.opts.Image, r.opts.ImageFormat)
	if err != nil {
		return newError(CodePathNotFound, err, "Path not found: %s - error: could not find the image to configure", r.opts.Image)
	}
	r.img = img
	r.result.Format = img.Format
	switch {
	case r.opts.ImageFormat != "":
	case img.Format == "":
		r.trace("Could not discover the format of image: %s, leaving the disk driver type to the orchestrator", img.Path)
	default:
		r.trace("Automatically discovered image format: %s to configure the disk image", img.Format)
	}

	for _, dir := range []string{filepath.Dir(r.opts.SeedPath), filepath.Dir(r.opts.LogPath)} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return newError(CodePathCreate, err, "Failed to create path: %s", dir)
		}
	}

	bundle, notes := cloudinit.ResolveBundle(fs, r.opts.CloudInit)
	for _, note := range notes {
		r.trace("%s", note)
	}
	r.bundle = bundle

	logPath, err := naming.NextLogPath(fs, r.opts.LogPath)
	if err != nil {
		return newError(CodePathCreate, err, "Failed to create path: %s", r.opts.LogPath)
	}
	if logPath != r.opts.LogPath {
		r.trace("The configuring log file: %s already exists, increasing the designated file name", r.opts.LogPath)
	}
	r.trace("Generated new log file path: %s", logPath)
	r.result.LogPath = logPath

	if r.opts.TemplatePath != "" {
		r.trace("Using the VM template description: %s", r.opts.TemplatePath)
	}
	return nil
}

func (r *run) seed(ctx context.Context) error {
	r.trace("Generating the cloud-init iso image at: %s", r.opts.SeedPath)
	r.deps.Log.Info("Generating seed image", "path", r.opts.SeedPath, "files", len(r.bundle.Files()))

	msg, err := r.deps.Seed.Build(ctx, r.opts.SeedPath, r.bundle)
	if err != nil {
		if errors.Is(err, tools.ErrToolNotFound) {
			return err
		}
		return newError(CodePathCreate, err, "Failed to create path: %s", r.opts.SeedPath)
	}
	r.trace("%s", msg)
	r.result.SeedPath = r.opts.SeedPath
	return r.advance(PhaseSeedGenerated)
}

// templateValues returns the caller's values with the seed and log paths
// added when the caller did not set them.
func (r *run) templateValues() vm.TemplateValues {
	return r.opts.TemplateValues.
		SetDefault(vm.KeyCDISOPath, r.opts.SeedPath).
		SetDefault(vm.KeyLogFilePath, r.result.LogPath)
}

func (r *run) start(ctx context.Context) error {
	req := vm.CreateRequest{
		Name:           r.opts.VMName,
		Image:          r.img.Path,
		TemplatePath:   r.opts.TemplatePath,
		TemplateValues: r.templateValues(),
		DiskDriverType: string(r.img.Format),
		CPUMode:        r.opts.CPUModel,
		NumVCPUs:       r.opts.VCPUs,
		MemorySize:     r.opts.Memory,
	}

	id, _, err := r.deps.Controller.CreateAndStart(ctx, req)
	if id != "" {
		r.result.InstanceID = id
	}
	if err != nil {
		if errors.Is(err, tools.ErrToolNotFound) {
			return err
		}
		return newError(CodeConfigureImage, err, "Failed to configure image: %s - error: failed to configure image", r.img.Path)
	}
	r.trace("Started the configure VM: %s with id: %s", r.opts.VMName, id)
	return r.advance(PhaseStarted)
}

func (r *run) completion(ctx context.Context) error {
	r.trace("Waiting for the configuration process to finish")
	r.deps.Log.Info("Waiting for cloud-init to finish", "log", r.result.LogPath)

	if err := r.deps.Watcher.WaitForCompletion(ctx, r.result.LogPath); err != nil {
		return newError(CodeConfigureImage, err, "Failed to finish configuring the image")
	}
	r.trace("Finished configuring the image in the instance: %s", r.result.InstanceID)
	return r.advance(PhaseConfigured)
}

func (r *run) teardown(ctx context.Context) error {
	id := r.result.InstanceID
	c := r.deps.Controller

	r.deps.Log.Info("Stopping instance", "id", id)
	if _, err := c.Action(ctx, vm.ActionStop, id); err != nil {
		return newError(CodeConfigureImage, err, "Failed to shutdown the VM: %s after configuration", id)
	}
	msg, err := c.WaitForShutdown(ctx, id)
	if err != nil {
		return newError(CodeConfigureImage, err, "Failed to shutdown the VM: %s after configuration", id)
	}
	r.trace("%s", msg)
	r.stopped = true
	if err := r.advance(PhaseStopped); err != nil {
		return err
	}

	r.deps.Log.Info("Removing instance", "id", id)
	if _, err := c.Action(ctx, vm.ActionRemove, id); err != nil {
		return newError(CodeConfigureImage, err, "Failed to remove the VM: %s after configuration", id)
	}
	msg, err = c.WaitForRemoved(ctx, id)
	if err != nil {
		return newError(CodeConfigureImage, err, "Failed to remove the VM: %s after configuration", id)
	}
	r.trace("%s", msg)
	return r.advance(PhaseRemoved)
}

func (r *run) reset(ctx context.Context) error {
	r.deps.Log.Info("Resetting image", "image", r.img.Path)

	out, err := r.deps.Resetter.Reset(ctx, r.img.Path, r.opts.ResetOperations, r.opts.VerboseReset)
	if err != nil {
		if errors.Is(err, tools.ErrToolNotFound) {
			return err
		}
		return newError(CodeResetImage, err, "Failed to reset image: %s - error: failed to reset image", r.img.Path)
	}
	if out != "" {
		r.trace("%s", out)
	}
	return r.advance(PhaseReset)
}

// cleanup makes one attempt to stop and remove the instance. Its failures are
// logged and traced but never replace the run's error.
func (r *run) cleanup(ctx context.Context) {
	timeout := r.opts.CleanupTimeout
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	id := r.result.InstanceID
	c := r.deps.Controller
	log := r.deps.Log.WithValues("id", id)
	log.Info("Cleaning up instance after failure")

	if !r.stopped {
		if _, err := c.Action(ctx, vm.ActionStop, id); err != nil {
			log.Error(err, "Cleanup stop failed")
			r.trace("Cleanup: failed to stop the VM: %s: %v", id, err)
		} else if _, err := c.WaitForShutdown(ctx, id); err != nil {
			log.Error(err, "Cleanup shutdown wait failed")
			r.trace("Cleanup: the VM: %s did not shut down: %v", id, err)
		}
	}

	if _, err := c.Action(ctx, vm.ActionRemove, id); err != nil {
		log.Error(err, "Cleanup remove failed")
		r.trace("Cleanup: failed to remove the VM: %s: %v", id, err)
		return
	}
	if _, err := c.WaitForRemoved(ctx, id); err != nil {
		log.Error(err, "Cleanup removal wait failed")
		r.trace("Cleanup: the VM: %s was not removed: %v", id, err)
		return
	}
	r.trace("Cleanup: removed the VM: %s", id)
}
