package configure

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/provider"
	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/runner/runnertest"
	"github.com/jbweber/kiln/internal/sysprep"
	"github.com/jbweber/kiln/internal/tools"
	"github.com/jbweber/kiln/internal/vm"
	"github.com/jbweber/kiln/internal/watcher"
)

const (
	isoTool      = "/usr/bin/genisoimage"
	providerTool = "/usr/bin/libvirt-provider"
	sysprepTool  = "/usr/bin/virt-sysprep"
	imagePath    = "/images/disk.qcow2"
	finishedLine = "Cloud-init v. 23.4 finished at Wed, 14 Oct 2026 10:00:00 +0000. Datasource DataSourceNoCloud [seed=/dev/sr0].  Up 42.17 seconds"
)

// fakeFinder resolves names to /usr/bin unless they are listed as missing.
type fakeFinder struct {
	missing map[string]bool
}

func (f *fakeFinder) Discover(candidates ...string) (string, error) {
	for _, c := range candidates {
		if !f.missing[c] {
			return "/usr/bin/" + c, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", tools.ErrToolNotFound, strings.Join(candidates, ", "))
}

// fixture is a host with an ISO tool, libvirt-provider and virt-sysprep
// that all behave. Individual verbs can be replaced through override.
type fixture struct {
	fs       afero.Fs
	runner   *runnertest.Fake
	finder   *fakeFinder
	override map[string]runnertest.HandlerFunc
	metrics  *metrics.Recorder

	// writeLog is false to simulate a guest that never finishes.
	writeLog bool
	logPath  string
	stopped  bool
	removed  bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		fs:       afero.NewMemMapFs(),
		finder:   &fakeFinder{missing: map[string]bool{}},
		override: map[string]runnertest.HandlerFunc{},
		writeLog: true,
	}
	f.runner = runnertest.New(f.handle)

	require.NoError(t, afero.WriteFile(f.fs, imagePath, []byte("QFI\xfb"), 0o644))
	for _, name := range []string{"user-data", "meta-data", "vendor-data", "network-config"} {
		require.NoError(t, afero.WriteFile(f.fs, "/work/cloud-init/"+name, []byte("#"+name), 0o644))
	}
	return f
}

func verb(argv []string) string {
	switch argv[0] {
	case isoTool:
		return "iso"
	case sysprepTool:
		return "sysprep"
	case providerTool:
		if len(argv) > 2 {
			return argv[2]
		}
	}
	return argv[0]
}

func (f *fixture) handle(ctx context.Context, call runnertest.Call) (*runner.Result, error) {
	argv := call.Argv
	v := verb(argv)
	if h, ok := f.override[v]; ok {
		return h(ctx, call)
	}

	switch v {
	case "iso":
		if err := afero.WriteFile(f.fs, argv[2], []byte("iso"), 0o644); err != nil {
			return nil, err
		}
		return runnertest.OK(argv, ""), nil

	case "create":
		for i, a := range argv {
			if a == "--extra-template-path-values" {
				values, err := vm.ParseTemplateValues(argv[i+1])
				if err != nil {
					return nil, err
				}
				f.logPath, _ = values.Get(vm.KeyLogFilePath)
			}
		}
		return runnertest.JSON(argv, map[string]any{"instance": map[string]any{"id": "vm-1"}}), nil

	case "start":
		if f.writeLog {
			log := "[    0.000000] Linux version 6.1\nCloud-init v. 23.4 running 'modules:final'\n" + finishedLine + "\n"
			if err := afero.WriteFile(f.fs, f.logPath, []byte(log), 0o644); err != nil {
				return nil, err
			}
		}
		return runnertest.JSON(argv, map[string]any{"instance": map[string]any{"id": "vm-1", "state": "running"}}), nil

	case "stop":
		f.stopped = true
		return runnertest.JSON(argv, map[string]any{}), nil

	case "remove":
		f.removed = true
		return runnertest.JSON(argv, map[string]any{}), nil

	case "show":
		if f.removed {
			return runnertest.Fail(argv, 1, "instance not found")
		}
		state := "running"
		if f.stopped {
			state = vm.StateShutOff
		}
		return runnertest.JSON(argv, map[string]any{"instance": map[string]any{"id": "vm-1", "state": state}}), nil

	case "sysprep":
		return runnertest.OK(argv, "[   0.0] Examining the guest ...\n[  12.3] Performing \"machine-id\" ..."), nil
	}
	return runnertest.Fail(argv, 127, "unexpected command")
}

func (f *fixture) deps() Deps {
	log := logr.Discard()

	controller := vm.NewController(provider.New(tools.Orchestrator, f.runner, f.finder, log), log)
	controller.MaxAttempts = 3
	controller.Sleep = func(context.Context, time.Duration) error { return nil }

	w := watcher.New(f.fs, log)
	w.PollInterval = time.Millisecond
	w.Timeout = time.Second

	seed := cloudinit.NewExternalBuilder(f.runner, f.finder, log)
	seed.GOOS = "linux"

	return Deps{
		Fs:         f.fs,
		Seed:       seed,
		Controller: controller,
		Watcher:    w,
		Resetter:   sysprep.New(f.runner, f.finder, f.fs, "", log),
		Metrics:    f.metrics,
		Log:        log,
	}
}

func testOptions() Options {
	return Options{
		Image: imagePath,
		CloudInit: cloudinit.Paths{
			UserData:      "/work/cloud-init/user-data",
			MetaData:      "/work/cloud-init/meta-data",
			VendorData:    "/work/cloud-init/vendor-data",
			NetworkConfig: "/work/cloud-init/network-config",
		},
		SeedPath:        "/work/cloud-init/cidata.iso",
		LogPath:         "/work/tmp/configure-vm.log",
		VMName:          "configure-vm-image",
		VCPUs:           "1",
		Memory:          "2048MiB",
		TemplatePath:    "/work/res/configure-vm-template.xml.j2",
		ResetOperations: sysprep.DefaultOperations,
		Cleanup:         true,
	}
}

func (f *fixture) provider(action string) []runnertest.Call {
	return f.runner.CallsWithPrefix(providerTool, "instance", action)
}

func filesWithExt(t *testing.T, fs afero.Fs, dir, ext string) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	var out []string
	for _, info := range infos {
		if strings.Contains(info.Name(), ext) {
			out = append(out, info.Name())
		}
	}
	return out
}

func TestRun_Success(t *testing.T) {
	f := newFixture(t)

	res, err := Run(context.Background(), f.deps(), testOptions())
	require.NoError(t, err)

	assert.Equal(t, PhaseReset, res.Phase)
	assert.NotEmpty(t, res.Msg)
	assert.Equal(t, "vm-1", res.InstanceID)
	assert.Equal(t, "qcow2", string(res.Format))
	assert.Equal(t, "/work/tmp/configure-vm.log", res.LogPath)
	assert.Equal(t, "/work/cloud-init/cidata.iso", res.SeedPath)

	// One seed image and one log.
	assert.Equal(t, []string{"cidata.iso"}, filesWithExt(t, f.fs, "/work/cloud-init", ".iso"))
	assert.Equal(t, []string{"configure-vm.log"}, filesWithExt(t, f.fs, "/work/tmp", ".log"))

	assert.Equal(t, []string{
		isoTool + " -output /work/cloud-init/cidata.iso -V cidata --joliet --rock" +
			" /work/cloud-init/user-data /work/cloud-init/meta-data /work/cloud-init/vendor-data /work/cloud-init/network-config",
		providerTool + " instance create configure-vm-image " + imagePath +
			" --template-path /work/res/configure-vm-template.xml.j2" +
			" --extra-template-path-values cd_iso_path=/work/cloud-init/cidata.iso,log_file_path=/work/tmp/configure-vm.log" +
			" --disk-driver-type qcow2 --num-vcpus 1 --memory-size 2048MiB",
		providerTool + " instance start vm-1",
		providerTool + " instance stop vm-1",
		providerTool + " instance show vm-1",
		providerTool + " instance remove vm-1",
		providerTool + " instance show vm-1",
		sysprepTool + " -a " + imagePath + " --operations defaults,-ssh-userdir",
	}, f.runner.Joined())

	assert.Contains(t, res.Trace, "Automatically discovered image format: qcow2 to configure the disk image")
	assert.Contains(t, res.Trace, "VM: vm-1 was successfully shut down")
	assert.Contains(t, res.Trace, "VM: vm-1 was successfully removed")
}

func TestRun_MissingBundleFilesAreSkipped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.fs.Remove("/work/cloud-init/meta-data"))
	require.NoError(t, f.fs.Remove("/work/cloud-init/vendor-data"))

	res, err := Run(context.Background(), f.deps(), testOptions())
	require.NoError(t, err)

	iso := f.runner.CallsWithPrefix(isoTool)
	require.Len(t, iso, 1)
	assert.Equal(t, []string{"/work/cloud-init/user-data", "/work/cloud-init/network-config"}, iso[0].Argv[7:])
	for _, a := range iso[0].Argv {
		assert.NotContains(t, a, "meta-data")
	}
	assert.Contains(t, strings.Join(res.Trace, "\n"), "could not find the meta-data configuration file")
}

func TestRun_ExplicitFormatAndTemplateValues(t *testing.T) {
	f := newFixture(t)
	opts := testOptions()
	opts.ImageFormat = "raw"
	opts.TemplateValues = vm.TemplateValues{{Key: "network", Value: "default"}, {Key: vm.KeyCDISOPath, Value: "/custom.iso"}}

	res, err := Run(context.Background(), f.deps(), opts)
	require.NoError(t, err)
	assert.NotContains(t, res.Trace, "Automatically discovered image format: qcow2 to configure the disk image")

	create := f.provider("create")
	require.Len(t, create, 1)
	joined := strings.Join(create[0].Argv, " ")
	assert.Contains(t, joined, "--extra-template-path-values network=default,cd_iso_path=/custom.iso,log_file_path=/work/tmp/configure-vm.log")
	assert.Contains(t, joined, "--disk-driver-type raw")
}

func TestRun_LogPathCollision(t *testing.T) {
	f := newFixture(t)
	stale := []byte(finishedLine + "\n")
	require.NoError(t, afero.WriteFile(f.fs, "/work/tmp/configure-vm.log", stale, 0o644))
	require.NoError(t, afero.WriteFile(f.fs, "/work/tmp/configure-vm.log.0", stale, 0o644))

	res, err := Run(context.Background(), f.deps(), testOptions())
	require.NoError(t, err)

	assert.Equal(t, "/work/tmp/configure-vm.log.1", res.LogPath)
	assert.Equal(t, "/work/tmp/configure-vm.log.1", f.logPath)

	data, err := afero.ReadFile(f.fs, "/work/tmp/configure-vm.log")
	require.NoError(t, err)
	assert.Equal(t, stale, data)
}

func TestRun_CreateWithoutInstanceID(t *testing.T) {
	f := newFixture(t)
	f.override["create"] = func(_ context.Context, call runnertest.Call) (*runner.Result, error) {
		return runnertest.JSON(call.Argv, map[string]any{"output": map[string]any{"instance": map[string]any{"name": "configure-vm-image"}}}), nil
	}

	res, err := Run(context.Background(), f.deps(), testOptions())
	require.Error(t, err)

	assert.Equal(t, CodeConfigureImage, CodeOf(err))
	assert.True(t, errors.Is(err, vm.ErrUnexpectedResponse))
	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Empty(t, res.InstanceID)

	assert.Empty(t, f.provider("start"))
	assert.Empty(t, f.provider("stop"))
	assert.Empty(t, f.provider("remove"))
	assert.Empty(t, f.runner.CallsWithPrefix(sysprepTool))
}

func TestRun_ImageNotFound(t *testing.T) {
	f := newFixture(t)
	opts := testOptions()
	opts.Image = "/images/missing.qcow2"

	res, err := Run(context.Background(), f.deps(), opts)
	require.Error(t, err)
	assert.Equal(t, CodePathNotFound, CodeOf(err))
	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Empty(t, f.runner.Calls)
}

func TestRun_UnknownImageFormatIsLeftToOrchestrator(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.fs, "/images/disk", make([]byte, 1024), 0o644))
	opts := testOptions()
	opts.Image = "/images/disk"

	res, err := Run(context.Background(), f.deps(), opts)
	require.NoError(t, err)
	assert.Equal(t, PhaseReset, res.Phase)
	assert.Empty(t, string(res.Format))
	assert.Contains(t, res.Trace, "Could not discover the format of image: /images/disk, leaving the disk driver type to the orchestrator")

	creates := f.runner.CallsWithPrefix(providerTool, "instance", "create")
	require.Len(t, creates, 1)
	assert.NotContains(t, creates[0].Argv, "--disk-driver-type")
	assert.Contains(t, creates[0].Argv, "/images/disk")
}

func TestRun_ToolNotFound(t *testing.T) {
	tests := []struct {
		name      string
		tool      string
		wantCalls int
	}{
		{"iso tool", tools.Genisoimage, 0},
		{"orchestrator", tools.Orchestrator, 1},
		{"sysprep", tools.VirtSysprep, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.finder.missing[tt.tool] = true

			_, err := Run(context.Background(), f.deps(), testOptions())
			require.Error(t, err)

			assert.True(t, errors.Is(err, tools.ErrToolNotFound))
			assert.Equal(t, CodeToolNotFound, CodeOf(err))
			var runErr *Error
			assert.False(t, errors.As(err, &runErr), "discovery errors are not wrapped")
			assert.Len(t, f.runner.Calls, tt.wantCalls)
		})
	}
}

func TestRun_SeedToolFails(t *testing.T) {
	f := newFixture(t)
	f.override["iso"] = func(_ context.Context, call runnertest.Call) (*runner.Result, error) {
		return runnertest.Fail(call.Argv, 2, "genisoimage: Permission denied")
	}

	_, err := Run(context.Background(), f.deps(), testOptions())
	require.Error(t, err)
	assert.Equal(t, CodePathCreate, CodeOf(err))
	assert.True(t, errors.Is(err, cloudinit.ErrSeedCreate))
	assert.Contains(t, err.Error(), "Permission denied")
	assert.Empty(t, f.provider("create"))
}

func TestRun_ResetFails(t *testing.T) {
	f := newFixture(t)
	f.override["sysprep"] = func(_ context.Context, call runnertest.Call) (*runner.Result, error) {
		return runnertest.Fail(call.Argv, 1, "virt-sysprep: error: libguestfs error: could not create appliance")
	}

	res, err := Run(context.Background(), f.deps(), testOptions())
	require.Error(t, err)
	assert.Equal(t, CodeResetImage, CodeOf(err))
	assert.True(t, errors.Is(err, sysprep.ErrReset))
	assert.Equal(t, PhaseFailed, res.Phase)

	// The VM was already removed, so there is nothing to clean up.
	assert.Len(t, f.provider("stop"), 1)
	assert.Len(t, f.provider("remove"), 1)
}

func TestRun_CompletionTimeoutCleansUp(t *testing.T) {
	f := newFixture(t)
	f.writeLog = false

	deps := f.deps()
	deps.Watcher.(*watcher.Watcher).Timeout = 20 * time.Millisecond

	res, err := Run(context.Background(), deps, testOptions())
	require.Error(t, err)
	assert.Equal(t, CodeConfigureImage, CodeOf(err))
	assert.True(t, errors.Is(err, watcher.ErrCompletionTimeout))

	assert.Len(t, f.provider("stop"), 1)
	assert.Len(t, f.provider("remove"), 1)
	assert.Contains(t, res.Trace, "Cleanup: removed the VM: vm-1")
	assert.Empty(t, f.runner.CallsWithPrefix(sysprepTool))
}

func TestRun_NoCleanupLeavesInstance(t *testing.T) {
	f := newFixture(t)
	f.writeLog = false

	deps := f.deps()
	deps.Watcher.(*watcher.Watcher).Timeout = 20 * time.Millisecond
	opts := testOptions()
	opts.Cleanup = false

	_, err := Run(context.Background(), deps, opts)
	require.Error(t, err)
	assert.Empty(t, f.provider("stop"))
	assert.Empty(t, f.provider("remove"))
}

func TestRun_CleanupFailureKeepsRunError(t *testing.T) {
	f := newFixture(t)
	f.writeLog = false
	f.override["remove"] = func(_ context.Context, call runnertest.Call) (*runner.Result, error) {
		return runnertest.Fail(call.Argv, 1, "domain is locked")
	}

	deps := f.deps()
	deps.Watcher.(*watcher.Watcher).Timeout = 20 * time.Millisecond

	res, err := Run(context.Background(), deps, testOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, watcher.ErrCompletionTimeout))
	assert.Contains(t, strings.Join(res.Trace, "\n"), "Cleanup: failed to remove the VM: vm-1")
}

func TestRun_ShutdownNeverCompletes(t *testing.T) {
	f := newFixture(t)
	f.override["stop"] = func(_ context.Context, call runnertest.Call) (*runner.Result, error) {
		return runnertest.JSON(call.Argv, map[string]any{}), nil
	}

	res, err := Run(context.Background(), f.deps(), testOptions())
	require.Error(t, err)
	assert.Equal(t, CodeConfigureImage, CodeOf(err))
	assert.True(t, errors.Is(err, vm.ErrWaitExhausted))
	assert.Equal(t, PhaseFailed, res.Phase)

	// Three polls from the run, then cleanup stops again, polls three more
	// times and still removes the instance.
	assert.Len(t, f.provider("stop"), 2)
	assert.Len(t, f.provider("remove"), 1)
	assert.Len(t, f.provider("show"), 7)
}

func TestRun_Metrics(t *testing.T) {
	f := newFixture(t)
	f.metrics = metrics.New()

	_, err := Run(context.Background(), f.deps(), testOptions())
	require.NoError(t, err)

	families, err := f.metrics.Registry().Gather()
	require.NoError(t, err)

	var success float64 = -1
	var phases int
	for _, fam := range families {
		switch fam.GetName() {
		case "kiln_run_success":
			success = fam.GetMetric()[0].GetGauge().GetValue()
		case "kiln_phase_duration_seconds":
			phases = len(fam.GetMetric())
		}
	}
	assert.Equal(t, 1.0, success)
	assert.Equal(t, 6, phases)
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, f.deps(), testOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, f.runner.Calls)
}

func TestRun_DirectoriesCreated(t *testing.T) {
	f := newFixture(t)
	opts := testOptions()
	opts.SeedPath = "/out/seeds/cidata.iso"
	opts.LogPath = "/out/logs/configure-vm.log"

	_, err := Run(context.Background(), f.deps(), opts)
	require.NoError(t, err)

	for _, dir := range []string{"/out/seeds", "/out/logs"} {
		ok, err := afero.DirExists(f.fs, filepath.Clean(dir))
		require.NoError(t, err)
		assert.True(t, ok, dir)
	}
}
