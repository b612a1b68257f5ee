package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/configure"
	"github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/provider"
	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/sysprep"
	"github.com/jbweber/kiln/internal/tools"
	"github.com/jbweber/kiln/internal/vm"
	"github.com/jbweber/kiln/internal/watcher"
)

var configureCmd = &cobra.Command{
	Use:   "configure <image>",
	Short: "Configure a disk image with cloud-init and reset it",
	Long: `Configure a VM disk image in place.

This will:
- Build a cloud-init seed image from the configured files
- Create and start a VM that boots the image with the seed attached
- Wait for cloud-init to report completion on the VM console log
- Stop and remove the VM
- Run virt-sysprep against the image

Cloud-init files that do not exist are skipped. An existing console log is
never reused; the next free name (log.0, log.1, ...) is picked instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runE(func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		if err := applyConfigureFlags(cmd.Flags(), a.cfg); err != nil {
			return fmt.Errorf("%w: %w", config.ErrLoad, err)
		}

		opts, err := configureOptions(a.cfg, args[0])
		if err != nil {
			return err
		}

		var rec *metrics.Recorder
		if a.cfg.MetricsTextfile != "" {
			rec = metrics.New()
		}

		deps, closeFn, err := buildDeps(cmd.Context(), a.cfg, a.fs, rec, a.log)
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := configure.Run(cmd.Context(), deps, opts)
		if rec != nil {
			path, perr := absPath(a.cfg.MetricsTextfile)
			if perr == nil {
				perr = rec.WriteTextfile(path)
			}
			if perr != nil {
				a.log.Error(perr, "Failed to write metrics")
			}
		}
		if err != nil {
			return err
		}

		a.succeed(res.Msg, res.Trace)
		return nil
	}),
}

func init() {
	addConfigureFlags(configureCmd.Flags())
}

func addConfigureFlags(f *pflag.FlagSet) {
	d := config.Default()

	f.String("image-format", "", "Format of the image (inferred from the extension when unset)")
	f.String("config-user-data-path", d.CloudInit.UserDataPath, "Path to the cloud-init user-data file")
	f.String("config-meta-data-path", d.CloudInit.MetaDataPath, "Path to the cloud-init meta-data file")
	f.String("config-vendor-data-path", d.CloudInit.VendorDataPath, "Path to the cloud-init vendor-data file")
	f.String("config-network-config-path", d.CloudInit.NetworkConfigPath, "Path to the cloud-init network-config file")
	f.String("configure-vm-orchestrator", d.Orchestrator.Driver, "VM orchestrator (libvirt-provider, libvirt)")
	f.StringP("configure-vm-name", "n", d.VM.Name, "Name of the VM used to configure the image")
	f.String("configure-vm-cpu-model", "", "CPU model of the configure VM")
	f.String("configure-vm-vcpus", d.VM.VCPUs, "Number of virtual CPUs of the configure VM")
	f.String("configure-vm-memory", d.VM.Memory, "Memory of the configure VM")
	f.String("cloud-init-iso-output-path", d.Seed.OutputPath, "Path of the generated seed image")
	f.String("configure-vm-log-path", d.VM.LogPath, "Path of the configure VM console log")
	f.String("configure-vm-template-path", d.VM.TemplatePath, "Path of the VM template passed to the orchestrator")
	f.StringArrayP("configure-vm-template-values", "t", nil, "Extra template values as KEY=VALUE[,KEY=VALUE] (repeatable; commas not followed by KEY= stay in the value)")
	f.String("reset-operations", d.Sysprep.Operations, "virt-sysprep operations")
	f.BoolP("verbose", "v", false, "Include the step trace in the report")
	f.Bool("verbose-reset", false, "Run virt-sysprep with --verbose")
	f.Duration("completion-timeout", d.Wait.CompletionTimeout, "How long to wait for cloud-init to finish (0 waits forever)")
	f.Int("poll-attempts", d.Wait.PollAttempts, "Polls before giving up on a VM state change")
	f.Duration("poll-interval", d.Wait.PollInterval, "Pause between VM state polls")
	f.Bool("no-cleanup", false, "Leave the VM in place when a step after create fails")
	f.Bool("random-name", false, "Append a random suffix to the VM name, seed and log paths")
	f.String("seed-builder", d.Seed.Builder, "Seed image builder (external, native)")
	f.String("metrics-textfile", "", "Write run metrics to this file in node-exporter textfile format")
}

// applyConfigureFlags copies every explicitly set flag over cfg.
func applyConfigureFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}

	str("image-format", &cfg.Image.Format)
	str("config-user-data-path", &cfg.CloudInit.UserDataPath)
	str("config-meta-data-path", &cfg.CloudInit.MetaDataPath)
	str("config-vendor-data-path", &cfg.CloudInit.VendorDataPath)
	str("config-network-config-path", &cfg.CloudInit.NetworkConfigPath)
	str("configure-vm-orchestrator", &cfg.Orchestrator.Driver)
	str("configure-vm-name", &cfg.VM.Name)
	str("configure-vm-cpu-model", &cfg.VM.CPUModel)
	str("configure-vm-vcpus", &cfg.VM.VCPUs)
	str("configure-vm-memory", &cfg.VM.Memory)
	str("cloud-init-iso-output-path", &cfg.Seed.OutputPath)
	str("configure-vm-log-path", &cfg.VM.LogPath)
	str("configure-vm-template-path", &cfg.VM.TemplatePath)
	str("reset-operations", &cfg.Sysprep.Operations)
	str("seed-builder", &cfg.Seed.Builder)
	str("metrics-textfile", &cfg.MetricsTextfile)

	if flags.Changed("configure-vm-template-values") {
		entries, _ := flags.GetStringArray("configure-vm-template-values")
		values, err := vm.ParseTemplateValues(entries...)
		if err != nil {
			return err
		}
		// Flag values win over the config file.
		cfg.VM.TemplateValues.TemplateValues = cfg.VM.TemplateValues.Merge(values)
	}
	if flags.Changed("verbose") {
		cfg.Verbose, _ = flags.GetBool("verbose")
	}
	if flags.Changed("verbose-reset") {
		cfg.Sysprep.Verbose, _ = flags.GetBool("verbose-reset")
	}
	if flags.Changed("completion-timeout") {
		cfg.Wait.CompletionTimeout, _ = flags.GetDuration("completion-timeout")
	}
	if flags.Changed("poll-attempts") {
		cfg.Wait.PollAttempts, _ = flags.GetInt("poll-attempts")
	}
	if flags.Changed("poll-interval") {
		cfg.Wait.PollInterval, _ = flags.GetDuration("poll-interval")
	}
	if flags.Changed("no-cleanup") {
		noCleanup, _ := flags.GetBool("no-cleanup")
		cfg.CleanupOnFailure = !noCleanup
	}
	if flags.Changed("random-name") {
		cfg.RandomName, _ = flags.GetBool("random-name")
	}

	cfg.Normalize()
	return cfg.Validate()
}

// configureOptions turns cfg into run options with absolute paths.
func configureOptions(cfg *config.Config, imageArg string) (configure.Options, error) {
	name, seedPath, logPath := cfg.VM.Name, cfg.Seed.OutputPath, cfg.VM.LogPath
	if cfg.RandomName {
		suffix := naming.RandomSuffix()
		name = naming.NameWithSuffix(name, suffix)
		seedPath = naming.PathWithSuffix(seedPath, suffix)
		logPath = naming.PathWithSuffix(logPath, suffix)
	}

	paths := []*string{
		&imageArg,
		&seedPath,
		&logPath,
		&cfg.CloudInit.UserDataPath,
		&cfg.CloudInit.MetaDataPath,
		&cfg.CloudInit.VendorDataPath,
		&cfg.CloudInit.NetworkConfigPath,
		&cfg.VM.TemplatePath,
	}
	for _, p := range paths {
		abs, err := absPath(*p)
		if err != nil {
			return configure.Options{}, fmt.Errorf("%w: %s: %w", config.ErrLoad, *p, err)
		}
		*p = abs
	}

	return configure.Options{
		Image:       imageArg,
		ImageFormat: cfg.Image.Format,
		CloudInit: cloudinit.Paths{
			UserData:      cfg.CloudInit.UserDataPath,
			MetaData:      cfg.CloudInit.MetaDataPath,
			VendorData:    cfg.CloudInit.VendorDataPath,
			NetworkConfig: cfg.CloudInit.NetworkConfigPath,
		},
		SeedPath:        seedPath,
		LogPath:         logPath,
		VMName:          name,
		CPUModel:        cfg.VM.CPUModel,
		VCPUs:           cfg.VM.VCPUs,
		Memory:          cfg.VM.Memory,
		TemplatePath:    cfg.VM.TemplatePath,
		TemplateValues:  cfg.VM.TemplateValues.TemplateValues,
		ResetOperations: cfg.Sysprep.Operations,
		VerboseReset:    cfg.Sysprep.Verbose,
		Cleanup:         cfg.CleanupOnFailure,
	}, nil
}

// buildDeps wires the production collaborators for cfg. The returned
// function releases the orchestrator connection, if any.
func buildDeps(ctx context.Context, cfg *config.Config, fs afero.Fs, rec *metrics.Recorder, log logr.Logger) (configure.Deps, func(), error) {
	r := runner.New()
	finder := tools.NewFinder()
	closeFn := func() {}

	var orchestrator vm.Orchestrator
	switch cfg.Orchestrator.Driver {
	case config.DriverLibvirt:
		client, err := libvirt.Connect(ctx, libvirt.Options{Socket: cfg.Orchestrator.Socket})
		if err != nil {
			return configure.Deps{}, closeFn, fmt.Errorf("failed to connect to libvirt: %w", err)
		}
		closeFn = func() {
			if err := client.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", err)
			}
		}
		orchestrator = libvirt.NewDriver(client, log)
	default:
		orchestrator = provider.New(cfg.Orchestrator.Tool, r, finder, log)
	}

	controller := vm.NewController(orchestrator, log)
	controller.MaxAttempts = cfg.Wait.PollAttempts
	controller.Interval = cfg.Wait.PollInterval

	w := watcher.New(fs, log)
	w.PollInterval = cfg.Wait.CompletionInterval
	w.Timeout = cfg.Wait.CompletionTimeout

	if rec != nil {
		controller.OnPoll = rec.IncPoll
		w.OnPoll = func() { rec.IncPoll("completion") }
	}

	var seed cloudinit.SeedBuilder
	if cfg.Seed.Builder == config.BuilderNative {
		seed = cloudinit.NewNativeBuilder(fs)
	} else {
		seed = cloudinit.NewExternalBuilder(r, finder, log)
	}

	return configure.Deps{
		Fs:         fs,
		Seed:       seed,
		Controller: controller,
		Watcher:    w,
		Resetter:   sysprep.New(r, finder, fs, cfg.Sysprep.Backend, log),
		Metrics:    rec,
		Log:        log,
	}, closeFn, nil
}
