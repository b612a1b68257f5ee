package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/configure"
	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/tools"
)

// Seed image commands
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Manage cloud-init seed images",
	Long: `Manage the cloud-init NoCloud seed image attached to the configure VM.

A seed image is an ISO 9660 filesystem labelled cidata holding the
user-data, meta-data, vendor-data and network-config documents.`,
}

func init() {
	seedCmd.AddCommand(seedGenerateCmd)
	seedCmd.AddCommand(seedInitCmd)
}

var seedGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Build a seed image from cloud-init files",
	Long: `Build a seed image without configuring anything.

Cloud-init files that do not exist are left out of the image.`,
	Args: cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		cfg := a.cfg
		for name, dst := range map[string]*string{
			"config-user-data-path":      &cfg.CloudInit.UserDataPath,
			"config-meta-data-path":      &cfg.CloudInit.MetaDataPath,
			"config-vendor-data-path":    &cfg.CloudInit.VendorDataPath,
			"config-network-config-path": &cfg.CloudInit.NetworkConfigPath,
			"cloud-init-iso-output-path": &cfg.Seed.OutputPath,
			"seed-builder":               &cfg.Seed.Builder,
		} {
			if flags.Changed(name) {
				*dst, _ = flags.GetString(name)
			}
		}
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%w: %w", config.ErrLoad, err)
		}

		paths := cloudinit.Paths{}
		for dst, src := range map[*string]string{
			&paths.UserData:      cfg.CloudInit.UserDataPath,
			&paths.MetaData:      cfg.CloudInit.MetaDataPath,
			&paths.VendorData:    cfg.CloudInit.VendorDataPath,
			&paths.NetworkConfig: cfg.CloudInit.NetworkConfigPath,
		} {
			if *dst, err = absPath(src); err != nil {
				return err
			}
		}
		output, err := absPath(cfg.Seed.OutputPath)
		if err != nil {
			return err
		}

		if err := a.fs.MkdirAll(filepath.Dir(output), 0o755); err != nil {
			return &configure.Error{Code: configure.CodePathCreate, Msg: "Failed to create path: " + filepath.Dir(output), Err: err}
		}

		bundle, notes := cloudinit.ResolveBundle(a.fs, paths)
		for _, note := range notes {
			a.log.Info(note)
		}

		var builder cloudinit.SeedBuilder
		if cfg.Seed.Builder == config.BuilderNative {
			builder = cloudinit.NewNativeBuilder(a.fs)
		} else {
			builder = cloudinit.NewExternalBuilder(runner.New(), tools.NewFinder(), a.log)
		}

		msg, err := builder.Build(cmd.Context(), output, bundle)
		if err != nil {
			if errors.Is(err, tools.ErrToolNotFound) {
				return err
			}
			return &configure.Error{Code: configure.CodePathCreate, Msg: "Failed to create path: " + output, Err: err}
		}

		a.succeed(msg, notes)
		return nil
	}),
}

var seedInitCmd = &cobra.Command{
	Use:   "init <dir>",
	Short: "Write default cloud-init files",
	Long: `Write a user-data and meta-data pair (and optionally a DHCP
network-config) into dir.

The user-data sets the hostname, installs the given SSH keys and prints a
final message carrying the completion markers the configure command waits
for. Existing files are kept unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runE(func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}

		dir, err := absPath(args[0])
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		opts := cloudinit.InitOptions{}
		opts.Hostname, _ = flags.GetString("hostname")
		opts.SSHKeys, _ = flags.GetStringArray("ssh-key")
		opts.InstanceID, _ = flags.GetString("instance-id")
		opts.Network, _ = flags.GetBool("network")
		opts.Force, _ = flags.GetBool("force")

		keyFiles, _ := flags.GetStringArray("ssh-key-file")
		keys, err := readKeyFiles(a.fs, keyFiles)
		if err != nil {
			return err
		}
		opts.SSHKeys = append(opts.SSHKeys, keys...)

		written, err := cloudinit.WriteDefaults(a.fs, dir, opts)
		if err != nil {
			if errors.Is(err, cloudinit.ErrExists) {
				return &configure.Error{Code: configure.CodePathCreate, Msg: "Failed to create path: " + dir + " (use --force to overwrite)", Err: err}
			}
			return &configure.Error{Code: configure.CodePathCreate, Msg: "Failed to create path: " + dir, Err: err}
		}

		a.succeed(fmt.Sprintf("Wrote %d cloud-init files to %s", len(written), dir), written)
		return nil
	}),
}

func init() {
	d := config.Default()

	f := seedGenerateCmd.Flags()
	f.String("config-user-data-path", d.CloudInit.UserDataPath, "Path to the cloud-init user-data file")
	f.String("config-meta-data-path", d.CloudInit.MetaDataPath, "Path to the cloud-init meta-data file")
	f.String("config-vendor-data-path", d.CloudInit.VendorDataPath, "Path to the cloud-init vendor-data file")
	f.String("config-network-config-path", d.CloudInit.NetworkConfigPath, "Path to the cloud-init network-config file")
	f.String("cloud-init-iso-output-path", d.Seed.OutputPath, "Path of the generated seed image")
	f.String("seed-builder", d.Seed.Builder, "Seed image builder (external, native)")
	f.BoolP("verbose", "v", false, "Include skipped files in the report")

	f = seedInitCmd.Flags()
	f.String("hostname", "configure-vm", "Hostname of the configure VM")
	f.StringArray("ssh-key", nil, "Authorized SSH public key (repeatable)")
	f.StringArray("ssh-key-file", nil, "File holding authorized SSH public keys, one per line (repeatable)")
	f.String("instance-id", "", "NoCloud instance-id (random when unset)")
	f.Bool("network", false, "Also write a network-config that runs DHCP on every ethernet interface")
	f.Bool("force", false, "Overwrite existing files")
	f.BoolP("verbose", "v", false, "List the written files in the report")
}

// readKeyFiles returns the non-empty, non-comment lines of each file.
func readKeyFiles(fs afero.Fs, paths []string) ([]string, error) {
	var keys []string
	for _, p := range paths {
		path, err := absPath(p)
		if err != nil {
			return nil, err
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, &configure.Error{Code: configure.CodePathNotFound, Msg: "Path not found: " + path, Err: err}
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			keys = append(keys, line)
		}
	}
	return keys, nil
}
