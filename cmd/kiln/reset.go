package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/configure"
	"github.com/jbweber/kiln/internal/image"
	"github.com/jbweber/kiln/internal/runner"
	"github.com/jbweber/kiln/internal/sysprep"
	"github.com/jbweber/kiln/internal/tools"
)

var resetCmd = &cobra.Command{
	Use:   "reset <image>",
	Short: "Reset an image with virt-sysprep",
	Long: `Strip machine-specific state (machine-id, SSH host keys, logs, ...)
from an image in place, without booting it.

Authorized SSH keys of the users are kept by default.`,
	Args: cobra.ExactArgs(1),
	RunE: runE(func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("reset-operations") {
			a.cfg.Sysprep.Operations, _ = flags.GetString("reset-operations")
		}
		if flags.Changed("verbose-reset") {
			a.cfg.Sysprep.Verbose, _ = flags.GetBool("verbose-reset")
		}
		if flags.Changed("libguestfs-backend") {
			a.cfg.Sysprep.Backend, _ = flags.GetString("libguestfs-backend")
		}

		path, err := absPath(args[0])
		if err != nil {
			return err
		}
		img, err := image.Open(a.fs, path, a.cfg.Image.Format)
		if err != nil {
			return &configure.Error{Code: configure.CodePathNotFound, Msg: "Path not found: " + path, Err: err}
		}

		s := sysprep.New(runner.New(), tools.NewFinder(), a.fs, a.cfg.Sysprep.Backend, a.log)
		out, err := s.Reset(cmd.Context(), img.Path, a.cfg.Sysprep.Operations, a.cfg.Sysprep.Verbose)
		if err != nil {
			if errors.Is(err, tools.ErrToolNotFound) {
				return err
			}
			return &configure.Error{Code: configure.CodeResetImage, Msg: fmt.Sprintf("Failed to reset image: %s", img.Path), Err: err}
		}

		a.succeed(fmt.Sprintf("Reset the image: %s", img.Path), traceLines(out))
		return nil
	}),
}

var customizeCmd = &cobra.Command{
	Use:   "customize <image> <commands-file>",
	Short: "Customize an image with virt-customize",
	Long: `Run the virt-customize commands in commands-file against an image
in place, without booting it.

See virt-customize(1) for the command file format.`,
	Args: cobra.ExactArgs(2),
	RunE: runE(func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("libguestfs-backend") {
			a.cfg.Sysprep.Backend, _ = flags.GetString("libguestfs-backend")
		}

		imagePath, err := absPath(args[0])
		if err != nil {
			return err
		}
		commandsPath, err := absPath(args[1])
		if err != nil {
			return err
		}

		s := sysprep.New(runner.New(), tools.NewFinder(), a.fs, a.cfg.Sysprep.Backend, a.log)
		out, err := s.Customize(cmd.Context(), imagePath, commandsPath)
		switch {
		case err == nil:
		case errors.Is(err, tools.ErrToolNotFound):
			return err
		case errors.Is(err, sysprep.ErrPathNotFound):
			return &configure.Error{Code: configure.CodePathNotFound, Msg: "Path not found", Err: err}
		default:
			return &configure.Error{Code: configure.CodeConfigureImage, Msg: fmt.Sprintf("Failed to configure image: %s", imagePath), Err: err}
		}

		a.succeed(fmt.Sprintf("Customized the image: %s", imagePath), traceLines(out))
		return nil
	}),
}

func init() {
	f := resetCmd.Flags()
	f.String("reset-operations", sysprep.DefaultOperations, "virt-sysprep operations")
	f.Bool("verbose-reset", false, "Run virt-sysprep with --verbose")
	f.String("libguestfs-backend", "", "LIBGUESTFS_BACKEND for the child (e.g. direct)")
	f.BoolP("verbose", "v", false, "Include the tool output in the report")

	f = customizeCmd.Flags()
	f.String("libguestfs-backend", "", "LIBGUESTFS_BACKEND for the child (e.g. direct)")
	f.BoolP("verbose", "v", false, "Include the tool output in the report")
}
