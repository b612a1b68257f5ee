package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/configure"
	"github.com/jbweber/kiln/internal/libvirt"
)

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test the libvirt connection used by the libvirt orchestrator",
	Long:  `Test connectivity to the libvirt daemon and display version information.`,
	Args:  cobra.NoArgs,
	RunE: runE(func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}

		socket := a.cfg.Orchestrator.Socket
		if cmd.Flags().Changed("socket") {
			socket, _ = cmd.Flags().GetString("socket")
		}

		client, err := libvirt.Connect(cmd.Context(), libvirt.Options{Socket: socket})
		if err != nil {
			return &configure.Error{Code: configure.CodeConfigureImage, Msg: "Failed to connect to libvirt", Err: err}
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", closeErr)
			}
		}()

		if err := client.Ping(); err != nil {
			return &configure.Error{Code: configure.CodeConfigureImage, Msg: "Connection test failed", Err: err}
		}
		info, err := client.Info()
		if err != nil {
			return &configure.Error{Code: configure.CodeConfigureImage, Msg: "Connection test failed", Err: err}
		}

		a.succeed("Connection test successful", connTrace(info))
		return nil
	}),
}

func init() {
	testConnCmd.Flags().String("socket", libvirt.DefaultSocket, "Path to the libvirtd socket")
	testConnCmd.Flags().BoolP("verbose", "v", false, "Include version details in the report")
}

func connTrace(info libvirt.ConnInfo) []string {
	return []string{
		fmt.Sprintf("Libvirt version: %s", info.Version),
		fmt.Sprintf("Hypervisor hostname: %s", info.Hostname),
		fmt.Sprintf("Connection URI: %s", info.URI),
		fmt.Sprintf("Socket: %s", info.Socket),
	}
}
