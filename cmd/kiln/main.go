package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/configure"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/output"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - configure VM disk images with cloud-init",
	Long: `Kiln prepares VM disk images for distribution.

It boots a throwaway VM from the image with a cloud-init seed attached,
waits for cloud-init to finish, removes the VM and runs virt-sysprep
against the image so it can be used as a template.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-format", logging.FormatText, "Log format (text, json)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("output", "o", string(output.FormatJSON), "Report format (json, yaml)")

	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(customizeCmd)
	rootCmd.AddCommand(testConnCmd)
}

// execute runs the root command and returns the process exit code.
func execute(ctx context.Context, stdout, stderr io.Writer) int {
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return int(configure.CodeSuccess)
	}

	var failure *runFailure
	if !errors.As(err, &failure) {
		// Usage errors never reached a command.
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	code := configure.CodeOf(failure.err)
	format, _ := rootCmd.PersistentFlags().GetString("output")
	report(stderr, format, output.NewFailure(int(code), failure.err.Error()))
	return int(code)
}

// runFailure marks an error returned by a command after it started.
type runFailure struct {
	err error
}

func (f *runFailure) Error() string { return f.err.Error() }

func (f *runFailure) Unwrap() error { return f.err }

// runE adapts fn so that its errors are reported with an exit code.
func runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return &runFailure{err: err}
		}
		return nil
	}
}

// app is what every command needs once flags are parsed.
type app struct {
	fs  afero.Fs
	cfg *config.Config
	log logr.Logger
	out io.Writer

	format string
}

// setup configures logging and loads the config file named by --config.
func setup(cmd *cobra.Command) (*app, error) {
	flags := cmd.Flags()
	logFormat, _ := flags.GetString("log-format")
	logLevel, _ := flags.GetString("log-level")
	format, _ := flags.GetString("output")
	configPath, _ := flags.GetString("config")

	if err := output.ValidateFormat(format); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrLoad, err)
	}

	log, err := logging.Setup(logging.Options{Format: logFormat, Level: logLevel, Writer: cmd.ErrOrStderr()})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrLoad, err)
	}

	a := &app{
		fs:     afero.NewOsFs(),
		cfg:    config.Default(),
		log:    log,
		out:    cmd.OutOrStdout(),
		format: format,
	}

	if configPath != "" {
		path, err := absPath(configPath)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", config.ErrLoad, configPath, err)
		}
		cfg, err := config.Load(a.fs, path)
		if err != nil {
			return nil, err
		}
		a.cfg = cfg
		log.V(1).Info("Loaded config", "path", path)
	}

	if flags.Lookup("verbose") != nil && flags.Changed("verbose") {
		a.cfg.Verbose, _ = flags.GetBool("verbose")
	}
	return a, nil
}

// succeed prints a success report.
func (a *app) succeed(msg string, trace []string) {
	report(a.out, a.format, output.NewSuccess(msg, trace, a.cfg.Verbose))
}

// report writes an output.Success or output.Failure document.
func report(w io.Writer, format string, v any) {
	f, err := output.NewFormatter(output.Options{Format: output.Format(format)})
	if err != nil {
		f = &output.JSONFormatter{}
	}

	var text string
	switch r := v.(type) {
	case output.Success:
		text, err = f.FormatSuccess(r)
	case output.Failure:
		text, err = f.FormatFailure(r)
	}
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}
	fmt.Fprint(w, text)
}

// absPath expands a leading ~ and makes path absolute.
func absPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand %s: %w", path, err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}

// traceLines splits tool output into trimmed, non-empty lines.
func traceLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
