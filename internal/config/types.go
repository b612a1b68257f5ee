// Package config holds kiln's run configuration.
//
// A Config starts from Default(), is overlaid by an optional YAML file and
// then by the CLI flags that were explicitly set. It is built once at the
// boundary and passed down.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/internal/vm"
)

// Orchestrator drivers.
const (
	DriverProvider = "libvirt-provider"
	DriverLibvirt  = "libvirt"
)

// Seed builders.
const (
	BuilderExternal = "external"
	BuilderNative   = "native"
)

// ErrLoad is returned when a config file cannot be read or parsed.
var ErrLoad = errors.New("failed to load config")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Config is the complete run configuration.
type Config struct {
	Image        ImageConfig        `yaml:"image"`
	CloudInit    CloudInitConfig    `yaml:"cloud_init"`
	Seed         SeedConfig         `yaml:"seed"`
	VM           VMConfig           `yaml:"vm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Wait         WaitConfig         `yaml:"wait"`
	Sysprep      SysprepConfig      `yaml:"sysprep"`

	CleanupOnFailure bool   `yaml:"cleanup_on_failure"`
	RandomName       bool   `yaml:"random_name"`
	MetricsTextfile  string `yaml:"metrics_textfile,omitempty"`
	Verbose          bool   `yaml:"verbose"`
}

// ImageConfig describes the target image. Format is inferred when empty.
type ImageConfig struct {
	Format string `yaml:"format,omitempty"`
}

// CloudInitConfig points at the seed documents. Missing files are skipped.
type CloudInitConfig struct {
	UserDataPath      string `yaml:"user_data_path"`
	MetaDataPath      string `yaml:"meta_data_path"`
	VendorDataPath    string `yaml:"vendor_data_path"`
	NetworkConfigPath string `yaml:"network_config_path"`
}

// SeedConfig controls how the seed image is written.
type SeedConfig struct {
	OutputPath string `yaml:"output_path"`
	Builder    string `yaml:"builder"`
}

// VMConfig describes the configure VM.
type VMConfig struct {
	Name           string         `yaml:"name"`
	CPUModel       string         `yaml:"cpu_model,omitempty"`
	VCPUs          string         `yaml:"vcpus"`
	Memory         string         `yaml:"memory"`
	LogPath        string         `yaml:"log_path"`
	TemplatePath   string         `yaml:"template_path"`
	TemplateValues TemplateValues `yaml:"template_values,omitempty"`
}

// OrchestratorConfig selects the VM backend.
type OrchestratorConfig struct {
	Driver string `yaml:"driver"`
	Tool   string `yaml:"tool"`   // CLI name for the libvirt-provider driver
	Socket string `yaml:"socket"` // libvirtd socket for the libvirt driver
}

// WaitConfig bounds the polling loops.
type WaitConfig struct {
	PollAttempts       int           `yaml:"poll_attempts"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	CompletionInterval time.Duration `yaml:"completion_interval"`
	CompletionTimeout  time.Duration `yaml:"completion_timeout"`
}

// SysprepConfig controls the reset step.
type SysprepConfig struct {
	Operations string `yaml:"operations"`
	Verbose    bool   `yaml:"verbose"`
	Backend    string `yaml:"backend,omitempty"`
}

// TemplateValues keeps the order of a YAML mapping.
type TemplateValues struct {
	vm.TemplateValues
}

// UnmarshalYAML accepts either a mapping or a list of KEY=VALUE strings.
func (t *TemplateValues) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var out vm.TemplateValues
		for i := 0; i+1 < len(node.Content); i += 2 {
			k, v := node.Content[i], node.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: template value %q must be a scalar", v.Line, k.Value)
			}
			out = out.Set(k.Value, v.Value)
		}
		t.TemplateValues = out
		return nil

	case yaml.SequenceNode:
		var entries []string
		if err := node.Decode(&entries); err != nil {
			return err
		}
		parsed, err := vm.ParseTemplateValues(entries...)
		if err != nil {
			return err
		}
		t.TemplateValues = parsed
		return nil
	}
	return fmt.Errorf("line %d: template_values must be a mapping or a list", node.Line)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CloudInit: CloudInitConfig{
			UserDataPath:      "cloud-init/user-data",
			MetaDataPath:      "cloud-init/meta-data",
			VendorDataPath:    "cloud-init/vendor-data",
			NetworkConfigPath: "cloud-init/network-config",
		},
		Seed: SeedConfig{
			OutputPath: "cloud-init/cidata.iso",
			Builder:    BuilderExternal,
		},
		VM: VMConfig{
			Name:         "configure-vm-image",
			VCPUs:        "1",
			Memory:       "2048MiB",
			LogPath:      "tmp/configure-vm.log",
			TemplatePath: "res/configure-vm-template.xml.j2",
		},
		Orchestrator: OrchestratorConfig{
			Driver: DriverProvider,
			Tool:   DriverProvider,
		},
		Wait: WaitConfig{
			PollAttempts:       vm.DefaultMaxAttempts,
			PollInterval:       vm.DefaultInterval,
			CompletionInterval: time.Second,
			CompletionTimeout:  30 * time.Minute,
		},
		Sysprep: SysprepConfig{
			Operations: "defaults,-ssh-userdir",
		},
		CleanupOnFailure: true,
	}
}

// Load overlays the YAML file at path onto Default and validates the result.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrLoad, path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w %s: failed to parse YAML: %w", ErrLoad, path, err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w %s: invalid configuration: %w", ErrLoad, path, err)
	}
	return cfg, nil
}

// Normalize sanitizes user input to consistent formats.
func (c *Config) Normalize() {
	c.VM.Name = strings.TrimSpace(c.VM.Name)
	c.VM.VCPUs = strings.TrimSpace(c.VM.VCPUs)
	c.VM.Memory = strings.TrimSpace(c.VM.Memory)
	c.Image.Format = strings.ToLower(strings.TrimSpace(c.Image.Format))
	c.Seed.Builder = strings.ToLower(strings.TrimSpace(c.Seed.Builder))
	c.Orchestrator.Driver = strings.ToLower(strings.TrimSpace(c.Orchestrator.Driver))

	if c.Seed.Builder == "" {
		c.Seed.Builder = BuilderExternal
	}
	if c.Orchestrator.Driver == "" {
		c.Orchestrator.Driver = DriverProvider
	}
	if c.Orchestrator.Tool == "" {
		c.Orchestrator.Tool = DriverProvider
	}
}

// Validate checks the configuration for errors.
// It does not check that any referenced path exists.
func (c *Config) Validate() error {
	if c.VM.Name == "" {
		return fmt.Errorf("vm.name is required")
	}
	if !namePattern.MatchString(c.VM.Name) {
		return fmt.Errorf("vm.name must start with an alphanumeric character and contain only alphanumerics, '.', '-' or '_', got %q", c.VM.Name)
	}
	if c.VM.VCPUs != "" {
		if n, err := strconv.Atoi(c.VM.VCPUs); err != nil || n <= 0 {
			return fmt.Errorf("vm.vcpus must be a positive integer, got %q", c.VM.VCPUs)
		}
	}
	if c.VM.Memory != "" {
		if _, err := humanize.ParseBytes(c.VM.Memory); err != nil {
			return fmt.Errorf("vm.memory is not a valid size %q: %w", c.VM.Memory, err)
		}
	}
	if c.VM.LogPath == "" {
		return fmt.Errorf("vm.log_path is required")
	}
	if c.Seed.OutputPath == "" {
		return fmt.Errorf("seed.output_path is required")
	}

	switch c.Seed.Builder {
	case BuilderExternal, BuilderNative:
	default:
		return fmt.Errorf("seed.builder must be %q or %q, got %q", BuilderExternal, BuilderNative, c.Seed.Builder)
	}

	switch c.Orchestrator.Driver {
	case DriverProvider:
		if c.VM.TemplatePath == "" {
			return fmt.Errorf("vm.template_path is required for the %s driver", DriverProvider)
		}
	case DriverLibvirt:
	default:
		return fmt.Errorf("orchestrator.driver must be %q or %q, got %q", DriverProvider, DriverLibvirt, c.Orchestrator.Driver)
	}

	if c.Wait.PollAttempts <= 0 {
		return fmt.Errorf("wait.poll_attempts must be > 0, got %d", c.Wait.PollAttempts)
	}
	if c.Wait.PollInterval < 0 {
		return fmt.Errorf("wait.poll_interval must not be negative, got %v", c.Wait.PollInterval)
	}
	if c.Wait.CompletionInterval <= 0 {
		return fmt.Errorf("wait.completion_interval must be > 0, got %v", c.Wait.CompletionInterval)
	}
	if c.Wait.CompletionTimeout < 0 {
		return fmt.Errorf("wait.completion_timeout must not be negative, got %v", c.Wait.CompletionTimeout)
	}
	return nil
}
