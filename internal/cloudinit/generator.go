package cloudinit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// FinalMessage is printed to the console when cloud-init finishes.
// It carries both completion markers on one line, which is what ends the
// configure wait when the console is logged to a file.
const FinalMessage = "Cloud-init v. $version finished at $timestamp, datasource $datasource, up $uptime seconds"

// ErrExists is returned when a default file would overwrite an existing one.
var ErrExists = errors.New("file already exists")

var hostnamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// UserData is the cloud-config written by GenerateUserData.
//
// See https://cloudinit.readthedocs.io/en/latest/explanation/format.html#cloud-config-data
type UserData struct {
	Hostname          string   `yaml:"hostname"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
	SSHPasswordAuth   bool     `yaml:"ssh_pwauth"`
	Output            *Output  `yaml:"output,omitempty"`
	FinalMessage      string   `yaml:"final_message"`
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// MetaData is the NoCloud instance metadata.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// NetworkConfig is a netplan v2 network configuration.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/network-config-format-v2.html
type NetworkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]EthernetConfig `yaml:"ethernets"`
}

// EthernetConfig matches interfaces by name and enables DHCP on them.
type EthernetConfig struct {
	Match MatchConfig `yaml:"match"`
	DHCP4 bool        `yaml:"dhcp4"`
}

// MatchConfig selects interfaces by name glob.
type MatchConfig struct {
	Name string `yaml:"name"`
}

// InitOptions control the default documents written by WriteDefaults.
type InitOptions struct {
	Hostname   string
	SSHKeys    []string
	InstanceID string // random UUID when empty
	Network    bool   // also write a DHCP network-config
	Force      bool   // overwrite existing files
}

// Validate checks the hostname and SSH keys.
func (o *InitOptions) Validate() error {
	if !hostnamePattern.MatchString(o.Hostname) {
		return fmt.Errorf("hostname must be a lowercase RFC 1123 label, got %q", o.Hostname)
	}
	for i, key := range o.SSHKeys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return fmt.Errorf("ssh_keys[%d] is not a valid SSH public key: %w", i, err)
		}
	}
	return nil
}

// GenerateUserData renders the user-data document including the "#cloud-config" header.
func GenerateUserData(opts InitOptions) (string, error) {
	userData := UserData{
		Hostname:          opts.Hostname,
		SSHAuthorizedKeys: opts.SSHKeys,
		SSHPasswordAuth:   false,
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
		FinalMessage: FinalMessage,
	}

	yamlBytes, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}
	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData renders meta-data. A fresh instance-id makes cloud-init
// treat every configure boot as a first boot.
func GenerateMetaData(opts InitOptions) (string, error) {
	id := opts.InstanceID
	if id == "" {
		id = uuid.New().String()
	}

	yamlBytes, err := yaml.Marshal(&MetaData{InstanceID: id, LocalHostname: opts.Hostname})
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}
	return string(yamlBytes), nil
}

// GenerateNetworkConfig renders a network-config that runs DHCP on every
// ethernet interface.
func GenerateNetworkConfig() (string, error) {
	cfg := NetworkConfig{
		Version: 2,
		Ethernets: map[string]EthernetConfig{
			"all": {Match: MatchConfig{Name: "e*"}, DHCP4: true},
		},
	}

	yamlBytes, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal network-config to YAML: %w", err)
	}
	return string(yamlBytes), nil
}

// WriteDefaults writes default documents into dir and returns the paths written.
// Nothing is written if any target exists and opts.Force is false.
func WriteDefaults(fs afero.Fs, dir string, opts InitOptions) ([]string, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	userData, err := GenerateUserData(opts)
	if err != nil {
		return nil, err
	}
	metaData, err := GenerateMetaData(opts)
	if err != nil {
		return nil, err
	}

	type doc struct{ path, content string }
	docs := []doc{
		{filepath.Join(dir, UserDataFile), userData},
		{filepath.Join(dir, MetaDataFile), metaData},
	}
	if opts.Network {
		networkConfig, err := GenerateNetworkConfig()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc{filepath.Join(dir, NetworkConfigFile), networkConfig})
	}

	if !opts.Force {
		for _, d := range docs {
			exists, err := afero.Exists(fs, d.path)
			if err != nil {
				return nil, fmt.Errorf("failed to check %s: %w", d.path, err)
			}
			if exists {
				return nil, fmt.Errorf("%w: %s", ErrExists, d.path)
			}
		}
	}

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	written := make([]string, 0, len(docs))
	for _, d := range docs {
		if err := afero.WriteFile(fs, d.path, []byte(d.content), os.FileMode(0o644)); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", d.path, err)
		}
		written = append(written, d.path)
	}
	return written, nil
}
