package libvirt

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/kiln/internal/vm"
)

const (
	defaultCPUMode    = "host-model"
	defaultDiskFormat = "qcow2"
	defaultVCPUs      = 1
	defaultMemory     = "2048MiB"
)

// DomainSpec is everything the configure domain is built from.
type DomainSpec struct {
	Name       string
	UUID       uuid.UUID
	DiskPath   string
	DiskFormat string
	SeedPath   string // attached as a read-only cdrom when set
	LogPath    string // serial console is written here when set
	VCPUs      uint
	MemoryKiB  uint64
	CPUMode    string
}

// SpecFromRequest derives a DomainSpec from a create request.
// The seed and log paths come from the cd_iso_path and log_file_path
// template values. Memory sizes accept humanized values such as 2048MiB or 2G.
func SpecFromRequest(req vm.CreateRequest) (DomainSpec, error) {
	spec := DomainSpec{
		Name:       req.Name,
		UUID:       uuid.New(),
		DiskPath:   req.Image,
		DiskFormat: req.DiskDriverType,
		CPUMode:    req.CPUMode,
		VCPUs:      defaultVCPUs,
	}
	if spec.Name == "" {
		return DomainSpec{}, fmt.Errorf("name is required")
	}
	if spec.DiskPath == "" {
		return DomainSpec{}, fmt.Errorf("image is required")
	}
	if spec.DiskFormat == "" {
		spec.DiskFormat = defaultDiskFormat
	}
	if spec.CPUMode == "" {
		spec.CPUMode = defaultCPUMode
	}

	if req.NumVCPUs != "" {
		n, err := strconv.ParseUint(req.NumVCPUs, 10, 16)
		if err != nil || n == 0 {
			return DomainSpec{}, fmt.Errorf("vcpus must be a positive integer, got %q", req.NumVCPUs)
		}
		spec.VCPUs = uint(n)
	}

	memory := req.MemorySize
	if memory == "" {
		memory = defaultMemory
	}
	bytes, err := humanize.ParseBytes(memory)
	if err != nil {
		return DomainSpec{}, fmt.Errorf("invalid memory size %q: %w", memory, err)
	}
	if bytes < 1024*1024 {
		return DomainSpec{}, fmt.Errorf("memory size %q is smaller than 1MiB", memory)
	}
	spec.MemoryKiB = bytes / 1024

	spec.SeedPath, _ = req.TemplateValues.Get(vm.KeyCDISOPath)
	spec.LogPath, _ = req.TemplateValues.Get(vm.KeyLogFilePath)
	return spec, nil
}

// GenerateDomainXML generates libvirt domain XML for the configure VM.
func GenerateDomainXML(spec DomainSpec) (string, error) {
	if spec.Name == "" || spec.DiskPath == "" {
		return "", fmt.Errorf("name and disk path are required")
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		UUID: spec.UUID.String(),
		Memory: &libvirtxml.DomainMemory{
			Value: uint(spec.MemoryKiB),
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     spec.VCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Type: "hvm",
			},
			BIOS: &libvirtxml.DomainBIOS{
				UseSerial: "yes",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: spec.CPUMode,
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		// The guest powering off must leave the domain shut off, not rebooted.
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
		},
	}

	domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name: "qemu",
			Type: spec.DiskFormat,
		},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{
				File: spec.DiskPath,
			},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: "vda",
			Bus: "virtio",
		},
		Boot: &libvirtxml.DomainDeviceBoot{
			Order: 1,
		},
	})

	if spec.SeedPath != "" {
		domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "raw",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{
					File: spec.SeedPath,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "sda",
				Bus: "sata",
			},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	serialSource := &libvirtxml.DomainChardevSource{
		Pty: &libvirtxml.DomainChardevSourcePty{},
	}
	if spec.LogPath != "" {
		serialSource = &libvirtxml.DomainChardevSource{
			File: &libvirtxml.DomainChardevSourceFile{
				Path: spec.LogPath,
			},
		}
	}
	domain.Devices.Serials = []libvirtxml.DomainSerial{
		{
			Source: serialSource,
			Target: &libvirtxml.DomainSerialTarget{
				Port: func() *uint { p := uint(0); return &p }(),
			},
		},
	}
	domain.Devices.Consoles = []libvirtxml.DomainConsole{
		{
			Source: serialSource,
			Target: &libvirtxml.DomainConsoleTarget{
				Type: "serial",
				Port: func() *uint { p := uint(0); return &p }(),
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return xml, nil
}
