package libvirt

import (
	"context"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jbweber/kiln/internal/vm"
)

// domainClient defines the libvirt operations the driver needs.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type domainClient interface {
	DomainDefineXML(xml string) (libvirt.Domain, error)
	DomainCreate(dom libvirt.Domain) error
	DomainLookupByUUID(uuid libvirt.UUID) (libvirt.Domain, error)
	DomainGetState(dom libvirt.Domain, flags uint32) (state int32, reason int32, err error)
	DomainShutdown(dom libvirt.Domain) error
	DomainDestroy(dom libvirt.Domain) error
	DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
}

// isNotFound reports libvirt's "no domain" error.
var isNotFound = libvirt.IsNotFound

// Driver implements vm.Orchestrator against libvirtd.
type Driver struct {
	client domainClient
	log    logr.Logger
}

// NewDriver returns a Driver using an open connection.
func NewDriver(c *Client, log logr.Logger) *Driver {
	return newDriverWithDeps(c.Libvirt(), log)
}

func newDriverWithDeps(client domainClient, log logr.Logger) *Driver {
	return &Driver{client: client, log: log}
}

// Create defines the configure domain without starting it.
func (d *Driver) Create(ctx context.Context, req vm.CreateRequest) (any, error) {
	spec, err := SpecFromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("invalid domain request: %w", err)
	}

	xml, err := GenerateDomainXML(spec)
	if err != nil {
		return nil, err
	}
	d.log.V(1).Info("Defining domain", "name", spec.Name, "uuid", spec.UUID.String())

	dom, err := d.client.DomainDefineXML(xml)
	if err != nil {
		return nil, fmt.Errorf("failed to define domain: %w", err)
	}
	return reply(dom, libvirt.DomainShutoff), nil
}

// Start boots a defined domain.
func (d *Driver) Start(ctx context.Context, id string) (any, error) {
	dom, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := d.client.DomainCreate(dom); err != nil {
		return nil, fmt.Errorf("failed to start domain: %w", err)
	}
	return reply(dom, libvirt.DomainRunning), nil
}

// Action implements vm.Orchestrator.
//
// stop requests a graceful ACPI shutdown, or a hard power off with --force.
// remove powers off a running domain and undefines it together with its NVRAM.
func (d *Driver) Action(ctx context.Context, action, id string, extra ...string) (any, error) {
	dom, err := d.lookup(id)
	if err != nil {
		return nil, err
	}

	switch action {
	case vm.ActionShow:
		state, err := d.state(dom)
		if err != nil {
			return nil, err
		}
		return reply(dom, state), nil

	case vm.ActionStop:
		if hasFlag(extra, "--force") {
			if err := d.client.DomainDestroy(dom); err != nil {
				return nil, fmt.Errorf("failed to force stop domain: %w", err)
			}
			return reply(dom, libvirt.DomainShutoff), nil
		}
		if err := d.client.DomainShutdown(dom); err != nil {
			return nil, fmt.Errorf("failed to shut down domain: %w", err)
		}
		return reply(dom, libvirt.DomainShutdown), nil

	case vm.ActionRemove:
		state, err := d.state(dom)
		if err != nil {
			return nil, err
		}
		if state != libvirt.DomainShutoff {
			d.log.Info("Domain still active, forcing power off", "id", id)
			if err := d.client.DomainDestroy(dom); err != nil {
				return nil, fmt.Errorf("failed to force stop domain: %w", err)
			}
		}
		if err := d.client.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil {
			return nil, fmt.Errorf("failed to undefine domain: %w", err)
		}
		return map[string]any{"instance": map[string]any{"id": id, "removed": true}}, nil
	}

	return nil, fmt.Errorf("unsupported instance action %q", action)
}

func (d *Driver) lookup(id string) (libvirt.Domain, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("%w: %q is not a domain UUID", vm.ErrInstanceNotFound, id)
	}

	dom, err := d.client.DomainLookupByUUID(libvirt.UUID(u))
	if err != nil {
		if isNotFound(err) {
			return libvirt.Domain{}, fmt.Errorf("%w: %s", vm.ErrInstanceNotFound, id)
		}
		return libvirt.Domain{}, fmt.Errorf("failed to look up domain %s: %w", id, err)
	}
	return dom, nil
}

func (d *Driver) state(dom libvirt.Domain) (libvirt.DomainState, error) {
	state, _, err := d.client.DomainGetState(dom, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to get domain state: %w", err)
	}
	return libvirt.DomainState(state), nil
}

// StateName returns the virsh name of a domain state.
func StateName(s libvirt.DomainState) string {
	switch s {
	case libvirt.DomainRunning:
		return "running"
	case libvirt.DomainBlocked:
		return "idle"
	case libvirt.DomainPaused:
		return "paused"
	case libvirt.DomainShutdown:
		return "in shutdown"
	case libvirt.DomainShutoff:
		return vm.StateShutOff
	case libvirt.DomainCrashed:
		return "crashed"
	case libvirt.DomainPmsuspended:
		return "pmsuspended"
	default:
		return "no state"
	}
}

func reply(dom libvirt.Domain, state libvirt.DomainState) map[string]any {
	return map[string]any{
		"instance": map[string]any{
			"id":    uuid.UUID(dom.UUID).String(),
			"name":  dom.Name,
			"state": StateName(state),
		},
	}
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

var _ vm.Orchestrator = (*Driver)(nil)
