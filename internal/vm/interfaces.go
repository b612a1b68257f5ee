package vm

import (
	"context"
	"errors"
)

var (
	// ErrInstanceNotFound is returned by show when the orchestrator no longer knows the instance.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrUnexpectedResponse is returned when an orchestrator reply does not have the expected shape.
	ErrUnexpectedResponse = errors.New("unexpected orchestrator response")

	// ErrWaitExhausted is returned when a wait ran out of attempts.
	ErrWaitExhausted = errors.New("wait attempts exhausted")
)

// Instance actions understood by every orchestrator.
const (
	ActionStop   = "stop"
	ActionRemove = "remove"
	ActionShow   = "show"
)

// StateShutOff is the state reported once the guest has powered off.
const StateShutOff = "shut off"

// Orchestrator runs VM instances on behalf of the Controller.
//
// In production, this is satisfied by *provider.Provider (the libvirt-provider
// CLI) or *libvirt.Driver (libvirtd over its socket).
// In tests, this is satisfied by fakes.
type Orchestrator interface {
	// Create defines an instance and returns the orchestrator's reply.
	Create(ctx context.Context, req CreateRequest) (any, error)

	// Start boots a created instance.
	Start(ctx context.Context, id string) (any, error)

	// Action runs a generic instance verb. Show returns ErrInstanceNotFound
	// once the instance is gone.
	Action(ctx context.Context, action, id string, extra ...string) (any, error)
}

// CreateRequest describes the configure VM.
type CreateRequest struct {
	Name           string
	Image          string
	TemplatePath   string
	TemplateValues TemplateValues

	// Optional hardware settings; empty values are left to the orchestrator.
	DiskDriverType string
	CPUMode        string
	NumVCPUs       string
	MemorySize     string
}
