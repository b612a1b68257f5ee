package libvirt

import (
	"errors"
	"sync"

	"github.com/digitalocean/go-libvirt"
)

var errNoDomain = errors.New("Domain not found: no domain with matching uuid")

func init() {
	isNotFound = func(err error) bool { return errors.Is(err, errNoDomain) }
}

// mockDomainClient is a mock implementation of the domainClient interface for testing.
type mockDomainClient struct {
	mu sync.Mutex

	// Configurable behavior
	domainDefineXMLFunc     func(xml string) (libvirt.Domain, error)
	domainCreateFunc        func(dom libvirt.Domain) error
	domainLookupByUUIDFunc  func(uuid libvirt.UUID) (libvirt.Domain, error)
	domainGetStateFunc      func(dom libvirt.Domain, flags uint32) (int32, int32, error)
	domainShutdownFunc      func(dom libvirt.Domain) error
	domainDestroyFunc       func(dom libvirt.Domain) error
	domainUndefineFlagsFunc func(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error

	// Call tracking
	domainDefineXMLCalls     []string
	domainCreateCalls        []libvirt.Domain
	domainShutdownCalls      []libvirt.Domain
	domainDestroyCalls       []libvirt.Domain
	domainUndefineFlagsCalls []libvirt.DomainUndefineFlagsValues
}

// newMockDomainClient returns a mock where every defined domain exists and is running.
func newMockDomainClient() *mockDomainClient {
	m := &mockDomainClient{}

	m.domainDefineXMLFunc = func(xml string) (libvirt.Domain, error) {
		return libvirt.Domain{Name: "configure-vm-image", UUID: testUUID}, nil
	}
	m.domainCreateFunc = func(dom libvirt.Domain) error { return nil }
	m.domainLookupByUUIDFunc = func(uuid libvirt.UUID) (libvirt.Domain, error) {
		return libvirt.Domain{Name: "configure-vm-image", UUID: uuid}, nil
	}
	m.domainGetStateFunc = func(dom libvirt.Domain, flags uint32) (int32, int32, error) {
		return int32(libvirt.DomainRunning), 0, nil
	}
	m.domainShutdownFunc = func(dom libvirt.Domain) error { return nil }
	m.domainDestroyFunc = func(dom libvirt.Domain) error { return nil }
	m.domainUndefineFlagsFunc = func(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error { return nil }
	return m
}

func (m *mockDomainClient) DomainDefineXML(xml string) (libvirt.Domain, error) {
	m.mu.Lock()
	m.domainDefineXMLCalls = append(m.domainDefineXMLCalls, xml)
	m.mu.Unlock()
	return m.domainDefineXMLFunc(xml)
}

func (m *mockDomainClient) DomainCreate(dom libvirt.Domain) error {
	m.mu.Lock()
	m.domainCreateCalls = append(m.domainCreateCalls, dom)
	m.mu.Unlock()
	return m.domainCreateFunc(dom)
}

func (m *mockDomainClient) DomainLookupByUUID(uuid libvirt.UUID) (libvirt.Domain, error) {
	return m.domainLookupByUUIDFunc(uuid)
}

func (m *mockDomainClient) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	return m.domainGetStateFunc(dom, flags)
}

func (m *mockDomainClient) DomainShutdown(dom libvirt.Domain) error {
	m.mu.Lock()
	m.domainShutdownCalls = append(m.domainShutdownCalls, dom)
	m.mu.Unlock()
	return m.domainShutdownFunc(dom)
}

func (m *mockDomainClient) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	m.domainDestroyCalls = append(m.domainDestroyCalls, dom)
	m.mu.Unlock()
	return m.domainDestroyFunc(dom)
}

func (m *mockDomainClient) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	m.mu.Lock()
	m.domainUndefineFlagsCalls = append(m.domainUndefineFlagsCalls, flags)
	m.mu.Unlock()
	return m.domainUndefineFlagsFunc(dom, flags)
}
