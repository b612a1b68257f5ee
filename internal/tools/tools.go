// Package tools locates the host programs kiln drives.
package tools

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Well-known program names.
const (
	Genisoimage   = "genisoimage"
	Mkisofs       = "mkisofs"
	Orchestrator  = "libvirt-provider"
	VirtSysprep   = "virt-sysprep"
	VirtCustomize = "virt-customize"
)

// ErrToolNotFound is returned when none of the candidates is on PATH.
var ErrToolNotFound = errors.New("tool not found")

// Discoverer resolves the first available program among candidates.
//
// In production, this is satisfied by *Finder.
type Discoverer interface {
	Discover(candidates ...string) (string, error)
}

// LookPathFunc resolves a program name to a path.
type LookPathFunc func(name string) (string, error)

// Finder resolves programs with an injectable lookup.
type Finder struct {
	LookPath LookPathFunc
}

// NewFinder returns a Finder that searches PATH.
func NewFinder() *Finder {
	return &Finder{LookPath: exec.LookPath}
}

// Discover returns the resolved path of the first candidate found.
func (f *Finder) Discover(candidates ...string) (string, error) {
	lookPath := f.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	for _, name := range candidates {
		if name == "" {
			continue
		}
		if path, err := lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", ErrToolNotFound, strings.Join(candidates, ", "))
}

var _ Discoverer = (*Finder)(nil)

// Discover searches PATH for the first of candidates.
func Discover(candidates ...string) (string, error) {
	return NewFinder().Discover(candidates...)
}

// ISOTool returns the ISO authoring program used on goos.
func ISOTool(goos string) []string {
	if goos == "darwin" {
		return []string{Mkisofs}
	}
	return []string{Genisoimage}
}
