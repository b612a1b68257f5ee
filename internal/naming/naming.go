// Package naming derives the names and paths a configure run writes to.
//
// Runs never overwrite an earlier run's console log, and with a random
// suffix two runs in the same directory do not share a VM name or a seed.
package naming

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// maxLogSuffix bounds the search for a free log path.
const maxLogSuffix = 10000

// NextLogPath returns path if nothing exists there, otherwise the first of
// path.0, path.1, ... that is free. The existing file is never touched.
//
// Example: tmp/configure-vm.log exists → tmp/configure-vm.log.0
func NextLogPath(fs afero.Fs, path string) (string, error) {
	candidate := path
	for i := 0; i <= maxLogSuffix; i++ {
		exists, err := afero.Exists(fs, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s.%d", path, i)
	}
	return "", fmt.Errorf("no free log path after %s.%d", path, maxLogSuffix)
}

// RandomSuffix returns 8 hex characters taken from a fresh UUID.
func RandomSuffix() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// NameWithSuffix returns name-suffix, or name when suffix is empty.
func NameWithSuffix(name, suffix string) string {
	if suffix == "" {
		return name
	}
	return name + "-" + suffix
}

// PathWithSuffix inserts -suffix before the file extension.
//
// Example: cloud-init/cidata.iso, ab12 → cloud-init/cidata-ab12.iso
func PathWithSuffix(path, suffix string) string {
	if suffix == "" {
		return path
	}
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		// Dotfiles such as ".log" have no stem to suffix.
		stem, ext = base, ""
	}
	return dir + stem + "-" + suffix + ext
}
