// Package image describes the disk image being prepared.
package image

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Format is a disk image format as understood by the hypervisor.
type Format string

const (
	FormatQCOW2 Format = "qcow2"
	FormatRaw   Format = "raw"
)

var (
	// qcow2Magic is "QFI" followed by 0xfb at offset 0.
	// See https://www.qemu.org/docs/master/interop/qcow2.html
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// mbrSignature closes the first 512-byte sector of MBR and GPT
	// (protective MBR) disks.
	mbrSignature = []byte{0x55, 0xaa}
)

// ErrNotFound is returned when the image path does not exist.
var ErrNotFound = errors.New("image not found")

// Image is a disk image on the local filesystem. It is modified in place.
type Image struct {
	Path   string
	Format Format
}

// Open checks that path exists and determines its format.
//
// An explicit format always wins. Otherwise the file extension is used
// (disk.qcow2 -> qcow2), and when the path has no extension the format is
// read from the image header. A header that is not recognized leaves Format
// empty so the orchestrator picks the disk driver type.
func Open(fs afero.Fs, path string, format string) (*Image, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}

	img := &Image{Path: path, Format: Format(format)}
	if img.Format != "" {
		return img, nil
	}

	if ext := FormatFromExtension(path); ext != "" {
		img.Format = ext
		return img, nil
	}

	if detected, err := DetectFormat(fs, path); err == nil {
		img.Format = detected
	}
	return img, nil
}

// FormatFromExtension returns the extension of path without its dot.
func FormatFromExtension(path string) Format {
	return Format(strings.TrimPrefix(filepath.Ext(path), "."))
}

// DetectFormat reads the image header to tell qcow2 from bootable raw images.
func DetectFormat(fs afero.Fs, path string) (Format, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return "", fmt.Errorf("file too small to be valid image (< 4 bytes): %w", err)
	}
	if bytes.Equal(magic, qcow2Magic) {
		return FormatQCOW2, nil
	}

	if _, err := f.Seek(510, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek to boot sector signature: %w", err)
	}
	sig := make([]byte, 2)
	if _, err := io.ReadFull(f, sig); err != nil {
		return "", fmt.Errorf("file too small for boot sector (< 512 bytes): %w", err)
	}
	if bytes.Equal(sig, mbrSignature) {
		return FormatRaw, nil
	}

	return "", fmt.Errorf("unsupported image: not qcow2 and no boot sector signature at offset 510")
}
