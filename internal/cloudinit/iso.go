package cloudinit

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/kdomanski/iso9660"
	"github.com/spf13/afero"
)

// NativeBuilder writes the seed image in-process and never shells out.
//
// Documents are stored under their canonical names (user-data, meta-data,
// vendor-data, network-config) whatever their source file is called.
type NativeBuilder struct {
	Fs afero.Fs
}

// NewNativeBuilder returns a NativeBuilder reading and writing through fs.
func NewNativeBuilder(fs afero.Fs) *NativeBuilder {
	return &NativeBuilder{Fs: fs}
}

// Build implements SeedBuilder.
func (n *NativeBuilder) Build(ctx context.Context, outputPath string, b Bundle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := n.render(b)
	if err != nil {
		return "", fmt.Errorf("%w at %s: %w", ErrSeedCreate, outputPath, err)
	}

	if err := afero.WriteFile(n.Fs, outputPath, data, 0o644); err != nil {
		return "", fmt.Errorf("%w at %s: %w", ErrSeedCreate, outputPath, err)
	}

	return fmt.Sprintf("Generated the cloud-init seed image at %s", outputPath), nil
}

func (n *NativeBuilder) render(b Bundle) ([]byte, error) {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		// Staging files only; the image is already in memory.
		_ = writer.Cleanup()
	}()

	for _, f := range b.Files() {
		content, err := afero.ReadFile(n.Fs, f.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Path, err)
		}
		if err := writer.AddFile(bytes.NewReader(content), f.Name); err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", f.Name, err)
		}
	}

	var buf bytes.Buffer
	// ISO 9660 volume identifiers are d-characters, so the label is uppercased.
	// NoCloud matches it case-insensitively.
	if err := writer.WriteTo(&buf, strings.ToUpper(VolumeLabel)); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}
	return buf.Bytes(), nil
}
