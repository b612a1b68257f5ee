// Package cloudinit builds the NoCloud seed image attached to the configure VM.
//
// A seed image is an ISO 9660 filesystem labelled cidata holding up to four
// cloud-init documents (user-data, meta-data, vendor-data, network-config).
// The guest's cloud-init reads it on first boot.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"

	"github.com/spf13/afero"
)

// Seed file names as they appear in the image, in the order they are written.
const (
	UserDataFile      = "user-data"
	MetaDataFile      = "meta-data"
	VendorDataFile    = "vendor-data"
	NetworkConfigFile = "network-config"
)

// Paths are the candidate locations of the seed documents.
type Paths struct {
	UserData      string
	MetaData      string
	VendorData    string
	NetworkConfig string
}

// Bundle holds the seed documents that exist. Empty fields are absent.
type Bundle struct {
	UserData      string
	MetaData      string
	VendorData    string
	NetworkConfig string
}

// File is one present document.
type File struct {
	Name string
	Path string
}

// Files lists the present documents in image order.
func (b Bundle) Files() []File {
	var out []File
	for _, f := range []File{
		{UserDataFile, b.UserData},
		{MetaDataFile, b.MetaData},
		{VendorDataFile, b.VendorData},
		{NetworkConfigFile, b.NetworkConfig},
	} {
		if f.Path != "" {
			out = append(out, f)
		}
	}
	return out
}

// ResolveBundle keeps the paths that point at regular files.
// Each dropped path yields a note; missing documents are not an error.
func ResolveBundle(fs afero.Fs, p Paths) (Bundle, []string) {
	var notes []string
	keep := func(name, path string) string {
		if path == "" {
			return ""
		}
		info, err := fs.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			notes = append(notes, fmt.Sprintf("could not find the %s configuration file at %s, continuing without it", name, path))
			return ""
		}
		return path
	}

	b := Bundle{
		UserData:      keep(UserDataFile, p.UserData),
		MetaData:      keep(MetaDataFile, p.MetaData),
		VendorData:    keep(VendorDataFile, p.VendorData),
		NetworkConfig: keep(NetworkConfigFile, p.NetworkConfig),
	}
	return b, notes
}
