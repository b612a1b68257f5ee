// Package libvirt runs the configure VM directly against libvirtd.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - Connection management (connect, disconnect, ping)
//   - Domain XML generation from a configure request
//   - Driver, a vm.Orchestrator that needs no external CLI
//
// Connection Management:
//
// The package connects to the local libvirt daemon via its Unix socket:
//
//	client, err := libvirt.Connect(ctx, libvirt.Options{Socket: cfg.Orchestrator.Socket})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Domain XML Generation:
//
// The configure VM attaches the target image as its boot disk, the seed image
// as a read-only cdrom and logs its serial console to the completion log:
//
//	spec, err := libvirt.SpecFromRequest(req)
//	if err != nil {
//	    return err
//	}
//	xml, err := libvirt.GenerateDomainXML(spec)
//
// Instances are identified by their domain UUID. The template path of the
// request is ignored; the XML is always generated.
package libvirt
