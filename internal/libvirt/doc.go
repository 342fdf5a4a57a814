// Package libvirt connects kiln to a Xen host through libvirt.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - Connection management over the local unix socket or verified TLS
//   - A Session implementing the hypervisor verbs the lifecycle controller uses
//   - Domain XML transforms for cloning templates and attaching config drives
//
// Connection Management:
//
//	client, err := libvirt.Connect(libvirt.ConnectOptions{
//	    Transport: libvirt.TransportTLS,
//	    Address:   "xen01.example.com",
//	    TLS: libvirt.TLSOptions{
//	        CAFile:   "/etc/kiln/ca.pem",
//	        CertFile: "/etc/kiln/client.pem",
//	        KeyFile:  "/etc/kiln/client-key.pem",
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Sessions:
//
// A Session maps the hypervisor vocabulary onto libvirt objects. VMs are
// domains identified by UUID, VDIs are storage volumes, VBDs are a domain's
// <disk> elements identified by target device. Template flag and tags are
// kept in kiln's own domain metadata element.
//
//	s := libvirt.NewSession(client.Libvirt(), libvirt.WithLogger(log))
//	vm, err := s.CloneVM(ctx, templateID, "buildagent-1a2b3c4d")
//
// go-libvirt calls take no context. Session runs each call in a goroutine and
// stops waiting when the context is done or the per-call timeout expires.
package libvirt
