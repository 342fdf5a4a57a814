package libvirt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/kiln/internal/hypervisor"
	"github.com/jbweber/kiln/internal/metadata"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/storage"
)

// DefaultCallTimeout bounds a single libvirt call.
const DefaultCallTimeout = 30 * time.Second

// metadataScanLimit bounds concurrent metadata reads in ListVMs.
const metadataScanLimit = 8

// IP address types reported by DomainInterfaceAddresses (VIR_IP_ADDR_TYPE_*).
const (
	ipAddrTypeIPv4 = 0
	ipAddrTypeIPv6 = 1
)

// LibvirtClient is the subset of *libvirt.Libvirt used by Session.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type LibvirtClient interface {
	metadata.LibvirtClient
	storage.LibvirtClient

	ConnectGetLibVersion() (uint64, error)
	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	DomainLookupByUUID(UUID libvirt.UUID) (libvirt.Domain, error)
	DomainGetXMLDesc(Dom libvirt.Domain, Flags libvirt.DomainXMLFlags) (string, error)
	DomainDefineXML(XML string) (libvirt.Domain, error)
	DomainCreate(Dom libvirt.Domain) error
	DomainReset(Dom libvirt.Domain, Flags uint32) error
	DomainDestroy(Dom libvirt.Domain) error
	DomainGetState(Dom libvirt.Domain, Flags uint32) (int32, int32, error)
	DomainInterfaceAddresses(Dom libvirt.Domain, Source uint32, Flags uint32) ([]libvirt.DomainInterface, error)
	DomainAttachDeviceFlags(Dom libvirt.Domain, XML string, Flags uint32) error
	DomainDetachDeviceFlags(Dom libvirt.Domain, XML string, Flags uint32) error
	DomainUndefine(Dom libvirt.Domain) error
}

// Session implements the hypervisor verbs kiln needs on top of a libvirt
// connection. It is safe for concurrent use as long as the underlying
// client is; go-libvirt serialises calls on one connection internally.
//
// go-libvirt calls take no context, so every call runs in its own goroutine
// and the caller stops waiting when the context ends or the per-call timeout
// expires. The remote side effect of an abandoned call is not undone.
type Session struct {
	client      LibvirtClient
	volumes     *storage.Manager
	callTimeout time.Duration
	addrSource  AddressSource
	log         *zap.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithCallTimeout sets the per-call timeout. Zero disables it.
func WithCallTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.callTimeout = d }
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithAddressSource selects where guest addresses are read from.
func WithAddressSource(src AddressSource) SessionOption {
	return func(s *Session) { s.addrSource = src }
}

// NewSession creates a Session over client.
func NewSession(client LibvirtClient, opts ...SessionOption) *Session {
	s := &Session{
		client:      client,
		volumes:     storage.NewManager(client),
		callTimeout: DefaultCallTimeout,
		addrSource:  AddressSourceLease,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// call runs fn under the per-call timeout.
func (s *Session) call(ctx context.Context, op string, fn func() error) error {
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}
	return s.await(ctx, op, fn)
}

// await runs fn bounded only by ctx. Used for calls that copy data and may
// legitimately outlast the per-call timeout.
func (s *Session) await(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case err := <-done:
		return err
	}
}

func domainRef(id string) (libvirt.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		// No domain can have a malformed id.
		return libvirt.UUID{}, fmt.Errorf("invalid VM id %q: %w", id, hypervisor.ErrNotFound)
	}
	return libvirt.UUID(u), nil
}

func domainID(dom libvirt.Domain) string {
	return uuid.UUID(dom.UUID).String()
}

// lookup resolves a VM id to a domain handle.
func (s *Session) lookup(ctx context.Context, id string) (libvirt.Domain, error) {
	ref, err := domainRef(id)
	if err != nil {
		return libvirt.Domain{}, err
	}

	var dom libvirt.Domain
	err = s.call(ctx, "lookup domain", func() error {
		var err error
		dom, err = s.client.DomainLookupByUUID(ref)
		return err
	})
	if err != nil {
		if libvirt.IsNotFound(err) {
			return libvirt.Domain{}, hypervisor.NotFoundError("vm", id)
		}
		return libvirt.Domain{}, fmt.Errorf("failed to look up VM %s: %w", id, err)
	}
	return dom, nil
}

// wrap maps a libvirt error on an existing handle to the hypervisor
// vocabulary.
func wrap(err error, action, id string) error {
	if err == nil {
		return nil
	}
	if libvirt.IsNotFound(err) {
		return hypervisor.NotFoundError("vm", id)
	}
	return fmt.Errorf("failed to %s VM %s: %w", action, id, err)
}

func (s *Session) loadRecord(ctx context.Context, dom libvirt.Domain) (metadata.Record, error) {
	var rec metadata.Record
	err := s.call(ctx, "get metadata", func() error {
		var err error
		rec, err = metadata.Load(s.client, dom)
		return err
	})
	return rec, err
}

func toVM(dom libvirt.Domain, rec metadata.Record) hypervisor.VM {
	return hypervisor.VM{
		ID:         domainID(dom),
		Name:       dom.Name,
		IsTemplate: rec.Template,
		Tags:       rec.Tags,
	}
}

// Ping checks that the connection is alive.
func (s *Session) Ping(ctx context.Context) error {
	return s.call(ctx, "ping", func() error {
		_, err := s.client.ConnectGetLibVersion()
		return err
	})
}

// GetVM returns the VM with the given id.
func (s *Session) GetVM(ctx context.Context, id string) (hypervisor.VM, error) {
	dom, err := s.lookup(ctx, id)
	if err != nil {
		return hypervisor.VM{}, err
	}

	rec, err := s.loadRecord(ctx, dom)
	if err != nil {
		return hypervisor.VM{}, wrap(err, "read metadata of", id)
	}
	return toVM(dom, rec), nil
}

// ListVMs returns every VM defined on the host, sorted by name.
func (s *Session) ListVMs(ctx context.Context) ([]hypervisor.VM, error) {
	var doms []libvirt.Domain
	err := s.call(ctx, "list domains", func() error {
		var err error
		// NeedResults=1 returns the domain handles.
		doms, _, err = s.client.ConnectListAllDomains(1, 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	vms := make([]hypervisor.VM, len(doms))
	present := make([]bool, len(doms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(metadataScanLimit)
	for i, dom := range doms {
		g.Go(func() error {
			rec, err := s.loadRecord(gctx, dom)
			if err != nil {
				// Undefined between the list and the read.
				if libvirt.IsNotFound(err) {
					return nil
				}
				return fmt.Errorf("failed to read metadata of %s: %w", dom.Name, err)
			}
			vms[i] = toVM(dom, rec)
			present[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]hypervisor.VM, 0, len(vms))
	for i, vm := range vms {
		if present[i] {
			out = append(out, vm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	s.log.Debug("listed domains", zap.Int("count", len(out)))
	return out, nil
}

// CloneVM defines a new domain named name from the template's persistent
// definition. Every template disk of device type "disk" is copied into a
// new volume named "{name}_{target}{ext}" in the source volume's pool.
// cdroms keep pointing at the template's media. The clone is left halted
// and carries no kiln record.
func (s *Session) CloneVM(ctx context.Context, templateID, name string) (hypervisor.VM, error) {
	tmpl, err := s.lookup(ctx, templateID)
	if err != nil {
		return hypervisor.VM{}, err
	}

	var xmlDesc string
	err = s.call(ctx, "get template XML", func() error {
		var err error
		xmlDesc, err = s.client.DomainGetXMLDesc(tmpl, libvirt.DomainXMLInactive)
		return err
	})
	if err != nil {
		return hypervisor.VM{}, wrap(err, "read definition of", templateID)
	}

	def, err := parseDomain(xmlDesc)
	if err != nil {
		return hypervisor.VM{}, err
	}

	newSources := make(map[int]storage.VolumeRef)
	for _, d := range domainDisks(def) {
		if d.device != deviceDisk {
			continue
		}
		if !d.hasSource {
			return hypervisor.VM{}, fmt.Errorf("template disk %s has no volume to clone", d.target)
		}

		volName := naming.VolumeNameClone(name, d.target, d.ref.BaseName())
		s.log.Debug("cloning template volume",
			zap.String("source", d.ref.String()),
			zap.String("volume", volName))

		var ref storage.VolumeRef
		err := s.await(ctx, "clone volume", func() error {
			var err error
			ref, err = s.volumes.CloneVolume(ctx, d.ref, volName)
			return err
		})
		if err != nil {
			return hypervisor.VM{}, fmt.Errorf("failed to clone disk %s: %w", d.target, err)
		}
		newSources[d.index] = ref
	}

	cloneXML, err := prepareClone(def, name, newSources)
	if err != nil {
		return hypervisor.VM{}, err
	}

	var dom libvirt.Domain
	err = s.call(ctx, "define clone", func() error {
		var err error
		dom, err = s.client.DomainDefineXML(cloneXML)
		return err
	})
	if err != nil {
		return hypervisor.VM{}, fmt.Errorf("failed to define clone %s: %w", name, err)
	}

	s.log.Info("defined clone",
		zap.String("template_id", templateID),
		zap.String("instance_id", domainID(dom)),
		zap.String("name", name))
	return hypervisor.VM{ID: domainID(dom), Name: dom.Name}, nil
}

func (s *Session) updateRecord(ctx context.Context, id string, fn func(*metadata.Record)) error {
	dom, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	err = s.call(ctx, "set metadata", func() error {
		return metadata.Update(s.client, dom, fn)
	})
	return wrap(err, "update metadata of", id)
}

// SetIsTemplate sets or clears the template flag.
func (s *Session) SetIsTemplate(ctx context.Context, id string, isTemplate bool) error {
	return s.updateRecord(ctx, id, func(r *metadata.Record) { r.Template = isTemplate })
}

// SetTags replaces the VM's tag set.
func (s *Session) SetTags(ctx context.Context, id string, tags []string) error {
	cp := append([]string(nil), tags...)
	return s.updateRecord(ctx, id, func(r *metadata.Record) { r.Tags = cp })
}

// PowerOn starts a halted VM.
func (s *Session) PowerOn(ctx context.Context, id string) error {
	dom, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	err = s.call(ctx, "start domain", func() error { return s.client.DomainCreate(dom) })
	return wrap(err, "start", id)
}

// HardReboot resets a running VM without involving the guest.
func (s *Session) HardReboot(ctx context.Context, id string) error {
	dom, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	err = s.call(ctx, "reset domain", func() error { return s.client.DomainReset(dom, 0) })
	return wrap(err, "reset", id)
}

// HardShutdown powers a VM off immediately.
func (s *Session) HardShutdown(ctx context.Context, id string) error {
	dom, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	err = s.call(ctx, "destroy domain", func() error { return s.client.DomainDestroy(dom) })
	return wrap(err, "power off", id)
}

// PowerState returns the hypervisor's view of whether the VM executes.
func (s *Session) PowerState(ctx context.Context, id string) (hypervisor.PowerState, error) {
	dom, err := s.lookup(ctx, id)
	if err != nil {
		return hypervisor.PowerStateUnknown, err
	}

	var state int32
	err = s.call(ctx, "get domain state", func() error {
		var err error
		state, _, err = s.client.DomainGetState(dom, 0)
		return err
	})
	if err != nil {
		return hypervisor.PowerStateUnknown, wrap(err, "get state of", id)
	}
	return powerState(libvirt.DomainState(state)), nil
}

func powerState(state libvirt.DomainState) hypervisor.PowerState {
	switch state {
	case libvirt.DomainRunning, libvirt.DomainBlocked:
		return hypervisor.PowerStateRunning
	case libvirt.DomainPaused:
		return hypervisor.PowerStatePaused
	case libvirt.DomainPmsuspended:
		return hypervisor.PowerStateSuspended
	case libvirt.DomainShutoff, libvirt.DomainShutdown, libvirt.DomainCrashed:
		return hypervisor.PowerStateHalted
	}
	return hypervisor.PowerStateUnknown
}

// GuestNetworks returns the guest's addresses keyed "N/ip" for the first
// IPv4 address and "N/ipv6/M" for IPv6 addresses, where N is the interface
// position. Loopback interfaces are skipped.
func (s *Session) GuestNetworks(ctx context.Context, id string) (map[string]string, error) {
	dom, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	var ifaces []libvirt.DomainInterface
	err = s.call(ctx, "get interface addresses", func() error {
		var err error
		ifaces, err = s.client.DomainInterfaceAddresses(dom, uint32(s.addrSource), 0)
		return err
	})
	if err != nil {
		return nil, wrap(err, "read guest networks of", id)
	}
	return networkMap(ifaces), nil
}

func networkMap(ifaces []libvirt.DomainInterface) map[string]string {
	networks := make(map[string]string)
	n := 0
	for _, iface := range ifaces {
		if iface.Name == "lo" {
			continue
		}
		haveIPv4 := false
		v6 := 0
		for _, addr := range iface.Addrs {
			switch addr.Type {
			case ipAddrTypeIPv4:
				if !haveIPv4 {
					networks[fmt.Sprintf("%d/ip", n)] = addr.Addr
					haveIPv4 = true
				}
			case ipAddrTypeIPv6:
				networks[fmt.Sprintf("%d/ipv6/%d", n, v6)] = addr.Addr
				v6++
			}
		}
		n++
	}
	return networks
}

// ListDisks returns the VM's block devices. A disk's backing volume is
// owned when its name carries the VM name prefix.
func (s *Session) ListDisks(ctx context.Context, id string) ([]hypervisor.Disk, error) {
	dom, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	var xmlDesc string
	err = s.call(ctx, "get domain XML", func() error {
		var err error
		xmlDesc, err = s.client.DomainGetXMLDesc(dom, libvirt.DomainXMLInactive)
		return err
	})
	if err != nil {
		return nil, wrap(err, "read definition of", id)
	}

	def, err := parseDomain(xmlDesc)
	if err != nil {
		return nil, err
	}

	var disks []hypervisor.Disk
	for _, d := range domainDisks(def) {
		disk := hypervisor.Disk{ID: d.target, Device: d.device}
		if d.hasSource {
			disk.VDI = d.ref.String()
			disk.Owned = naming.OwnsVolume(def.Name, d.ref.BaseName())
		}
		disks = append(disks, disk)
	}
	return disks, nil
}

// DestroyVDI deletes a volume by reference (path or pool/name).
func (s *Session) DestroyVDI(ctx context.Context, vdi string) error {
	ref, err := storage.ParseRef(vdi)
	if err != nil {
		return err
	}
	return s.call(ctx, "delete volume", func() error {
		return s.volumes.DeleteVolume(ctx, ref)
	})
}

// DestroyVBD detaches the disk with target device diskID from the VM's
// persistent definition.
func (s *Session) DestroyVBD(ctx context.Context, vmID, diskID string) error {
	dom, err := s.lookup(ctx, vmID)
	if err != nil {
		return err
	}

	var xmlDesc string
	err = s.call(ctx, "get domain XML", func() error {
		var err error
		xmlDesc, err = s.client.DomainGetXMLDesc(dom, libvirt.DomainXMLInactive)
		return err
	})
	if err != nil {
		return wrap(err, "read definition of", vmID)
	}

	def, err := parseDomain(xmlDesc)
	if err != nil {
		return err
	}
	disk, ok := findDisk(def, diskID)
	if !ok {
		return hypervisor.NotFoundError("vbd", vmID+"/"+diskID)
	}
	diskXML, err := disk.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal disk %s: %w", diskID, err)
	}

	err = s.call(ctx, "detach disk", func() error {
		return s.client.DomainDetachDeviceFlags(dom, diskXML, uint32(libvirt.DomainAffectConfig))
	})
	if err != nil {
		return wrap(err, "detach disk "+diskID+" from", vmID)
	}
	return nil
}

// DestroyVM removes the VM's definition. The VM must not be running.
func (s *Session) DestroyVM(ctx context.Context, id string) error {
	dom, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	err = s.call(ctx, "undefine domain", func() error { return s.client.DomainUndefine(dom) })
	return wrap(err, "undefine", id)
}

// AttachConfigDrive writes data into a new ISO volume next to the VM's
// first owned disk and attaches it as a read-only cdrom.
func (s *Session) AttachConfigDrive(ctx context.Context, id string, data []byte) error {
	if len(data) == 0 {
		return errors.New("config drive is empty")
	}

	dom, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}

	var xmlDesc string
	err = s.call(ctx, "get domain XML", func() error {
		var err error
		xmlDesc, err = s.client.DomainGetXMLDesc(dom, libvirt.DomainXMLInactive)
		return err
	})
	if err != nil {
		return wrap(err, "read definition of", id)
	}

	def, err := parseDomain(xmlDesc)
	if err != nil {
		return err
	}

	var sibling *storage.VolumeRef
	for _, d := range domainDisks(def) {
		if d.device == deviceDisk && d.hasSource && naming.OwnsVolume(def.Name, d.ref.BaseName()) {
			ref := d.ref
			sibling = &ref
			break
		}
	}
	if sibling == nil {
		return fmt.Errorf("VM %s has no disk of its own to place the config drive next to", id)
	}

	var ref storage.VolumeRef
	err = s.call(ctx, "create config drive", func() error {
		var err error
		ref, err = s.volumes.CreateVolumeBeside(ctx, *sibling, storage.VolumeSpec{
			Name:          naming.VolumeNameConfigDrive(def.Name),
			Format:        storage.VolumeFormatRaw,
			CapacityBytes: uint64(len(data)),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create config drive volume: %w", err)
	}

	err = s.await(ctx, "upload config drive", func() error {
		return s.volumes.WriteVolumeData(ctx, ref, data)
	})
	if err != nil {
		return fmt.Errorf("failed to write config drive: %w", err)
	}

	diskXML, err := configDriveDisk(def, ref.Path)
	if err != nil {
		return err
	}
	err = s.call(ctx, "attach config drive", func() error {
		return s.client.DomainAttachDeviceFlags(dom, diskXML, uint32(libvirt.DomainAffectConfig))
	})
	if err != nil {
		return wrap(err, "attach config drive to", id)
	}

	s.log.Debug("attached config drive", zap.String("instance_id", id), zap.String("volume", ref.String()))
	return nil
}
