package libvirt

import (
	"fmt"

	"github.com/digitalocean/go-libvirt"
)

// AddressSource selects where DomainInterfaceAddresses reads guest
// addresses from.
type AddressSource uint32

const (
	// AddressSourceLease reads DHCP leases of libvirt-managed networks.
	AddressSourceLease = AddressSource(libvirt.DomainInterfaceAddressesSrcLease)
	// AddressSourceAgent asks the guest agent.
	AddressSourceAgent = AddressSource(libvirt.DomainInterfaceAddressesSrcAgent)
	// AddressSourceARP reads the host ARP table.
	AddressSourceARP = AddressSource(libvirt.DomainInterfaceAddressesSrcArp)
)

// ParseAddressSource parses "lease", "agent" or "arp".
func ParseAddressSource(s string) (AddressSource, error) {
	switch s {
	case "", "lease":
		return AddressSourceLease, nil
	case "agent":
		return AddressSourceAgent, nil
	case "arp":
		return AddressSourceARP, nil
	}
	return 0, fmt.Errorf("unknown address source %q (must be lease, agent or arp)", s)
}

// String implements fmt.Stringer.
func (a AddressSource) String() string {
	switch a {
	case AddressSourceLease:
		return "lease"
	case AddressSourceAgent:
		return "agent"
	case AddressSourceARP:
		return "arp"
	}
	return fmt.Sprintf("AddressSource(%d)", uint32(a))
}
