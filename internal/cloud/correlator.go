package cloud

import (
	"context"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/naming"
)

// AgentDescriptor is what the orchestrator knows about a connected agent.
type AgentDescriptor struct {
	// Name is the agent's reported name. Only its first whitespace-separated
	// token is compared.
	Name string
}

// AgentCorrelator ties build agents to instances through the guest's network
// identity.
type AgentCorrelator struct {
	hv          Hypervisor
	agentPrefix string
	management  netip.Prefix
	retry       RetryPolicy
	log         *zap.Logger
}

// NewAgentCorrelator creates a correlator. management may be the zero
// Prefix, in which case every address is eligible.
func NewAgentCorrelator(hv Hypervisor, agentPrefix string, management netip.Prefix, retry RetryPolicy, log *zap.Logger) *AgentCorrelator {
	if log == nil {
		log = zap.NewNop()
	}
	return &AgentCorrelator{hv: hv, agentPrefix: agentPrefix, management: management, retry: retry, log: log}
}

// IdentityOf returns the instance's network identity: the address an agent
// on it names itself after. It reports false when the guest has not
// published any address yet.
func (c *AgentCorrelator) IdentityOf(ctx context.Context, inst v1alpha1.Instance) (string, bool, error) {
	var networks map[string]string
	err := c.retry.read(ctx, func() error {
		var err error
		networks, err = c.hv.GuestNetworks(ctx, inst.ID)
		return err
	})
	if err != nil {
		return "", false, classify(err, "failed to read guest networks of %s", inst.ID)
	}

	identity, ok := SelectIdentity(networks, c.management)
	return identity, ok, nil
}

// BelongsTo reports whether agent runs on inst.
func (c *AgentCorrelator) BelongsTo(ctx context.Context, inst v1alpha1.Instance, agent AgentDescriptor) (bool, error) {
	reported := naming.ReportedAgentName(agent.Name)
	if reported == "" {
		return false, nil
	}

	identity, ok, err := c.IdentityOf(ctx, inst)
	if err != nil || !ok {
		return false, err
	}
	return naming.AgentName(c.agentPrefix, identity) == reported, nil
}

// FindInstanceByAgent returns the first of instances that agent belongs to.
// Instances whose networks cannot be read are skipped.
func (c *AgentCorrelator) FindInstanceByAgent(ctx context.Context, instances []v1alpha1.Instance, agent AgentDescriptor) (v1alpha1.Instance, bool, error) {
	for _, inst := range instances {
		ok, err := c.BelongsTo(ctx, inst, agent)
		if err != nil {
			if ctx.Err() != nil {
				return v1alpha1.Instance{}, false, err
			}
			c.log.Debug("skipping instance with unreadable networks", zap.String("instance_id", inst.ID), zap.Error(err))
			continue
		}
		if ok {
			return inst, true, nil
		}
	}
	return v1alpha1.Instance{}, false, nil
}

// guestAddress is one parsed entry of a guest network map.
type guestAddress struct {
	key   string
	iface int
	addr  netip.Addr
}

// SelectIdentity picks one address from a guest network map
// ("N/ip" and "N/ipv6/M" keys) deterministically. When the management
// prefix is valid only addresses inside it are eligible. IPv4 wins over
// IPv6, then the lowest interface index, then the lowest key.
func SelectIdentity(networks map[string]string, management netip.Prefix) (string, bool) {
	var candidates []guestAddress
	for key, value := range networks {
		idx, ok := interfaceIndex(key)
		if !ok {
			continue
		}
		addr, err := netip.ParseAddr(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		candidates = append(candidates, guestAddress{key: key, iface: idx, addr: addr.Unmap()})
	}
	if len(candidates) == 0 {
		return "", false
	}

	if management.IsValid() {
		var inside []guestAddress
		for _, c := range candidates {
			if management.Contains(c.addr) {
				inside = append(inside, c)
			}
		}
		if len(inside) == 0 {
			return "", false
		}
		candidates = inside
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.addr.Is4() != b.addr.Is4() {
			return a.addr.Is4()
		}
		if a.iface != b.iface {
			return a.iface < b.iface
		}
		return a.key < b.key
	})
	return candidates[0].addr.String(), true
}

// interfaceIndex parses N from "N/ip" or "N/ipv6/M".
func interfaceIndex(key string) (int, bool) {
	head, rest, ok := strings.Cut(key, "/")
	if !ok || !(rest == "ip" || strings.HasPrefix(rest, "ipv6/")) {
		return 0, false
	}
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
