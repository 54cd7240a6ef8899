package config

import (
	"fmt"
	"net/netip"

	"github.com/gaissmai/bart"
)

// Policy is the resolved session policy for one peer.
type Policy struct {
	Prefix    netip.Prefix
	Keepalive uint8
	DeadTime  uint8
	LabelSync bool
}

// PeerPolicies resolves a peer address to the most specific configured
// policy. Peers outside every prefix get the PCE-wide defaults.
type PeerPolicies struct {
	table    bart.Table[PeerPolicy]
	defaults PCEConfig
}

// NewPeerPolicies indexes policies by prefix. A later entry for the same
// prefix replaces an earlier one.
func NewPeerPolicies(defaults PCEConfig, policies []PeerPolicy) (*PeerPolicies, error) {
	p := &PeerPolicies{defaults: defaults}
	for i, pol := range policies {
		pfx, err := netip.ParsePrefix(pol.Prefix)
		if err != nil {
			return nil, fmt.Errorf("%w: peers[%d].prefix: %v", ErrInvalid, i, err)
		}
		p.table.Insert(pfx.Masked(), pol)
	}
	return p, nil
}

// Admit returns the policy for addr and whether the peer may open a
// session at all. Zero timers in a policy inherit the PCE defaults.
func (p *PeerPolicies) Admit(addr netip.Addr) (Policy, bool) {
	addr = addr.Unmap()
	pol, ok := p.table.Lookup(addr)
	if !ok {
		return Policy{Keepalive: p.defaults.Keepalive, DeadTime: p.defaults.DeadTime}, true
	}
	if pol.Deny {
		return Policy{}, false
	}
	out := Policy{
		Prefix:    netip.MustParsePrefix(pol.Prefix).Masked(),
		Keepalive: pol.Keepalive,
		DeadTime:  pol.DeadTime,
		LabelSync: pol.LabelSync,
	}
	if out.Keepalive == 0 {
		out.Keepalive = p.defaults.Keepalive
	}
	if out.DeadTime == 0 {
		out.DeadTime = p.defaults.DeadTime
	}
	return out, true
}

// Len is the number of distinct prefixes.
func (p *PeerPolicies) Len() int { return p.table.Size() }
