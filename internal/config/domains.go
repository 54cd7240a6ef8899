package config

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
)

// Domain maps an AS number to the PCE responsible for it.
type Domain struct {
	ASNumber uint32
	Address  netip.Addr
}

// DomainMap is the mutable PCE domain map. It is seeded from the domains
// section and edited at runtime.
type DomainMap struct {
	mu      sync.RWMutex
	domains map[uint32]netip.Addr
}

// NewDomainMap builds a map from validated configuration entries.
func NewDomainMap(entries []DomainConfig) (*DomainMap, error) {
	m := &DomainMap{domains: make(map[uint32]netip.Addr, len(entries))}
	for _, e := range entries {
		addr, err := netip.ParseAddr(e.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: domain AS %d: %v", ErrInvalid, e.ASNumber, err)
		}
		if !m.AddDomain(e.ASNumber, addr) {
			return nil, fmt.Errorf("%w: domain AS %d listed twice", ErrInvalid, e.ASNumber)
		}
	}
	return m, nil
}

// AddDomain records the PCE for as. It returns false if as is already mapped.
func (m *DomainMap) AddDomain(as uint32, addr netip.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[as]; ok {
		return false
	}
	m.domains[as] = addr.Unmap()
	return true
}

// DeleteDomain removes as and reports whether it was mapped.
func (m *DomainMap) DeleteDomain(as uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[as]; !ok {
		return false
	}
	delete(m.domains, as)
	return true
}

// Lookup returns the PCE address for as.
func (m *DomainMap) Lookup(as uint32) (netip.Addr, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.domains[as]
	return addr, ok
}

// Domains lists the map ordered by AS number.
func (m *DomainMap) Domains() []Domain {
	m.mu.RLock()
	out := make([]Domain, 0, len(m.domains))
	for as, addr := range m.domains {
		out = append(out, Domain{ASNumber: as, Address: addr})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ASNumber < out[j].ASNumber })
	return out
}
