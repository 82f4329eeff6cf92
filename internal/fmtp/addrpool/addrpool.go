// Package addrpool implements the Client-Address Pool: leases IPs from a
// configured CIDR subnet to authorized subscribers and tracks the
// superset of allowed (leased ∪ control-plane-admitted) addresses.
package addrpool

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
)

// Pool is the Client-Address Pool contract. Both the in-memory and
// Redis-backed implementations satisfy it.
type Pool interface {
	// GetAvailable leases the lowest unused host IP in the configured CIDR,
	// marking it leased and allowed. Returns NOENT if the subnet is
	// exhausted.
	GetAvailable() (net.IP, error)
	// Allow admits ip without reserving it.
	Allow(ip net.IP)
	// IsAllowed is the authoritative check at TCP accept time. Must be
	// wait-free.
	IsAllowed(ip net.IP) bool
	// Release relinquishes a leased IP back to the pool without un-allowing
	// it. Fails with NOENT if ip was never leased.
	Release(ip net.IP) error
}

// MemPool is the default in-memory Pool implementation.
type MemPool struct {
	mu     sync.RWMutex
	cidr   *net.IPNet
	base   uint32
	size   uint32
	leased map[uint32]bool
	allowed map[uint32]bool
}

// NewMemPool constructs a MemPool over the given CIDR, e.g. "10.1.0.0/24".
func NewMemPool(cidr string) (*MemPool, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmtperr.Wrap(fmtperr.INVAL, err, "addrpool: bad CIDR %q", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	size := uint32(1) << uint(bits-ones)

	return &MemPool{
		cidr:    ipnet,
		base:    ipToUint32(ip.Mask(ipnet.Mask)),
		size:    size,
		leased:  make(map[uint32]bool),
		allowed: make(map[uint32]bool),
	}, nil
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	return binary.BigEndian.Uint32(ip4)
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// GetAvailable picks the lowest unused host IP (skipping network and
// broadcast addresses for subnets of size > 2).
func (p *MemPool) GetAvailable() (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := uint32(0)
	end := p.size
	if p.size > 2 {
		start = 1
		end = p.size - 1
	}

	for offset := start; offset < end; offset++ {
		host := p.base + offset
		if !p.leased[host] {
			p.leased[host] = true
			p.allowed[host] = true
			return uint32ToIP(host), nil
		}
	}
	return nil, fmtperr.New(fmtperr.NOENT, "addrpool: subnet %s exhausted", p.cidr)
}

// Allow admits ip without reserving it.
func (p *MemPool) Allow(ip net.IP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed[ipToUint32(ip)] = true
}

// IsAllowed is wait-free with respect to writers blocked elsewhere: it
// takes only a read lock, held for the duration of a single map lookup.
func (p *MemPool) IsAllowed(ip net.IP) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.allowed[ipToUint32(ip)]
}

// Release relinquishes a leased IP. It does not clear the allowed bit, so
// a late retransmission request is not rejected due to a race.
func (p *MemPool) Release(ip net.IP) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := ipToUint32(ip)
	if !p.leased[key] {
		return fmtperr.New(fmtperr.NOENT, "addrpool: %s was never leased", ip)
	}
	delete(p.leased, key)
	return nil
}
