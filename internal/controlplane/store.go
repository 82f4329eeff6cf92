// Package controlplane implements the FMTP Control Plane: a process-wide
// singleton keyed by (feed, subscriber key) that maps subscribers to their
// VLAN/switch-port/client-IP reservations, plus an HTTP admin surface for
// operating it.
package controlplane

import (
	"context"
	"encoding/binary"
	"net"
	"sync"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
)

// Record is a subscriber's registration: the server it multicasts/retransmits
// from, its switching identity, the client-IP range it may lease from, and
// the port it currently advertises.
type Record struct {
	Key          string
	ServerAddr   string
	VlanID       uint32
	SwitchPortID string
	MinClient    net.IP
	MaxClient    net.IP
	Port         int
}

// Store is the Control Plane's persistence contract: add/get/set a
// subscriber record, and reserve/release a single client IP from the
// record's [MinClient, MaxClient] range. Implementations must be safe for
// concurrent use.
type Store interface {
	Add(ctx context.Context, feed uint32, rec Record) error
	Get(ctx context.Context, feed uint32, key string) (Record, error)
	Set(ctx context.Context, feed uint32, key string, port int) error
	Reserve(ctx context.Context, feed uint32, key string) (net.IP, error)
	Release(ctx context.Context, feed uint32, key string, ip net.IP) error
}

// MemStore is an in-memory Store, the default used by tests and single-node
// deployments without a durable registry.
type MemStore struct {
	mu      sync.Mutex
	records map[uint32]map[string]*Record
	leased  map[uint32]map[string]bool // feed -> ip.String() -> leased
}

// NewMemStore constructs an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[uint32]map[string]*Record),
		leased:  make(map[uint32]map[string]bool),
	}
}

func (s *MemStore) Add(_ context.Context, feed uint32, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	feedRecords, ok := s.records[feed]
	if !ok {
		feedRecords = make(map[string]*Record)
		s.records[feed] = feedRecords
	}
	if _, exists := feedRecords[rec.Key]; exists {
		return fmtperr.New(fmtperr.DUP, "controlplane: subscriber %q already registered for feed 0x%08x", rec.Key, feed)
	}
	cp := rec
	feedRecords[rec.Key] = &cp
	return nil
}

func (s *MemStore) Get(_ context.Context, feed uint32, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookupLocked(feed, key)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

func (s *MemStore) Set(_ context.Context, feed uint32, key string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookupLocked(feed, key)
	if err != nil {
		return err
	}
	rec.Port = port
	return nil
}

func (s *MemStore) Reserve(_ context.Context, feed uint32, key string) (net.IP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookupLocked(feed, key)
	if err != nil {
		return nil, err
	}

	leased, ok := s.leased[feed]
	if !ok {
		leased = make(map[string]bool)
		s.leased[feed] = leased
	}

	for ip := cloneIP(rec.MinClient); ipLessOrEqual(ip, rec.MaxClient); ip = nextIP(ip) {
		if !leased[ip.String()] {
			leased[ip.String()] = true
			return ip, nil
		}
	}
	return nil, fmtperr.New(fmtperr.BUSY, "controlplane: no free client IP in [%s, %s] for subscriber %q", rec.MinClient, rec.MaxClient, key)
}

func (s *MemStore) Release(_ context.Context, feed uint32, key string, ip net.IP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookupLocked(feed, key); err != nil {
		return err
	}
	leased := s.leased[feed]
	if leased == nil || !leased[ip.String()] {
		return fmtperr.New(fmtperr.NOENT, "controlplane: ip %s not leased for subscriber %q", ip, key)
	}
	delete(leased, ip.String())
	return nil
}

func (s *MemStore) lookupLocked(feed uint32, key string) (*Record, error) {
	feedRecords, ok := s.records[feed]
	if !ok {
		return nil, fmtperr.New(fmtperr.NOENT, "controlplane: feed 0x%08x not registered", feed)
	}
	rec, ok := feedRecords[key]
	if !ok {
		return nil, fmtperr.New(fmtperr.NOENT, "controlplane: subscriber %q not registered for feed 0x%08x", key, feed)
	}
	return rec, nil
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, 4)
	copy(out, ip.To4())
	return out
}

func ipLessOrEqual(a, b net.IP) bool {
	return binary.BigEndian.Uint32(a.To4()) <= binary.BigEndian.Uint32(b.To4())
}

func nextIP(ip net.IP) net.IP {
	v := binary.BigEndian.Uint32(ip.To4()) + 1
	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}
