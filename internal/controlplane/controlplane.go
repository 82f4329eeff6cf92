package controlplane

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ldm7/fmtp/internal/fmtp/authchan"
	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
	"github.com/ldm7/fmtp/pkg/observability"
)

// ControlPlane is the process-wide singleton (spec §4.9): it layers the
// Authorization Channel side effect onto a Store's reserve/release
// operations, so that a successful client-IP lease always reaches the
// corresponding Sender before the caller sees it succeed.
type ControlPlane struct {
	store     Store
	socketDir string
	audit     *observability.CPAuditLogger
	authLog   *observability.AuthLogger
	logger    *observability.Logger

	mu      sync.Mutex
	writers map[uint32]authchan.Channel
}

// New constructs a ControlPlane over store. socketDir is where
// per-feed Authorization Channel Unix sockets are created (spec §4.4).
// logger may be nil to disable audit/admission logging (e.g. in tests).
func New(store Store, socketDir string, logger *observability.Logger) *ControlPlane {
	return &ControlPlane{
		store:     store,
		socketDir: socketDir,
		audit:     observability.NewCPAuditLogger(logger),
		authLog:   observability.NewAuthLogger(logger),
		logger:    logger,
		writers:   make(map[uint32]authchan.Channel),
	}
}

// Add registers a new subscriber for feed.
func (cp *ControlPlane) Add(ctx context.Context, feed uint32, rec Record) error {
	return cp.store.Add(ctx, feed, rec)
}

// Get returns a subscriber's current registration.
func (cp *ControlPlane) Get(ctx context.Context, feed uint32, key string) (Record, error) {
	return cp.store.Get(ctx, feed, key)
}

// Set updates a subscriber's advertised port.
func (cp *ControlPlane) Set(ctx context.Context, feed uint32, key string, port int) error {
	return cp.store.Set(ctx, feed, key, port)
}

// Reserve leases the next available client IP for key and writes it to the
// feed's Authorization Channel, so the Sender admits the subscriber's
// upcoming TCP connection.
func (cp *ControlPlane) Reserve(ctx context.Context, feed uint32, key string) (net.IP, error) {
	ip, err := cp.store.Reserve(ctx, feed, key)
	if err != nil {
		if cp.logger != nil && fmtperr.Is(err, fmtperr.BUSY) {
			addrRange := key
			if rec, gerr := cp.store.Get(ctx, feed, key); gerr == nil {
				addrRange = fmt.Sprintf("%s-%s", rec.MinClient, rec.MaxClient)
			}
			cp.authLog.LogPoolExhaustion(ctx, feedString(feed), addrRange, map[string]interface{}{"subscriber": key})
		}
		return nil, err
	}

	w, err := cp.writerFor(feed)
	if err != nil {
		cp.store.Release(ctx, feed, key, ip)
		return nil, err
	}
	if err := w.Send(ip); err != nil {
		cp.store.Release(ctx, feed, key, ip)
		return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "controlplane: authorize %s on feed 0x%08x", ip, feed)
	}
	if cp.logger != nil {
		cp.audit.LogReservation(ctx, "reserve", feedString(feed), key, map[string]interface{}{"ip": ip.String()})
	}
	return ip, nil
}

// Release returns a leased client IP to the pool. It does not revoke the
// earlier Authorization Channel admission (spec §4.2: a late retransmission
// request must not be rejected due to a release race).
func (cp *ControlPlane) Release(ctx context.Context, feed uint32, key string, ip net.IP) error {
	if err := cp.store.Release(ctx, feed, key, ip); err != nil {
		return err
	}
	if cp.logger != nil {
		cp.audit.LogReservation(ctx, "release", feedString(feed), key, map[string]interface{}{"ip": ip.String()})
	}
	return nil
}

func feedString(feed uint32) string {
	return fmt.Sprintf("0x%08x", feed)
}

func (cp *ControlPlane) writerFor(feed uint32) (authchan.Channel, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if w, ok := cp.writers[feed]; ok {
		return w, nil
	}
	w, err := authchan.NewUnixWriter(cp.socketDir, feed)
	if err != nil {
		return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "controlplane: open authorization channel for feed 0x%08x", feed)
	}
	cp.writers[feed] = w
	return w, nil
}

// Close releases every Authorization Channel writer this ControlPlane
// opened. The Store is left open; callers own its lifecycle.
func (cp *ControlPlane) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	var first error
	for feed, w := range cp.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
		delete(cp.writers, feed)
	}
	return first
}
