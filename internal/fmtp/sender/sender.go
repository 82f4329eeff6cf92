// Package sender implements the FMTP Sender: fragments products into
// blocks, multicasts BOP/data/EOP packets through the Rate Shaper, and
// serves TCP retransmission requests from authorized subscribers.
//
// Grounded on the teacher's internal/hft/high_performance_networking.go
// HighPerformanceNetworking (config struct with defaulting constructor,
// Start/Stop, per-concern manager fields, atomic counters) and
// networking_components.go's UDPManager/TCPManager/MulticastManager,
// adapted into the multicast send path, the retransmission acceptor, and the
// per-subscriber worker pool respectively.
package sender

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ldm7/fmtp/internal/fmtp/addrpool"
	"github.com/ldm7/fmtp/internal/fmtp/authchan"
	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
	"github.com/ldm7/fmtp/internal/fmtp/future"
	"github.com/ldm7/fmtp/internal/fmtp/product"
	"github.com/ldm7/fmtp/internal/fmtp/ratelimit"
	"github.com/ldm7/fmtp/internal/fmtp/sigmap"
	"github.com/ldm7/fmtp/internal/fmtp/wire"
	"github.com/ldm7/fmtp/pkg/observability"
)

// Config configures a Sender. Mirrors the teacher's defaulting-constructor
// pattern: zero-value fields are filled with sane defaults in New.
type Config struct {
	Feed             uint32
	MulticastGroup   string // "224.0.1.1:38800"
	MulticastIface   string
	RetransmitAddr   string // TCP listen address, e.g. ":38801"
	MTU              int
	RateBitsPerSec   uint64
	RetxWindow       int
	MetadataCapBytes int
	StateDir         string
}

// udpIPOverhead is the IPv4 (20 bytes) + UDP (8 bytes) header overhead
// subtracted from the configured MTU to compute the usable block size, so a
// fragmented product fits in a single unfragmented IP datagram.
const udpIPOverhead = 28

func (c *Config) setDefaults() {
	if c.MTU == 0 {
		c.MTU = 1500
	}
	if c.RetxWindow == 0 {
		c.RetxWindow = 64
	}
	if c.MetadataCapBytes == 0 {
		c.MetadataCapBytes = 65535
	}
	if c.StateDir == "" {
		c.StateDir = "/var/lib/fmtp"
	}
}

// retained is the Sender Product Record held for the retransmission window.
type retained struct {
	index   uint32
	bytes   []byte
	meta    []byte
	sentAt  time.Time
}

// Sender is the FMTP sender: publisher + retransmission-acceptor +
// per-subscriber workers + authorization-intake, all owned by one
// Executor.
type Sender struct {
	cfg     Config
	sigMap  *sigmap.Map
	pool    addrpool.Pool
	shaper  *ratelimit.Shaper
	metrics *observability.MetricsProvider
	logger  *observability.Logger
	authLog *observability.AuthLogger
	health  *observability.HealthChecker

	executor *future.Executor

	mu          sync.RWMutex // protects retained table (read-mostly)
	retainedIdx map[uint32]*retained
	retainedLRU []uint32 // insertion order, oldest first

	nextIndexMu sync.Mutex
	nextIndex   uint32

	mcastConn *net.UDPConn
	mcastAddr *net.UDPAddr

	listener net.Listener

	authChannel authchan.Channel
}

// New constructs a Sender. pool must be non-nil; metrics and logger may be
// nil, which turns off metric recording and logging; authChannel may be nil to disable the authorization-intake thread (e.g.
// in tests that drive Pool.Allow directly).
func New(cfg Config, pool addrpool.Pool, authChannel authchan.Channel, metrics *observability.MetricsProvider, logger *observability.Logger) (*Sender, error) {
	cfg.setDefaults()

	sigMap, err := sigmap.OpenForWriting(cfg.StateDir, cfg.Feed, uint32(cfg.RetxWindow)*4+16)
	if err != nil {
		return nil, err
	}

	mcastAddr, err := net.ResolveUDPAddr("udp4", cfg.MulticastGroup)
	if err != nil {
		return nil, fmtperr.Wrap(fmtperr.INVAL, err, "sender: bad multicast group %q", cfg.MulticastGroup)
	}

	s := &Sender{
		cfg:         cfg,
		sigMap:      sigMap,
		pool:        pool,
		shaper:      ratelimit.NewShaper(cfg.RateBitsPerSec),
		metrics:     metrics,
		logger:      logger,
		authLog:     observability.NewAuthLogger(logger),
		executor:    future.NewExecutor(),
		retainedIdx: make(map[uint32]*retained),
		mcastAddr:   mcastAddr,
		nextIndex:   sigMap.GetNextProdIndex(),
		authChannel: authChannel,
	}

	s.health = observability.NewHealthChecker(logger)
	s.health.RegisterCheck("sigmap", observability.SigMapHealthCheck(s.sigMap.Ping))
	s.health.RegisterCheck("multicast_socket", observability.SocketHealthCheck("multicast socket", func() error {
		if s.mcastConn == nil {
			return fmtperr.New(fmtperr.SYSTEM, "sender: multicast socket not started")
		}
		return nil
	}))
	s.health.RegisterCheck("retransmit_listener", observability.SocketHealthCheck("retransmission listener", func() error {
		if s.listener == nil {
			return fmtperr.New(fmtperr.SYSTEM, "sender: retransmission listener not started")
		}
		return nil
	}))

	return s, nil
}

// Health returns the sender's liveness checker (sigmap reachability,
// multicast socket, retransmission listener), for mounting on an HTTP
// health endpoint.
func (s *Sender) Health() *observability.HealthChecker {
	return s.health
}

// Start dials the multicast socket, begins listening for retransmission
// connections, and launches the authorization-intake thread.
func (s *Sender) Start(ctx context.Context) error {
	conn, err := net.DialUDP("udp4", nil, s.mcastAddr)
	if err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "sender: dial multicast %s", s.mcastAddr)
	}
	s.mcastConn = conn

	ln, err := net.Listen("tcp4", s.cfg.RetransmitAddr)
	if err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "sender: listen %s", s.cfg.RetransmitAddr)
	}
	s.listener = ln

	s.executor.Submit(s.acceptLoop, func() { ln.Close() })

	if s.authChannel != nil {
		s.executor.Submit(s.authIntakeLoop, func() { s.authChannel.Close() })
	}

	return nil
}

// Stop cancels every worker and waits for them to exit, then closes
// sockets and the product-index map.
func (s *Sender) Stop() error {
	s.executor.CancelAll()
	s.executor.Wait()

	if s.mcastConn != nil {
		s.mcastConn.Close()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	return s.sigMap.Close()
}

// Send is the publish procedure (§4.7): reserves the next index, persists
// (index -> signature), and multicasts BOP/data/EOP.
func (s *Sender) Send(ctx context.Context, bytes []byte, meta []byte, signature product.Signature) (uint32, error) {
	if len(meta) > s.cfg.MetadataCapBytes {
		return 0, fmtperr.New(fmtperr.INVAL, "sender: metadata exceeds cap of %d bytes", s.cfg.MetadataCapBytes)
	}

	s.nextIndexMu.Lock()
	index := s.nextIndex
	s.nextIndex = wire.IndexNext(index)
	s.nextIndexMu.Unlock()

	if err := s.sigMap.Put(index, [16]byte(signature)); err != nil {
		return 0, err
	}

	if err := s.multicastBOP(index, uint32(len(bytes)), meta); err != nil {
		return 0, err
	}

	blockSize := s.cfg.MTU - udpIPOverhead - wire.HeaderLen
	for offset := 0; offset < len(bytes); offset += blockSize {
		end := offset + blockSize
		if end > len(bytes) {
			end = len(bytes)
		}
		if err := s.multicastData(index, uint32(offset), bytes[offset:end]); err != nil {
			return 0, err
		}
	}

	if err := s.multicastEOP(index, uint32(len(bytes))); err != nil {
		return 0, err
	}

	s.retain(index, bytes, meta)

	return index, nil
}

func (s *Sender) multicastBOP(index uint32, prodSize uint32, meta []byte) error {
	payload := wire.EncodeBOPPayload(prodSize, meta)
	return s.multicast(wire.Header{ProdIndex: index, SeqNum: 0, Flags: wire.FlagBOP, PayloadLen: uint16(len(payload))}, payload)
}

func (s *Sender) multicastData(index, offset uint32, chunk []byte) error {
	return s.multicast(wire.Header{ProdIndex: index, SeqNum: offset, Flags: wire.FlagMemData, PayloadLen: uint16(len(chunk))}, chunk)
}

// multicastEOP sends the End-Of-Product packet with seqNum set to the
// product's total size, per §4.7 step 4's (i, S, ...) framing. The receiver
// never inspects an EOP's seqNum (completion is judged from the gap list
// instead), but the wire value should still match what the protocol defines.
func (s *Sender) multicastEOP(index uint32, prodSize uint32) error {
	return s.multicast(wire.Header{ProdIndex: index, SeqNum: prodSize, Flags: wire.FlagEOP, PayloadLen: 0}, nil)
}

func (s *Sender) multicast(h wire.Header, payload []byte) error {
	buf := make([]byte, wire.HeaderLen+len(payload))
	h.EncodeInto(buf)
	copy(buf[wire.HeaderLen:], payload)

	s.shaper.Pace(len(buf))

	if _, err := s.mcastConn.Write(buf); err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "sender: multicast write")
	}
	if s.metrics != nil {
		s.metrics.RecordPacketSent(context.Background(), feedName(s.cfg.Feed), h.Flags.String())
	}
	return nil
}

// retain stores the product in the retained table, evicting the oldest
// entry if this insertion would exceed retxWindow.
func (s *Sender) retain(index uint32, bytes, meta []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retainedIdx[index] = &retained{index: index, bytes: bytes, meta: meta, sentAt: time.Now()}
	s.retainedLRU = append(s.retainedLRU, index)

	if s.metrics != nil {
		s.metrics.SetRetainedProducts(context.Background(), feedName(s.cfg.Feed), 1)
	}

	for len(s.retainedLRU) > s.cfg.RetxWindow {
		oldest := s.retainedLRU[0]
		s.retainedLRU = s.retainedLRU[1:]
		delete(s.retainedIdx, oldest)
		if s.metrics != nil {
			s.metrics.RecordProductEvicted(context.Background(), feedName(s.cfg.Feed))
			s.metrics.SetRetainedProducts(context.Background(), feedName(s.cfg.Feed), -1)
		}
	}
}

func (s *Sender) lookupRetained(index uint32) (*retained, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.retainedIdx[index]
	return r, ok
}

func feedName(feed uint32) string {
	return "0x" + uint32Hex(feed)
}

func uint32Hex(v uint32) string {
	const hex = "0123456789ABCDEF"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = hex[v&0xF]
		v >>= 4
	}
	return string(buf)
}
