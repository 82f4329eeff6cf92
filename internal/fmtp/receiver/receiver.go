// Package receiver implements the FMTP Receiver: a multicast listener that
// reassembles products from BOP/MEM_DATA/EOP packets, a retransmission
// client that fills gaps over a persistent TCP connection to the sender,
// and a timeout thread that declares unrecoverable products missed.
//
// Grounded on the teacher's internal/hft/high_performance_networking.go
// ReceiveMessage/CreateConnection patterns (dequeue-and-dispatch reader
// loop, pooled connection lifecycle), generalized from a flat message type
// into the per-product state machine spec §4.8 requires.
package receiver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
	"github.com/ldm7/fmtp/internal/fmtp/future"
	"github.com/ldm7/fmtp/internal/fmtp/pidxqueue"
	"github.com/ldm7/fmtp/internal/fmtp/product"
	"github.com/ldm7/fmtp/internal/fmtp/sigmap"
	"github.com/ldm7/fmtp/internal/fmtp/wire"
	"github.com/ldm7/fmtp/pkg/observability"
)

// Callbacks is the application notification contract (spec §6/§4.8).
// OnBOP may return a nil handle to ignore the product; subsequent data for
// that index is then silently dropped. All three are invoked from both the
// multicast and retransmission threads and must be safe for concurrent use.
type Callbacks struct {
	OnBOP    func(index uint32, prodSize uint32, meta []byte) (handle []byte)
	OnEOP    func(index uint32)
	OnMissed func(index uint32)
}

// Config configures a Receiver.
type Config struct {
	Feed           uint32
	MulticastGroup string // "224.0.1.1:38800"
	MulticastIface string
	SenderAddr     string // TCP address of the sender's retransmission port
	RetxTimeout    time.Duration
	StateDir       string
}

func (c *Config) setDefaults() {
	if c.RetxTimeout == 0 {
		c.RetxTimeout = 5 * time.Second
	}
	if c.StateDir == "" {
		c.StateDir = "/var/lib/fmtp"
	}
}

// Receiver is the FMTP receiver: multicast-receiver + retransmission-client
// + timeout threads, all owned by one Executor.
type Receiver struct {
	cfg       Config
	callbacks Callbacks
	sigMap    *sigmap.Map
	pq        product.Queue
	metrics   *observability.MetricsProvider
	logger    *observability.Logger
	perfLog   *observability.PerformanceLogger
	health    *observability.HealthChecker

	executor  *future.Executor
	pidxQueue *pidxqueue.Queue

	mu       sync.Mutex
	products map[uint32]*productState

	mcastConn *net.UDPConn
	retxConn  net.Conn
	retxMu    sync.Mutex // serializes request/reply pairs on retxConn
}

// New constructs a Receiver. pq and callbacks must be non-nil.
func New(cfg Config, callbacks Callbacks, pq product.Queue, metrics *observability.MetricsProvider, logger *observability.Logger) (*Receiver, error) {
	cfg.setDefaults()

	sigMap, err := sigmap.OpenForWriting(cfg.StateDir, cfg.Feed, 1024)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		cfg:       cfg,
		callbacks: callbacks,
		sigMap:    sigMap,
		pq:        pq,
		metrics:   metrics,
		logger:    logger,
		perfLog:   observability.NewPerformanceLogger(logger),
		executor:  future.NewExecutor(),
		pidxQueue: pidxqueue.New(),
		products:  make(map[uint32]*productState),
	}

	r.health = observability.NewHealthChecker(logger)
	r.health.RegisterCheck("sigmap", observability.SigMapHealthCheck(r.sigMap.Ping))
	r.health.RegisterCheck("multicast_socket", observability.SocketHealthCheck("multicast socket", func() error {
		if r.mcastConn == nil {
			return fmtperr.New(fmtperr.SYSTEM, "receiver: multicast socket not started")
		}
		return nil
	}))
	r.health.RegisterCheck("retransmit_connection", observability.SocketHealthCheck("retransmission connection", func() error {
		if r.retxConn == nil {
			return fmtperr.New(fmtperr.SYSTEM, "receiver: retransmission connection not started")
		}
		return nil
	}))

	return r, nil
}

// Health returns the receiver's liveness checker (sigmap reachability,
// multicast socket, retransmission connection), for mounting on an HTTP
// health endpoint.
func (r *Receiver) Health() *observability.HealthChecker {
	return r.health
}

// Start joins the multicast group, dials the sender's retransmission port,
// and launches the three receiver threads.
func (r *Receiver) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", r.cfg.MulticastGroup)
	if err != nil {
		return fmtperr.Wrap(fmtperr.INVAL, err, "receiver: bad multicast group %q", r.cfg.MulticastGroup)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "receiver: join multicast %s", addr)
	}
	r.mcastConn = conn

	retxConn, err := net.Dial("tcp4", r.cfg.SenderAddr)
	if err != nil {
		conn.Close()
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "receiver: dial sender %s", r.cfg.SenderAddr)
	}
	r.retxConn = retxConn

	r.executor.Submit(r.multicastLoop, func() { conn.Close() })
	r.executor.Submit(r.retransmitClientLoop, func() { r.pidxQueue.Cancel(); retxConn.Close() })
	r.executor.Submit(r.timeoutLoop, nil)

	return nil
}

// Stop cancels every thread, waits for them to exit, and closes sockets
// and the product-index map.
func (r *Receiver) Stop() error {
	r.executor.CancelAll()
	r.executor.Wait()

	if r.mcastConn != nil {
		r.mcastConn.Close()
	}
	if r.retxConn != nil {
		r.retxConn.Close()
	}
	return r.sigMap.Close()
}

// multicastLoop is the multicast receiver thread (§4.8): reads datagrams
// and dispatches by packet flag to the per-product state machine.
func (r *Receiver) multicastLoop(stop <-chan struct{}) (interface{}, error) {
	buf := make([]byte, 65535)
	for {
		n, err := r.mcastConn.Read(buf)
		if err != nil {
			select {
			case <-stop:
				return nil, nil
			default:
				return nil, err
			}
		}
		h, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		payload := append([]byte(nil), buf[wire.HeaderLen:n]...)

		switch h.Flags {
		case wire.FlagBOP:
			r.onBOPPacket(h, payload)
		case wire.FlagMemData:
			r.onDataPacket(h, payload)
		case wire.FlagEOP:
			r.onEOPPacket(h)
		}
	}
}

func (r *Receiver) getOrCreateProduct(index uint32) *productState {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[index]
	if !ok {
		p = &productState{index: index, phase: phaseInitial, startedAt: time.Now()}
		r.products[index] = p
	}
	return p
}

func (r *Receiver) onBOPPacket(h wire.Header, payload []byte) {
	prodSize, meta, err := wire.DecodeBOPPayload(payload)
	if err != nil {
		return
	}

	if r.isDuplicate(h.ProdIndex) {
		p := r.getOrCreateProduct(h.ProdIndex)
		r.mu.Lock()
		p.ignored = true
		p.phase = phaseComplete
		r.mu.Unlock()
		return
	}

	p := r.getOrCreateProduct(h.ProdIndex)

	r.mu.Lock()
	defer r.mu.Unlock()
	if p.bopSeen {
		return
	}
	p.bopSeen = true
	p.prodSize = prodSize
	p.meta = meta
	p.phase = phaseOpen

	// The Receiver owns the product-queue reservation; the application's
	// OnBOP return value is only the accept/decline signal (spec §6's
	// bufferHandle), not the buffer actually written into.
	if prodSize > 0 {
		if buf, token, err := r.pq.Reserve(int(prodSize)); err == nil {
			p.buf = buf
			p.token = token
		}
	}

	handle := r.callbacks.OnBOP(h.ProdIndex, prodSize, meta)
	if handle == nil {
		if p.token != 0 {
			r.pq.Discard(p.token)
		}
		p.ignored = true
		return
	}
	p.flushPending()

	// EOP may have already arrived over multicast while this BOP was still
	// outstanding (e.g. requested via BOP_REQ after data-before-BOP). A
	// completed product finishes now instead of waiting on a callback that
	// already fired; a still-gapped one gets its gaps scanned and queued,
	// instead of resolving only via the timeout thread.
	if p.eopSeen {
		if p.complete() {
			r.finishLocked(p)
		} else {
			p.enqueueGaps()
			r.pidxQueue.Add(h.ProdIndex)
		}
	}
}

func (r *Receiver) onDataPacket(h wire.Header, payload []byte) {
	r.mu.Lock()
	p, ok := r.products[h.ProdIndex]
	if !ok {
		// Data arrived before BOP: retain the bytes, request BOP explicitly.
		p = &productState{index: h.ProdIndex, phase: phaseBopReqSent, startedAt: time.Now()}
		p.writeRange(h.SeqNum, payload)
		p.pending = append(p.pending, pendingReq{isBOPReq: true})
		r.products[h.ProdIndex] = p
		r.mu.Unlock()
		r.pidxQueue.Add(h.ProdIndex)
		return
	}
	if p.ignored {
		r.mu.Unlock()
		return
	}
	p.writeRange(h.SeqNum, payload)

	// All bytes present but EOP hasn't arrived yet: ask for it explicitly.
	if p.bopSeen && !p.eopSeen && !p.eopReqSent && p.complete() {
		p.eopReqSent = true
		p.pending = append(p.pending, pendingReq{isEOPReq: true})
		r.mu.Unlock()
		r.pidxQueue.Add(h.ProdIndex)
		return
	}
	r.mu.Unlock()
}

func (r *Receiver) onEOPPacket(h wire.Header) {
	r.mu.Lock()
	p, ok := r.products[h.ProdIndex]
	if !ok || p.ignored {
		r.mu.Unlock()
		return
	}
	p.eopSeen = true

	if !p.bopSeen {
		// BOP hasn't resolved yet (already requested via BOP_REQ, or will
		// be once data triggers it); completion is evaluated once it does.
		r.mu.Unlock()
		return
	}

	if !p.complete() {
		for _, g := range p.gaps() {
			p.pending = append(p.pending, pendingReq{start: g.start, length: g.end - g.start})
		}
		r.mu.Unlock()
		r.pidxQueue.Add(h.ProdIndex)
		return
	}

	r.finishLocked(p)
	r.mu.Unlock()
}

// finishLocked marks p complete, persists its signature, commits it to the
// product queue, and notifies the application. Caller holds r.mu.
func (r *Receiver) finishLocked(p *productState) {
	if p.phase == phaseComplete {
		return
	}
	p.phase = phaseComplete

	sig := computeSignature(p.buf)
	if p.token != 0 {
		r.pq.Commit(p.token, sig)
	}
	r.sigMap.Put(p.index, [16]byte(sig))

	latency := time.Since(p.startedAt)
	if r.metrics != nil {
		r.metrics.RecordProductCompleted(context.Background(), feedName(r.cfg.Feed), latency)
	}
	if r.logger != nil {
		r.perfLog.LogSlowOperation(context.Background(), "product_reassembly", latency, r.cfg.RetxTimeout/2,
			map[string]interface{}{"feed": feedName(r.cfg.Feed), "index": p.index})
	}
	if r.callbacks.OnEOP != nil {
		r.callbacks.OnEOP(p.index)
	}
}

// isDuplicate reports whether index has already been committed under a
// signature still present in the product queue (spec §4.8 deduplication).
func (r *Receiver) isDuplicate(index uint32) bool {
	sig, err := r.sigMap.Get(index)
	if err != nil {
		return false
	}
	return r.pq.LookupBySignature(product.Signature(sig))
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
