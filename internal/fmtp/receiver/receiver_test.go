package receiver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ldm7/fmtp/internal/fmtp/addrpool"
	"github.com/ldm7/fmtp/internal/fmtp/product"
	"github.com/ldm7/fmtp/internal/fmtp/sender"
	"github.com/ldm7/fmtp/internal/fmtp/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wireHeaderRetxRej(index uint32) wire.Header {
	return wire.Header{ProdIndex: index, Flags: wire.FlagRetxRej}
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	l, err := net.ListenUDP("udp4", &net.UDPAddr{})
	require.NoError(t, err)
	defer l.Close()
	return l.LocalAddr().(*net.UDPAddr).Port
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp4", ":0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// harness wires a real Sender and Receiver together over loopback, since
// the two packages are each other's only meaningful collaborator.
type harness struct {
	t    *testing.T
	snd  *sender.Sender
	rcv  *Receiver
	bops chan bopEvent
	eops chan uint32
	miss chan uint32
}

type bopEvent struct {
	index    uint32
	prodSize uint32
	meta     []byte
}

func newHarness(t *testing.T, retxWindow int) *harness {
	t.Helper()

	pool, err := addrpool.NewMemPool("127.0.0.0/8")
	require.NoError(t, err)
	pool.Allow(net.ParseIP("127.0.0.1"))

	mcastPort := freeUDPPort(t)
	retxPort := freeTCPPort(t)

	// A real class-D address: the Receiver actually joins this as a
	// multicast group (net.ListenMulticastUDP), unlike the sender
	// package's own unit tests which only need a plain UDP destination.
	mcastGroup := "239.1.2.3:" + itoa(mcastPort)

	snd, err := sender.New(sender.Config{
		Feed:           1,
		MulticastGroup: mcastGroup,
		RetransmitAddr: "127.0.0.1:" + itoa(retxPort),
		MTU:            1500,
		RetxWindow:     retxWindow,
		StateDir:       t.TempDir(),
	}, pool, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, snd.Start(context.Background()))
	t.Cleanup(func() { snd.Stop() })

	h := &harness{
		t:    t,
		snd:  snd,
		bops: make(chan bopEvent, 16),
		eops: make(chan uint32, 16),
		miss: make(chan uint32, 16),
	}

	pq := product.NewMemQueue(0)
	rcv, err := New(Config{
		Feed:           1,
		MulticastGroup: mcastGroup,
		SenderAddr:     "127.0.0.1:" + itoa(retxPort),
		RetxTimeout:    time.Second,
		StateDir:       t.TempDir(),
	}, Callbacks{
		OnBOP: func(index uint32, prodSize uint32, meta []byte) []byte {
			h.bops <- bopEvent{index: index, prodSize: prodSize, meta: meta}
			return []byte{1} // any non-nil sentinel admits the product
		},
		OnEOP: func(index uint32) {
			h.eops <- index
		},
		OnMissed: func(index uint32) {
			h.miss <- index
		},
	}, pq, nil, nil)
	require.NoError(t, err)
	require.NoError(t, rcv.Start(context.Background()))
	t.Cleanup(func() { rcv.Stop() })

	h.rcv = rcv
	return h
}

func TestS1ReceiverLossFree(t *testing.T) {
	h := newHarness(t, 8)

	bytes := make([]byte, 3000)
	for i := range bytes {
		bytes[i] = byte(i)
	}
	var sig product.Signature
	idx, err := h.snd.Send(context.Background(), bytes, []byte{0x01, 0x02}, sig)
	require.NoError(t, err)

	select {
	case ev := <-h.bops:
		assert.Equal(t, idx, ev.index)
		assert.Equal(t, uint32(3000), ev.prodSize)
		assert.Equal(t, []byte{0x01, 0x02}, ev.meta)
	case <-time.After(2 * time.Second):
		t.Fatal("onBOP not invoked")
	}

	select {
	case completed := <-h.eops:
		assert.Equal(t, idx, completed)
	case <-time.After(2 * time.Second):
		t.Fatal("onEOP not invoked")
	}
}

// TestS4EvictedProductMissed drives the receiver's reply handler directly
// with a RETX_REJ, the reply the sender gives for an index past its
// retention window (see sender's own TestS4EvictedProductRejected for the
// sender-side half of this scenario).
func TestS4EvictedProductMissed(t *testing.T) {
	missed := make(chan uint32, 1)
	pq := product.NewMemQueue(0)
	rcv, err := New(Config{Feed: 1, StateDir: t.TempDir()}, Callbacks{
		OnMissed: func(index uint32) { missed <- index },
	}, pq, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { rcv.sigMap.Close() })

	rcv.products[0] = &productState{index: 0, phase: phaseOpen, pending: []pendingReq{{start: 0, length: 100}}}

	rcv.handleReply(0, wireHeaderRetxRej(0), nil)

	select {
	case idx := <-missed:
		assert.Equal(t, uint32(0), idx)
	case <-time.After(time.Second):
		t.Fatal("onMissed not invoked for evicted product")
	}

	_, stillPresent := rcv.products[0]
	assert.False(t, stillPresent, "evicted product state must be discarded")
}

// TestS2GapRecoveredViaRetxData exercises reassembly filling the missing
// middle block of S1's 3000-byte product via a RETX_DATA reply, the same
// gap the spec's S2 scenario describes.
func TestS2GapRecoveredViaRetxData(t *testing.T) {
	eop := make(chan uint32, 1)
	pq := product.NewMemQueue(0)
	rcv, err := New(Config{Feed: 1, StateDir: t.TempDir()}, Callbacks{
		OnEOP: func(index uint32) { eop <- index },
	}, pq, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { rcv.sigMap.Close() })

	buf := make([]byte, 3000)
	p := &productState{index: 0, phase: phaseOpen, prodSize: 3000, buf: buf, bopSeen: true}
	p.writeRange(0, make([]byte, 1460))
	p.writeRange(2920, make([]byte, 80))
	p.eopSeen = true
	rcv.products[0] = p

	missing := make([]byte, 1460)
	for i := range missing {
		missing[i] = byte(i)
	}
	rcv.handleReply(0, wire.Header{ProdIndex: 0, SeqNum: 1460, PayloadLen: 1460, Flags: wire.FlagRetxData}, missing)

	select {
	case idx := <-eop:
		assert.Equal(t, uint32(0), idx)
	case <-time.After(time.Second):
		t.Fatal("onEOP not invoked after gap filled")
	}
	assert.Equal(t, missing, buf[1460:2920])
}

// TestS3BOPLostRecoveredViaRetxBop exercises the BOP_REQ/RETX_BOP round
// trip: data arrives first (no BOP seen yet), then the sender's RETX_BOP
// reply resolves the product size/metadata and replays the buffered bytes.
func TestS3BOPLostRecoveredViaRetxBop(t *testing.T) {
	var gotBOP bopEvent
	bopCh := make(chan bopEvent, 1)
	eop := make(chan uint32, 1)
	pq := product.NewMemQueue(0)
	rcv, err := New(Config{Feed: 1, StateDir: t.TempDir()}, Callbacks{
		OnBOP: func(index uint32, prodSize uint32, meta []byte) []byte {
			bopCh <- bopEvent{index: index, prodSize: prodSize, meta: meta}
			return []byte{1}
		},
		OnEOP: func(index uint32) { eop <- index },
	}, pq, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { rcv.sigMap.Close() })

	firstChunk := []byte("first-block-bytes")
	rcv.onDataPacket(wire.Header{ProdIndex: 0, SeqNum: 0, PayloadLen: uint16(len(firstChunk)), Flags: wire.FlagMemData}, firstChunk)
	rcv.onEOPPacket(wire.Header{ProdIndex: 0, Flags: wire.FlagEOP})

	bopPayload := wire.EncodeBOPPayload(uint32(len(firstChunk)), []byte{0x01, 0x02})
	rcv.handleReply(0, wire.Header{ProdIndex: 0, Flags: wire.FlagRetxBop, PayloadLen: uint16(len(bopPayload))}, bopPayload)

	select {
	case gotBOP = <-bopCh:
	case <-time.After(time.Second):
		t.Fatal("onBOP not invoked after RETX_BOP")
	}
	assert.Equal(t, uint32(len(firstChunk)), gotBOP.prodSize)
	assert.Equal(t, []byte{0x01, 0x02}, gotBOP.meta)

	select {
	case idx := <-eop:
		assert.Equal(t, uint32(0), idx)
	case <-time.After(time.Second):
		t.Fatal("onEOP not invoked once BOP resolved a complete product")
	}

	rcv.mu.Lock()
	p := rcv.products[0]
	rcv.mu.Unlock()
	assert.Equal(t, firstChunk, p.buf)
}

// TestTimeoutSweepDeclaresMissed exercises the gap-closure invariant's
// timeout arm directly: a product whose BOP age exceeds retxTimeout with no
// RETX_REJ in play is still declared missed by the periodic sweep, and its
// state is discarded.
func TestTimeoutSweepDeclaresMissed(t *testing.T) {
	missed := make(chan uint32, 1)
	pq := product.NewMemQueue(0)
	rcv, err := New(Config{Feed: 1, RetxTimeout: 10 * time.Millisecond, StateDir: t.TempDir()}, Callbacks{
		OnMissed: func(index uint32) { missed <- index },
	}, pq, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { rcv.sigMap.Close() })

	rcv.products[7] = &productState{
		index:     7,
		phase:     phaseOpen,
		startedAt: time.Now().Add(-time.Hour),
	}

	rcv.sweepTimeouts()

	select {
	case idx := <-missed:
		assert.Equal(t, uint32(7), idx)
	case <-time.After(time.Second):
		t.Fatal("onMissed not invoked for timed-out product")
	}

	_, stillPresent := rcv.products[7]
	assert.False(t, stillPresent, "timed-out product state must be discarded")
}
