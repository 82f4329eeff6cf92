package sender

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ldm7/fmtp/internal/fmtp/addrpool"
	"github.com/ldm7/fmtp/internal/fmtp/product"
	"github.com/ldm7/fmtp/internal/fmtp/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp4", ":0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	l, err := net.ListenUDP("udp4", &net.UDPAddr{})
	require.NoError(t, err)
	defer l.Close()
	return l.LocalAddr().(*net.UDPAddr).Port
}

func newTestSender(t *testing.T, retxWindow int) (*Sender, int, int) {
	t.Helper()
	pool, err := addrpool.NewMemPool("127.0.0.0/8")
	require.NoError(t, err)
	pool.Allow(net.ParseIP("127.0.0.1"))

	mcastPort := freeUDPPort(t)
	retxPort := freePort(t)

	cfg := Config{
		Feed:           1,
		MulticastGroup: "127.0.0.1:" + itoa(mcastPort),
		RetransmitAddr: "127.0.0.1:" + itoa(retxPort),
		MTU:            1500,
		RetxWindow:     retxWindow,
		StateDir:       t.TempDir(),
	}

	s, err := New(cfg, pool, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop() })

	return s, mcastPort, retxPort
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func TestSendAssignsMonotonicIndices(t *testing.T) {
	s, mcastPort, _ := newTestSender(t, 8)

	ln, err := net.ListenUDP("udp4", &net.UDPAddr{Port: mcastPort})
	require.NoError(t, err)
	defer ln.Close()
	ln.SetReadDeadline(time.Now().Add(2 * time.Second))

	go drainUDP(ln, 2*3) // drain packets so Write doesn't block pacing logic

	var sig product.Signature
	idx0, err := s.Send(context.Background(), []byte("hello"), nil, sig)
	require.NoError(t, err)
	idx1, err := s.Send(context.Background(), []byte("world"), nil, sig)
	require.NoError(t, err)

	assert.Equal(t, idx0+1, idx1)
}

func drainUDP(conn *net.UDPConn, n int) {
	buf := make([]byte, 65535)
	for i := 0; i < n; i++ {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func TestS1LossFreeSingleProduct(t *testing.T) {
	s, mcastPort, _ := newTestSender(t, 8)

	ln, err := net.ListenUDP("udp4", &net.UDPAddr{Port: mcastPort})
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan wire.Header, 10)
	go func() {
		buf := make([]byte, 65535)
		for {
			ln.SetReadDeadline(time.Now().Add(time.Second))
			n, err := ln.Read(buf)
			if err != nil {
				return
			}
			h, err := wire.Decode(buf[:n])
			if err == nil {
				received <- h
			}
		}
	}()

	bytes := make([]byte, 3000)
	for i := range bytes {
		bytes[i] = byte(i)
	}
	var sig product.Signature
	idx, err := s.Send(context.Background(), bytes, []byte{0x01, 0x02}, sig)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), idx)

	var headers []wire.Header
	timeout := time.After(2 * time.Second)
	for len(headers) < 5 {
		select {
		case h := <-received:
			headers = append(headers, h)
		case <-timeout:
			t.Fatalf("only received %d packets", len(headers))
		}
	}

	require.Len(t, headers, 5)
	assert.Equal(t, wire.FlagBOP, headers[0].Flags)
	assert.Equal(t, wire.FlagMemData, headers[1].Flags)
	assert.Equal(t, uint32(0), headers[1].SeqNum)
	assert.Equal(t, uint16(1460), headers[1].PayloadLen)
	assert.Equal(t, wire.FlagMemData, headers[2].Flags)
	assert.Equal(t, uint32(1460), headers[2].SeqNum)
	assert.Equal(t, uint16(1460), headers[2].PayloadLen)
	assert.Equal(t, wire.FlagMemData, headers[3].Flags)
	assert.Equal(t, uint32(2920), headers[3].SeqNum)
	assert.Equal(t, uint16(80), headers[3].PayloadLen)
	assert.Equal(t, wire.FlagEOP, headers[4].Flags)
}

func TestS4EvictedProductRejected(t *testing.T) {
	s, mcastPort, retxPort := newTestSender(t, 2)

	ln, err := net.ListenUDP("udp4", &net.UDPAddr{Port: mcastPort})
	require.NoError(t, err)
	defer ln.Close()
	go drainUDP(ln, 4*3)

	var sig product.Signature
	for i := 0; i < 4; i++ {
		_, err := s.Send(context.Background(), []byte("x"), nil, sig)
		require.NoError(t, err)
	}

	conn, err := net.Dial("tcp4", "127.0.0.1:"+itoa(retxPort))
	require.NoError(t, err)
	defer conn.Close()

	req := wire.Header{ProdIndex: 0, SeqNum: 0, PayloadLen: 100, Flags: wire.FlagRetxReq}.Encode()
	_, err = conn.Write(req)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	replyBuf := make([]byte, wire.HeaderLen)
	_, err = readAll(conn, replyBuf)
	require.NoError(t, err)

	reply, err := wire.Decode(replyBuf)
	require.NoError(t, err)
	assert.Equal(t, wire.FlagRetxRej, reply.Flags)
}

func readAll(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func TestS5UnauthorizedConnectionClosed(t *testing.T) {
	pool, err := addrpool.NewMemPool("127.0.0.1/32")
	require.NoError(t, err)
	// deliberately do not Allow 127.0.0.1, so all connections are rejected

	retxPort := freePort(t)
	mcastPort := freeUDPPort(t)
	cfg := Config{
		Feed:           1,
		MulticastGroup: "127.0.0.1:" + itoa(mcastPort),
		RetransmitAddr: "127.0.0.1:" + itoa(retxPort),
		StateDir:       t.TempDir(),
	}
	s, err := New(cfg, pool, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	conn, err := net.Dial("tcp4", "127.0.0.1:"+itoa(retxPort))
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, readErr := conn.Read(buf)
	assert.Error(t, readErr, "unauthorized connection must be closed without a response")
}
