package sender

import (
	"context"
	"net"

	"github.com/ldm7/fmtp/internal/fmtp/wire"
)

// acceptLoop is the retransmission acceptor thread (§4.7): accepts TCP
// connections, validates the peer's IP via Pool.IsAllowed, and hands
// authorized connections to a per-subscriber worker.
func (s *Sender) acceptLoop(stop <-chan struct{}) (interface{}, error) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil, nil
			default:
				return nil, err
			}
		}

		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil || !s.pool.IsAllowed(net.ParseIP(host)) {
			if s.logger != nil {
				s.authLog.LogAdmission(context.Background(), feedName(s.cfg.Feed), host, false)
			}
			conn.Close()
			continue
		}

		s.executor.Submit(func(workerStop <-chan struct{}) (interface{}, error) {
			return nil, s.serveSubscriber(conn, workerStop)
		}, func() { conn.Close() })
	}
}

// serveSubscriber is a per-subscriber retransmission worker: reads request
// headers and serves RETX_DATA/RETX_BOP/RETX_EOP/RETX_REJ replies until the
// subscriber sends RETX_END or the connection closes.
func (s *Sender) serveSubscriber(conn net.Conn, stop <-chan struct{}) error {
	defer conn.Close()

	hdrBuf := make([]byte, wire.HeaderLen)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if _, err := readFull(conn, hdrBuf); err != nil {
			return err
		}
		h, err := wire.Decode(hdrBuf)
		if err != nil {
			return err
		}

		// Request packets carry no attached payload: RETX_REQ repurposes
		// PayloadLen as the requested byte count within the retained
		// product, not a byte count to read off the wire.
		switch h.Flags {
		case wire.FlagRetxReq:
			s.handleRetxReq(conn, h)
		case wire.FlagBopReq:
			s.handleBopReq(conn, h)
		case wire.FlagEopReq:
			s.handleEopReq(conn, h)
		case wire.FlagRetxEnd:
			return nil
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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

func (s *Sender) handleRetxReq(conn net.Conn, h wire.Header) {
	r, ok := s.lookupRetained(h.ProdIndex)
	ctx := context.Background()
	if !ok {
		s.writeReply(conn, wire.FlagRetxRej, h.ProdIndex, 0, nil)
		return
	}

	start := int(h.SeqNum)
	end := start + int(h.PayloadLen)
	if start < 0 || end > len(r.bytes) || start > end {
		s.writeReply(conn, wire.FlagRetxRej, h.ProdIndex, 0, nil)
		return
	}

	s.writeReply(conn, wire.FlagRetxData, h.ProdIndex, h.SeqNum, r.bytes[start:end])
	if s.metrics != nil {
		s.metrics.RecordRetransmission(ctx, feedName(s.cfg.Feed))
	}
}

func (s *Sender) handleBopReq(conn net.Conn, h wire.Header) {
	r, ok := s.lookupRetained(h.ProdIndex)
	if !ok {
		s.writeReply(conn, wire.FlagRetxRej, h.ProdIndex, 0, nil)
		return
	}
	payload := buildBOPPayload(uint32(len(r.bytes)), r.meta)
	s.writeReply(conn, wire.FlagRetxBop, h.ProdIndex, 0, payload)
	if s.metrics != nil {
		s.metrics.RecordRetransmission(context.Background(), feedName(s.cfg.Feed))
	}
}

func (s *Sender) handleEopReq(conn net.Conn, h wire.Header) {
	_, ok := s.lookupRetained(h.ProdIndex)
	if !ok {
		s.writeReply(conn, wire.FlagRetxRej, h.ProdIndex, 0, nil)
		return
	}
	s.writeReply(conn, wire.FlagRetxEop, h.ProdIndex, 0, nil)
	if s.metrics != nil {
		s.metrics.RecordRetransmission(context.Background(), feedName(s.cfg.Feed))
	}
}

func buildBOPPayload(prodSize uint32, meta []byte) []byte {
	return wire.EncodeBOPPayload(prodSize, meta)
}

func (s *Sender) writeReply(conn net.Conn, flag wire.Flag, index, seq uint32, payload []byte) {
	buf := make([]byte, wire.HeaderLen+len(payload))
	wire.Header{ProdIndex: index, SeqNum: seq, Flags: flag, PayloadLen: uint16(len(payload))}.EncodeInto(buf)
	copy(buf[wire.HeaderLen:], payload)
	conn.Write(buf)
}

// authIntakeLoop is the authorization intake thread (§4.7): drains the
// Authorization Channel and admits IPs to the Client-Address Pool. The
// channel is closed by the cancel function on shutdown, which unblocks the
// in-flight Receive and ends the loop.
func (s *Sender) authIntakeLoop(stop <-chan struct{}) (interface{}, error) {
	for {
		ip, err := s.authChannel.Receive()
		if err != nil {
			return nil, nil
		}
		s.pool.Allow(ip)
		if s.logger != nil {
			s.authLog.LogAdmission(context.Background(), feedName(s.cfg.Feed), ip.String(), true)
		}
	}
}
