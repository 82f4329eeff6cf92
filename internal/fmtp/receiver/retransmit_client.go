package receiver

import (
	"context"
	"net"

	"github.com/ldm7/fmtp/internal/fmtp/wire"
)

// retransmitClientLoop is the retransmission client thread (§4.8): drains
// the Product-Index Queue and issues one outstanding request per index
// over the persistent connection to the sender, processing the reply
// in-line before dequeuing the next index.
func (r *Receiver) retransmitClientLoop(stop <-chan struct{}) (interface{}, error) {
	for {
		index, err := r.pidxQueue.Remove()
		if err != nil {
			return nil, nil // CANCELED on shutdown
		}
		r.serviceIndex(index)
	}
}

// serviceIndex pops the next pending request for index and round-trips it
// over the retransmission connection. If requests remain afterward, index
// is re-enqueued for a later pass.
func (r *Receiver) serviceIndex(index uint32) {
	r.mu.Lock()
	p, ok := r.products[index]
	if !ok || p.ignored || len(p.pending) == 0 {
		r.mu.Unlock()
		return
	}
	req := p.pending[0]
	p.pending = p.pending[1:]
	more := len(p.pending) > 0
	r.mu.Unlock()

	reply, payload, err := r.sendRequest(index, req)
	if more {
		r.pidxQueue.Add(index)
	}
	if err != nil {
		return
	}
	r.handleReply(index, reply, payload)
}

func (r *Receiver) sendRequest(index uint32, req pendingReq) (wire.Header, []byte, error) {
	var h wire.Header
	switch {
	case req.isBOPReq:
		h = wire.Header{ProdIndex: index, Flags: wire.FlagBopReq}
	case req.isEOPReq:
		h = wire.Header{ProdIndex: index, Flags: wire.FlagEopReq}
	default:
		h = wire.Header{ProdIndex: index, SeqNum: req.start, PayloadLen: uint16(req.length), Flags: wire.FlagRetxReq}
	}

	if r.metrics != nil {
		r.metrics.RecordRetxRequest(context.Background(), feedName(r.cfg.Feed), h.Flags.String())
	}

	r.retxMu.Lock()
	defer r.retxMu.Unlock()

	if _, err := r.retxConn.Write(h.Encode()); err != nil {
		return wire.Header{}, nil, err
	}

	hdrBuf := make([]byte, wire.HeaderLen)
	if _, err := readFull(r.retxConn, hdrBuf); err != nil {
		return wire.Header{}, nil, err
	}
	reply, err := wire.Decode(hdrBuf)
	if err != nil {
		return wire.Header{}, nil, err
	}

	var payload []byte
	if reply.PayloadLen > 0 {
		payload = make([]byte, reply.PayloadLen)
		if _, err := readFull(r.retxConn, payload); err != nil {
			return wire.Header{}, nil, err
		}
	}
	return reply, payload, nil
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

func (r *Receiver) handleReply(index uint32, h wire.Header, payload []byte) {
	switch h.Flags {
	case wire.FlagRetxData:
		r.mu.Lock()
		p, ok := r.products[index]
		if !ok || p.ignored {
			r.mu.Unlock()
			return
		}
		p.writeRange(h.SeqNum, payload)
		if p.eopSeen && p.complete() {
			r.finishLocked(p)
		}
		r.mu.Unlock()

	case wire.FlagRetxBop:
		prodSize, meta, err := wire.DecodeBOPPayload(payload)
		if err != nil {
			return
		}
		r.mu.Lock()
		p, ok := r.products[index]
		if !ok {
			r.mu.Unlock()
			return
		}
		p.bopSeen = true
		p.prodSize = prodSize
		p.meta = meta
		p.phase = phaseOpen

		if prodSize > 0 {
			if buf, token, err := r.pq.Reserve(int(prodSize)); err == nil {
				p.buf = buf
				p.token = token
			}
		}

		handle := r.callbacks.OnBOP(index, prodSize, meta)
		if handle == nil {
			if p.token != 0 {
				r.pq.Discard(p.token)
			}
			p.ignored = true
			r.mu.Unlock()
			return
		}
		p.flushPending()

		needsRetx := false
		if p.eopSeen {
			if p.complete() {
				r.finishLocked(p)
			} else {
				p.enqueueGaps()
				needsRetx = true
			}
		}
		r.mu.Unlock()
		if needsRetx {
			r.pidxQueue.Add(index)
		}

	case wire.FlagRetxEop:
		r.mu.Lock()
		p, ok := r.products[index]
		if !ok || p.ignored {
			r.mu.Unlock()
			return
		}
		p.eopSeen = true
		if p.complete() {
			r.finishLocked(p)
		}
		r.mu.Unlock()

	case wire.FlagRetxRej:
		r.mu.Lock()
		p, ok := r.products[index]
		if ok {
			delete(r.products, index)
		}
		r.mu.Unlock()
		if ok && !p.ignored {
			if r.callbacks.OnMissed != nil {
				r.callbacks.OnMissed(index)
			}
			if r.metrics != nil {
				r.metrics.RecordProductMissed(context.Background(), feedName(r.cfg.Feed))
			}
		}
	}
}
