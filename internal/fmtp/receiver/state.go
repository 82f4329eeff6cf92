package receiver

import (
	"time"

	"github.com/ldm7/fmtp/internal/fmtp/product"
)

// phase is the per-product reassembly state (spec state machine: INITIAL,
// OPEN, BOP_REQ sent, COMPLETE).
type phase int

const (
	phaseInitial phase = iota
	phaseOpen
	phaseBopReqSent
	phaseComplete
)

// interval is a half-open byte range [start, end) already written into the
// reassembly buffer.
type interval struct {
	start, end uint32
}

// pendingReq is a retransmission request the retransmit-client thread still
// owes this product: a gap range, a BOP_REQ, or an EOP_REQ.
type pendingReq struct {
	isBOPReq bool
	isEOPReq bool
	start    uint32
	length   uint32
}

// productState is the Receiver Product Record (spec §3): index, expected
// size, metadata, reassembly buffer, received-range list, BOP/EOP flags,
// and start timestamp.
type productState struct {
	index      uint32
	prodSize   uint32
	meta       []byte
	buf        []byte
	token      product.Token
	phase      phase
	received   []interval
	bopSeen    bool
	eopSeen    bool
	ignored    bool // onBOP declined the product; data is dropped silently
	startedAt  time.Time
	pending    []pendingReq
	rawChunks  []rawChunk // data received before the reassembly buffer existed
	eopReqSent bool
}

// rawChunk is a data fragment received before BOP resolved a buffer to
// write it into; it is replayed once the buffer is known.
type rawChunk struct {
	offset uint32
	data   []byte
}

// writeRange records [start, start+len(data)) as received and copies data
// into the reassembly buffer, merging with adjacent/overlapping intervals.
// If the buffer does not exist yet (data arrived before BOP resolved), the
// bytes are retained for replay by flushPending.
func (p *productState) writeRange(start uint32, data []byte) {
	end := start + uint32(len(data))
	if p.buf != nil && int(end) <= len(p.buf) {
		copy(p.buf[start:end], data)
	} else {
		p.rawChunks = append(p.rawChunks, rawChunk{offset: start, data: append([]byte(nil), data...)})
	}
	p.received = insertInterval(p.received, interval{start: start, end: end})
}

// flushPending copies every buffered rawChunk into p.buf now that it
// exists, and discards them.
func (p *productState) flushPending() {
	for _, c := range p.rawChunks {
		end := c.offset + uint32(len(c.data))
		if p.buf != nil && int(end) <= len(p.buf) {
			copy(p.buf[c.offset:end], c.data)
		}
	}
	p.rawChunks = nil
}

func insertInterval(ivals []interval, add interval) []interval {
	if add.start >= add.end {
		return ivals
	}
	out := make([]interval, 0, len(ivals)+1)
	inserted := false
	for _, iv := range ivals {
		if add.end < iv.start {
			if !inserted {
				out = append(out, add)
				inserted = true
			}
			out = append(out, iv)
			continue
		}
		if iv.end < add.start {
			out = append(out, iv)
			continue
		}
		// overlap or adjacency: merge
		if iv.start < add.start {
			add.start = iv.start
		}
		if iv.end > add.end {
			add.end = iv.end
		}
	}
	if !inserted {
		out = append(out, add)
	}
	return out
}

// gaps returns the byte ranges in [0, prodSize) not yet covered by
// p.received, coalescing adjacent gaps into single ranges.
func (p *productState) gaps() []interval {
	var out []interval
	cursor := uint32(0)
	for _, iv := range p.received {
		if iv.start > cursor {
			out = append(out, interval{start: cursor, end: iv.start})
		}
		if iv.end > cursor {
			cursor = iv.end
		}
	}
	if cursor < p.prodSize {
		out = append(out, interval{start: cursor, end: p.prodSize})
	}
	return out
}

// enqueueGaps appends one pendingReq per remaining gap to p.pending,
// mirroring the scan onEOPPacket runs when EOP arrives with gaps still
// open. Used when BOP instead resolves after EOP was already observed, so
// the gaps it reveals still get RETX_REQ'd instead of waiting out the
// timeout thread.
func (p *productState) enqueueGaps() {
	for _, g := range p.gaps() {
		p.pending = append(p.pending, pendingReq{start: g.start, length: g.end - g.start})
	}
}

// complete reports whether every byte of the product has been received.
func (p *productState) complete() bool {
	if p.prodSize == 0 {
		return true
	}
	g := p.gaps()
	return len(g) == 0
}
