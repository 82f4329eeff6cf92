// Package wire implements the FMTP packet header codec: a fixed 12-byte,
// network-byte-order header, plus the BOP/EOP/data payload framing built on
// top of it.
package wire

import (
	"encoding/binary"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
)

// HeaderLen is the fixed on-wire header size in bytes.
const HeaderLen = 12

// Flag is a packet-type bit. Exactly one must be set per packet.
type Flag uint16

const (
	FlagBOP      Flag = 0x0001
	FlagEOP      Flag = 0x0002
	FlagMemData  Flag = 0x0004
	FlagRetxReq  Flag = 0x0008
	FlagRetxRej  Flag = 0x0010
	FlagRetxEnd  Flag = 0x0020
	FlagRetxData Flag = 0x0040
	FlagBopReq   Flag = 0x0080
	FlagRetxBop  Flag = 0x0100
	FlagEopReq   Flag = 0x0200
	FlagRetxEop  Flag = 0x0400
)

func (f Flag) String() string {
	switch f {
	case FlagBOP:
		return "BOP"
	case FlagEOP:
		return "EOP"
	case FlagMemData:
		return "MEM_DATA"
	case FlagRetxReq:
		return "RETX_REQ"
	case FlagRetxRej:
		return "RETX_REJ"
	case FlagRetxEnd:
		return "RETX_END"
	case FlagRetxData:
		return "RETX_DATA"
	case FlagBopReq:
		return "BOP_REQ"
	case FlagRetxBop:
		return "RETX_BOP"
	case FlagEopReq:
		return "EOP_REQ"
	case FlagRetxEop:
		return "RETX_EOP"
	default:
		return "UNKNOWN"
	}
}

// Header is the 12-byte FMTP packet header.
type Header struct {
	ProdIndex  uint32
	SeqNum     uint32
	PayloadLen uint16
	Flags      Flag
}

// Encode writes h into a freshly allocated HeaderLen-byte buffer.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	h.EncodeInto(buf)
	return buf
}

// EncodeInto writes h into buf, which must be at least HeaderLen bytes.
// It performs no allocation, for use on the Sender's hot path.
func (h Header) EncodeInto(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.ProdIndex)
	binary.BigEndian.PutUint32(buf[4:8], h.SeqNum)
	binary.BigEndian.PutUint16(buf[8:10], h.PayloadLen)
	binary.BigEndian.PutUint16(buf[10:12], uint16(h.Flags))
}

// Decode parses a Header from buf, which must be at least HeaderLen bytes.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmtperr.New(fmtperr.INVAL, "header: short buffer: %d bytes", len(buf))
	}
	return Header{
		ProdIndex:  binary.BigEndian.Uint32(buf[0:4]),
		SeqNum:     binary.BigEndian.Uint32(buf[4:8]),
		PayloadLen: binary.BigEndian.Uint16(buf[8:10]),
		Flags:      Flag(binary.BigEndian.Uint16(buf[10:12])),
	}, nil
}

// EncodeBOPPayload builds the BOP payload: prodSize(u32) || metaSize(u16) || meta.
func EncodeBOPPayload(prodSize uint32, meta []byte) []byte {
	buf := make([]byte, 6+len(meta))
	binary.BigEndian.PutUint32(buf[0:4], prodSize)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(meta)))
	copy(buf[6:], meta)
	return buf
}

// DecodeBOPPayload parses a BOP payload into prodSize and metadata.
func DecodeBOPPayload(payload []byte) (prodSize uint32, meta []byte, err error) {
	if len(payload) < 6 {
		return 0, nil, fmtperr.New(fmtperr.INVAL, "BOP payload: short: %d bytes", len(payload))
	}
	prodSize = binary.BigEndian.Uint32(payload[0:4])
	metaSize := binary.BigEndian.Uint16(payload[4:6])
	if len(payload) < 6+int(metaSize) {
		return 0, nil, fmtperr.New(fmtperr.INVAL, "BOP payload: metadata truncated")
	}
	meta = make([]byte, metaSize)
	copy(meta, payload[6:6+int(metaSize)])
	return prodSize, meta, nil
}

// IndexPrecedes reports whether a precedes b under the spec's modular
// arithmetic: a precedes b iff (b-a) mod 2^32 is in [1, 2^31).
func IndexPrecedes(a, b uint32) bool {
	diff := b - a
	return diff >= 1 && diff < (1<<31)
}

// IndexNext returns i+1 with 32-bit wraparound, which Go's uint32 addition
// already performs.
func IndexNext(i uint32) uint32 {
	return i + 1
}
