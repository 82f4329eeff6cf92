// Package authchan implements the Authorization Channel: a named,
// persistent, single-slot conduit carrying 4-byte IPv4 addresses from the
// Control Plane to the Sender. Go has no portable POSIX-mqueue binding, so
// the default transport is a Unix-domain datagram socket; a Redis-backed
// transport is provided for control planes not co-located with the sender.
package authchan

import (
	"net"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
)

// MessageLen is the fixed authorization-message size: a 4-byte IPv4
// address.
const MessageLen = 4

// Channel is the Authorization Channel contract. The reader creates the
// conduit and unlinks it on teardown; the writer only opens it.
type Channel interface {
	// Send delivers ip to the reader. Non-blocking when the single slot is
	// empty; blocks while occupied.
	Send(ip net.IP) error
	// Receive blocks until a message is present and returns the IP it
	// carried.
	Receive() (net.IP, error)
	// Close releases the channel's resources. The reader additionally
	// unlinks the underlying conduit.
	Close() error
}

func encode(ip net.IP) ([MessageLen]byte, error) {
	var buf [MessageLen]byte
	ip4 := ip.To4()
	if ip4 == nil {
		return buf, fmtperr.New(fmtperr.INVAL, "authchan: not an IPv4 address: %s", ip)
	}
	copy(buf[:], ip4)
	return buf, nil
}

func decode(buf []byte) (net.IP, error) {
	if len(buf) != MessageLen {
		return nil, fmtperr.New(fmtperr.INVAL, "authchan: message must be %d bytes, got %d", MessageLen, len(buf))
	}
	ip := make(net.IP, 4)
	copy(ip, buf)
	return ip, nil
}
