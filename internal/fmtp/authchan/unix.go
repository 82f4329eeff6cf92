package authchan

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
)

// SocketPath returns the conventional Unix-domain socket path for feed
// under socketDir.
func SocketPath(socketDir string, feed uint32) string {
	return filepath.Join(socketDir, fmt.Sprintf("AuthMsgQ_feed_0x%X.sock", feed))
}

// unixReader is the reader (Sender) side: it creates the socket and
// unlinks it on Close.
type unixReader struct {
	conn *net.UnixConn
	path string
}

// NewUnixReader binds a Unix datagram socket at SocketPath(socketDir,
// feed), creating socketDir if necessary. Only one reader may exist per
// path at a time.
func NewUnixReader(socketDir string, feed uint32) (Channel, error) {
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "authchan: mkdir %s", socketDir)
	}
	path := SocketPath(socketDir, feed)
	_ = os.Remove(path) // clear a stale socket from a prior crash

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "authchan: listen %s", path)
	}
	return &unixReader{conn: conn, path: path}, nil
}

// Send is not valid on the reader side.
func (r *unixReader) Send(ip net.IP) error {
	return fmtperr.New(fmtperr.INVAL, "authchan: reader does not send")
}

// Receive blocks until a message arrives.
func (r *unixReader) Receive() (net.IP, error) {
	buf := make([]byte, MessageLen)
	n, err := r.conn.Read(buf)
	if err != nil {
		return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "authchan: read")
	}
	return decode(buf[:n])
}

// Close closes and unlinks the socket.
func (r *unixReader) Close() error {
	err := r.conn.Close()
	_ = os.Remove(r.path)
	if err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "authchan: close")
	}
	return nil
}

// unixWriter is the writer (Control Plane) side: it only opens the socket
// the reader already created.
type unixWriter struct {
	mu   sync.Mutex
	conn *net.UnixConn
	path string
}

// NewUnixWriter dials the reader's socket at SocketPath(socketDir, feed).
// Returns NOENT if the reader has not yet created it.
func NewUnixWriter(socketDir string, feed uint32) (Channel, error) {
	path := SocketPath(socketDir, feed)
	if _, err := os.Stat(path); err != nil {
		return nil, fmtperr.New(fmtperr.NOENT, "authchan: %s does not exist; reader not started", path)
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "authchan: dial %s", path)
	}
	return &unixWriter{conn: conn, path: path}, nil
}

// Send writes ip as a 4-byte datagram. Unix datagram sockets carry an
// implicit one-message-in-flight-per-write semantics for this use case;
// the reader draining promptly satisfies the spec's single-slot contract.
func (w *unixWriter) Send(ip net.IP) error {
	buf, err := encode(ip)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.conn.Write(buf[:]); err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "authchan: write")
	}
	return nil
}

// Receive is not valid on the writer side.
func (w *unixWriter) Receive() (net.IP, error) {
	return nil, fmtperr.New(fmtperr.INVAL, "authchan: writer does not receive")
}

// Close closes the writer's connection. The writer does not unlink the
// conduit; only the reader does.
func (w *unixWriter) Close() error {
	if err := w.conn.Close(); err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "authchan: close")
	}
	return nil
}
