// Package sigmap implements the Product-Index Map: a persistent circular
// map from product index to 16-byte signature, matching the spec's
// fixed-header-plus-flat-array disk layout.
package sigmap

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
)

// SignatureLen is the fixed signature size in bytes.
const SignatureLen = 16

const (
	magic         uint32 = 0x464D5450 // "FMTP"
	formatVersion uint32 = 1
	headerLen            = 4 * 6 // magic, version, maxSigs, oldestIndex, newestIndex, count
)

// Map is the Product-Index Map: an ordered ring of (index -> signature)
// pairs with capacity maxSigs, persisted to disk. Concurrent readers and
// writers of the same map file are not supported.
type Map struct {
	mu sync.Mutex

	path    string
	file    *os.File
	maxSigs uint32

	oldestIndex uint32
	newestIndex uint32
	count       uint32 // number of valid entries, <= maxSigs
	hasEntries  bool

	readOnly bool
}

func pathFor(stateDir string, feed uint32) string {
	return filepath.Join(stateDir, fmt.Sprintf("sigmap_feed_0x%X.dat", feed))
}

// OpenForWriting creates or reopens the map for feed under stateDir with
// capacity maxSigs. maxSigs=0 fails with INVAL. If the file exists with a
// smaller maxSigs than an in-flight write needs, the ring is simply
// re-capped; if the requested maxSigs is smaller than the persisted one,
// the oldest entries are truncated on open.
func OpenForWriting(stateDir string, feed uint32, maxSigs uint32) (*Map, error) {
	if maxSigs == 0 {
		return nil, fmtperr.New(fmtperr.INVAL, "sigmap: maxSigs must be positive")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "sigmap: mkdir %s", stateDir)
	}

	path := pathFor(stateDir, feed)
	m := &Map{path: path, maxSigs: maxSigs}

	if _, err := os.Stat(path); err == nil {
		if err := m.load(path, maxSigs); err != nil {
			return nil, err
		}
	} else {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "sigmap: create %s", path)
		}
		m.file = f
		if err := m.writeHeader(); err != nil {
			return nil, err
		}
		if err := m.truncateToCapacity(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// OpenForReading opens an existing map read-only. Returns NOENT if the file
// does not exist.
func OpenForReading(stateDir string, feed uint32) (*Map, error) {
	path := pathFor(stateDir, feed)
	if _, err := os.Stat(path); err != nil {
		return nil, fmtperr.New(fmtperr.NOENT, "sigmap: %s not found", path)
	}
	m := &Map{path: path, readOnly: true}
	if err := m.load(path, 0); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Map) load(path string, requestedMaxSigs uint32) error {
	flag := os.O_RDWR
	if m.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "sigmap: open %s", path)
	}
	m.file = f

	hdr := make([]byte, headerLen)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return fmtperr.Wrap(fmtperr.CORRUPT, err, "sigmap: short header in %s", path)
	}

	gotMagic := binary.BigEndian.Uint32(hdr[0:4])
	gotVersion := binary.BigEndian.Uint32(hdr[4:8])
	if gotMagic != magic {
		return fmtperr.New(fmtperr.CORRUPT, "sigmap: bad magic in %s", path)
	}
	if gotVersion != formatVersion {
		return fmtperr.New(fmtperr.CORRUPT, "sigmap: version mismatch in %s: got %d want %d", path, gotVersion, formatVersion)
	}

	persistedMaxSigs := binary.BigEndian.Uint32(hdr[8:12])
	m.oldestIndex = binary.BigEndian.Uint32(hdr[12:16])
	m.newestIndex = binary.BigEndian.Uint32(hdr[16:20])
	m.count = binary.BigEndian.Uint32(hdr[20:24])
	m.hasEntries = m.count > 0
	m.maxSigs = persistedMaxSigs

	if !m.readOnly && requestedMaxSigs != 0 && requestedMaxSigs != persistedMaxSigs {
		if err := m.resize(requestedMaxSigs); err != nil {
			return err
		}
	}

	return nil
}

// resize changes maxSigs on reopen, truncating from the oldest end when
// shrinking.
func (m *Map) resize(newMax uint32) error {
	if newMax < m.count {
		shrinkBy := m.count - newMax
		m.oldestIndex += shrinkBy
		m.count = newMax
	}
	m.maxSigs = newMax
	if err := m.writeHeader(); err != nil {
		return err
	}
	return m.truncateToCapacity()
}

func (m *Map) writeHeader() error {
	hdr := make([]byte, headerLen)
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	binary.BigEndian.PutUint32(hdr[4:8], formatVersion)
	binary.BigEndian.PutUint32(hdr[8:12], m.maxSigs)
	binary.BigEndian.PutUint32(hdr[12:16], m.oldestIndex)
	binary.BigEndian.PutUint32(hdr[16:20], m.newestIndex)
	binary.BigEndian.PutUint32(hdr[20:24], m.count)
	if _, err := m.file.WriteAt(hdr, 0); err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "sigmap: write header")
	}
	return nil
}

func (m *Map) truncateToCapacity() error {
	size := int64(headerLen) + int64(m.maxSigs)*SignatureLen
	if err := m.file.Truncate(size); err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "sigmap: truncate")
	}
	return nil
}

func (m *Map) cellOffset(index uint32) int64 {
	slot := (index - m.oldestIndex) % m.maxSigs
	return int64(headerLen) + int64(slot)*SignatureLen
}

// Put inserts signature for index. An index equal to last+1 appends; a
// larger index clears the intervening span and becomes newest; an
// older-but-in-window index overwrites; an out-of-window index is rejected
// with NOENT.
func (m *Map) Put(index uint32, signature [SignatureLen]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return fmtperr.New(fmtperr.INVAL, "sigmap: map opened read-only")
	}

	if !m.hasEntries {
		m.oldestIndex = index
		m.newestIndex = index
		m.hasEntries = true
		m.count = 1
	} else if index == m.newestIndex+1 {
		m.newestIndex = index
		if m.count < m.maxSigs {
			m.count++
		} else {
			m.oldestIndex++
		}
	} else if inWindow(index, m.oldestIndex, m.newestIndex) {
		// overwrite an existing in-window entry
	} else if indexAhead(index, m.newestIndex) {
		m.newestIndex = index
		span := index - m.oldestIndex + 1
		if span > m.maxSigs {
			m.oldestIndex = index - m.maxSigs + 1
			m.count = m.maxSigs
		} else {
			m.count = span
		}
	} else {
		return fmtperr.New(fmtperr.NOENT, "sigmap: index %d out of window", index)
	}

	if _, err := m.file.WriteAt(signature[:], m.cellOffset(index)); err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "sigmap: write entry")
	}
	return m.writeHeader()
}

// Get returns the signature for index, or NOENT if outside the retained
// window.
func (m *Map) Get(index uint32) ([SignatureLen]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sig [SignatureLen]byte
	if !m.hasEntries || !inWindow(index, m.oldestIndex, m.newestIndex) {
		return sig, fmtperr.New(fmtperr.NOENT, "sigmap: index %d not present", index)
	}

	buf := make([]byte, SignatureLen)
	if _, err := m.file.ReadAt(buf, m.cellOffset(index)); err != nil {
		return sig, fmtperr.Wrap(fmtperr.SYSTEM, err, "sigmap: read entry")
	}
	copy(sig[:], buf)
	return sig, nil
}

// GetNextProdIndex returns the index the Sender should assign next: the
// newest persisted index plus one, or zero if the map is empty.
func (m *Map) GetNextProdIndex() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasEntries {
		return 0
	}
	return m.newestIndex + 1
}

// Ping confirms the backing file is still reachable (open fd, not deleted
// out from under the process), for use as a health check.
func (m *Map) Ping() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.file.Stat(); err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "sigmap: stat %s", m.path)
	}
	return nil
}

// Close flushes the final header and fsyncs the file.
func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	if !m.readOnly {
		if err := m.writeHeader(); err != nil {
			return err
		}
	}
	if err := m.file.Sync(); err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "sigmap: fsync")
	}
	return m.file.Close()
}

// Delete removes the backing file for feed under stateDir.
func Delete(stateDir string, feed uint32) error {
	err := os.Remove(pathFor(stateDir, feed))
	if err != nil && !os.IsNotExist(err) {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "sigmap: delete")
	}
	return nil
}

func inWindow(index, oldest, newest uint32) bool {
	span := newest - oldest
	rel := index - oldest
	return rel <= span
}

func indexAhead(index, newest uint32) bool {
	diff := index - newest
	return diff >= 1 && diff < (1<<31)
}
