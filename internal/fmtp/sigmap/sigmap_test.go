package sigmap

import (
	"testing"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sigFor(b byte) [SignatureLen]byte {
	var s [SignatureLen]byte
	for i := range s {
		s[i] = b
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenForWriting(dir, 1, 10)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Put(0, sigFor(0xAA)))
	got, err := m.Get(0)
	require.NoError(t, err)
	assert.Equal(t, sigFor(0xAA), got)
}

func TestMapPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenForWriting(dir, 1, 10)
	require.NoError(t, err)
	require.NoError(t, m.Put(5, sigFor(0x11)))
	require.NoError(t, m.Close())

	m2, err := OpenForReading(dir, 1)
	require.NoError(t, err)
	defer m2.Close()

	got, err := m2.Get(5)
	require.NoError(t, err)
	assert.Equal(t, sigFor(0x11), got)
}

func TestOpenForWritingZeroMaxSigsFails(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenForWriting(dir, 1, 0)
	require.Error(t, err)
	assert.True(t, fmtperr.Is(err, fmtperr.INVAL))
}

func TestOpenForReadingMissingFails(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenForReading(dir, 99)
	require.Error(t, err)
	assert.True(t, fmtperr.Is(err, fmtperr.NOENT))
}

func TestGetOutOfWindowReturnsNoent(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenForWriting(dir, 1, 2)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Put(0, sigFor(1)))
	require.NoError(t, m.Put(1, sigFor(2)))
	require.NoError(t, m.Put(2, sigFor(3))) // evicts index 0

	_, err = m.Get(0)
	require.Error(t, err)
	assert.True(t, fmtperr.Is(err, fmtperr.NOENT))

	got, err := m.Get(2)
	require.NoError(t, err)
	assert.Equal(t, sigFor(3), got)
}

func TestPutNonSequentialLaterIndexClearsSpan(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenForWriting(dir, 1, 10)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Put(0, sigFor(1)))
	require.NoError(t, m.Put(5, sigFor(2)))

	_, err = m.Get(1)
	require.Error(t, err)
	assert.True(t, fmtperr.Is(err, fmtperr.NOENT))

	got, err := m.Get(5)
	require.NoError(t, err)
	assert.Equal(t, sigFor(2), got)
}

func TestIndexWrapS6(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenForWriting(dir, 1, 10)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Put(0xFFFFFFFE, sigFor(1)))
	assert.Equal(t, uint32(0xFFFFFFFE), m.GetNextProdIndex()-1)

	require.NoError(t, m.Put(0xFFFFFFFF, sigFor(2)))
	require.NoError(t, m.Put(0x00000000, sigFor(3)))

	got, err := m.Get(0xFFFFFFFF)
	require.NoError(t, err)
	assert.Equal(t, sigFor(2), got)
}
