package product

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveCommitLookup(t *testing.T) {
	q := NewMemQueue(0)
	buf, token, err := q.Reserve(10)
	require.NoError(t, err)
	copy(buf, "helloworld")

	var sig Signature
	sig[0] = 0xAA
	require.NoError(t, q.Commit(token, sig))

	assert.True(t, q.LookupBySignature(sig))
}

func TestDiscardRemovesReservation(t *testing.T) {
	q := NewMemQueue(0)
	_, token, err := q.Reserve(10)
	require.NoError(t, err)

	require.NoError(t, q.Discard(token))

	var sig Signature
	err = q.Commit(token, sig)
	require.Error(t, err)
}

func TestReserveExceedingMaxFails(t *testing.T) {
	q := NewMemQueue(100)
	_, _, err := q.Reserve(200)
	require.Error(t, err)
}

func TestLookupUnknownSignatureFalse(t *testing.T) {
	q := NewMemQueue(0)
	var sig Signature
	sig[0] = 0x01
	assert.False(t, q.LookupBySignature(sig))
}
