package pidxqueue

import (
	"testing"
	"time"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrdering(t *testing.T) {
	q := New()
	q.Add(1)
	q.Add(2)
	q.Add(3)

	for _, want := range []uint32{1, 2, 3} {
		got, err := q.RemoveNoWait()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRemoveNoWaitEmptyReturnsNoent(t *testing.T) {
	q := New()
	_, err := q.RemoveNoWait()
	require.Error(t, err)
	assert.True(t, fmtperr.Is(err, fmtperr.NOENT))
}

func TestRemoveBlocksUntilAdd(t *testing.T) {
	q := New()
	result := make(chan uint32, 1)
	go func() {
		v, err := q.Remove()
		require.NoError(t, err)
		result <- v
	}()

	time.Sleep(20 * time.Millisecond)
	q.Add(7)

	select {
	case v := <-result:
		assert.Equal(t, uint32(7), v)
	case <-time.After(time.Second):
		t.Fatal("Remove did not unblock after Add")
	}
}

func TestCancelReleasesBlockedWaiters(t *testing.T) {
	q := New()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Remove()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, fmtperr.Is(err, fmtperr.CANCELED))
	case <-time.After(time.Second):
		t.Fatal("Remove did not unblock after Cancel")
	}
}

func TestCount(t *testing.T) {
	q := New()
	assert.Equal(t, 0, q.Count())
	q.Add(1)
	q.Add(2)
	assert.Equal(t, 2, q.Count())
}
