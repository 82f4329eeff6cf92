package controlplane

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ldm7/fmtp/internal/fmtp/authchan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveWritesToAuthorizationChannel(t *testing.T) {
	ctx := context.Background()
	socketDir := t.TempDir()

	reader, err := authchan.NewUnixReader(socketDir, 7)
	require.NoError(t, err)
	defer reader.Close()

	store := NewMemStore()
	cp := New(store, socketDir, nil)
	defer cp.Close()

	require.NoError(t, cp.Add(ctx, 7, testRecord("sub-a")))

	received := make(chan net.IP, 1)
	go func() {
		ip, err := reader.Receive()
		if err == nil {
			received <- ip
		}
	}()

	ip, err := cp.Reserve(ctx, 7, "sub-a")
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, ip.String(), got.String())
	case <-time.After(2 * time.Second):
		t.Fatal("authorization channel never received the leased IP")
	}
}

func TestReserveWithoutReaderFails(t *testing.T) {
	ctx := context.Background()
	socketDir := t.TempDir()

	store := NewMemStore()
	cp := New(store, socketDir, nil)
	require.NoError(t, cp.Add(ctx, 9, testRecord("sub-a")))

	_, err := cp.Reserve(ctx, 9, "sub-a")
	assert.Error(t, err)

	// Reserve must roll back the store-level lease on authorization failure
	// so a retry after the reader starts isn't blocked by a phantom lease.
	ip, err := store.Reserve(ctx, 9, "sub-a")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", ip.String())
}
