package controlplane

import (
	"context"
	"net"
	"testing"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(key string) Record {
	return Record{
		Key:          key,
		ServerAddr:   "10.0.0.1:38800",
		VlanID:       42,
		SwitchPortID: "eth0/1",
		MinClient:    net.ParseIP("192.168.1.1"),
		MaxClient:    net.ParseIP("192.168.1.3"),
	}
}

func TestMemStoreAddGetSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Add(ctx, 1, testRecord("sub-a")))

	rec, err := s.Get(ctx, 1, "sub-a")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:38800", rec.ServerAddr)
	assert.Equal(t, uint32(42), rec.VlanID)

	require.NoError(t, s.Set(ctx, 1, "sub-a", 9000))
	rec, err = s.Get(ctx, 1, "sub-a")
	require.NoError(t, err)
	assert.Equal(t, 9000, rec.Port)
}

func TestMemStoreAddDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Add(ctx, 1, testRecord("sub-a")))

	err := s.Add(ctx, 1, testRecord("sub-a"))
	assert.True(t, fmtperr.Is(err, fmtperr.DUP))
}

func TestMemStoreGetUnknownIsNOENT(t *testing.T) {
	s := NewMemStore()
	_, err := s.Get(context.Background(), 1, "ghost")
	assert.True(t, fmtperr.Is(err, fmtperr.NOENT))
}

func TestMemStoreReserveExhaustsRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Add(ctx, 1, testRecord("sub-a")))

	var leased []net.IP
	for i := 0; i < 3; i++ {
		ip, err := s.Reserve(ctx, 1, "sub-a")
		require.NoError(t, err)
		leased = append(leased, ip)
	}
	assert.Equal(t, "192.168.1.1", leased[0].String())
	assert.Equal(t, "192.168.1.2", leased[1].String())
	assert.Equal(t, "192.168.1.3", leased[2].String())

	_, err := s.Reserve(ctx, 1, "sub-a")
	assert.True(t, fmtperr.Is(err, fmtperr.BUSY))
}

func TestMemStoreReleaseFreesIPForReuse(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Add(ctx, 1, testRecord("sub-a")))

	ip, err := s.Reserve(ctx, 1, "sub-a")
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, 1, "sub-a", ip))

	again, err := s.Reserve(ctx, 1, "sub-a")
	require.NoError(t, err)
	assert.Equal(t, ip.String(), again.String())
}

func TestMemStoreReleaseUnleasedIsNOENT(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Add(ctx, 1, testRecord("sub-a")))

	err := s.Release(ctx, 1, "sub-a", net.ParseIP("192.168.1.1"))
	assert.True(t, fmtperr.Is(err, fmtperr.NOENT))
}
