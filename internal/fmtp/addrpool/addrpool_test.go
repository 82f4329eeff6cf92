package addrpool

import (
	"net"
	"testing"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAvailableLeasesLowestHost(t *testing.T) {
	p, err := NewMemPool("10.1.0.0/30")
	require.NoError(t, err)

	ip, err := p.GetAvailable()
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.1", ip.String())
	assert.True(t, p.IsAllowed(ip))
}

func TestGetAvailableExhaustion(t *testing.T) {
	p, err := NewMemPool("10.1.0.0/30") // 2 usable hosts
	require.NoError(t, err)

	_, err = p.GetAvailable()
	require.NoError(t, err)
	_, err = p.GetAvailable()
	require.NoError(t, err)

	_, err = p.GetAvailable()
	require.Error(t, err)
	assert.True(t, fmtperr.Is(err, fmtperr.NOENT))
}

func TestReleaseUnleasedFails(t *testing.T) {
	p, err := NewMemPool("10.1.0.0/24")
	require.NoError(t, err)

	err = p.Release(net.ParseIP("10.1.0.99"))
	require.Error(t, err)
}

func TestReleaseDoesNotRevokeAllowed(t *testing.T) {
	p, err := NewMemPool("10.1.0.0/24")
	require.NoError(t, err)

	ip, err := p.GetAvailable()
	require.NoError(t, err)

	require.NoError(t, p.Release(ip))
	assert.True(t, p.IsAllowed(ip), "release must not un-allow")

	// releasing again fails since it is no longer leased
	err = p.Release(ip)
	require.Error(t, err)
}

func TestAllowWithoutLease(t *testing.T) {
	p, err := NewMemPool("10.1.0.0/24")
	require.NoError(t, err)

	ip := net.ParseIP("10.1.0.50")
	assert.False(t, p.IsAllowed(ip))
	p.Allow(ip)
	assert.True(t, p.IsAllowed(ip))

	err = p.Release(ip)
	require.Error(t, err, "allow alone does not lease")
}

func TestS5UnauthorizedIPRejected(t *testing.T) {
	p, err := NewMemPool("10.0.0.0/24")
	require.NoError(t, err)
	p.Allow(net.ParseIP("10.0.0.5"))

	assert.True(t, p.IsAllowed(net.ParseIP("10.0.0.5")))
	assert.False(t, p.IsAllowed(net.ParseIP("10.0.0.6")))
}
