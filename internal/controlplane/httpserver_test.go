package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ldm7/fmtp/internal/fmtp/authchan"
	"github.com/ldm7/fmtp/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cp := New(NewMemStore(), t.TempDir(), nil)
	srv := NewServer(cp, HTTPConfig{RateLimitPerSec: 1000, RateLimitBurst: 1000}, &observability.Logger{})
	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHTTPAddAndGetSubscriber(t *testing.T) {
	_, ts := newTestServer(t)

	body, _ := json.Marshal(addRequest{
		ServerAddr:   "10.0.0.1:38800",
		VlanID:       7,
		SwitchPortID: "eth0/1",
		MinClient:    "192.168.1.1",
		MaxClient:    "192.168.1.5",
	})
	resp, err := http.Post(ts.URL+"/v1/feeds/1/subscribers/sub-a", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	getResp, err := http.Get(ts.URL + "/v1/feeds/1/subscribers/sub-a")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	var rec Record
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&rec))
	assert.Equal(t, "10.0.0.1:38800", rec.ServerAddr)
}

func TestHTTPGetUnknownSubscriberIs404(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/feeds/1/subscribers/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPReserveAndReleaseLease(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, srv.cp.Add(ctx, 1, testRecord("sub-a")))

	// A reserve only succeeds once the feed's Authorization Channel reader exists.
	reader, err := authchan.NewUnixReader(srv.cp.socketDir, 1)
	require.NoError(t, err)
	defer reader.Close()

	resp, err := http.Post(ts.URL+"/v1/feeds/1/subscribers/sub-a/lease", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var leaseResp map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&leaseResp))
	ip := leaseResp["ip"]
	assert.Equal(t, "192.168.1.1", ip)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/feeds/1/subscribers/sub-a/lease/"+ip, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestHTTPSetPort(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, srv.cp.Add(ctx, 1, testRecord("sub-a")))

	body, _ := json.Marshal(portRequest{Port: 4242})
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/feeds/1/subscribers/sub-a/port", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	rec, err := srv.cp.Get(ctx, 1, "sub-a")
	require.NoError(t, err)
	assert.Equal(t, 4242, rec.Port)
}
