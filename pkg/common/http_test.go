package common

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, UserAgent(), r.Header.Get("User-Agent"), "User-Agent should match expected format")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := HTTPClient(DefaultConnectTimeout, DefaultReadTimeout)

	assert.Equal(t, DefaultConnectTimeout+DefaultReadTimeout, client.Timeout, "Timeout should be set correctly")
	require.NotNil(t, client.Transport, "Transport should not be nil")

	uat, ok := client.Transport.(*userAgentTransport)
	require.True(t, ok)
	inner, ok := uat.transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, DefaultReadTimeout, inner.ResponseHeaderTimeout)
	assert.Equal(t, DefaultConnectTimeout, inner.TLSHandshakeTimeout)

	req, err := http.NewRequest("GET", server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPClientReadTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := HTTPClient(time.Second, 20*time.Millisecond)
	resp, err := client.Get(server.URL)
	if resp != nil {
		resp.Body.Close()
	}
	assert.Error(t, err, "slow response headers should time out")
}
