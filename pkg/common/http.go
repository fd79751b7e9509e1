package common

import (
	_ "embed"
	"net"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Default timeouts used when talking to the cloud API.
const (
	DefaultConnectTimeout = 6 * time.Second
	DefaultReadTimeout    = 10 * time.Second
)

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements the http.RoundTripper interface.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// UserAgent returns the User-Agent sent on every outgoing request.
func UserAgent() string {
	return "emporiasync/" + strings.TrimSpace(version)
}

// HTTPClient returns a default http client with a default user-agent set.
// connectTimeout bounds dialing and the TLS handshake, readTimeout bounds the
// wait for response headers and the whole exchange.
func HTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	transport.ResponseHeaderTimeout = readTimeout

	return &http.Client{
		Transport: &userAgentTransport{
			transport: transport,
			userAgent: UserAgent(),
		},
		Timeout: connectTimeout + readTimeout,
	}
}
