package couchbase

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Transport knobs of the manager HTTP client.
var (
	HTTPDialTimeout         = 30 * time.Second
	HTTPDialKeepAlive       = 30 * time.Second
	HTTPMaxIdleConns        = 32
	HTTPMaxIdleConnsPerHost = 4
	HTTPIdleConnTimeout     = 90 * time.Second
	HTTPTLSHandshakeTimeout = 10 * time.Second
)

// NewStreamingHTTPClient returns the client used to talk to cluster
// managers. It has no overall timeout: the config stream is a response
// that never ends. Callers bound one-shot requests with a context.
func NewStreamingHTTPClient(tlsConfig *tls.Config) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   HTTPDialTimeout,
			KeepAlive: HTTPDialKeepAlive,
		}).DialContext,
		MaxIdleConns:          HTTPMaxIdleConns,
		MaxIdleConnsPerHost:   HTTPMaxIdleConnsPerHost,
		IdleConnTimeout:       HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
	}
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig.Clone()
		_ = http2.ConfigureTransport(transport)
	}
	return &http.Client{Transport: transport}
}
