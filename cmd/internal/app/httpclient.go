package app

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient returns the single outbound client shared by media fetches
// and backend calls. It has no overall timeout: each caller bounds its own
// requests, and streams must be allowed to run for the whole turn.
func NewHTTPClient(cfg Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	perHost := int(cfg.MaxConcurrentFetches) * 2
	if perHost < 16 {
		perHost = 16
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: nonZeroDuration(cfg.BackendTimeout, 300*time.Second),
	}
	return &http.Client{Transport: tr}
}
