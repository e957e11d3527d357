package provider

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const apiTimeout = 120 * time.Second

var (
	apiClientOnce sync.Once
	apiHTTPClient *http.Client
)

// apiClient returns the process-wide client used by every model and
// transcription backend, so they share one idle connection pool.
func apiClient() *http.Client {
	apiClientOnce.Do(func() {
		dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		apiHTTPClient = &http.Client{
			Timeout: apiTimeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          20,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: apiTimeout,
			},
		}
	})
	return apiHTTPClient
}
