package httputil

import (
	"net/http"
	"time"
)

// NewClient builds the outbound HTTP client used for Daraja calls. The OAuth
// and STK push endpoints live on one host, so a small warm pool of idle
// connections saves a TLS handshake on nearly every request.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}
