package oracle

import (
	"net/http"
	"time"
)

// NewPooledHTTPClient builds a pooled http.Client for oracle backends. There
// is no separate response-header timeout: a model can spend most of the call
// budget before emitting its first byte, so the overall timeout is the only
// deadline.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	if poolSize <= 0 {
		poolSize = 4
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        poolSize,
			MaxIdleConnsPerHost: poolSize,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}
