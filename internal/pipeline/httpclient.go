package pipeline

import (
	"net"
	"net/http"
	"time"

	"github.com/joseph-ayodele/secateur/internal/common"
)

// NewHTTPClient builds the pooled client shared by all fetches in a process.
// cfg.Timeout bounds a whole download, body included; zero disables it.
func NewHTTPClient(cfg common.FetchConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport, Timeout: cfg.Timeout}
}
