package httputil

import (
	"net"
	"net/http"
	"time"
)

type Clients struct {
	Upstream *http.Client // slow browser-backed flows, long timeout
	Download *http.Client // file downloads returned by list calls
}

// NewClients builds the two shared HTTP clients. The upstream drives a
// real browser behind its API, so calls can legitimately take tens of
// minutes; keep-alives stop intermediaries from dropping the idle TCP
// connection in the meantime.
func NewClients(upstreamTimeout time.Duration) *Clients {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Clients{
		Upstream: &http.Client{
			Timeout:   upstreamTimeout,
			Transport: transport,
		},
		Download: &http.Client{
			Timeout:   upstreamTimeout,
			Transport: transport,
		},
	}
}
