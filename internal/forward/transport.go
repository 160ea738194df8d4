package forward

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

// TransportConfig configures the HTTP transport used to reach one upstream.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	InsecureSkipVerify bool
	DisableKeepAlives  bool
}

// DefaultTransportConfig provides default transport settings.
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// NewTransport builds an http.Transport that negotiates HTTP/2 via ALPN
// opportunistically (ForceAttemptHTTP2), falling back to HTTP/1.1 per host
// as net/http's own connection pool already decides.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		ForceAttemptHTTP2:     true,
	}
}

// DefaultTransport creates a transport with default settings.
func DefaultTransport() *http.Transport { return NewTransport(DefaultTransportConfig) }

// TransportPool manages a pool of transports keyed by upstream ID, so each
// upstream gets its own connection pool and idle-conn accounting.
type TransportPool struct {
	mu               sync.RWMutex
	defaultTransport http.RoundTripper
	transports       map[string]http.RoundTripper
}

// NewTransportPool creates a transport pool backed by a default transport.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		defaultTransport: DefaultTransport(),
		transports:       make(map[string]http.RoundTripper),
	}
}

// Get returns the transport for the given upstream ID, creating one from cfg
// on first use.
func (tp *TransportPool) Get(upstreamID string, cfg TransportConfig) http.RoundTripper {
	if upstreamID == "" {
		return tp.defaultTransport
	}
	tp.mu.RLock()
	t, ok := tp.transports[upstreamID]
	tp.mu.RUnlock()
	if ok {
		return t
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if t, ok := tp.transports[upstreamID]; ok {
		return t
	}
	t = NewTransport(cfg)
	tp.transports[upstreamID] = t
	return t
}

// CloseIdleConnections closes idle connections on every pooled transport.
func (tp *TransportPool) CloseIdleConnections() {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	if t, ok := tp.defaultTransport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	for _, rt := range tp.transports {
		if t, ok := rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}
