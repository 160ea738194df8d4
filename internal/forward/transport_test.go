package forward

import (
	"testing"
)

func TestTransportPoolReturnsSameTransportForSameUpstream(t *testing.T) {
	tp := NewTransportPool()
	a := tp.Get("up-1", DefaultTransportConfig)
	b := tp.Get("up-1", DefaultTransportConfig)
	if a != b {
		t.Fatal("expected the same pooled transport for repeat lookups")
	}
}

func TestTransportPoolDefaultForEmptyUpstreamID(t *testing.T) {
	tp := NewTransportPool()
	if tp.Get("", DefaultTransportConfig) != tp.defaultTransport {
		t.Fatal("expected default transport for empty upstream id")
	}
}
