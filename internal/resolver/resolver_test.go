package resolver

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestQueryLiteralIPIsSynchronous covers spec.md §4.10 step 1: a
// literal IPv4/IPv6 address resolves immediately, without touching the
// network.
func TestQueryLiteralIPIsSynchronous(t *testing.T) {
	r, err := New(nil, nil)
	require.NoError(t, err)
	defer r.Close()

	called := make(chan Status, 1)
	r.Query("127.0.0.1", func(status Status, addrs []netip.Addr) {
		called <- status
		require.Len(t, addrs, 1)
		require.Equal(t, "127.0.0.1", addrs[0].String())
	})

	select {
	case status := <-called:
		require.Equal(t, IPv4, status)
	default:
		t.Fatal("literal-IP query did not resolve synchronously")
	}
}

// TestQueryCacheHit covers spec.md §8's E4: a cached name resolves
// synchronously from the same goroutine stack on a repeat query.
func TestQueryCacheHit(t *testing.T) {
	r, err := New(nil, nil)
	require.NoError(t, err)
	defer r.Close()

	r.cacheMu.Lock()
	r.cache["example.test"] = &cacheEntry{
		addrs:    []netip.Addr{netip.MustParseAddr("93.184.216.34")},
		ttl:      60 * time.Second,
		cachedAt: time.Now(),
	}
	r.cacheMu.Unlock()

	var gotStatus Status
	var gotAddrs []netip.Addr
	r.Query("example.test", func(status Status, addrs []netip.Addr) {
		gotStatus = status
		gotAddrs = addrs
	})

	require.Equal(t, NoError, gotStatus)
	require.Len(t, gotAddrs, 1)
}

// TestCircuitBreakerOpensAfterRepeatedFailures covers spec.md §8's E5:
// after >=16 tries with a >=95% failure rate, further queries
// short-circuit to ServerFailure without waiting out the full
// 12-second per-message lifetime.
func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	r, err := New(nil, nil)
	require.NoError(t, err)
	defer r.Close()

	entry := &cacheEntry{}
	for i := 0; i < 20; i++ {
		entry.tries.Inc()
		entry.fails.Inc()
	}
	r.cacheMu.Lock()
	r.cache["unreachable.test"] = entry
	r.cacheMu.Unlock()

	require.True(t, entry.circuitOpen(time.Now()))

	called := make(chan Status, 1)
	r.Query("unreachable.test", func(status Status, _ []netip.Addr) {
		called <- status
	})

	select {
	case status := <-called:
		require.Equal(t, ServerFailure, status)
	case <-time.After(time.Second):
		t.Fatal("circuit breaker did not short-circuit the query")
	}
}

func TestAddServerDefaultsPort53(t *testing.T) {
	r, err := New(nil, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.AddServer("8.8.8.8", 0))
	r.serversMu.RLock()
	defer r.serversMu.RUnlock()
	require.Len(t, r.servers, 1)
	require.Equal(t, uint16(53), r.servers[0].Port())
}

func TestGlueFromAuthorityRequiresMatchingAdditional(t *testing.T) {
	msg := &Message{
		Authority: []RR{{Type: TypeNS, Name2: "ns1.example.com"}},
		Extra:     []RR{{Name: "ns2.example.com", Type: TypeA, IP: netip.MustParseAddr("10.0.0.1")}},
	}
	require.Empty(t, glueFromAuthority(msg), "glue must only match when the additional-section name matches the NS target exactly")

	msg.Extra[0].Name = "ns1.example.com"
	require.NotEmpty(t, glueFromAuthority(msg))
}
