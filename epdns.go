package epump

import (
	"net/netip"

	"github.com/kehengzhong/epump/internal/resolver"
)

// DNSQuery resolves name through Core's resolver, translating between
// the resolver package's synchronous Callback shape and the engine's
// EventCallback/EventKind surface, per spec.md §4.10/§6. The callback
// fires with EventDNSRecv and a *DNSResult obj on success or failure
// alike; status distinguishes the two the way original_source's
// DNS_ERR_* codes did.
func (c *Core) DNSQuery(name string, cb EventCallback, cbPara any) {
	if cb == nil {
		cb = c.defaultCB
		cbPara = c.defaultCBPara
	}
	c.resolver.Query(name, func(status resolver.Status, addrs []netip.Addr) {
		result := &DNSResult{
			Name:   name,
			Status: DNSStatus(status),
			Addrs:  addrs,
		}
		if cb != nil {
			cb(cbPara, result, EventDNSRecv, FDUserCmd)
		}
	})
}

// DNSResult is the obj handed to the callback passed to DNSQuery,
// standing in for the C original's epump_dns_msg pointer (spec.md §3's
// Event "target object pointer").
type DNSResult struct {
	Name   string
	Status DNSStatus
	Addrs  []netip.Addr
}
