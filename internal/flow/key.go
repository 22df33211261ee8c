// Package flow identifies a single client<->remote TCP or UDP conversation
// by the tuple the redirector and forwarder both key their per-flow state on.
package flow

import (
	"fmt"
	"net/netip"
)

// Key uniquely identifies a half-open flow from the impersonated client to a
// remote endpoint: the client's source port and the destination it is
// talking to. It is grounded on the original redirector's (u16, SocketAddrV4)
// tuple and on netstack's stack.TransportEndpointID.
type Key struct {
	SrcPort uint16
	Dst     netip.AddrPort
}

// New builds a Key for a client source port and destination endpoint.
func New(srcPort uint16, dstIP netip.Addr, dstPort uint16) Key {
	return Key{SrcPort: srcPort, Dst: netip.AddrPortFrom(dstIP, dstPort)}
}

func (k Key) String() string {
	return fmt.Sprintf("%d -> %s", k.SrcPort, k.Dst)
}
