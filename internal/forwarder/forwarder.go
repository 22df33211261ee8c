// Package forwarder is the send side of the interceptor: it owns every
// byte placed back on the wire toward the redirected client, impersonating
// the default gateway, and is the sole writer of TCP/UDP/ARP state for each
// flow. It implements spec.md §4.1/§4.2 (the Forwarder) and is grounded on
// the original redirector's `Forwarder` impl in
// `_examples/original_source/src/lib.rs` for the per-flow bookkeeping and
// segmentation/retransmission policy, and on
// `coolheart77-netstack/tcpip/transport/tcp/connect.go`'s send-side
// sequence/window handling for the Go idiom (explicit structs instead of
// the original's trait objects, wrap-safe seqnum math throughout).
//
// All mutable state lives behind one mutex, matching the original's single-
// threaded Forwarder and `coolheart77-netstack`'s own preference for one
// coarse per-endpoint lock over fine-grained locking: no network I/O or
// channel send happens while it is held.
package forwarder

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/pcapsocks/pcapsocks/internal/flow"
	"github.com/pcapsocks/pcapsocks/internal/metrics"
	"github.com/pcapsocks/pcapsocks/internal/retransmit"
	"github.com/pcapsocks/pcapsocks/internal/seqnum"
)

// FrameWriter is the minimal surface the Forwarder needs from the link
// layer, so it can be tested without a live capture handle.
type FrameWriter interface {
	WriteFrame(b []byte) error
}

// Config fixes the identity the Forwarder impersonates for the lifetime of
// one redirected client: spec.md's single-client model means these never
// change once the interceptor starts.
type Config struct {
	MTU                 int
	ClientHardwareAddr  net.HardwareAddr
	ClientIP            netip.Addr
	GatewayHardwareAddr net.HardwareAddr
	GatewayIP           netip.Addr
}

// DefaultWindow is the window size advertised and used to size the
// retransmit cache and reassembly window, matching the original's use of
// the maximum unscaled TCP window as a simple, generous default.
const DefaultWindow = 65535

// tcpFlow is the Forwarder's per-flow send-side state — the Go-side
// counterpart of the original's ten-odd parallel maps, collapsed into one
// struct per flow.Key.
type tcpFlow struct {
	iss            seqnum.Value // our initial sequence number
	sequence       seqnum.Value // next sequence number we will send
	acknowledgment seqnum.Value // next byte we expect from the peer; echoed in every ACK we send
	sendWindow     uint32       // peer's advertised window, already left-shifted by their wscale
	sendMSS        uint16
	wscale         uint8
	sacksPermitted bool
	recvWindow     uint16 // window we advertise to the peer, set by SetRecvWindow
	finSent        bool
	finSeq         seqnum.Value
	pending        [][]byte // application bytes not yet admitted into cache (send-window limited)
	cache          *retransmit.Queue
}

// Forwarder emits synthesized ARP/TCP/UDP/Ethernet frames toward the
// redirected client on behalf of the upstream SOCKS5 proxy.
type Forwarder struct {
	cfg Config
	out FrameWriter
	log logrus.FieldLogger

	metrics *metrics.Metrics

	mu    sync.Mutex
	flows map[flow.Key]*tcpFlow
	ipIDs map[netip.Addr]uint16
}

// SetMetrics wires a metrics.Metrics into the Forwarder: bytes written to
// the client and retransmit counts are reported as they occur. Safe to call
// once, before the Forwarder handles any flow; nil disables reporting.
func (f *Forwarder) SetMetrics(m *metrics.Metrics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = m
}

// SetClientHardwareAddr records the redirected client's hardware address,
// learned by the Redirector from its first observed frame or ARP request
// per spec.md §3's "src_hardware_addr (learned from the first frame
// observed from the client)". Every frame emitted afterward is addressed
// to it.
func (f *Forwarder) SetClientHardwareAddr(mac net.HardwareAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.ClientHardwareAddr = mac
}

// New creates a Forwarder that impersonates cfg.GatewayHardwareAddr/IP
// toward cfg.ClientHardwareAddr/IP.
func New(cfg Config, out FrameWriter, log logrus.FieldLogger) *Forwarder {
	return &Forwarder{
		cfg:   cfg,
		out:   out,
		log:   log,
		flows: make(map[flow.Key]*tcpFlow),
		ipIDs: make(map[netip.Addr]uint16),
	}
}

func (f *Forwarder) nextIPID(dst netip.Addr) uint16 {
	id := f.ipIDs[dst]
	f.ipIDs[dst] = id + 1
	return id
}

// --- ARP ---

// SendARPReply answers a probe for who owns cfg.GatewayIP.
func (f *Forwarder) SendARPReply() error {
	eth := &layers.Ethernet{
		SrcMAC:       f.cfg.GatewayHardwareAddr,
		DstMAC:       f.cfg.ClientHardwareAddr,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   f.cfg.GatewayHardwareAddr,
		SourceProtAddress: f.cfg.GatewayIP.AsSlice(),
		DstHwAddress:      f.cfg.ClientHardwareAddr,
		DstProtAddress:    f.cfg.ClientIP.AsSlice(),
	}
	return f.emit(eth, arp)
}

// --- TCP lifecycle ---

// OpenTCPOptions carries the peer's negotiated SYN options back from the
// redirector, which parses the incoming SYN.
type OpenTCPOptions struct {
	PeerWindow    uint16
	WindowScale   uint8
	MSS           uint16
	SACKPermitted bool

	// RecvWindow is the window we advertise on the SYN-ACK: the
	// redirector's freshly-created reassembly window's remaining
	// capacity, already shifted by WindowScale — see SetRecvWindow.
	RecvWindow uint16
}

// OpenTCP establishes send-side state for a new flow and emits the SYN-ACK.
// iss is the initial sequence number we choose; irs is the peer's.
func (f *Forwarder) OpenTCP(key flow.Key, iss, irs seqnum.Value, opts OpenTCPOptions) error {
	f.mu.Lock()
	mss := opts.MSS
	if mss == 0 || int(mss) > f.cfg.MTU-40 {
		mss = uint16(f.cfg.MTU - 40)
	}
	fl := &tcpFlow{
		iss:            iss,
		sequence:       iss.Add(1),
		acknowledgment: irs.Add(1),
		sendWindow:     uint32(opts.PeerWindow) << opts.WindowScale,
		sendMSS:        mss,
		wscale:         opts.WindowScale,
		sacksPermitted: opts.SACKPermitted,
		recvWindow:     opts.RecvWindow,
		cache:          retransmit.NewQueue(DefaultWindow<<opts.WindowScale, iss.Add(1)),
	}
	f.flows[key] = fl
	f.mu.Unlock()

	return f.sendTCP(key, fl, tcpSegment{
		seq: iss, ack: fl.acknowledgment, syn: true, ackFlag: true,
		synMSS: mss, synWindowScale: opts.WindowScale, synSACKPermitted: opts.SACKPermitted,
	})
}

// CloseTCP discards a flow's send-side state once the redirector has fully
// torn it down.
func (f *Forwarder) CloseTCP(key flow.Key) {
	f.mu.Lock()
	delete(f.flows, key)
	f.mu.Unlock()
}

// RstTCP sends an immediate reset for key with the given seq/ack — used
// when the upstream SOCKS5 CONNECT fails and for segments of unknown flows.
// It does not touch any per-flow state; CloseTCP discards that.
func (f *Forwarder) RstTCP(key flow.Key, seq, ack seqnum.Value) error {
	return f.sendTCP(key, nil, tcpSegment{seq: seq, ack: ack, rst: true, ackFlag: true})
}

// AckTCP sends a bare ACK (no payload, no flags beyond ACK) for key,
// reflecting the flow's current sequence/acknowledgment — send_tcp_ack_0.
func (f *Forwarder) AckTCP(key flow.Key) error {
	return f.AckTCPWithSACK(key, nil)
}

// AckTCPWithSACK sends a bare ACK that additionally announces up to four
// SACK blocks, per spec.md §4.6's "if SACK permitted, announce filled()".
func (f *Forwarder) AckTCPWithSACK(key flow.Key, sacks []seqnum.Range) error {
	f.mu.Lock()
	fl, ok := f.flows[key]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("forwarder: bare ack for unknown flow %s", key)
	}
	seq, ack := fl.sequence, fl.acknowledgment
	f.mu.Unlock()
	return f.sendTCP(key, fl, tcpSegment{seq: seq, ack: ack, ackFlag: true, sacks: sacks})
}

// SetAcknowledgment updates the byte count we've acknowledged to the peer
// (recv_next) — called by the redirector once newly contiguous bytes have
// been delivered to the SOCKS stream worker.
func (f *Forwarder) SetAcknowledgment(key flow.Key, ack seqnum.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fl, ok := f.flows[key]; ok {
		fl.acknowledgment = ack
	}
}

// SetRecvWindow updates the window we advertise to the peer on every
// subsequent segment — the redirector computes it from its reassembly
// window's remaining capacity, shifted by the negotiated window scale
// (spec.md's `cache.remaining_size() << wscale`), each time that window's
// occupancy changes.
func (f *Forwarder) SetRecvWindow(key flow.Key, window uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fl, ok := f.flows[key]; ok {
		fl.recvWindow = window
	}
}

// AppendToQueue admits application bytes for later transmission and
// immediately attempts to drain them onto the wire, subject to the peer's
// advertised window — append_to_queue in spec.md §4.5 is append-then-send,
// not a bare enqueue.
func (f *Forwarder) AppendToQueue(key flow.Key, b []byte) error {
	f.mu.Lock()
	fl, ok := f.flows[key]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("forwarder: append to unknown flow %s", key)
	}
	fl.pending = append(fl.pending, b)
	f.mu.Unlock()

	return f.SendTCPAck(key, time.Now())
}

// UpdateWindow records a new window/sequence observation from an incoming
// ACK, matching the original's update_tcp_acknowledgement: the cache's
// left edge advances to ack, and the advertised send window is replaced.
func (f *Forwarder) UpdateWindow(key flow.Key, ack seqnum.Value, window uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.flows[key]
	if !ok {
		return
	}
	fl.cache.InvalidateTo(ack)
	fl.sendWindow = uint32(window) << fl.wscale
}

// FlowBacklog reports how many unacknowledged bytes are currently cached
// for key — the get_cache_size introspection supplemented from
// original_source/ (SPEC_FULL.md §10.2) and exported as a Prometheus gauge
// by the caller.
func (f *Forwarder) FlowBacklog(key flow.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.flows[key]
	if !ok {
		return 0
	}
	return fl.cache.Len()
}

// SendTCPAck drains as much of the pending queue as the peer's window
// allows into the cache and onto the wire, and emits a FIN once both the
// queue and cache have drained and the flow has been marked for close by
// MarkFinish.
func (f *Forwarder) SendTCPAck(key flow.Key, now time.Time) error {
	f.mu.Lock()
	fl, ok := f.flows[key]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("forwarder: send ack for unknown flow %s", key)
	}

	var segments []tcpSegment
	for len(fl.pending) > 0 {
		room := int(fl.sendWindow) - fl.cache.Len()
		if room <= 0 {
			break
		}
		b := fl.pending[0]
		chunk := b
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		if err := fl.cache.Append(chunk, now); err != nil {
			break
		}
		segments = append(segments, f.segmentsFor(fl, chunk)...)
		if len(chunk) == len(b) {
			fl.pending = fl.pending[1:]
		} else {
			fl.pending[0] = b[len(chunk):]
		}
	}

	f.mu.Unlock()

	return f.emitSegments(key, segments)
}

// segmentsFor slices a freshly-cached chunk into MSS/MTU-bounded wire
// segments and advances fl.sequence, mirroring send_tcp_ack_raw.
func (f *Forwarder) segmentsFor(fl *tcpFlow, b []byte) []tcpSegment {
	limit := int(fl.sendMSS)
	if limit <= 0 {
		limit = f.cfg.MTU - 40
	}
	var segs []tcpSegment
	for len(b) > 0 {
		n := len(b)
		if n > limit {
			n = limit
		}
		seq := fl.sequence
		segs = append(segs, tcpSegment{seq: seq, ack: fl.acknowledgment, ackFlag: true, payload: b[:n]})
		fl.sequence = fl.sequence.Add(seqnum.Size(n))
		b = b[n:]
	}
	return segs
}

// MarkFinish records that no more application data will be queued for key:
// once the queue and cache have both fully drained, the next SendTCPAck
// (or this call, if already drained) emits the FIN.
func (f *Forwarder) MarkFinish(key flow.Key, now time.Time) error {
	f.mu.Lock()
	fl, ok := f.flows[key]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("forwarder: finish unknown flow %s", key)
	}
	ready := len(fl.pending) == 0 && fl.cache.IsEmpty() && !fl.finSent
	if ready {
		fl.finSent = true
		fl.finSeq = fl.sequence
		fl.sequence = fl.sequence.Add(1) // FIN consumes one sequence number
	}
	seq := fl.finSeq
	ack := fl.acknowledgment
	f.mu.Unlock()

	if !ready {
		return nil
	}
	return f.sendTCP(key, fl, tcpSegment{seq: seq, ack: ack, fin: true, ackFlag: true})
}

// RetransmitAck resends the entire cache from its left edge (go-back-N),
// used on the third duplicate ACK once the fast-retransmit cool-down has
// elapsed.
func (f *Forwarder) RetransmitAck(key flow.Key) error {
	f.mu.Lock()
	fl, ok := f.flows[key]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("forwarder: retransmit unknown flow %s", key)
	}
	payload, left := fl.cache.GetAll()
	segs := f.segmentsFromOffset(fl, left, payload)
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.Retransmits.WithLabelValues("go_back_n").Inc()
	}
	return f.emitSegments(key, segs)
}

// RetransmitAckWithout resends the cache, skipping the ranges the peer has
// already SACKed, per the original's retransmit_tcp_ack_without.
func (f *Forwarder) RetransmitAckWithout(key flow.Key, sacked []seqnum.Range) error {
	f.mu.Lock()
	fl, ok := f.flows[key]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("forwarder: retransmit unknown flow %s", key)
	}
	payload, left := fl.cache.GetAll()
	main := seqnum.Range{Begin: left, End: left.Add(seqnum.Size(len(payload)))}

	var segs []tcpSegment
	ranges := []seqnum.Range{main}
	for _, sack := range sacked {
		var next []seqnum.Range
		for _, r := range ranges {
			next = append(next, seqnum.Disjoint(r, sack)...)
		}
		ranges = next
	}
	for _, r := range ranges {
		length := int(r.Len())
		if length <= 0 {
			continue
		}
		offset := int(r.Begin.Sub(left))
		if offset < 0 || offset+length > len(payload) {
			continue
		}
		segs = append(segs, f.segmentsFromOffset(fl, r.Begin, payload[offset:offset+length])...)
	}
	f.mu.Unlock()
	if len(segs) > 0 && f.metrics != nil {
		f.metrics.Retransmits.WithLabelValues("selective").Inc()
	}
	return f.emitSegments(key, segs)
}

// RetransmitTimedOut resends whichever cached bytes have aged past rto. If
// the cache and pending queue are both empty, a previously-sent FIN is
// retransmitted instead, matching retransmit_tcp_ack_timedout's fallback.
func (f *Forwarder) RetransmitTimedOut(key flow.Key, rto time.Duration, now time.Time) error {
	f.mu.Lock()
	fl, ok := f.flows[key]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("forwarder: retransmit unknown flow %s", key)
	}
	timedOut := fl.cache.GetTimedOut(rto, now)
	left := fl.cache.Sequence()
	var segs []tcpSegment
	if len(timedOut) > 0 {
		segs = f.segmentsFromOffset(fl, left, timedOut)
	} else if fl.finSent && fl.cache.IsEmpty() && len(fl.pending) == 0 {
		segs = []tcpSegment{{seq: fl.finSeq, ack: fl.acknowledgment, fin: true, ackFlag: true}}
	}
	f.mu.Unlock()
	if len(timedOut) > 0 && f.metrics != nil {
		f.metrics.Retransmits.WithLabelValues("timeout").Inc()
	}
	return f.emitSegments(key, segs)
}

func (f *Forwarder) segmentsFromOffset(fl *tcpFlow, start seqnum.Value, b []byte) []tcpSegment {
	limit := int(fl.sendMSS)
	if limit <= 0 {
		limit = f.cfg.MTU - 40
	}
	var segs []tcpSegment
	seq := start
	for len(b) > 0 {
		n := len(b)
		if n > limit {
			n = limit
		}
		segs = append(segs, tcpSegment{seq: seq, ack: fl.acknowledgment, ackFlag: true, payload: b[:n]})
		seq = seq.Add(seqnum.Size(n))
		b = b[n:]
	}
	return segs
}

// --- UDP ---

// udpHeaderLen + ipv4HeaderLen bound how much payload one fragment may
// carry while respecting the configured MTU.
const ipv4HeaderLen = 20
const udpHeaderLen = 8

// SendUDP emits payload from src to dst, fragmenting across multiple IPv4
// datagrams if it exceeds the MTU. Fragment offsets stay 8-byte aligned and
// the final fragment is never left shorter than 8 bytes, per spec.md §4.1
// and the original's send_udp.
func (f *Forwarder) SendUDP(src netip.AddrPort, dst netip.AddrPort, payload []byte) error {
	udp := make([]byte, udpHeaderLen+len(payload))
	udp[0], udp[1] = byte(src.Port()>>8), byte(src.Port())
	udp[2], udp[3] = byte(dst.Port()>>8), byte(dst.Port())
	length := len(udp)
	udp[4], udp[5] = byte(length>>8), byte(length)
	copy(udp[8:], payload)

	f.mu.Lock()
	id := f.nextIPID(dst.Addr())
	f.mu.Unlock()

	limit := (f.cfg.MTU - ipv4HeaderLen) &^ 7
	if limit < 8 {
		limit = 8
	}

	if len(udp) <= limit {
		return f.emitIPv4(id, 0, false, src.Addr(), dst.Addr(), layers.IPProtocolUDP, udp)
	}

	offset := 0
	for offset < len(udp) {
		remaining := len(udp) - offset
		chunk := limit
		if remaining <= limit {
			chunk = remaining
		} else if remaining-limit < 8 {
			// Keep the final fragment from dropping below 8 bytes by
			// shrinking this one instead.
			chunk = (remaining - 8) &^ 7
		}
		more := offset+chunk < len(udp)
		if err := f.emitIPv4(id, uint16(offset/8), more, src.Addr(), dst.Addr(), layers.IPProtocolUDP, udp[offset:offset+chunk]); err != nil {
			return err
		}
		offset += chunk
	}
	return nil
}

// --- wire emission ---

type tcpSegment struct {
	seq, ack               seqnum.Value
	syn, ackFlag, fin, rst bool
	payload                []byte
	sacks                  []seqnum.Range

	// synMSS/synWindowScale/synSACKPermitted are only consulted when syn
	// is set: the options we negotiate on the SYN-ACK.
	synMSS           uint16
	synWindowScale   uint8
	synSACKPermitted bool
}

// sackOption encodes up to four SACK blocks as TCP option kind 5, each
// block a big-endian (begin, end) sequence pair.
func sackOption(ranges []seqnum.Range) layers.TCPOption {
	if len(ranges) > 4 {
		ranges = ranges[:4]
	}
	data := make([]byte, 0, len(ranges)*8)
	for _, r := range ranges {
		var b [8]byte
		b[0], b[1], b[2], b[3] = byte(r.Begin>>24), byte(r.Begin>>16), byte(r.Begin>>8), byte(r.Begin)
		b[4], b[5], b[6], b[7] = byte(r.End>>24), byte(r.End>>16), byte(r.End>>8), byte(r.End)
		data = append(data, b[:]...)
	}
	return layers.TCPOption{OptionType: layers.TCPOptionKindSACK, OptionLength: uint8(2 + len(data)), OptionData: data}
}

func (f *Forwarder) sendTCP(key flow.Key, fl *tcpFlow, seg tcpSegment) error {
	return f.emitSegments(key, []tcpSegment{seg})
}

func (f *Forwarder) emitSegments(key flow.Key, segs []tcpSegment) error {
	for _, seg := range segs {
		if err := f.emitTCP(key, seg); err != nil {
			return err
		}
		if len(seg.payload) > 0 && f.metrics != nil {
			f.metrics.BytesForwarded.WithLabelValues("out").Add(float64(len(seg.payload)))
		}
	}
	return nil
}

func (f *Forwarder) emitTCP(key flow.Key, seg tcpSegment) error {
	f.mu.Lock()
	id := f.nextIPID(key.Dst.Addr())
	window := uint16(DefaultWindow)
	if fl, ok := f.flows[key]; ok {
		window = fl.recvWindow
	}
	f.mu.Unlock()

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(key.Dst.Port()),
		DstPort: layers.TCPPort(key.SrcPort),
		Seq:     uint32(seg.seq),
		Ack:     uint32(seg.ack),
		SYN:     seg.syn,
		ACK:     seg.ackFlag,
		FIN:     seg.fin,
		RST:     seg.rst,
		Window:  window,
	}
	switch {
	case seg.syn:
		mssData := []byte{byte(seg.synMSS >> 8), byte(seg.synMSS)}
		tcp.Options = []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: mssData},
			{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{seg.synWindowScale}},
		}
		if seg.synSACKPermitted {
			tcp.Options = append(tcp.Options, layers.TCPOption{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: 2})
		}
	case len(seg.sacks) > 0:
		tcp.Options = []layers.TCPOption{sackOption(seg.sacks)}
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       id,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(key.Dst.Addr().AsSlice()),
		DstIP:    net.IP(f.cfg.ClientIP.AsSlice()),
	}
	tcp.SetNetworkLayerForChecksum(ip)

	eth := &layers.Ethernet{
		SrcMAC:       f.cfg.GatewayHardwareAddr,
		DstMAC:       f.cfg.ClientHardwareAddr,
		EthernetType: layers.EthernetTypeIPv4,
	}

	return f.emit(eth, ip, tcp, gopacket.Payload(seg.payload))
}

func (f *Forwarder) emitIPv4(id uint16, fragOffsetUnits uint16, more bool, src, dst netip.Addr, proto layers.IPProtocol, payload []byte) error {
	flags := layers.IPv4Flags(0)
	if more {
		flags = layers.MoreFragments
	}
	ip := &layers.IPv4{
		Version:        4,
		IHL:            5,
		TTL:            64,
		Id:             id,
		Flags:          flags,
		FragOffset:     fragOffsetUnits,
		Protocol:       proto,
		SrcIP:          net.IP(src.AsSlice()),
		DstIP:          net.IP(dst.AsSlice()),
	}
	eth := &layers.Ethernet{
		SrcMAC:       f.cfg.GatewayHardwareAddr,
		DstMAC:       f.cfg.ClientHardwareAddr,
		EthernetType: layers.EthernetTypeIPv4,
	}
	return f.emit(eth, ip, gopacket.Payload(payload))
}

// minimumFrameSize is the smallest Ethernet frame (minus FCS, which the
// capture layer appends) a conforming link partner will accept.
const minimumFrameSize = 60

func (f *Forwarder) emit(layersToSerialize ...gopacket.SerializableLayer) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, layersToSerialize...); err != nil {
		return fmt.Errorf("forwarder: serialize: %w", err)
	}
	out := buf.Bytes()
	if len(out) < minimumFrameSize {
		padded := make([]byte, minimumFrameSize)
		copy(padded, out)
		out = padded
	}
	return f.out.WriteFrame(out)
}
