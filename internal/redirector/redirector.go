// Package redirector is the receive side of the interceptor: it parses
// captured frames, reassembles IPv4 fragments, advances one TCP state
// machine per flow, drives the UDP NAT table, and owns the lifetime of
// every SOCKS worker. It implements spec.md §4.6/§2/§5 and is grounded on
// the original redirector's `handle_tcp_syn`/`handle_tcp_ack`/
// `handle_tcp_fin`/`handle_udp` in `_examples/original_source/src/lib.rs`,
// with the per-flow goroutine lifecycle and channel-driven retransmit timer
// modeled on `coolheart77-netstack/tcpip/transport/tcp/connect.go`'s
// `protocolMainLoop` (replacing its sleep.Waker with a plain time.Ticker).
package redirector

import (
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/pcapsocks/pcapsocks/internal/defrag"
	"github.com/pcapsocks/pcapsocks/internal/flow"
	"github.com/pcapsocks/pcapsocks/internal/forwarder"
	"github.com/pcapsocks/pcapsocks/internal/metrics"
	"github.com/pcapsocks/pcapsocks/internal/natudp"
	"github.com/pcapsocks/pcapsocks/internal/reassembly"
	"github.com/pcapsocks/pcapsocks/internal/seqnum"
	"github.com/pcapsocks/pcapsocks/internal/socks"
)

// MaxRecvWscale bounds the window scale factor we ever announce to the
// peer, regardless of what it offers.
const MaxRecvWscale = 8

// DuplicatesBeforeFastRetransmit and RetransmissionCoolDown gate the
// fast-retransmit policy described in spec.md §4.1/§4.6.
const (
	DuplicatesBeforeFastRetransmit = 3
	RetransmissionCoolDown         = 200 * time.Millisecond
	RetransmitRTO                  = 3000 * time.Millisecond
)

// Config toggles the optional TCP options the redirector will negotiate.
type Config struct {
	EnableWindowScale bool
	EnableSACK        bool
	SOCKS             socks.Config
}

type tcpFlowState struct {
	worker          *socks.StreamWorker
	recvNext        seqnum.Value
	acknowledgement seqnum.Value // last peer ACK observed
	duplicateCount  int
	lastRetransmit  time.Time
	wscale          uint8
	sackPermitted   bool
	window          *reassembly.Window
	readClosed      bool // peer sent FIN
	writeClosed     bool // the proxy stream ended; we are closing toward the client
	done            chan struct{}
}

type udpFlow struct {
	worker   *socks.DatagramWorker
	srcPort  uint16
	localIdx int
}

// Redirector owns every per-flow receive-side state machine for one
// redirected client.
type Redirector struct {
	cfg Config
	fwd *forwarder.Forwarder
	log logrus.FieldLogger

	clientIP  netip.Addr
	gatewayIP netip.Addr
	clientMAC net.HardwareAddr

	defragger *defrag.Defragmenter

	mu         sync.Mutex
	tcp        map[flow.Key]*tcpFlowState
	nat        *natudp.Table[*udpFlow]
	learnedMAC bool

	metrics *metrics.Metrics

	// dialStream/dialDatagram open the upstream SOCKS5 session for a new
	// flow. They default to socks.DialStream/socks.DialDatagram; tests
	// override them to stand in a net.Pipe()-backed worker instead of
	// dialing a real proxy.
	dialStream   func(socks.Config, string) (*socks.StreamWorker, error)
	dialDatagram func(socks.Config) (*socks.DatagramWorker, error)
}

// SetMetrics wires a metrics.Metrics into the Redirector: active flow
// counts, SOCKS connect failures, UDP NAT evictions and inbound byte counts
// are reported as they occur. nil disables reporting.
func (r *Redirector) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// New creates a Redirector. fwd is the shared Forwarder it drives.
func New(cfg Config, fwd *forwarder.Forwarder, clientIP, gatewayIP netip.Addr, log logrus.FieldLogger) *Redirector {
	r := &Redirector{
		cfg:          cfg,
		fwd:          fwd,
		log:          log,
		clientIP:     clientIP,
		gatewayIP:    gatewayIP,
		defragger:    defrag.NewDefault(),
		tcp:          make(map[flow.Key]*tcpFlowState),
		dialStream:   socks.DialStream,
		dialDatagram: socks.DialDatagram,
	}
	r.nat = natudp.New(func(idx int, b natudp.Binding[*udpFlow]) {
		b.Value.worker.Close()
		if r.metrics != nil {
			r.metrics.UDPEvictions.Inc()
		}
	})
	return r
}

// HandleFrame dispatches one captured Ethernet frame.
func (r *Redirector) HandleFrame(data []byte) error {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	if arpLayer := pkt.Layer(layers.LayerTypeARP); arpLayer != nil {
		return r.handleARP(arpLayer.(*layers.ARP))
	}

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil
	}
	ip := ipLayer.(*layers.IPv4)
	r.learnClientMAC(pkt, ip)

	payload := ip.Payload
	proto := ip.Protocol
	more := ip.Flags&layers.MoreFragments != 0
	if more || ip.FragOffset != 0 {
		src, _ := netip.AddrFromSlice(ip.SrcIP)
		dst, _ := netip.AddrFromSlice(ip.DstIP)
		key := defrag.Key{Src: src.Unmap(), Dst: dst.Unmap(), Protocol: uint8(proto), ID: uint16(ip.Id)}
		full, done := r.defragger.Add(key, ip.FragOffset, more, payload, time.Now())
		if !done {
			return nil
		}
		payload = full
	}

	switch proto {
	case layers.IPProtocolTCP:
		return r.handleTCPPayload(ip, payload)
	case layers.IPProtocolUDP:
		return r.handleUDPPayload(ip, payload)
	}
	return nil
}

func (r *Redirector) learnClientMAC(pkt gopacket.Packet, ip *layers.IPv4) {
	if r.learnedMAC {
		return
	}
	src, ok := netip.AddrFromSlice(ip.SrcIP)
	if !ok || src != r.clientIP {
		return
	}
	if ethLayer := pkt.Layer(layers.LayerTypeEthernet); ethLayer != nil {
		r.clientMAC = ethLayer.(*layers.Ethernet).SrcMAC
		r.learnedMAC = true
		r.fwd.SetClientHardwareAddr(r.clientMAC)
	}
}

func (r *Redirector) handleARP(a *layers.ARP) error {
	if a.Operation != layers.ARPRequest {
		return nil
	}
	target, ok := netip.AddrFromSlice(a.DstProtAddress)
	if !ok || target != r.gatewayIP {
		return nil
	}
	r.clientMAC = net.HardwareAddr(a.SourceHwAddress)
	r.learnedMAC = true
	r.fwd.SetClientHardwareAddr(r.clientMAC)
	return r.fwd.SendARPReply()
}

func (r *Redirector) handleTCPPayload(ip *layers.IPv4, payload []byte) error {
	pkt := gopacket.NewPacket(payload, layers.LayerTypeTCP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return nil
	}
	tcp := tcpLayer.(*layers.TCP)

	dst, ok := netip.AddrFromSlice(ip.DstIP)
	if !ok {
		return nil
	}
	key := flow.New(uint16(tcp.SrcPort), dst.Unmap(), uint16(tcp.DstPort))

	switch {
	case tcp.SYN && !tcp.ACK:
		return r.handleSYN(key, tcp)
	case tcp.RST:
		return r.handleRST(key)
	case tcp.FIN:
		return r.handleFIN(key, tcp)
	case tcp.ACK:
		return r.handleACK(key, tcp)
	}
	return nil
}

func (r *Redirector) handleSYN(key flow.Key, tcp *layers.TCP) error {
	r.mu.Lock()
	if _, exists := r.tcp[key]; exists {
		r.mu.Unlock()
		return nil // SYN retransmit on an existing flow: drop.
	}
	r.mu.Unlock()

	peerMSS, peerWscale, sackOK := parseSYNOptions(tcp.Options)
	wscale := uint8(0)
	if r.cfg.EnableWindowScale && peerWscale > 0 {
		wscale = peerWscale
		if wscale > MaxRecvWscale {
			wscale = MaxRecvWscale
		}
	}
	sackPermitted := r.cfg.EnableSACK && sackOK

	irs := seqnum.Value(tcp.Seq)
	st := &tcpFlowState{
		recvNext:        irs.Add(1),
		acknowledgement: seqnum.Value(tcp.Ack),
		wscale:          wscale,
		sackPermitted:   sackPermitted,
		window:          reassembly.NewWindow(forwarder.DefaultWindow<<wscale, irs.Add(1)),
		done:            make(chan struct{}),
	}

	opts := forwarder.OpenTCPOptions{
		PeerWindow:    tcp.Window,
		WindowScale:   wscale,
		MSS:           peerMSS,
		SACKPermitted: sackPermitted,
		RecvWindow:    recvWindowValue(st.window, wscale),
	}
	go r.connectSYN(key, st, irs, opts)
	return nil
}

func (r *Redirector) connectSYN(key flow.Key, st *tcpFlowState, irs seqnum.Value, opts forwarder.OpenTCPOptions) {
	dst := fmt.Sprintf("%s:%d", key.Dst.Addr(), key.Dst.Port())
	start := time.Now()
	worker, err := r.dialStream(r.cfg.SOCKS, dst)
	iss := seqnum.Value(rand.Uint32())
	if err != nil {
		r.log.WithError(err).WithField("flow", key.String()).Warn("socks connect failed")
		if r.metrics != nil {
			r.metrics.SOCKSConnectFail.Inc()
		}
		r.fwd.RstTCP(key, iss, irs.Add(1))
		return
	}
	r.log.WithField("flow", key.String()).WithField("rtt", time.Since(start)).Debug("socks connect latency")
	st.worker = worker
	// The first ACK the peer can send acknowledges our SYN: iss+1.
	st.acknowledgement = iss.Add(1)

	r.mu.Lock()
	r.tcp[key] = st
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveTCPFlows.Inc()
	}

	if err := r.fwd.OpenTCP(key, iss, irs, opts); err != nil {
		r.log.WithError(err).Error("open tcp")
	}

	go r.pumpUpstream(key, st)
	go r.retransmitLoop(key, st)
}

// pumpUpstream relays bytes arriving from the SOCKS stream worker down to
// the redirected client via the Forwarder.
func (r *Redirector) pumpUpstream(key flow.Key, st *tcpFlowState) {
	for {
		select {
		case b, ok := <-st.worker.Inbound:
			if !ok {
				return
			}
			if err := r.fwd.AppendToQueue(key, b); err != nil {
				r.log.WithError(err).Debug("append to queue")
			}
		case err := <-st.worker.Err:
			if err != nil {
				r.log.WithError(err).WithField("flow", key.String()).Debug("socks stream closed")
			}
			r.mu.Lock()
			st.writeClosed = true
			r.mu.Unlock()
			r.fwd.MarkFinish(key, time.Now())
			return
		case <-st.done:
			return
		}
	}
}

// retransmitLoop periodically resends anything the Forwarder's cache has
// held past RetransmitRTO, until the flow is torn down.
func (r *Redirector) retransmitLoop(key flow.Key, st *tcpFlowState) {
	ticker := time.NewTicker(RetransmitRTO / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.fwd.RetransmitTimedOut(key, RetransmitRTO, time.Now()); err != nil {
				return
			}
		case <-st.done:
			return
		}
	}
}

func (r *Redirector) handleRST(key flow.Key) error {
	r.mu.Lock()
	st, ok := r.tcp[key]
	if ok {
		delete(r.tcp, key)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	close(st.done)
	st.worker.Close()
	r.fwd.CloseTCP(key)
	if r.metrics != nil {
		r.metrics.ActiveTCPFlows.Dec()
	}
	return nil
}

func (r *Redirector) handleACK(key flow.Key, tcp *layers.TCP) error {
	r.mu.Lock()
	st, ok := r.tcp[key]
	r.mu.Unlock()
	if !ok {
		return r.fwd.RstTCP(key, seqnum.Value(tcp.Ack), seqnum.Value(tcp.Seq).Add(1))
	}

	r.mu.Lock()
	delta := seqnum.Value(tcp.Ack).Sub(st.acknowledgement)
	duplicate := false
	switch {
	case delta == 0:
		st.duplicateCount++
		duplicate = true
	case uint32(delta) <= seqnum.MaxWindow:
		st.acknowledgement = seqnum.Value(tcp.Ack)
		st.duplicateCount = 0
	default:
		// Stale ack outside the plausibility window: ignore.
	}
	dupCount := st.duplicateCount
	lastRetransmit := st.lastRetransmit
	sackPermitted := st.sackPermitted
	readClosed := st.readClosed
	writerClosed := st.writeClosed
	r.mu.Unlock()

	r.fwd.UpdateWindow(key, seqnum.Value(tcp.Ack), tcp.Window)

	if len(tcp.LayerPayload()) == 0 && duplicate {
		if dupCount >= DuplicatesBeforeFastRetransmit && tcp.Window != 0 && time.Since(lastRetransmit) >= RetransmissionCoolDown {
			r.mu.Lock()
			st.duplicateCount = 0
			st.lastRetransmit = time.Now()
			r.mu.Unlock()

			if r.metrics != nil {
				r.metrics.FastRetransmits.Inc()
			}
			if sackPermitted {
				sacks := parseSACKOption(tcp.Options)
				if len(sacks) > 0 {
					return r.fwd.RetransmitAckWithout(key, sacks)
				}
			}
			return r.fwd.RetransmitAck(key)
		}
	}

	if len(tcp.LayerPayload()) == 0 {
		if readClosed && writerClosed && r.fwd.FlowBacklog(key) == 0 {
			// Final ACK of LAST_ACK: both sides have finished and every
			// byte we sent has been acknowledged.
			r.mu.Lock()
			delete(r.tcp, key)
			close(st.done)
			r.mu.Unlock()
			st.worker.Close()
			r.fwd.CloseTCP(key)
			if r.metrics != nil {
				r.metrics.ActiveTCPFlows.Dec()
			}
		}
		return nil
	}

	return r.handleDataSegment(key, st, tcp)
}

func (r *Redirector) handleDataSegment(key flow.Key, st *tcpFlowState, tcp *layers.TCP) error {
	seq := seqnum.Value(tcp.Seq)
	payload := tcp.LayerPayload()

	r.mu.Lock()
	inOrder := seq == st.recvNext
	delivered := st.window.Append(seq, payload)
	if len(delivered) > 0 {
		st.recvNext = st.window.RecvNext()
	}
	var sacks []seqnum.Range
	if st.sackPermitted {
		sacks = st.window.Filled()
	}
	recvNext := st.recvNext
	window := recvWindowValue(st.window, st.wscale)
	r.mu.Unlock()

	if !inOrder {
		r.log.WithField("flow", key.String()).WithField("seq", uint32(seq)).Debug("out-of-order segment")
	}

	if len(delivered) > 0 {
		select {
		case st.worker.Outbound <- delivered:
		case <-st.done:
			return nil
		}
		r.fwd.SetAcknowledgment(key, recvNext)
		if r.metrics != nil {
			r.metrics.BytesForwarded.WithLabelValues("in").Add(float64(len(delivered)))
			r.metrics.FlowBacklogBytes.Set(float64(r.fwd.FlowBacklog(key)))
		}
	}

	r.fwd.SetRecvWindow(key, window)
	return r.fwd.AckTCPWithSACK(key, sacks)
}

func (r *Redirector) handleFIN(key flow.Key, tcp *layers.TCP) error {
	r.mu.Lock()
	st, ok := r.tcp[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	seq := seqnum.Value(tcp.Seq)
	r.mu.Lock()
	cacheEmpty := st.window.IsEmpty()
	atRecvNext := seq == st.recvNext
	r.mu.Unlock()

	if !atRecvNext || !cacheEmpty {
		return r.fwd.AckTCP(key)
	}

	r.mu.Lock()
	st.recvNext = st.recvNext.Add(1)
	wasWriteClosed := st.writeClosed
	alreadyReadClosed := st.readClosed
	st.readClosed = true
	r.mu.Unlock()
	r.fwd.SetAcknowledgment(key, st.recvNext)

	if alreadyReadClosed {
		return r.fwd.AckTCP(key)
	}

	if err := r.fwd.AckTCP(key); err != nil {
		return err
	}

	close(st.worker.Outbound)
	if cw := st.worker.CloseWrite(); cw != nil {
		r.log.WithError(cw).Debug("half-close upstream")
	}

	if wasWriteClosed {
		r.mu.Lock()
		delete(r.tcp, key)
		close(st.done)
		r.mu.Unlock()
		st.worker.Close()
		r.fwd.CloseTCP(key)
		if r.metrics != nil {
			r.metrics.ActiveTCPFlows.Dec()
		}
	}
	return nil
}

// recvWindowValue converts a reassembly window's remaining capacity into
// the 16-bit value to advertise on the wire, shifted by wscale and
// truncated the same way the original's `(cache.remaining_size() << wscale)
// as u16` truncates: an over-full window (remaining < 0) clamps to zero
// rather than wrapping negative.
func recvWindowValue(w *reassembly.Window, wscale uint8) uint16 {
	remaining := w.RemainingSize()
	if remaining < 0 {
		remaining = 0
	}
	return uint16(uint32(remaining) << wscale)
}

// parseSYNOptions extracts MSS, window scale and SACK-permitted from a
// SYN's TCP options, mirroring the original's SYN option negotiation.
func parseSYNOptions(opts []layers.TCPOption) (mss uint16, wscale uint8, sackPermitted bool) {
	for _, o := range opts {
		switch o.OptionType {
		case layers.TCPOptionKindMSS:
			if len(o.OptionData) == 2 {
				mss = uint16(o.OptionData[0])<<8 | uint16(o.OptionData[1])
			}
		case layers.TCPOptionKindWindowScale:
			if len(o.OptionData) == 1 {
				wscale = o.OptionData[0]
			}
		case layers.TCPOptionKindSACKPermitted:
			sackPermitted = true
		}
	}
	return
}

// parseSACKOption extracts the SACK blocks from an ACK's TCP options.
func parseSACKOption(opts []layers.TCPOption) []seqnum.Range {
	var out []seqnum.Range
	for _, o := range opts {
		if o.OptionType != layers.TCPOptionKindSACK {
			continue
		}
		data := o.OptionData
		for len(data) >= 8 {
			begin := seqnum.Value(uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3]))
			end := seqnum.Value(uint32(data[4])<<24 | uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7]))
			out = append(out, seqnum.Range{Begin: begin, End: end})
			data = data[8:]
		}
	}
	return out
}

func (r *Redirector) handleUDPPayload(ip *layers.IPv4, payload []byte) error {
	if len(payload) < 8 {
		return nil
	}
	srcPort := uint16(payload[0])<<8 | uint16(payload[1])
	dstPort := uint16(payload[2])<<8 | uint16(payload[3])
	data := payload[8:]

	dst, ok := netip.AddrFromSlice(ip.DstIP)
	if !ok {
		return nil
	}
	dstAddr := netip.AddrPortFrom(dst.Unmap(), dstPort)

	r.mu.Lock()
	binding, _, created := r.nat.GetOrBind(srcPort, func(idx int) *udpFlow {
		worker, err := r.dialDatagram(r.cfg.SOCKS)
		if err != nil {
			r.log.WithError(err).Warn("socks udp associate failed")
			if r.metrics != nil {
				r.metrics.SOCKSConnectFail.Inc()
			}
			return &udpFlow{}
		}
		return &udpFlow{worker: worker, srcPort: srcPort, localIdx: idx}
	})
	r.mu.Unlock()

	if binding.Value == nil || binding.Value.worker == nil {
		return fmt.Errorf("redirector: udp nat bind failed for port %d", srcPort)
	}
	if created {
		if r.metrics != nil {
			r.metrics.ActiveUDPFlows.Set(float64(r.nat.Len()))
		}
		go r.pumpUpstreamUDP(srcPort, netip.AddrPortFrom(r.clientIP, srcPort), binding.Value)
	}
	if binding.Value.srcPort != srcPort {
		binding.Value.srcPort = srcPort
	}

	udpAddr := &net.UDPAddr{IP: net.IP(dstAddr.Addr().AsSlice()), Port: int(dstAddr.Port())}
	return binding.Value.worker.SendTo(udpAddr, data)
}

func (r *Redirector) pumpUpstreamUDP(srcPort uint16, client netip.AddrPort, uf *udpFlow) {
	for dgram := range uf.worker.Inbound {
		udpAddr, ok := dgram.Addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		addr, _ := netip.AddrFromSlice(udpAddr.IP)
		from := netip.AddrPortFrom(addr.Unmap(), uint16(udpAddr.Port))
		if err := r.fwd.SendUDP(from, client, dgram.Payload); err != nil {
			r.log.WithError(err).Debug("send udp")
		}
	}
}
