package forwarder

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/pcapsocks/pcapsocks/internal/flow"
	"github.com/pcapsocks/pcapsocks/internal/seqnum"
)

type recordingWriter struct {
	frames [][]byte
}

func (r *recordingWriter) WriteFrame(b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	r.frames = append(r.frames, cp)
	return nil
}

func newTestForwarder() (*Forwarder, *recordingWriter) {
	w := &recordingWriter{}
	cfg := Config{
		MTU:                 1500,
		ClientHardwareAddr:  net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		ClientIP:            netip.MustParseAddr("192.168.1.50"),
		GatewayHardwareAddr: net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		GatewayIP:           netip.MustParseAddr("192.168.1.1"),
	}
	return New(cfg, w, logrus.StandardLogger()), w
}

func testKey() flow.Key {
	return flow.New(40000, netip.MustParseAddr("93.184.216.34"), 443)
}

func decodeTCP(t *testing.T, frame []byte) *layers.TCP {
	t.Helper()
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		t.Fatalf("frame has no TCP layer: %v", pkt)
	}
	return tcpLayer.(*layers.TCP)
}

func TestOpenTCPEmitsSynAck(t *testing.T) {
	f, w := newTestForwarder()
	key := testKey()

	if err := f.OpenTCP(key, seqnum.Value(5000), seqnum.Value(9000), OpenTCPOptions{PeerWindow: 65535, MSS: 1460}); err != nil {
		t.Fatalf("OpenTCP() error = %v", err)
	}
	if len(w.frames) != 1 {
		t.Fatalf("frames emitted = %d, want 1", len(w.frames))
	}
	tcp := decodeTCP(t, w.frames[0])
	if !tcp.SYN || !tcp.ACK {
		t.Errorf("SYN-ACK flags = SYN:%v ACK:%v, want both set", tcp.SYN, tcp.ACK)
	}
	if tcp.Seq != 5000 || tcp.Ack != 9001 {
		t.Errorf("Seq/Ack = %d/%d, want 5000/9001", tcp.Seq, tcp.Ack)
	}
}

func TestOpenTCPNegotiatesSynOptions(t *testing.T) {
	f, w := newTestForwarder()
	key := testKey()

	opts := OpenTCPOptions{PeerWindow: 65535, MSS: 1000, WindowScale: 7, SACKPermitted: true, RecvWindow: 64000}
	if err := f.OpenTCP(key, seqnum.Value(5000), seqnum.Value(9000), opts); err != nil {
		t.Fatalf("OpenTCP() error = %v", err)
	}

	tcp := decodeTCP(t, w.frames[0])
	if tcp.Window != 64000 {
		t.Errorf("Window = %d, want 64000 (RecvWindow echoed on the SYN-ACK)", tcp.Window)
	}

	var gotMSS uint16
	var gotWscale uint8
	var gotSackPerm bool
	for _, o := range tcp.Options {
		switch o.OptionType {
		case layers.TCPOptionKindMSS:
			gotMSS = uint16(o.OptionData[0])<<8 | uint16(o.OptionData[1])
		case layers.TCPOptionKindWindowScale:
			gotWscale = o.OptionData[0]
		case layers.TCPOptionKindSACKPermitted:
			gotSackPerm = true
		}
	}
	mtuMSS := uint16(1500 - 40)
	if gotMSS == 0 || gotMSS > mtuMSS {
		t.Errorf("MSS option = %d, want a nonzero value bounded by the MTU (%d)", gotMSS, mtuMSS)
	}
	if gotWscale != 7 {
		t.Errorf("WindowScale option = %d, want 7", gotWscale)
	}
	if !gotSackPerm {
		t.Error("SACK-permitted option not present")
	}
}

func TestSendTCPAckSegmentsByMSS(t *testing.T) {
	f, w := newTestForwarder()
	key := testKey()
	f.OpenTCP(key, seqnum.Value(0), seqnum.Value(0), OpenTCPOptions{PeerWindow: 65535, MSS: 4})

	if err := f.AppendToQueue(key, []byte("0123456789")); err != nil {
		t.Fatalf("AppendToQueue() error = %v", err)
	}
	if err := f.SendTCPAck(key, time.Now()); err != nil {
		t.Fatalf("SendTCPAck() error = %v", err)
	}

	// First frame is the SYN-ACK from OpenTCP; the rest are data segments.
	if len(w.frames) != 1+3 {
		t.Fatalf("frames emitted = %d, want 4 (1 syn-ack + 3 data segments of size 4/4/2)", len(w.frames))
	}
	first := decodeTCP(t, w.frames[1])
	if first.Seq != 1 {
		t.Errorf("first data segment Seq = %d, want 1 (after the SYN's implicit +1)", first.Seq)
	}
}

func TestMarkFinishEmitsFinOnceDrained(t *testing.T) {
	f, w := newTestForwarder()
	key := testKey()
	f.OpenTCP(key, seqnum.Value(0), seqnum.Value(0), OpenTCPOptions{PeerWindow: 65535, MSS: 1460})

	if err := f.MarkFinish(key, time.Now()); err != nil {
		t.Fatalf("MarkFinish() error = %v", err)
	}
	if len(w.frames) != 2 {
		t.Fatalf("frames emitted = %d, want 2 (syn-ack + fin)", len(w.frames))
	}
	fin := decodeTCP(t, w.frames[1])
	if !fin.FIN {
		t.Errorf("expected FIN flag set")
	}

	// A second call must not resend the FIN.
	if err := f.MarkFinish(key, time.Now()); err != nil {
		t.Fatalf("second MarkFinish() error = %v", err)
	}
	if len(w.frames) != 2 {
		t.Errorf("frames emitted after duplicate MarkFinish = %d, want still 2", len(w.frames))
	}
}

func TestSendUDPFragmentsAndAligns(t *testing.T) {
	f, w := newTestForwarder()
	f.cfg.MTU = 20 + 8 + 16 // force small fragments to exercise the path

	src := netip.AddrPortFrom(netip.MustParseAddr("93.184.216.34"), 53)
	dst := netip.AddrPortFrom(netip.MustParseAddr("192.168.1.50"), 40000)
	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}

	if err := f.SendUDP(src, dst, payload); err != nil {
		t.Fatalf("SendUDP() error = %v", err)
	}
	if len(w.frames) < 2 {
		t.Fatalf("expected multiple fragments, got %d frames", len(w.frames))
	}

	for i, frame := range w.frames {
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
		ipLayer := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if i < len(w.frames)-1 {
			if ipLayer.Flags&layers.MoreFragments == 0 {
				t.Errorf("fragment %d missing MoreFragments flag", i)
			}
		} else if ipLayer.Flags&layers.MoreFragments != 0 {
			t.Errorf("final fragment %d still has MoreFragments set", i)
		}
		if i < len(w.frames)-1 && len(ipLayer.Payload)%8 != 0 {
			t.Errorf("fragment %d carries %d bytes, not a multiple of 8", i, len(ipLayer.Payload))
		}
	}
}
