// Package link is the thin boundary between the redirector/forwarder pair
// and the network interface: opening a live capture, auto-selecting the
// interface to use when none is configured, and handing raw frames in both
// directions.
//
// It implements spec.md §4.8/§7 and is grounded on
// `_examples/other_examples/...hanselime-paqet__internal-socket-send_handle.go`'s
// pcap.Handle setup (direction filtering, BPF-free raw capture) using
// github.com/gopacket/gopacket/pcap, the fork of the library the pack's own
// packet-handling repos (paqet, mel2oo-go-pcap) depend on.
package link

import (
	"fmt"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcap"
	"github.com/sirupsen/logrus"
)

// Config describes which interface to capture on and how.
type Config struct {
	// Interface names the NIC to bind to. Empty selects the first non-
	// loopback interface with at least one IPv4 address, per SPEC_FULL.md
	// §10.2's interface auto-selection supplement.
	Interface  string
	SnapLen    int32
	Promisc    bool
	ReadBuffer int // bytes, 0 uses the pcap default
}

// DefaultSnapLen covers the largest frame the forwarder ever emits (an MTU-
// sized segment plus Ethernet/IPv4/TCP headers).
const DefaultSnapLen = 65535

// Link wraps one live pcap capture/injection handle.
type Link struct {
	handle *pcap.Handle
	iface  string
	log    logrus.FieldLogger
}

// Open starts a live capture on cfg.Interface (or the auto-selected
// interface if empty).
func Open(cfg Config, log logrus.FieldLogger) (*Link, error) {
	iface := cfg.Interface
	if iface == "" {
		selected, err := AutoSelectInterface()
		if err != nil {
			return nil, fmt.Errorf("auto-selecting interface: %w", err)
		}
		iface = selected
	}

	snap := cfg.SnapLen
	if snap == 0 {
		snap = DefaultSnapLen
	}

	inactive, err := pcap.NewInactiveHandle(iface)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", iface, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(int(snap)); err != nil {
		return nil, fmt.Errorf("set snaplen: %w", err)
	}
	if err := inactive.SetPromisc(cfg.Promisc); err != nil {
		return nil, fmt.Errorf("set promisc: %w", err)
	}
	if err := inactive.SetTimeout(time.Second); err != nil {
		return nil, fmt.Errorf("set timeout: %w", err)
	}
	if cfg.ReadBuffer > 0 {
		_ = inactive.SetBufferSize(cfg.ReadBuffer)
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("activating %s: %w", iface, err)
	}

	return &Link{handle: handle, iface: iface, log: log.WithField("iface", iface)}, nil
}

// Interface returns the name of the interface in use.
func (l *Link) Interface() string { return l.iface }

// ReadFrame blocks for the next captured Ethernet frame.
func (l *Link) ReadFrame() ([]byte, error) {
	data, _, err := l.handle.ReadPacketData()
	return data, err
}

// WriteFrame injects a fully-framed Ethernet frame.
func (l *Link) WriteFrame(b []byte) error {
	return l.handle.WritePacketData(b)
}

// Close releases the capture handle.
func (l *Link) Close() { l.handle.Close() }

// AutoSelectInterface returns the first non-loopback, IPv4-bearing
// interface pcap can see — the supplement described in SPEC_FULL.md
// §10.2 for when no interface is configured explicitly. It does not check
// whether the interface is up.
func AutoSelectInterface() (string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", fmt.Errorf("listing interfaces: %w", err)
	}
	for _, d := range devs {
		if d.Flags&pcap.PCAP_IF_LOOPBACK != 0 {
			continue
		}
		for _, addr := range d.Addresses {
			if addr.IP.To4() != nil {
				return d.Name, nil
			}
		}
	}
	return "", fmt.Errorf("no suitable interface found")
}

// SerializeOpts are gopacket serialize options for synthesized frames:
// checksums are always recomputed and lengths are fixed up. They match the
// options the forwarder builds for itself; the forwarder does not read this
// variable.
var SerializeOpts = gopacket.SerializeOptions{
	ComputeChecksums: true,
	FixLengths:       true,
}
