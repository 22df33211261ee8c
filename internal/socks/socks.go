// Package socks is the bridge between a redirected flow and the upstream
// SOCKS5 proxy: a StreamWorker carries one TCP flow over a CONNECT tunnel,
// a DatagramWorker carries UDP traffic over one UDP ASSOCIATE session. Both
// sit behind a small interface so the redirector/forwarder packages never
// see the proxy protocol directly.
//
// It implements spec.md §4.5 and is grounded on
// github.com/txthinking/socks5 (the client half of the library the pack's
// own `hanselime-paqet` and `Lanius-collaris-firestack` manifests depend
// on), wrapped in the same worker-goroutine-plus-channel shape
// `coolheart77-netstack` uses for its per-connection main loop
// (tcpip/transport/tcp/connect.go's protocolMainLoop), replacing that
// file's runtime-internal sleep.Waker with plain channels.
package socks

import (
	"fmt"
	"net"
	"time"

	"github.com/txthinking/socks5"
)

// Config describes how to reach the upstream SOCKS5 proxy.
type Config struct {
	Address    string
	Username   string
	Password   string
	TCPTimeout time.Duration
	UDPTimeout time.Duration
}

func (c Config) client() *socks5.Client {
	return socks5.NewClient(c.Address, c.Username, c.Password, int(c.TCPTimeout/time.Second), int(c.UDPTimeout/time.Second))
}

// StreamWorker owns one TCP flow's SOCKS5 CONNECT tunnel. Bytes written to
// Outbound are sent upstream; bytes arriving from upstream are delivered on
// Inbound until the peer closes or an error occurs, reported on Err.
type StreamWorker struct {
	Outbound chan []byte
	Inbound  chan []byte
	Err      chan error

	conn net.Conn
	done chan struct{}
}

// DialStream opens a SOCKS5 CONNECT tunnel to target and starts the
// worker's read loop.
func DialStream(cfg Config, target string) (*StreamWorker, error) {
	conn, err := cfg.client().Dial("tcp", target)
	if err != nil {
		return nil, fmt.Errorf("socks5 connect %s: %w", target, err)
	}
	return newStreamWorker(conn), nil
}

// NewStreamWorker wraps an already-established connection as a StreamWorker,
// starting its read/write loops. DialStream is the normal entry point; this
// is exported for callers (and tests) that already hold a net.Conn — e.g. a
// net.Pipe() half standing in for a real SOCKS5 tunnel.
func NewStreamWorker(conn net.Conn) *StreamWorker {
	return newStreamWorker(conn)
}

func newStreamWorker(conn net.Conn) *StreamWorker {
	w := &StreamWorker{
		Outbound: make(chan []byte, 64),
		Inbound:  make(chan []byte, 64),
		Err:      make(chan error, 1),
		conn:     conn,
		done:     make(chan struct{}),
	}
	go w.writeLoop()
	go w.readLoop()
	return w
}

func (w *StreamWorker) writeLoop() {
	for {
		select {
		case b, ok := <-w.Outbound:
			if !ok {
				return
			}
			if _, err := w.conn.Write(b); err != nil {
				w.fail(err)
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *StreamWorker) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := w.conn.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case w.Inbound <- b:
			case <-w.done:
				return
			}
		}
		if err != nil {
			w.fail(err)
			return
		}
	}
}

func (w *StreamWorker) fail(err error) {
	select {
	case w.Err <- err:
	default:
	}
	w.Close()
}

// CloseWrite performs a half-close on the upstream side, mirroring a FIN
// received from the redirected client without tearing down the worker.
// If the connection has no CloseWrite method, it does nothing and returns
// nil: no half-close reaches the proxy.
func (w *StreamWorker) CloseWrite() error {
	if cw, ok := w.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close tears the worker down: the upstream connection is closed and both
// goroutines exit.
func (w *StreamWorker) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.conn.Close()
}

// DatagramWorker owns one UDP ASSOCIATE session, translating between raw
// payload bytes addressed to arbitrary destinations and the SOCKS5 UDP
// relay's own framing.
type DatagramWorker struct {
	Inbound chan Datagram
	Err     chan error

	conn net.Conn
	done chan struct{}
}

// Datagram is one UDP payload plus the peer address it came from or is
// addressed to.
type Datagram struct {
	Addr    netAddr
	Payload []byte
}

type netAddr = net.Addr

// DialDatagram opens a SOCKS5 UDP ASSOCIATE session and starts the
// worker's read loop. The txthinking client's "udp" Dial already frames
// and strips the SOCKS5 UDP request header per datagram, so callers here
// only ever see plain payload bytes.
func DialDatagram(cfg Config) (*DatagramWorker, error) {
	conn, err := cfg.client().Dial("udp", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("socks5 udp associate: %w", err)
	}
	return NewDatagramWorker(conn), nil
}

// NewDatagramWorker wraps an already-established connection as a
// DatagramWorker, starting its read loop. Exported for the same reason as
// NewStreamWorker: tests stand in a net.Pipe() half for the SOCKS5 session.
func NewDatagramWorker(conn net.Conn) *DatagramWorker {
	w := &DatagramWorker{
		Inbound: make(chan Datagram, 64),
		Err:     make(chan error, 1),
		conn:    conn,
		done:    make(chan struct{}),
	}
	go w.readLoop()
	return w
}

// SendTo relays payload to dst through the association. If the connection
// is not a net.PacketConn, payload is written to it as-is and dst is not
// used.
func (w *DatagramWorker) SendTo(dst *net.UDPAddr, payload []byte) error {
	pc, ok := w.conn.(net.PacketConn)
	if !ok {
		_, err := w.conn.Write(payload)
		return err
	}
	_, err := pc.WriteTo(payload, dst)
	return err
}

func (w *DatagramWorker) readLoop() {
	buf := make([]byte, 64*1024)
	pc, isPacketConn := w.conn.(net.PacketConn)
	for {
		var n int
		var addr net.Addr
		var err error
		if isPacketConn {
			n, addr, err = pc.ReadFrom(buf)
		} else {
			n, err = w.conn.Read(buf)
		}
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case w.Inbound <- Datagram{Addr: addr, Payload: b}:
			case <-w.done:
				return
			}
		}
		if err != nil {
			select {
			case w.Err <- err:
			default:
			}
			return
		}
	}
}

// Close tears the association down.
func (w *DatagramWorker) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.conn.Close()
}
