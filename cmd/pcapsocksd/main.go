// Command pcapsocksd impersonates a LAN's default gateway, captures its
// client's raw TCP/UDP traffic, and redirects it through an upstream SOCKS5
// proxy. It wires internal/link, internal/forwarder, internal/redirector,
// internal/socks, internal/config, internal/logging and internal/metrics
// into one process, grounded on hanselime-paqet and sbkg0002-ssm-proxy's use
// of github.com/spf13/cobra for an almost identical CLI surface.
package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/gopacket/gopacket/pcap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pcapsocks/pcapsocks/internal/config"
	"github.com/pcapsocks/pcapsocks/internal/forwarder"
	"github.com/pcapsocks/pcapsocks/internal/link"
	"github.com/pcapsocks/pcapsocks/internal/logging"
	"github.com/pcapsocks/pcapsocks/internal/metrics"
	"github.com/pcapsocks/pcapsocks/internal/redirector"
	"github.com/pcapsocks/pcapsocks/internal/socks"
)

// timedOutWait is spec.md §6's TIMEDOUT_WAIT: how long the capture loop
// sleeps after a read timeout before retrying.
const timedOutWait = 20 * time.Millisecond

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	flagOverrides := config.Defaults()

	cmd := &cobra.Command{
		Use:   "pcapsocksd",
		Short: "Redirect a LAN client's TCP/UDP traffic through a SOCKS5 proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			applyFlagOverrides(cfg, cmd, flagOverrides)
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&flagOverrides.Interface, "iface", "", "capture interface (auto-selected if empty)")
	cmd.Flags().StringVar(&flagOverrides.ClientIP, "client-ip", "", "redirected client's IPv4 address")
	cmd.Flags().StringVar(&flagOverrides.GatewayIP, "gateway-ip", "", "gateway IPv4 address to impersonate")
	cmd.Flags().StringVar(&flagOverrides.SOCKSRemote, "remote", "", "upstream SOCKS5 proxy address (host:port)")
	cmd.Flags().StringVar(&flagOverrides.LogLevel, "log-level", flagOverrides.LogLevel, "log level (trace|debug|info|warn|error)")
	cmd.Flags().StringVar(&flagOverrides.MetricsAddr, "metrics-addr", flagOverrides.MetricsAddr, "address to serve Prometheus metrics on")

	return cmd
}

// applyFlagOverrides copies any flag the user actually set on top of the
// config file/env-derived values, so flags always win.
func applyFlagOverrides(cfg *config.Config, cmd *cobra.Command, flags config.Config) {
	if cmd.Flags().Changed("iface") {
		cfg.Interface = flags.Interface
	}
	if cmd.Flags().Changed("client-ip") {
		cfg.ClientIP = flags.ClientIP
	}
	if cmd.Flags().Changed("gateway-ip") {
		cfg.GatewayIP = flags.GatewayIP
	}
	if cmd.Flags().Changed("remote") {
		cfg.SOCKSRemote = flags.SOCKSRemote
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = flags.MetricsAddr
	}
}

func run(cfg *config.Config) error {
	log := logging.New(cfg.LogLevel)

	clientIP, err := netip.ParseAddr(cfg.ClientIP)
	if err != nil {
		return fmt.Errorf("parsing client-ip %q: %w", cfg.ClientIP, err)
	}
	gatewayIP, err := netip.ParseAddr(cfg.GatewayIP)
	if err != nil {
		return fmt.Errorf("parsing gateway-ip %q: %w", cfg.GatewayIP, err)
	}
	if cfg.SOCKSRemote == "" {
		return errors.New("socks remote address is required (--remote or socks_remote)")
	}

	l, err := link.Open(link.Config{
		Interface: cfg.Interface,
		SnapLen:   cfg.SnapLen,
		Promisc:   cfg.Promisc,
	}, log)
	if err != nil {
		return fmt.Errorf("opening capture: %w", err)
	}
	defer l.Close()
	log.WithField("iface", l.Interface()).Info("capture started")

	gatewayMAC, err := gatewayHardwareAddr(cfg, l.Interface())
	if err != nil {
		return err
	}

	m, reg := metrics.New()
	go serveMetrics(cfg.MetricsAddr, reg, log)

	fwd := forwarder.New(forwarder.Config{
		MTU:                 int(link.DefaultSnapLen),
		ClientHardwareAddr:  nil, // learned from the first observed frame/ARP request
		ClientIP:            clientIP,
		GatewayHardwareAddr: gatewayMAC,
		GatewayIP:           gatewayIP,
	}, l, log)
	fwd.SetMetrics(m)

	red := redirector.New(redirector.Config{
		EnableWindowScale: cfg.EnableWindowScale,
		EnableSACK:        cfg.EnableSACK,
		SOCKS: socks.Config{
			Address:    cfg.SOCKSRemote,
			Username:   cfg.SOCKSUsername,
			Password:   cfg.SOCKSPassword,
			TCPTimeout: cfg.TCPTimeout,
			UDPTimeout: cfg.UDPTimeout,
		},
	}, fwd, clientIP, gatewayIP, log)
	red.SetMetrics(m)

	return captureLoop(l, red, log)
}

// captureLoop blocks on l.ReadFrame, dispatching each frame to red and
// sleeping timedOutWait on a capture timeout, per spec.md §7's "capture
// timeout" error kind. A fatal capture error propagates out and terminates
// the process, per spec.md §7's "capture fatal" kind.
func captureLoop(l *link.Link, red *redirector.Redirector, log logrus.FieldLogger) error {
	for {
		data, err := l.ReadFrame()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				time.Sleep(timedOutWait)
				continue
			}
			return fmt.Errorf("capture: %w", err)
		}
		if err := red.HandleFrame(data); err != nil {
			log.WithError(err).Warn("handling frame")
		}
	}
}

// gatewayHardwareAddr resolves the hardware address pcapsocksd answers ARP
// with: an explicit override, or the capture interface's own address.
func gatewayHardwareAddr(cfg *config.Config, iface string) (net.HardwareAddr, error) {
	if cfg.GatewayMAC != "" {
		return net.ParseMAC(cfg.GatewayMAC)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("resolving hardware address of %s: %w", iface, err)
	}
	return ifi.HardwareAddr, nil
}

// serveMetrics serves reg's Prometheus metrics on addr until the process
// exits; a bind failure is logged but does not stop packet redirection.
func serveMetrics(addr string, reg *prometheus.Registry, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics server stopped")
	}
}
