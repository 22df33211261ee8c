// Package config loads pcapsocksd's runtime configuration from a YAML file,
// environment variables, and flags, in that order of increasing precedence.
// It is grounded on sbkg0002-ssm-proxy's use of github.com/spf13/viper for
// an almost identical "one proxy process, one config file" surface.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is everything pcapsocksd needs to impersonate a gateway on one
// interface and redirect its client's traffic through one SOCKS5 proxy.
type Config struct {
	// Interface names the NIC to capture on; empty auto-selects one (see
	// internal/link.AutoSelectInterface).
	Interface string `mapstructure:"interface"`
	SnapLen   int32  `mapstructure:"snap_len"`
	Promisc   bool   `mapstructure:"promisc"`

	// ClientIP is the redirected host's IPv4 address; GatewayIP is the
	// address pcapsocksd impersonates toward it.
	ClientIP  string `mapstructure:"client_ip"`
	GatewayIP string `mapstructure:"gateway_ip"`

	// GatewayMAC overrides the hardware address pcapsocksd answers ARP
	// with; empty uses the capture interface's own address.
	GatewayMAC string `mapstructure:"gateway_mac"`

	SOCKSRemote   string `mapstructure:"socks_remote"`
	SOCKSUsername string `mapstructure:"socks_username"`
	SOCKSPassword string `mapstructure:"socks_password"`

	TCPTimeout time.Duration `mapstructure:"tcp_timeout"`
	UDPTimeout time.Duration `mapstructure:"udp_timeout"`

	EnableWindowScale bool `mapstructure:"enable_wscale"`
	EnableSACK        bool `mapstructure:"enable_sack"`

	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Defaults mirror spec.md §6's tunable constants and SPEC_FULL.md §10's
// ambient-stack defaults.
func Defaults() Config {
	return Config{
		SnapLen:           65535,
		Promisc:           true,
		TCPTimeout:        10 * time.Second,
		UDPTimeout:        10 * time.Second,
		EnableWindowScale: true,
		EnableSACK:        true,
		LogLevel:          "info",
		MetricsAddr:       ":9644",
	}
}

// Load reads configuration from path (if non-empty and present), overlaying
// environment variables prefixed PCAPSOCKS_ (e.g. PCAPSOCKS_SOCKS_REMOTE),
// on top of Defaults().
func Load(path string) (*Config, error) {
	v := viper.New()
	def := Defaults()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("pcapsocks")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("interface", def.Interface)
	v.SetDefault("snap_len", def.SnapLen)
	v.SetDefault("promisc", def.Promisc)
	v.SetDefault("client_ip", def.ClientIP)
	v.SetDefault("gateway_ip", def.GatewayIP)
	v.SetDefault("gateway_mac", def.GatewayMAC)
	v.SetDefault("socks_remote", def.SOCKSRemote)
	v.SetDefault("socks_username", def.SOCKSUsername)
	v.SetDefault("socks_password", def.SOCKSPassword)
	v.SetDefault("tcp_timeout", def.TCPTimeout)
	v.SetDefault("udp_timeout", def.UDPTimeout)
	v.SetDefault("enable_wscale", def.EnableWindowScale)
	v.SetDefault("enable_sack", def.EnableSACK)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("metrics_addr", def.MetricsAddr)
}
