package main

import (
	"fmt"
	"github.com/neo-hu/ping-mux/pkg/icmp"
	"gopkg.in/yaml.v3"
	"net/netip"
	"os"
	"strings"
	"time"
)

// Config is everything the command can be told, from flags or from a YAML
// file. Flags given on the command line win over the file.
type Config struct {
	Targets        []string      `yaml:"targets"`
	Count          int           `yaml:"count"` // 0 pings until interrupted
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	Size           int           `yaml:"size"`
	TTL            int           `yaml:"ttl"`
	Interface      string        `yaml:"interface"`
	Source         string        `yaml:"source"`
	IPv6           bool          `yaml:"ipv6"`
	Raw            bool          `yaml:"raw"`
	VerifyChecksum bool          `yaml:"verify_checksum"`
	Nameserver     string        `yaml:"nameserver"`
	Rate           float64       `yaml:"rate"` // requests per second over all targets, 0 for no limit
	MetricsAddr    string        `yaml:"metrics_addr"`
	LogLevel       string        `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		Count:    5,
		Interval: icmp.DefaultInterval,
		Timeout:  time.Second,
		Size:     icmp.DefaultDataSize,
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []string
	if len(c.Targets) == 0 {
		errs = append(errs, "no target given")
	}
	if c.Count < 0 {
		errs = append(errs, fmt.Sprintf("count must not be negative: %d", c.Count))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("interval must be positive: %s", c.Interval))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("timeout must be positive: %s", c.Timeout))
	}
	if c.Size < 0 || c.Size > 65507 {
		errs = append(errs, fmt.Sprintf("invalid size: %d", c.Size))
	}
	if c.TTL < 0 || c.TTL > 255 {
		errs = append(errs, fmt.Sprintf("invalid ttl: %d", c.TTL))
	}
	if c.Rate < 0 {
		errs = append(errs, fmt.Sprintf("rate must not be negative: %v", c.Rate))
	}
	if c.Source != "" {
		if _, err := netip.ParseAddr(c.Source); err != nil {
			errs = append(errs, fmt.Sprintf("invalid source: %v", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) Mode() icmp.Mode {
	if c.IPv6 {
		return icmp.IPV6Address
	}
	return icmp.IPV4Address
}
