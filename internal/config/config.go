// Package config loads the agvlink runtime configuration. Files may be YAML
// or JSON; fields omitted from a file keep their defaults, so partial
// configs are safe. Command-line flags are applied on top by the caller.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/agvlink/internal/agv/discovery"
	"github.com/banshee-data/agvlink/internal/agv/link"
	"github.com/banshee-data/agvlink/internal/agv/monitor"
	"github.com/banshee-data/agvlink/internal/monitoring"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Stream decoders selectable for the telemetry link.
const (
	StreamWire    = "wire"
	StreamRPLidar = "rplidar"
)

// Discovery modes.
const (
	DiscoveryBeacon = "beacon"
	DiscoveryMDNS   = "mdns"
)

// Config is the root configuration.
type Config struct {
	// Listen is the dashboard and API address.
	Listen string `yaml:"listen" json:"listen"`
	// GRPCListen enables the telemetry gRPC service when non-empty.
	GRPCListen     string `yaml:"grpc_listen" json:"grpc_listen"`
	GRPCMaxClients int    `yaml:"grpc_max_clients" json:"grpc_max_clients"`
	// Synthetic serves generated telemetry over gRPC instead of the link.
	Synthetic bool `yaml:"synthetic" json:"synthetic"`
	// DB is the capture database path. Empty disables capture.
	DB string `yaml:"db" json:"db"`

	Discovery DiscoveryConfig      `yaml:"discovery" json:"discovery"`
	Link      LinkConfig           `yaml:"link" json:"link"`
	Serial    link.PortOptions     `yaml:"serial" json:"serial"`
	Monitor   MonitorConfig        `yaml:"monitor" json:"monitor"`
	Log       monitoring.LogConfig `yaml:"log" json:"log"`
}

// DiscoveryConfig selects how vehicles are found.
type DiscoveryConfig struct {
	Mode    string `yaml:"mode" json:"mode"`
	Port    int    `yaml:"port" json:"port"`
	Prefix  string `yaml:"prefix" json:"prefix"`
	Timeout string `yaml:"timeout" json:"timeout"` // duration string like "2500ms"
	Service string `yaml:"service" json:"service"`
	Domain  string `yaml:"domain" json:"domain"`
}

// LinkConfig tunes both vehicle sessions.
type LinkConfig struct {
	Stream         string `yaml:"stream" json:"stream"`
	ConnectTimeout string `yaml:"connect_timeout" json:"connect_timeout"`
	WriteTimeout   string `yaml:"write_timeout" json:"write_timeout"`
	StaleAfter     string `yaml:"stale_after" json:"stale_after"`
	StatsInterval  string `yaml:"stats_interval" json:"stats_interval"`
	ReadBufferSize int    `yaml:"read_buffer_size" json:"read_buffer_size"`
}

// MonitorConfig sizes the dashboard's history.
type MonitorConfig struct {
	Capacity int     `yaml:"capacity" json:"capacity"`
	LiveRate float64 `yaml:"live_rate" json:"live_rate"`
}

// Default returns a fully populated configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Load reads path, applies defaults and validates the result. The format is
// chosen by extension: .yaml, .yml or .json.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return nil, fmt.Errorf("config file must have .yaml, .yml or .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.GRPCMaxClients <= 0 {
		c.GRPCMaxClients = 5
	}
	if c.Discovery.Mode == "" {
		c.Discovery.Mode = DiscoveryBeacon
	}
	if c.Discovery.Port == 0 {
		c.Discovery.Port = discovery.DefaultBeaconPort
	}
	if c.Discovery.Prefix == "" {
		c.Discovery.Prefix = discovery.DefaultPrefix
	}
	if c.Discovery.Service == "" {
		c.Discovery.Service = discovery.DefaultMDNSService
	}
	if c.Discovery.Domain == "" {
		c.Discovery.Domain = discovery.DefaultMDNSDomain
	}
	if c.Link.Stream == "" {
		c.Link.Stream = StreamWire
	}
	if c.Link.ReadBufferSize <= 0 {
		c.Link.ReadBufferSize = link.DefaultReadBufferSize
	}
	if c.Monitor.Capacity <= 0 {
		c.Monitor.Capacity = monitor.DefaultCapacity
	}
	if c.Monitor.LiveRate <= 0 {
		c.Monitor.LiveRate = monitor.DefaultLiveRate
	}
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	switch c.Discovery.Mode {
	case DiscoveryBeacon, DiscoveryMDNS:
	default:
		return fmt.Errorf("discovery.mode must be %q or %q, got %q", DiscoveryBeacon, DiscoveryMDNS, c.Discovery.Mode)
	}
	if c.Discovery.Port < 0 || c.Discovery.Port > 65535 {
		return fmt.Errorf("discovery.port out of range: %d", c.Discovery.Port)
	}
	switch c.Link.Stream {
	case StreamWire, StreamRPLidar:
	default:
		return fmt.Errorf("link.stream must be %q or %q, got %q", StreamWire, StreamRPLidar, c.Link.Stream)
	}

	durations := map[string]string{
		"discovery.timeout":    c.Discovery.Timeout,
		"link.connect_timeout": c.Link.ConnectTimeout,
		"link.write_timeout":   c.Link.WriteTimeout,
		"link.stale_after":     c.Link.StaleAfter,
		"link.stats_interval":  c.Link.StatsInterval,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}

	if _, err := c.Serial.Normalize(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	if c.Monitor.Capacity > 1_000_000 {
		return fmt.Errorf("monitor.capacity too large: %d", c.Monitor.Capacity)
	}
	return nil
}

func parseOr(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetDiscoveryTimeout returns discovery.timeout or the default.
func (c *Config) GetDiscoveryTimeout() time.Duration {
	return parseOr(c.Discovery.Timeout, discovery.DefaultTimeout)
}

// GetConnectTimeout returns link.connect_timeout or the default.
func (c *Config) GetConnectTimeout() time.Duration {
	return parseOr(c.Link.ConnectTimeout, link.DefaultConnectTimeout)
}

// GetWriteTimeout returns link.write_timeout or the default.
func (c *Config) GetWriteTimeout() time.Duration {
	return parseOr(c.Link.WriteTimeout, link.DefaultWriteTimeout)
}

// GetStaleAfter returns link.stale_after or the default.
func (c *Config) GetStaleAfter() time.Duration {
	return parseOr(c.Link.StaleAfter, link.DefaultStaleAfter)
}

// GetStatsInterval returns link.stats_interval or one minute.
func (c *Config) GetStatsInterval() time.Duration {
	return parseOr(c.Link.StatsInterval, time.Minute)
}

// DiscoverySource builds the configured discovery backend.
func (c *Config) DiscoverySource() discovery.Source {
	if c.Discovery.Mode == DiscoveryMDNS {
		return &discovery.MDNSBrowser{Service: c.Discovery.Service, Domain: c.Discovery.Domain}
	}
	return discovery.New(discovery.Config{Port: c.Discovery.Port, Prefix: c.Discovery.Prefix})
}

// SessionConfig returns the link.Config shared by both sessions, minus the
// per-session name, dialer, decoder and sink.
func (c *Config) SessionConfig() link.Config {
	return link.Config{
		ConnectTimeout: c.GetConnectTimeout(),
		WriteTimeout:   c.GetWriteTimeout(),
		StaleAfter:     c.GetStaleAfter(),
		ReadBufferSize: c.Link.ReadBufferSize,
	}
}
