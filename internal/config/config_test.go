package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/agvlink/internal/agv/discovery"
	"github.com/banshee-data/agvlink/internal/agv/link"
	"github.com/banshee-data/agvlink/internal/monitoring"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	want := &Config{
		Listen:         ":8080",
		GRPCMaxClients: 5,
		Discovery: DiscoveryConfig{
			Mode:    DiscoveryBeacon,
			Port:    discovery.DefaultBeaconPort,
			Prefix:  discovery.DefaultPrefix,
			Service: discovery.DefaultMDNSService,
			Domain:  discovery.DefaultMDNSDomain,
		},
		Link:    LinkConfig{Stream: StreamWire, ReadBufferSize: link.DefaultReadBufferSize},
		Monitor: MonitorConfig{Capacity: 5000, LiveRate: 16},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Default() mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() does not validate: %v", err)
	}

	if got := cfg.GetConnectTimeout(); got != link.DefaultConnectTimeout {
		t.Errorf("GetConnectTimeout() = %v, want %v", got, link.DefaultConnectTimeout)
	}
	if got := cfg.GetDiscoveryTimeout(); got != discovery.DefaultTimeout {
		t.Errorf("GetDiscoveryTimeout() = %v, want %v", got, discovery.DefaultTimeout)
	}
	if got := cfg.GetStatsInterval(); got != time.Minute {
		t.Errorf("GetStatsInterval() = %v, want 1m", got)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "agvlink.yaml", `
listen: 127.0.0.1:9000
grpc_listen: localhost:50051
db: /var/lib/agvlink/capture.db
discovery:
  mode: mdns
  timeout: 4s
link:
  stream: rplidar
  connect_timeout: 500ms
  stale_after: 2s
serial:
  baud_rate: 256000
log:
  level: debug
  file: /var/log/agvlink/agvlink.log
  max_size_mb: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	want := Default()
	want.Listen = "127.0.0.1:9000"
	want.GRPCListen = "localhost:50051"
	want.DB = "/var/lib/agvlink/capture.db"
	want.Discovery.Mode = DiscoveryMDNS
	want.Discovery.Timeout = "4s"
	want.Link.Stream = StreamRPLidar
	want.Link.ConnectTimeout = "500ms"
	want.Link.StaleAfter = "2s"
	want.Serial = link.PortOptions{BaudRate: 256000}
	want.Log = monitoring.LogConfig{Level: "debug", File: "/var/log/agvlink/agvlink.log", MaxSizeMB: 10}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}

	sc := cfg.SessionConfig()
	if sc.ConnectTimeout != 500*time.Millisecond || sc.StaleAfter != 2*time.Second {
		t.Errorf("SessionConfig() = %+v", sc)
	}
	if sc.WriteTimeout != link.DefaultWriteTimeout {
		t.Errorf("SessionConfig().WriteTimeout = %v, want default", sc.WriteTimeout)
	}
	if _, ok := cfg.DiscoverySource().(*discovery.MDNSBrowser); !ok {
		t.Errorf("DiscoverySource() = %T, want *discovery.MDNSBrowser", cfg.DiscoverySource())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "agvlink.json", `{"listen": ":7000", "monitor": {"capacity": 100}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Listen != ":7000" || cfg.Monitor.Capacity != 100 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Monitor.LiveRate != 16 {
		t.Errorf("LiveRate = %v, want default 16", cfg.Monitor.LiveRate)
	}
	if _, ok := cfg.DiscoverySource().(*discovery.Discoverer); !ok {
		t.Errorf("DiscoverySource() = %T, want *discovery.Discoverer", cfg.DiscoverySource())
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "agvlink.toml", "listen = 1", "extension"},
		{"syntax", "bad.yaml", "listen: [", "failed to parse"},
		{"mode", "mode.yaml", "discovery: {mode: bluetooth}", "discovery.mode"},
		{"stream", "stream.yaml", "link: {stream: nmea}", "link.stream"},
		{"duration", "dur.yaml", "link: {write_timeout: soon}", "link.write_timeout"},
		{"negative duration", "neg.yaml", "link: {stale_after: -1s}", "must be positive"},
		{"serial", "serial.yaml", "serial: {parity: X}", "serial"},
		{"port", "port.json", `{"discovery": {"port": 70000}}`, "discovery.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_TooLarge(t *testing.T) {
	body := "listen: \":8080\"\n" + strings.Repeat("# padding\n", maxFileSize/10+1)
	_, err := Load(writeConfig(t, "big.yaml", body))
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestGetters_FallBackOnParseError(t *testing.T) {
	cfg := Default()
	cfg.Link.WriteTimeout = "not-a-duration"
	if got := cfg.GetWriteTimeout(); got != link.DefaultWriteTimeout {
		t.Errorf("GetWriteTimeout() = %v, want default", got)
	}
}
