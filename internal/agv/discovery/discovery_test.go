package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

var vehicleAddr = &net.UDPAddr{IP: net.ParseIP("192.168.4.1"), Port: DefaultBeaconPort}

func newTestDiscoverer(conn *MockPacketConn) (*Discoverer, *MockFactory) {
	f := &MockFactory{Conn: conn}
	return New(Config{Factory: f, Poll: 10 * time.Millisecond}), f
}

func TestDiscover_MockResponder(t *testing.T) {
	conn := NewMockPacketConn()
	conn.Responder = func(data []byte, to *net.UDPAddr) []MockPacket {
		if string(data) != "AGV?" {
			return nil
		}
		return []MockPacket{{Data: []byte("AGV_01|192.168.4.1|8080|8081"), Addr: vehicleAddr}}
	}
	d, f := newTestDiscoverer(conn)

	got, err := Collect(d.Discover(context.Background(), 50*time.Millisecond))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := []agv.Endpoint{{Name: "AGV_01", Address: "192.168.4.1", Port: 8080, ControlPort: 8081}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("endpoints mismatch (-want +got):\n%s", diff)
	}

	if len(f.Binds) != 1 || f.Binds[0].Port != DefaultBeaconPort {
		t.Errorf("binds = %v, want one on port %d", f.Binds, DefaultBeaconPort)
	}
	if len(conn.Written) != 1 {
		t.Fatalf("probes written = %d, want 1", len(conn.Written))
	}
	if to := conn.Written[0].Addr; !to.IP.Equal(net.IPv4bcast) || to.Port != DefaultBeaconPort {
		t.Errorf("probe sent to %v, want broadcast:%d", to, DefaultBeaconPort)
	}
	if !conn.Closed() {
		t.Error("socket not closed after run")
	}
}

func TestDiscover_SkipsMalformedAndDuplicates(t *testing.T) {
	conn := NewMockPacketConn(
		MockPacket{Data: []byte("AGV?"), Addr: vehicleAddr},
		MockPacket{Data: []byte("garbage"), Addr: vehicleAddr},
		MockPacket{Data: []byte("ROVER|10.0.0.9|9000|9001"), Addr: vehicleAddr},
		MockPacket{Data: []byte("AGV_01|192.168.4.1|notaport|9001"), Addr: vehicleAddr},
		MockPacket{Data: []byte("AGV_01|192.168.4.1|9000|9001|9002\n"), Addr: vehicleAddr},
		MockPacket{Data: []byte("AGV_01|192.168.4.1|9000|9001|9002"), Addr: vehicleAddr},
		MockPacket{Data: []byte("AGV_02|192.168.4.2|9000|9001"), Addr: vehicleAddr},
	)
	d, _ := newTestDiscoverer(conn)

	got, err := Collect(d.Discover(context.Background(), 50*time.Millisecond))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := []agv.Endpoint{
		{Name: "AGV_01", Address: "192.168.4.1", Port: 9000, ControlPort: 9001, IMUPort: 9002},
		{Name: "AGV_02", Address: "192.168.4.2", Port: 9000, ControlPort: 9001},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("endpoints mismatch (-want +got):\n%s", diff)
	}

	c := d.Counters()
	if c.Malformed != 3 || c.Duplicates != 1 || c.Beacons != 2 || c.Runs != 1 {
		t.Errorf("counters = %+v", c)
	}
}

func TestDiscover_Restartable(t *testing.T) {
	conn := NewMockPacketConn(MockPacket{Data: []byte("AGV_01|192.168.4.1|8080|8081"), Addr: vehicleAddr})
	d, f := newTestDiscoverer(conn)
	seq := d.Discover(context.Background(), 30*time.Millisecond)

	for i := 0; i < 2; i++ {
		got, err := Collect(seq)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if len(got) != 1 {
			t.Errorf("run %d: got %d endpoints, want 1", i, len(got))
		}
	}
	if len(f.Binds) != 2 {
		t.Errorf("binds = %d, want 2", len(f.Binds))
	}
}

func TestDiscover_StopsWhenConsumerBreaks(t *testing.T) {
	conn := NewMockPacketConn(
		MockPacket{Data: []byte("AGV_01|192.168.4.1|8080|8081"), Addr: vehicleAddr},
		MockPacket{Data: []byte("AGV_02|192.168.4.2|8080|8081"), Addr: vehicleAddr},
	)
	d, _ := newTestDiscoverer(conn)

	start := time.Now()
	ep, err := First(d.Discover(context.Background(), 5*time.Second))
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if ep.Name != "AGV_01" {
		t.Errorf("first = %v", ep)
	}
	if time.Since(start) > time.Second {
		t.Error("discovery kept running after the consumer stopped")
	}
	if !conn.Closed() {
		t.Error("socket not closed after early stop")
	}
}

func TestDiscover_ContextCancel(t *testing.T) {
	d, _ := newTestDiscoverer(NewMockPacketConn())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	got, err := Collect(d.Discover(ctx, 5*time.Second))
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v; want nothing", got, err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancelled discovery did not return promptly")
	}
}

func TestFirst_NoDevice(t *testing.T) {
	d, _ := newTestDiscoverer(NewMockPacketConn())
	_, err := First(d.Discover(context.Background(), 30*time.Millisecond))
	if !errors.Is(err, ErrNoDeviceFound) {
		t.Fatalf("error = %v, want ErrNoDeviceFound", err)
	}
}

func TestDiscover_BindError(t *testing.T) {
	f := &MockFactory{Err: errors.New("address in use")}
	d := New(Config{Factory: f})
	_, err := First(d.Discover(context.Background(), 30*time.Millisecond))
	if err == nil || errors.Is(err, ErrNoDeviceFound) {
		t.Fatalf("error = %v, want bind failure", err)
	}
}

func TestDiscover_ReadErrorEndsRun(t *testing.T) {
	conn := NewMockPacketConn()
	conn.ReadError = errors.New("network down")
	d, _ := newTestDiscoverer(conn)

	var errs int
	for _, err := range d.Discover(context.Background(), time.Second) {
		if err != nil {
			errs++
		}
	}
	if errs != 1 {
		t.Errorf("errors yielded = %d, want 1", errs)
	}
}

func TestDiscover_ProbeFailureStillListens(t *testing.T) {
	conn := NewMockPacketConn(MockPacket{Data: []byte("AGV_07|10.1.1.7|9000|0"), Addr: vehicleAddr})
	conn.WriteError = errors.New("no route")
	d, _ := newTestDiscoverer(conn)

	ep, err := First(d.Discover(context.Background(), 50*time.Millisecond))
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if ep.Address != "10.1.1.7" || ep.ControlPort != 0 {
		t.Errorf("endpoint = %+v", ep)
	}
}
