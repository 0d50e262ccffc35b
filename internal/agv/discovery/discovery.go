// Package discovery finds vehicles on the local network. The primary source
// is the firmware's UDP beacon; an mDNS browser is available for vehicles
// that advertise themselves over zeroconf instead.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/monitoring"
)

const (
	DefaultBeaconPort = 50000
	DefaultPrefix     = "AGV"
	DefaultTimeout    = 2500 * time.Millisecond

	defaultPoll = 300 * time.Millisecond
)

// DefaultProbe is the datagram broadcast to solicit beacons.
var DefaultProbe = []byte("AGV?")

// ErrNoDeviceFound is returned by First when a discovery run ends without
// producing an endpoint.
var ErrNoDeviceFound = errors.New("no device found")

// Source produces endpoints. Each call to Discover returns a fresh,
// finite sequence; ranging over it again starts a new run.
type Source interface {
	Discover(ctx context.Context, timeout time.Duration) iter.Seq2[agv.Endpoint, error]
}

// Config configures a beacon Discoverer. Zero values select the defaults.
type Config struct {
	Port      int
	Prefix    string
	Probe     []byte
	Broadcast *net.UDPAddr
	// Poll bounds each blocking read so cancellation is noticed promptly.
	Poll    time.Duration
	Factory PacketConnFactory
}

// Counters summarise the datagrams seen across all runs of a Discoverer.
type Counters struct {
	Runs       uint64 `json:"runs"`
	Beacons    uint64 `json:"beacons"`
	Malformed  uint64 `json:"malformed"`
	Duplicates uint64 `json:"duplicates"`
}

// Discoverer listens for UDP beacons after broadcasting a probe.
type Discoverer struct {
	port      int
	prefix    string
	probe     []byte
	broadcast *net.UDPAddr
	poll      time.Duration
	factory   PacketConnFactory

	runs, beacons, malformed, duplicates atomic.Uint64
}

// New returns a Discoverer with cfg's zero fields defaulted.
func New(cfg Config) *Discoverer {
	d := &Discoverer{
		port:      cfg.Port,
		prefix:    cfg.Prefix,
		probe:     cfg.Probe,
		broadcast: cfg.Broadcast,
		poll:      cfg.Poll,
		factory:   cfg.Factory,
	}
	if d.port == 0 {
		d.port = DefaultBeaconPort
	}
	if d.prefix == "" {
		d.prefix = DefaultPrefix
	}
	if d.probe == nil {
		d.probe = DefaultProbe
	}
	if d.broadcast == nil {
		d.broadcast = &net.UDPAddr{IP: net.IPv4bcast, Port: d.port}
	}
	if d.poll <= 0 {
		d.poll = defaultPoll
	}
	if d.factory == nil {
		d.factory = UDPFactory{}
	}
	return d
}

// Discover returns a default Discoverer's sequence.
func Discover(ctx context.Context, timeout time.Duration) iter.Seq2[agv.Endpoint, error] {
	return New(Config{}).Discover(ctx, timeout)
}

// Counters returns a snapshot of the discoverer's counters.
func (d *Discoverer) Counters() Counters {
	return Counters{
		Runs:       d.runs.Load(),
		Beacons:    d.beacons.Load(),
		Malformed:  d.malformed.Load(),
		Duplicates: d.duplicates.Load(),
	}
}

// Discover binds the beacon port, broadcasts a probe and yields one endpoint
// per distinct vehicle address until timeout elapses, ctx is cancelled or the
// caller stops ranging. Unsolicited beacons are accepted alongside replies.
// A socket failure is yielded once as an error and ends the sequence.
func (d *Discoverer) Discover(ctx context.Context, timeout time.Duration) iter.Seq2[agv.Endpoint, error] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return func(yield func(agv.Endpoint, error) bool) {
		d.runs.Add(1)
		conn, err := d.factory.ListenUDP("udp4", &net.UDPAddr{Port: d.port})
		if err != nil {
			yield(agv.Endpoint{}, fmt.Errorf("bind beacon port %d: %w", d.port, err))
			return
		}
		defer conn.Close()

		if _, err := conn.WriteToUDP(d.probe, d.broadcast); err != nil {
			// unsolicited beacons can still arrive
			monitoring.Logf("[discovery] probe to %v failed: %v", d.broadcast, err)
		}

		deadline := time.Now().Add(timeout)
		seen := make(map[string]struct{})
		buf := make([]byte, 512)
		for {
			if ctx.Err() != nil {
				return
			}
			now := time.Now()
			if !now.Before(deadline) {
				return
			}
			wait := min(d.poll, deadline.Sub(now))
			if err := conn.SetReadDeadline(now.Add(wait)); err != nil {
				yield(agv.Endpoint{}, fmt.Errorf("set read deadline: %w", err))
				return
			}

			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				if isTimeout(err) {
					continue
				}
				yield(agv.Endpoint{}, fmt.Errorf("read beacon: %w", err))
				return
			}
			if string(buf[:n]) == string(d.probe) {
				// our own broadcast looped back
				continue
			}

			ep, err := ParseBeacon(buf[:n], d.prefix, from)
			if err != nil {
				d.malformed.Add(1)
				monitoring.Debugf("[discovery] skipping datagram from %v: %v", from, err)
				continue
			}
			if _, dup := seen[ep.Address]; dup {
				d.duplicates.Add(1)
				continue
			}
			seen[ep.Address] = struct{}{}
			d.beacons.Add(1)
			monitoring.Logf("[discovery] found %s", ep)
			if !yield(ep, nil) {
				return
			}
		}
	}
}

// First returns the first endpoint seq produces, or ErrNoDeviceFound if it
// ends without one.
func First(seq iter.Seq2[agv.Endpoint, error]) (agv.Endpoint, error) {
	for ep, err := range seq {
		if err != nil {
			return agv.Endpoint{}, err
		}
		return ep, nil
	}
	return agv.Endpoint{}, ErrNoDeviceFound
}

// Collect drains seq. Endpoints found before an error are returned with it.
func Collect(seq iter.Seq2[agv.Endpoint, error]) ([]agv.Endpoint, error) {
	var out []agv.Endpoint
	for ep, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ep)
	}
	return out, nil
}
