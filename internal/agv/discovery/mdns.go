package discovery

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/monitoring"
)

const (
	DefaultMDNSService = "_agv._tcp"
	DefaultMDNSDomain  = "local."
)

// Browser is the part of *zeroconf.Resolver used by MDNSBrowser.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// MDNSBrowser discovers vehicles advertising a zeroconf service. The service
// port is the telemetry port; TXT records "ctrl=" and "imu=" carry the others.
type MDNSBrowser struct {
	Service string
	Domain  string
	// NewBrowser overrides resolver construction, mainly for tests.
	NewBrowser func() (Browser, error)
}

// Discover browses for the configured service until timeout or cancellation.
// Endpoints are deduplicated by address.
func (m *MDNSBrowser) Discover(ctx context.Context, timeout time.Duration) iter.Seq2[agv.Endpoint, error] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	service, domain := m.Service, m.Domain
	if service == "" {
		service = DefaultMDNSService
	}
	if domain == "" {
		domain = DefaultMDNSDomain
	}
	return func(yield func(agv.Endpoint, error) bool) {
		browser, err := m.browser()
		if err != nil {
			yield(agv.Endpoint{}, fmt.Errorf("mdns resolver: %w", err))
			return
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		entries := make(chan *zeroconf.ServiceEntry, 8)
		if err := browser.Browse(ctx, service, domain, entries); err != nil {
			yield(agv.Endpoint{}, fmt.Errorf("mdns browse %s: %w", service, err))
			return
		}

		seen := make(map[string]struct{})
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-entries:
				if !ok {
					return
				}
				ep, ok := endpointFromEntry(e)
				if !ok {
					continue
				}
				if _, dup := seen[ep.Address]; dup {
					continue
				}
				seen[ep.Address] = struct{}{}
				monitoring.Logf("[discovery] mdns found %s", ep)
				if !yield(ep, nil) {
					return
				}
			}
		}
	}
}

func (m *MDNSBrowser) browser() (Browser, error) {
	if m.NewBrowser != nil {
		return m.NewBrowser()
	}
	return zeroconf.NewResolver(nil)
}

func endpointFromEntry(e *zeroconf.ServiceEntry) (agv.Endpoint, bool) {
	if e == nil || e.Port <= 0 {
		return agv.Endpoint{}, false
	}
	var addr string
	switch {
	case len(e.AddrIPv4) > 0:
		addr = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		addr = e.AddrIPv6[0].String()
	default:
		return agv.Endpoint{}, false
	}

	ep := agv.Endpoint{
		Name:    strings.ReplaceAll(e.Instance, `\ `, " "),
		Address: addr,
		Port:    e.Port,
	}
	for _, kv := range e.Text {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		p, err := strconv.Atoi(value)
		if err != nil || p <= 0 || p > 65535 {
			continue
		}
		switch key {
		case "ctrl":
			ep.ControlPort = p
		case "imu":
			ep.IMUPort = p
		}
	}
	return ep, true
}
