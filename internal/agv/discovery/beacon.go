package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/banshee-data/agvlink/internal/agv"
)

// ErrMalformedBeacon is returned by ParseBeacon for datagrams that are not
// vehicle beacons.
var ErrMalformedBeacon = errors.New("malformed beacon")

// ParseBeacon decodes a beacon datagram of the form
//
//	NAME|ip|port|ctrlPort[|imuPort]
//
// NAME must start with prefix. An empty ip field falls back to from, the
// datagram's source address, when it is known.
func ParseBeacon(data []byte, prefix string, from *net.UDPAddr) (agv.Endpoint, error) {
	text := strings.TrimSpace(strings.ToValidUTF8(string(data), ""))
	parts := strings.Split(text, "|")
	if len(parts) != 4 && len(parts) != 5 {
		return agv.Endpoint{}, fmt.Errorf("%w: %d fields", ErrMalformedBeacon, len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	name := parts[0]
	if !strings.HasPrefix(name, prefix) {
		return agv.Endpoint{}, fmt.Errorf("%w: name %q lacks prefix %q", ErrMalformedBeacon, name, prefix)
	}

	ip := parts[1]
	if ip == "" && from != nil {
		ip = from.IP.String()
	}
	if net.ParseIP(ip) == nil {
		return agv.Endpoint{}, fmt.Errorf("%w: bad address %q", ErrMalformedBeacon, parts[1])
	}

	port, err := parsePort(parts[2], false)
	if err != nil {
		return agv.Endpoint{}, err
	}
	ctrl, err := parsePort(parts[3], true)
	if err != nil {
		return agv.Endpoint{}, err
	}
	var imu int
	if len(parts) == 5 {
		if imu, err = parsePort(parts[4], true); err != nil {
			return agv.Endpoint{}, err
		}
	}

	return agv.Endpoint{Name: name, Address: ip, Port: port, ControlPort: ctrl, IMUPort: imu}, nil
}

func parsePort(s string, allowZero bool) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > 65535 || (p == 0 && !allowZero) {
		return 0, fmt.Errorf("%w: bad port %q", ErrMalformedBeacon, s)
	}
	return p, nil
}

// FormatBeacon renders an endpoint in the beacon wire form.
func FormatBeacon(ep agv.Endpoint) []byte {
	s := fmt.Sprintf("%s|%s|%d|%d", ep.Name, ep.Address, ep.Port, ep.ControlPort)
	if ep.IMUPort != 0 {
		s += "|" + strconv.Itoa(ep.IMUPort)
	}
	return []byte(s)
}
