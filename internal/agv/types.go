// Package agv defines the values exchanged with the vehicle during bring-up:
// where it lives on the network, the samples its sensors emit, and the
// commands the operator sends back.
package agv

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"time"
)

// Endpoint identifies a vehicle link. Address is an IP literal for network
// transports or a device path for serial transports; Port is the telemetry
// stream port. ControlPort and IMUPort are zero when not advertised.
type Endpoint struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	ControlPort int    `json:"control_port,omitempty"`
	IMUPort     int    `json:"imu_port,omitempty"`
}

// HostPort renders the telemetry address in host:port form.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Control returns the endpoint commands should be written to. When the
// vehicle shares one socket for telemetry and commands, ok is false.
func (e Endpoint) Control() (Endpoint, bool) {
	if e.ControlPort == 0 || e.ControlPort == e.Port {
		return Endpoint{}, false
	}
	return Endpoint{Name: e.Name, Address: e.Address, Port: e.ControlPort}, true
}

func (e Endpoint) String() string {
	if e.Port == 0 {
		return fmt.Sprintf("%s(%s)", e.Name, e.Address)
	}
	if e.Name == "" {
		return e.HostPort()
	}
	return fmt.Sprintf("%s(%s)", e.Name, e.HostPort())
}

// Sample is a decoded sensor reading: either an IMUSample or a LiDARScan.
type Sample interface {
	// SeqNum returns the device sequence counter carried by the frame.
	SeqNum() uint32
	isSample()
}

// IMUSample is one inertial measurement. Angles are in degrees, Accel in g
// and Gyro in degrees per second, each ordered x, y, z.
type IMUSample struct {
	Seq       uint32        `json:"seq"`
	Timestamp time.Duration `json:"t_ns"`
	Roll      float64       `json:"roll_deg"`
	Pitch     float64       `json:"pitch_deg"`
	Yaw       float64       `json:"yaw_deg"`
	Accel     [3]float64    `json:"accel_g"`
	Gyro      [3]float64    `json:"gyro_dps"`
	TempC     float64       `json:"temp_c"`
}

func (s IMUSample) SeqNum() uint32 { return s.Seq }
func (IMUSample) isSample()        {}

// LiDARScan is an ordered set of range readings taken at a fixed angular
// step. A zero reading means the beam had no return.
type LiDARScan struct {
	Seq        uint32        `json:"seq"`
	Timestamp  time.Duration `json:"t_ns"`
	StartAngle float64       `json:"start_deg"`
	Resolution float64       `json:"resolution_deg"`
	Readings   []float64     `json:"readings_mm"`
}

func (s LiDARScan) SeqNum() uint32 { return s.Seq }
func (LiDARScan) isSample()        {}

// Angle returns the bearing in degrees of reading i, wrapped to [0, 360).
func (s LiDARScan) Angle(i int) float64 {
	a := math.Mod(s.StartAngle+float64(i)*s.Resolution, 360)
	if a < 0 {
		a += 360
	}
	return a
}

// Point is a LiDAR return in the sensor frame, in millimetres.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Points converts the non-zero readings to cartesian coordinates.
func (s LiDARScan) Points() []Point {
	pts := make([]Point, 0, len(s.Readings))
	for i, d := range s.Readings {
		if d <= 0 {
			continue
		}
		theta := s.Angle(i) * math.Pi / 180
		pts = append(pts, Point{X: d * math.Cos(theta), Y: d * math.Sin(theta)})
	}
	return pts
}

// Kind names the sample variant: "imu" or "lidar".
func Kind(s Sample) string {
	switch s.(type) {
	case IMUSample:
		return "imu"
	case LiDARScan:
		return "lidar"
	default:
		return "unknown"
	}
}
