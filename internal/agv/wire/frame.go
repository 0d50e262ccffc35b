// Package wire implements the telemetry frame format spoken by the vehicle
// firmware over its TCP stream.
//
// Every frame is little-endian:
//
//	offset size field
//	0      2    magic 0xA55A (bytes 5A A5)
//	2      1    version (1)
//	3      1    type: 1 = IMU, 2 = LiDAR scan
//	4      4    sequence number
//	8      4    device time in milliseconds
//	12     2    payload length N
//	14     N    payload
//	14+N   1    CRC-8 (poly 0x07) over bytes [2, 14+N)
//
// The IMU payload is ten int16 values: roll, pitch (x100 deg), ax, ay, az
// (x1000 g), gx, gy, gz (x10 deg/s), temperature (x10 C) and yaw (x100 deg).
// The LiDAR payload is a uint16 start angle and a uint16 angular step, both in
// 1/64 degree, followed by uint16 distances in 1/4 mm.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/agvlink/internal/agv"
)

const (
	Magic      uint16 = 0xA55A
	Version    byte   = 1
	HeaderSize        = 14
	// MinFrameSize is a header with an empty payload plus the checksum byte.
	MinFrameSize = HeaderSize + 1
	// MaxPayload bounds the length field; anything larger is treated as noise.
	MaxPayload = 4096

	TypeIMU   byte = 1
	TypeLiDAR byte = 2

	IMUPayloadSize    = 20
	lidarPayloadFixed = 4
)

var (
	// ErrMalformedFrame reports a frame whose structure is wrong: too short,
	// bad magic or version, unknown type tag or inconsistent length.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrCorruptFrame reports a structurally valid frame whose checksum
	// does not match its contents.
	ErrCorruptFrame = errors.New("corrupt frame")
)

var magicBytes = [2]byte{byte(Magic & 0xFF), byte(Magic >> 8)}

// Header is the fixed prefix of every frame.
type Header struct {
	Version byte
	Type    byte
	Seq     uint32
	TimeMS  uint32
	Length  uint16
}

func parseHeader(raw []byte) Header {
	return Header{
		Version: raw[2],
		Type:    raw[3],
		Seq:     binary.LittleEndian.Uint32(raw[4:8]),
		TimeMS:  binary.LittleEndian.Uint32(raw[8:12]),
		Length:  binary.LittleEndian.Uint16(raw[12:14]),
	}
}

// Decode validates a single raw frame and returns the sample it carries.
// Structural problems return ErrMalformedFrame; checksum mismatches return
// ErrCorruptFrame. Decode keeps no state and never retains raw.
func Decode(raw []byte) (agv.Sample, error) {
	if len(raw) < MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(raw), MinFrameSize)
	}
	if raw[0] != magicBytes[0] || raw[1] != magicBytes[1] {
		return nil, fmt.Errorf("%w: bad magic %02X%02X", ErrMalformedFrame, raw[1], raw[0])
	}
	h := parseHeader(raw)
	if h.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, h.Version)
	}
	if int(h.Length) > MaxPayload {
		return nil, fmt.Errorf("%w: payload length %d exceeds %d", ErrMalformedFrame, h.Length, MaxPayload)
	}
	if want := HeaderSize + int(h.Length) + 1; len(raw) != want {
		return nil, fmt.Errorf("%w: length field says %d bytes, frame has %d", ErrMalformedFrame, want, len(raw))
	}

	body := raw[2 : len(raw)-1]
	if got, want := raw[len(raw)-1], Checksum(body); got != want {
		return nil, fmt.Errorf("%w: checksum 0x%02X, computed 0x%02X", ErrCorruptFrame, got, want)
	}

	payload := raw[HeaderSize : len(raw)-1]
	switch h.Type {
	case TypeIMU:
		return decodeIMU(h, payload)
	case TypeLiDAR:
		return decodeLiDAR(h, payload)
	default:
		return nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformedFrame, h.Type)
	}
}

func decodeIMU(h Header, p []byte) (agv.Sample, error) {
	if len(p) != IMUPayloadSize {
		return nil, fmt.Errorf("%w: IMU payload is %d bytes, want %d", ErrMalformedFrame, len(p), IMUPayloadSize)
	}
	v := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(p[2*i : 2*i+2])))
	}
	return agv.IMUSample{
		Seq:       h.Seq,
		Timestamp: time.Duration(h.TimeMS) * time.Millisecond,
		Roll:      v(0) / 100,
		Pitch:     v(1) / 100,
		Accel:     [3]float64{v(2) / 1000, v(3) / 1000, v(4) / 1000},
		Gyro:      [3]float64{v(5) / 10, v(6) / 10, v(7) / 10},
		TempC:     v(8) / 10,
		Yaw:       v(9) / 100,
	}, nil
}

func decodeLiDAR(h Header, p []byte) (agv.Sample, error) {
	if len(p) < lidarPayloadFixed || (len(p)-lidarPayloadFixed)%2 != 0 {
		return nil, fmt.Errorf("%w: LiDAR payload length %d", ErrMalformedFrame, len(p))
	}
	n := (len(p) - lidarPayloadFixed) / 2
	readings := make([]float64, n)
	for i := range readings {
		off := lidarPayloadFixed + 2*i
		readings[i] = float64(binary.LittleEndian.Uint16(p[off:off+2])) / 4
	}
	return agv.LiDARScan{
		Seq:        h.Seq,
		Timestamp:  time.Duration(h.TimeMS) * time.Millisecond,
		StartAngle: float64(binary.LittleEndian.Uint16(p[0:2])) / 64,
		Resolution: float64(binary.LittleEndian.Uint16(p[2:4])) / 64,
		Readings:   readings,
	}, nil
}
