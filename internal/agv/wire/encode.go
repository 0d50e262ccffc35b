package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/banshee-data/agvlink/internal/agv"
)

// Encode serialises a sample into a frame. It is the inverse of Decode up to
// the fixed-point quantum of each field.
func Encode(s agv.Sample) ([]byte, error) {
	switch v := s.(type) {
	case agv.IMUSample:
		return EncodeIMU(v), nil
	case agv.LiDARScan:
		return EncodeLiDAR(v)
	default:
		return nil, fmt.Errorf("unsupported sample type %T", s)
	}
}

// EncodeIMU builds an IMU frame.
func EncodeIMU(s agv.IMUSample) []byte {
	p := make([]byte, IMUPayloadSize)
	put := func(i int, v float64) {
		binary.LittleEndian.PutUint16(p[2*i:2*i+2], uint16(fixed16(v)))
	}
	put(0, s.Roll*100)
	put(1, s.Pitch*100)
	for i := 0; i < 3; i++ {
		put(2+i, s.Accel[i]*1000)
		put(5+i, s.Gyro[i]*10)
	}
	put(8, s.TempC*10)
	put(9, s.Yaw*100)
	return buildFrame(TypeIMU, s.Seq, uint32(s.Timestamp.Milliseconds()), p)
}

// EncodeLiDAR builds a LiDAR frame. Scans too long for one frame are rejected.
func EncodeLiDAR(s agv.LiDARScan) ([]byte, error) {
	size := lidarPayloadFixed + 2*len(s.Readings)
	if size > MaxPayload {
		return nil, fmt.Errorf("scan of %d readings exceeds max payload %d", len(s.Readings), MaxPayload)
	}
	p := make([]byte, size)
	binary.LittleEndian.PutUint16(p[0:2], fixedU16(s.StartAngle*64))
	binary.LittleEndian.PutUint16(p[2:4], fixedU16(s.Resolution*64))
	for i, d := range s.Readings {
		off := lidarPayloadFixed + 2*i
		binary.LittleEndian.PutUint16(p[off:off+2], fixedU16(d*4))
	}
	return buildFrame(TypeLiDAR, s.Seq, uint32(s.Timestamp.Milliseconds()), p), nil
}

func buildFrame(typ byte, seq, timeMS uint32, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload)+1)
	frame[0], frame[1] = magicBytes[0], magicBytes[1]
	frame[2] = Version
	frame[3] = typ
	binary.LittleEndian.PutUint32(frame[4:8], seq)
	binary.LittleEndian.PutUint32(frame[8:12], timeMS)
	binary.LittleEndian.PutUint16(frame[12:14], uint16(len(payload)))
	copy(frame[HeaderSize:], payload)
	frame[len(frame)-1] = Checksum(frame[2 : len(frame)-1])
	return frame
}

func fixed16(v float64) int16 {
	r := math.Round(v)
	if r > math.MaxInt16 {
		return math.MaxInt16
	}
	if r < math.MinInt16 {
		return math.MinInt16
	}
	return int16(r)
}

func fixedU16(v float64) uint16 {
	r := math.Round(v)
	if r > math.MaxUint16 {
		return math.MaxUint16
	}
	if r < 0 {
		return 0
	}
	return uint16(r)
}
