package visualiser

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/agv/wire"
)

// SyntheticGenerator produces a plausible wire byte stream: a vehicle
// turning slowly in a rectangular room, with an IMU sample every tick and a
// LiDAR scan every ScanEvery ticks. Next is safe for concurrent use; the
// configuration fields must not change once streaming starts.
type SyntheticGenerator struct {
	// Configuration
	Rate      float64 // IMU samples per second
	ScanEvery int     // ticks between scans
	TurnRate  float64 // deg/s about z
	RoomX     float64 // mm, half width
	RoomY     float64 // mm, half depth
	Noise     float64 // reading noise, mm

	mu      sync.Mutex
	tick    uint32
	imuSeq  uint32
	scanSeq uint32
	rng     *rand.Rand
}

// NewSyntheticGenerator returns a generator at 50 Hz with a 5 Hz scan.
func NewSyntheticGenerator() *SyntheticGenerator {
	return &SyntheticGenerator{
		Rate:      50,
		ScanEvery: 10,
		TurnRate:  15,
		RoomX:     3000,
		RoomY:     2000,
		Noise:     10,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Interval is the tick period.
func (g *SyntheticGenerator) Interval() time.Duration {
	if g.Rate <= 0 {
		return 20 * time.Millisecond
	}
	return time.Duration(float64(time.Second) / g.Rate)
}

// Next returns the encoded frames for one tick.
func (g *SyntheticGenerator) Next() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	elapsed := time.Duration(g.tick) * g.Interval()
	t := elapsed.Seconds()
	heading := math.Mod(g.TurnRate*t, 360)

	imu := agv.IMUSample{
		Seq:       g.imuSeq,
		Timestamp: elapsed.Truncate(time.Millisecond),
		Roll:      0.5 * math.Sin(2*math.Pi*0.2*t),
		Pitch:     0.3 * math.Cos(2*math.Pi*0.2*t),
		Yaw:       wrap180(heading),
		Accel:     [3]float64{0.01 * g.rng.NormFloat64(), 0.01 * g.rng.NormFloat64(), 1 + 0.01*g.rng.NormFloat64()},
		Gyro:      [3]float64{0.2 * g.rng.NormFloat64(), 0.2 * g.rng.NormFloat64(), g.TurnRate},
		TempC:     31.5,
	}
	out := wire.EncodeIMU(imu)
	g.imuSeq++

	if g.ScanEvery > 0 && g.tick%uint32(g.ScanEvery) == 0 {
		frame, err := wire.EncodeLiDAR(g.scan(imu.Timestamp, heading))
		if err != nil {
			return nil, err
		}
		out = append(out, frame...)
		g.scanSeq++
	}
	g.tick++
	return out, nil
}

// scan ray-casts the room walls from its centre at the given heading. The
// caller holds g.mu.
func (g *SyntheticGenerator) scan(ts time.Duration, heading float64) agv.LiDARScan {
	const bins = 360
	readings := make([]float64, bins)
	for i := range readings {
		theta := (float64(i) - heading) * math.Pi / 180
		c, s := math.Abs(math.Cos(theta)), math.Abs(math.Sin(theta))
		d := math.Inf(1)
		if c > 1e-9 {
			d = g.RoomX / c
		}
		if s > 1e-9 {
			d = math.Min(d, g.RoomY/s)
		}
		readings[i] = math.Max(0, d+g.Noise*g.rng.NormFloat64())
	}
	return agv.LiDARScan{Seq: g.scanSeq, Timestamp: ts, StartAngle: 0, Resolution: 1, Readings: readings}
}

func wrap180(deg float64) float64 {
	if deg > 180 {
		return deg - 360
	}
	return deg
}
