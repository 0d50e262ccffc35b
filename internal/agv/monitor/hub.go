// Package monitor is the presentation side of agvlink. A Hub keeps the
// recent telemetry for display and the WebServer exposes it over JSON, SSE,
// go-echarts pages and PNG snapshots.
package monitor

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/agvlink/internal/agv"
)

const (
	// DefaultCapacity is the number of IMU samples the Hub retains.
	DefaultCapacity = 5000
	// MaxLatest bounds a single Latest request.
	MaxLatest = 2000

	// Yaw trace integration limits.
	maxYawStep   = 100 * time.Millisecond
	gyroDeadBand = 1.0 // deg/s

	hubSubscriberBuffer = 64
)

// IMUPoint is a buffered IMU sample plus the yaw angle integrated from the
// gyro z axis up to and including it.
type IMUPoint struct {
	agv.IMUSample
	YawTrace float64 `json:"yaw_trace_deg"`
}

// AxisStats summarises one sensor axis over the buffered samples.
type AxisStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// IMUStats is the bring-up summary returned by Hub.Stats. A stationary
// vehicle should show gyro means near zero; the residual is the bias.
type IMUStats struct {
	Count int          `json:"count"`
	Accel [3]AxisStats `json:"accel_g"`
	Gyro  [3]AxisStats `json:"gyro_dps"`
}

// Hub buffers decoded samples for the presentation layer. It implements
// link.Sink and is safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	imu      []IMUPoint
	head     int
	count    int
	lidar    agv.LiDARScan
	hasLiDAR bool

	yaw     float64
	lastT   time.Duration
	hasLast bool

	subscriberMu sync.Mutex
	subscribers  map[string]chan agv.Sample
}

// NewHub returns a Hub retaining capacity IMU samples, or DefaultCapacity
// when capacity is not positive.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		imu:         make([]IMUPoint, capacity),
		subscribers: make(map[string]chan agv.Sample),
	}
}

// HandleSample records s and forwards it to subscribers.
func (h *Hub) HandleSample(s agv.Sample) {
	h.mu.Lock()
	switch v := s.(type) {
	case agv.IMUSample:
		h.pushIMULocked(v)
	case agv.LiDARScan:
		v.Readings = append([]float64(nil), v.Readings...)
		h.lidar = v
		h.hasLiDAR = true
	}
	h.mu.Unlock()

	h.subscriberMu.Lock()
	for _, ch := range h.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
	h.subscriberMu.Unlock()
}

func (h *Hub) pushIMULocked(s agv.IMUSample) {
	if h.hasLast {
		dt := s.Timestamp - h.lastT
		if dt < 0 {
			dt = 0
		}
		if dt > maxYawStep {
			dt = maxYawStep
		}
		gz := s.Gyro[2]
		if math.Abs(gz) < gyroDeadBand {
			gz = 0
		}
		h.yaw += gz * dt.Seconds()
	}
	h.lastT = s.Timestamp
	h.hasLast = true

	h.imu[h.head] = IMUPoint{IMUSample: s, YawTrace: h.yaw}
	h.head = (h.head + 1) % len(h.imu)
	if h.count < len(h.imu) {
		h.count++
	}
}

// at returns the i-th oldest buffered point.
func (h *Hub) at(i int) IMUPoint {
	start := (h.head - h.count + len(h.imu)) % len(h.imu)
	return h.imu[(start+i)%len(h.imu)]
}

// Latest returns up to n of the most recent IMU points, oldest first. n is
// clamped to [1, MaxLatest].
func (h *Hub) Latest(n int) []IMUPoint {
	n = max(1, min(n, MaxLatest))
	h.mu.RLock()
	defer h.mu.RUnlock()
	n = min(n, h.count)
	out := make([]IMUPoint, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, h.at(i))
	}
	return out
}

// Since returns the buffered IMU points whose sequence number is greater
// than seq, oldest first.
func (h *Hub) Since(seq uint32) []IMUPoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []IMUPoint
	for i := 0; i < h.count; i++ {
		if p := h.at(i); p.Seq > seq {
			out = append(out, p)
		}
	}
	return out
}

// Len reports how many IMU samples are buffered.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// LatestLiDAR returns the most recent scan, if any.
func (h *Hub) LatestLiDAR() (agv.LiDARScan, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.hasLiDAR {
		return agv.LiDARScan{}, false
	}
	scan := h.lidar
	scan.Readings = append([]float64(nil), h.lidar.Readings...)
	return scan, true
}

// Reset clears the buffers and the integrated yaw.
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.imu)
	h.head, h.count = 0, 0
	h.lidar, h.hasLiDAR = agv.LiDARScan{}, false
	h.yaw, h.lastT, h.hasLast = 0, 0, false
}

// Stats computes per-axis mean and standard deviation of accel and gyro
// over the buffered samples.
func (h *Hub) Stats() IMUStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := IMUStats{Count: h.count}
	if h.count == 0 {
		return out
	}
	accel := make([][]float64, 3)
	gyro := make([][]float64, 3)
	for axis := range 3 {
		accel[axis] = make([]float64, h.count)
		gyro[axis] = make([]float64, h.count)
	}
	for i := 0; i < h.count; i++ {
		p := h.at(i)
		for axis := range 3 {
			accel[axis][i] = p.Accel[axis]
			gyro[axis][i] = p.Gyro[axis]
		}
	}
	for axis := range 3 {
		out.Accel[axis] = axisStats(accel[axis])
		out.Gyro[axis] = axisStats(gyro[axis])
	}
	return out
}

func axisStats(x []float64) AxisStats {
	if len(x) < 2 {
		return AxisStats{Mean: stat.Mean(x, nil)}
	}
	mean, std := stat.MeanStdDev(x, nil)
	return AxisStats{Mean: mean, StdDev: std}
}

// Subscribe registers for every sample the Hub receives. Samples are
// dropped for a subscriber whose buffer is full.
func (h *Hub) Subscribe() (string, <-chan agv.Sample) {
	id := uuid.NewString()
	ch := make(chan agv.Sample, hubSubscriberBuffer)
	h.subscriberMu.Lock()
	h.subscribers[id] = ch
	h.subscriberMu.Unlock()
	return id, ch
}

// Unsubscribe removes and closes a subscription.
func (h *Hub) Unsubscribe(id string) {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}
