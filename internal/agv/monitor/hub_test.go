package monitor

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/agvlink/internal/agv"
)

func imuAt(seq uint32, ms int, gz float64) agv.IMUSample {
	return agv.IMUSample{Seq: seq, Timestamp: time.Duration(ms) * time.Millisecond, Gyro: [3]float64{0, 0, gz}}
}

func TestHub_RingBufferKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := uint32(1); i <= 5; i++ {
		h.HandleSample(imuAt(i, int(i)*10, 0))
	}
	require.Equal(t, 3, h.Len())

	got := h.Latest(10)
	require.Len(t, got, 3)
	assert.Equal(t, []uint32{3, 4, 5}, []uint32{got[0].Seq, got[1].Seq, got[2].Seq})
}

func TestHub_LatestClampsN(t *testing.T) {
	h := NewHub(0)
	for i := uint32(1); i <= 2500; i++ {
		h.HandleSample(imuAt(i, int(i), 0))
	}
	assert.Len(t, h.Latest(0), 1)
	assert.Len(t, h.Latest(-7), 1)
	assert.Len(t, h.Latest(5000), MaxLatest)
	assert.Equal(t, uint32(2500), h.Latest(1)[0].Seq)
}

func TestHub_Since(t *testing.T) {
	h := NewHub(10)
	for i := uint32(1); i <= 6; i++ {
		h.HandleSample(imuAt(i, int(i)*10, 0))
	}
	got := h.Since(4)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(5), got[0].Seq)
	assert.Equal(t, uint32(6), got[1].Seq)
	assert.Empty(t, h.Since(6))
}

func TestHub_YawTrace(t *testing.T) {
	h := NewHub(10)
	h.HandleSample(imuAt(1, 0, 10))    // first sample contributes nothing
	h.HandleSample(imuAt(2, 50, 10))   // +0.5
	h.HandleSample(imuAt(3, 550, 10))  // gap clamped to 0.1 s: +1.0
	h.HandleSample(imuAt(4, 600, 0.5)) // dead band
	h.HandleSample(imuAt(5, 580, 10))  // time went backwards: dt 0

	got := h.Latest(5)
	want := []float64{0, 0.5, 1.5, 1.5, 1.5}
	for i, p := range got {
		assert.InDelta(t, want[i], p.YawTrace, 1e-9, "sample %d", p.Seq)
	}
}

func TestHub_LiDARAndReset(t *testing.T) {
	h := NewHub(10)
	_, ok := h.LatestLiDAR()
	assert.False(t, ok)

	readings := []float64{10, 20, 30}
	h.HandleSample(agv.LiDARScan{Seq: 4, Resolution: 1, Readings: readings})
	h.HandleSample(imuAt(1, 0, 5))
	h.HandleSample(imuAt(2, 100, 5))
	readings[0] = 999

	scan, ok := h.LatestLiDAR()
	require.True(t, ok)
	assert.Equal(t, []float64{10, 20, 30}, scan.Readings)

	h.Reset()
	assert.Equal(t, 0, h.Len())
	_, ok = h.LatestLiDAR()
	assert.False(t, ok)

	h.HandleSample(imuAt(3, 200, 5))
	assert.Equal(t, 0.0, h.Latest(1)[0].YawTrace, "yaw not reset")
}

func TestHub_Stats(t *testing.T) {
	h := NewHub(10)
	assert.Equal(t, IMUStats{}, h.Stats())

	h.HandleSample(agv.IMUSample{Seq: 1, Accel: [3]float64{0, 0, 1}, Gyro: [3]float64{1, 0, 0}})
	one := h.Stats()
	assert.Equal(t, 1, one.Count)
	assert.Equal(t, 1.0, one.Accel[2].Mean)
	assert.False(t, math.IsNaN(one.Accel[2].StdDev))

	h.HandleSample(agv.IMUSample{Seq: 2, Accel: [3]float64{0, 0, 1}, Gyro: [3]float64{3, 0, 0}})
	st := h.Stats()
	assert.Equal(t, 2, st.Count)
	assert.InDelta(t, 2.0, st.Gyro[0].Mean, 1e-12)
	assert.InDelta(t, math.Sqrt2, st.Gyro[0].StdDev, 1e-12)
	assert.InDelta(t, 0.0, st.Accel[2].StdDev, 1e-12)
}

func TestHub_SubscribeFanOut(t *testing.T) {
	h := NewHub(10)
	id, ch := h.Subscribe()

	h.HandleSample(imuAt(7, 0, 0))
	select {
	case s := <-ch:
		assert.Equal(t, uint32(7), s.SeqNum())
	case <-time.After(time.Second):
		t.Fatal("no sample delivered")
	}

	// a full subscriber must not block the producer
	for i := 0; i < hubSubscriberBuffer*2; i++ {
		h.HandleSample(imuAt(uint32(i), i, 0))
	}

	h.Unsubscribe(id)
	for range ch {
	}
	h.Unsubscribe(id)
}
