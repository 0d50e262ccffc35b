package link

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/agvlink/internal/monitoring"
)

// StatsCollector receives per-chunk and per-frame events from a Session.
type StatsCollector interface {
	AddBytes(n int)
	AddSample()
	AddRejected()
}

// LinkStats tracks stream throughput between periodic log lines.
type LinkStats struct {
	name string

	mu        sync.Mutex
	bytes     int64
	samples   int64
	rejected  int64
	lastReset time.Time
}

// NewLinkStats creates a collector whose log lines are tagged with name.
func NewLinkStats(name string) *LinkStats {
	return &LinkStats{name: name, lastReset: time.Now()}
}

func (ls *LinkStats) AddBytes(n int) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.bytes += int64(n)
}

func (ls *LinkStats) AddSample() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.samples++
}

func (ls *LinkStats) AddRejected() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.rejected++
}

// GetAndReset returns the counters accumulated since the previous call.
func (ls *LinkStats) GetAndReset() (bytes, samples, rejected int64, duration time.Duration) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ls.lastReset)
	bytes, samples, rejected = ls.bytes, ls.samples, ls.rejected
	ls.bytes, ls.samples, ls.rejected = 0, 0, 0
	ls.lastReset = now
	return
}

// Format renders the interval rates. It returns "" when nothing arrived.
func (ls *LinkStats) Format() string {
	bytes, samples, rejected, duration := ls.GetAndReset()
	if bytes == 0 && rejected == 0 {
		return ""
	}
	secs := duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	msg := fmt.Sprintf("[%s] stats (/sec): %.1f KB, %.1f samples", ls.name, float64(bytes)/secs/1024, float64(samples)/secs)
	if rejected > 0 {
		msg += fmt.Sprintf(", %s rejected", FormatWithCommas(rejected))
	}
	return msg
}

// LogStats writes one interval summary through monitoring.Logf.
func (ls *LinkStats) LogStats() {
	if msg := ls.Format(); msg != "" {
		monitoring.Logf("%s", msg)
	}
}

// Run logs a summary every interval until ctx is done.
func (ls *LinkStats) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ls.LogStats()
		}
	}
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(str, "-")
	if neg {
		str = str[1:]
	}
	if len(str) <= 3 {
		if neg {
			return "-" + str
		}
		return str
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(char)
	}
	return b.String()
}

type noopStats struct{}

func (noopStats) AddBytes(int) {}
func (noopStats) AddSample()   {}
func (noopStats) AddRejected() {}
