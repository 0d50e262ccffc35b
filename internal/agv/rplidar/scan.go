package rplidar

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/agv/wire"
)

// Bins is the number of 1-degree buckets in an assembled scan.
const Bins = 360

// Assembler groups nodes into one LiDARScan per revolution, delimited by the
// start flag. Readings are binned to whole degrees; a bin with no accepted
// node reads zero. It satisfies link.Decoder.
type Assembler struct {
	parser *Parser
	now    func() time.Time

	epoch    time.Time
	started  bool
	readings []float64
	seq      uint32
}

// NewAssembler returns an assembler using parser, or NewParser when nil.
func NewAssembler(parser *Parser) *Assembler {
	if parser == nil {
		parser = NewParser()
	}
	return &Assembler{parser: parser, now: time.Now}
}

// Feed parses chunk and emits each completed revolution. A run of skipped
// bytes is reported once through reject.
func (a *Assembler) Feed(chunk []byte, emit func(agv.Sample), reject func(error)) {
	nodes, skipped := a.parser.Feed(chunk)
	if skipped > 0 && reject != nil {
		reject(fmt.Errorf("%w: rplidar resync skipped %d bytes", wire.ErrMalformedFrame, skipped))
	}
	if a.epoch.IsZero() && len(nodes) > 0 {
		a.epoch = a.now()
	}

	for _, n := range nodes {
		if n.Start {
			if a.started && emit != nil {
				emit(a.flush())
			}
			a.started = true
			a.readings = make([]float64, Bins)
		}
		if !a.started || !a.parser.Accept(n) {
			continue
		}
		bin := int(math.Round(n.Angle)) % Bins
		a.readings[bin] = n.Distance
	}
}

func (a *Assembler) flush() agv.LiDARScan {
	scan := agv.LiDARScan{
		Seq:        a.seq,
		Timestamp:  a.now().Sub(a.epoch).Truncate(time.Millisecond),
		StartAngle: 0,
		Resolution: 360.0 / Bins,
		Readings:   a.readings,
	}
	a.seq++
	a.readings = nil
	return scan
}

// Skipped reports bytes discarded by the underlying parser.
func (a *Assembler) Skipped() uint64 { return a.parser.Skipped() }
