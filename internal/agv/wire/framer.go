package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/banshee-data/agvlink/internal/agv"
)

// Framer splits a byte stream into raw frames. It buffers at most one partial
// frame between calls. A Framer is not safe for concurrent use.
type Framer struct {
	buf       []byte
	discarded uint64
	oversized uint64
	truncated uint64
}

// Feed appends chunk to the internal buffer and returns every complete frame
// now available, in stream order. The returned slices do not alias chunk or
// each other.
//
// A candidate whose checksum fails and whose claimed span contains another
// magic is treated as truncated: it is returned cut short at that magic, so
// Decode reports it as malformed, and framing resumes there.
func (f *Framer) Feed(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)

	var frames [][]byte
	for {
		idx := bytes.Index(f.buf, magicBytes[:])
		if idx < 0 {
			// keep a trailing 0x5A, it may be the first half of the next magic
			keep := 0
			if n := len(f.buf); n > 0 && f.buf[n-1] == magicBytes[0] {
				keep = 1
			}
			f.drop(len(f.buf) - keep)
			break
		}
		f.drop(idx)

		if len(f.buf) < HeaderSize {
			break
		}
		n := int(binary.LittleEndian.Uint16(f.buf[12:14]))
		if n > MaxPayload {
			// magic inside noise: step past it and look again
			f.oversized++
			f.drop(1)
			continue
		}
		size := HeaderSize + n + 1
		if len(f.buf) < size {
			break
		}
		if Checksum(f.buf[2:size-1]) != f.buf[size-1] {
			if k := bytes.Index(f.buf[1:size], magicBytes[:]); k >= 0 {
				k++
				f.truncated++
				frames = append(frames, append([]byte(nil), f.buf[:k]...))
				f.buf = f.buf[k:]
				continue
			}
		}
		frames = append(frames, append([]byte(nil), f.buf[:size]...))
		f.buf = f.buf[size:]
	}

	// release the backing array once it is fully drained
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

func (f *Framer) drop(n int) {
	if n <= 0 {
		return
	}
	f.discarded += uint64(n)
	f.buf = f.buf[n:]
}

// Discarded reports how many bytes were skipped while hunting for a frame.
func (f *Framer) Discarded() uint64 { return f.discarded }

// Oversized reports how many candidate headers carried a length above MaxPayload.
func (f *Framer) Oversized() uint64 { return f.oversized }

// Truncated reports how many frames were cut short by the start of another.
func (f *Framer) Truncated() uint64 { return f.truncated }

// Buffered reports how many bytes are held waiting for the rest of a frame.
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset drops any partial frame.
func (f *Framer) Reset() {
	f.buf = nil
}

// StreamDecoder turns a telemetry byte stream into samples by framing and
// decoding it.
type StreamDecoder struct {
	framer Framer
}

// NewStreamDecoder returns a decoder with an empty buffer.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{}
}

// Feed consumes chunk, calling emit for every decoded sample and reject for
// every frame that failed to decode. Either callback may be nil.
func (d *StreamDecoder) Feed(chunk []byte, emit func(agv.Sample), reject func(error)) {
	for _, raw := range d.framer.Feed(chunk) {
		s, err := Decode(raw)
		if err != nil {
			if reject != nil {
				reject(fmt.Errorf("seq %d: %w", frameSeq(raw), err))
			}
			continue
		}
		if emit != nil {
			emit(s)
		}
	}
}

// Discarded reports bytes skipped between frames.
func (d *StreamDecoder) Discarded() uint64 { return d.framer.Discarded() }

func frameSeq(raw []byte) uint32 {
	if len(raw) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint32(raw[4:8])
}
