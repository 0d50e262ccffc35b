// Package rplidar decodes the standard scan response of an RPLidar A1 so a
// Session can attach directly to the LiDAR's raw byte stream.
//
// Each measurement is a 5-byte node:
//
//	byte 0: quality<<2 | !S<<1 | S      (S = start of a new revolution)
//	byte 1: angle_q6[6:0]<<1 | C        (C, the check bit, is always 1)
//	byte 2: angle_q6[14:7]
//	byte 3: distance_q2[7:0]
//	byte 4: distance_q2[15:8]
package rplidar

const NodeSize = 5

// Default filter bounds applied by Parser.
const (
	DefaultMinQuality  = 10
	DefaultMinDistance = 100.0
	DefaultMaxDistance = 8000.0
)

// Node is one decoded measurement.
type Node struct {
	Start    bool
	Quality  int
	Angle    float64 // degrees
	Distance float64 // millimetres
}

// ValidNode reports whether n carries consistent start and check bits.
func ValidNode(n []byte) bool {
	if len(n) < NodeSize {
		return false
	}
	s := n[0] & 0x01
	sInv := (n[0] >> 1) & 0x01
	if s^sInv != 1 {
		return false
	}
	return n[1]&0x01 == 1
}

// ParseNode decodes the first NodeSize bytes of n. It does not validate;
// call ValidNode first.
func ParseNode(n []byte) Node {
	angleQ6 := (uint16(n[2])<<8 | uint16(n[1])) >> 1
	distQ2 := uint16(n[4])<<8 | uint16(n[3])
	return Node{
		Start:    n[0]&0x01 == 1,
		Quality:  int(n[0] >> 2),
		Angle:    float64(angleQ6) / 64,
		Distance: float64(distQ2) / 4,
	}
}

// EncodeNode is the inverse of ParseNode, used to script test streams.
func EncodeNode(n Node) []byte {
	b := make([]byte, NodeSize)
	var s byte
	if n.Start {
		s = 1
	}
	b[0] = byte(n.Quality)<<2 | (s^1)<<1 | s
	angleQ6 := uint16(n.Angle*64) << 1
	b[1] = byte(angleQ6) | 0x01
	b[2] = byte(angleQ6 >> 8)
	distQ2 := uint16(n.Distance * 4)
	b[3] = byte(distQ2)
	b[4] = byte(distQ2 >> 8)
	return b
}

// Parser splits a raw byte stream into nodes, resynchronising one byte at a
// time when it meets an invalid node. It is not safe for concurrent use.
type Parser struct {
	MinQuality  int
	MinDistance float64
	MaxDistance float64

	buf     []byte
	skipped uint64
}

// NewParser returns a parser with the default filter bounds.
func NewParser() *Parser {
	return &Parser{
		MinQuality:  DefaultMinQuality,
		MinDistance: DefaultMinDistance,
		MaxDistance: DefaultMaxDistance,
	}
}

// Feed appends chunk and returns every valid node now available together
// with the number of bytes skipped to find them.
func (p *Parser) Feed(chunk []byte) (nodes []Node, skipped int) {
	p.buf = append(p.buf, chunk...)
	i := 0
	for len(p.buf)-i >= NodeSize {
		n := p.buf[i : i+NodeSize]
		if !ValidNode(n) {
			i++
			skipped++
			continue
		}
		nodes = append(nodes, ParseNode(n))
		i += NodeSize
	}
	p.buf = append(p.buf[:0], p.buf[i:]...)
	p.skipped += uint64(skipped)
	return nodes, skipped
}

// Accept reports whether a node passes the quality and range filters.
func (p *Parser) Accept(n Node) bool {
	return n.Quality >= p.MinQuality && n.Distance >= p.MinDistance && n.Distance <= p.MaxDistance
}

// Skipped reports the total bytes discarded while resynchronising.
func (p *Parser) Skipped() uint64 { return p.skipped }
