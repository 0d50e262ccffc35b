package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/agv/link"
	"github.com/banshee-data/agvlink/internal/agv/wire"
	"github.com/banshee-data/agvlink/internal/monitoring"
)

// ReplayConfig selects the traffic to replay and where decoded samples go.
type ReplayConfig struct {
	// Port is the vehicle's telemetry port. TCP segments sent from it and
	// UDP datagrams to or from it are replayed.
	Port int
	// NewDecoder builds the decoder for each flow. It defaults to the framed
	// wire decoder.
	NewDecoder func() link.Decoder
	Sink       link.Sink
	Stats      link.StatsCollector
	// Speed paces delivery by capture timestamps: 1 is real time, 2 twice
	// as fast. Zero replays as fast as possible.
	Speed float64
}

// ReplayResult summarises a replay.
type ReplayResult struct {
	Packets    int `json:"packets"`
	Segments   int `json:"segments"`
	Duplicates int `json:"duplicates"`
	Bytes      int `json:"bytes"`
	Samples    int `json:"samples"`
	Rejected   int `json:"rejected"`
}

// flowKey identifies one direction of a TCP connection or UDP exchange.
type flowKey struct {
	tcp          bool
	src, dst     string
	sport, dport uint16
}

// ReplayPCAPFile opens path and replays it with ReplayPCAP.
func ReplayPCAPFile(ctx context.Context, path string, cfg ReplayConfig) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return ReplayPCAP(ctx, f, cfg)
}

// ReplayPCAP feeds the telemetry payloads of a classic pcap stream to a
// decoder in capture order. Each flow gets its own decoder, so interleaved
// connections never share a partial frame. Retransmitted TCP segments are
// dropped by sequence number; there is no reordering.
func ReplayPCAP(ctx context.Context, r io.Reader, cfg ReplayConfig) (ReplayResult, error) {
	var res ReplayResult
	if cfg.Port <= 0 {
		return res, errors.New("replay: telemetry port required")
	}
	newDecoder := cfg.NewDecoder
	if newDecoder == nil {
		newDecoder = func() link.Decoder { return wire.NewStreamDecoder() }
	}

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return res, fmt.Errorf("failed to read PCAP header: %w", err)
	}
	source := gopacket.NewPacketSource(reader, reader.LinkType())

	emit := func(s agv.Sample) {
		res.Samples++
		if cfg.Stats != nil {
			cfg.Stats.AddSample()
		}
		if cfg.Sink != nil {
			cfg.Sink.HandleSample(s)
		}
	}
	reject := func(err error) {
		res.Rejected++
		if cfg.Stats != nil {
			cfg.Stats.AddRejected()
		}
		monitoring.Debugf("[replay] %v", err)
	}

	seen := make(map[flowKey]map[uint32]struct{})
	decoders := make(map[flowKey]link.Decoder)
	var first time.Time
	start := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("replay packet %d: %w", res.Packets+1, err)
		}
		res.Packets++

		payload, key, seq, isTCP := telemetryPayload(packet, cfg.Port)
		if len(payload) == 0 {
			continue
		}
		if isTCP {
			flow := seen[key]
			if flow == nil {
				flow = make(map[uint32]struct{})
				seen[key] = flow
			}
			if _, dup := flow[seq]; dup {
				res.Duplicates++
				continue
			}
			flow[seq] = struct{}{}
		}

		if cfg.Speed > 0 {
			ts := packet.Metadata().Timestamp
			if first.IsZero() {
				first = ts
			}
			due := start.Add(time.Duration(float64(ts.Sub(first)) / cfg.Speed))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					return res, ctx.Err()
				case <-time.After(wait):
				}
			}
		}

		res.Segments++
		res.Bytes += len(payload)
		if cfg.Stats != nil {
			cfg.Stats.AddBytes(len(payload))
		}
		dec := decoders[key]
		if dec == nil {
			dec = newDecoder()
			decoders[key] = dec
		}
		dec.Feed(payload, emit, reject)
	}

	monitoring.Logf("[replay] complete: %d packets, %d segments (%d duplicate), %d samples, %d rejected",
		res.Packets, res.Segments, res.Duplicates, res.Samples, res.Rejected)
	return res, nil
}

func telemetryPayload(packet gopacket.Packet, port int) (payload []byte, key flowKey, seq uint32, isTCP bool) {
	var src, dst string
	if nl := packet.NetworkLayer(); nl != nil {
		flow := nl.NetworkFlow()
		src, dst = flow.Src().String(), flow.Dst().String()
	}
	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp, ok := tcpLayer.(*layers.TCP)
		if !ok || int(tcp.SrcPort) != port {
			return nil, key, 0, false
		}
		key = flowKey{tcp: true, src: src, dst: dst, sport: uint16(tcp.SrcPort), dport: uint16(tcp.DstPort)}
		return tcp.Payload, key, tcp.Seq, true
	}
	if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || (int(udp.SrcPort) != port && int(udp.DstPort) != port) {
			return nil, key, 0, false
		}
		key = flowKey{src: src, dst: dst, sport: uint16(udp.SrcPort), dport: uint16(udp.DstPort)}
		return udp.Payload, key, 0, false
	}
	return nil, key, 0, false
}
