package capture

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/agvlink/internal/agv"
	"github.com/banshee-data/agvlink/internal/agv/link"
	"github.com/banshee-data/agvlink/internal/agv/rplidar"
	"github.com/banshee-data/agvlink/internal/agv/wire"
)

const (
	vehiclePort = 8080
	hostPort    = 50123
)

type pcapBuilder struct {
	t    *testing.T
	buf  bytes.Buffer
	w    *pcapgo.Writer
	when time.Time
}

func newPCAP(t *testing.T) *pcapBuilder {
	b := &pcapBuilder{t: t, when: time.Unix(1700000000, 0)}
	b.w = pcapgo.NewWriter(&b.buf)
	require.NoError(t, b.w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	return b
}

func (b *pcapBuilder) write(layerList ...gopacket.SerializableLayer) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(b.t, gopacket.SerializeLayers(buf, opts, layerList...))
	data := buf.Bytes()
	b.when = b.when.Add(10 * time.Millisecond)
	require.NoError(b.t, b.w.WritePacket(gopacket.CaptureInfo{Timestamp: b.when, CaptureLength: len(data), Length: len(data)}, data))
}

func (b *pcapBuilder) ip(proto layers.IPProtocol) (*layers.Ethernet, *layers.IPv4) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IP{192, 168, 4, 1},
		DstIP:    net.IP{192, 168, 4, 100},
	}
	return eth, ip
}

func (b *pcapBuilder) tcp(srcPort, dstPort int, seq uint32, payload []byte) {
	eth, ip := b.ip(layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort), Seq: seq, ACK: true, PSH: true, Window: 1024}
	require.NoError(b.t, tcp.SetNetworkLayerForChecksum(ip))
	b.write(eth, ip, tcp, gopacket.Payload(payload))
}

func (b *pcapBuilder) udp(srcPort, dstPort int, payload []byte) {
	eth, ip := b.ip(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(b.t, udp.SetNetworkLayerForChecksum(ip))
	b.write(eth, ip, udp, gopacket.Payload(payload))
}

type collectSink struct{ samples []agv.Sample }

func (c *collectSink) HandleSample(s agv.Sample) { c.samples = append(c.samples, s) }

func TestReplayPCAP_TCPStream(t *testing.T) {
	imu := wire.EncodeIMU(agv.IMUSample{Seq: 1, Roll: 1})
	scan, err := wire.EncodeLiDAR(agv.LiDARScan{Seq: 2, Resolution: 1, Readings: []float64{10, 20, 30}})
	require.NoError(t, err)
	stream := append(append([]byte(nil), imu...), scan...)

	b := newPCAP(t)
	// the frame boundary falls inside the second segment
	b.tcp(vehiclePort, hostPort, 1000, stream[:10])
	b.tcp(hostPort, vehiclePort, 1, []byte{0xFF}) // command from the host, ignored
	b.tcp(vehiclePort, hostPort, 1010, stream[10:40])
	b.tcp(vehiclePort, hostPort, 1010, stream[10:40]) // retransmission
	b.tcp(vehiclePort, hostPort, 1040, stream[40:])
	b.udp(5353, 5353, []byte("mdns noise"))

	sink := &collectSink{}
	stats := link.NewLinkStats("replay")
	res, err := ReplayPCAP(context.Background(), &b.buf, ReplayConfig{Port: vehiclePort, Sink: sink, Stats: stats})
	require.NoError(t, err)

	assert.Equal(t, 6, res.Packets)
	assert.Equal(t, 3, res.Segments)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, len(stream), res.Bytes)
	assert.Equal(t, 0, res.Rejected)
	require.Len(t, sink.samples, 2)

	got, ok := sink.samples[0].(agv.IMUSample)
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Roll)
	lidar, ok := sink.samples[1].(agv.LiDARScan)
	require.True(t, ok)
	assert.Equal(t, []float64{10, 20, 30}, lidar.Readings)

	bytesIn, samples, _, _ := stats.GetAndReset()
	assert.Equal(t, int64(len(stream)), bytesIn)
	assert.Equal(t, int64(2), samples)
}

func TestReplayPCAP_UDPWithRPLidarDecoder(t *testing.T) {
	var raw []byte
	for _, angle := range []float64{0, 90} {
		raw = append(raw, rplidar.EncodeNode(rplidar.Node{Start: angle == 0, Quality: 30, Angle: angle, Distance: 1000})...)
	}
	raw = append(raw, rplidar.EncodeNode(rplidar.Node{Start: true, Quality: 30, Angle: 0, Distance: 500})...)

	b := newPCAP(t)
	b.udp(hostPort, vehiclePort, raw)

	sink := &collectSink{}
	res, err := ReplayPCAP(context.Background(), &b.buf, ReplayConfig{
		Port:       vehiclePort,
		NewDecoder: func() link.Decoder { return rplidar.NewAssembler(nil) },
		Sink:       sink,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Segments)
	assert.Equal(t, 0, res.Duplicates)
	require.Len(t, sink.samples, 1)
	scan := sink.samples[0].(agv.LiDARScan)
	assert.Equal(t, 1000.0, scan.Readings[90])
}

func TestReplayPCAP_InterleavedFlowsDecodeSeparately(t *testing.T) {
	a1 := wire.EncodeIMU(agv.IMUSample{Seq: 1})
	a2 := wire.EncodeIMU(agv.IMUSample{Seq: 2})
	b1 := wire.EncodeIMU(agv.IMUSample{Seq: 101})
	b2 := wire.EncodeIMU(agv.IMUSample{Seq: 102})

	b := newPCAP(t)
	// two connections to the vehicle, each segment ending mid-frame
	b.tcp(vehiclePort, hostPort, 1, a1[:10])
	b.tcp(vehiclePort, hostPort+1, 1, b1[:20])
	b.tcp(vehiclePort, hostPort, 11, append(a1[10:], a2[:5]...))
	b.tcp(vehiclePort, hostPort+1, 21, append(b1[20:], b2[:30]...))
	b.tcp(vehiclePort, hostPort, 11+uint32(len(a1)-10+5), a2[5:])
	b.tcp(vehiclePort, hostPort+1, 21+uint32(len(b1)-20+30), b2[30:])

	sink := &collectSink{}
	res, err := ReplayPCAP(context.Background(), &b.buf, ReplayConfig{Port: vehiclePort, Sink: sink})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rejected)
	assert.Equal(t, 0, res.Duplicates)

	var seqs []uint32
	for _, s := range sink.samples {
		seqs = append(seqs, s.SeqNum())
	}
	assert.Equal(t, []uint32{1, 101, 2, 102}, seqs)
}

func TestReplayPCAP_CountsRejects(t *testing.T) {
	frame := wire.EncodeIMU(agv.IMUSample{Seq: 5})
	frame[len(frame)-1] ^= 0xFF

	b := newPCAP(t)
	b.tcp(vehiclePort, hostPort, 1, frame)
	b.tcp(vehiclePort, hostPort, 1+uint32(len(frame)), wire.EncodeIMU(agv.IMUSample{Seq: 6}))

	sink := &collectSink{}
	res, err := ReplayPCAP(context.Background(), &b.buf, ReplayConfig{Port: vehiclePort, Sink: sink})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	require.Len(t, sink.samples, 1)
	assert.Equal(t, uint32(6), sink.samples[0].SeqNum())
}

func TestReplayPCAP_Errors(t *testing.T) {
	_, err := ReplayPCAP(context.Background(), bytes.NewReader(nil), ReplayConfig{})
	assert.ErrorContains(t, err, "port required")

	_, err = ReplayPCAP(context.Background(), bytes.NewReader([]byte("not a pcap")), ReplayConfig{Port: vehiclePort})
	assert.ErrorContains(t, err, "PCAP header")

	_, err = ReplayPCAPFile(context.Background(), "/nonexistent/capture.pcap", ReplayConfig{Port: vehiclePort})
	assert.Error(t, err)
}

func TestReplayPCAP_PacedRespectsCancel(t *testing.T) {
	b := newPCAP(t)
	b.tcp(vehiclePort, hostPort, 1, wire.EncodeIMU(agv.IMUSample{Seq: 1}))
	b.when = b.when.Add(time.Hour)
	b.tcp(vehiclePort, hostPort, 100, wire.EncodeIMU(agv.IMUSample{Seq: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sink := &collectSink{}
	res, err := ReplayPCAP(ctx, &b.buf, ReplayConfig{Port: vehiclePort, Sink: sink, Speed: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, res.Samples)
}
