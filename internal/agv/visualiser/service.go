// Package visualiser streams decoded telemetry over gRPC to external
// viewers. The service is described by a hand-written ServiceDesc and
// carries google.protobuf.Struct messages, so clients in any language can
// consume it with stock protobuf types.
//
//	service Telemetry {
//	  rpc StreamSamples(google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	}
//
// The request may carry "kinds", a list of "imu" and/or "lidar"; an empty
// request streams every sample.
package visualiser

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/agvlink/internal/agv"
)

const (
	ServiceName = "agvlink.Telemetry"
	// StreamSamplesMethod is the full method name used on the wire.
	StreamSamplesMethod = "/" + ServiceName + "/StreamSamples"
)

// TelemetryServer is the server API for the Telemetry service.
type TelemetryServer interface {
	StreamSamples(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes the Telemetry service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamSamples",
			Handler:       streamSamplesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "agvlink/telemetry.proto",
}

func streamSamplesHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TelemetryServer).StreamSamples(req, stream)
}

// ErrUnknownSample is returned when a message does not describe a sample.
var ErrUnknownSample = errors.New("unknown sample kind")

func floatList(v []float64) []interface{} {
	out := make([]interface{}, len(v))
	for i, f := range v {
		out[i] = f
	}
	return out
}

// SampleToStruct converts a sample to its wire message. Timestamps are sent
// as milliseconds.
func SampleToStruct(s agv.Sample) (*structpb.Struct, error) {
	var fields map[string]interface{}
	switch v := s.(type) {
	case agv.IMUSample:
		fields = map[string]interface{}{
			"kind":      "imu",
			"seq":       float64(v.Seq),
			"t_ms":      float64(v.Timestamp.Milliseconds()),
			"roll_deg":  v.Roll,
			"pitch_deg": v.Pitch,
			"yaw_deg":   v.Yaw,
			"accel_g":   floatList(v.Accel[:]),
			"gyro_dps":  floatList(v.Gyro[:]),
			"temp_c":    v.TempC,
		}
	case agv.LiDARScan:
		fields = map[string]interface{}{
			"kind":           "lidar",
			"seq":            float64(v.Seq),
			"t_ms":           float64(v.Timestamp.Milliseconds()),
			"start_deg":      v.StartAngle,
			"resolution_deg": v.Resolution,
			"readings_mm":    floatList(v.Readings),
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownSample, s)
	}
	return structpb.NewStruct(fields)
}

func numbers(v *structpb.Value) []float64 {
	list := v.GetListValue().GetValues()
	out := make([]float64, len(list))
	for i, e := range list {
		out[i] = e.GetNumberValue()
	}
	return out
}

func axes(v *structpb.Value) [3]float64 {
	var out [3]float64
	copy(out[:], numbers(v))
	return out
}

// StructToSample is the inverse of SampleToStruct.
func StructToSample(m *structpb.Struct) (agv.Sample, error) {
	f := m.GetFields()
	num := func(k string) float64 { return f[k].GetNumberValue() }
	seq := uint32(num("seq"))
	ts := time.Duration(num("t_ms")) * time.Millisecond

	switch kind := f["kind"].GetStringValue(); kind {
	case "imu":
		return agv.IMUSample{
			Seq:       seq,
			Timestamp: ts,
			Roll:      num("roll_deg"),
			Pitch:     num("pitch_deg"),
			Yaw:       num("yaw_deg"),
			Accel:     axes(f["accel_g"]),
			Gyro:      axes(f["gyro_dps"]),
			TempC:     num("temp_c"),
		}, nil
	case "lidar":
		return agv.LiDARScan{
			Seq:        seq,
			Timestamp:  ts,
			StartAngle: num("start_deg"),
			Resolution: num("resolution_deg"),
			Readings:   numbers(f["readings_mm"]),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSample, kind)
	}
}

// StreamRequest selects which sample kinds a stream carries.
type StreamRequest struct {
	Kinds []string
}

// ToStruct renders the request message.
func (r StreamRequest) ToStruct() (*structpb.Struct, error) {
	fields := map[string]interface{}{}
	if len(r.Kinds) > 0 {
		kinds := make([]interface{}, len(r.Kinds))
		for i, k := range r.Kinds {
			kinds[i] = k
		}
		fields["kinds"] = kinds
	}
	return structpb.NewStruct(fields)
}

func parseRequest(m *structpb.Struct) (map[string]bool, error) {
	list := m.GetFields()["kinds"].GetListValue().GetValues()
	if len(list) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(list))
	for _, v := range list {
		k := v.GetStringValue()
		if k != "imu" && k != "lidar" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSample, k)
		}
		want[k] = true
	}
	return want, nil
}
