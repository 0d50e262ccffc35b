package visualiser

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/agvlink/internal/agv"
)

// Client consumes the Telemetry stream.
type Client struct {
	conn  grpc.ClientConnInterface
	owned *grpc.ClientConn
}

// Dial connects to a telemetry server without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn, owned: conn}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close releases a connection opened by Dial.
func (c *Client) Close() error {
	if c.owned == nil {
		return nil
	}
	return c.owned.Close()
}

// Stream calls fn for each sample until the server ends the stream, ctx is
// cancelled, or fn returns an error.
func (c *Client) Stream(ctx context.Context, req StreamRequest, fn func(agv.Sample) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msg, err := req.ToStruct()
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], StreamSamplesMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(msg); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		m := new(structpb.Struct)
		if err := stream.RecvMsg(m); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		sample, err := StructToSample(m)
		if err != nil {
			return err
		}
		if err := fn(sample); err != nil {
			return err
		}
	}
}
