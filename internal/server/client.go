package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls plan2mesh.v1.JobService.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetStatus returns the status report of id.
func (c *Client) GetStatus(ctx context.Context, id string) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetStatus, wrapperspb.String(id), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// ListJobs lists up to limit jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, limit int, status string) ([]any, error) {
	fields := map[string]any{"limit": limit}
	if status != "" {
		fields["status"] = status
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodListJobs, in, out); err != nil {
		return nil, err
	}
	return out.AsSlice(), nil
}

// DeleteJob removes id.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.cc.Invoke(ctx, methodDeleteJob, wrapperspb.String(id), new(emptypb.Empty))
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
