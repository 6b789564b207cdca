package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls FlowService methods over an existing connection.
type Client struct {
	conn   grpc.ClientConnInterface
	apiKey string
}

func NewClient(conn grpc.ClientConnInterface, apiKey string) *Client {
	return &Client{conn: conn, apiKey: apiKey}
}

func (c *Client) ctx(ctx context.Context) context.Context {
	if c.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.apiKey)
}

// Call invokes a unary method with args as the request struct.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(args)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(c.ctx(ctx), "/"+ServiceName+"/"+method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// StreamEvents calls fn for every streamed completion until ctx ends or
// fn returns false.
func (c *Client) StreamEvents(ctx context.Context, filter map[string]any, fn func(*structpb.Struct) bool) error {
	req, err := structpb.NewStruct(filter)
	if err != nil {
		return err
	}
	desc := &serviceDesc.Streams[0]
	stream, err := c.conn.NewStream(c.ctx(ctx), desc, "/"+ServiceName+"/"+desc.StreamName)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		ev := new(structpb.Struct)
		if err := stream.RecvMsg(ev); err != nil {
			return err
		}
		if !fn(ev) {
			return nil
		}
	}
}
