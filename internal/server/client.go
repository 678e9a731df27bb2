package server

import (
	"PerpCore/internal/perperr"
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the services over a gRPC connection.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens a plaintext connection to addr.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Execute runs the named operation (e.g. "open_position"). Domain rejections
// come back as *perperr.Error.
func (c *Client) Execute(ctx context.Context, opName string, fields map[string]interface{}) (*structpb.Struct, error) {
	return c.invoke(ctx, OperationServiceName, MethodName(opName), fields)
}

// Query calls a query or admin method (e.g. QueryServiceName, "GetVault").
func (c *Client) Query(ctx context.Context, service, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	return c.invoke(ctx, service, method, fields)
}

func (c *Client) invoke(ctx context.Context, service, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, req, resp); err != nil {
		return nil, perperr.FromGRPC(err)
	}
	return resp, nil
}
