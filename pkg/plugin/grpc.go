package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// The tool service has two unary methods whose request and response
// messages are google.protobuf.Struct values holding the JSON form of the
// Go types in this package.
const (
	serviceName      = "shipyard.tool.v1.Tool"
	describeMethod   = "/" + serviceName + "/Describe"
	invokeMethod     = "/" + serviceName + "/Invoke"
	serviceProtoFile = "shipyard/tool/v1/tool.proto"
)

// toolServer is the server-side handler type registered with gRPC.
type toolServer interface {
	Describe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var toolServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*toolServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Describe", Handler: unaryHandler(describeMethod, toolServer.Describe)},
		{MethodName: "Invoke", Handler: unaryHandler(invokeMethod, toolServer.Invoke)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: serviceProtoFile,
}

func unaryHandler(fullMethod string, call func(toolServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(toolServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(toolServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCPlugin is the go-plugin implementation for gRPC.
type GRPCPlugin struct {
	plugin.Plugin
	Impl Tool
}

// GRPCServer registers the tool service on s.
func (p *GRPCPlugin) GRPCServer(_ *plugin.GRPCBroker, s *grpc.Server) error {
	s.RegisterService(&toolServiceDesc, &GRPCServer{Impl: p.Impl})
	return nil
}

// GRPCClient returns a Tool backed by the connection.
func (p *GRPCPlugin) GRPCClient(_ context.Context, _ *plugin.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return &GRPCClient{conn: c}, nil
}

// GRPCServer is the server-side implementation of the tool service.
type GRPCServer struct {
	Impl Tool
}

// Describe returns tool metadata.
func (s *GRPCServer) Describe(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	info, err := s.Impl.Describe(ctx)
	if err != nil {
		return nil, err
	}
	return toStruct(info)
}

// Invoke runs the tool. Tool errors are reported in the response so the
// host can tell a failed invocation from a broken connection.
func (s *GRPCServer) Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req InvokeRequest
	if err := fromStruct(in, &req); err != nil {
		return toStruct(InvokeResponse{Error: "invalid request: " + err.Error()})
	}

	resp, err := s.Impl.Invoke(ctx, req)
	if err != nil {
		return toStruct(InvokeResponse{Error: err.Error()})
	}
	if resp == nil {
		resp = &InvokeResponse{Success: true}
	}
	return toStruct(resp)
}

// GRPCClient is the client-side implementation of Tool.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

var _ Tool = (*GRPCClient)(nil)

// Describe returns tool metadata.
func (c *GRPCClient) Describe(ctx context.Context) (Info, error) {
	var info Info
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, describeMethod, &structpb.Struct{}, out); err != nil {
		return info, err
	}
	if err := fromStruct(out, &info); err != nil {
		return info, fmt.Errorf("invalid describe response: %w", err)
	}
	return info, nil
}

// Invoke runs the tool for one stage.
func (c *GRPCClient) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, invokeMethod, in, out); err != nil {
		return nil, err
	}
	var resp InvokeResponse
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("invalid invoke response: %w", err)
	}
	return &resp, nil
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
