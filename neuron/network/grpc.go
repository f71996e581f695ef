package network

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pandablue0809/bittensor/neuron/data"
)

// OpentensorServer is the server API for the Opentensor service.
//
// Proto definition: opentensor.proto.
type OpentensorServer interface {
	Fwd(context.Context, *data.TensorMessage) (*data.TensorMessage, error)
	Bwd(context.Context, *data.TensorMessage) (*data.TensorMessage, error)
}

// UnimplementedOpentensorServer can be embedded to have forward compatible implementations.
type UnimplementedOpentensorServer struct{}

func (UnimplementedOpentensorServer) Fwd(context.Context, *data.TensorMessage) (*data.TensorMessage, error) {
	return nil, status.Error(codes.Unimplemented, "method Fwd not implemented")
}
func (UnimplementedOpentensorServer) Bwd(context.Context, *data.TensorMessage) (*data.TensorMessage, error) {
	return nil, status.Error(codes.Unimplemented, "method Bwd not implemented")
}

// RegisterOpentensorServer registers the Opentensor service on a gRPC server.
func RegisterOpentensorServer(s grpc.ServiceRegistrar, srv OpentensorServer) {
	s.RegisterService(&Opentensor_ServiceDesc, srv)
}

// OpentensorClient is the client API for the Opentensor service.
type OpentensorClient interface {
	Fwd(ctx context.Context, in *data.TensorMessage, opts ...grpc.CallOption) (*data.TensorMessage, error)
	Bwd(ctx context.Context, in *data.TensorMessage, opts ...grpc.CallOption) (*data.TensorMessage, error)
}

type opentensorClient struct{ cc grpc.ClientConnInterface }

func NewOpentensorClient(cc grpc.ClientConnInterface) OpentensorClient {
	return &opentensorClient{cc: cc}
}

func (c *opentensorClient) Fwd(ctx context.Context, in *data.TensorMessage, opts ...grpc.CallOption) (*data.TensorMessage, error) {
	out := new(data.TensorMessage)
	err := c.cc.Invoke(ctx, "/Opentensor/Fwd", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *opentensorClient) Bwd(ctx context.Context, in *data.TensorMessage, opts ...grpc.CallOption) (*data.TensorMessage, error) {
	out := new(data.TensorMessage)
	err := c.cc.Invoke(ctx, "/Opentensor/Bwd", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func _Opentensor_Fwd_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(data.TensorMessage)
	if err := dec(in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if interceptor == nil {
		return srv.(OpentensorServer).Fwd(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/Opentensor/Fwd"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OpentensorServer).Fwd(ctx, req.(*data.TensorMessage))
	}
	return interceptor(ctx, in, info, handler)
}

func _Opentensor_Bwd_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(data.TensorMessage)
	if err := dec(in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if interceptor == nil {
		return srv.(OpentensorServer).Bwd(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/Opentensor/Bwd"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OpentensorServer).Bwd(ctx, req.(*data.TensorMessage))
	}
	return interceptor(ctx, in, info, handler)
}

// Opentensor_ServiceDesc is the grpc.ServiceDesc for the Opentensor service.
var Opentensor_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "Opentensor",
	HandlerType: (*OpentensorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Fwd", Handler: _Opentensor_Fwd_Handler},
		{MethodName: "Bwd", Handler: _Opentensor_Bwd_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "opentensor.proto",
}

// MetagraphServer is the server API for the Metagraph service.
type MetagraphServer interface {
	Gossip(context.Context, *data.SynapseBatch) (*data.SynapseBatch, error)
}

// UnimplementedMetagraphServer can be embedded to have forward compatible implementations.
type UnimplementedMetagraphServer struct{}

func (UnimplementedMetagraphServer) Gossip(context.Context, *data.SynapseBatch) (*data.SynapseBatch, error) {
	return nil, status.Error(codes.Unimplemented, "method Gossip not implemented")
}

// RegisterMetagraphServer registers the Metagraph service on a gRPC server.
func RegisterMetagraphServer(s grpc.ServiceRegistrar, srv MetagraphServer) {
	s.RegisterService(&Metagraph_ServiceDesc, srv)
}

// MetagraphClient is the client API for the Metagraph service.
type MetagraphClient interface {
	Gossip(ctx context.Context, in *data.SynapseBatch, opts ...grpc.CallOption) (*data.SynapseBatch, error)
}

type metagraphClient struct{ cc grpc.ClientConnInterface }

func NewMetagraphClient(cc grpc.ClientConnInterface) MetagraphClient {
	return &metagraphClient{cc: cc}
}

func (c *metagraphClient) Gossip(ctx context.Context, in *data.SynapseBatch, opts ...grpc.CallOption) (*data.SynapseBatch, error) {
	out := new(data.SynapseBatch)
	err := c.cc.Invoke(ctx, "/Metagraph/Gossip", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func _Metagraph_Gossip_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(data.SynapseBatch)
	if err := dec(in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if interceptor == nil {
		return srv.(MetagraphServer).Gossip(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/Metagraph/Gossip"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MetagraphServer).Gossip(ctx, req.(*data.SynapseBatch))
	}
	return interceptor(ctx, in, info, handler)
}

// Metagraph_ServiceDesc is the grpc.ServiceDesc for the Metagraph service.
var Metagraph_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "Metagraph",
	HandlerType: (*MetagraphServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Gossip", Handler: _Metagraph_Gossip_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "opentensor.proto",
}
