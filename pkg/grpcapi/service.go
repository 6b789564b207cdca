package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type unaryMethod func(*Server, context.Context, *structpb.Struct) (*structpb.Struct, error)

var unaryMethods = map[string]unaryMethod{
	"GetStatus":     (*Server).GetStatus,
	"ListPorts":     (*Server).ListPorts,
	"ListPipes":     (*Server).ListPipes,
	"ListEntries":   (*Server).ListEntries,
	"RemoveEntry":   (*Server).RemoveEntry,
	"DumpPipe":      (*Server).DumpPipe,
	"ListResources": (*Server).ListResources,
	"ListSessions":  (*Server).ListSessions,
	"GetEvents":     (*Server).GetEvents,
}

func unaryHandler(name string, m unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*Server)
		if interceptor == nil {
			return m(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return m(s, ctx, req.(*structpb.Struct))
		})
	}
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Server).StreamEvents(in, stream)
}

var serviceDesc = func() grpc.ServiceDesc {
	sd := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		}},
		Metadata: "flowpipe/v1/flow.proto",
	}
	for name, m := range unaryMethods {
		sd.Methods = append(sd.Methods, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name, m)})
	}
	return sd
}()
