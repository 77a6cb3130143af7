package bootstrap

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Rendezvous service wire contract. Requests and replies are protobuf
// well-known types, so no generated code is needed:
//
//	Put(Struct{key: string, value: base64 string}) returns (Empty)
//	Get(StringValue{key}) returns (BytesValue); NotFound until published
const (
	serviceName   = "rshmem.bootstrap.Rendezvous"
	putMethod     = "/" + serviceName + "/Put"
	getMethod     = "/" + serviceName + "/Get"
	fieldKey      = "key"
	fieldValue    = "value"
	protoMetadata = "rshmem/bootstrap/rendezvous.proto"
)

type rendezvousServer interface {
	put(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	get(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
}

var rendezvousServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rendezvousServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: putHandler},
		{MethodName: "Get", Handler: getHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: protoMetadata,
}

func putHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rendezvousServer).put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: putMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(rendezvousServer).put(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rendezvousServer).get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(rendezvousServer).get(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// service serves the rendezvous RPCs from a backing store.
type service struct {
	store Store
	// lookup answers Get without blocking. Stores that cannot look up
	// without blocking are polled with a short deadline instead.
	lookup lookupFunc
}

func newService(store Store) *service {
	s := &service{store: store}
	switch st := store.(type) {
	case *MemStore:
		s.lookup = st.lookup
	case *RqliteStore:
		s.lookup = st.lookup
	case *SQLiteStore:
		s.lookup = st.lookup
	default:
		s.lookup = func(ctx context.Context, key string) ([]byte, error) {
			return store.Get(ctx, key)
		}
	}
	return s
}

func (s *service) put(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	key := fields[fieldKey].GetStringValue()
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	value, err := base64.StdEncoding.DecodeString(fields[fieldValue].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "value is not base64: %v", err)
	}

	log.Debug().Str("key", key).Int("len", len(value)).Msg("Rendezvous put")
	if err := s.store.Put(ctx, key, value); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to store rendezvous key")
		return nil, status.Errorf(codes.Internal, "put %q: %v", key, err)
	}
	return &emptypb.Empty{}, nil
}

func (s *service) get(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	key := req.GetValue()
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	value, err := s.lookup(ctx, key)
	switch {
	case err == nil:
		return wrapperspb.Bytes(value), nil
	case errors.Is(err, ErrNotFound):
		return nil, status.Errorf(codes.NotFound, "key %q not published", key)
	case errors.Is(err, ErrClosed):
		return nil, status.Error(codes.Unavailable, err.Error())
	default:
		return nil, status.Errorf(codes.Internal, "get %q: %v", key, err)
	}
}

func newPutRequest(key string, value []byte) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		fieldKey:   key,
		fieldValue: base64.StdEncoding.EncodeToString(value),
	})
}
