package server

import (
	"context"
	"errors"

	"PerpSettle/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "perpsettle.v1.Query"

// queryHandler is the handler type the service descriptor is registered
// against.
type queryHandler interface {
	queryService() *query.QueryService
}

type queryServer struct {
	qs *query.QueryService
}

func (s *queryServer) queryService() *query.QueryService { return s.qs }

// QueryServiceDesc describes perpsettle.v1.Query. Every method is unary and
// maps one-to-one onto a QueryService method.
var QueryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*queryHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", (*query.QueryService).GetStatus),
		unary("GetAccount", (*query.QueryService).GetAccount),
		unary("GetBalance", (*query.QueryService).GetBalance),
		unary("GetPosition", (*query.QueryService).GetPosition),
		unary("GetPositions", (*query.QueryService).GetPositions),
		unary("GetMarket", (*query.QueryService).GetMarket),
		unary("GetFees", (*query.QueryService).GetFees),
		unary("GetInsurance", (*query.QueryService).GetInsurance),
		unary("GetVault", (*query.QueryService).GetVault),
		unary("GetStake", (*query.QueryService).GetStake),
		unary("GetNonce", (*query.QueryService).GetNonce),
		unary("GetOrder", (*query.QueryService).GetOrder),
		unary("VerifyIntegrity", (*query.QueryService).VerifyIntegrity),
	},
	Streams: []grpc.StreamDesc{},
}

// FullMethod returns the gRPC path of a Query method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](name string, call func(*query.QueryService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	invoke := func(srv any, ctx context.Context, req *Req) (any, error) {
		resp, err := call(srv.(queryHandler).queryService(), ctx, req)
		if err != nil {
			return nil, toStatus(err)
		}
		return resp, nil
	}
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return invoke(srv, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return invoke(srv, ctx, req.(*Req))
			})
		},
	}
}

func statusCode(err error) codes.Code {
	switch {
	case errors.Is(err, query.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	return status.Error(statusCode(err), err.Error())
}
