package trace

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// UnaryServerInterceptor continues the caller's trace (if any) for incoming
// unary calls and logs failures.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = WithContext(ctx, fromIncoming(ctx))
		resp, err := handler(ctx, req)
		if err != nil {
			Logger(ctx).Debug("grpc call failed", "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}

func fromIncoming(ctx context.Context) Context {
	tc := Context{SpanID: generateSpanID()}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(TraceIDKey); len(v) > 0 {
			tc.TraceID = v[0]
		}
		if v := md.Get(SpanIDKey); len(v) > 0 {
			tc.ParentSpanID = v[0]
		}
	}
	if tc.TraceID == "" {
		tc.TraceID = generateTraceID()
	}
	return tc
}
