package rpc

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/spec-kit/identity-service/internal/auth"
)

// HealthMethods are the standard health service methods, usually left public.
var HealthMethods = []string{
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/Watch",
}

type claimsContextKey struct{}

// ClaimsFromContext returns the claims attached by the auth interceptors.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*auth.Claims)
	return claims, ok
}

// UnaryAuthInterceptor validates the bearer token in the authorization
// metadata of every call except publicMethods.
func UnaryAuthInterceptor(verifier auth.TokenVerifier, logger *zap.Logger, publicMethods ...string) grpc.UnaryServerInterceptor {
	guard := newGuard(verifier, logger, publicMethods)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := guard.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is the streaming counterpart of UnaryAuthInterceptor.
func StreamAuthInterceptor(verifier auth.TokenVerifier, logger *zap.Logger, publicMethods ...string) grpc.StreamServerInterceptor {
	guard := newGuard(verifier, logger, publicMethods)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := guard.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

type guard struct {
	verifier auth.TokenVerifier
	logger   *zap.Logger
	public   map[string]struct{}
}

func newGuard(verifier auth.TokenVerifier, logger *zap.Logger, publicMethods []string) *guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	public := make(map[string]struct{}, len(publicMethods))
	for _, m := range publicMethods {
		public[m] = struct{}{}
	}
	return &guard{verifier: verifier, logger: logger, public: public}
}

func (g *guard) authenticate(ctx context.Context, method string) (context.Context, error) {
	if _, ok := g.public[method]; ok {
		return ctx, nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	token, ok := auth.BearerToken(values[0])
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "invalid authorization metadata")
	}

	claims, err := g.verifier.Authenticate(token)
	if err != nil {
		g.logger.Debug("rpc token rejected",
			zap.String("method", method),
			zap.String("reason", auth.Kind(err)),
		)
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return context.WithValue(ctx, claimsContextKey{}, claims), nil
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context {
	return s.ctx
}
