// ABOUTME: gRPC interceptors for authenticating requests with bearer JWTs
// ABOUTME: Enforces a per-method role policy and populates context for handlers

package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Policy maps full gRPC method names to the roles allowed to call them.
// Methods missing from the policy are admin-only.
type Policy map[string][]Role

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates
// requests and enforces policy.
func UnaryInterceptor(tokens TokenVerifier, policy Policy, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		authCtx, err := extractAuth(ctx, tokens, policy, info.FullMethod, logger)
		if err != nil {
			return nil, err
		}
		return handler(WithAuth(ctx, authCtx), req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates
// requests and enforces policy.
func StreamInterceptor(tokens TokenVerifier, policy Policy, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		authCtx, err := extractAuth(ss.Context(), tokens, policy, info.FullMethod, logger)
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithAuth(ss.Context(), authCtx),
		}
		return handler(srv, wrapped)
	}
}

// anonymous is injected when authentication is disabled.
func anonymous() *AuthContext {
	return &AuthContext{Subject: "anonymous", Role: RoleAdmin}
}

// NoAuthUnaryInterceptor returns a gRPC unary interceptor that injects an
// anonymous admin context when authentication is disabled, so handlers that
// call MustFromContext do not panic.
func NoAuthUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		return handler(WithAuth(ctx, anonymous()), req)
	}
}

// NoAuthStreamInterceptor returns a gRPC stream interceptor that injects an
// anonymous admin context when authentication is disabled.
func NoAuthStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithAuth(ss.Context(), anonymous()),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// extractAuth authenticates the bearer token in ctx's metadata and checks the
// principal's role against policy for method.
func extractAuth(ctx context.Context, tokens TokenVerifier, policy Policy, method string, logger *slog.Logger) (*AuthContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing_metadata", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	headers := md.Get("authorization")
	if len(headers) == 0 {
		logAuthFailure(logger, ctx, "missing_token", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	token, errMsg := extractBearerToken(headers[0])
	if errMsg != "" {
		logAuthFailure(logger, ctx, "bad_header", "method", method)
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}

	principal, err := tokens.Verify(token)
	if err != nil {
		logAuthFailure(logger, ctx, "jwt_auth_failed", "method", method, "error", err.Error())
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}

	authCtx := &AuthContext{Subject: principal.Subject, Role: principal.Role}
	if !authCtx.Allows(policy[method]...) {
		logAuthFailure(logger, ctx, "role_denied", "method", method, "subject", principal.Subject, "role", string(principal.Role))
		return nil, status.Errorf(codes.PermissionDenied, "role %s may not call %s", principal.Role, method)
	}
	return authCtx, nil
}
