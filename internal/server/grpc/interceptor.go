package grpc

import (
	"context"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/server/sessions"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const sessionKey ctxKey = "session"

func firstValue(ctx context.Context, name string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(name); len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// hostKeyInterceptor resolves the host key metadata to a session for every
// method except HostKey.
func (s *GRPCServer) hostKeyInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if info.FullMethod == MethodHostKey {
		return handler(ctx, req)
	}

	hostKey := firstValue(ctx, common.HostKeyHeaderName)
	if hostKey == "" {
		return nil, status.Error(codes.Unauthenticated, "missing host key")
	}

	sess, err := s.sync.Session(ctx, hostKey)
	if err != nil {
		return nil, toStatus(err)
	}

	return handler(context.WithValue(ctx, sessionKey, sess), req)
}

func sessionFrom(ctx context.Context) (*sessions.Session, error) {
	sess, ok := ctx.Value(sessionKey).(*sessions.Session)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no session")
	}
	return sess, nil
}
