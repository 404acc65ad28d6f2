package grpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/server/collection"
	"github.com/dmitrijs2005/ankisync/internal/server/conflict"
	"github.com/dmitrijs2005/ankisync/internal/server/syncops"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func (s *GRPCServer) HostKey(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	username := in.GetFields()["u"].GetStringValue()
	password := in.GetFields()["p"].GetStringValue()
	if username == "" {
		return nil, status.Error(codes.InvalidArgument, "missing username")
	}

	key, err := s.sync.HostKey(ctx, username, []byte(password))
	if err != nil {
		s.logger.Warn(ctx, "host key refused", "user", username, "error", err)
		return nil, toStatus(err)
	}
	return wrapperspb.String(key), nil
}

func (s *GRPCServer) Dispatch(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}

	d, err := syncops.ParseDomain(firstValue(ctx, common.DomainHeaderName))
	if err != nil {
		return nil, toStatus(err)
	}
	op := firstValue(ctx, common.OperationHeaderName)

	out, err := sess.Dispatch(ctx, d, op, in.GetValue())
	if err != nil {
		s.logger.Debug(ctx, "dispatch failed", "domain", d, "op", op, "error", err)
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(out), nil
}

func (s *GRPCServer) Logout(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.sync.Logout(ctx, sess.HostKey()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, common.ErrorUnauthorized),
		errors.Is(err, common.ErrInvalidToken),
		errors.Is(err, common.ErrTokenExpired),
		errors.Is(err, common.ErrSessionNotFound):
		code = codes.Unauthenticated
	case errors.Is(err, common.ErrorValidation):
		code = codes.InvalidArgument
	case errors.Is(err, common.ErrUnknownOperation):
		code = codes.Unimplemented
	case errors.Is(err, common.ErrNotStarted),
		errors.Is(err, common.ErrAlreadyFinished),
		errors.Is(err, common.ErrNonMonotonic):
		code = codes.FailedPrecondition
	case errors.Is(err, common.ErrConflictResolution):
		code = codes.Aborted
	case errors.Is(err, common.ErrOpen):
		code = codes.Unavailable
	case errors.Is(err, common.ErrorNotFound):
		code = codes.NotFound
	case errors.Is(err, common.ErrDuplicateSession), errors.Is(err, common.ErrorAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		return status.Error(codes.Internal, "internal error")
	}

	st := status.New(code, err.Error())
	var ce *conflict.ConflictError
	if errors.As(err, &ce) {
		if d, derr := conflictDetail(ce); derr == nil {
			if withDetail, derr := st.WithDetails(d); derr == nil {
				st = withDetail
			}
		}
	}
	return st.Err()
}

// conflictDetail packs both versions of a refused merge as
// {"local": object, "incoming": object}.
func conflictDetail(ce *conflict.ConflictError) (*structpb.Struct, error) {
	b, err := json.Marshal(map[string]collection.Object{"local": ce.Local, "incoming": ce.Incoming})
	if err != nil {
		return nil, err
	}
	d := &structpb.Struct{}
	if err := protojson.Unmarshal(b, d); err != nil {
		return nil, err
	}
	return d, nil
}
