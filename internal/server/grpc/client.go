package grpc

import (
	"context"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/server/syncops"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls ankisync.v1.Sync over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) HostKey(ctx context.Context, username, password string) (string, error) {
	in, err := structpb.NewStruct(map[string]any{"u": username, "p": password})
	if err != nil {
		return "", err
	}
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, MethodHostKey, in, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) Dispatch(ctx context.Context, hostKey string, d syncops.Domain, op string, payload []byte) ([]byte, error) {
	ctx = metadata.AppendToOutgoingContext(ctx,
		common.HostKeyHeaderName, hostKey,
		common.DomainHeaderName, string(d),
		common.OperationHeaderName, op,
	)
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, MethodDispatch, wrapperspb.Bytes(payload), out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

func (c *Client) Logout(ctx context.Context, hostKey string) error {
	ctx = metadata.AppendToOutgoingContext(ctx, common.HostKeyHeaderName, hostKey)
	return c.cc.Invoke(ctx, MethodLogout, &emptypb.Empty{}, new(emptypb.Empty))
}
