package server

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/durable-exec/internal/dispatch"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// Client calls the work service of a remote node.
type Client struct {
	conn     grpc.ClientConnInterface
	workerID string
}

// NewClient returns a client that identifies itself as workerID.
func NewClient(conn grpc.ClientConnInterface, workerID string) *Client {
	return &Client{conn: conn, workerID: workerID}
}

// PollWork long-polls for up to max tasks.
func (c *Client) PollWork(ctx context.Context, max int) ([]types.WorkTask, error) {
	var resp pollResponse
	if err := c.invoke(ctx, methodPoll, pollRequest{WorkerID: c.workerID, Max: max}, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// ReportOutcome records the outcome of an attempt.
func (c *Client) ReportOutcome(ctx context.Context, token string, outcome types.Outcome) error {
	return c.invoke(ctx, methodReport, reportRequest{WorkerID: c.workerID, Token: token, Outcome: outcome}, nil)
}

// Heartbeat reports an attempt alive and returns whether it should stop.
func (c *Client) Heartbeat(ctx context.Context, token string) (bool, error) {
	var resp heartbeatResponse
	if err := c.invoke(ctx, methodHeartbeat, heartbeatRequest{WorkerID: c.workerID, Token: token}, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return fromStatus(err)
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

// fromStatus restores the dispatcher sentinel behind a status code.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", dispatch.ErrInvalidToken, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownWork, st.Message())
	case codes.Unavailable:
		if strings.Contains(st.Message(), dispatch.ErrDispatcherClosed.Error()) {
			return fmt.Errorf("%w: %s", dispatch.ErrDispatcherClosed, st.Message())
		}
		return err
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	default:
		return err
	}
}
