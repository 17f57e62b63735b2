package worker

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/durable-exec/internal/server"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// GrpcSource is a Source backed by the work service of a remote node.
type GrpcSource struct {
	client *server.Client
}

var _ Source = (*GrpcSource)(nil)

// NewGrpcSource creates a GrpcSource.
// conn should be an established gRPC connection.
func NewGrpcSource(conn grpc.ClientConnInterface, workerID string) *GrpcSource {
	return &GrpcSource{client: server.NewClient(conn, workerID)}
}

// Poll long-polls the remote dispatcher.
func (s *GrpcSource) Poll(ctx context.Context, max int) ([]types.WorkTask, error) {
	return s.client.PollWork(ctx, max)
}

// Report sends the outcome of an attempt to the remote dispatcher.
func (s *GrpcSource) Report(ctx context.Context, token string, outcome types.Outcome) error {
	return s.client.ReportOutcome(ctx, token, outcome)
}

// Heartbeat pings the remote dispatcher.
func (s *GrpcSource) Heartbeat(ctx context.Context, token string) (bool, error) {
	return s.client.Heartbeat(ctx, token)
}
