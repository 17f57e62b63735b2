package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/internal/server"
)

// TestPoolOverGrpc runs a pool against a fakeSource served by the work
// service, so that every poll, heartbeat and report crosses the wire.
func TestPoolOverGrpc(t *testing.T) {
	src := newFakeSource()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := server.NewServer(src, server.WithPollTimeout(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.ServeListener(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	reg := NewRegistry()
	require.NoError(t, Register(reg, "greet", func(_ context.Context, name string) (string, error) {
		return "hello " + name, nil
	}))

	pool := newTestPool(t, NewGrpcSource(conn, "remote-1"), reg, Config{HeartbeatInterval: 10 * time.Millisecond})
	require.NoError(t, pool.Start(2))

	tok := src.push("greet", "ada", time.Second)
	waitReported(t, src, 1)

	out := src.outcome(tok)
	require.True(t, out.Succeeded())
	var greeting string
	require.NoError(t, codec.Decode(out.Output, &greeting))
	assert.Equal(t, "hello ada", greeting)

	workers := srv.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, "remote-1", workers[0].NodeID)
	assert.Positive(t, workers[0].Polls)
}
