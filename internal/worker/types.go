package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// TaskInfo describes the attempt a handler is running.
type TaskInfo struct {
	ExecutionID types.ExecutionID
	RunID       types.RunID
	WorkItemID  string
	Name        string
	Attempt     int
	// Deadline is the end of the StartToClose window of this attempt.
	Deadline time.Time
}

// Result is what one execution produced, as seen by the pool.
type Result struct {
	Task     types.WorkTask
	Outcome  types.Outcome
	Duration time.Duration
}

type infoKey struct{}

func withInfo(ctx context.Context, info TaskInfo) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFromContext returns the attempt a handler context belongs to.
func InfoFromContext(ctx context.Context) (TaskInfo, bool) {
	info, ok := ctx.Value(infoKey{}).(TaskInfo)
	return info, ok
}
