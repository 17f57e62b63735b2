// ============================================================================
// Durable Exec - task source
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: the abstraction a pool pulls work attempts from and reports
// outcomes to.
//
//   - in process: the dispatcher itself satisfies Source
//   - remote: GrpcSource talks to the work service of a serving node
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// Source hands out work attempts and records their outcomes.
type Source interface {
	// Poll blocks until at least one task is available or ctx ends.
	//
	// Parameters:
	//   - ctx: Context for cancellation.
	//   - max: Maximum number of tasks to return.
	Poll(ctx context.Context, max int) ([]types.WorkTask, error)

	// Report records the outcome of the attempt identified by token.
	// Reporting the same token twice is a no-op.
	Report(ctx context.Context, token string, outcome types.Outcome) error

	// Heartbeat tells the source the attempt is alive. It reports whether
	// the attempt should stop because its run closed or it already timed out.
	Heartbeat(ctx context.Context, token string) (cancelled bool, err error)
}
