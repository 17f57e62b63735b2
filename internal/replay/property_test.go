package replay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ChuLiYu/durable-exec/internal/codec"
	"github.com/ChuLiYu/durable-exec/pkg/types"
	"github.com/ChuLiYu/durable-exec/pkg/workflow"
)

// planFlow executes a list of steps: 0 runs work, 1 sleeps, 2 records a
// side effect, 3 runs two work items side by side.
func planFlow(counter *int) workflow.Func {
	return func(ctx workflow.Context, in types.Payload) (types.Payload, error) {
		var plan []int
		if err := codec.Decode(in, &plan); err != nil {
			return types.Payload{}, err
		}
		var trace []string
		for i, step := range plan {
			switch step {
			case 0:
				var out string
				if err := workflow.ExecuteWork(ctx, workflow.WorkRequest{Name: fmt.Sprintf("step-%d", i)}).Get(ctx, &out); err != nil {
					return types.Payload{}, err
				}
				trace = append(trace, out)
			case 1:
				if err := ctx.Sleep(time.Duration(i+1) * time.Second); err != nil {
					return types.Payload{}, err
				}
				trace = append(trace, "slept")
			case 2:
				var n int
				if err := ctx.SideEffect(func() (any, error) { *counter++; return *counter, nil }, &n); err != nil {
					return types.Payload{}, err
				}
				trace = append(trace, fmt.Sprint(n))
			case 3:
				a := workflow.ExecuteWork(ctx, workflow.WorkRequest{Name: fmt.Sprintf("left-%d", i)})
				b := workflow.ExecuteWork(ctx, workflow.WorkRequest{Name: fmt.Sprintf("right-%d", i)})
				var l, r string
				if err := b.Get(ctx, &r); err != nil {
					return types.Payload{}, err
				}
				if err := a.Get(ctx, &l); err != nil {
					return types.Payload{}, err
				}
				trace = append(trace, l+"|"+r)
			}
		}
		return codec.Encode(trace)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a finished history replays without divergence and side effects run once", prop.ForAll(
		func(plan []int) bool {
			h := newHarness(t)
			counter := 0
			h.register("plan", planFlow(&counter))
			h.start("plan", plan)
			end := h.runToEnd(succeed)
			if end.Kind != types.EventExecutionCompleted {
				return false
			}

			sideEffects := 0
			for _, step := range plan {
				if step == 2 {
					sideEffects++
				}
			}
			if counter != sideEffects {
				return false
			}

			// Replaying twice produces the same decisions both times.
			history := h.history()
			if ReplayHistory(context.Background(), h.registry, "", history) != nil {
				return false
			}
			return ReplayHistory(context.Background(), h.registry, "", history) == nil && counter == sideEffects
		},
		gen.SliceOfN(6, gen.IntRange(0, 3)),
	))

	properties.Property("decision indexes are gapless", prop.ForAll(
		func(plan []int) bool {
			h := newHarness(t)
			counter := 0
			h.register("plan", planFlow(&counter))
			h.start("plan", plan)
			h.runToEnd(succeed)

			next := 1
			for _, ev := range h.history() {
				if !ev.Kind.IsDecision() {
					continue
				}
				if ev.Decision != next {
					return false
				}
				next++
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
