package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/durable-exec/internal/config"
	"github.com/ChuLiYu/durable-exec/internal/replay"
	"github.com/ChuLiYu/durable-exec/internal/storage/eventlog"
	"github.com/ChuLiYu/durable-exec/internal/storage/wal"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// ErrRunNotFound is returned when the requested run has no events.
var ErrRunNotFound = errors.New("run not found")

func buildHistoryCommand() *cobra.Command {
	var run uint64
	var stats bool

	cmd := &cobra.Command{
		Use:   "history <execution-id>",
		Short: "Print the event log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return printHistory(cmd.Context(), cmd.OutOrStdout(), cfg, types.ExecutionID(args[0]), types.RunID(run), stats)
		},
	}

	cmd.Flags().Uint64Var(&run, "run", 0, "run number (0 means the latest run)")
	cmd.Flags().BoolVar(&stats, "stats", false, "validate the WAL file and print a summary (wal backend only)")
	return cmd
}

func buildReplayCommand() *cobra.Command {
	var run uint64
	var workflowName string

	cmd := &cobra.Command{
		Use:   "replay <execution-id>",
		Short: "Replay a stored run against the registered workflows",
		Long:  "Re-run the orchestration code over a recorded history and report the first divergence, if any.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return replayRun(cmd.Context(), cmd.OutOrStdout(), cfg, types.ExecutionID(args[0]), types.RunID(run), workflowName)
		},
	}

	cmd.Flags().Uint64Var(&run, "run", 0, "run number (0 means the latest run)")
	cmd.Flags().StringVar(&workflowName, "workflow", "", "replay with this workflow instead of the recorded one")
	return cmd
}

// latestRun finds the highest run of id. Stores that list their runs are
// asked directly; the others are probed upward until a run has no events.
func latestRun(ctx context.Context, store eventlog.Store, id types.ExecutionID) (types.RunID, error) {
	var keys []types.RunKey
	var err error
	listed := true
	switch l := store.(type) {
	case interface {
		Keys(context.Context) ([]types.RunKey, error)
	}:
		keys, err = l.Keys(ctx)
	case interface{ Keys() ([]types.RunKey, error) }:
		keys, err = l.Keys()
	case interface{ Keys() []types.RunKey }:
		keys = l.Keys()
	default:
		listed = false
	}
	if err != nil {
		return 0, err
	}

	var latest types.RunID
	if listed {
		for _, k := range keys {
			if k.ExecutionID == id && k.RunID > latest {
				latest = k.RunID
			}
		}
	} else {
		for run := types.RunID(1); ; run++ {
			last, err := store.LastSeq(ctx, types.RunKey{ExecutionID: id, RunID: run})
			if err != nil {
				return 0, err
			}
			if last == 0 {
				break
			}
			latest = run
		}
	}
	if latest == 0 {
		return 0, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return latest, nil
}

// loadRun opens the configured store and reads one run.
func loadRun(ctx context.Context, cfg *config.Config, id types.ExecutionID, run types.RunID) (types.RunKey, []types.Event, eventlog.Store, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return types.RunKey{}, nil, nil, err
	}
	if run == 0 {
		if run, err = latestRun(ctx, store, id); err != nil {
			_ = store.Close()
			return types.RunKey{}, nil, nil, err
		}
	}
	key := types.RunKey{ExecutionID: id, RunID: run}
	events, err := eventlog.ReadAll(ctx, store, key)
	if err != nil {
		_ = store.Close()
		return key, nil, nil, err
	}
	if len(events) == 0 {
		_ = store.Close()
		return key, nil, nil, fmt.Errorf("%w: %s run %d", ErrRunNotFound, id, run)
	}
	return key, events, store, nil
}

func printHistory(ctx context.Context, w io.Writer, cfg *config.Config, id types.ExecutionID, run types.RunID, stats bool) error {
	key, events, store, err := loadRun(ctx, cfg, id, run)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Fprintf(w, "%s run %d (%d events)\n", key.ExecutionID, key.RunID, len(events))
	for _, ev := range events {
		fmt.Fprintln(w, wal.FormatEvent(ev))
	}

	if !stats {
		return nil
	}
	log, ok := store.(*wal.WAL)
	if !ok {
		return fmt.Errorf("--stats needs the wal backend, not %s", cfg.Store.Backend)
	}
	st, err := wal.GetWALStats(log.Path(key))
	if err != nil {
		return fmt.Errorf("wal file is invalid: %w", err)
	}
	fmt.Fprintf(w, "\nfile:    %s\n", log.Path(key))
	fmt.Fprintf(w, "events:  %d (seq %d..%d)\n", st.TotalEvents, st.FirstSeq, st.LastSeq)
	fmt.Fprintf(w, "span:    %s\n", st.TimeRange[1].Sub(st.TimeRange[0]))
	fmt.Fprintf(w, "closed:  %t\n", st.Closed)
	kinds := make([]string, 0, len(st.EventKinds))
	for k := range st.EventKinds {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-24s %d\n", k, st.EventKinds[types.EventKind(k)])
	}
	return nil
}

func replayRun(ctx context.Context, w io.Writer, cfg *config.Config, id types.ExecutionID, run types.RunID, workflowName string) error {
	key, events, store, err := loadRun(ctx, cfg, id, run)
	if err != nil {
		return err
	}
	defer store.Close()

	workflows, _, err := orderRegistries()
	if err != nil {
		return err
	}
	if err := replay.ReplayHistory(ctx, workflows, workflowName, events); err != nil {
		return fmt.Errorf("%s run %d does not replay: %w", key.ExecutionID, key.RunID, err)
	}
	fmt.Fprintf(w, "%s run %d replays cleanly (%d events)\n", key.ExecutionID, key.RunID, len(events))
	return nil
}
