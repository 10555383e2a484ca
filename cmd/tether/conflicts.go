package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperengineering/tether/internal/conflict"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/spf13/cobra"
)

var (
	conflictsAll       bool
	resolveResolution  string
	resolveMergedInput string
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open conflicts with both versions",
	Args:  cobra.NoArgs,
	RunE:  runConflictsList,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Supply a decision for a conflict",
	Long: `Supply a decision for an open conflict:
  keep_local      resubmit the local change on top of the server's version
  keep_remote     drop the local change and adopt the server's record
  merge           queue the payload given with --merged ('-' reads stdin)
  manual_pending  leave the conflict open for later`,
	Args: cobra.ExactArgs(1),
	RunE: runConflictsResolve,
}

func init() {
	conflictsListCmd.Flags().BoolVar(&conflictsAll, "all", false,
		"Include resolved conflicts")
	conflictsResolveCmd.Flags().StringVar(&resolveResolution, "resolution", "",
		"keep_local, keep_remote, merge or manual_pending")
	conflictsResolveCmd.Flags().StringVar(&resolveMergedInput, "merged", "",
		"Merged JSON payload for --resolution merge, or '-' for stdin")
	conflictsResolveCmd.MarkFlagRequired("resolution")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	views, err := s.engine.Conflicts(ctx, !conflictsAll)
	if err != nil {
		return fmt.Errorf("list conflicts: %w", err)
	}

	if jsonOutput {
		if views == nil {
			views = []types.ConflictView{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"conflicts": views,
			"total":     len(views),
		})
	}

	if len(views) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conflicts.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tKIND\tRECORD\tOPERATION\tSERVER\tLOCAL\tRESOLUTION")
	for _, v := range views {
		local := "-"
		if v.LocalVersion != nil {
			local = fmt.Sprint(*v.LocalVersion)
		}
		resolution := "open"
		if v.Resolution != nil {
			resolution = string(*v.Resolution)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			v.ID,
			v.Kind,
			types.RecordKey(v.Event.AggregateType, v.Event.AggregateID),
			v.Event.Operation,
			v.ServerVersion,
			local,
			resolution,
		)
	}
	return w.Flush()
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	d := conflict.Decision{Resolution: types.Resolution(resolveResolution)}
	if !d.Resolution.Valid() {
		return fmt.Errorf("unknown resolution %q", resolveResolution)
	}
	if resolveMergedInput != "" {
		merged := []byte(resolveMergedInput)
		if resolveMergedInput == "-" {
			var err error
			if merged, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return fmt.Errorf("read merged payload: %w", err)
			}
		}
		if !json.Valid(merged) {
			return fmt.Errorf("merged payload is not valid JSON")
		}
		d.MergedPayload = merged
	}

	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	action, err := s.engine.Resolve(ctx, args[0], d)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"conflict_id": args[0],
			"action":      action.Kind,
			"event_id":    action.EventID,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Conflict %s: %s\n", args[0], action.Kind)
	if action.EventID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Next delivery: event %s (run 'tether sync')\n", action.EventID)
	}
	return nil
}
