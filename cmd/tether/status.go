package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/hyperengineering/tether/internal/engine"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the tenant's sync status",
	Long:  "Show pending, failed and conflicted counts, the last successful sync and any blocked state. Does not contact the server.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	status := s.engine.Status()
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), status)
	}
	printStatus(cmd, status)
	return nil
}

func printStatus(cmd *cobra.Command, status engine.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Tenant:     %s\n", status.TenantID)
	fmt.Fprintf(out, "Phase:      %s\n", status.Phase)
	fmt.Fprintf(out, "Pending:    %d\n", status.PendingCount)
	fmt.Fprintf(out, "Failed:     %d\n", status.FailedCount)
	fmt.Fprintf(out, "Conflicts:  %d\n", status.ConflictCount)
	if status.LastSyncAt != nil {
		fmt.Fprintf(out, "Last sync:  %s (%s)\n",
			status.LastSyncAt.Format("2006-01-02 15:04:05 MST"), humanize.Time(*status.LastSyncAt))
	} else {
		fmt.Fprintln(out, "Last sync:  never")
	}
	if status.Blocked() {
		fmt.Fprintf(out, "BLOCKED:    %s\n", status.BlockedReason)
	}
}
