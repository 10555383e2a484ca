package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/tether/internal/engine"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle for the tenant",
	Long:  "Check connectivity, reconcile the schema, drain the outbox and ingest remote changes once, then exit.",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.engine.SyncNow(ctx)
	if errors.Is(err, engine.ErrBlocked) {
		return fmt.Errorf("%w: run 'tether schema resync' to rebuild from the server", err)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}

	out := cmd.OutOrStdout()
	if !res.Online {
		fmt.Fprintln(out, "Offline: server unreachable, nothing sent.")
		return nil
	}
	if res.SchemaMigrated {
		fmt.Fprintln(out, "Schema migrated.")
	}
	fmt.Fprintf(out, "Acknowledged: %d\n", res.Acknowledged)
	fmt.Fprintf(out, "Conflicted:   %d\n", res.Conflicted)
	fmt.Fprintf(out, "Failed:       %d\n", res.Failed)
	fmt.Fprintf(out, "Invalid:      %d\n", res.Invalid)
	fmt.Fprintf(out, "Pulled:       %d\n", res.Pulled)
	if res.ResumeNextCycle {
		fmt.Fprintln(out, "Schema changed during delivery; run sync again to continue.")
	}
	return nil
}
