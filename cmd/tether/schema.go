package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Show the local schema version and migration history",
	Args:  cobra.NoArgs,
	RunE:  runSchemaShow,
}

var schemaResyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Rebuild local tables from the server's schema and clear a blocked state",
	Long:  "Last-resort recovery when the local schema cannot be migrated: domain tables are rebuilt from the canonical schema, the pull cursor and cache are reset and all records are pulled again. Queued local mutations are kept.",
	Args:  cobra.NoArgs,
	RunE:  runSchemaResync,
}

func init() {
	schemaCmd.AddCommand(schemaResyncCmd)
}

func runSchemaShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	st := s.tenant.Store
	current, err := st.CurrentSchemaVersion(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	versions, err := st.ListSchemaVersions(ctx)
	if err != nil {
		return err
	}
	migrations, err := st.ListMigrationRecords(ctx)
	if err != nil {
		return err
	}
	status := s.engine.Status()

	if jsonOutput {
		if versions == nil {
			versions = []types.SchemaVersion{}
		}
		if migrations == nil {
			migrations = []types.MigrationRecord{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"current":        current,
			"versions":       versions,
			"migrations":     migrations,
			"blocked_reason": status.BlockedReason,
		})
	}

	out := cmd.OutOrStdout()
	if current == nil {
		fmt.Fprintln(out, "Schema: not bootstrapped (run 'tether sync')")
		return nil
	}
	fmt.Fprintf(out, "Schema:      %s\n", current.Version)
	fmt.Fprintf(out, "Fingerprint: %s\n", current.CanonicalFingerprint)
	if status.Blocked() {
		fmt.Fprintf(out, "BLOCKED:     %s\n", status.BlockedReason)
	}

	fmt.Fprintln(out)
	w := newTabWriter(out)
	fmt.Fprintln(w, "VERSION\tAPPLIED\tCURRENT")
	for _, v := range versions {
		fmt.Fprintf(w, "%s\t%s\t%t\n", v.Version, v.AppliedAt.Format("2006-01-02 15:04:05"), v.Current)
	}
	w.Flush()

	if len(migrations) > 0 {
		fmt.Fprintln(out)
		w = newTabWriter(out)
		fmt.Fprintln(w, "MIGRATION\tFROM\tTO\tAPPLIED")
		for _, m := range migrations {
			applied := "-"
			if m.AppliedAt != nil {
				applied = m.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Version, short(m.FromFingerprint), short(m.ToFingerprint), applied)
		}
		w.Flush()
	}
	return nil
}

func runSchemaResync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.engine.Resync(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Resync complete: %d records pulled, %d events acknowledged\n",
		res.Pulled, res.Acknowledged)
	return nil
}

// short abbreviates a fingerprint for table output.
func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
