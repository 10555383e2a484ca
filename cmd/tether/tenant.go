package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hyperengineering/tether/internal/multistore"
	"github.com/spf13/cobra"
)

var (
	createDescription string
	createIfNotExists bool
	deleteForce       bool
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage local tenant stores",
	Long:  "Create, list, inspect, and delete per-tenant local stores without syncing.",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create <tenant-id>",
	Short: "Create a local store for a tenant",
	Long:  "Create a local store for the given tenant. Tenant IDs are lowercase alphanumeric with hyphens.",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantCreate,
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all local tenant stores",
	Args:  cobra.NoArgs,
	RunE:  runTenantList,
}

var tenantInfoCmd = &cobra.Command{
	Use:   "info <tenant-id>",
	Short: "Show detailed information about a tenant store",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantInfo,
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete <tenant-id>",
	Short: "Delete a tenant's local store",
	Long:  "Permanently delete a tenant's local store, including mutations that were never delivered. Requires --force or interactive confirmation.",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantDelete,
}

func init() {
	tenantCreateCmd.Flags().StringVar(&createDescription, "description", "",
		"Human-readable description")
	tenantCreateCmd.Flags().BoolVar(&createIfNotExists, "if-not-exists", false,
		"Exit 0 if tenant already exists")
	tenantDeleteCmd.Flags().BoolVar(&deleteForce, "force", false,
		"Skip confirmation prompt")

	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantListCmd)
	tenantCmd.AddCommand(tenantInfoCmd)
	tenantCmd.AddCommand(tenantDeleteCmd)
}

// resolveManager creates a Manager from config with optional --root override.
func resolveManager() (*multistore.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	quietLogger(cfg.Log)
	return multistore.NewManager(cfg.Stores.RootPath)
}

func runTenantCreate(cmd *cobra.Command, args []string) error {
	tenantID := args[0]
	ctx := context.Background()

	mgr, err := resolveManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	managed, err := mgr.CreateTenant(ctx, tenantID, createDescription)
	if err != nil {
		if errors.Is(err, multistore.ErrTenantExists) && createIfNotExists {
			existing, loadErr := mgr.GetTenant(ctx, tenantID)
			if loadErr != nil {
				return fmt.Errorf("tenant exists but could not be loaded: %w", loadErr)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"id":              existing.ID,
					"created":         existing.Meta.Created,
					"description":     existing.Meta.Description,
					"already_existed": true,
				})
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Tenant %q already exists\n", tenantID)
			return nil
		}
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":          managed.ID,
			"created":     managed.Meta.Created,
			"description": managed.Meta.Description,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created tenant %q\n", managed.ID)
	return nil
}

func runTenantList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	mgr, err := resolveManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	tenants, err := mgr.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	if jsonOutput {
		if tenants == nil {
			tenants = []multistore.TenantInfo{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"tenants": tenants,
			"total":   len(tenants),
		})
	}

	if len(tenants) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tenants found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tSIZE\tCREATED\tLAST ACCESSED\tDESCRIPTION")
	for _, t := range tenants {
		desc := t.Description
		if desc == "" {
			desc = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			humanize.IBytes(uint64(t.SizeBytes)),
			t.Created.Format("2006-01-02 15:04"),
			humanize.Time(t.LastAccessed),
			desc,
		)
	}
	return w.Flush()
}

func runTenantInfo(cmd *cobra.Command, args []string) error {
	tenantID := args[0]
	ctx := context.Background()

	mgr, err := resolveManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	info, err := mgr.TenantInfo(ctx, tenantID)
	if err != nil {
		return err
	}
	managed, err := mgr.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	schemaVersion := managed.SchemaVersion(ctx)
	counts, err := managed.Store.OutboxCounts(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"id":             info.ID,
			"description":    info.Description,
			"created":        info.Created,
			"last_accessed":  info.LastAccessed,
			"size_bytes":     info.SizeBytes,
			"schema_version": schemaVersion,
			"outbox":         counts,
			"path":           managed.BasePath,
		})
	}

	if schemaVersion == "" {
		schemaVersion = "not bootstrapped"
	}
	fmt.Fprintf(out, "Tenant:        %s\n", info.ID)
	if info.Description != "" {
		fmt.Fprintf(out, "Description:   %s\n", info.Description)
	}
	fmt.Fprintf(out, "Created:       %s\n", info.Created.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Last Accessed: %s\n", info.LastAccessed.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Size:          %s\n", humanize.IBytes(uint64(info.SizeBytes)))
	fmt.Fprintf(out, "Schema:        %s\n", schemaVersion)
	fmt.Fprintf(out, "Undelivered:   %d\n", counts.Undelivered())
	fmt.Fprintf(out, "Path:          %s\n", managed.BasePath)

	return nil
}

func runTenantDelete(cmd *cobra.Command, args []string) error {
	tenantID := args[0]
	ctx := context.Background()

	if err := multistore.ValidateTenantID(tenantID); err != nil {
		return err
	}

	mgr, err := resolveManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	// Interactive confirmation unless --force
	if !deleteForce {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "WARNING: This will permanently delete tenant %q and any undelivered changes.\n", tenantID)
		fmt.Fprint(errOut, "Type the tenant ID to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}

		if strings.TrimSpace(input) != tenantID {
			fmt.Fprintln(errOut, "Aborted. Tenant ID did not match.")
			return nil
		}
	}

	if err := mgr.DeleteTenant(ctx, tenantID); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":      tenantID,
			"deleted": true,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted tenant %q\n", tenantID)
	return nil
}
