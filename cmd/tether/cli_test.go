package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/tether/internal/remote"
	tethersync "github.com/hyperengineering/tether/internal/sync"
)

// runJSON executes a tenant-scoped command with --json and decodes stdout.
func runJSON(t *testing.T, root string, out any, args ...string) {
	t.Helper()
	args = append(args, "--root", root, "--tenant", testTenant, "--json")
	stdout, stderr, err := executeCmd(t, "", args...)
	if err != nil {
		t.Fatalf("%v: unexpected error: %v\nstderr: %s", args, err, stderr)
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal([]byte(stdout), out); err != nil {
		t.Fatalf("%v: stdout is not JSON: %v\n%s", args, err, stdout)
	}
}

func runText(t *testing.T, root string, stdin string, args ...string) string {
	t.Helper()
	args = append(args, "--root", root, "--tenant", testTenant)
	stdout, stderr, err := executeCmd(t, stdin, args...)
	if err != nil {
		t.Fatalf("%v: unexpected error: %v\nstderr: %s", args, err, stderr)
	}
	return stdout
}

type syncOutput struct {
	Online         bool `json:"online"`
	SchemaMigrated bool `json:"schema_migrated"`
	Acknowledged   int  `json:"acknowledged"`
	Conflicted     int  `json:"conflicted"`
	Pulled         int  `json:"pulled"`
}

func TestCLI_OfflineFirstRoundTrip(t *testing.T) {
	srv, url := startReferenceServer(t)
	isolateEnv(t, url)
	root := t.TempDir()

	// Writes need a bootstrapped schema
	var res syncOutput
	runJSON(t, root, &res, "sync")
	if !res.Online || !res.SchemaMigrated {
		t.Fatalf("first sync = %+v, want online with schema migrated", res)
	}

	out := runText(t, root, "", "enqueue", "students", "42", "create", `{"name":"Ada"}`)
	if !strings.HasPrefix(out, "Queued event ") {
		t.Errorf("enqueue stdout = %q", out)
	}

	// Queued writes are readable before delivery
	out = runText(t, root, "", "read", "students/42")
	if !strings.Contains(out, `"name": "Ada"`) {
		t.Errorf("read stdout = %q, want local record", out)
	}

	var events struct {
		Events []struct {
			Status string `json:"status"`
		} `json:"events"`
		Total int `json:"total"`
	}
	runJSON(t, root, &events, "outbox", "list", "--status", "pending")
	if events.Total != 1 {
		t.Fatalf("pending events = %d, want 1", events.Total)
	}

	runJSON(t, root, &res, "sync")
	if res.Acknowledged != 1 {
		t.Errorf("acknowledged = %d, want 1", res.Acknowledged)
	}
	if got := len(srv.ChangeLog(testTenant)); got != 1 {
		t.Errorf("server change log has %d entries, want 1", got)
	}

	var status struct {
		PendingCount  int     `json:"pending_count"`
		ConflictCount int     `json:"conflict_count"`
		LastSyncAt    *string `json:"last_sync_at"`
	}
	runJSON(t, root, &status, "status")
	if status.PendingCount != 0 || status.LastSyncAt == nil {
		t.Errorf("status = %+v, want nothing pending and a last sync time", status)
	}

	out = runText(t, root, "", "schema")
	if !strings.Contains(out, "2026.03.01-base") {
		t.Errorf("schema stdout = %q, want current version", out)
	}

	var stats struct {
		BudgetBytes int64 `json:"budget_bytes"`
	}
	runJSON(t, root, &stats, "cache", "stats")
	if stats.BudgetBytes != 64<<20 {
		t.Errorf("budget_bytes = %d, want default budget", stats.BudgetBytes)
	}

	out = runText(t, root, "", "cache", "sweep")
	if !strings.HasPrefix(out, "Evicted ") {
		t.Errorf("cache sweep stdout = %q", out)
	}
}

func TestCLI_ConflictSurfacedAndResolved(t *testing.T) {
	srv, url := startReferenceServer(t)
	isolateEnv(t, url)
	root := t.TempDir()

	runJSON(t, root, nil, "sync")
	runText(t, root, "", "enqueue", "students", "42", "create", `{"name":"Ada"}`)
	runJSON(t, root, nil, "sync")

	// Another client moves the record past the version this client has seen
	base := int64(1)
	client := remote.New(url, "")
	_, err := client.Push(context.Background(), testTenant, tethersync.PushRequest{
		EventID:           uuid.NewString(),
		SourceID:          "client-b",
		AggregateType:     "students",
		AggregateID:       "42",
		Operation:         tethersync.OperationUpdate,
		Payload:           json.RawMessage(`{"name":"Grace"}`),
		SequenceNo:        1,
		BaseVersion:       &base,
		SchemaFingerprint: srv.Catalog().Fingerprint,
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("push as other client: %v", err)
	}

	// Local update based on version 1 goes in via stdin
	runText(t, root, `{"name":"Ada L."}`, "enqueue", "students", "42", "update", "-")

	var res syncOutput
	runJSON(t, root, &res, "sync")
	if res.Conflicted != 1 {
		t.Fatalf("conflicted = %d, want 1", res.Conflicted)
	}

	var list struct {
		Conflicts []struct {
			ID            string `json:"id"`
			Kind          string `json:"kind"`
			ServerVersion int64  `json:"server_version"`
		} `json:"conflicts"`
		Total int `json:"total"`
	}
	runJSON(t, root, &list, "conflicts", "list")
	if list.Total != 1 {
		t.Fatalf("open conflicts = %d, want 1", list.Total)
	}
	c := list.Conflicts[0]
	if c.Kind != "version_mismatch" || c.ServerVersion != 2 {
		t.Errorf("conflict = %+v, want version_mismatch at server version 2", c)
	}

	// Unknown resolutions are rejected before the store is touched
	_, _, err = executeCmd(t, "", "conflicts", "resolve", c.ID, "--resolution", "coin_flip",
		"--root", root, "--tenant", testTenant)
	if err == nil || !strings.Contains(err.Error(), "unknown resolution") {
		t.Errorf("expected unknown resolution error, got %v", err)
	}

	var resolved struct {
		Action string `json:"action"`
	}
	runJSON(t, root, &resolved, "conflicts", "resolve", c.ID, "--resolution", "keep_remote")
	if resolved.Action != "discard" {
		t.Errorf("action = %q, want discard", resolved.Action)
	}

	runJSON(t, root, &list, "conflicts", "list")
	if list.Total != 0 {
		t.Errorf("open conflicts after resolve = %d, want 0", list.Total)
	}
	runJSON(t, root, &list, "conflicts", "list", "--all")
	if list.Total != 1 {
		t.Errorf("all conflicts = %d, want 1", list.Total)
	}
}

func TestCLI_EnqueueValidation(t *testing.T) {
	isolateEnv(t, "http://127.0.0.1:1")
	root := t.TempDir()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown operation", []string{"enqueue", "students", "1", "upsert", `{}`}, "unknown operation"},
		{"invalid payload", []string{"enqueue", "students", "1", "create", `{name`}, "not valid JSON"},
		{"missing tenant", []string{"enqueue", "students", "1", "create", `{}`}, "no tenant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(tt.args, "--root", root)
			if tt.want != "no tenant" {
				args = append(args, "--tenant", testTenant)
			}
			_, _, err := executeCmd(t, "", args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestCLI_EnqueueBeforeBootstrapFails(t *testing.T) {
	isolateEnv(t, "http://127.0.0.1:1")
	root := t.TempDir()

	_, _, err := executeCmd(t, "", "enqueue", "students", "1", "create", `{"name":"A"}`,
		"--root", root, "--tenant", testTenant)
	if err == nil {
		t.Error("expected enqueue to fail before the schema is bootstrapped")
	}
}

func TestCLI_SyncOffline(t *testing.T) {
	isolateEnv(t, "http://127.0.0.1:1")
	root := t.TempDir()

	out := runText(t, root, "", "sync")
	if !strings.Contains(out, "Offline") {
		t.Errorf("stdout = %q, want offline notice", out)
	}
}
