package main

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hyperengineering/tether/internal/server"
	tethersync "github.com/hyperengineering/tether/internal/sync"
)

const testTenant = "school-1"

func testCatalog() tethersync.SchemaResponse {
	return tethersync.SchemaResponse{
		Version: "2026.03.01-base",
		Tables: []tethersync.TableDef{{
			Name: "students",
			Columns: []tethersync.ColumnDef{
				{Name: "id", Type: "TEXT", PrimaryKey: true},
				{Name: "tenant_id", Type: "TEXT"},
				{Name: "name", Type: "TEXT"},
			},
		}},
	}
}

// isolateEnv points configuration at nothing but the given server and makes
// sure no ambient TETHER_* variable leaks into the command.
func isolateEnv(t *testing.T, serverURL string) {
	t.Helper()
	for _, key := range []string{
		"TETHER_API_KEY", "TETHER_TENANT", "TETHER_STORES_ROOT", "TETHER_DEV_MODE",
		"TETHER_LOG_LEVEL", "TETHER_SYNC_INTERVAL", "TETHER_METRICS_ADDRESS",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("TETHER_CONFIG_PATH", "/nonexistent/tether.yaml")
	t.Setenv("TETHER_SERVER_URL", serverURL)
}

// startReferenceServer runs the reference server without auth.
func startReferenceServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	s, err := server.New(testCatalog(), "")
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	hs := httptest.NewServer(server.NewRouter(s))
	t.Cleanup(hs.Close)
	return s, hs.URL
}

// resetFlags restores package-level flag variables to their defaults.
// Cobra parses into these variables, so stale values from previous tests
// would leak if not reset.
func resetFlags() {
	rootOverride = ""
	tenantOverride = ""
	jsonOutput = false
	createDescription = ""
	createIfNotExists = false
	deleteForce = false
	conflictsAll = false
	resolveResolution = ""
	resolveMergedInput = ""
	outboxStatus = ""
	outboxLimit = 100
}

// executeCmd runs the root command with captured output.
func executeCmd(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	resetFlags()

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetIn(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), errBuf.String(), err
}
