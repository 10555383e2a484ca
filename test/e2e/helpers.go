//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

const testCatalog = `version: "2026.03.01-base"
tables:
  - name: students
    columns:
      - name: id
        type: TEXT
        primary_key: true
      - name: tenant_id
        type: TEXT
      - name: name
        type: TEXT
`

// tetherServer manages a running `tether serve` process.
type tetherServer struct {
	cmd     *exec.Cmd
	dataDir string
	port    int
	apiKey  string
	logFile *os.File
}

// startServer launches the reference server and waits for it to become
// healthy. It is configured entirely via environment variables.
func startServer(t *testing.T) *tetherServer {
	t.Helper()
	requireTether(t)

	s := &tetherServer{
		dataDir: t.TempDir(),
		port:    freePort(t),
		apiKey:  "e2e-test-api-key",
	}
	s.start(t)
	t.Cleanup(s.stop)
	return s
}

func (s *tetherServer) start(t *testing.T) {
	t.Helper()
	catalogPath := filepath.Join(s.dataDir, "catalog.yaml")
	if err := os.WriteFile(catalogPath, []byte(testCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	lf, err := os.OpenFile(filepath.Join(s.dataDir, "serve.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	s.logFile = lf

	s.cmd = exec.Command(tetherBin, "serve")
	s.cmd.Env = append(os.Environ(),
		fmt.Sprintf("TETHER_PORT=%d", s.port),
		"TETHER_API_KEY="+s.apiKey,
		"TETHER_CATALOG_PATH="+catalogPath,
		"TETHER_CONFIG_PATH="+filepath.Join(s.dataDir, "nonexistent.yaml"),
	)
	s.cmd.Stdout = lf
	s.cmd.Stderr = lf

	if err := s.cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start tether serve: %v", err)
	}
	if err := s.waitHealthy(10 * time.Second); err != nil {
		s.stop()
		t.Fatalf("tether serve not healthy: %v", err)
	}
}

// stop interrupts the server. Its state is in memory, so a stopped server
// forgets every tenant.
func (s *tetherServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
		s.cmd = nil
	}
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
}

func (s *tetherServer) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.port)
}

func (s *tetherServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("not healthy after %s", timeout)
}

// tetherCLI is one client device: its own store root against a shared
// server and tenant.
type tetherCLI struct {
	root      string
	serverURL string
	apiKey    string
	tenant    string
}

func newCLI(t *testing.T, s *tetherServer, tenant string) *tetherCLI {
	t.Helper()
	requireTether(t)
	return &tetherCLI{
		root:      t.TempDir(),
		serverURL: s.baseURL(),
		apiKey:    s.apiKey,
		tenant:    tenant,
	}
}

func (c *tetherCLI) exec(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	args = append(args, "--root", c.root, "--tenant", c.tenant)
	cmd := exec.Command(tetherBin, args...)
	cmd.Env = append(os.Environ(),
		"TETHER_SERVER_URL="+c.serverURL,
		"TETHER_API_KEY="+c.apiKey,
		"TETHER_CONFIG_PATH="+filepath.Join(c.root, "nonexistent.yaml"),
		"TETHER_REQUEST_TIMEOUT=2s",
	)
	cmd.Stdin = bytes.NewBufferString(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("tether %v: %w\nstderr: %s", args, err, stderr.String())
	}
	return stdout.String(), nil
}

func (c *tetherCLI) mustExec(t *testing.T, args ...string) string {
	t.Helper()
	out, err := c.exec(t, "", args...)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// execJSON runs a command with --json and decodes its output into v.
func (c *tetherCLI) execJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out := c.mustExec(t, append(args, "--json")...)
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("tether %v: decode output: %v\n%s", args, err, out)
	}
}

type syncResult struct {
	Online         bool `json:"online"`
	SchemaMigrated bool `json:"schema_migrated"`
	Acknowledged   int  `json:"acknowledged"`
	Conflicted     int  `json:"conflicted"`
	Pulled         int  `json:"pulled"`
}

func (c *tetherCLI) sync(t *testing.T) syncResult {
	t.Helper()
	var res syncResult
	c.execJSON(t, &res, "sync")
	return res
}

func (c *tetherCLI) readField(t *testing.T, key, field string) any {
	t.Helper()
	out := c.mustExec(t, "read", key)
	var m map[string]any
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("read %s: %v\n%s", key, err, out)
	}
	return m[field]
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
