package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/tether/internal/engine"
	"github.com/hyperengineering/tether/internal/multistore"
)

// mockMaintainer implements Maintainer for testing.
type mockMaintainer struct {
	mu        sync.Mutex
	calls     int
	retention time.Duration
	pruned    int64
	evicted   int64
	err       error
}

func (m *mockMaintainer) Maintain(ctx context.Context, retention time.Duration) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.retention = retention
	if m.err != nil {
		return 0, 0, m.err
	}
	return m.pruned, m.evicted, nil
}

func (m *mockMaintainer) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockTenantSource implements TenantSource for testing.
type mockTenantSource struct {
	mu          sync.Mutex
	ids         []string
	maintainers map[string]*mockMaintainer
}

func newMockTenantSource(tenantIDs ...string) *mockTenantSource {
	s := &mockTenantSource{maintainers: make(map[string]*mockMaintainer)}
	for _, id := range tenantIDs {
		s.ids = append(s.ids, id)
		s.maintainers[id] = &mockMaintainer{pruned: 4, evicted: 2}
	}
	return s
}

func (s *mockTenantSource) TenantIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func (s *mockTenantSource) Maintainer(tenantID string) (Maintainer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maintainers[tenantID]
	if !ok {
		return nil, false
	}
	return m, true
}

func (s *mockTenantSource) calls(tenantID string) int {
	s.mu.Lock()
	m, ok := s.maintainers[tenantID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return m.getCalls()
}

// waitForCalls waits until totalCalls Maintain operations have occurred.
func (s *mockTenantSource) waitForCalls(totalCalls int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		current := 0
		for _, id := range s.TenantIDs() {
			current += s.calls(id)
		}
		if current >= totalCalls {
			return true
		}

		select {
		case <-deadline:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func runCoordinator(t *testing.T, coord *RetentionCoordinator) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		<-done
	}
}

// --- Tests ---

func TestRetentionCoordinator_SweepsAllTenants(t *testing.T) {
	source := newMockTenantSource("school-1", "school-2", "school-3")
	coord := NewRetentionCoordinator(source, 50*time.Millisecond, 72*time.Hour)

	stop := runCoordinator(t, coord)
	if !source.waitForCalls(3, 2*time.Second) {
		stop()
		t.Fatal("Timed out waiting for retention to run on all tenants")
	}
	stop()

	for _, id := range []string{"school-1", "school-2", "school-3"} {
		if calls := source.calls(id); calls < 1 {
			t.Errorf("Expected at least 1 Maintain call for tenant %q, got %d", id, calls)
		}
	}
	if got := source.maintainers["school-1"].retention; got != 72*time.Hour {
		t.Errorf("retention passed = %v, want 72h", got)
	}
}

func TestRetentionCoordinator_DoesNotRunImmediately(t *testing.T) {
	source := newMockTenantSource("school-1")
	coord := NewRetentionCoordinator(source, time.Hour, 72*time.Hour)

	stop := runCoordinator(t, coord)
	time.Sleep(50 * time.Millisecond)
	stop()

	if calls := source.calls("school-1"); calls != 0 {
		t.Errorf("Expected 0 Maintain calls (should not run immediately), got %d", calls)
	}
}

func TestRetentionCoordinator_StopsOnCancel(t *testing.T) {
	source := newMockTenantSource("school-1")
	coord := NewRetentionCoordinator(source, 20*time.Millisecond, time.Hour)

	startTime := time.Now()
	stop := runCoordinator(t, coord)
	time.Sleep(30 * time.Millisecond)
	stop()

	if d := time.Since(startTime); d > 500*time.Millisecond {
		t.Errorf("Coordinator did not respect context cancellation, took %v", d)
	}
}

func TestRetentionCoordinator_ContinuesOnError(t *testing.T) {
	source := newMockTenantSource("school-a", "school-b", "school-c")
	source.maintainers["school-b"].err = errors.New("disk full")
	coord := NewRetentionCoordinator(source, 50*time.Millisecond, time.Hour)

	stop := runCoordinator(t, coord)
	if !source.waitForCalls(3, 2*time.Second) {
		stop()
		t.Fatal("Timed out waiting for retention sweep")
	}
	stop()

	if calls := source.calls("school-a"); calls < 1 {
		t.Errorf("Expected school-a to be swept, got %d calls", calls)
	}
	if calls := source.calls("school-c"); calls < 1 {
		t.Errorf("Expected school-c to be swept despite school-b error, got %d calls", calls)
	}
}

func TestRetentionCoordinator_SkipsStoppedTenant(t *testing.T) {
	source := newMockTenantSource("school-a", "school-b")
	delete(source.maintainers, "school-a")
	coord := NewRetentionCoordinator(source, time.Hour, time.Hour)

	pruned, evicted, ok := coord.sweepTenant(context.Background(), "school-a")
	if !ok || pruned != 0 || evicted != 0 {
		t.Errorf("sweepTenant(stopped) = (%d, %d, %v), want (0, 0, true)", pruned, evicted, ok)
	}

	coord.sweepAll(context.Background())
	if calls := source.calls("school-b"); calls != 1 {
		t.Errorf("Expected school-b to be swept once, got %d", calls)
	}
}

func TestRetentionCoordinator_CancelledSweepStops(t *testing.T) {
	source := newMockTenantSource("school-a", "school-b")
	coord := NewRetentionCoordinator(source, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	coord.sweepAll(ctx)

	if calls := source.calls("school-a") + source.calls("school-b"); calls != 0 {
		t.Errorf("Expected no Maintain calls after cancellation, got %d", calls)
	}
}

// --- Integration ---

func TestEngineRegistry_MaintainsRunningEngine(t *testing.T) {
	ctx := context.Background()
	manager, err := multistore.NewManager(filepath.Join(t.TempDir(), "stores"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer manager.Close()

	managed, err := manager.CreateTenant(ctx, "school-1", "")
	if err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}

	cfg := engine.DefaultConfig()
	cfg.Interval = 0
	eng := engine.NewForStore(managed.Store, nil, cfg)
	if err := eng.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	registry := NewEngineRegistry()
	registry.Register("school-1", eng)

	if ids := registry.TenantIDs(); len(ids) != 1 || ids[0] != "school-1" {
		t.Fatalf("TenantIDs() = %v, want [school-1]", ids)
	}

	coord := NewRetentionCoordinator(registry, time.Hour, time.Hour)
	if _, _, ok := coord.sweepTenant(ctx, "school-1"); !ok {
		t.Error("sweepTenant() on a running engine should succeed")
	}

	registry.Unregister("school-1")
	if _, ok := registry.Maintainer("school-1"); ok {
		t.Error("Maintainer() should report false after Unregister")
	}
}
