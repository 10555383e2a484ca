package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/tether/internal/clock"
	"github.com/hyperengineering/tether/internal/outbox"
	"github.com/hyperengineering/tether/internal/remote"
	"github.com/hyperengineering/tether/internal/server"
	"github.com/hyperengineering/tether/internal/store"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/stretchr/testify/require"
)

const testTenant = "school-1"

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var studentsTable = tethersync.TableDef{
	Name: "students",
	Columns: []tethersync.ColumnDef{
		{Name: "id", Type: "TEXT", PrimaryKey: true},
		{Name: "tenant_id", Type: "TEXT"},
		{Name: "name", Type: "TEXT"},
	},
}

func baseCatalog() tethersync.SchemaResponse {
	return tethersync.SchemaResponse{
		Version: "2026.03.01-base",
		Tables:  []tethersync.TableDef{studentsTable},
	}
}

func testRetryPolicy() outbox.RetryPolicy {
	return outbox.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Rand:        func() float64 { return 0 },
	}
}

// testRemote wraps the HTTP client so tests can take the network down, fail
// individual pushes or lose acknowledgments.
type testRemote struct {
	Remote
	offline atomic.Bool
	pings   atomic.Int64
	pushes  atomic.Int64

	mu sync.Mutex
	// beforePush may fail a push before it reaches the server.
	beforePush func(req tethersync.PushRequest) error
	// afterPush may replace the server's answer after it applied the push.
	afterPush func(req tethersync.PushRequest) error
}

var errNetworkDown = tethersync.Transient(errors.New("network is unreachable"))

func (r *testRemote) hooks() (func(tethersync.PushRequest) error, func(tethersync.PushRequest) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.beforePush, r.afterPush
}

func (r *testRemote) setHooks(before, after func(tethersync.PushRequest) error) {
	r.mu.Lock()
	r.beforePush, r.afterPush = before, after
	r.mu.Unlock()
}

func (r *testRemote) Ping(ctx context.Context) error {
	r.pings.Add(1)
	if r.offline.Load() {
		return errNetworkDown
	}
	return r.Remote.Ping(ctx)
}

func (r *testRemote) FetchSchema(ctx context.Context) (*tethersync.SchemaResponse, error) {
	if r.offline.Load() {
		return nil, errNetworkDown
	}
	return r.Remote.FetchSchema(ctx)
}

func (r *testRemote) Push(ctx context.Context, tenantID string, req tethersync.PushRequest) (*tethersync.PushResponse, error) {
	if r.offline.Load() {
		return nil, errNetworkDown
	}
	before, after := r.hooks()
	if before != nil {
		if err := before(req); err != nil {
			return nil, err
		}
	}
	r.pushes.Add(1)
	resp, err := r.Remote.Push(ctx, tenantID, req)
	if err == nil && after != nil {
		if err := after(req); err != nil {
			return nil, err
		}
	}
	return resp, err
}

func (r *testRemote) Pull(ctx context.Context, tenantID string, after int64, limit int) (*tethersync.DeltaResponse, error) {
	if r.offline.Load() {
		return nil, errNetworkDown
	}
	return r.Remote.Pull(ctx, tenantID, after, limit)
}

type fakeRecorder struct {
	mu        sync.Mutex
	cycles    map[string]int
	delivered map[string]int
	cache     map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		cycles:    make(map[string]int),
		delivered: make(map[string]int),
		cache:     make(map[string]int),
	}
}

func (f *fakeRecorder) CycleCompleted(result string) {
	f.mu.Lock()
	f.cycles[result]++
	f.mu.Unlock()
}

func (f *fakeRecorder) EventDelivered(outcome string) {
	f.mu.Lock()
	f.delivered[outcome]++
	f.mu.Unlock()
}

func (f *fakeRecorder) OutboxDepth(pending, conflicts int) {}

func (f *fakeRecorder) CacheRequest(result string) {
	f.mu.Lock()
	f.cache[result]++
	f.mu.Unlock()
}

func (f *fakeRecorder) count(m map[string]int, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[key]
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *clock.Fake
	logger *slog.Logger
	server *server.Server
	client *remote.Client
	remote *testRemote
	rec    *fakeRecorder
	dbPath string

	store *store.SQLiteStore
	eng   *Engine
	stop  func()
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithCatalog(t, baseCatalog())
}

func newHarnessWithCatalog(t *testing.T, catalog tethersync.SchemaResponse) *harness {
	t.Helper()
	clk := clock.NewFake(testEpoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := server.New(catalog, "", server.WithClock(clk), server.WithLogger(logger))
	require.NoError(t, err)
	hs := httptest.NewServer(server.NewRouter(srv))
	t.Cleanup(hs.Close)

	client := remote.New(hs.URL, "", remote.WithTimeout(5*time.Second), remote.WithLogger(logger))
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		clock:  clk,
		logger: logger,
		server: srv,
		client: client,
		remote: &testRemote{Remote: client},
		rec:    newFakeRecorder(),
		dbPath: filepath.Join(t.TempDir(), "local.db"),
	}
	h.start()
	t.Cleanup(func() { h.shutdown() })
	return h
}

func (h *harness) openStore() *store.SQLiteStore {
	h.t.Helper()
	st, err := store.NewSQLiteStore(h.dbPath, store.WithClock(h.clock), store.WithTenant(testTenant))
	require.NoError(h.t, err)
	return st
}

// start opens the local store and runs a fresh engine over it.
func (h *harness) start() {
	h.t.Helper()
	h.store = h.openStore()
	cfg := DefaultConfig()
	cfg.Interval = 0
	cfg.Retry = testRetryPolicy()
	h.eng = NewForStore(h.store, h.remote, cfg,
		WithClock(h.clock),
		WithLogger(h.logger),
		WithRecorder(h.rec),
	)
	require.NoError(h.t, h.eng.Init(h.ctx))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()
	st := h.store
	h.stop = func() {
		cancel()
		<-done
		st.Close()
	}
}

// shutdown stops the engine and closes the store, as a process exit would.
func (h *harness) shutdown() {
	if h.stop != nil {
		h.stop()
		h.stop = nil
	}
}

// restart simulates a process crash and restart.
func (h *harness) restart() {
	h.shutdown()
	h.start()
}

func (h *harness) sync() *CycleResult {
	h.t.Helper()
	res, err := h.eng.SyncNow(h.ctx)
	require.NoError(h.t, err)
	return res
}

func (h *harness) enqueue(id string, op tethersync.Operation, payload string) string {
	h.t.Helper()
	m := types.Mutation{AggregateType: "students", AggregateID: id, Operation: op}
	if payload != "" {
		m.Payload = json.RawMessage(payload)
	}
	eventID, err := h.eng.Enqueue(h.ctx, m)
	require.NoError(h.t, err)
	return eventID
}

func (h *harness) event(id string) *types.OutboxEvent {
	h.t.Helper()
	ev, err := h.eng.c.Queue.Get(h.ctx, id)
	require.NoError(h.t, err)
	return ev
}

// pushAsOtherClient applies a change on the server as a second client would.
func (h *harness) pushAsOtherClient(id string, op tethersync.Operation, base int64, payload string) {
	h.t.Helper()
	req := tethersync.PushRequest{
		EventID:           uuid.NewString(),
		SourceID:          "client-b",
		AggregateType:     "students",
		AggregateID:       id,
		Operation:         op,
		SequenceNo:        1,
		BaseVersion:       &base,
		SchemaFingerprint: h.server.Catalog().Fingerprint,
	}
	if payload != "" {
		req.Payload = json.RawMessage(payload)
	}
	_, err := h.client.Push(h.ctx, testTenant, req)
	require.NoError(h.t, err)
}

func (h *harness) serverLog() []tethersync.ChangeLogEntry {
	return h.server.ChangeLog(testTenant)
}

func (h *harness) serverRecord(id string) server.RecordState {
	return h.server.Records(testTenant)[types.RecordKey("students", id)]
}

func field(t *testing.T, raw []byte, name string) any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m[name]
}
