package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/tether/internal/clock"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var studentsTable = tethersync.TableDef{
	Name: "students",
	Columns: []tethersync.ColumnDef{
		{Name: "id", Type: "TEXT", PrimaryKey: true},
		{Name: "tenant_id", Type: "TEXT"},
		{Name: "name", Type: "TEXT"},
		{Name: "grade", Type: "INTEGER"},
	},
}

func newTestStore(t *testing.T) (*SQLiteStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testEpoch)
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "local.db"), WithClock(clk), WithTenant("school-1"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func newBootstrappedStore(t *testing.T) (*SQLiteStore, *clock.Fake) {
	t.Helper()
	s, clk := newTestStore(t)
	require.NoError(t, s.Bootstrap(context.Background(), "2026.03.01-base", "fp-base", []tethersync.TableDef{studentsTable}))
	return s, clk
}

func newEvent(aggregateID string, op tethersync.Operation, payload map[string]any) *types.OutboxEvent {
	var raw []byte
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return &types.OutboxEvent{
		ID:            uuid.NewString(),
		TenantID:      "school-1",
		AggregateType: "students",
		AggregateID:   aggregateID,
		Operation:     op,
		Payload:       raw,
		CreatedAt:     testEpoch,
	}
}

func appendEvent(t *testing.T, s *SQLiteStore, ev *types.OutboxEvent) *types.OutboxEvent {
	t.Helper()
	_, err := s.AppendEvent(context.Background(), ev, true)
	require.NoError(t, err)
	return ev
}

func int64Ptr(v int64) *int64 { return &v }
