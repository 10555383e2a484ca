package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conflictedEvent appends an update for student 42 and records a version
// conflict against it at server version 9.
func conflictedEvent(t *testing.T, s *SQLiteStore, kind types.ConflictKind, remote string) (*types.OutboxEvent, string) {
	t.Helper()
	ctx := context.Background()
	ev := appendEvent(t, s, newEvent("42", tethersync.OperationUpdate, map[string]any{"name": "Local"}))
	_, err := s.ClaimEvent(ctx, ev.ID)
	require.NoError(t, err)
	id := ulid.Make().String()
	rec := types.ConflictRecord{
		ID: id, OutboxEventID: ev.ID, Kind: kind, ServerVersion: 9,
		LocalVersion: ev.BaseVersion, DetectedAt: s.Now(),
	}
	if remote != "" {
		rec.RemotePayload = []byte(remote)
	}
	require.NoError(t, s.ConflictEvent(ctx, ev.ID, rec))
	return ev, id
}

func TestConflictEvent_SecondOpenConflictRejected(t *testing.T) {
	s, _ := newBootstrappedStore(t)
	ctx := context.Background()
	ev, _ := conflictedEvent(t, s, types.ConflictVersionMismatch, "")

	err := insertConflictTx(ctx, s.db, types.ConflictRecord{
		ID: ulid.Make().String(), OutboxEventID: ev.ID, Kind: types.ConflictVersionMismatch, DetectedAt: s.Now(),
	})

	assert.ErrorIs(t, err, ErrConflictOpen)
}

func TestListConflicts_CarriesBothVersions(t *testing.T) {
	s, _ := newBootstrappedStore(t)
	ctx := context.Background()
	ev, id := conflictedEvent(t, s, types.ConflictVersionMismatch, `{"id":"42","name":"Remote"}`)

	views, err := s.ListConflicts(ctx, true)

	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, id, views[0].ID)
	assert.Nil(t, views[0].Resolution)
	assert.Equal(t, int64(9), views[0].ServerVersion)
	assert.Equal(t, ev.ID, views[0].Event.ID)
	assert.Equal(t, "students", views[0].Event.AggregateType)
	assert.JSONEq(t, `{"name":"Local"}`, string(views[0].Event.Payload))
	assert.JSONEq(t, `{"id":"42","name":"Remote"}`, string(views[0].RemotePayload))
}

func TestResolveKeepLocal_RequeuesWithServerVersion(t *testing.T) {
	s, _ := newBootstrappedStore(t)
	ctx := context.Background()
	ev, id := conflictedEvent(t, s, types.ConflictVersionMismatch, "")

	view, err := s.ResolveKeepLocal(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, view.Resolution)
	assert.Equal(t, types.ResolutionKeepLocal, *view.Resolution)

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	require.NotNil(t, got.BaseVersion)
	assert.Equal(t, int64(9), *got.BaseVersion)

	// And: resolving twice fails
	_, err = s.ResolveKeepLocal(ctx, id)
	assert.ErrorIs(t, err, ErrConflictResolved)
}

func TestResolveKeepLocal_DeletedRequeuesAsCreate(t *testing.T) {
	// Given: a remote deletion stamped for a manual decision
	s, _ := newBootstrappedStore(t)
	ctx := context.Background()
	ev := appendEvent(t, s, newEvent("42", tethersync.OperationUpdate, map[string]any{"name": "Local"}))
	_, err := s.ClaimEvent(ctx, ev.ID)
	require.NoError(t, err)
	pending := types.ResolutionManualPending
	id := ulid.Make().String()
	require.NoError(t, s.ConflictEvent(ctx, ev.ID, types.ConflictRecord{
		ID: id, OutboxEventID: ev.ID, Kind: types.ConflictDeleted, ServerVersion: 9,
		DetectedAt: s.Now(), Resolution: &pending,
	}))

	open, err := s.GetConflict(ctx, id)
	require.NoError(t, err)
	assert.True(t, open.Open())
	require.NotNil(t, open.Resolution)
	assert.Equal(t, types.ResolutionManualPending, *open.Resolution)

	// When
	view, err := s.ResolveKeepLocal(ctx, id)

	// Then: the event goes back as a create on the deletion version
	require.NoError(t, err)
	assert.False(t, view.Open())
	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, tethersync.OperationCreate, got.Operation)
	require.NotNil(t, got.BaseVersion)
	assert.Equal(t, int64(9), *got.BaseVersion)
	assert.Contains(t, string(got.Payload), `"Local"`)
}

func TestResolveKeepLocal_DeletedDeleteRejected(t *testing.T) {
	s, _ := newBootstrappedStore(t)
	ctx := context.Background()
	ev := appendEvent(t, s, newEvent("42", tethersync.OperationDelete, nil))
	_, err := s.ClaimEvent(ctx, ev.ID)
	require.NoError(t, err)
	id := ulid.Make().String()
	require.NoError(t, s.ConflictEvent(ctx, ev.ID, types.ConflictRecord{
		ID: id, OutboxEventID: ev.ID, Kind: types.ConflictDeleted, ServerVersion: 9, DetectedAt: s.Now(),
	}))

	_, err = s.ResolveKeepLocal(ctx, id)

	assert.ErrorIs(t, err, ErrInvalidTransition)
	view, err := s.GetConflict(ctx, id)
	require.NoError(t, err)
	assert.True(t, view.Open())
}

func TestResolveKeepRemote_AcknowledgesAndAppliesServerRecord(t *testing.T) {
	s, _ := newBootstrappedStore(t)
	ctx := context.Background()
	ev, id := conflictedEvent(t, s, types.ConflictVersionMismatch, `{"id":"42","name":"Remote"}`)

	_, err := s.ResolveKeepRemote(ctx, id)
	require.NoError(t, err)

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAcknowledged, got.Status)

	rec, err := s.LocalRecord(ctx, "students", "42")
	require.NoError(t, err)
	assert.Contains(t, string(rec), `"name":"Remote"`)

	rv, err := s.RowVersion(ctx, "students", "42")
	require.NoError(t, err)
	assert.Equal(t, int64(9), rv.Version)

	// Then: the aggregate accepts writes again
	_, err = s.AppendEvent(ctx, newEvent("42", tethersync.OperationUpdate, map[string]any{"name": "Next"}), true)
	assert.NoError(t, err)
}

func TestResolveKeepRemote_DeletedRemovesLocalRow(t *testing.T) {
	s, _ := newBootstrappedStore(t)
	ctx := context.Background()
	_, id := conflictedEvent(t, s, types.ConflictDeleted, "")

	_, err := s.ResolveKeepRemote(ctx, id)
	require.NoError(t, err)

	_, err = s.LocalRecord(ctx, "students", "42")
	assert.ErrorIs(t, err, ErrNotFound)
	rv, err := s.RowVersion(ctx, "students", "42")
	require.NoError(t, err)
	assert.True(t, rv.Deleted)
}

func TestResolveMerge_AppendsAfterConflictingEvent(t *testing.T) {
	s, _ := newBootstrappedStore(t)
	ctx := context.Background()
	ev, id := conflictedEvent(t, s, types.ConflictVersionMismatch, `{"id":"42","name":"Remote"}`)

	merged := &types.OutboxEvent{
		ID:        uuid.NewString(),
		Operation: tethersync.OperationUpdate,
		Payload:   []byte(`{"name":"Merged"}`),
		CreatedAt: s.Now(),
	}
	_, err := s.ResolveMerge(ctx, id, merged)
	require.NoError(t, err)

	assert.Equal(t, ev.SequenceNo+1, merged.SequenceNo)
	require.NotNil(t, merged.BaseVersion)
	assert.Equal(t, int64(9), *merged.BaseVersion)

	queued, err := s.QueuedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, merged.ID, queued[0].ID)
}

func TestMarkManualPending_StaysOpen(t *testing.T) {
	s, _ := newBootstrappedStore(t)
	ctx := context.Background()
	_, id := conflictedEvent(t, s, types.ConflictDeleted, "")

	view, err := s.MarkManualPending(ctx, id)
	require.NoError(t, err)
	assert.True(t, view.Open())

	counts, err := s.OutboxCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Conflicted)
}
