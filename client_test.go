package sheetsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/stackfold/sheetsync/errors"
	"github.com/stackfold/sheetsync/gateway"
	"github.com/stackfold/sheetsync/ledger"
	"github.com/stackfold/sheetsync/notify"
	"github.com/stackfold/sheetsync/sheet"
)

// fakeGateway serves canned data and records what was sent.
type fakeGateway struct {
	mu         sync.Mutex
	snapshot   *sheet.Snapshot
	summaries  []sheet.Summary
	fetchErr   error
	fetchCount int

	updates  []gateway.CellUpdate
	comments []gateway.Comment
	sendErr  error
}

func (g *fakeGateway) FetchSheet(ctx context.Context, sheetID int64) (*sheet.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchCount++
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	return g.snapshot, nil
}

func (g *fakeGateway) ListSheets(ctx context.Context) ([]sheet.Summary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	return g.summaries, nil
}

func (g *fakeGateway) UpdateCells(ctx context.Context, sheetID int64, updates []gateway.CellUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.updates = append(g.updates, updates...)
	return nil
}

func (g *fakeGateway) AddComment(ctx context.Context, comment gateway.Comment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.comments = append(g.comments, comment)
	return nil
}

// memoryStore is an in-memory LocalStore.
type memoryStore struct {
	mu          sync.Mutex
	snapshots   map[int64]*sheet.Snapshot
	edits       map[sheet.CellKey]ledger.PendingEdit
	discussions map[string]ledger.PendingDiscussion
	summaries   []sheet.Summary
	closed      bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		snapshots:   make(map[int64]*sheet.Snapshot),
		edits:       make(map[sheet.CellKey]ledger.PendingEdit),
		discussions: make(map[string]ledger.PendingDiscussion),
	}
}

func (s *memoryStore) SaveSnapshot(ctx context.Context, snapshot *sheet.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.ID] = snapshot
	return nil
}

func (s *memoryStore) LoadSnapshot(ctx context.Context, sheetID int64) (*sheet.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[sheetID], nil
}

func (s *memoryStore) CachedCellValue(ctx context.Context, key sheet.CellKey) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[key.SheetID]
	if !ok {
		return nil, nil
	}
	v, _ := snap.CellValue(key.RowID, key.ColumnID)
	return v, nil
}

func (s *memoryStore) SavePendingEdit(ctx context.Context, edit ledger.PendingEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits[edit.Key()] = edit
	return nil
}

func (s *memoryStore) DeletePendingEdit(ctx context.Context, key sheet.CellKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edits, key)
	return nil
}

func (s *memoryStore) DeletePendingEdits(ctx context.Context, sheetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.edits {
		if e.SheetID == sheetID {
			delete(s.edits, key)
		}
	}
	return nil
}

func (s *memoryStore) ListPendingEdits(ctx context.Context, sheetID int64) ([]ledger.PendingEdit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.PendingEdit
	for _, e := range s.edits {
		if e.SheetID == sheetID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memoryStore) SavePendingDiscussion(ctx context.Context, d ledger.PendingDiscussion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discussions[d.ID] = d
	return nil
}

func (s *memoryStore) DeletePendingDiscussion(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.discussions, id)
	return nil
}

func (s *memoryStore) ListPendingDiscussions(ctx context.Context, sheetID int64) ([]ledger.PendingDiscussion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.PendingDiscussion
	for _, d := range s.discussions {
		if d.SheetID == sheetID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memoryStore) SaveSheetList(ctx context.Context, summaries []sheet.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = summaries
	return nil
}

func (s *memoryStore) ListSheets(ctx context.Context) ([]sheet.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaries, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

const (
	testSheetID = int64(7)
	testRowID   = int64(1)
	statusColID = int64(102)
)

func serverSheet(status string) *sheet.Snapshot {
	return &sheet.Snapshot{
		ID:   testSheetID,
		Name: "Project Plan",
		Columns: []sheet.Column{
			{ID: 100, Index: 0, Title: "Task", Type: sheet.ColumnTypeTextNumber},
			{ID: statusColID, Index: 1, Title: "Status", Type: sheet.ColumnTypePicklist,
				Options: []string{"Open", "In Progress", "Closed"}},
		},
		Rows: []sheet.Row{
			{ID: testRowID, Index: 0, Cells: []sheet.Cell{
				{ColumnID: 100, Value: sheet.StringValue("Write spec")},
				{ColumnID: statusColID, Value: sheet.StringValue(status)},
			}},
		},
	}
}

func newTestClient(t *testing.T) (*Client, *fakeGateway, *memoryStore) {
	t.Helper()
	gw := &fakeGateway{snapshot: serverSheet("Open")}
	store := newMemoryStore()
	client, err := NewClientBuilder().
		WithGateway(gw).
		WithStore(store).
		Build()
	require.NoError(t, err)
	return client, gw, store
}

func TestBuilderValidation(t *testing.T) {
	_, err := NewClientBuilder().WithStore(newMemoryStore()).Build()
	assert.Error(t, err, "gateway is required")

	_, err = NewClientBuilder().WithGateway(&fakeGateway{}).Build()
	assert.Error(t, err, "store is required")

	_, err = NewClientBuilder().
		WithGateway(&fakeGateway{}).
		WithStore(newMemoryStore()).
		WithHubBuffer(-1).
		Build()
	assert.Error(t, err, "hub buffer must be positive")
}

func TestSheetFetchesAndCachesWhenCold(t *testing.T) {
	client, gw, store := newTestClient(t)
	ctx := context.Background()

	snap, err := client.Sheet(ctx, testSheetID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1, gw.fetchCount)

	cached, err := store.LoadSnapshot(ctx, testSheetID)
	require.NoError(t, err)
	assert.NotNil(t, cached, "fetch should populate the cache")

	// Second read is served from the cache.
	_, err = client.Sheet(ctx, testSheetID)
	require.NoError(t, err)
	assert.Equal(t, 1, gw.fetchCount)
}

func TestSheetOfflineWithoutCache(t *testing.T) {
	client, gw, _ := newTestClient(t)
	gw.fetchErr = syncErrors.NewGatewayError(syncErrors.OpFetchSheet, fmt.Errorf("connection refused"))

	_, err := client.Sheet(context.Background(), testSheetID)
	require.Error(t, err)
	assert.True(t, syncErrors.IsRetryable(err))
}

func TestSheetOfflineServedFromCache(t *testing.T) {
	client, gw, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.Sheet(ctx, testSheetID)
	require.NoError(t, err)

	gw.fetchErr = syncErrors.NewGatewayError(syncErrors.OpFetchSheet, fmt.Errorf("connection refused"))
	snap, err := client.Sheet(ctx, testSheetID)
	require.NoError(t, err, "cached sheet must stay readable offline")
	assert.Equal(t, "Project Plan", snap.Name)
}

func TestRecordEditValidation(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()

	// Sheet not cached yet.
	_, err := client.RecordEdit(ctx, testSheetID, testRowID, statusColID, sheet.StringValue("Closed"))
	require.Error(t, err)
	assert.Equal(t, syncErrors.ErrCodeValidationFailure, syncErrors.CodeOf(err))

	_, err = client.Sheet(ctx, testSheetID)
	require.NoError(t, err)

	tests := []struct {
		name     string
		columnID int64
		value    *string
		wantErr  bool
	}{
		{"valid picklist option", statusColID, sheet.StringValue("Closed"), false},
		{"invalid picklist option", statusColID, sheet.StringValue("Bogus"), true},
		{"unknown column", int64(999), sheet.StringValue("x"), true},
		{"clearing a cell", statusColID, nil, false},
		{"free text column", int64(100), sheet.StringValue("anything"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.RecordEdit(ctx, testSheetID, testRowID, tt.columnID, tt.value)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, syncErrors.ErrCodeValidationFailure, syncErrors.CodeOf(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestPendingChangesBadge(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.Sheet(ctx, testSheetID)
	require.NoError(t, err)

	has, err := client.HasPendingChanges(ctx, testSheetID)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = client.RecordEdit(ctx, testSheetID, testRowID, statusColID, sheet.StringValue("Closed"))
	require.NoError(t, err)

	has, err = client.HasPendingChanges(ctx, testSheetID)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, client.DiscardAll(ctx, testSheetID))
	has, err = client.HasPendingChanges(ctx, testSheetID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestOfflineEditThenPublishFlow(t *testing.T) {
	client, gw, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.Sheet(ctx, testSheetID)
	require.NoError(t, err)

	_, err = client.RecordEdit(ctx, testSheetID, testRowID, statusColID, sheet.StringValue("Closed"))
	require.NoError(t, err)
	_, err = client.Comment(ctx, testSheetID, testRowID, ledger.ParentRow, "done", "alice@example.com")
	require.NoError(t, err)

	// Server unchanged since the pull: the edit is mergeable.
	conflicts, err := client.CheckForConflicts(ctx, testSheetID)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	result, err := client.Publish(ctx, testSheetID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CellsPublished)
	assert.Equal(t, 1, result.CommentsPublished)
	assert.Equal(t, 0, result.CellsHeldBack)
	assert.Len(t, gw.updates, 1)
	assert.Len(t, gw.comments, 1)

	has, err := client.HasPendingChanges(ctx, testSheetID)
	require.NoError(t, err)
	assert.False(t, has, "published entries must leave the ledger")
}

func TestConflictThenResolveFlow(t *testing.T) {
	client, gw, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.Sheet(ctx, testSheetID)
	require.NoError(t, err)
	_, err = client.RecordEdit(ctx, testSheetID, testRowID, statusColID, sheet.StringValue("Closed"))
	require.NoError(t, err)

	// A colleague changed the same cell while we were offline.
	gw.mu.Lock()
	gw.snapshot = serverSheet("In Progress")
	gw.mu.Unlock()

	conflicts, err := client.CheckForConflicts(ctx, testSheetID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, conflicts, client.Conflicts(testSheetID))

	require.NoError(t, client.Resolve(ctx, conflicts[0], true))
	assert.Empty(t, client.Conflicts(testSheetID))

	// The kept edit publishes now that the conflict is resolved.
	result, err := client.Publish(ctx, testSheetID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CellsPublished)
}

func TestSheetListRefreshAndCache(t *testing.T) {
	client, gw, _ := newTestClient(t)
	ctx := context.Background()
	gw.summaries = []sheet.Summary{
		{ID: 7, Name: "Project Plan", ModifiedAt: time.Now()},
		{ID: 8, Name: "Budget", ModifiedAt: time.Now()},
	}

	got, err := client.RefreshSheetList(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Offline: the cached list still serves.
	gw.fetchErr = syncErrors.NewGatewayError(syncErrors.OpListSheets, fmt.Errorf("connection refused"))
	got, err = client.Sheets(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = client.RefreshSheetList(ctx)
	require.Error(t, err)
}

func TestWatchSeesEditsAndConflicts(t *testing.T) {
	client, gw, _ := newTestClient(t)
	ctx := context.Background()

	sub := client.Watch(notify.ForSheet(notify.KindPendingEdits, testSheetID))
	defer sub.Close()

	_, err := client.Sheet(ctx, testSheetID)
	require.NoError(t, err)
	_, err = client.RecordEdit(ctx, testSheetID, testRowID, statusColID, sheet.StringValue("Closed"))
	require.NoError(t, err)

	select {
	case change := <-sub.C:
		assert.Equal(t, notify.KindPendingEdits, change.Kind)
		assert.Equal(t, testSheetID, change.SheetID)
		edits, ok := change.Payload.([]ledger.PendingEdit)
		require.True(t, ok)
		assert.Len(t, edits, 1)
	case <-time.After(time.Second):
		t.Fatal("no pending-edits notification")
	}

	conflictSub := client.Watch(notify.ForSheet(notify.KindConflicts, testSheetID))
	defer conflictSub.Close()

	gw.mu.Lock()
	gw.snapshot = serverSheet("In Progress")
	gw.mu.Unlock()
	_, err = client.CheckForConflicts(ctx, testSheetID)
	require.NoError(t, err)

	select {
	case change := <-conflictSub.C:
		assert.Equal(t, notify.KindConflicts, change.Kind)
	case <-time.After(time.Second):
		t.Fatal("no conflicts notification")
	}
}

func TestConflictStateDoesNotOutliveClient(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{snapshot: serverSheet("Open")}
	store := newMemoryStore()

	first, err := NewClientBuilder().WithGateway(gw).WithStore(store).Build()
	require.NoError(t, err)

	_, err = first.Sheet(ctx, testSheetID)
	require.NoError(t, err)
	_, err = first.RecordEdit(ctx, testSheetID, testRowID, statusColID, sheet.StringValue("Closed"))
	require.NoError(t, err)

	gw.mu.Lock()
	gw.snapshot = serverSheet("In Progress")
	gw.mu.Unlock()

	conflicts, err := first.CheckForConflicts(ctx, testSheetID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	// A second client over the same store, as a new process would build it:
	// the edit persisted, the conflict list did not.
	second, err := NewClientBuilder().WithGateway(gw).WithStore(store).Build()
	require.NoError(t, err)
	assert.Empty(t, second.Conflicts(testSheetID))

	// Checking in-process restores the conflict, and a publish after the
	// check holds the conflicted cell back instead of overwriting the server.
	conflicts, err = second.CheckForConflicts(ctx, testSheetID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	result, err := second.Publish(ctx, testSheetID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.CellsPublished)
	assert.Equal(t, 1, result.CellsHeldBack)
	assert.Empty(t, gw.updates)

	// Keep-local plus publish in the same client sends the edit.
	require.NoError(t, second.Resolve(ctx, conflicts[0], true))
	result, err = second.Publish(ctx, testSheetID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CellsPublished)
	assert.Len(t, gw.updates, 1)
}

func TestCloseShutsDownStore(t *testing.T) {
	client, _, store := newTestClient(t)
	require.NoError(t, client.Close())
	assert.True(t, store.closed)
}
