// Package sheetsync tracks local edits to cached sheet snapshots while
// offline, detects conflicts against the server on reconnect, and publishes
// the survivors. The Client type is the composition root: it wires a Gateway,
// a LocalStore, the pending-edit ledger and the conflict engine together and
// exposes the operations a front end needs.
package sheetsync

import (
	"context"
	"fmt"

	"github.com/stackfold/sheetsync/engine"
	syncErrors "github.com/stackfold/sheetsync/errors"
	"github.com/stackfold/sheetsync/gateway"
	"github.com/stackfold/sheetsync/ledger"
	"github.com/stackfold/sheetsync/logging"
	"github.com/stackfold/sheetsync/notify"
	"github.com/stackfold/sheetsync/sheet"
)

// LocalStore is the persistence surface the client needs: the ledger's
// backing store, cached snapshots, and the sheet picker list.
type LocalStore interface {
	ledger.Store
	ledger.SnapshotReader
	engine.SnapshotStore

	SaveSheetList(ctx context.Context, summaries []sheet.Summary) error
	ListSheets(ctx context.Context) ([]sheet.Summary, error)
	Close() error
}

// Client is the front door for a single user's offline editing session.
// All methods are safe for concurrent use.
type Client struct {
	gw     gateway.Gateway
	store  LocalStore
	ledger *ledger.Ledger
	engine *engine.Engine
	hub    *notify.Hub
	logger *logging.Logger
}

// Sheet returns the snapshot for a sheet, preferring the local cache. When
// the sheet has never been cached it is fetched from the gateway and cached;
// offline with no cache, the gateway error is returned.
func (c *Client) Sheet(ctx context.Context, sheetID int64) (*sheet.Snapshot, error) {
	cached, err := c.store.LoadSnapshot(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}
	return c.RefreshSheet(ctx, sheetID)
}

// RefreshSheet fetches a sheet from the gateway and replaces the cached
// snapshot. Pending edits are untouched; stale baselines surface as
// conflicts on the next CheckForConflicts pass, not here.
func (c *Client) RefreshSheet(ctx context.Context, sheetID int64) (*sheet.Snapshot, error) {
	snapshot, err := c.gw.FetchSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Sheets returns the cached sheet picker list.
func (c *Client) Sheets(ctx context.Context) ([]sheet.Summary, error) {
	return c.store.ListSheets(ctx)
}

// RefreshSheetList fetches the sheet list from the gateway and replaces the
// cached copy.
func (c *Client) RefreshSheetList(ctx context.Context) ([]sheet.Summary, error) {
	summaries, err := c.gw.ListSheets(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveSheetList(ctx, summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

// RecordEdit buffers a cell edit locally. The cell's column must exist in the
// cached snapshot; the value is validated against the column type before it
// is recorded. The baseline is captured from the cache on the first edit of
// the cell and kept on re-edits.
func (c *Client) RecordEdit(ctx context.Context, sheetID, rowID, columnID int64, newValue *string) (ledger.PendingEdit, error) {
	snapshot, err := c.store.LoadSnapshot(ctx, sheetID)
	if err != nil {
		return ledger.PendingEdit{}, err
	}
	if snapshot == nil {
		return ledger.PendingEdit{}, syncErrors.NewValidationError(syncErrors.OpRecordEdit,
			fmt.Errorf("sheet %d is not cached; fetch it before editing", sheetID))
	}
	column := snapshot.Column(columnID)
	if column == nil {
		return ledger.PendingEdit{}, syncErrors.NewValidationError(syncErrors.OpRecordEdit,
			fmt.Errorf("sheet %d has no column %d", sheetID, columnID))
	}
	if err := column.ValidateValue(newValue); err != nil {
		return ledger.PendingEdit{}, syncErrors.NewValidationError(syncErrors.OpRecordEdit, err)
	}
	return c.ledger.RecordEdit(ctx, sheetID, rowID, columnID, column.Type, newValue)
}

// PendingEdits returns the outstanding edits for a sheet in row-then-column
// order.
func (c *Client) PendingEdits(ctx context.Context, sheetID int64) ([]ledger.PendingEdit, error) {
	return c.ledger.Edits(ctx, sheetID)
}

// DiscardEdit drops the pending edit for one cell. No-op when the cell has
// no pending edit.
func (c *Client) DiscardEdit(ctx context.Context, key sheet.CellKey) error {
	return c.ledger.Remove(ctx, key)
}

// DiscardAll drops every pending edit and pending comment for a sheet and
// clears its resolved-conflict markers.
func (c *Client) DiscardAll(ctx context.Context, sheetID int64) error {
	if err := c.ledger.RemoveAll(ctx, sheetID); err != nil {
		return err
	}
	c.engine.ClearSolved(sheetID)
	return nil
}

// HasPendingChanges reports whether a sheet has unsynced edits or comments.
// Front ends use it for the "unsaved changes" badge.
func (c *Client) HasPendingChanges(ctx context.Context, sheetID int64) (bool, error) {
	return c.ledger.HasPending(ctx, sheetID)
}

// Comment buffers a comment locally until the next publish.
func (c *Client) Comment(ctx context.Context, sheetID, parentID int64, kind ledger.ParentKind, text, author string) (ledger.PendingDiscussion, error) {
	return c.ledger.RecordDiscussion(ctx, sheetID, parentID, kind, text, author)
}

// PendingComments returns the buffered comments for a sheet in the order
// they were written.
func (c *Client) PendingComments(ctx context.Context, sheetID int64) ([]ledger.PendingDiscussion, error) {
	return c.ledger.Discussions(ctx, sheetID)
}

// CheckForConflicts fetches the sheet from the gateway, refreshes the cache,
// and compares every pending edit against the server state. Concurrent calls
// for the same sheet share one pass. The returned slice holds the unresolved
// conflicts; mergeable edits stay pending and are not reported.
func (c *Client) CheckForConflicts(ctx context.Context, sheetID int64) ([]engine.Conflict, error) {
	return c.engine.CheckForConflicts(ctx, sheetID)
}

// Conflicts returns the unresolved conflicts from the most recent check,
// without contacting the gateway.
func (c *Client) Conflicts(sheetID int64) []engine.Conflict {
	return c.engine.Conflicts(sheetID)
}

// Resolve applies the user's decision for one conflict. chooseLocal keeps the
// pending edit for the next publish; otherwise the edit is discarded and the
// server value stands. Either way the conflict stops being re-flagged for
// the rest of the session.
func (c *Client) Resolve(ctx context.Context, conflict engine.Conflict, chooseLocal bool) error {
	return c.engine.Resolve(ctx, conflict, chooseLocal)
}

// Publish sends the mergeable pending edits for a sheet to the gateway in one
// batch, then the pending comments one by one. Edits involved in unresolved
// conflicts are held back. Published entries leave the ledger; on gateway
// failure everything stays pending.
func (c *Client) Publish(ctx context.Context, sheetID int64) (*engine.PublishResult, error) {
	return c.engine.Publish(ctx, sheetID)
}

// Watch subscribes to state changes. A nil filter receives everything; use
// notify.ForSheet to scope to one sheet and kind. Close the subscription when
// done.
func (c *Client) Watch(filter notify.Filter) *notify.Subscription {
	return c.hub.Subscribe(filter)
}

// Close releases the client: the notification hub stops broadcasting and the
// store is closed. In-flight operations may fail with store-closed errors.
func (c *Client) Close() error {
	c.hub.Close()
	if err := c.store.Close(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpClose, err)
	}
	return nil
}
