// Package ledger keeps the durable record of local edits not yet confirmed
// on the server: cell value edits with their baselines, and discussion
// comments awaiting publish.
package ledger

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/stackfold/sheetsync/errors"
	"github.com/stackfold/sheetsync/logging"
	"github.com/stackfold/sheetsync/notify"
	"github.com/stackfold/sheetsync/sheet"
)

// PendingEdit is one unsynced cell edit. The baseline is the server value
// observed at the moment of the first local edit to that cell; later edits
// to the same cell overwrite NewValue but never the baseline.
type PendingEdit struct {
	SheetID    int64
	RowID      int64
	ColumnID   int64
	ColumnType sheet.ColumnType
	Baseline   *string
	NewValue   *string
	RecordedAt time.Time
}

// Key returns the cell identity of this edit.
func (e PendingEdit) Key() sheet.CellKey {
	return sheet.CellKey{SheetID: e.SheetID, RowID: e.RowID, ColumnID: e.ColumnID}
}

// ParentKind tells whether a discussion attaches to a row or to the sheet.
type ParentKind string

const (
	ParentRow   ParentKind = "ROW"
	ParentSheet ParentKind = "SHEET"
)

// PendingDiscussion is a comment posted locally and not yet published.
type PendingDiscussion struct {
	ID         string
	SheetID    int64
	ParentID   int64
	ParentKind ParentKind
	Text       string
	Author     string
	CreatedAt  time.Time
}

// Store is the persistence backend for the ledger. storage/sqlite implements it.
type Store interface {
	SavePendingEdit(ctx context.Context, edit PendingEdit) error
	DeletePendingEdit(ctx context.Context, key sheet.CellKey) error
	DeletePendingEdits(ctx context.Context, sheetID int64) error
	ListPendingEdits(ctx context.Context, sheetID int64) ([]PendingEdit, error)

	SavePendingDiscussion(ctx context.Context, d PendingDiscussion) error
	DeletePendingDiscussion(ctx context.Context, id string) error
	ListPendingDiscussions(ctx context.Context, sheetID int64) ([]PendingDiscussion, error)
}

// SnapshotReader supplies the cached server value used as an edit's baseline.
type SnapshotReader interface {
	// CachedCellValue returns the cached server value for the cell, or nil
	// when the sheet is not cached or the cell is empty.
	CachedCellValue(ctx context.Context, key sheet.CellKey) (*string, error)
}

// Ledger is the mutex-guarded in-memory buffer over the persistent store.
// Every mutation is persisted first, then broadcast through the hub so
// dependent views update reactively.
type Ledger struct {
	store     Store
	snapshots SnapshotReader
	hub       *notify.Hub
	logger    *logging.Logger

	mu          sync.Mutex
	edits       map[sheet.CellKey]PendingEdit
	discussions map[string]PendingDiscussion
	loaded      map[int64]bool
}

// New creates a Ledger over the given store and snapshot reader.
func New(store Store, snapshots SnapshotReader, hub *notify.Hub, logger *logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{
		store:       store,
		snapshots:   snapshots,
		hub:         hub,
		logger:      logger.WithComponent(logging.Component("ledger")),
		edits:       make(map[sheet.CellKey]PendingEdit),
		discussions: make(map[string]PendingDiscussion),
		loaded:      make(map[int64]bool),
	}
}

// ensureLoaded populates the in-memory buffer for one sheet from the store.
// Callers must hold l.mu.
func (l *Ledger) ensureLoaded(ctx context.Context, sheetID int64) error {
	if l.loaded[sheetID] {
		return nil
	}

	edits, err := l.store.ListPendingEdits(ctx, sheetID)
	if err != nil {
		return syncErrors.WrapOpComponentCode(err, syncErrors.OpRecordEdit, "ledger", syncErrors.ErrCodeStorageFailure)
	}
	for _, e := range edits {
		l.edits[e.Key()] = e
	}

	discussions, err := l.store.ListPendingDiscussions(ctx, sheetID)
	if err != nil {
		return syncErrors.WrapOpComponentCode(err, syncErrors.OpRecordEdit, "ledger", syncErrors.ErrCodeStorageFailure)
	}
	for _, d := range discussions {
		l.discussions[d.ID] = d
	}

	l.loaded[sheetID] = true
	return nil
}

// RecordEdit records a local cell edit. The first edit to a cell captures the
// baseline from the cached snapshot; repeat edits before a sync only replace
// the new value.
func (l *Ledger) RecordEdit(ctx context.Context, sheetID, rowID, columnID int64, columnType sheet.ColumnType, newValue *string) (PendingEdit, error) {
	key := sheet.CellKey{SheetID: sheetID, RowID: rowID, ColumnID: columnID}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoaded(ctx, sheetID); err != nil {
		return PendingEdit{}, err
	}

	edit, exists := l.edits[key]
	if exists {
		edit.NewValue = newValue
		edit.RecordedAt = time.Now().UTC()
	} else {
		baseline, err := l.snapshots.CachedCellValue(ctx, key)
		if err != nil {
			return PendingEdit{}, syncErrors.WrapOpComponentCode(err, syncErrors.OpRecordEdit, "ledger", syncErrors.ErrCodeStorageFailure)
		}
		edit = PendingEdit{
			SheetID:    sheetID,
			RowID:      rowID,
			ColumnID:   columnID,
			ColumnType: columnType,
			Baseline:   baseline,
			NewValue:   newValue,
			RecordedAt: time.Now().UTC(),
		}
	}

	if err := l.store.SavePendingEdit(ctx, edit); err != nil {
		return PendingEdit{}, syncErrors.WrapOpComponentCode(err, syncErrors.OpRecordEdit, "ledger", syncErrors.ErrCodeStorageFailure)
	}
	l.edits[key] = edit

	l.logger.DebugContext(ctx, "recorded pending edit",
		slog.String("cell", key.String()),
		slog.Bool("first_edit", !exists),
	)
	l.publishEditsLocked(sheetID)
	return edit, nil
}

// Edits returns all outstanding edits for a sheet, ordered by row then column
// for deterministic output.
func (l *Ledger) Edits(ctx context.Context, sheetID int64) ([]PendingEdit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoaded(ctx, sheetID); err != nil {
		return nil, err
	}
	return l.editsLocked(sheetID), nil
}

func (l *Ledger) editsLocked(sheetID int64) []PendingEdit {
	out := make([]PendingEdit, 0)
	for _, e := range l.edits {
		if e.SheetID == sheetID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RowID != out[j].RowID {
			return out[i].RowID < out[j].RowID
		}
		return out[i].ColumnID < out[j].ColumnID
	})
	return out
}

// Remove deletes the pending edit for one cell. No-op if absent; used after
// a successful publish or a user-chosen discard.
func (l *Ledger) Remove(ctx context.Context, key sheet.CellKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoaded(ctx, key.SheetID); err != nil {
		return err
	}
	if _, ok := l.edits[key]; !ok {
		return nil
	}

	if err := l.store.DeletePendingEdit(ctx, key); err != nil {
		return syncErrors.WrapOpComponentCode(err, syncErrors.OpRemoveEdit, "ledger", syncErrors.ErrCodeStorageFailure)
	}
	delete(l.edits, key)
	l.publishEditsLocked(key.SheetID)
	return nil
}

// RemoveAll bulk-discards every pending edit and discussion for a sheet.
func (l *Ledger) RemoveAll(ctx context.Context, sheetID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoaded(ctx, sheetID); err != nil {
		return err
	}

	if err := l.store.DeletePendingEdits(ctx, sheetID); err != nil {
		return syncErrors.WrapOpComponentCode(err, syncErrors.OpRemoveEdit, "ledger", syncErrors.ErrCodeStorageFailure)
	}
	for key, e := range l.edits {
		if e.SheetID == sheetID {
			delete(l.edits, key)
		}
	}
	for id, d := range l.discussions {
		if d.SheetID == sheetID {
			if err := l.store.DeletePendingDiscussion(ctx, id); err != nil {
				return syncErrors.WrapOpComponentCode(err, syncErrors.OpRemoveEdit, "ledger", syncErrors.ErrCodeStorageFailure)
			}
			delete(l.discussions, id)
		}
	}

	l.logger.InfoContext(ctx, "discarded all local changes", slog.Int64("sheet_id", sheetID))
	l.publishEditsLocked(sheetID)
	l.publishDiscussionsLocked(sheetID)
	return nil
}

// HasPending reports whether any edits or discussions are outstanding for a
// sheet (the "unsynced changes" badge).
func (l *Ledger) HasPending(ctx context.Context, sheetID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoaded(ctx, sheetID); err != nil {
		return false, err
	}
	for _, e := range l.edits {
		if e.SheetID == sheetID {
			return true, nil
		}
	}
	for _, d := range l.discussions {
		if d.SheetID == sheetID {
			return true, nil
		}
	}
	return false, nil
}

// RecordDiscussion records a comment posted locally, pending publish.
func (l *Ledger) RecordDiscussion(ctx context.Context, sheetID, parentID int64, kind ParentKind, text, author string) (PendingDiscussion, error) {
	d := PendingDiscussion{
		ID:         uuid.NewString(),
		SheetID:    sheetID,
		ParentID:   parentID,
		ParentKind: kind,
		Text:       text,
		Author:     author,
		CreatedAt:  time.Now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoaded(ctx, sheetID); err != nil {
		return PendingDiscussion{}, err
	}
	if err := l.store.SavePendingDiscussion(ctx, d); err != nil {
		return PendingDiscussion{}, syncErrors.WrapOpComponentCode(err, syncErrors.OpAddComment, "ledger", syncErrors.ErrCodeStorageFailure)
	}
	l.discussions[d.ID] = d
	l.publishDiscussionsLocked(sheetID)
	return d, nil
}

// Discussions returns all pending discussions for a sheet, oldest first.
func (l *Ledger) Discussions(ctx context.Context, sheetID int64) ([]PendingDiscussion, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoaded(ctx, sheetID); err != nil {
		return nil, err
	}
	return l.discussionsLocked(sheetID), nil
}

func (l *Ledger) discussionsLocked(sheetID int64) []PendingDiscussion {
	out := make([]PendingDiscussion, 0)
	for _, d := range l.discussions {
		if d.SheetID == sheetID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RemoveDiscussion deletes one pending discussion after publish. No-op if absent.
func (l *Ledger) RemoveDiscussion(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Delete from the store unconditionally: the sheet's discussions may not
	// be loaded into memory yet.
	if err := l.store.DeletePendingDiscussion(ctx, id); err != nil {
		return syncErrors.WrapOpComponentCode(err, syncErrors.OpRemoveEdit, "ledger", syncErrors.ErrCodeStorageFailure)
	}
	if d, ok := l.discussions[id]; ok {
		delete(l.discussions, id)
		l.publishDiscussionsLocked(d.SheetID)
	}
	return nil
}

// publishEditsLocked broadcasts the current edit list for a sheet. Callers
// hold l.mu, which keeps broadcast order identical to commit order; the hub
// never blocks.
func (l *Ledger) publishEditsLocked(sheetID int64) {
	if l.hub == nil {
		return
	}
	l.hub.Publish(notify.Change{
		Kind:    notify.KindPendingEdits,
		SheetID: sheetID,
		Payload: l.editsLocked(sheetID),
	})
}

func (l *Ledger) publishDiscussionsLocked(sheetID int64) {
	if l.hub == nil {
		return
	}
	l.hub.Publish(notify.Change{
		Kind:    notify.KindPendingDiscussions,
		SheetID: sheetID,
		Payload: l.discussionsLocked(sheetID),
	})
}
