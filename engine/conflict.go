package engine

import (
	"github.com/stackfold/sheetsync/ledger"
	"github.com/stackfold/sheetsync/sheet"
)

// ConflictKind categorizes how the server and the local edit diverged.
type ConflictKind string

const (
	// KindValueDivergence: both sides changed the cell away from the
	// baseline, to different values.
	KindValueDivergence ConflictKind = "value_divergence"

	// KindDeletedRemotely: the row or column holding the pending edit no
	// longer exists on the server.
	KindDeletedRemotely ConflictKind = "deleted_remotely"
)

// Conflict is one cell where the server and a local pending edit diverged
// independently. Conflicts are recomputed on every comparison pass; only
// resolved markers survive between passes.
type Conflict struct {
	SheetID    int64
	RowID      int64
	ColumnID   int64
	ColumnType sheet.ColumnType
	Kind       ConflictKind

	// ServerValue is the current remote value. nil for an empty or deleted cell.
	ServerValue *string

	// LocalValue is the pending edit's new value.
	LocalValue *string

	// Edit is the originating ledger entry.
	Edit ledger.PendingEdit

	// Resolved marks a conflict the user has already decided; it suppresses
	// re-flagging on later passes.
	Resolved bool
}

// Key returns the cell identity of this conflict.
func (c Conflict) Key() sheet.CellKey {
	return sheet.CellKey{SheetID: c.SheetID, RowID: c.RowID, ColumnID: c.ColumnID}
}

// classify performs the three-way comparison for one pending edit against the
// server index. It returns the conflict and true, or false when the edit is
// mergeable.
//
// A two-way server-vs-local comparison would flag every server-side change an
// offline user never touched; comparing against the baseline keeps routine
// server drift silent and surfaces only genuine disagreement.
func classify(edit ledger.PendingEdit, idx *sheet.ValueIndex) (Conflict, bool) {
	server, exists := idx.Value(edit.RowID, edit.ColumnID)

	if !exists {
		// The row or column is gone on the server while a local edit for it
		// is still pending. Surfaced explicitly rather than silently dropped.
		return Conflict{
			SheetID:     edit.SheetID,
			RowID:       edit.RowID,
			ColumnID:    edit.ColumnID,
			ColumnType:  edit.ColumnType,
			Kind:        KindDeletedRemotely,
			ServerValue: nil,
			LocalValue:  edit.NewValue,
			Edit:        edit,
		}, true
	}

	// Case A: server unchanged from the baseline (including both absent).
	if sheet.EqualValues(server, edit.Baseline) {
		return Conflict{}, false
	}

	// Case B: server changed, but to the value the user entered independently.
	if sheet.EqualValues(server, edit.NewValue) {
		return Conflict{}, false
	}

	// Case C: both sides diverged from the baseline to different values.
	return Conflict{
		SheetID:     edit.SheetID,
		RowID:       edit.RowID,
		ColumnID:    edit.ColumnID,
		ColumnType:  edit.ColumnType,
		Kind:        KindValueDivergence,
		ServerValue: server,
		LocalValue:  edit.NewValue,
		Edit:        edit,
	}, true
}
