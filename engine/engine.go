// Package engine reconciles local pending edits against the latest server
// truth for a sheet: it fetches the current snapshot, runs a three-way
// comparison per pending edit, classifies each as mergeable or conflicting,
// and exposes the reviewable conflict set plus the resolution surface.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	syncErrors "github.com/stackfold/sheetsync/errors"
	"github.com/stackfold/sheetsync/gateway"
	"github.com/stackfold/sheetsync/ledger"
	"github.com/stackfold/sheetsync/logging"
	"github.com/stackfold/sheetsync/notify"
	"github.com/stackfold/sheetsync/sheet"
)

// SnapshotStore is the slice of the local store the engine needs: replacing
// the cached snapshot after a successful fetch.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot *sheet.Snapshot) error
	LoadSnapshot(ctx context.Context, sheetID int64) (*sheet.Snapshot, error)
}

// PublishResult reports what one Publish call sent to the server.
type PublishResult struct {
	// CellsPublished is the number of mergeable cell edits sent and cleared.
	CellsPublished int

	// CommentsPublished is the number of pending discussions sent and cleared.
	CommentsPublished int

	// CellsHeldBack is the number of edits skipped because an unresolved
	// conflict covers their cell.
	CellsHeldBack int
}

// Engine owns the transient conflict list and the solved-conflict set for the
// app session. Construct with New; all dependencies are injected.
type Engine struct {
	gw     gateway.Gateway
	store  SnapshotStore
	ledger *ledger.Ledger
	hub    *notify.Hub
	logger *logging.Logger

	// group coalesces concurrent comparison passes per sheet: a second
	// trigger while one is in flight shares its result instead of racing it.
	group singleflight.Group

	mu        sync.Mutex
	conflicts map[sheet.CellKey]Conflict
	solved    map[sheet.CellKey]Conflict
}

// New creates an Engine over the given collaborators.
func New(gw gateway.Gateway, store SnapshotStore, ldg *ledger.Ledger, hub *notify.Hub, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		gw:        gw,
		store:     store,
		ledger:    ldg,
		hub:       hub,
		logger:    logger.WithComponent(logging.Component("engine")),
		conflicts: make(map[sheet.CellKey]Conflict),
		solved:    make(map[sheet.CellKey]Conflict),
	}
}

// CheckForConflicts runs one sync pass for a sheet: fetch the server
// snapshot, compare every pending edit three ways (baseline, server, local),
// and replace this sheet's entries in the conflict list with the true
// conflicts found. Gateway failure aborts the pass with no partial state.
// Returns the sheet's unresolved conflicts, sorted by row then column.
func (e *Engine) CheckForConflicts(ctx context.Context, sheetID int64) ([]Conflict, error) {
	v, err, _ := e.group.Do(strconv.FormatInt(sheetID, 10), func() (interface{}, error) {
		return e.checkForConflicts(ctx, sheetID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Conflict), nil
}

func (e *Engine) checkForConflicts(ctx context.Context, sheetID int64) ([]Conflict, error) {
	log := e.logger.WithSheet(sheetID)

	snap, err := e.gw.FetchSheet(ctx, sheetID)
	if err != nil {
		log.LogError(ctx, err, "sync pass aborted: snapshot fetch failed")
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpCheckConflicts, "engine")
	}
	if err := ctx.Err(); err != nil {
		// Abandoned mid-sync (view dismissed, app backgrounded): commit nothing.
		return nil, err
	}

	// Cache the fresh snapshot before comparing. Replace-all is atomic in the
	// store; a failure here is fatal to the pass so the ledger and the cache
	// never desynchronize.
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, syncErrors.WrapOpComponentCode(err, syncErrors.OpCheckConflicts, "engine", syncErrors.ErrCodeStorageFailure)
	}

	edits, err := e.ledger.Edits(ctx, sheetID)
	if err != nil {
		return nil, err
	}

	idx := snap.Index()
	found := make([]Conflict, 0)
	mergeable := 0
	for _, edit := range edits {
		conflict, ok := classify(edit, idx)
		if !ok {
			mergeable++
			continue
		}
		found = append(found, conflict)
	}

	// Commit: replace this sheet's entries on the shared conflict list,
	// suppressing anything the user already resolved this session.
	e.mu.Lock()
	for key := range e.conflicts {
		if key.SheetID == sheetID {
			delete(e.conflicts, key)
		}
	}
	unresolved := make([]Conflict, 0, len(found))
	for _, c := range found {
		if _, done := e.solved[c.Key()]; done {
			continue
		}
		e.conflicts[c.Key()] = c
		unresolved = append(unresolved, c)
	}
	e.mu.Unlock()

	sortConflicts(unresolved)
	e.publishConflicts(sheetID, unresolved)

	log.InfoContext(ctx, "sync pass complete",
		slog.Int("pending_edits", len(edits)),
		slog.Int("mergeable", mergeable),
		slog.Int("conflicts", len(unresolved)),
	)
	return unresolved, nil
}

// Conflicts returns the current unresolved conflicts for a sheet without
// triggering a sync pass.
func (e *Engine) Conflicts(sheetID int64) []Conflict {
	e.mu.Lock()
	out := make([]Conflict, 0)
	for _, c := range e.conflicts {
		if c.SheetID == sheetID {
			out = append(out, c)
		}
	}
	e.mu.Unlock()

	sortConflicts(out)
	return out
}

// AddSolvedConflict removes any live conflict with the same cell key and
// records the given conflict as resolved, so later comparison passes do not
// resurface a decision the user already made.
func (e *Engine) AddSolvedConflict(c Conflict) {
	c.Resolved = true

	e.mu.Lock()
	key := c.Key()
	delete(e.conflicts, key)
	e.solved[key] = c
	remaining := make([]Conflict, 0)
	for _, live := range e.conflicts {
		if live.SheetID == c.SheetID {
			remaining = append(remaining, live)
		}
	}
	e.mu.Unlock()

	sortConflicts(remaining)
	e.publishConflicts(c.SheetID, remaining)
}

// Resolve commits a user decision for one conflict. chooseLocal keeps the
// pending edit (still eligible for publish); choosing the server side
// discards the edit and adopts the already-cached server value. Either way
// the cell will not be re-flagged this session.
//
// Resolving a conflict whose pending edit was concurrently removed (e.g. a
// discard-all while the conflict view was open) is a safe no-op.
func (e *Engine) Resolve(ctx context.Context, c Conflict, chooseLocal bool) error {
	edits, err := e.ledger.Edits(ctx, c.SheetID)
	if err != nil {
		return err
	}
	live := false
	for _, edit := range edits {
		if edit.Key() == c.Key() {
			live = true
			break
		}
	}
	if !live {
		e.logger.WarnContext(ctx, "stale conflict resolution ignored",
			slog.String("cell", c.Key().String()),
		)
		e.mu.Lock()
		delete(e.conflicts, c.Key())
		e.mu.Unlock()
		return nil
	}

	if !chooseLocal {
		// Keep remote: drop the local edit. The cached snapshot already holds
		// the server value from the pass that produced this conflict.
		if err := e.ledger.Remove(ctx, c.Key()); err != nil {
			return syncErrors.WrapOpComponent(err, syncErrors.OpResolve, "engine")
		}
	}

	e.AddSolvedConflict(c)
	e.logger.InfoContext(ctx, "conflict resolved",
		slog.String("cell", c.Key().String()),
		slog.Bool("kept_local", chooseLocal),
	)
	return nil
}

// ClearSolved forgets the session's resolved markers for a sheet. The next
// comparison pass will re-flag any still-divergent cells.
func (e *Engine) ClearSolved(sheetID int64) {
	e.mu.Lock()
	for key := range e.solved {
		if key.SheetID == sheetID {
			delete(e.solved, key)
		}
	}
	e.mu.Unlock()
}

// Publish sends every mergeable pending edit for a sheet to the server in one
// batch, then clears the published entries from the ledger. Edits under an
// unresolved conflict are held back. Pending discussions are published one
// call each (the service has no batch endpoint for comments). Nothing is
// cleared unless its gateway call succeeded.
//
// Callers should run CheckForConflicts first so the conflict list reflects
// current server truth.
func (e *Engine) Publish(ctx context.Context, sheetID int64) (*PublishResult, error) {
	result := &PublishResult{}

	e.mu.Lock()
	blocked := make(map[sheet.CellKey]bool)
	for key := range e.conflicts {
		if key.SheetID == sheetID {
			blocked[key] = true
		}
	}
	e.mu.Unlock()

	edits, err := e.ledger.Edits(ctx, sheetID)
	if err != nil {
		return nil, err
	}

	publishable := make([]ledger.PendingEdit, 0, len(edits))
	updates := make([]gateway.CellUpdate, 0, len(edits))
	for _, edit := range edits {
		if blocked[edit.Key()] {
			result.CellsHeldBack++
			continue
		}
		publishable = append(publishable, edit)
		updates = append(updates, gateway.CellUpdate{
			RowID:    edit.RowID,
			ColumnID: edit.ColumnID,
			Value:    edit.NewValue,
		})
	}

	if len(updates) > 0 {
		if err := e.gw.UpdateCells(ctx, sheetID, updates); err != nil {
			return result, syncErrors.WrapOpComponent(err, syncErrors.OpPublish, "engine")
		}
		for _, edit := range publishable {
			if err := e.ledger.Remove(ctx, edit.Key()); err != nil {
				return result, err
			}
			result.CellsPublished++
		}
	}

	discussions, err := e.ledger.Discussions(ctx, sheetID)
	if err != nil {
		return result, err
	}
	for _, d := range discussions {
		comment := gateway.Comment{
			SheetID:    d.SheetID,
			ParentID:   d.ParentID,
			ParentKind: gateway.ParentKind(d.ParentKind),
			Text:       d.Text,
			Author:     d.Author,
		}
		if err := e.gw.AddComment(ctx, comment); err != nil {
			return result, syncErrors.WrapOpComponent(err, syncErrors.OpPublish, "engine")
		}
		if err := e.ledger.RemoveDiscussion(ctx, d.ID); err != nil {
			return result, err
		}
		result.CommentsPublished++
	}

	if result.CellsPublished > 0 || result.CommentsPublished > 0 {
		e.logger.WithSheet(sheetID).InfoContext(ctx, "published local changes",
			slog.Int("cells", result.CellsPublished),
			slog.Int("comments", result.CommentsPublished),
			slog.Int("held_back", result.CellsHeldBack),
		)
	}
	return result, nil
}

func (e *Engine) publishConflicts(sheetID int64, conflicts []Conflict) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(notify.Change{
		Kind:    notify.KindConflicts,
		SheetID: sheetID,
		Payload: conflicts,
	})
}

func sortConflicts(cs []Conflict) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].RowID != cs[j].RowID {
			return cs[i].RowID < cs[j].RowID
		}
		return cs[i].ColumnID < cs[j].ColumnID
	})
}
