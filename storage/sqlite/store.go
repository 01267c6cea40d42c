// Package sqlite provides the SQLite-backed local store: cached sheet
// snapshots, the pending-edit ledger's persistence, and the sheet picker
// list. It survives app restarts and is the only durable state in the system.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	stdSync "sync"
	"time"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"

	syncErrors "github.com/stackfold/sheetsync/errors"
	"github.com/stackfold/sheetsync/ledger"
	"github.com/stackfold/sheetsync/logging"
	"github.com/stackfold/sheetsync/sheet"
)

// ErrStoreClosed is returned by every operation after Close.
var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the Store.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:sheetsync.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Connection pool settings.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "?_journal_mode=") {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults for SQLite.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store is the SQLite implementation of the local store.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
}

// Compile-time checks that Store satisfies the persistence contracts.
var (
	_ ledger.Store          = (*Store)(nil)
	_ ledger.SnapshotReader = (*Store)(nil)
)

// New creates a Store from a Config, opening the database and running any
// pending schema migrations.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.Default().WithComponent(logging.Component("storage/sqlite"))
	logger.Info("opening sqlite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set up database schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// NewWithDataSource is a convenience constructor using default settings.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

const timeFormat = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func toNull(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// SaveSnapshot replaces the cached snapshot for a sheet. Delete-old and
// insert-new run inside one transaction: a failure at any point rolls back
// and leaves the previous snapshot intact.
func (s *Store) SaveSnapshot(ctx context.Context, snapshot *sheet.Snapshot) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSaveSnapshot, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSaveSnapshot, err)
	}
	defer tx.Rollback()

	for _, table := range []string{"sheet_cells", "sheet_rows", "sheet_columns"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE sheet_id = ?`, table), snapshot.ID); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpSaveSnapshot, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sheets (id, name, modified_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, modified_at = excluded.modified_at`,
		snapshot.ID, snapshot.Name, encodeTime(snapshot.ModifiedAt)); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSaveSnapshot, err)
	}

	for _, col := range snapshot.Columns {
		options, err := json.Marshal(col.Options)
		if err != nil {
			return syncErrors.NewStorageError(syncErrors.OpSaveSnapshot, err)
		}
		contacts, err := json.Marshal(col.Contacts)
		if err != nil {
			return syncErrors.NewStorageError(syncErrors.OpSaveSnapshot, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sheet_columns (sheet_id, id, idx, title, type, options, contacts)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			snapshot.ID, col.ID, col.Index, col.Title, string(col.Type), string(options), string(contacts)); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpSaveSnapshot, err)
		}
	}

	for _, row := range snapshot.Rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sheet_rows (sheet_id, id, idx) VALUES (?, ?, ?)`,
			snapshot.ID, row.ID, row.Index); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpSaveSnapshot, err)
		}
		for _, cell := range row.Cells {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sheet_cells (sheet_id, row_id, column_id, value, display_value, format)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				snapshot.ID, row.ID, cell.ColumnID, toNull(cell.Value), cell.DisplayValue, cell.Format); err != nil {
				return syncErrors.NewStorageError(syncErrors.OpSaveSnapshot, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSaveSnapshot, err)
	}

	s.logger.DebugContext(ctx, "snapshot cached",
		slog.Int64("sheet_id", snapshot.ID),
		slog.Int("rows", len(snapshot.Rows)),
		slog.Int("columns", len(snapshot.Columns)),
	)
	return nil
}

// LoadSnapshot returns the cached snapshot for a sheet, or nil if the sheet
// was never fetched.
func (s *Store) LoadSnapshot(ctx context.Context, sheetID int64) (*sheet.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
	}

	snapshot := &sheet.Snapshot{ID: sheetID}
	var modifiedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, modified_at FROM sheets WHERE id = ?`, sheetID,
	).Scan(&snapshot.Name, &modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
	}
	snapshot.ModifiedAt = decodeTime(modifiedAt)

	columnIndex := make(map[int64]int)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, idx, title, type, options, contacts FROM sheet_columns
		 WHERE sheet_id = ? ORDER BY idx`, sheetID)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
	}
	defer rows.Close()
	for rows.Next() {
		var col sheet.Column
		var options, contacts sql.NullString
		var colType string
		if err := rows.Scan(&col.ID, &col.Index, &col.Title, &colType, &options, &contacts); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
		}
		col.Type = sheet.ColumnType(colType)
		if options.Valid && options.String != "null" {
			if err := json.Unmarshal([]byte(options.String), &col.Options); err != nil {
				return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
			}
		}
		if contacts.Valid && contacts.String != "null" {
			if err := json.Unmarshal([]byte(contacts.String), &col.Contacts); err != nil {
				return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
			}
		}
		columnIndex[col.ID] = col.Index
		snapshot.Columns = append(snapshot.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
	}

	rowRows, err := s.db.QueryContext(ctx,
		`SELECT id, idx FROM sheet_rows WHERE sheet_id = ? ORDER BY idx`, sheetID)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
	}
	defer rowRows.Close()
	rowPos := make(map[int64]int)
	for rowRows.Next() {
		var row sheet.Row
		if err := rowRows.Scan(&row.ID, &row.Index); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
		}
		rowPos[row.ID] = len(snapshot.Rows)
		snapshot.Rows = append(snapshot.Rows, row)
	}
	if err := rowRows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
	}

	cellRows, err := s.db.QueryContext(ctx,
		`SELECT row_id, column_id, value, display_value, format FROM sheet_cells
		 WHERE sheet_id = ?`, sheetID)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
	}
	defer cellRows.Close()
	for cellRows.Next() {
		var rowID int64
		var cell sheet.Cell
		var value sql.NullString
		if err := cellRows.Scan(&rowID, &cell.ColumnID, &value, &cell.DisplayValue, &cell.Format); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
		}
		cell.Value = fromNull(value)
		pos, ok := rowPos[rowID]
		if !ok {
			continue
		}
		snapshot.Rows[pos].Cells = append(snapshot.Rows[pos].Cells, cell)
	}
	if err := cellRows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
	}

	// Keep cells in column order inside each row.
	for i := range snapshot.Rows {
		cells := snapshot.Rows[i].Cells
		sort.Slice(cells, func(a, b int) bool {
			return columnIndex[cells[a].ColumnID] < columnIndex[cells[b].ColumnID]
		})
	}

	return snapshot, nil
}

// CachedCellValue returns the cached server value for one cell. nil when the
// sheet is not cached or the cell is empty; the ledger uses it to capture
// baselines.
func (s *Store) CachedCellValue(ctx context.Context, key sheet.CellKey) (*string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
	}

	var value sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sheet_cells WHERE sheet_id = ? AND row_id = ? AND column_id = ?`,
		key.SheetID, key.RowID, key.ColumnID,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoadSnapshot, err)
	}
	return fromNull(value), nil
}

// SaveSheetList replaces the cached sheet picker list with the summaries from
// the most recent successful online listing.
func (s *Store) SaveSheetList(ctx context.Context, summaries []sheet.Summary) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpListSheets, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpListSheets, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sheet_list`); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpListSheets, err)
	}
	for _, summary := range summaries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sheet_list (id, name, modified_at) VALUES (?, ?, ?)`,
			summary.ID, summary.Name, encodeTime(summary.ModifiedAt)); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpListSheets, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpListSheets, err)
	}
	return nil
}

// ListSheets returns the cached sheet picker list, most recently modified first.
func (s *Store) ListSheets(ctx context.Context) ([]sheet.Summary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpListSheets, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, modified_at FROM sheet_list ORDER BY modified_at DESC, id`)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpListSheets, err)
	}
	defer rows.Close()

	var out []sheet.Summary
	for rows.Next() {
		var summary sheet.Summary
		var modifiedAt string
		if err := rows.Scan(&summary.ID, &summary.Name, &modifiedAt); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpListSheets, err)
		}
		summary.ModifiedAt = decodeTime(modifiedAt)
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpListSheets, err)
	}
	return out, nil
}

// SavePendingEdit inserts or updates the pending edit for one cell.
func (s *Store) SavePendingEdit(ctx context.Context, edit ledger.PendingEdit) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpRecordEdit, err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_edits (sheet_id, row_id, column_id, column_type, baseline, new_value, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(sheet_id, row_id, column_id) DO UPDATE SET
		   new_value = excluded.new_value,
		   recorded_at = excluded.recorded_at`,
		edit.SheetID, edit.RowID, edit.ColumnID, string(edit.ColumnType),
		toNull(edit.Baseline), toNull(edit.NewValue), encodeTime(edit.RecordedAt))
	return syncErrors.WrapOpComponentCode(err, syncErrors.OpRecordEdit, "storage/sqlite", syncErrors.ErrCodeStorageFailure)
}

// DeletePendingEdit removes the pending edit for one cell. No-op if absent.
func (s *Store) DeletePendingEdit(ctx context.Context, key sheet.CellKey) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpRemoveEdit, err)
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_edits WHERE sheet_id = ? AND row_id = ? AND column_id = ?`,
		key.SheetID, key.RowID, key.ColumnID)
	return syncErrors.WrapOpComponentCode(err, syncErrors.OpRemoveEdit, "storage/sqlite", syncErrors.ErrCodeStorageFailure)
}

// DeletePendingEdits removes every pending edit for a sheet.
func (s *Store) DeletePendingEdits(ctx context.Context, sheetID int64) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpRemoveEdit, err)
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_edits WHERE sheet_id = ?`, sheetID)
	return syncErrors.WrapOpComponentCode(err, syncErrors.OpRemoveEdit, "storage/sqlite", syncErrors.ErrCodeStorageFailure)
}

// ListPendingEdits returns every outstanding edit for a sheet.
func (s *Store) ListPendingEdits(ctx context.Context, sheetID int64) ([]ledger.PendingEdit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpRecordEdit, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT sheet_id, row_id, column_id, column_type, baseline, new_value, recorded_at
		 FROM pending_edits WHERE sheet_id = ?`, sheetID)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpRecordEdit, err)
	}
	defer rows.Close()

	var out []ledger.PendingEdit
	for rows.Next() {
		var edit ledger.PendingEdit
		var columnType, recordedAt string
		var baseline, newValue sql.NullString
		if err := rows.Scan(&edit.SheetID, &edit.RowID, &edit.ColumnID, &columnType,
			&baseline, &newValue, &recordedAt); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpRecordEdit, err)
		}
		edit.ColumnType = sheet.ColumnType(columnType)
		edit.Baseline = fromNull(baseline)
		edit.NewValue = fromNull(newValue)
		edit.RecordedAt = decodeTime(recordedAt)
		out = append(out, edit)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpRecordEdit, err)
	}
	return out, nil
}

// SavePendingDiscussion persists one locally posted comment.
func (s *Store) SavePendingDiscussion(ctx context.Context, d ledger.PendingDiscussion) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpAddComment, err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_discussions (id, sheet_id, parent_id, parent_kind, body, author, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		d.ID, d.SheetID, d.ParentID, string(d.ParentKind), d.Text, d.Author, encodeTime(d.CreatedAt))
	return syncErrors.WrapOpComponentCode(err, syncErrors.OpAddComment, "storage/sqlite", syncErrors.ErrCodeStorageFailure)
}

// DeletePendingDiscussion removes one pending comment. No-op if absent.
func (s *Store) DeletePendingDiscussion(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpRemoveEdit, err)
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_discussions WHERE id = ?`, id)
	return syncErrors.WrapOpComponentCode(err, syncErrors.OpRemoveEdit, "storage/sqlite", syncErrors.ErrCodeStorageFailure)
}

// ListPendingDiscussions returns every pending comment for a sheet.
func (s *Store) ListPendingDiscussions(ctx context.Context, sheetID int64) ([]ledger.PendingDiscussion, error) {
	if err := s.checkOpen(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpAddComment, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sheet_id, parent_id, parent_kind, body, author, created_at
		 FROM pending_discussions WHERE sheet_id = ? ORDER BY created_at`, sheetID)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpAddComment, err)
	}
	defer rows.Close()

	var out []ledger.PendingDiscussion
	for rows.Next() {
		var d ledger.PendingDiscussion
		var kind, createdAt string
		if err := rows.Scan(&d.ID, &d.SheetID, &d.ParentID, &kind, &d.Text, &d.Author, &createdAt); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpAddComment, err)
		}
		d.ParentKind = ledger.ParentKind(kind)
		d.CreatedAt = decodeTime(createdAt)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpAddComment, err)
	}
	return out, nil
}
