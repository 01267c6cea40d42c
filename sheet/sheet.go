// Package sheet defines the domain model for cached spreadsheet content:
// snapshots, columns, rows, cells, and the string value encoding shared by
// the local store and the remote gateway.
package sheet

import (
	"fmt"
	"slices"
	"strconv"
	"time"
)

// ColumnType enumerates the supported column types. The type determines
// which value encodings are legal for cells in that column.
type ColumnType string

const (
	ColumnTypeTextNumber       ColumnType = "TEXT_NUMBER"
	ColumnTypeCheckbox         ColumnType = "CHECKBOX"
	ColumnTypeDate             ColumnType = "DATE"
	ColumnTypeDateTime         ColumnType = "DATETIME"
	ColumnTypePicklist         ColumnType = "PICKLIST"
	ColumnTypeMultiPicklist    ColumnType = "MULTI_PICKLIST"
	ColumnTypeContactList      ColumnType = "CONTACT_LIST"
	ColumnTypeMultiContactList ColumnType = "MULTI_CONTACT_LIST"
	ColumnTypeDuration         ColumnType = "DURATION"
	ColumnTypePredecessor      ColumnType = "PREDECESSOR"
	ColumnTypeAbstractDateTime ColumnType = "ABSTRACT_DATETIME"
)

// Contact is a selectable entry in a contact-list column.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Column describes one column of a sheet. Column ids are unique within a sheet.
type Column struct {
	ID    int64      `json:"id"`
	Index int        `json:"index"`
	Title string     `json:"title"`
	Type  ColumnType `json:"type"`

	// Options lists the allowed option strings for picklist columns.
	Options []string `json:"options,omitempty"`

	// Contacts lists the allowed contacts for contact-list columns.
	Contacts []Contact `json:"contacts,omitempty"`
}

// Cell holds one value at a (row, column) coordinate. Cells have no identity
// of their own. Value is the raw string encoding; nil means the cell is empty.
type Cell struct {
	ColumnID     int64   `json:"columnId"`
	Value        *string `json:"value,omitempty"`
	DisplayValue string  `json:"displayValue,omitempty"`
	Format       string  `json:"format,omitempty"`
}

// Row is an ordered list of cells keyed by column id.
type Row struct {
	ID    int64  `json:"id"`
	Index int    `json:"index"`
	Cells []Cell `json:"cells"`
}

// Snapshot is the complete cached representation of a sheet as last fetched
// from the server. It is immutable once fetched and replaced wholesale on
// each successful refresh.
type Snapshot struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Columns    []Column  `json:"columns"`
	Rows       []Row     `json:"rows"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Summary carries the fields needed by the sheet picker list.
type Summary struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// CellKey identifies a cell across the ledger, the conflict engine, and the
// local store. At most one pending edit exists per key.
type CellKey struct {
	SheetID  int64
	RowID    int64
	ColumnID int64
}

func (k CellKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.SheetID, k.RowID, k.ColumnID)
}

// Column returns the column with the given id, or nil if absent.
func (s *Snapshot) Column(columnID int64) *Column {
	for i := range s.Columns {
		if s.Columns[i].ID == columnID {
			return &s.Columns[i]
		}
	}
	return nil
}

// Row returns the row with the given id, or nil if absent.
func (s *Snapshot) Row(rowID int64) *Row {
	for i := range s.Rows {
		if s.Rows[i].ID == rowID {
			return &s.Rows[i]
		}
	}
	return nil
}

// CellValue returns the current value at (rowID, columnID). The second result
// reports whether the coordinate exists in the snapshot at all: false means
// the row or column is gone, which is different from an empty cell (nil, true).
func (s *Snapshot) CellValue(rowID, columnID int64) (*string, bool) {
	row := s.Row(rowID)
	if row == nil || s.Column(columnID) == nil {
		return nil, false
	}
	for i := range row.Cells {
		if row.Cells[i].ColumnID == columnID {
			return row.Cells[i].Value, true
		}
	}
	// Row and column exist but the server sent no cell: an empty cell.
	return nil, true
}

// coord is the lookup key inside a single sheet.
type coord struct {
	rowID    int64
	columnID int64
}

// ValueIndex builds a value lookup over every (row, column) coordinate in the
// snapshot. The conflict engine uses it for one comparison pass.
type ValueIndex struct {
	values  map[coord]*string
	rows    map[int64]struct{}
	columns map[int64]struct{}
}

// Index builds a ValueIndex for the snapshot.
func (s *Snapshot) Index() *ValueIndex {
	idx := &ValueIndex{
		values:  make(map[coord]*string),
		rows:    make(map[int64]struct{}, len(s.Rows)),
		columns: make(map[int64]struct{}, len(s.Columns)),
	}
	for i := range s.Columns {
		idx.columns[s.Columns[i].ID] = struct{}{}
	}
	for i := range s.Rows {
		row := &s.Rows[i]
		idx.rows[row.ID] = struct{}{}
		for j := range row.Cells {
			idx.values[coord{row.ID, row.Cells[j].ColumnID}] = row.Cells[j].Value
		}
	}
	return idx
}

// Value returns the server value at (rowID, columnID). The second result is
// false when the row or column no longer exists in the snapshot.
func (idx *ValueIndex) Value(rowID, columnID int64) (*string, bool) {
	if _, ok := idx.rows[rowID]; !ok {
		return nil, false
	}
	if _, ok := idx.columns[columnID]; !ok {
		return nil, false
	}
	return idx.values[coord{rowID, columnID}], true
}

// ValidateValue reports whether value is a legal encoding for this column.
// nil (empty cell) is legal for every type.
func (c *Column) ValidateValue(value *string) error {
	if value == nil {
		return nil
	}
	v := *value
	switch c.Type {
	case ColumnTypeCheckbox:
		if v != "true" && v != "false" {
			return fmt.Errorf("checkbox column %q: value %q is not true/false", c.Title, v)
		}
	case ColumnTypePicklist:
		if len(c.Options) > 0 && !slices.Contains(c.Options, v) {
			return fmt.Errorf("picklist column %q: %q is not an allowed option", c.Title, v)
		}
	case ColumnTypeContactList:
		if len(c.Contacts) > 0 && !c.allowsContact(v) {
			return fmt.Errorf("contact column %q: %q is not an allowed contact", c.Title, v)
		}
	}
	return nil
}

func (c *Column) allowsContact(v string) bool {
	for _, contact := range c.Contacts {
		if contact.Email == v || contact.Name == v {
			return true
		}
	}
	return false
}

// EqualValues compares two string-encoded cell values where nil means no value.
func EqualValues(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// StringValue returns a pointer to v, for building cell values inline.
func StringValue(v string) *string {
	return &v
}

// EncodeBool encodes a checkbox value in its canonical string form.
func EncodeBool(v bool) *string {
	s := strconv.FormatBool(v)
	return &s
}

// EncodeNumber encodes a numeric value in its canonical string form.
// Numbers round-trip as strings everywhere in this system.
func EncodeNumber(v float64) *string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	return &s
}

// FormatValue renders a possibly-absent cell value for logs and CLI output.
func FormatValue(v *string) string {
	if v == nil {
		return "(empty)"
	}
	return *v
}
