// Package gateway defines the contract with the remote sheet service. The
// sync engine only depends on this interface; the HTTP implementation lives
// in gateway/httpgateway.
package gateway

import (
	"context"
	"fmt"
	"os"

	"github.com/stackfold/sheetsync/sheet"
)

// CellUpdate is one cell write inside a batch publish. A nil Value clears
// the cell.
type CellUpdate struct {
	RowID    int64   `json:"rowId"`
	ColumnID int64   `json:"columnId"`
	Value    *string `json:"value"`
}

// ParentKind tells whether a comment attaches to a row or to the sheet itself.
type ParentKind string

const (
	ParentRow   ParentKind = "ROW"
	ParentSheet ParentKind = "SHEET"
)

// Comment is a discussion post to publish.
type Comment struct {
	SheetID    int64      `json:"sheetId"`
	ParentID   int64      `json:"parentId"`
	ParentKind ParentKind `json:"parentKind"`
	Text       string     `json:"text"`
	Author     string     `json:"author"`
}

// Gateway fetches and mutates server sheet content. Calls may block for
// network-latency durations; implementations enforce their own timeouts.
// Failures surface through the errors package taxonomy (GATEWAY_UNAVAILABLE
// for transport failures, DECODE_FAILURE for schema mismatches).
type Gateway interface {
	// FetchSheet retrieves the current server snapshot for one sheet.
	FetchSheet(ctx context.Context, sheetID int64) (*sheet.Snapshot, error)

	// ListSheets retrieves the summaries of every sheet visible to the user.
	ListSheets(ctx context.Context) ([]sheet.Summary, error)

	// UpdateCells publishes a batch of cell writes to one sheet.
	UpdateCells(ctx context.Context, sheetID int64, updates []CellUpdate) error

	// AddComment publishes one discussion comment.
	AddComment(ctx context.Context, comment Comment) error
}

// TokenProvider supplies the bearer token attached to gateway requests.
// Token acquisition (OAuth handshake, keychain) happens behind this interface.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// EnvToken reads the token from the named environment variable on every call.
type EnvToken string

func (t EnvToken) Token(ctx context.Context) (string, error) {
	v := os.Getenv(string(t))
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", string(t))
	}
	return v, nil
}
