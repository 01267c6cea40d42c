// Package httpgateway implements the gateway.Gateway contract over the sheet
// service's REST API.
package httpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	syncErrors "github.com/stackfold/sheetsync/errors"
	"github.com/stackfold/sheetsync/gateway"
	"github.com/stackfold/sheetsync/logging"
	"github.com/stackfold/sheetsync/sheet"
)

// Limits defines response size limits for the HTTP gateway.
type Limits struct {
	MaxBodyBytes int64 // Maximum response body size in bytes
}

// Client talks to the sheet service over HTTP. Construct it with New and the
// functional options below.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  gateway.TokenProvider
	limits  Limits
	logger  *logging.Logger
}

// Compile-time check that Client satisfies the gateway contract.
var _ gateway.Gateway = (*Client)(nil)

// Option configures a Client using the functional options pattern.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) {
		c.http = cl
	}
}

// WithTokenProvider sets the bearer-token source for every request.
func WithTokenProvider(tp gateway.TokenProvider) Option {
	return func(c *Client) {
		c.tokens = tp
	}
}

// WithLimits sets the response size limits.
func WithLimits(l Limits) Option {
	return func(c *Client) {
		c.limits = l
	}
}

// WithLogger sets the logger used for request logging.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates an HTTP gateway client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limits: Limits{
			MaxBodyBytes: 8 << 20, // 8MB
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = logging.Default().WithComponent(logging.Component("httpgateway"))
	}

	return c
}

// BaseURL returns the base URL for the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Wire types. Cell values round-trip as strings regardless of the underlying
// numeric/boolean/date representation, so every value field is *string.

type wireContact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type wireColumn struct {
	ID       int64         `json:"id"`
	Index    int           `json:"index"`
	Title    string        `json:"title"`
	Type     string        `json:"type"`
	Options  []string      `json:"options,omitempty"`
	Contacts []wireContact `json:"contactOptions,omitempty"`
}

type wireCell struct {
	ColumnID     int64   `json:"columnId"`
	Value        *string `json:"value"`
	DisplayValue string  `json:"displayValue,omitempty"`
	Format       string  `json:"format,omitempty"`
}

type wireRow struct {
	ID    int64      `json:"id"`
	Index int        `json:"rowNumber"`
	Cells []wireCell `json:"cells"`
}

type wireSheet struct {
	ID         int64        `json:"id"`
	Name       string       `json:"name"`
	Columns    []wireColumn `json:"columns"`
	Rows       []wireRow    `json:"rows"`
	ModifiedAt time.Time    `json:"modifiedAt"`
}

type wireSheetList struct {
	Data []struct {
		ID         int64     `json:"id"`
		Name       string    `json:"name"`
		ModifiedAt time.Time `json:"modifiedAt"`
	} `json:"data"`
}

type wireCellUpdateRow struct {
	ID    int64      `json:"id"`
	Cells []wireCell `json:"cells"`
}

type wireComment struct {
	ParentID   int64  `json:"parentId"`
	ParentKind string `json:"parentKind"`
	Text       string `json:"text"`
	Author     string `json:"author"`
}

func (w *wireSheet) toSnapshot() *sheet.Snapshot {
	snap := &sheet.Snapshot{
		ID:         w.ID,
		Name:       w.Name,
		ModifiedAt: w.ModifiedAt,
		Columns:    make([]sheet.Column, 0, len(w.Columns)),
		Rows:       make([]sheet.Row, 0, len(w.Rows)),
	}
	for _, col := range w.Columns {
		contacts := make([]sheet.Contact, 0, len(col.Contacts))
		for _, ct := range col.Contacts {
			contacts = append(contacts, sheet.Contact{Name: ct.Name, Email: ct.Email})
		}
		snap.Columns = append(snap.Columns, sheet.Column{
			ID:       col.ID,
			Index:    col.Index,
			Title:    col.Title,
			Type:     sheet.ColumnType(col.Type),
			Options:  col.Options,
			Contacts: contacts,
		})
	}
	for _, row := range w.Rows {
		cells := make([]sheet.Cell, 0, len(row.Cells))
		for _, cell := range row.Cells {
			cells = append(cells, sheet.Cell{
				ColumnID:     cell.ColumnID,
				Value:        cell.Value,
				DisplayValue: cell.DisplayValue,
				Format:       cell.Format,
			})
		}
		snap.Rows = append(snap.Rows, sheet.Row{ID: row.ID, Index: row.Index, Cells: cells})
	}
	return snap
}

// FetchSheet retrieves the current server snapshot for one sheet.
func (c *Client) FetchSheet(ctx context.Context, sheetID int64) (*sheet.Snapshot, error) {
	var ws wireSheet
	url := fmt.Sprintf("%s/sheets/%d", c.baseURL, sheetID)
	if err := c.getJSON(ctx, syncErrors.OpFetchSheet, url, &ws); err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "fetched sheet",
		slog.Int64("sheet_id", sheetID),
		slog.Int("rows", len(ws.Rows)),
		slog.Int("columns", len(ws.Columns)),
	)
	return ws.toSnapshot(), nil
}

// ListSheets retrieves the summaries of every sheet visible to the user.
func (c *Client) ListSheets(ctx context.Context) ([]sheet.Summary, error) {
	var wl wireSheetList
	if err := c.getJSON(ctx, syncErrors.OpListSheets, c.baseURL+"/sheets", &wl); err != nil {
		return nil, err
	}

	summaries := make([]sheet.Summary, 0, len(wl.Data))
	for _, s := range wl.Data {
		summaries = append(summaries, sheet.Summary{ID: s.ID, Name: s.Name, ModifiedAt: s.ModifiedAt})
	}
	return summaries, nil
}

// UpdateCells publishes a batch of cell writes to one sheet in a single call.
func (c *Client) UpdateCells(ctx context.Context, sheetID int64, updates []gateway.CellUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	// Group by row: the service takes one row object per updated row.
	byRow := make(map[int64]*wireCellUpdateRow)
	order := make([]int64, 0)
	for _, u := range updates {
		row, ok := byRow[u.RowID]
		if !ok {
			row = &wireCellUpdateRow{ID: u.RowID}
			byRow[u.RowID] = row
			order = append(order, u.RowID)
		}
		row.Cells = append(row.Cells, wireCell{ColumnID: u.ColumnID, Value: u.Value})
	}
	rows := make([]wireCellUpdateRow, 0, len(order))
	for _, id := range order {
		rows = append(rows, *byRow[id])
	}

	url := fmt.Sprintf("%s/sheets/%d/rows", c.baseURL, sheetID)
	if err := c.sendJSON(ctx, syncErrors.OpPublish, http.MethodPut, url, rows); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "published cell updates",
		slog.Int64("sheet_id", sheetID),
		slog.Int("cells", len(updates)),
		slog.Int("rows", len(rows)),
	)
	return nil
}

// AddComment publishes one discussion comment.
func (c *Client) AddComment(ctx context.Context, comment gateway.Comment) error {
	url := fmt.Sprintf("%s/sheets/%d/discussions", c.baseURL, comment.SheetID)
	body := wireComment{
		ParentID:   comment.ParentID,
		ParentKind: string(comment.ParentKind),
		Text:       comment.Text,
		Author:     comment.Author,
	}
	return c.sendJSON(ctx, syncErrors.OpAddComment, http.MethodPost, url, body)
}

func (c *Client) getJSON(ctx context.Context, op syncErrors.Operation, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return syncErrors.NewGatewayError(op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(op, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(op, resp); err != nil {
		return err
	}

	body := io.LimitReader(resp.Body, c.limits.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return syncErrors.NewDecodeError(op, err)
	}
	return nil
}

func (c *Client) sendJSON(ctx context.Context, op syncErrors.Operation, method, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return syncErrors.NewValidationError(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return syncErrors.NewGatewayError(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(op, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, c.limits.MaxBodyBytes))

	return c.checkStatus(op, resp)
}

func (c *Client) do(op syncErrors.Operation, req *http.Request) (*http.Response, error) {
	if c.tokens != nil {
		token, err := c.tokens.Token(req.Context())
		if err != nil {
			return nil, syncErrors.NewGatewayError(op, fmt.Errorf("acquiring token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport-level failure: no connectivity, DNS, timeout.
		return nil, syncErrors.NewGatewayError(op, err)
	}
	return resp, nil
}

func (c *Client) checkStatus(op syncErrors.Operation, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return syncErrors.NewGatewayError(op, fmt.Errorf("server error: %s", resp.Status))
	default:
		return syncErrors.NewValidationError(op, fmt.Errorf("request rejected: %s", resp.Status))
	}
}
