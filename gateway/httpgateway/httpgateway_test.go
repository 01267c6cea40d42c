package httpgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	syncErrors "github.com/stackfold/sheetsync/errors"
	"github.com/stackfold/sheetsync/gateway"
	"github.com/stackfold/sheetsync/sheet"
)

const sheetJSON = `{
	"id": 7,
	"name": "Project Plan",
	"modifiedAt": "2026-08-30T12:00:00Z",
	"columns": [
		{"id": 100, "index": 0, "title": "Task", "type": "TEXT_NUMBER"},
		{"id": 102, "index": 1, "title": "Status", "type": "PICKLIST", "options": ["Open", "Closed"]}
	],
	"rows": [
		{"id": 1, "rowNumber": 1, "cells": [
			{"columnId": 100, "value": "Write spec"},
			{"columnId": 102, "value": "Open"}
		]}
	]
}`

func TestFetchSheet(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/sheets/7" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sheetJSON))
	}))
	defer srv.Close()

	client := New(srv.URL, WithTokenProvider(gateway.StaticToken("secret")))

	snap, err := client.FetchSheet(context.Background(), 7)
	if err != nil {
		t.Fatalf("FetchSheet() error = %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer secret")
	}
	if snap.ID != 7 || snap.Name != "Project Plan" {
		t.Errorf("snapshot identity = (%d, %q)", snap.ID, snap.Name)
	}
	if len(snap.Columns) != 2 || len(snap.Rows) != 1 {
		t.Fatalf("snapshot shape = %d columns, %d rows", len(snap.Columns), len(snap.Rows))
	}
	if v, ok := snap.CellValue(1, 102); !ok || !sheet.EqualValues(v, sheet.StringValue("Open")) {
		t.Errorf("cell (1,102) = %v, %v", v, ok)
	}
}

func TestFetchSheet_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(srv.URL)
	_, err := client.FetchSheet(context.Background(), 7)
	if err == nil {
		t.Fatal("expected error")
	}
	if code := syncErrors.CodeOf(err); code != syncErrors.ErrCodeGatewayUnavailable {
		t.Errorf("code = %v, want %v", code, syncErrors.ErrCodeGatewayUnavailable)
	}
	if !syncErrors.IsRetryable(err) {
		t.Error("5xx responses should be retryable")
	}
}

func TestFetchSheet_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "not-a-number"`))
	}))
	defer srv.Close()

	client := New(srv.URL)
	_, err := client.FetchSheet(context.Background(), 7)
	if err == nil {
		t.Fatal("expected error")
	}
	if code := syncErrors.CodeOf(err); code != syncErrors.ErrCodeDecodeFailure {
		t.Errorf("code = %v, want %v", code, syncErrors.ErrCodeDecodeFailure)
	}
	if syncErrors.IsRetryable(err) {
		t.Error("decode failures should not be retryable")
	}
}

func TestFetchSheet_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	client := New(srv.URL)
	_, err := client.FetchSheet(context.Background(), 7)
	if err == nil {
		t.Fatal("expected error")
	}
	if code := syncErrors.CodeOf(err); code != syncErrors.ErrCodeGatewayUnavailable {
		t.Errorf("code = %v, want %v", code, syncErrors.ErrCodeGatewayUnavailable)
	}
}

func TestUpdateCells_GroupsByRow(t *testing.T) {
	var gotRows []wireCellUpdateRow
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/sheets/7/rows" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotRows); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(srv.URL)
	updates := []gateway.CellUpdate{
		{RowID: 1, ColumnID: 100, Value: sheet.StringValue("a")},
		{RowID: 2, ColumnID: 100, Value: sheet.StringValue("b")},
		{RowID: 1, ColumnID: 102, Value: nil},
	}
	if err := client.UpdateCells(context.Background(), 7, updates); err != nil {
		t.Fatalf("UpdateCells() error = %v", err)
	}

	if len(gotRows) != 2 {
		t.Fatalf("rows sent = %d, want 2", len(gotRows))
	}
	if gotRows[0].ID != 1 || len(gotRows[0].Cells) != 2 {
		t.Errorf("row 1 payload = %+v", gotRows[0])
	}
	if gotRows[1].ID != 2 || len(gotRows[1].Cells) != 1 {
		t.Errorf("row 2 payload = %+v", gotRows[1])
	}
}

func TestUpdateCells_Empty(t *testing.T) {
	client := New("http://unused.invalid")
	if err := client.UpdateCells(context.Background(), 7, nil); err != nil {
		t.Fatalf("empty update should be a no-op, got %v", err)
	}
}

func TestAddComment(t *testing.T) {
	var got wireComment
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sheets/7/discussions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := New(srv.URL)
	err := client.AddComment(context.Background(), gateway.Comment{
		SheetID:    7,
		ParentID:   1,
		ParentKind: gateway.ParentRow,
		Text:       "looks good",
		Author:     "ada@example.com",
	})
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if got.ParentID != 1 || got.ParentKind != "ROW" || got.Text != "looks good" {
		t.Errorf("comment payload = %+v", got)
	}
}

func TestListSheets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sheets" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"data": [
			{"id": 7, "name": "Project Plan", "modifiedAt": "2026-08-30T12:00:00Z"},
			{"id": 9, "name": "Budget", "modifiedAt": "2026-08-29T09:30:00Z"}
		]}`))
	}))
	defer srv.Close()

	client := New(srv.URL)
	sheets, err := client.ListSheets(context.Background())
	if err != nil {
		t.Fatalf("ListSheets() error = %v", err)
	}
	if len(sheets) != 2 || sheets[0].Name != "Project Plan" || sheets[1].ID != 9 {
		t.Errorf("sheets = %+v", sheets)
	}
}
