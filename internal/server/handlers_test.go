package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marcomamdouh99/newsync/internal/models"
	"github.com/marcomamdouh99/newsync/internal/syncengine"
)

func newTestServer(t *testing.T) (*Server, *Store) {
	t.Helper()
	store := newTestStore(t)
	return NewServer(store), store
}

func doJSON(t *testing.T, srv *Server, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	return rec
}

func TestPingHandler(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/sync/ping", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("ping status = %d, want 204", rec.Code)
	}
}

func TestPullVersionGating(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	if err := store.InsertEntity(ctx, models.EntityMenuItem, "m1", "",
		json.RawMessage(`{"id":"m1","name":"Espresso","price":3.5}`)); err != nil {
		t.Fatalf("seed menu item: %v", err)
	}

	// First pull: menu_items included because the branch has never pulled.
	rec := doJSON(t, srv, http.MethodPost, "/sync/pull", syncengine.PullRequest{BranchID: "branch-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("pull status = %d: %s", rec.Code, rec.Body.String())
	}
	var first syncengine.PullResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode pull response: %v", err)
	}
	if len(first.Data[models.EntityMenuItem]) != 1 {
		t.Fatalf("first pull menu_items = %d docs, want 1", len(first.Data[models.EntityMenuItem]))
	}

	// Second pull: version unchanged, menu_items omitted.
	rec = doJSON(t, srv, http.MethodPost, "/sync/pull", syncengine.PullRequest{BranchID: "branch-1"})
	var second syncengine.PullResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode pull response: %v", err)
	}
	if _, present := second.Data[models.EntityMenuItem]; present {
		t.Error("unchanged dataset re-sent on second pull")
	}

	// After a menu change the dataset is included again.
	if err := store.UpdateEntity(ctx, models.EntityMenuItem, "m1",
		json.RawMessage(`{"id":"m1","name":"Espresso","price":4.0}`)); err != nil {
		t.Fatalf("update menu item: %v", err)
	}
	rec = doJSON(t, srv, http.MethodPost, "/sync/pull", syncengine.PullRequest{BranchID: "branch-1"})
	var third syncengine.PullResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &third); err != nil {
		t.Fatalf("decode pull response: %v", err)
	}
	if len(third.Data[models.EntityMenuItem]) != 1 {
		t.Error("changed dataset not re-sent")
	}

	// Force overrides the gate.
	rec = doJSON(t, srv, http.MethodPost, "/sync/pull", syncengine.PullRequest{BranchID: "branch-1", Force: true})
	var forced syncengine.PullResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &forced); err != nil {
		t.Fatalf("decode pull response: %v", err)
	}
	if len(forced.Data[models.EntityMenuItem]) != 1 {
		t.Error("force pull omitted an unchanged dataset")
	}
}

func TestBatchPushEndpoint(t *testing.T) {
	srv, store := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/sync/batch-push", syncengine.BatchPushRequest{
		BranchID: "branch-1",
		Operations: []syncengine.IncomingOperation{
			op("op-1", models.OpCreateCustomer, `{"id":"c1","name":"Dina","phone":"0100"}`),
			op("op-2", models.OpUpdateCustomer, `{"id":"missing","phone":"0111"}`),
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("batch-push status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp syncengine.BatchPushResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Success {
		t.Error("success reported despite a failed operation")
	}
	if resp.Processed != 1 || resp.Failed != 1 {
		t.Errorf("processed/failed = %d/%d, want 1/1", resp.Processed, resp.Failed)
	}
	if len(resp.FailedIDs) != 1 || resp.FailedIDs[0] != "op-2" {
		t.Errorf("failed ids = %v, want [op-2]", resp.FailedIDs)
	}

	rec2, err := store.GetEntity(context.Background(), models.EntityCustomer, "c1")
	if err != nil || rec2 == nil {
		t.Errorf("pushed customer missing: %v", err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	if err := store.InsertEntity(ctx, models.EntityCustomer, "c1", "branch-1",
		json.RawMessage(`{"id":"c1","name":"Dina"}`)); err != nil {
		t.Fatalf("seed customer: %v", err)
	}

	rec := doJSON(t, srv, http.MethodGet, "/sync/status?branchId=branch-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var status BranchStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.UpToDate {
		t.Error("branch reported up to date with unpulled data")
	}
	if status.PendingDownloads[models.EntityCustomer] != 1 {
		t.Errorf("pending customer downloads = %d, want 1", status.PendingDownloads[models.EntityCustomer])
	}
	if status.LatestVersions[models.EntityCustomer] == 0 {
		t.Error("latest customer version not reported")
	}

	// The branch acknowledges delivery; the pending count clears.
	ack := doJSON(t, srv, http.MethodPost, "/sync/push", map[string]interface{}{
		"branchId":  "branch-1",
		"dataTypes": []string{models.EntityCustomer},
	})
	if ack.Code != http.StatusOK {
		t.Fatalf("push ack status = %d: %s", ack.Code, ack.Body.String())
	}
	rec = doJSON(t, srv, http.MethodGet, "/sync/status?branchId=branch-1", nil)
	status = BranchStatus{}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.PendingDownloads[models.EntityCustomer] != 0 {
		t.Errorf("pending downloads not cleared after acknowledgment: %d",
			status.PendingDownloads[models.EntityCustomer])
	}

	if doJSON(t, srv, http.MethodGet, "/sync/status", nil).Code != http.StatusBadRequest {
		t.Error("status without branchId not rejected")
	}
}

func TestStatusReportsPendingUploads(t *testing.T) {
	srv, _ := newTestServer(t)

	// One operation applies, one is retained by the branch for retry.
	rec := doJSON(t, srv, http.MethodPost, "/sync/batch-push", map[string]interface{}{
		"branchId": "branch-1",
		"operations": []map[string]interface{}{
			{"id": "op-1", "type": "CREATE_CUSTOMER", "data": map[string]interface{}{"id": "c1", "name": "Dina"}},
			{"id": "op-2", "type": "CREATE_WASTE", "data": map[string]interface{}{"id": "w1", "ingredientId": "ing-bogus", "quantity": 1}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("batch-push status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/sync/status?branchId=branch-1", nil)
	var status BranchStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.PendingUploads != 1 {
		t.Errorf("pending uploads = %d, want 1", status.PendingUploads)
	}

	// A clean upload clears the count.
	doJSON(t, srv, http.MethodPost, "/sync/batch-push", map[string]interface{}{
		"branchId": "branch-1",
		"operations": []map[string]interface{}{
			{"id": "op-3", "type": "CREATE_CUSTOMER", "data": map[string]interface{}{"id": "c2", "name": "Mona"}},
		},
	})
	rec = doJSON(t, srv, http.MethodGet, "/sync/status?branchId=branch-1", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.PendingUploads != 0 {
		t.Errorf("pending uploads after clean upload = %d, want 0", status.PendingUploads)
	}
}

func TestPushDryRunLeavesRowsPending(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	if err := store.InsertEntity(ctx, models.EntityCustomer, "c1", "branch-1",
		json.RawMessage(`{"id":"c1","name":"Dina"}`)); err != nil {
		t.Fatalf("seed customer: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/sync/push", map[string]interface{}{
		"branchId":  "branch-1",
		"dataTypes": []string{models.EntityCustomer},
		"dryRun":    true,
	})
	var resp struct {
		Counts map[string]int `json:"counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode push response: %v", err)
	}
	if resp.Counts[models.EntityCustomer] != 1 {
		t.Errorf("dry-run count = %d, want 1", resp.Counts[models.EntityCustomer])
	}

	n, err := store.CountUnsynced(ctx, models.EntityCustomer, "branch-1")
	if err != nil {
		t.Fatalf("count unsynced: %v", err)
	}
	if n != 1 {
		t.Errorf("dry run mutated synced flags: %d rows pending, want 1", n)
	}
}

func TestConflictResolutionEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	if err := store.InsertEntity(ctx, models.EntityMenuItem, "m1", "",
		json.RawMessage(`{"id":"m1","name":"Espresso","price":3.5}`)); err != nil {
		t.Fatalf("seed menu item: %v", err)
	}
	rec, err := srv.ledger.Detect(ctx, "branch-1", models.EntityMenuItem, "m1", "price divergence",
		json.RawMessage(`{"id":"m1","name":"Espresso","price":3.0}`),
		json.RawMessage(`{"id":"m1","name":"Espresso","price":3.5}`))
	if err != nil || rec == nil {
		t.Fatalf("seed conflict: rec=%v err=%v", rec, err)
	}

	listRec := doJSON(t, srv, http.MethodGet, "/sync/conflicts?branchId=branch-1", nil)
	var listing struct {
		Conflicts []models.ConflictRecord `json:"conflicts"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode conflicts: %v", err)
	}
	if len(listing.Conflicts) != 1 {
		t.Fatalf("open conflicts = %d, want 1", len(listing.Conflicts))
	}

	resolveRec := doJSON(t, srv, http.MethodPost, "/sync/conflicts/"+string(rec.ID)+"/resolve",
		map[string]interface{}{"resolution": "accept_branch", "resolvedBy": "manager-1"})
	if resolveRec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d: %s", resolveRec.Code, resolveRec.Body.String())
	}

	// The branch payload became authoritative.
	row, err := store.GetEntity(ctx, models.EntityMenuItem, "m1")
	if err != nil {
		t.Fatalf("get menu item: %v", err)
	}
	var item models.MenuItem
	if err := json.Unmarshal(row.Data, &item); err != nil {
		t.Fatalf("decode menu item: %v", err)
	}
	if item.Price != 3.0 {
		t.Errorf("price = %v, branch payload not applied", item.Price)
	}

	// A second resolution is rejected.
	again := doJSON(t, srv, http.MethodPost, "/sync/conflicts/"+string(rec.ID)+"/resolve",
		map[string]interface{}{"resolution": "accept_central", "resolvedBy": "manager-2"})
	if again.Code != http.StatusConflict {
		t.Errorf("double resolution status = %d, want 409", again.Code)
	}

	// Resolved conflicts stay visible when asked for.
	resolved := doJSON(t, srv, http.MethodGet, "/sync/conflicts?branchId=branch-1&resolved=true", nil)
	if err := json.Unmarshal(resolved.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode conflicts: %v", err)
	}
	if len(listing.Conflicts) != 1 {
		t.Errorf("resolved listing = %d records, want 1", len(listing.Conflicts))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	if err := store.InsertEntity(ctx, models.EntityMenuItem, "m1", "",
		json.RawMessage(`{"id":"m1","name":"Espresso","price":3.5}`)); err != nil {
		t.Fatalf("seed menu item: %v", err)
	}
	if err := store.InsertEntity(ctx, models.EntityCustomer, "c1", "branch-1",
		json.RawMessage(`{"id":"c1","name":"Dina","phone":"0100"}`)); err != nil {
		t.Fatalf("seed customer: %v", err)
	}

	rec := doJSON(t, srv, http.MethodGet, "/offline/export?branchId=branch-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d: %s", rec.Code, rec.Body.String())
	}
	var doc ExportDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if doc.FormatVersion != exportFormatVersion {
		t.Errorf("format version = %d, want %d", doc.FormatVersion, exportFormatVersion)
	}
	if len(doc.Data[models.EntityMenuItem]) != 1 || len(doc.Data[models.EntityCustomer]) != 1 {
		t.Fatalf("export missing seeded records: %d menu, %d customers",
			len(doc.Data[models.EntityMenuItem]), len(doc.Data[models.EntityCustomer]))
	}

	// Import into a fresh server.
	srv2, store2 := newTestServer(t)
	importRec := doJSON(t, srv2, http.MethodPost, "/offline/import", map[string]interface{}{"data": doc})
	if importRec.Code != http.StatusOK {
		t.Fatalf("import status = %d: %s", importRec.Code, importRec.Body.String())
	}

	row, err := store2.GetEntity(ctx, models.EntityCustomer, "c1")
	if err != nil || row == nil {
		t.Fatalf("imported customer missing: %v", err)
	}
}

func TestImportRejectsInvalidDocument(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/offline/import", map[string]interface{}{
		"data": map[string]interface{}{
			"formatVersion": 99,
			"branchId":      "branch-1",
			"data":          map[string]interface{}{},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("future format version accepted: status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/offline/import", map[string]interface{}{
		"data": map[string]interface{}{
			"formatVersion": 1,
			"branchId":      "branch-1",
			"data": map[string]interface{}{
				"customers": []map[string]interface{}{{"name": "no id"}},
			},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("record without id accepted: status = %d", rec.Code)
	}
}

func TestHistoryEndpointFilters(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	if _, err := store.RecordHistory(ctx, "branch-1", models.DirectionUp, models.HistorySuccess, 3, 0, "", 100); err != nil {
		t.Fatalf("seed history: %v", err)
	}
	if _, err := store.RecordHistory(ctx, "branch-1", models.DirectionDown, models.HistoryFailed, 0, 0, "timeout", 200); err != nil {
		t.Fatalf("seed history: %v", err)
	}
	if _, err := store.RecordHistory(ctx, "branch-2", models.DirectionUp, models.HistorySuccess, 1, 0, "", 300); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	rec := doJSON(t, srv, http.MethodGet, "/sync/history?branchId=branch-1&direction=up", nil)
	var resp struct {
		History []models.SyncHistoryEntry `json:"history"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(resp.History) != 1 {
		t.Fatalf("filtered history = %d entries, want 1", len(resp.History))
	}
	if resp.History[0].Direction != models.DirectionUp || resp.History[0].BranchID != "branch-1" {
		t.Errorf("wrong entry returned: %+v", resp.History[0])
	}
}
