package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcomamdouh99/newsync/internal/models"
	"github.com/marcomamdouh99/newsync/internal/syncengine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "central.db"))
	if err != nil {
		t.Fatalf("open central store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func op(id string, opType models.OperationType, payload string) syncengine.IncomingOperation {
	return syncengine.IncomingOperation{
		ID:   id,
		Type: opType,
		Data: json.RawMessage(payload),
	}
}

func opAt(id string, opType models.OperationType, payload string, ts int64) syncengine.IncomingOperation {
	o := op(id, opType, payload)
	o.Timestamp = ts
	return o
}

func seedInventory(t *testing.T, s *Store, branchID, id, ingredientID string) {
	t.Helper()
	payload := `{"id":"` + id + `","branchId":"` + branchID + `","ingredientId":"` + ingredientID + `","name":"Beans","quantity":10}`
	if err := s.InsertEntity(context.Background(), models.EntityInventory, id, branchID, json.RawMessage(payload)); err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
}

func TestProcessBatchAppliesInOrder(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)
	ctx := context.Background()

	result := p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		op("op-1", models.OpCreateCustomer, `{"id":"c1","name":"Dina","phone":"0100"}`),
		op("op-2", models.OpUpdateCustomer, `{"id":"c1","phone":"0111"}`),
	})
	if result.Failed != 0 {
		t.Fatalf("batch failed: %v", result.Errors)
	}
	if result.Processed != 2 {
		t.Errorf("processed = %d, want 2", result.Processed)
	}

	rec, err := s.GetEntity(ctx, models.EntityCustomer, "c1")
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	var customer map[string]interface{}
	if err := json.Unmarshal(rec.Data, &customer); err != nil {
		t.Fatalf("decode customer: %v", err)
	}
	if customer["phone"] != "0111" {
		t.Errorf("phone = %v, update did not apply after create", customer["phone"])
	}
	if customer["name"] != "Dina" {
		t.Errorf("name = %v, update clobbered unrelated field", customer["name"])
	}
}

func TestProcessBatchReplayIsNoOp(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)
	ctx := context.Background()

	batch := []syncengine.IncomingOperation{
		op("op-1", models.OpCreateCustomer, `{"id":"c1","name":"Dina","phone":"0100"}`),
	}

	first := p.ProcessBatch(ctx, "branch-1", batch)
	second := p.ProcessBatch(ctx, "branch-1", batch)

	if first.Failed != 0 || second.Failed != 0 {
		t.Fatalf("replay failed: first=%v second=%v", first.Errors, second.Errors)
	}
	if second.Processed != 1 {
		t.Errorf("replayed create not reported as success: processed = %d", second.Processed)
	}

	rows, err := s.ListEntities(ctx, models.EntityCustomer, "branch-1", 0, 0)
	if err != nil {
		t.Fatalf("list customers: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("replay duplicated the record: %d rows", len(rows))
	}
}

func TestProcessBatchAssignsServerIDForPlaceholder(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)
	ctx := context.Background()

	result := p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		op("op-1", models.OpCreateShift, `{"id":"temp-abc123","userId":"u1","openingCash":500,"status":"open"}`),
	})
	if result.Failed != 0 {
		t.Fatalf("batch failed: %v", result.Errors)
	}

	rows, err := s.ListEntities(ctx, models.EntityShift, "branch-1", 0, 0)
	if err != nil {
		t.Fatalf("list shifts: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("shift rows = %d, want 1", len(rows))
	}
	if strings.HasPrefix(rows[0].ID, "temp-") {
		t.Errorf("placeholder id %q persisted instead of a server-assigned id", rows[0].ID)
	}
	var shift map[string]interface{}
	if err := json.Unmarshal(rows[0].Data, &shift); err != nil {
		t.Fatalf("decode shift: %v", err)
	}
	if shift["id"] != rows[0].ID {
		t.Errorf("document id %v does not match row id %s", shift["id"], rows[0].ID)
	}
}

func TestProcessBatchOrderWithItemsAtomic(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)
	ctx := context.Background()

	payload := `{
		"id": "temp-order-1",
		"orderType": "dine_in",
		"status": "completed",
		"total": 12.5,
		"items": [
			{"id": "temp-item-1", "menuItemId": "m1", "quantity": 2, "unitPrice": 4.5},
			{"id": "temp-item-2", "menuItemId": "m2", "quantity": 1, "unitPrice": 3.5}
		]
	}`
	result := p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		op("op-1", models.OpCreateOrder, payload),
	})
	if result.Failed != 0 {
		t.Fatalf("batch failed: %v", result.Errors)
	}

	rows, err := s.ListEntities(ctx, models.EntityOrder, "branch-1", 0, 0)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("order rows = %d, want 1", len(rows))
	}
	items, err := s.ListOrderItems(ctx, rows[0].ID)
	if err != nil {
		t.Fatalf("list order items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("order items = %d, want 2", len(items))
	}
	for _, item := range items {
		if item.OrderID != rows[0].ID {
			t.Errorf("item %s points at order %s, want %s", item.ID, item.OrderID, rows[0].ID)
		}
		if strings.HasPrefix(string(item.ID), "temp-") {
			t.Errorf("item kept placeholder id %s", item.ID)
		}
	}
}

func TestProcessBatchInvalidIngredientFailsOnlyThatOperation(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)
	ctx := context.Background()
	seedInventory(t, s, "branch-1", "inv-1", "ing-1")

	result := p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		op("op-1", models.OpCreateWaste, `{"id":"w1","ingredientId":"ing-1","quantity":2,"reason":"spoiled"}`),
		op("op-2", models.OpCreateWaste, `{"id":"w2","ingredientId":"ing-bogus","quantity":1}`),
		op("op-3", models.OpCreateCustomer, `{"id":"c1","name":"Dina","phone":"0100"}`),
	})

	if result.Processed != 2 {
		t.Errorf("processed = %d, want 2", result.Processed)
	}
	if result.Failed != 1 {
		t.Fatalf("failed = %d, want 1", result.Failed)
	}
	if result.FailedIDs[0] != "op-2" {
		t.Errorf("failed id = %s, want op-2", result.FailedIDs[0])
	}
	if !strings.Contains(result.Errors[0], "Invalid ingredient ID") {
		t.Errorf("error = %q, want invalid ingredient message", result.Errors[0])
	}

	// The operation after the failure still applied.
	rec, err := s.GetEntity(ctx, models.EntityCustomer, "c1")
	if err != nil || rec == nil {
		t.Errorf("operation after failure did not apply: %v", err)
	}
}

func TestProcessBatchUnknownTypeFails(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)

	result := p.ProcessBatch(context.Background(), "branch-1", []syncengine.IncomingOperation{
		op("op-1", models.OperationType("DROP_TABLES"), `{}`),
	})
	if result.Failed != 1 {
		t.Fatalf("unknown type not rejected: %+v", result)
	}
}

func TestProcessBatchRecordsUploadHistory(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)
	ctx := context.Background()

	p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		op("op-1", models.OpCreateCustomer, `{"id":"c1","name":"Dina","phone":"0100"}`),
		op("op-2", models.OpUpdateCustomer, `{"id":"missing","phone":"0111"}`),
	})

	entries, err := s.ListHistory(ctx, HistoryFilter{BranchID: "branch-1"})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
	if entries[0].Direction != models.DirectionUp {
		t.Errorf("direction = %s, want up", entries[0].Direction)
	}
	if entries[0].Status != models.HistoryPartial {
		t.Errorf("status = %s, want partial", entries[0].Status)
	}
	if entries[0].RecordsAffected != 1 {
		t.Errorf("records affected = %d, want 1", entries[0].RecordsAffected)
	}
	if entries[0].RecordsFailed != 1 {
		t.Errorf("records failed = %d, want 1", entries[0].RecordsFailed)
	}
}

func TestStaleUpdateOpensConflictAndKeepsCentralRecord(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)
	ctx := context.Background()

	first := p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		op("op-1", models.OpCreateCustomer, `{"id":"c1","name":"Dina","phone":"0100"}`),
	})
	if first.Failed != 0 {
		t.Fatalf("seed create failed: %v", first.Errors)
	}
	rec, err := s.GetEntity(ctx, models.EntityCustomer, "c1")
	if err != nil || rec == nil {
		t.Fatalf("seeded customer missing: %v", err)
	}

	// The branch queued this change before the central record's last
	// write, so it must not overwrite the authoritative copy.
	stale := p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		opAt("op-2", models.OpUpdateCustomer, `{"id":"c1","phone":"0999"}`, rec.UpdatedAt-60),
	})
	if stale.Failed != 0 {
		t.Fatalf("stale update reported as failure: %v", stale.Errors)
	}
	if stale.Processed != 1 {
		t.Errorf("stale update not consumed: processed = %d", stale.Processed)
	}

	rec, err = s.GetEntity(ctx, models.EntityCustomer, "c1")
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	var customer map[string]interface{}
	if err := json.Unmarshal(rec.Data, &customer); err != nil {
		t.Fatalf("decode customer: %v", err)
	}
	if customer["phone"] != "0100" {
		t.Errorf("phone = %v, stale update overwrote the central record", customer["phone"])
	}

	conflicts, err := s.ListConflicts(ctx, "branch-1", false)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("open conflicts = %d, want 1", len(conflicts))
	}
	if conflicts[0].EntityType != models.EntityCustomer || conflicts[0].EntityID != "c1" {
		t.Errorf("conflict recorded against %s/%s", conflicts[0].EntityType, conflicts[0].EntityID)
	}

	// A retry of the same divergent change reuses the open record
	// instead of piling up duplicates.
	p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		opAt("op-3", models.OpUpdateCustomer, `{"id":"c1","phone":"0999"}`, rec.UpdatedAt-60),
	})
	conflicts, err = s.ListConflicts(ctx, "branch-1", false)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Errorf("open conflicts after retry = %d, want 1", len(conflicts))
	}
}

func TestUntimestampedUpdateToSeededRecordOpensConflict(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)
	ctx := context.Background()

	if err := s.InsertEntity(ctx, models.EntityCustomer, "c1", "branch-1",
		json.RawMessage(`{"id":"c1","name":"Alice","phone":"111"}`)); err != nil {
		t.Fatalf("seed customer: %v", err)
	}

	result := p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		op("op-1", models.OpUpdateCustomer, `{"id":"c1","phone":"999"}`),
	})
	if result.Failed != 0 {
		t.Fatalf("divergent update reported as failure: %v", result.Errors)
	}

	rec, err := s.GetEntity(ctx, models.EntityCustomer, "c1")
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	var customer map[string]interface{}
	if err := json.Unmarshal(rec.Data, &customer); err != nil {
		t.Fatalf("decode customer: %v", err)
	}
	if customer["phone"] != "111" {
		t.Errorf("phone = %v, divergent update overwrote the central record", customer["phone"])
	}
	conflicts, err := s.ListConflicts(ctx, "branch-1", false)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("open conflicts = %d, want 1", len(conflicts))
	}
}

func TestOfflineCreateThenUpdateInOneBatchDoesNotConflict(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)
	ctx := context.Background()
	queuedAt := time.Now().Unix() - 3600

	// Hours of offline work arrive in one push; the update builds on the
	// create even though the create's central timestamp is newer.
	result := p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		opAt("op-1", models.OpCreateCustomer, `{"id":"c1","name":"Dina","phone":"0100"}`, queuedAt),
		opAt("op-2", models.OpUpdateCustomer, `{"id":"c1","phone":"0111"}`, queuedAt+60),
	})
	if result.Failed != 0 {
		t.Fatalf("batch failed: %v", result.Errors)
	}

	rec, err := s.GetEntity(ctx, models.EntityCustomer, "c1")
	if err != nil || rec == nil {
		t.Fatalf("get customer: %v", err)
	}
	var customer map[string]interface{}
	if err := json.Unmarshal(rec.Data, &customer); err != nil {
		t.Fatalf("decode customer: %v", err)
	}
	if customer["phone"] != "0111" {
		t.Errorf("phone = %v, queued update did not apply", customer["phone"])
	}
	conflicts, err := s.ListConflicts(ctx, "branch-1", false)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("same-batch update opened %d conflicts", len(conflicts))
	}
}

func TestFreshUpdateWithTimestampStillApplies(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)
	ctx := context.Background()

	p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		op("op-1", models.OpCreateCustomer, `{"id":"c1","name":"Dina","phone":"0100"}`),
	})
	rec, err := s.GetEntity(ctx, models.EntityCustomer, "c1")
	if err != nil || rec == nil {
		t.Fatalf("seeded customer missing: %v", err)
	}

	result := p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		opAt("op-2", models.OpUpdateCustomer, `{"id":"c1","phone":"0111"}`, rec.UpdatedAt+60),
	})
	if result.Failed != 0 {
		t.Fatalf("fresh update failed: %v", result.Errors)
	}

	rec, err = s.GetEntity(ctx, models.EntityCustomer, "c1")
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	var customer map[string]interface{}
	if err := json.Unmarshal(rec.Data, &customer); err != nil {
		t.Fatalf("decode customer: %v", err)
	}
	if customer["phone"] != "0111" {
		t.Errorf("phone = %v, fresh update did not apply", customer["phone"])
	}
	conflicts, err := s.ListConflicts(ctx, "branch-1", false)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("fresh update opened %d conflicts", len(conflicts))
	}
}

func TestDuplicateCreateWithDivergentPayloadOpensConflict(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)
	ctx := context.Background()

	p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		op("op-1", models.OpCreateCustomer, `{"id":"c1","name":"Dina","phone":"0100"}`),
	})
	second := p.ProcessBatch(ctx, "branch-2", []syncengine.IncomingOperation{
		op("op-2", models.OpCreateCustomer, `{"id":"c1","name":"Mona","phone":"0200"}`),
	})
	if second.Failed != 0 {
		t.Fatalf("divergent create reported as failure: %v", second.Errors)
	}

	rows, err := s.ListEntities(ctx, models.EntityCustomer, "", 0, 0)
	if err != nil {
		t.Fatalf("list customers: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("customer rows = %d, want 1", len(rows))
	}
	var customer map[string]interface{}
	if err := json.Unmarshal(rows[0].Data, &customer); err != nil {
		t.Fatalf("decode customer: %v", err)
	}
	if customer["name"] != "Dina" {
		t.Errorf("name = %v, divergent create overwrote the first copy", customer["name"])
	}

	conflicts, err := s.ListConflicts(ctx, "branch-2", false)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Errorf("open conflicts = %d, want 1", len(conflicts))
	}
}

func TestCreateInventoryValidatesIngredient(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)
	ctx := context.Background()
	if err := s.InsertEntity(ctx, models.EntityIngredient, "ing-1", "",
		json.RawMessage(`{"id":"ing-1","name":"Coffee Beans","unit":"kg"}`)); err != nil {
		t.Fatalf("seed ingredient: %v", err)
	}

	valid := p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		op("op-1", models.OpCreateInventory, `{"id":"inv-1","ingredientId":"ing-1","name":"Beans","quantity":10}`),
	})
	if valid.Failed != 0 {
		t.Fatalf("valid inventory create failed: %v", valid.Errors)
	}

	invalid := p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		op("op-2", models.OpCreateInventory, `{"id":"inv-2","ingredientId":"ing-bogus","name":"Ghost","quantity":1}`),
	})
	if invalid.Processed != 0 || invalid.Failed != 1 {
		t.Fatalf("result = %+v, want processed 0 failed 1", invalid)
	}
	if !strings.Contains(invalid.Errors[0], "CREATE_INVENTORY") ||
		!strings.Contains(invalid.Errors[0], "Invalid ingredient ID") {
		t.Errorf("error = %q, want CREATE_INVENTORY invalid ingredient message", invalid.Errors[0])
	}
	if rec, err := s.GetEntity(ctx, models.EntityInventory, "inv-2"); err != nil || rec != nil {
		t.Errorf("invalid inventory record persisted: rec=%v err=%v", rec, err)
	}
}

func TestProcessBatchNoHistoryWhenNothingSucceeded(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s)
	ctx := context.Background()

	p.ProcessBatch(ctx, "branch-1", []syncengine.IncomingOperation{
		op("op-1", models.OpUpdateCustomer, `{"id":"missing","phone":"0111"}`),
	})

	entries, err := s.ListHistory(ctx, HistoryFilter{BranchID: "branch-1"})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("history written for a fully failed batch: %d entries", len(entries))
	}
}
