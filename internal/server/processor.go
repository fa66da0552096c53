package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcomamdouh99/newsync/internal/conflict"
	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
	"github.com/marcomamdouh99/newsync/internal/logging"
	"github.com/marcomamdouh99/newsync/internal/models"
	"github.com/marcomamdouh99/newsync/internal/syncengine"
	"github.com/marcomamdouh99/newsync/internal/uuid"
)

// BatchResult summarizes one batch-push. Failures are positional: the
// i-th failed id pairs with the i-th error message.
type BatchResult struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failedIds,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// batch carries the per-call state of one ProcessBatch pass: the pushing
// branch and which entities the pass has already written. An update that
// follows a write from the same pass is the branch building on its own
// work, not a divergence.
type batch struct {
	branchID string
	touched  map[string]bool
}

func (b *batch) mark(dataset, id string) { b.touched[dataset+"/"+id] = true }

func (b *batch) wrote(dataset, id string) bool { return b.touched[dataset+"/"+id] }

type opHandler func(ctx context.Context, b *batch, op syncengine.IncomingOperation) error

// Processor applies branch operation batches against the authoritative
// store, one operation at a time, in array order. Updates that arrive
// from a branch holding a stale copy go through the conflict ledger
// instead of overwriting the central record.
type Processor struct {
	store    *Store
	ledger   *conflict.Ledger
	handlers map[models.OperationType]opHandler
	log      *logging.Logger
	now      func() time.Time
}

// NewProcessor builds the processor with its per-type handler registry.
func NewProcessor(s *Store) *Processor {
	p := &Processor{
		store:  s,
		ledger: conflict.NewLedger(s, nil),
		log:    logging.Get().WithComponent("processor"),
		now:    time.Now,
	}
	p.handlers = map[models.OperationType]opHandler{
		models.OpCreateOrder:           p.createOrder,
		models.OpUpdateOrder:           p.patch(models.EntityOrder),
		models.OpCreateInventory:       p.createInventory,
		models.OpUpdateInventory:       p.updateInventory,
		models.OpCreateWaste:           p.createWaste,
		models.OpCreateShift:           p.create(models.EntityShift),
		models.OpUpdateShift:           p.patch(models.EntityShift),
		models.OpUpdateUser:            p.patch(models.EntityUser),
		models.OpCreateCustomer:        p.create(models.EntityCustomer),
		models.OpUpdateCustomer:        p.patch(models.EntityCustomer),
		models.OpCreateCustomerAddress: p.create(models.EntityCustomerAddress),
		models.OpCreateCourier:         p.create(models.EntityCourier),
		models.OpUpdateCourier:         p.patch(models.EntityCourier),
		models.OpCreateDeliveryArea:    p.create(models.EntityDeliveryArea),
		models.OpUpdateDeliveryArea:    p.patch(models.EntityDeliveryArea),
	}
	return p
}

// ProcessBatch applies operations in array order. A failed operation is
// recorded and skipped; it never aborts the remainder of the batch. When
// at least one operation succeeded an upload history entry is written.
func (p *Processor) ProcessBatch(ctx context.Context, branchID string, ops []syncengine.IncomingOperation) BatchResult {
	startedAt := p.now().Unix()
	var result BatchResult
	b := &batch{branchID: branchID, touched: make(map[string]bool)}

	for _, op := range ops {
		handler, ok := p.handlers[op.Type]
		if !ok {
			result.fail(op.ID, op.Type, apperrors.New(apperrors.ErrInvalidOperationType,
				"unknown operation type "+string(op.Type)))
			continue
		}
		if err := handler(ctx, b, op); err != nil {
			p.log.Warn("Operation failed", map[string]interface{}{
				"operation_id": op.ID,
				"type":         string(op.Type),
				"error":        err.Error(),
			})
			result.fail(op.ID, op.Type, err)
			continue
		}
		result.Processed++
	}

	if result.Processed > 0 {
		status := models.HistorySuccess
		errDetails := ""
		if result.Failed > 0 {
			status = models.HistoryPartial
			errDetails = fmt.Sprintf("%d of %d operations failed", result.Failed, len(ops))
		}
		if _, err := p.store.RecordHistory(ctx, branchID, models.DirectionUp, status,
			result.Processed, result.Failed, errDetails, startedAt); err != nil {
			p.log.Error("Failed to record upload history", err)
		}
	}
	return result
}

func (r *BatchResult) fail(opID string, opType models.OperationType, err error) {
	r.Failed++
	r.FailedIDs = append(r.FailedIDs, opID)
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", opType, err.Error()))
}

// create returns a generic create handler for a dataset. Placeholder ids
// from offline devices get a fresh server-assigned id; a replayed create
// with a stable id the server already holds is a no-op success, unless
// its payload diverges from the stored copy, which opens a conflict.
func (p *Processor) create(dataset string) opHandler {
	return func(ctx context.Context, b *batch, op syncengine.IncomingOperation) error {
		id, doc, err := resolveID(op.Data)
		if err != nil {
			return err
		}
		if !id.IsTemporary() {
			existing, err := p.store.GetEntity(ctx, dataset, id.String())
			if err != nil {
				return err
			}
			if existing != nil {
				_, err := p.ledger.Detect(ctx, b.branchID, dataset, id.String(),
					"duplicate create with divergent payload", op.Data, existing.Data)
				return err
			}
		}

		finalID := id.String()
		if id.IsTemporary() || finalID == "" {
			finalID = uuid.New()
		}
		doc["id"] = finalID
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal %s document: %w", dataset, err)
		}
		if err := p.store.InsertEntity(ctx, dataset, finalID, b.branchID, payload); err != nil {
			return err
		}
		b.mark(dataset, finalID)
		return nil
	}
}

// patch returns a generic update handler: top-level fields of the
// payload overwrite the stored document. Unknown ids fail the operation.
// When the central record changed after the branch queued the update,
// the divergence goes to the conflict ledger and the central copy stays
// untouched until someone resolves it. Records this same pass already
// wrote are exempt: their central timestamps are newer than any queued
// operation by construction.
func (p *Processor) patch(dataset string) opHandler {
	return func(ctx context.Context, b *batch, op syncengine.IncomingOperation) error {
		id, doc, err := resolveID(op.Data)
		if err != nil {
			return err
		}
		if id.IsTemporary() {
			return apperrors.New(apperrors.ErrInvalid,
				"cannot update "+dataset+" by placeholder id "+id.String())
		}
		existing, err := p.store.GetEntity(ctx, dataset, id.String())
		if err != nil {
			return err
		}
		if existing == nil {
			return apperrors.New(apperrors.ErrNotFound, dataset+" id "+id.String()+" not found")
		}

		var merged map[string]interface{}
		if err := json.Unmarshal(existing.Data, &merged); err != nil {
			return fmt.Errorf("failed to decode stored %s document: %w", dataset, err)
		}
		for k, v := range doc {
			merged[k] = v
		}
		merged["id"] = id.String()
		payload, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal %s document: %w", dataset, err)
		}

		// An operation without a timestamp carries no evidence the
		// branch ever saw the current central copy.
		stale := !b.wrote(dataset, id.String()) &&
			(op.Timestamp == 0 || existing.UpdatedAt > op.Timestamp)
		if stale {
			rec, err := p.ledger.Detect(ctx, b.branchID, dataset, id.String(),
				"update against newer central record", payload, existing.Data)
			if err != nil {
				return err
			}
			if rec != nil {
				// Conflict recorded; the operation is consumed so the
				// branch stops retrying it.
				return nil
			}
		}
		if err := p.store.UpdateEntity(ctx, dataset, id.String(), payload); err != nil {
			return err
		}
		b.mark(dataset, id.String())
		return nil
	}
}

// createOrder persists the order header and its line items atomically.
func (p *Processor) createOrder(ctx context.Context, b *batch, op syncengine.IncomingOperation) error {
	var order models.Order
	if err := json.Unmarshal(op.Data, &order); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "malformed order payload", err)
	}

	id := models.ParseEntityID(string(order.ID))
	if !id.IsTemporary() && id.String() != "" {
		existing, err := p.store.GetEntity(ctx, models.EntityOrder, id.String())
		if err != nil {
			return err
		}
		if existing != nil {
			return nil // replay
		}
	}

	finalID := id.String()
	if id.IsTemporary() || finalID == "" {
		finalID = uuid.New()
	}
	order.ID = models.UUID(finalID)
	order.BranchID = b.branchID
	order.Synced = true

	items := order.Items
	for i := range items {
		itemID := models.ParseEntityID(string(items[i].ID))
		if itemID.IsTemporary() || itemID.String() == "" {
			items[i].ID = models.UUID(uuid.New())
		}
		items[i].OrderID = finalID
	}
	order.Items = nil

	header, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order header: %w", err)
	}
	if err := p.store.InsertOrderWithItems(ctx, finalID, b.branchID, header, items); err != nil {
		return err
	}
	b.mark(models.EntityOrder, finalID)
	return nil
}

// createInventory creates a stock record after validating its ingredient
// against the catalog; an unknown ingredient fails just this operation.
func (p *Processor) createInventory(ctx context.Context, b *batch, op syncengine.IncomingOperation) error {
	var item models.InventoryItem
	if err := json.Unmarshal(op.Data, &item); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "malformed inventory payload", err)
	}
	if item.IngredientID != "" {
		ok, err := p.ingredientExists(ctx, b.branchID, item.IngredientID)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.New(apperrors.ErrForeignReference, "Invalid ingredient ID: "+item.IngredientID)
		}
	}
	return p.create(models.EntityInventory)(ctx, b, op)
}

// updateInventory patches a stock record after validating the ingredient
// reference.
func (p *Processor) updateInventory(ctx context.Context, b *batch, op syncengine.IncomingOperation) error {
	var item models.InventoryItem
	if err := json.Unmarshal(op.Data, &item); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "malformed inventory payload", err)
	}
	if item.IngredientID != "" {
		ok, err := p.ingredientExists(ctx, b.branchID, item.IngredientID)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.New(apperrors.ErrForeignReference, "Invalid ingredient ID: "+item.IngredientID)
		}
	}
	return p.patch(models.EntityInventory)(ctx, b, op)
}

// createWaste records discarded stock; the referenced ingredient must
// exist.
func (p *Processor) createWaste(ctx context.Context, b *batch, op syncengine.IncomingOperation) error {
	var waste models.WasteLog
	if err := json.Unmarshal(op.Data, &waste); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "malformed waste payload", err)
	}
	ok, err := p.ingredientExists(ctx, b.branchID, waste.IngredientID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.New(apperrors.ErrForeignReference, "Invalid ingredient ID: "+waste.IngredientID)
	}
	return p.create(models.EntityWasteLog)(ctx, b, op)
}

// ingredientExists checks the shared catalog first. Branch stock rows
// still count as references for databases provisioned before the
// catalog table existed.
func (p *Processor) ingredientExists(ctx context.Context, branchID, ingredientID string) (bool, error) {
	if ingredientID == "" {
		return false, nil
	}
	row, err := p.store.GetEntity(ctx, models.EntityIngredient, ingredientID)
	if err != nil {
		return false, err
	}
	if row != nil {
		return true, nil
	}
	rows, err := p.store.ListEntities(ctx, models.EntityInventory, branchID, 0, 0)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if row.ID == ingredientID {
			return true, nil
		}
		var item models.InventoryItem
		if err := json.Unmarshal(row.Data, &item); err != nil {
			continue
		}
		if item.IngredientID == ingredientID {
			return true, nil
		}
	}
	return false, nil
}

// resolveID extracts and classifies the payload's id field.
func resolveID(data json.RawMessage) (models.EntityID, map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return models.EntityID{}, nil, apperrors.Wrap(apperrors.ErrInvalid, "malformed operation payload", err)
	}
	raw, _ := doc["id"].(string)
	return models.ParseEntityID(raw), doc, nil
}
