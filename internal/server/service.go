package server

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
	"github.com/marcomamdouh99/newsync/internal/logging"
	"github.com/marcomamdouh99/newsync/internal/models"
	"github.com/marcomamdouh99/newsync/internal/syncengine"
)

// catalogDatasets are shared across branches; everything else is scoped
// to the requesting branch.
var catalogDatasets = map[string]bool{
	models.EntityMenuItem:   true,
	models.EntityCategory:   true,
	models.EntityBranch:     true,
	models.EntityIngredient: true,
}

const defaultPullLimit = 1000

// Service implements the sync API operations over the central store.
type Service struct {
	store     *Store
	processor *Processor
	log       *logging.Logger
	now       func() time.Time
}

// NewService wires the central sync service.
func NewService(s *Store) *Service {
	return &Service{
		store:     s,
		processor: NewProcessor(s),
		log:       logging.Get().WithComponent("server"),
		now:       time.Now,
	}
}

// Processor exposes the batch processor for the HTTP layer.
func (svc *Service) Processor() *Processor {
	return svc.processor
}

// Pull assembles the datasets a branch is missing. High-churn datasets
// (orders, shifts, waste logs) are always included, newest first, capped
// at the requested limit; the rest are included only when their version
// moved past what the branch last pulled, unless force is set. Records a
// download history entry.
func (svc *Service) Pull(ctx context.Context, req syncengine.PullRequest) (*syncengine.PullResponse, error) {
	if req.BranchID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "branchId is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPullLimit
	}
	startedAt := svc.now().Unix()

	current, err := svc.store.DatasetVersions(ctx)
	if err != nil {
		return nil, err
	}
	known, err := svc.store.BranchVersions(ctx, req.BranchID)
	if err != nil {
		return nil, err
	}

	var sinceDate int64
	if req.SinceDate != "" {
		if t, perr := time.Parse("2006-01-02", req.SinceDate); perr == nil {
			sinceDate = t.Unix()
		} else {
			return nil, apperrors.New(apperrors.ErrValidation, "sinceDate must be YYYY-MM-DD")
		}
	}

	resp := &syncengine.PullResponse{
		Success:  true,
		Data:     make(map[string][]json.RawMessage),
		Versions: make(map[string]int64),
	}
	pulled := make(map[string]int64)

	for _, dataset := range models.SnapshotTables {
		resp.Versions[dataset] = current[dataset]

		include := req.Force || alwaysPulled[dataset] || current[dataset] > known[dataset]
		if !include {
			continue
		}

		branchScope := req.BranchID
		if catalogDatasets[dataset] {
			branchScope = ""
		}
		rowLimit := 0
		since := int64(0)
		if alwaysPulled[dataset] {
			rowLimit = limit
			since = sinceDate
		}

		rows, err := svc.store.ListEntities(ctx, dataset, branchScope, since, rowLimit)
		if err != nil {
			return nil, err
		}
		docs := make([]json.RawMessage, 0, len(rows))
		for _, row := range rows {
			doc := row.Data
			if dataset == models.EntityOrder {
				if doc, err = svc.orderWithItems(ctx, row); err != nil {
					return nil, err
				}
			}
			docs = append(docs, doc)
		}
		resp.Data[dataset] = docs
		resp.Updates = append(resp.Updates, dataset)
		resp.RecordsProcessed += len(docs)
		pulled[dataset] = current[dataset]
	}

	open, err := svc.store.ListConflicts(ctx, req.BranchID, false)
	if err != nil {
		return nil, err
	}
	resp.Conflicts = len(open)

	if err := svc.store.RecordBranchPull(ctx, req.BranchID, pulled); err != nil {
		return nil, err
	}
	if _, err := svc.store.RecordHistory(ctx, req.BranchID, models.DirectionDown,
		models.HistorySuccess, resp.RecordsProcessed, 0, "", startedAt); err != nil {
		svc.log.Error("Failed to record download history", err)
	}

	svc.log.Info("Pull served", map[string]interface{}{
		"branch_id": req.BranchID,
		"datasets":  len(resp.Updates),
		"records":   resp.RecordsProcessed,
	})
	return resp, nil
}

// orderWithItems reattaches line items to an order document.
func (svc *Service) orderWithItems(ctx context.Context, row EntityRow) (json.RawMessage, error) {
	items, err := svc.store.ListOrderItems(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return row.Data, nil
	}
	var order models.Order
	if err := json.Unmarshal(row.Data, &order); err != nil {
		return nil, err
	}
	order.Items = items
	return json.Marshal(order)
}

// MarkPushed flags a branch's rows as delivered, per dataset. With dryRun
// only the would-be counts are reported.
func (svc *Service) MarkPushed(ctx context.Context, branchID string, dataTypes []string, dryRun bool) (map[string]int, error) {
	if branchID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "branchId is required")
	}
	if len(dataTypes) == 0 {
		dataTypes = models.SnapshotTables
	}
	counts := make(map[string]int, len(dataTypes))
	for _, dataset := range dataTypes {
		n, err := svc.store.MarkSynced(ctx, dataset, branchID, dryRun)
		if err != nil {
			return nil, err
		}
		counts[dataset] = n
	}
	return counts, nil
}

// BranchStatus is the server's sync view of one branch.
type BranchStatus struct {
	BranchID         string           `json:"branchId"`
	LastSyncAt       *int64           `json:"lastSyncAt,omitempty"`
	PendingUploads   int              `json:"pendingUploads"`
	PendingDownloads map[string]int   `json:"pendingDownloads"`
	CurrentVersions  map[string]int64 `json:"currentVersions"`
	LatestVersions   map[string]int64 `json:"latestVersions"`
	UpToDate         bool             `json:"upToDate"`
}

// Status reports what a branch still needs: per-dataset pending download
// counts, version lag, and how many operations the branch retained for
// retry after its last upload.
func (svc *Service) Status(ctx context.Context, branchID string) (*BranchStatus, error) {
	latest, err := svc.store.DatasetVersions(ctx)
	if err != nil {
		return nil, err
	}
	known, err := svc.store.BranchVersions(ctx, branchID)
	if err != nil {
		return nil, err
	}

	status := &BranchStatus{
		BranchID:         branchID,
		PendingDownloads: make(map[string]int),
		CurrentVersions:  known,
		LatestVersions:   latest,
		UpToDate:         true,
	}
	for _, dataset := range models.SnapshotTables {
		n, err := svc.store.CountUnsynced(ctx, dataset, branchID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			status.PendingDownloads[dataset] = n
			status.UpToDate = false
		}
		if latest[dataset] > known[dataset] {
			status.UpToDate = false
		}
	}

	entries, err := svc.store.ListHistory(ctx, HistoryFilter{BranchID: branchID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 && entries[0].CompletedAt != nil {
		status.LastSyncAt = entries[0].CompletedAt
	}

	ups, err := svc.store.ListHistory(ctx, HistoryFilter{
		BranchID: branchID, Direction: models.DirectionUp, Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(ups) > 0 {
		status.PendingUploads = ups[0].RecordsFailed
	}
	return status, nil
}

// StatusAll reports every branch the server has seen.
func (svc *Service) StatusAll(ctx context.Context) ([]BranchStatus, error) {
	rows, err := svc.store.QueryContext(ctx, `
		SELECT branch_id FROM branch_datasets
		UNION SELECT branch_id FROM orders
		UNION SELECT branch_id FROM sync_history`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var branchIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id != "" {
			branchIDs = append(branchIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]BranchStatus, 0, len(branchIDs))
	for _, id := range branchIDs {
		status, err := svc.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *status)
	}
	return out, nil
}
