package conflict

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
	"github.com/marcomamdouh99/newsync/internal/logging"
	"github.com/marcomamdouh99/newsync/internal/models"
	"github.com/marcomamdouh99/newsync/internal/uuid"
)

// Store is the persistence contract the ledger runs against. The central
// server backs it with its SQLite database.
type Store interface {
	// OpenConflict returns the unresolved record for an entity, or nil
	// when none is open.
	OpenConflict(ctx context.Context, branchID, entityType, entityID string) (*models.ConflictRecord, error)
	InsertConflict(ctx context.Context, rec *models.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error)
	ListConflicts(ctx context.Context, branchID string, includeResolved bool) ([]models.ConflictRecord, error)
	MarkResolved(ctx context.Context, rec *models.ConflictRecord) error
	// ApplyResolution writes the winning payload as the authoritative
	// copy of the entity.
	ApplyResolution(ctx context.Context, entityType, entityID string, payload json.RawMessage) error
}

// IgnoreRules lists JSON fields excluded from divergence comparison,
// per entity type. The "*" key applies to every entity.
type IgnoreRules map[string][]string

// DefaultIgnoreRules excludes bookkeeping fields that legitimately
// differ between a branch copy and the central copy.
func DefaultIgnoreRules() IgnoreRules {
	return IgnoreRules{
		"*": {
			"created_at", "updated_at", "synced_at",
			"createdAt", "updatedAt", "syncedAt", "synced",
		},
	}
}

// protectedFields are never overwritten by a resolution payload; the
// central copy's values win for them regardless of strategy.
var protectedFields = map[string][]string{
	"*":               {"id", "created_at", "createdAt"},
	models.EntityUser: {"password"},
}

// Ledger records divergent entities and drives their resolution.
type Ledger struct {
	store  Store
	ignore IgnoreRules
	log    *logging.Logger
	now    func() time.Time
}

// NewLedger creates a conflict ledger. A nil ignore uses the defaults.
func NewLedger(store Store, ignore IgnoreRules) *Ledger {
	if ignore == nil {
		ignore = DefaultIgnoreRules()
	}
	return &Ledger{
		store:  store,
		ignore: ignore,
		log:    logging.Get().WithComponent("conflict"),
		now:    time.Now,
	}
}

// Detect compares a branch payload against the central payload for the
// same entity. When the copies materially diverge it returns the open
// conflict record for the entity, creating one if none exists yet; at
// most one unresolved record per entity is ever held. Equal copies
// return (nil, nil).
func (l *Ledger) Detect(ctx context.Context, branchID, entityType, entityID, reason string, branchPayload, centralPayload json.RawMessage) (*models.ConflictRecord, error) {
	same, err := l.equivalent(entityType, branchPayload, centralPayload)
	if err != nil {
		return nil, err
	}
	if same {
		return nil, nil
	}

	existing, err := l.store.OpenConflict(ctx, branchID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	rec := &models.ConflictRecord{
		ID:             models.UUID(uuid.New()),
		BranchID:       branchID,
		EntityType:     entityType,
		EntityID:       entityID,
		ConflictReason: reason,
		BranchPayload:  branchPayload,
		CentralPayload: centralPayload,
		DetectedAt:     l.now().Unix(),
	}
	if err := l.store.InsertConflict(ctx, rec); err != nil {
		return nil, err
	}
	l.log.Warn("Conflict detected", map[string]interface{}{
		"conflict_id": rec.ID,
		"branch_id":   branchID,
		"entity_type": entityType,
		"entity_id":   entityID,
		"reason":      reason,
	})
	return rec, nil
}

// Resolve applies a resolution strategy to an open conflict. Resolution
// is terminal: resolving an already-resolved conflict fails, and the
// chosen payload is applied with protected fields preserved from the
// central copy.
func (l *Ledger) Resolve(ctx context.Context, conflictID string, resolution models.Resolution, resolvedBy string, merged json.RawMessage) (*models.ConflictRecord, error) {
	if !resolution.IsValid() {
		return nil, apperrors.New(apperrors.ErrInvalidResolution, "unknown resolution strategy "+string(resolution))
	}

	rec, err := l.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.New(apperrors.ErrConflictNotFound, "conflict "+conflictID+" not found")
	}
	if rec.IsResolved() {
		return nil, apperrors.New(apperrors.ErrConflictAlreadyResolved,
			"conflict "+conflictID+" already resolved as "+string(rec.Resolution))
	}

	var winner json.RawMessage
	switch resolution {
	case models.ResolutionAcceptBranch:
		winner = rec.BranchPayload
	case models.ResolutionAcceptCentral:
		winner = rec.CentralPayload
	case models.ResolutionManualMerge:
		if len(merged) == 0 {
			return nil, apperrors.New(apperrors.ErrInvalidResolution, "manual merge requires a merged payload")
		}
		winner = merged
	}

	applied, err := l.withProtected(rec.EntityType, rec.CentralPayload, winner)
	if err != nil {
		return nil, err
	}
	if err := l.store.ApplyResolution(ctx, rec.EntityType, rec.EntityID, applied); err != nil {
		return nil, err
	}

	resolvedAt := l.now().Unix()
	rec.ResolvedAt = &resolvedAt
	rec.ResolvedBy = resolvedBy
	rec.Resolution = resolution
	if err := l.store.MarkResolved(ctx, rec); err != nil {
		return nil, err
	}

	l.log.Info("Conflict resolved", map[string]interface{}{
		"conflict_id": rec.ID,
		"resolution":  string(resolution),
		"resolved_by": resolvedBy,
	})
	return rec, nil
}

// List returns a branch's conflicts, open only or including resolved.
func (l *Ledger) List(ctx context.Context, branchID string, includeResolved bool) ([]models.ConflictRecord, error) {
	return l.store.ListConflicts(ctx, branchID, includeResolved)
}

// equivalent reports whether two payloads match after stripping ignored
// fields. Comparison is structural, not textual, so key order and
// whitespace never count as divergence.
func (l *Ledger) equivalent(entityType string, a, b json.RawMessage) (bool, error) {
	av, err := l.normalize(entityType, a)
	if err != nil {
		return false, err
	}
	bv, err := l.normalize(entityType, b)
	if err != nil {
		return false, err
	}
	return reflect.DeepEqual(av, bv), nil
}

func (l *Ledger) normalize(entityType string, payload json.RawMessage) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "malformed "+entityType+" payload", err)
	}
	for _, field := range l.ignore["*"] {
		delete(m, field)
	}
	for _, field := range l.ignore[entityType] {
		delete(m, field)
	}
	return m, nil
}

// withProtected returns the winner payload with protected field values
// copied back from the central payload.
func (l *Ledger) withProtected(entityType string, central, winner json.RawMessage) (json.RawMessage, error) {
	var out map[string]interface{}
	if err := json.Unmarshal(winner, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "malformed resolution payload", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(central, &base); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "malformed central payload", err)
	}

	guard := func(fields []string) {
		for _, field := range fields {
			if v, ok := base[field]; ok {
				out[field] = v
			} else {
				delete(out, field)
			}
		}
	}
	guard(protectedFields["*"])
	guard(protectedFields[entityType])

	return json.Marshal(out)
}
