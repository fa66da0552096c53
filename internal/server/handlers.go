package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/marcomamdouh99/newsync/internal/conflict"
	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
	"github.com/marcomamdouh99/newsync/internal/logging"
	"github.com/marcomamdouh99/newsync/internal/models"
	"github.com/marcomamdouh99/newsync/internal/syncengine"
)

// Server is the central sync HTTP API.
type Server struct {
	svc    *Service
	ledger *conflict.Ledger
	log    *logging.Logger
}

// NewServer wires the HTTP API over a central store.
func NewServer(store *Store) *Server {
	return &Server{
		svc:    NewService(store),
		ledger: conflict.NewLedger(store, nil),
		log:    logging.Get().WithComponent("http"),
	}
}

// Routes returns the API mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sync/ping", s.handlePing)
	mux.HandleFunc("POST /sync/pull", s.handlePull)
	mux.HandleFunc("POST /sync/push", s.handlePush)
	mux.HandleFunc("POST /sync/batch-push", s.handleBatchPush)
	mux.HandleFunc("GET /sync/status", s.handleStatus)
	mux.HandleFunc("GET /sync/history", s.handleHistory)
	mux.HandleFunc("GET /sync/conflicts", s.handleListConflicts)
	mux.HandleFunc("POST /sync/conflicts/{id}/resolve", s.handleResolveConflict)
	mux.HandleFunc("GET /offline/export", s.handleExport)
	mux.HandleFunc("POST /offline/import", s.handleImport)
	return mux
}

// handlePing is the connectivity probe target. Deliberately does nothing:
// reachability is the only signal.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req syncengine.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.ErrValidation, "malformed pull request", err))
		return
	}
	resp, err := s.svc.Pull(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BranchID  string   `json:"branchId"`
		DataTypes []string `json:"dataTypes"`
		DryRun    bool     `json:"dryRun"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.ErrValidation, "malformed push request", err))
		return
	}
	counts, err := s.svc.MarkPushed(r.Context(), req.BranchID, req.DataTypes, req.DryRun)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"dryRun":  req.DryRun,
		"counts":  counts,
	})
}

func (s *Server) handleBatchPush(w http.ResponseWriter, r *http.Request) {
	var req syncengine.BatchPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.ErrValidation, "malformed batch-push request", err))
		return
	}
	if req.BranchID == "" {
		s.writeError(w, apperrors.New(apperrors.ErrValidation, "branchId is required"))
		return
	}

	result := s.svc.Processor().ProcessBatch(r.Context(), req.BranchID, req.Operations)
	s.writeJSON(w, http.StatusOK, syncengine.BatchPushResponse{
		Success:   result.Failed == 0,
		Processed: result.Processed,
		Failed:    result.Failed,
		FailedIDs: result.FailedIDs,
		Errors:    result.Errors,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("all") == "true" {
		statuses, err := s.svc.StatusAll(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"branches": statuses})
		return
	}

	branchID := r.URL.Query().Get("branchId")
	if branchID == "" {
		s.writeError(w, apperrors.New(apperrors.ErrValidation, "branchId or all=true is required"))
		return
	}
	status, err := s.svc.Status(r.Context(), branchID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := HistoryFilter{
		BranchID:  q.Get("branchId"),
		Status:    models.HistoryStatus(q.Get("status")),
		Direction: models.SyncDirection(q.Get("direction")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, apperrors.New(apperrors.ErrValidation, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	entries, err := s.svc.store.ListHistory(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeResolved := q.Get("resolved") == "true"
	conflicts, err := s.ledger.List(r.Context(), q.Get("branchId"), includeResolved)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID := r.PathValue("id")

	var req struct {
		Resolution models.Resolution `json:"resolution"`
		ResolvedBy string            `json:"resolvedBy"`
		MergedData json.RawMessage   `json:"mergedData,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.ErrValidation, "malformed resolve request", err))
		return
	}

	rec, err := s.ledger.Resolve(r.Context(), conflictID, req.Resolution, req.ResolvedBy, req.MergedData)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "conflict": rec})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, apperrors.New(apperrors.ErrValidation, "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	doc, err := s.svc.Export(r.Context(), q.Get("branchId"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data *ExportDocument `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.ErrImportInvalid, "malformed import request", err))
		return
	}
	imported, err := s.svc.Import(r.Context(), req.Data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "imported": imported})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("Failed to encode response", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := apperrors.ErrInternal

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		switch appErr.Code {
		case apperrors.ErrValidation, apperrors.ErrInvalid, apperrors.ErrInvalidOperationType,
			apperrors.ErrInvalidResolution, apperrors.ErrImportInvalid:
			status = http.StatusBadRequest
		case apperrors.ErrNotFound, apperrors.ErrConflictNotFound:
			status = http.StatusNotFound
		case apperrors.ErrDuplicate, apperrors.ErrConflictAlreadyResolved:
			status = http.StatusConflict
		case apperrors.ErrStorageFull:
			status = http.StatusInsufficientStorage
		}
	}

	s.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"code":    string(code),
		"error":   err.Error(),
	})
}
