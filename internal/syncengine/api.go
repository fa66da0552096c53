// Package syncengine coordinates pull and push between a branch device
// and the central sync server.
package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
	"github.com/marcomamdouh99/newsync/internal/models"
)

// PullRequest asks the server for authoritative data.
type PullRequest struct {
	BranchID  string `json:"branchId"`
	Force     bool   `json:"force,omitempty"`
	SinceDate string `json:"sinceDate,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// PullResponse carries version-gated datasets. A dataset is present only
// when the branch's version counter is behind the latest (or force was
// set); orders, shifts, and waste logs are always included.
type PullResponse struct {
	Success          bool                         `json:"success"`
	Data             map[string][]json.RawMessage `json:"data"`
	RecordsProcessed int                          `json:"recordsProcessed"`
	Conflicts        int                          `json:"conflicts"`
	Updates          []string                     `json:"updates"`
	Versions         map[string]int64             `json:"versions"`
}

// IncomingOperation is the wire form of one queued operation.
type IncomingOperation struct {
	ID        string               `json:"id"`
	Type      models.OperationType `json:"type"`
	Data      json.RawMessage      `json:"data"`
	Timestamp int64                `json:"timestamp"`
}

// BatchPushRequest delivers a group of queued operations.
type BatchPushRequest struct {
	BranchID   string              `json:"branchId"`
	Operations []IncomingOperation `json:"operations"`
}

// BatchPushResponse reports per-operation outcomes. FailedIDs and Errors
// are parallel lists.
type BatchPushResponse struct {
	Success   bool     `json:"success"`
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failedIds"`
	Errors    []string `json:"errors"`
}

// ServerAPI is the transport contract against the central server.
type ServerAPI interface {
	Ping(ctx context.Context) error
	Pull(ctx context.Context, req PullRequest) (*PullResponse, error)
	BatchPush(ctx context.Context, req BatchPushRequest) (*BatchPushResponse, error)
}

// HTTPServerAPI implements ServerAPI over the central server's JSON API.
type HTTPServerAPI struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPServerAPI creates an HTTP client for the sync server.
func NewHTTPServerAPI(baseURL string, timeout time.Duration) *HTTPServerAPI {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPServerAPI{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Ping implements ServerAPI.
func (a *HTTPServerAPI) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/sync/ping", nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "build ping request", err)
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetworkUnreachable, "ping", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperrors.New(apperrors.ErrNetworkUnreachable, resp.Status)
	}
	return nil
}

// Pull implements ServerAPI.
func (a *HTTPServerAPI) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	var out PullResponse
	if err := a.post(ctx, "/sync/pull", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchPush implements ServerAPI.
func (a *HTTPServerAPI) BatchPush(ctx context.Context, req BatchPushRequest) (*BatchPushResponse, error) {
	var out BatchPushResponse
	if err := a.post(ctx, "/sync/batch-push", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *HTTPServerAPI) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetworkUnreachable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return apperrors.New(apperrors.ErrNetworkUnreachable, resp.Status)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.New(apperrors.ErrSyncFailed, fmt.Sprintf("%s: %s", resp.Status, data))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "decode response", err)
	}
	return nil
}
