package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/marcomamdouh99/newsync/internal/connectivity"
	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
	"github.com/marcomamdouh99/newsync/internal/logging"
	"github.com/marcomamdouh99/newsync/internal/models"
	"github.com/marcomamdouh99/newsync/internal/queue"
	"github.com/marcomamdouh99/newsync/internal/store"
)

// SyncResult is the outcome of one syncAll pass.
type SyncResult struct {
	Success             bool      `json:"success"`
	OperationsProcessed int       `json:"operationsProcessed"`
	OperationsFailed    int       `json:"operationsFailed"`
	Errors              []string  `json:"errors,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// Events receives engine notifications; implemented by the websocket hub.
// A nil Events is silently ignored.
type Events interface {
	SyncStarted()
	SyncCompleted(SyncResult)
	SyncFailed(err error)
}

// Config holds engine tuning knobs.
type Config struct {
	// SyncInterval drives the periodic trigger while online.
	SyncInterval time.Duration
	// SyncTimeout bounds how long the single-flight lock can be held;
	// a pass running longer than this loses the lock so a hung network
	// call cannot permanently wedge the engine.
	SyncTimeout time.Duration
	// PullCooldown suppresses pull attempts for a window after a failed
	// pull, to avoid hammering an unreachable server. Push still runs.
	PullCooldown time.Duration
	// BatchSize caps operations per batch-push request.
	BatchSize int
	// PullLimit caps always-included datasets per pull.
	PullLimit int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		SyncInterval: 30 * time.Second,
		SyncTimeout:  60 * time.Second,
		PullCooldown: 5 * time.Minute,
		BatchSize:    50,
		PullLimit:    1000,
	}
}

// Engine orchestrates pull and push without overlap.
type Engine struct {
	db      *store.DB
	queue   *queue.OperationQueue
	monitor *connectivity.Monitor
	api     ServerAPI
	events  Events
	cfg     Config
	log     *logging.Logger

	mu          sync.Mutex
	branchID    string
	initialized bool
	initFlight  chan struct{} // memoized in-flight initialization
	initErr     error

	syncing      bool
	syncGen      uint64 // pass token; a late finish of an expired pass must not release a newer pass's lock
	syncStart    time.Time
	skipTick     bool // suppress the first periodic tick right after a transition-triggered pass
	lastPullFail time.Time

	timerOn chan bool // timer control from connectivity transitions

	now func() time.Time
}

// New creates a sync engine. Call Initialize before Run or SyncAll.
func New(db *store.DB, q *queue.OperationQueue, monitor *connectivity.Monitor, api ServerAPI, events Events, cfg Config) *Engine {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultConfig().SyncInterval
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultConfig().SyncTimeout
	}
	if cfg.PullCooldown <= 0 {
		cfg.PullCooldown = DefaultConfig().PullCooldown
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = DefaultConfig().PullLimit
	}
	return &Engine{
		db:      db,
		queue:   q,
		monitor: monitor,
		api:     api,
		events:  events,
		cfg:     cfg,
		log:     logging.Get().WithComponent("syncengine"),
		timerOn: make(chan bool, 4),
		now:     time.Now,
	}
}

// Initialize prepares the engine for a branch. Idempotent: a second call
// with the same branch id is a no-op once the first completes, and
// concurrent callers await the same in-flight initialization. A different
// branch id reinitializes.
func (e *Engine) Initialize(ctx context.Context, branchID string) error {
	e.mu.Lock()
	if e.initialized && e.branchID == branchID {
		e.mu.Unlock()
		return nil
	}
	if e.initFlight != nil {
		flight := e.initFlight
		same := e.branchID == branchID
		e.mu.Unlock()
		<-flight
		if same {
			e.mu.Lock()
			err := e.initErr
			e.mu.Unlock()
			return err
		}
		return e.Initialize(ctx, branchID) // branch changed while initializing
	}
	flight := make(chan struct{})
	e.initFlight = flight
	e.initialized = false
	e.branchID = branchID
	e.mu.Unlock()

	err := e.doInitialize(ctx, branchID)

	e.mu.Lock()
	e.initErr = err
	e.initialized = err == nil
	e.initFlight = nil
	e.mu.Unlock()
	close(flight)
	return err
}

func (e *Engine) doInitialize(ctx context.Context, branchID string) error {
	if _, err := e.db.UpdateSyncState(ctx, func(s *models.SyncState) {
		s.BranchID = branchID
	}); err != nil {
		return err
	}
	e.log.Info("Sync engine initialized", map[string]interface{}{"branch_id": branchID})
	return nil
}

// OnConnectivityChange is the engine's connectivity listener. Subscribe
// it to the monitor: on a confirmed transition to online it restarts the
// periodic timer and triggers one immediate pass; on offline it halts
// the timer.
func (e *Engine) OnConnectivityChange(status connectivity.Status) {
	ctx := context.Background()
	if _, err := e.db.UpdateSyncState(ctx, func(s *models.SyncState) {
		s.IsOnline = status.Online
	}); err != nil {
		e.log.Error("Failed to record connectivity state", err)
	}

	select {
	case e.timerOn <- status.Online:
	default:
	}

	if status.Online {
		e.mu.Lock()
		e.skipTick = true
		e.mu.Unlock()
		go e.SyncAll(ctx)
	}
}

// Run drives the periodic trigger. The ticker runs only while online;
// connectivity transitions start and stop it through OnConnectivityChange.
// Blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var tickC <-chan time.Time
	var ticker *time.Ticker

	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tickC = nil
		}
	}
	defer stopTicker()

	if e.monitor.IsOnline() {
		ticker = time.NewTicker(e.cfg.SyncInterval)
		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-e.timerOn:
			stopTicker()
			if online {
				ticker = time.NewTicker(e.cfg.SyncInterval)
				tickC = ticker.C
			}
		case <-tickC:
			e.mu.Lock()
			skip := e.skipTick
			e.skipTick = false
			e.mu.Unlock()
			if skip {
				continue
			}
			e.SyncAll(ctx)
		}
	}
}

// QueueOperation enqueues a mutation and, when online and idle, kicks a
// sync pass fire-and-forget. The enqueue itself never depends on network
// state; offline operations appear to succeed immediately.
func (e *Engine) QueueOperation(ctx context.Context, opType models.OperationType, data interface{}) (string, error) {
	id, err := e.queue.Enqueue(ctx, opType, data)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	idle := !e.syncing
	e.mu.Unlock()
	if idle && e.monitor.IsOnline() {
		go e.SyncAll(context.Background())
	}
	return id, nil
}

// ForceSync is the manual, user-triggered alias for SyncAll.
func (e *Engine) ForceSync(ctx context.Context) SyncResult {
	return e.SyncAll(ctx)
}

// SyncAll runs one pull-then-push pass. Single-flight: a concurrent call
// returns immediately with Success=false rather than queueing or
// blocking. A pass holding the lock past the configured timeout loses it,
// so the next trigger is never permanently blocked; late completions of
// the expired pass still dequeue correctly because removal happens
// per-operation on confirmed success.
func (e *Engine) SyncAll(ctx context.Context) SyncResult {
	gen, ok := e.tryLock()
	if !ok {
		return SyncResult{
			Success:   false,
			Errors:    []string{apperrors.New(apperrors.ErrSyncInProgress, "sync already running").Error()},
			Timestamp: e.now(),
		}
	}
	defer e.unlock(gen)

	e.mu.Lock()
	initialized := e.initialized
	branchID := e.branchID
	e.mu.Unlock()
	if !initialized {
		return SyncResult{
			Success:   false,
			Errors:    []string{apperrors.New(apperrors.ErrNotInitialized, "initialize the engine first").Error()},
			Timestamp: e.now(),
		}
	}

	if e.events != nil {
		e.events.SyncStarted()
	}

	result := SyncResult{Success: true, Timestamp: e.now()}

	// Pull first: push handlers on the server may validate against data
	// the branch is about to receive. A pull failure is non-fatal; the
	// pass records it and continues to push.
	if err := e.pull(ctx, branchID); err != nil {
		if apperrors.IsNetwork(err) {
			e.log.Info("Pull skipped, server unreachable", map[string]interface{}{"error": err.Error()})
			e.monitor.ReportFailure()
		} else {
			e.log.Error("Pull failed", err)
		}
		result.Errors = append(result.Errors, err.Error())
	}

	processed, failed, errs := e.push(ctx, branchID)
	result.OperationsProcessed = processed
	result.OperationsFailed = failed
	result.Errors = append(result.Errors, errs...)
	if failed > 0 {
		result.Success = false
	}

	if e.events != nil {
		if result.Success {
			e.events.SyncCompleted(result)
		} else {
			e.events.SyncFailed(fmt.Errorf("sync pass: %d operations failed", failed))
		}
	}
	return result
}

// tryLock acquires the single-flight lock, stealing it when the holder
// has exceeded the sync timeout. Returns the pass token on success.
func (e *Engine) tryLock() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncing && e.now().Sub(e.syncStart) < e.cfg.SyncTimeout {
		return 0, false
	}
	if e.syncing {
		e.log.Warn("Sync lock self-expired", map[string]interface{}{
			"held_for": e.now().Sub(e.syncStart).String(),
		})
	}
	e.syncing = true
	e.syncGen++
	e.syncStart = e.now()
	return e.syncGen, true
}

func (e *Engine) unlock(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncGen == gen {
		e.syncing = false
	}
}

// pull downloads authoritative data and refreshes the snapshot tables.
// Honors the cool-down window after a failed pull.
func (e *Engine) pull(ctx context.Context, branchID string) error {
	e.mu.Lock()
	inCooldown := !e.lastPullFail.IsZero() && e.now().Sub(e.lastPullFail) < e.cfg.PullCooldown
	e.mu.Unlock()
	if inCooldown {
		e.log.Debug("Pull throttled by cool-down window")
		return nil
	}

	resp, err := e.api.Pull(ctx, PullRequest{BranchID: branchID, Limit: e.cfg.PullLimit})
	if err != nil {
		e.mu.Lock()
		e.lastPullFail = e.now()
		e.mu.Unlock()
		if _, serr := e.db.UpdateSyncState(ctx, func(s *models.SyncState) {
			s.LastPullFailed = true
			s.LastPullError = err.Error()
		}); serr != nil {
			e.log.Error("Failed to record pull failure", serr)
		}
		return err
	}

	applied := 0
	for dataset, rows := range resp.Data {
		records := make(map[string]json.RawMessage, len(rows))
		for _, row := range rows {
			var idHolder struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(row, &idHolder); err != nil || idHolder.ID == "" {
				e.log.Warn("Skipping pulled record without id", map[string]interface{}{"dataset": dataset})
				continue
			}
			records[idHolder.ID] = row
		}
		if err := e.db.PutBatch(ctx, dataset, records); err != nil {
			// Storage failures are fatal to the pull, not to the pass.
			return err
		}
		applied += len(records)
	}

	e.mu.Lock()
	e.lastPullFail = time.Time{}
	e.mu.Unlock()
	if _, err := e.db.UpdateSyncState(ctx, func(s *models.SyncState) {
		s.LastPullAt = e.now().Unix()
		s.LastPullFailed = false
		s.LastPullError = ""
	}); err != nil {
		e.log.Error("Failed to record pull success", err)
	}

	e.log.Info("Pull applied", map[string]interface{}{
		"datasets": len(resp.Data),
		"records":  applied,
	})
	return nil
}

// push drains the pending queue in timestamp order, batch by batch. A
// failed operation is retained with a bumped retry count; failures never
// abort the remaining operations or batches.
func (e *Engine) push(ctx context.Context, branchID string) (processed, failed int, errs []string) {
	pending, err := e.queue.ListPending(ctx)
	if err != nil {
		return 0, 0, []string{err.Error()}
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}

	for start := 0; start < len(pending); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		req := BatchPushRequest{BranchID: branchID}
		for _, op := range batch {
			req.Operations = append(req.Operations, IncomingOperation{
				ID:        op.ID,
				Type:      op.Type,
				Data:      op.Data,
				Timestamp: op.Timestamp,
			})
		}

		resp, err := e.api.BatchPush(ctx, req)
		if err != nil {
			// Transport failure: every operation in the batch stays
			// queued untouched; remaining batches would hit the same
			// wall, so stop the push here.
			if apperrors.IsNetwork(err) {
				e.monitor.ReportFailure()
			}
			errs = append(errs, err.Error())
			failed += len(batch)
			return processed, failed, errs
		}

		failedSet := make(map[string]string, len(resp.FailedIDs))
		for i, id := range resp.FailedIDs {
			msg := "operation failed"
			if i < len(resp.Errors) {
				msg = resp.Errors[i]
			}
			failedSet[id] = msg
		}

		for _, op := range batch {
			if msg, isFailed := failedSet[op.ID]; isFailed {
				failed++
				errs = append(errs, msg)
				if err := e.queue.MarkFailed(ctx, op.ID, msg); err != nil {
					e.log.Error("Failed to record operation failure", err,
						map[string]interface{}{"operation_id": op.ID})
				}
				continue
			}
			processed++
			if err := e.queue.Remove(ctx, op.ID); err != nil {
				e.log.Error("Failed to dequeue confirmed operation", err,
					map[string]interface{}{"operation_id": op.ID})
			}
		}
	}

	if _, err := e.db.UpdateSyncState(ctx, func(s *models.SyncState) {
		s.LastPushAt = e.now().Unix()
	}); err != nil {
		e.log.Error("Failed to record push completion", err)
	}

	e.log.Info("Push completed", map[string]interface{}{
		"processed": processed,
		"failed":    failed,
	})
	return processed, failed, errs
}

// Status returns the persisted sync state snapshot.
func (e *Engine) Status(ctx context.Context) (*models.SyncState, error) {
	return e.db.GetSyncState(ctx)
}
