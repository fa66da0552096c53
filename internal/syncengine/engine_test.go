package syncengine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcomamdouh99/newsync/internal/connectivity"
	apperrors "github.com/marcomamdouh99/newsync/internal/errors"
	"github.com/marcomamdouh99/newsync/internal/models"
	"github.com/marcomamdouh99/newsync/internal/queue"
	"github.com/marcomamdouh99/newsync/internal/store"
)

type fakeAPI struct {
	mu        sync.Mutex
	pullResp  PullResponse
	pullErr   error
	pullCalls int
	pullGate  chan struct{} // when set, Pull blocks until the gate closes
	pushed    [][]IncomingOperation
	failIDs   map[string]string
}

func (f *fakeAPI) Ping(ctx context.Context) error { return nil }

func (f *fakeAPI) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	f.mu.Lock()
	f.pullCalls++
	gate := f.pullGate
	err := f.pullErr
	resp := f.pullResp
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	resp.Success = true
	return &resp, nil
}

func (f *fakeAPI) BatchPush(ctx context.Context, req BatchPushRequest) (*BatchPushResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, req.Operations)

	resp := &BatchPushResponse{Success: true}
	for _, op := range req.Operations {
		if msg, ok := f.failIDs[op.ID]; ok {
			resp.Failed++
			resp.FailedIDs = append(resp.FailedIDs, op.ID)
			resp.Errors = append(resp.Errors, msg)
			resp.Success = false
			continue
		}
		resp.Processed++
	}
	return resp, nil
}

func (f *fakeAPI) pushedOps() []IncomingOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []IncomingOperation
	for _, batch := range f.pushed {
		all = append(all, batch...)
	}
	return all
}

type okProbe struct{}

func (okProbe) Check(ctx context.Context) error { return nil }

func newTestEngine(t *testing.T, api ServerAPI) (*Engine, *store.DB, *queue.OperationQueue) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	q := queue.New(db, queue.Config{BranchID: "branch-1"})
	monitor := connectivity.NewMonitor(okProbe{}, time.Minute)
	monitor.Check(context.Background())

	eng := New(db, q, monitor, api, nil, DefaultConfig())
	if err := eng.Initialize(context.Background(), "branch-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return eng, db, q
}

func TestInitializeIdempotent(t *testing.T) {
	eng, db, _ := newTestEngine(t, &fakeAPI{})
	ctx := context.Background()

	if err := eng.Initialize(ctx, "branch-1"); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	state, err := db.GetSyncState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.BranchID != "branch-1" {
		t.Errorf("branch id = %q, want branch-1", state.BranchID)
	}
}

func TestSyncAllDrainsQueueInOrder(t *testing.T) {
	api := &fakeAPI{}
	eng, _, q := newTestEngine(t, api)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, models.OpCreateOrder, map[string]interface{}{"seq": i})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	result := eng.SyncAll(ctx)
	if !result.Success {
		t.Fatalf("sync failed: %v", result.Errors)
	}
	if result.OperationsProcessed != 3 {
		t.Errorf("processed = %d, want 3", result.OperationsProcessed)
	}

	pushed := api.pushedOps()
	if len(pushed) != 3 {
		t.Fatalf("server received %d operations, want 3", len(pushed))
	}
	for i, op := range pushed {
		if op.ID != ids[i] {
			t.Errorf("operation %d pushed as %s, want %s", i, op.ID, ids[i])
		}
	}

	pending, err := q.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("queue still holds %d operations after successful sync", len(pending))
	}
}

func TestSyncAllRetainsFailedOperations(t *testing.T) {
	api := &fakeAPI{failIDs: map[string]string{}}
	eng, _, q := newTestEngine(t, api)
	ctx := context.Background()

	okID, err := q.Enqueue(ctx, models.OpCreateOrder, map[string]interface{}{"n": 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	badID, err := q.Enqueue(ctx, models.OpUpdateInventory, map[string]interface{}{"n": 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	api.mu.Lock()
	api.failIDs[badID] = "Invalid ingredient ID"
	api.mu.Unlock()

	result := eng.SyncAll(ctx)
	if result.Success {
		t.Error("sync reported success despite a failed operation")
	}
	if result.OperationsProcessed != 1 || result.OperationsFailed != 1 {
		t.Errorf("processed/failed = %d/%d, want 1/1",
			result.OperationsProcessed, result.OperationsFailed)
	}

	pending, err := q.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want only the failed operation", len(pending))
	}
	if pending[0].ID != badID {
		t.Errorf("retained %s, want %s", pending[0].ID, badID)
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", pending[0].RetryCount)
	}
	if pending[0].LastError == "" {
		t.Error("failed operation has no recorded cause")
	}
	for _, op := range pending {
		if op.ID == okID {
			t.Error("succeeded operation still pending")
		}
	}
}

func TestSyncAllSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{pullGate: gate}
	eng, _, _ := newTestEngine(t, api)
	ctx := context.Background()

	done := make(chan SyncResult, 1)
	go func() { done <- eng.SyncAll(ctx) }()

	// Wait for the first pass to reach the blocked pull.
	deadline := time.After(2 * time.Second)
	for {
		api.mu.Lock()
		started := api.pullCalls > 0
		api.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first pass never reached pull")
		case <-time.After(5 * time.Millisecond):
		}
	}

	second := eng.SyncAll(ctx)
	if second.Success {
		t.Error("concurrent sync was not rejected")
	}
	if len(second.Errors) == 0 || !strings.Contains(second.Errors[0], string(apperrors.ErrSyncInProgress)) {
		t.Errorf("concurrent sync error = %v, want sync-in-progress", second.Errors)
	}

	close(gate)
	first := <-done
	if !first.Success {
		t.Errorf("first pass failed: %v", first.Errors)
	}
}

func TestSyncLockSelfExpires(t *testing.T) {
	eng, _, _ := newTestEngine(t, &fakeAPI{})

	clock := time.Now()
	eng.now = func() time.Time { return clock }

	gen1, ok := eng.tryLock()
	if !ok {
		t.Fatal("first lock refused")
	}
	if _, ok := eng.tryLock(); ok {
		t.Fatal("lock acquired while held and fresh")
	}

	clock = clock.Add(eng.cfg.SyncTimeout + time.Second)
	gen2, ok := eng.tryLock()
	if !ok {
		t.Fatal("expired lock was not stolen")
	}
	if gen2 == gen1 {
		t.Fatal("stolen lock reused the expired pass token")
	}

	// The expired pass finishing late must not release the new holder.
	eng.unlock(gen1)
	if _, ok := eng.tryLock(); ok {
		t.Error("stale unlock released the current pass's lock")
	}
	eng.unlock(gen2)
	if _, ok := eng.tryLock(); !ok {
		t.Error("lock not reacquirable after current pass unlocked")
	}
}

func TestPullFailureIsNonFatal(t *testing.T) {
	api := &fakeAPI{pullErr: apperrors.New(apperrors.ErrNetworkUnreachable, "connection refused")}
	eng, db, q := newTestEngine(t, api)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, models.OpCreateOrder, map[string]interface{}{"n": 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := eng.SyncAll(ctx)
	if result.OperationsProcessed != 1 {
		t.Errorf("push did not run after pull failure: processed = %d", result.OperationsProcessed)
	}
	if len(result.Errors) == 0 {
		t.Error("pull failure not surfaced in result")
	}

	state, err := db.GetSyncState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !state.LastPullFailed {
		t.Error("pull failure not recorded in sync state")
	}
	if state.LastPullError == "" {
		t.Error("pull failure cause not recorded")
	}
}

func TestPullCooldownThrottlesRetries(t *testing.T) {
	api := &fakeAPI{pullErr: apperrors.New(apperrors.ErrNetworkUnreachable, "connection refused")}
	eng, _, _ := newTestEngine(t, api)
	ctx := context.Background()

	clock := time.Now()
	eng.now = func() time.Time { return clock }

	eng.SyncAll(ctx)
	eng.SyncAll(ctx) // inside the cool-down window

	api.mu.Lock()
	calls := api.pullCalls
	api.mu.Unlock()
	if calls != 1 {
		t.Fatalf("pull attempted %d times inside cool-down, want 1", calls)
	}

	clock = clock.Add(eng.cfg.PullCooldown + time.Second)
	eng.SyncAll(ctx)

	api.mu.Lock()
	calls = api.pullCalls
	api.mu.Unlock()
	if calls != 2 {
		t.Errorf("pull not retried after cool-down elapsed: calls = %d", calls)
	}
}

func TestPullRefreshesSnapshots(t *testing.T) {
	api := &fakeAPI{
		pullResp: PullResponse{
			Data: map[string][]json.RawMessage{
				models.EntityMenuItem: {
					json.RawMessage(`{"id":"m1","name":"Espresso","price":3.5}`),
					json.RawMessage(`{"id":"m2","name":"Latte","price":4.5}`),
				},
			},
		},
	}
	eng, db, _ := newTestEngine(t, api)
	ctx := context.Background()

	result := eng.SyncAll(ctx)
	if !result.Success {
		t.Fatalf("sync failed: %v", result.Errors)
	}

	snaps, err := db.GetAll(ctx, models.EntityMenuItem)
	if err != nil {
		t.Fatalf("read snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("cached %d menu items, want 2", len(snaps))
	}

	var item models.MenuItem
	if err := db.Get(ctx, models.EntityMenuItem, "m1", &item); err != nil {
		t.Fatalf("get m1: %v", err)
	}
	if item.Name != "Espresso" {
		t.Errorf("m1 name = %q, want Espresso", item.Name)
	}

	state, err := db.GetSyncState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.LastPullAt == 0 {
		t.Error("last pull timestamp not recorded")
	}
}

func TestQueueOperationWorksOffline(t *testing.T) {
	api := &fakeAPI{}
	eng, _, q := newTestEngine(t, api)
	ctx := context.Background()

	eng.monitor.SetHint(ctx, false)

	id, err := eng.QueueOperation(ctx, models.OpCreateShift, map[string]interface{}{"cashier": "u1"})
	if err != nil {
		t.Fatalf("queue while offline: %v", err)
	}
	if id == "" {
		t.Fatal("no operation id returned")
	}

	pending, err := q.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if len(api.pushedOps()) != 0 {
		t.Error("offline enqueue reached the server")
	}
}

func TestSyncAllRequiresInitialization(t *testing.T) {
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := queue.New(db, queue.Config{BranchID: "branch-1"})
	monitor := connectivity.NewMonitor(okProbe{}, time.Minute)
	eng := New(db, q, monitor, &fakeAPI{}, nil, DefaultConfig())

	result := eng.SyncAll(context.Background())
	if result.Success {
		t.Error("sync succeeded without initialization")
	}
}
