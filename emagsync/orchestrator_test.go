package emagsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/lumisoft/seller_backend/models"
)

type fakeStore struct {
	mu          sync.Mutex
	nextId      uint
	runs        map[uint]*models.SyncRun
	updates     map[uint][]map[string]interface{}
	progress    []models.SyncProgress
	upsertCalls int
	upsertFn    func(items []RemoteItem) (BatchResult, error)
	deactivated []time.Time
	reconciled  [][]string
	stale       []models.SyncRun
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:    map[uint]*models.SyncRun{},
		updates: map[uint][]map[string]interface{}{},
	}
}

func (s *fakeStore) CreateRun(_ context.Context, run *models.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextId++
	run.ID = s.nextId
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *fakeStore) UpdateRun(_ context.Context, runId uint, updates map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[runId] = append(s.updates[runId], updates)
	return nil
}

func (s *fakeStore) SaveProgress(_ context.Context, p *models.SyncProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, *p)
	return nil
}

func (s *fakeStore) UpsertItems(_ context.Context, _ uint, items []RemoteItem, _ ConflictPolicy) (BatchResult, error) {
	s.mu.Lock()
	s.upsertCalls++
	fn := s.upsertFn
	s.mu.Unlock()
	if fn != nil {
		return fn(items)
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ExternalId)
	}
	return BatchResult{Created: len(items), ChangedIds: ids}, nil
}

func (s *fakeStore) DeactivateMissing(_ context.Context, _ models.MarketplaceAccount, _ models.MarketplaceItemKind, seenBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated = append(s.deactivated, seenBefore)
	return 0, nil
}

func (s *fakeStore) Reconcile(_ context.Context, _ models.MarketplaceAccount, changedIds []string) (ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciled = append(s.reconciled, changedIds)
	return ReconcileResult{ItemsAffected: len(changedIds)}, nil
}

func (s *fakeStore) FindStaleRuns(context.Context, time.Time) ([]models.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale, nil
}

func (s *fakeStore) lastUpdate(runId uint) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.updates[runId]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type fakeLocker struct {
	mu        sync.Mutex
	held      map[string]bool
	refreshes int
	releases  int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (l *fakeLocker) Obtain(_ context.Context, key string, _ time.Duration) (RunLock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrAlreadyRunning
	}
	l.held[key] = true
	return &fakeLock{locker: l, key: key}, nil
}

type fakeLock struct {
	locker *fakeLocker
	key    string
}

func (f *fakeLock) Refresh(context.Context, time.Duration) error {
	f.locker.mu.Lock()
	defer f.locker.mu.Unlock()
	f.locker.refreshes++
	return nil
}

func (f *fakeLock) Release(context.Context) error {
	f.locker.mu.Lock()
	defer f.locker.mu.Unlock()
	delete(f.locker.held, f.key)
	f.locker.releases++
	return nil
}

type fakeFetcher struct {
	mu          sync.Mutex
	pages       map[models.MarketplaceAccount][][]RemoteItem
	failAccount models.MarketplaceAccount
	failPage    int
	pageSleep   time.Duration
	gotOpts     []FetchOptions
}

func (f *fakeFetcher) FetchAll(ctx context.Context, account models.MarketplaceAccount, _ models.MarketplaceItemKind, opts FetchOptions, fn func(page int, items []RemoteItem) error) error {
	f.mu.Lock()
	f.gotOpts = append(f.gotOpts, opts)
	pages := f.pages[account]
	f.mu.Unlock()

	start := opts.StartPage
	if start <= 0 {
		start = 1
	}
	for page := start; page <= len(pages); page++ {
		if f.pageSleep > 0 {
			time.Sleep(f.pageSleep)
		}
		if f.failPage == page && (f.failAccount == "" || f.failAccount == account) {
			return &PageFetchError{Page: page, LastGoodPage: page - 1, Err: errors.New("boom")}
		}
		if err := fn(page, pages[page-1]); err != nil {
			return err
		}
	}
	return nil
}

func makeItems(offset, n int) []RemoteItem {
	items := make([]RemoteItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, RemoteItem{
			ExternalId: fmt.Sprintf("%d", offset+i+1),
			Account:    models.AccountMAIN,
			Kind:       models.ItemKindOffer,
			Sku:        fmt.Sprintf("SKU-%d", offset+i+1),
		})
	}
	return items
}

func testSyncConfig() SyncConfig {
	return SyncConfig{
		PageSize:           100,
		MaxPages:           10,
		BatchSize:          100,
		LookbackWindow:     time.Hour,
		RunTimeout:         time.Minute,
		LockTTL:            time.Second,
		HeartbeatThreshold: time.Minute,
		LowStockThreshold:  2,
	}
}

func newTestOrchestrator(store syncStore, locker RunLocker, fetch pageFetcher, cfg SyncConfig) *Orchestrator {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Orchestrator{store: store, locker: locker, fetch: fetch, cfg: cfg, logger: logger}
}

func TestRunCompletesCleanFullSync(t *testing.T) {
	store := newFakeStore()
	locker := newFakeLocker()
	fetcher := &fakeFetcher{pages: map[models.MarketplaceAccount][][]RemoteItem{
		models.AccountMAIN: {makeItems(0, 100), makeItems(100, 100), makeItems(200, 50)},
	}}
	o := newTestOrchestrator(store, locker, fetcher, testSyncConfig())

	run, err := o.Run(context.Background(), RunRequest{
		Account: models.AccountMAIN,
		Kind:    models.ItemKindOffer,
		Mode:    models.SyncModeFull,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != models.SyncRunStatusCompleted {
		t.Fatalf("status = %s (%s)", run.Status, run.ErrorSummary)
	}
	if run.ItemsSeen != 250 || run.ItemsCreated != 250 {
		t.Fatalf("seen = %d, created = %d", run.ItemsSeen, run.ItemsCreated)
	}
	if len(store.deactivated) != 1 {
		t.Fatalf("deactivate passes = %d, want 1 for a clean full run", len(store.deactivated))
	}
	if len(store.reconciled) != 1 || len(store.reconciled[0]) != 250 {
		t.Fatalf("reconcile calls = %v", len(store.reconciled))
	}
	if len(store.progress) != 3 {
		t.Fatalf("heartbeats = %d, want one per page", len(store.progress))
	}
	if locker.refreshes != 3 {
		t.Fatalf("lease refreshes = %d, want one per page", locker.refreshes)
	}
	if locker.releases != 1 || len(locker.held) != 0 {
		t.Fatalf("lock not released: releases = %d, held = %v", locker.releases, locker.held)
	}
	if got := store.lastUpdate(run.ID)["status"]; got != models.SyncRunStatusCompleted {
		t.Fatalf("persisted status = %v", got)
	}
}

func TestRunFailsFastWhenLockHeld(t *testing.T) {
	store := newFakeStore()
	locker := newFakeLocker()
	fetcher := &fakeFetcher{pages: map[models.MarketplaceAccount][][]RemoteItem{}}
	o := newTestOrchestrator(store, locker, fetcher, testSyncConfig())

	if _, err := locker.Obtain(context.Background(), runLockKey(models.AccountMAIN, models.ItemKindOffer), time.Second); err != nil {
		t.Fatal(err)
	}

	_, err := o.Run(context.Background(), RunRequest{
		Account: models.AccountMAIN,
		Kind:    models.ItemKindOffer,
	})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if len(store.runs) != 0 {
		t.Fatal("no run row may be created when the lease is held")
	}

	// The same scope on the other account is unaffected.
	fetcher.pages[models.AccountFBE] = [][]RemoteItem{makeItems(0, 5)}
	run, err := o.Run(context.Background(), RunRequest{
		Account: models.AccountFBE,
		Kind:    models.ItemKindOffer,
	})
	if err != nil {
		t.Fatalf("FBE run: %v", err)
	}
	if run.Status != models.SyncRunStatusCompleted {
		t.Fatalf("FBE status = %s", run.Status)
	}
}

func TestRunFullPageFailureRecordsResume(t *testing.T) {
	store := newFakeStore()
	locker := newFakeLocker()
	fetcher := &fakeFetcher{
		pages: map[models.MarketplaceAccount][][]RemoteItem{
			models.AccountMAIN: {makeItems(0, 100), makeItems(100, 100), makeItems(200, 50)},
		},
		failPage: 2,
	}
	o := newTestOrchestrator(store, locker, fetcher, testSyncConfig())

	run, err := o.Run(context.Background(), RunRequest{
		Account: models.AccountMAIN,
		Kind:    models.ItemKindOffer,
		Mode:    models.SyncModeFull,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != models.SyncRunStatusFailed {
		t.Fatalf("status = %s", run.Status)
	}
	if run.ResumePage == nil || *run.ResumePage != 2 {
		t.Fatalf("resume page = %v, want 2", run.ResumePage)
	}
	if run.ItemsCreated != 100 {
		t.Fatalf("created = %d, page 1 must stay committed", run.ItemsCreated)
	}
	if len(store.deactivated) != 0 {
		t.Fatal("a failed full run must not deactivate anything")
	}
	if locker.releases != 1 {
		t.Fatalf("lock releases = %d", locker.releases)
	}
}

func TestRunIncrementalToleratesPageFailure(t *testing.T) {
	store := newFakeStore()
	locker := newFakeLocker()
	fetcher := &fakeFetcher{
		pages: map[models.MarketplaceAccount][][]RemoteItem{
			models.AccountMAIN: {makeItems(0, 100), makeItems(100, 100)},
		},
		failPage: 2,
	}
	o := newTestOrchestrator(store, locker, fetcher, testSyncConfig())

	run, err := o.Run(context.Background(), RunRequest{
		Account: models.AccountMAIN,
		Kind:    models.ItemKindOffer,
		Mode:    models.SyncModeIncremental,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != models.SyncRunStatusCompleted {
		t.Fatalf("status = %s, incremental runs absorb a lost page", run.Status)
	}
	if run.ErrorSummary == "" {
		t.Fatal("the lost page must be noted in the summary")
	}
	if run.ResumePage != nil {
		t.Fatal("incremental runs do not record a resume page")
	}
}

func TestRunTimesOutAtPageBoundary(t *testing.T) {
	store := newFakeStore()
	locker := newFakeLocker()
	fetcher := &fakeFetcher{
		pages: map[models.MarketplaceAccount][][]RemoteItem{
			models.AccountMAIN: {makeItems(0, 100), makeItems(100, 100), makeItems(200, 100)},
		},
		pageSleep: 30 * time.Millisecond,
	}
	cfg := testSyncConfig()
	cfg.RunTimeout = 40 * time.Millisecond
	o := newTestOrchestrator(store, locker, fetcher, cfg)

	run, err := o.Run(context.Background(), RunRequest{
		Account: models.AccountMAIN,
		Kind:    models.ItemKindOffer,
		Mode:    models.SyncModeFull,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != models.SyncRunStatusTimedOut {
		t.Fatalf("status = %s", run.Status)
	}
	if run.ItemsCreated == 0 {
		t.Fatal("pages committed before the deadline must be kept")
	}
	if run.ItemsCreated == 300 {
		t.Fatal("run should have stopped before the last page")
	}
	if locker.releases != 1 {
		t.Fatalf("lock releases = %d", locker.releases)
	}
}

func TestRunBothRunsIndependently(t *testing.T) {
	store := newFakeStore()
	locker := newFakeLocker()
	fetcher := &fakeFetcher{
		pages: map[models.MarketplaceAccount][][]RemoteItem{
			models.AccountMAIN: {makeItems(0, 10)},
			models.AccountFBE:  {makeItems(0, 10)},
		},
		failAccount: models.AccountFBE,
		failPage:    1,
	}
	o := newTestOrchestrator(store, locker, fetcher, testSyncConfig())

	results := o.RunBoth(context.Background(), RunRequest{
		Kind: models.ItemKindOffer,
		Mode: models.SyncModeFull,
	})
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}

	byAccount := map[models.MarketplaceAccount]RunResult{}
	for _, res := range results {
		byAccount[res.Account] = res
	}
	main := byAccount[models.AccountMAIN]
	if main.Err != nil || main.Run.Status != models.SyncRunStatusCompleted {
		t.Fatalf("MAIN: err=%v status=%v", main.Err, main.Run.Status)
	}
	fbe := byAccount[models.AccountFBE]
	if fbe.Err != nil || fbe.Run.Status != models.SyncRunStatusFailed {
		t.Fatalf("FBE failure must not touch MAIN: err=%v status=%v", fbe.Err, fbe.Run.Status)
	}
	if main.Run.ID == fbe.Run.ID {
		t.Fatal("dual-account sync must produce two independent runs")
	}
}

func TestRunModeShapesFetchOptions(t *testing.T) {
	store := newFakeStore()
	locker := newFakeLocker()
	fetcher := &fakeFetcher{pages: map[models.MarketplaceAccount][][]RemoteItem{
		models.AccountMAIN: {makeItems(0, 1)},
	}}
	o := newTestOrchestrator(store, locker, fetcher, testSyncConfig())

	if _, err := o.Run(context.Background(), RunRequest{
		Account: models.AccountMAIN, Kind: models.ItemKindOffer, Mode: models.SyncModeFull,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(context.Background(), RunRequest{
		Account: models.AccountMAIN, Kind: models.ItemKindOffer, Mode: models.SyncModeIncremental,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(context.Background(), RunRequest{
		Account: models.AccountMAIN, Kind: models.ItemKindOffer,
		Mode: models.SyncModeSelective, ExternalIds: []string{"7", "9"},
	}); err != nil {
		t.Fatal(err)
	}

	if fetcher.gotOpts[0].UpdatedSince != nil {
		t.Fatal("full mode must not send a modified-after filter")
	}
	if fetcher.gotOpts[1].UpdatedSince == nil {
		t.Fatal("incremental mode must send a modified-after filter")
	}
	if len(fetcher.gotOpts[2].ExternalIds) != 2 {
		t.Fatal("selective mode must pass the requested ids")
	}
}

func TestRunSelectiveRequiresIds(t *testing.T) {
	o := newTestOrchestrator(newFakeStore(), newFakeLocker(), &fakeFetcher{}, testSyncConfig())
	_, err := o.Run(context.Background(), RunRequest{
		Account: models.AccountMAIN,
		Kind:    models.ItemKindOffer,
		Mode:    models.SyncModeSelective,
	})
	if err == nil {
		t.Fatal("selective mode without ids must be rejected")
	}
}

func TestRunItemFailuresStillComplete(t *testing.T) {
	store := newFakeStore()
	store.upsertFn = func(items []RemoteItem) (BatchResult, error) {
		return BatchResult{
			Created: len(items) - 2,
			Failed: []ItemFailure{
				{Item: items[0], Err: errors.New("bad payload")},
				{Item: items[1], Err: errors.New("bad payload")},
			},
		}, nil
	}
	fetcher := &fakeFetcher{pages: map[models.MarketplaceAccount][][]RemoteItem{
		models.AccountMAIN: {makeItems(0, 10)},
	}}
	o := newTestOrchestrator(store, newFakeLocker(), fetcher, testSyncConfig())

	run, err := o.Run(context.Background(), RunRequest{
		Account: models.AccountMAIN, Kind: models.ItemKindOffer, Mode: models.SyncModeIncremental,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != models.SyncRunStatusCompleted {
		t.Fatalf("isolated item failures must not fail the run, status = %s", run.Status)
	}
	if run.ItemsFailed != 2 {
		t.Fatalf("items failed = %d", run.ItemsFailed)
	}
	if run.ErrorSummary == "" {
		t.Fatal("item failures must be summarized")
	}
}

func TestRunTransientUpsertErrorFailsRun(t *testing.T) {
	store := newFakeStore()
	store.upsertFn = func(items []RemoteItem) (BatchResult, error) {
		return BatchResult{}, errors.New("connection reset")
	}
	fetcher := &fakeFetcher{pages: map[models.MarketplaceAccount][][]RemoteItem{
		models.AccountMAIN: {makeItems(0, 10)},
	}}
	o := newTestOrchestrator(store, newFakeLocker(), fetcher, testSyncConfig())

	run, err := o.Run(context.Background(), RunRequest{
		Account: models.AccountMAIN, Kind: models.ItemKindOffer,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != models.SyncRunStatusFailed {
		t.Fatalf("status = %s", run.Status)
	}
}

func TestRunRetryResumesFromStartPage(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{pages: map[models.MarketplaceAccount][][]RemoteItem{
		models.AccountMAIN: {makeItems(0, 100), makeItems(100, 100), makeItems(200, 50)},
	}}
	o := newTestOrchestrator(store, newFakeLocker(), fetcher, testSyncConfig())

	parentId := uint(41)
	run, err := o.Run(context.Background(), RunRequest{
		Account:     models.AccountMAIN,
		Kind:        models.ItemKindOffer,
		Mode:        models.SyncModeFull,
		TriggeredBy: models.SyncTriggeredRetry,
		ParentRunId: &parentId,
		StartPage:   2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.ItemsSeen != 150 {
		t.Fatalf("seen = %d, want pages 2..3 only", run.ItemsSeen)
	}
	if run.ParentRunId == nil || *run.ParentRunId != parentId {
		t.Fatal("retry lineage not recorded")
	}
	if fetcher.gotOpts[0].StartPage != 2 {
		t.Fatalf("start page = %d", fetcher.gotOpts[0].StartPage)
	}
}

func TestReapStaleRuns(t *testing.T) {
	store := newFakeStore()
	started := time.Now().Add(-time.Hour)
	store.stale = []models.SyncRun{
		{ID: 7, Account: models.AccountMAIN, ItemKind: models.ItemKindOffer, Status: models.SyncRunStatusRunning, StartedAt: &started},
	}
	o := newTestOrchestrator(store, newFakeLocker(), &fakeFetcher{}, testSyncConfig())

	reaped, err := o.ReapStaleRuns(context.Background())
	if err != nil {
		t.Fatalf("ReapStaleRuns: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d", reaped)
	}
	update := store.lastUpdate(7)
	if update["status"] != models.SyncRunStatusTimedOut {
		t.Fatalf("status update = %v", update["status"])
	}
}
