package emagsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/lumisoft/seller_backend/models"
)

// pageFetcher is what the orchestrator needs from the fetch layer.
type pageFetcher interface {
	FetchAll(ctx context.Context, account models.MarketplaceAccount, kind models.MarketplaceItemKind, opts FetchOptions, fn func(page int, items []RemoteItem) error) error
}

// RunRequest describes one sync invocation for a single account scope.
type RunRequest struct {
	Account     models.MarketplaceAccount
	Kind        models.MarketplaceItemKind
	Mode        models.SyncRunMode
	ExternalIds []string
	TriggeredBy string
	ParentRunId *uint
	// StartPage lets a retry resume where a failed full run stopped.
	StartPage int
	Policy    ConflictPolicy
}

// RunResult pairs one account's run with its error for dual-account fan-out.
type RunResult struct {
	Account models.MarketplaceAccount
	Run     *models.SyncRun
	Err     error
}

// Orchestrator owns the sync run lifecycle: lease, run row, page loop,
// heartbeats, finalization and the post-run reconcile. One Orchestrator is
// shared by the HTTP handlers, the scheduler and the Pub/Sub consumer.
type Orchestrator struct {
	store  syncStore
	locker RunLocker
	fetch  pageFetcher
	cfg    SyncConfig
	logger *logrus.Logger
}

func NewOrchestrator(db *gorm.DB, locker RunLocker, fetcher *Fetcher, cfg SyncConfig, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Orchestrator{
		store:  &gormStore{db: db, cfg: cfg},
		locker: locker,
		fetch:  fetcher,
		cfg:    cfg,
		logger: logger,
	}
}

func runLockKey(account models.MarketplaceAccount, kind models.MarketplaceItemKind) string {
	return fmt.Sprintf("marketsync:%s:%s", account, kind)
}

// RunBoth starts one independent run per account and waits for both. The two
// runs share nothing but the process; one failing never aborts the other.
func (o *Orchestrator) RunBoth(ctx context.Context, req RunRequest) []RunResult {
	accounts := models.AllMarketplaceAccounts()
	results := make([]RunResult, len(accounts))
	var wg sync.WaitGroup
	for i, account := range accounts {
		wg.Add(1)
		go func(i int, account models.MarketplaceAccount) {
			defer wg.Done()
			sub := req
			sub.Account = account
			run, err := o.Run(ctx, sub)
			results[i] = RunResult{Account: account, Run: run, Err: err}
		}(i, account)
	}
	wg.Wait()
	return results
}

// Run executes one sync run end to end. It fails fast with ErrAlreadyRunning
// when another process holds the lease for the same scope. The returned run
// carries the outcome in its Status; an error return means the run could not
// be set up at all.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*models.SyncRun, error) {
	run, execute, err := o.begin(ctx, req, false)
	if err != nil {
		return nil, err
	}
	execute()
	return run, nil
}

// Start obtains the lease and creates the run synchronously, then executes
// the page loop detached from the caller's context. HTTP triggers use it to
// answer with a run id without holding the request open for the whole run.
func (o *Orchestrator) Start(ctx context.Context, req RunRequest) (*models.SyncRun, error) {
	run, execute, err := o.begin(ctx, req, true)
	if err != nil {
		return nil, err
	}
	go execute()
	return run, nil
}

func (o *Orchestrator) begin(ctx context.Context, req RunRequest, detach bool) (*models.SyncRun, func(), error) {
	if !req.Account.Valid() {
		return nil, nil, fmt.Errorf("invalid account %q", req.Account)
	}
	if !req.Kind.Valid() {
		return nil, nil, fmt.Errorf("invalid item kind %q", req.Kind)
	}
	if req.Mode == "" {
		req.Mode = models.SyncModeIncremental
	}
	if !req.Mode.Valid() {
		return nil, nil, fmt.Errorf("invalid sync mode %q", req.Mode)
	}
	if req.Mode == models.SyncModeSelective && len(req.ExternalIds) == 0 {
		return nil, nil, errors.New("selective sync requires at least one external id")
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = models.SyncTriggeredManual
	}
	policy := req.Policy
	if policy == nil {
		policy = RemoteWins()
	}

	lock, err := o.locker.Obtain(ctx, runLockKey(req.Account, req.Kind), o.cfg.LockTTL)
	if err != nil {
		return nil, nil, err
	}
	// Persistence and the final release must survive both the run deadline
	// and, for detached runs, the triggering request: already committed
	// pages stay committed.
	persistCtx := context.WithoutCancel(ctx)
	releaseLock := func() {
		if rerr := lock.Release(persistCtx); rerr != nil {
			o.logger.WithFields(logrus.Fields{
				"account": req.Account, "itemKind": req.Kind,
			}).Warn("sync lock release failed, lease will lapse: ", rerr)
		}
	}

	run := &models.SyncRun{
		Account:     req.Account,
		ItemKind:    req.Kind,
		Mode:        req.Mode,
		Status:      models.SyncRunStatusPending,
		TriggeredBy: req.TriggeredBy,
		ParentRunId: req.ParentRunId,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		releaseLock()
		return nil, nil, err
	}

	startedAt := time.Now().UTC()
	run.Status = models.SyncRunStatusRunning
	run.StartedAt = &startedAt
	if err := o.store.UpdateRun(ctx, run.ID, map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
	}); err != nil {
		releaseLock()
		return nil, nil, err
	}

	o.logger.WithFields(logrus.Fields{
		"account": req.Account, "itemKind": req.Kind,
		"mode": req.Mode, "syncRunId": run.ID, "triggeredBy": req.TriggeredBy,
	}).Info("sync run started")

	base := ctx
	if detach {
		base = persistCtx
	}

	execute := func() {
		defer releaseLock()

		runCtx, cancel := context.WithTimeout(base, o.cfg.RunTimeout)
		defer cancel()

		opts := o.fetchOptions(req)
		var total BatchResult
		fetchErr := o.fetch.FetchAll(runCtx, req.Account, req.Kind, opts, func(page int, items []RemoteItem) error {
			res, upErr := o.store.UpsertItems(persistCtx, run.ID, items, policy)
			total.merge(res)
			o.heartbeat(persistCtx, run, page, &total, opts)
			if rerr := lock.Refresh(persistCtx, o.cfg.LockTTL); rerr != nil {
				o.logger.WithFields(logrus.Fields{"syncRunId": run.ID}).
					Warn("sync lock refresh failed: ", rerr)
			}
			if upErr != nil {
				return upErr
			}
			// Wall-clock budget is checked between pages only; the page
			// that just landed stays committed.
			return runCtx.Err()
		})

		o.finalize(persistCtx, run, req, &total, fetchErr, startedAt)
	}
	return run, execute, nil
}

func (o *Orchestrator) fetchOptions(req RunRequest) FetchOptions {
	opts := FetchOptions{
		PageSize:  o.cfg.PageSize,
		StartPage: req.StartPage,
		MaxPages:  o.cfg.MaxPages,
		PageDelay: o.cfg.PageDelay,
	}
	switch req.Mode {
	case models.SyncModeIncremental:
		since := time.Now().UTC().Add(-o.cfg.LookbackWindow)
		opts.UpdatedSince = &since
	case models.SyncModeSelective:
		opts.ExternalIds = req.ExternalIds
	}
	return opts
}

func (o *Orchestrator) heartbeat(ctx context.Context, run *models.SyncRun, page int, total *BatchResult, opts FetchOptions) {
	percent := 0.0
	if opts.MaxPages > 0 {
		percent = float64(page) / float64(opts.MaxPages) * 100
		if percent > 99 {
			percent = 99
		}
	}
	progress := &models.SyncProgress{
		Account:       run.Account,
		ItemKind:      run.ItemKind,
		SyncRunId:     run.ID,
		CurrentPage:   page,
		ItemsSeen:     total.Seen(),
		Percent:       percent,
		LastHeartbeat: time.Now().UTC(),
	}
	if err := o.store.SaveProgress(ctx, progress); err != nil {
		o.logger.WithFields(logrus.Fields{"syncRunId": run.ID}).
			Warn("sync progress write failed: ", err)
	}
}

func (o *Orchestrator) finalize(ctx context.Context, run *models.SyncRun, req RunRequest, total *BatchResult, fetchErr error, startedAt time.Time) {
	status := models.SyncRunStatusCompleted
	summary := ""
	var resumePage *int

	var pageErr *PageFetchError
	switch {
	case fetchErr == nil:
	case errors.Is(fetchErr, context.DeadlineExceeded):
		status = models.SyncRunStatusTimedOut
		summary = fmt.Sprintf("run exceeded the %s wall clock budget; pages committed so far are kept", o.cfg.RunTimeout)
	case errors.As(fetchErr, &pageErr):
		if req.Mode == models.SyncModeFull {
			status = models.SyncRunStatusFailed
			page := pageErr.Page
			resumePage = &page
			summary = fetchErr.Error()
		} else {
			// Incremental and selective runs tolerate a lost page; the
			// lookback window of the next run covers the gap.
			summary = fmt.Sprintf("stopped early: %v", fetchErr)
		}
	default:
		status = models.SyncRunStatusFailed
		summary = fetchErr.Error()
	}

	if n := len(total.Failed); n > 0 {
		note := fmt.Sprintf("%d items failed and were skipped", n)
		if summary == "" {
			summary = note
		} else {
			summary = summary + "; " + note
		}
	}

	if status == models.SyncRunStatusCompleted && req.Mode == models.SyncModeFull {
		deactivated, err := o.store.DeactivateMissing(ctx, req.Account, req.Kind, startedAt)
		if err != nil {
			o.logger.WithFields(logrus.Fields{"syncRunId": run.ID}).
				Warn("deactivate pass failed: ", err)
		} else if deactivated > 0 {
			o.logger.WithFields(logrus.Fields{
				"syncRunId": run.ID, "deactivated": deactivated,
			}).Info("deactivated records missing from remote")
		}
	}

	if status == models.SyncRunStatusCompleted && req.Kind == models.ItemKindOffer && len(total.ChangedIds) > 0 {
		if _, err := o.store.Reconcile(ctx, req.Account, total.ChangedIds); err != nil {
			o.logger.WithFields(logrus.Fields{"syncRunId": run.ID}).
				Warn("inventory reconcile failed: ", err)
		}
	}

	completedAt := time.Now().UTC()
	updates := map[string]interface{}{
		"status":          status,
		"items_seen":      total.Seen(),
		"items_created":   total.Created,
		"items_updated":   total.Updated,
		"items_unchanged": total.Unchanged,
		"items_failed":    len(total.Failed),
		"error_summary":   summary,
		"completed_at":    completedAt,
		"duration_ms":     completedAt.Sub(startedAt).Milliseconds(),
	}
	if resumePage != nil {
		updates["resume_page"] = *resumePage
	}
	if err := o.store.UpdateRun(ctx, run.ID, updates); err != nil {
		o.logger.WithFields(logrus.Fields{"syncRunId": run.ID}).
			Error("sync run finalize failed: ", err)
	}

	run.Status = status
	run.ItemsSeen = total.Seen()
	run.ItemsCreated = total.Created
	run.ItemsUpdated = total.Updated
	run.ItemsUnchanged = total.Unchanged
	run.ItemsFailed = len(total.Failed)
	run.ErrorSummary = summary
	run.ResumePage = resumePage
	run.CompletedAt = &completedAt
	run.DurationMs = completedAt.Sub(startedAt).Milliseconds()

	entry := o.logger.WithFields(logrus.Fields{
		"account": run.Account, "itemKind": run.ItemKind, "syncRunId": run.ID,
		"status": status, "itemsSeen": run.ItemsSeen, "itemsFailed": run.ItemsFailed,
		"durationMs": run.DurationMs,
	})
	if status == models.SyncRunStatusCompleted {
		entry.Info("sync run finished")
	} else {
		entry.Warn("sync run finished: ", summary)
	}
}

// ReapStaleRuns finalizes runs whose heartbeat went silent past the
// configured threshold. The dead holder's lease is never force-released; it
// lapses on its own TTL, so a live holder is never robbed of its lock.
func (o *Orchestrator) ReapStaleRuns(ctx context.Context) (int, error) {
	staleBefore := time.Now().UTC().Add(-o.cfg.HeartbeatThreshold)
	runs, err := o.store.FindStaleRuns(ctx, staleBefore)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, run := range runs {
		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":        models.SyncRunStatusTimedOut,
			"error_summary": "heartbeat went stale; run finalized by watchdog",
			"completed_at":  now,
		}
		if run.StartedAt != nil {
			updates["duration_ms"] = now.Sub(*run.StartedAt).Milliseconds()
		}
		if err := o.store.UpdateRun(ctx, run.ID, updates); err != nil {
			o.logger.WithFields(logrus.Fields{"syncRunId": run.ID}).
				Error("watchdog finalize failed: ", err)
			continue
		}
		o.logger.WithFields(logrus.Fields{
			"account": run.Account, "itemKind": run.ItemKind, "syncRunId": run.ID,
		}).Warn("watchdog finalized abandoned sync run")
		reaped++
	}
	return reaped, nil
}
