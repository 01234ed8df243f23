package emagsync

import (
	"context"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/lumisoft/seller_backend/models"
)

// syncStore is the persistence surface the orchestrator drives. gormStore is
// the real one; tests swap in an in-memory fake.
type syncStore interface {
	CreateRun(ctx context.Context, run *models.SyncRun) error
	UpdateRun(ctx context.Context, runId uint, updates map[string]interface{}) error
	SaveProgress(ctx context.Context, progress *models.SyncProgress) error
	UpsertItems(ctx context.Context, runId uint, items []RemoteItem, policy ConflictPolicy) (BatchResult, error)
	DeactivateMissing(ctx context.Context, account models.MarketplaceAccount, kind models.MarketplaceItemKind, seenBefore time.Time) (int64, error)
	Reconcile(ctx context.Context, account models.MarketplaceAccount, changedIds []string) (ReconcileResult, error)
	FindStaleRuns(ctx context.Context, staleBefore time.Time) ([]models.SyncRun, error)
}

type gormStore struct {
	db  *gorm.DB
	cfg SyncConfig
}

func (s *gormStore) CreateRun(ctx context.Context, run *models.SyncRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *gormStore) UpdateRun(ctx context.Context, runId uint, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&models.SyncRun{}).
		Where("id = ?", runId).
		Updates(updates).Error
}

func (s *gormStore) SaveProgress(ctx context.Context, progress *models.SyncProgress) error {
	res := s.db.WithContext(ctx).Model(&models.SyncProgress{}).
		Where("account = ? AND item_kind = ?", progress.Account, progress.ItemKind).
		Updates(map[string]interface{}{
			"sync_run_id":    progress.SyncRunId,
			"current_page":   progress.CurrentPage,
			"items_seen":     progress.ItemsSeen,
			"percent":        progress.Percent,
			"last_heartbeat": progress.LastHeartbeat,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(progress).Error
}

func (s *gormStore) UpsertItems(ctx context.Context, runId uint, items []RemoteItem, policy ConflictPolicy) (BatchResult, error) {
	return UpsertBatch(ctx, s.db, runId, items, policy, s.cfg.BatchSize)
}

func (s *gormStore) DeactivateMissing(ctx context.Context, account models.MarketplaceAccount, kind models.MarketplaceItemKind, seenBefore time.Time) (int64, error) {
	return DeactivateMissing(ctx, s.db, account, kind, seenBefore)
}

func (s *gormStore) Reconcile(ctx context.Context, account models.MarketplaceAccount, changedIds []string) (ReconcileResult, error) {
	return Reconcile(ctx, s.db, account, changedIds, s.cfg.LowStockThreshold)
}

// FindStaleRuns returns running runs whose progress heartbeat is older than
// staleBefore, or that never wrote a heartbeat and started before it.
func (s *gormStore) FindStaleRuns(ctx context.Context, staleBefore time.Time) ([]models.SyncRun, error) {
	var runs []models.SyncRun
	err := s.db.WithContext(ctx).
		Joins("LEFT JOIN sync_progresses ON sync_progresses.sync_run_id = sync_runs.id").
		Where("sync_runs.status = ?", models.SyncRunStatusRunning).
		Where("(sync_progresses.last_heartbeat IS NULL AND sync_runs.started_at < ?) OR sync_progresses.last_heartbeat < ?",
			staleBefore, staleBefore).
		Find(&runs).Error
	return runs, err
}
