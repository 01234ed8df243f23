package main

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/lumisoft/seller_backend/emagsync"
	"bitbucket.org/lumisoft/seller_backend/models"
	"bitbucket.org/lumisoft/seller_backend/utils"
)

// SyncScheduler drives the periodic work that keeps the mirror fresh without
// anyone clicking a button: incremental runs per scope, the stale-run
// watchdog and api log pruning. Every replica runs it; the sync lease makes
// the duplicate ticks no-ops.
type SyncScheduler struct {
	DB            *gorm.DB
	Orchestrator  *emagsync.Orchestrator
	Logger        *logrus.Logger
	Interval      time.Duration
	PruneInterval time.Duration
	cfg           emagsync.SyncConfig
}

func NewSyncScheduler(db *gorm.DB, orchestrator *emagsync.Orchestrator, cfg emagsync.SyncConfig, logger *logrus.Logger) *SyncScheduler {
	return &SyncScheduler{
		DB:            db,
		Orchestrator:  orchestrator,
		Logger:        logger,
		Interval:      utils.DurationFromEnv("SYNC_SCHEDULE_SECONDS", 15*time.Minute),
		PruneInterval: 6 * time.Hour,
		cfg:           cfg,
	}
}

func (s *SyncScheduler) Run(ctx context.Context) {
	if s == nil || s.DB == nil {
		return
	}
	if !utils.BoolFromEnv("SYNC_SCHEDULER_ENABLED", true) {
		s.Logger.Warn("SYNC_SCHEDULER_ENABLED=false; scheduled syncs are off")
		return
	}

	lastPrune := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
		}

		s.runScheduled(ctx)
		s.reapStale(ctx)

		if time.Since(lastPrune) >= s.PruneInterval {
			s.pruneApiLogs(ctx)
			lastPrune = time.Now()
		}
	}
}

func (s *SyncScheduler) runScheduled(ctx context.Context) {
	kinds := []models.MarketplaceItemKind{
		models.ItemKindProduct,
		models.ItemKindOffer,
		models.ItemKindOrder,
	}
	for _, account := range models.AllMarketplaceAccounts() {
		for _, kind := range kinds {
			if ctx.Err() != nil {
				return
			}
			run, err := s.Orchestrator.Run(ctx, emagsync.RunRequest{
				Account:     account,
				Kind:        kind,
				Mode:        models.SyncModeIncremental,
				TriggeredBy: models.SyncTriggeredScheduled,
			})
			if errors.Is(err, emagsync.ErrAlreadyRunning) {
				// Another replica or a manual trigger got there first.
				continue
			}
			if err != nil {
				s.Logger.WithFields(logrus.Fields{
					"field": "SyncScheduler", "account": account, "itemKind": kind,
				}).Error("scheduled sync failed to start: " + err.Error())
				continue
			}
			if run.Status != models.SyncRunStatusCompleted {
				s.Logger.WithFields(logrus.Fields{
					"field": "SyncScheduler", "account": account, "itemKind": kind,
					"syncRunId": run.ID, "status": run.Status,
				}).Warn("scheduled sync finished abnormally")
			}
		}
	}
}

func (s *SyncScheduler) reapStale(ctx context.Context) {
	reaped, err := s.Orchestrator.ReapStaleRuns(ctx)
	if err != nil {
		s.Logger.WithFields(logrus.Fields{"field": "SyncScheduler"}).
			Error("watchdog pass failed: " + err.Error())
		return
	}
	if reaped > 0 {
		s.Logger.WithFields(logrus.Fields{
			"field": "SyncScheduler", "reaped": reaped,
		}).Warn("watchdog finalized stale sync runs")
	}
}

func (s *SyncScheduler) pruneApiLogs(ctx context.Context) {
	pruned, err := models.PruneApiLogs(s.DB.WithContext(ctx), s.cfg.ApiLogRetention)
	if err != nil {
		s.Logger.WithFields(logrus.Fields{"field": "SyncScheduler"}).
			Error("api log prune failed: " + err.Error())
		return
	}
	if pruned > 0 {
		s.Logger.WithFields(logrus.Fields{
			"field": "SyncScheduler", "pruned": pruned,
		}).Info("pruned old marketplace api logs")
	}
}
