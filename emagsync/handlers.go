package emagsync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"bitbucket.org/lumisoft/seller_backend/models"
	"bitbucket.org/lumisoft/seller_backend/utils"
)

type TriggerSyncRequest struct {
	Account     string   `json:"account"`
	ItemKind    string   `json:"item_kind" binding:"required"`
	Mode        string   `json:"mode"`
	Strategy    string   `json:"strategy"`
	ExternalIds []string `json:"external_ids"`
}

type PushOffersRequest struct {
	Account     string   `json:"account" binding:"required"`
	ExternalIds []string `json:"external_ids"`
}

type ReconcileRequest struct {
	Account     string   `json:"account" binding:"required"`
	ExternalIds []string `json:"external_ids"`
}

type SyncRunResponse struct {
	ID             uint    `json:"id"`
	Account        string  `json:"account"`
	ItemKind       string  `json:"item_kind"`
	Mode           string  `json:"mode"`
	Status         string  `json:"status"`
	TriggeredBy    string  `json:"triggered_by"`
	ItemsSeen      int     `json:"items_seen"`
	ItemsCreated   int     `json:"items_created"`
	ItemsUpdated   int     `json:"items_updated"`
	ItemsUnchanged int     `json:"items_unchanged"`
	ItemsFailed    int     `json:"items_failed"`
	ResumePage     *int    `json:"resume_page,omitempty"`
	ErrorSummary   string  `json:"error_summary,omitempty"`
	ParentRunId    *uint   `json:"parent_run_id,omitempty"`
	StartedAt      *string `json:"started_at"`
	CompletedAt    *string `json:"completed_at"`
	DurationMs     int64   `json:"duration_ms"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	ExternalId string `json:"external_id"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type SyncProgressResponse struct {
	Account       string  `json:"account"`
	ItemKind      string  `json:"item_kind"`
	SyncRunId     uint    `json:"sync_run_id"`
	CurrentPage   int     `json:"current_page"`
	ItemsSeen     int     `json:"items_seen"`
	Percent       float64 `json:"percent"`
	LastHeartbeat string  `json:"last_heartbeat"`
	Stale         bool    `json:"stale"`
}

// RegisterRoutes wires the marketplace sync API onto the router group.
func RegisterRoutes(r gin.IRouter, db *gorm.DB, o *Orchestrator, pusher *Pusher, cfg SyncConfig) {
	api := r.Group("/api/marketplace")
	api.GET("/sync/status", StatusHandler(db, cfg))
	api.POST("/sync", TriggerSyncHandler(o))
	api.GET("/sync-runs", SyncHistoryHandler(db))
	api.GET("/sync-runs/:id", SyncRunDetailHandler(db))
	api.POST("/sync-runs/:id/retry", RetrySyncRunHandler(db, o))
	api.POST("/offers/push", PushOffersHandler(pusher))
	api.POST("/reconcile", ReconcileHandler(db, cfg))
}

// StatusHandler reports the live progress row and latest run per scope,
// optionally narrowed by the account and kind query parameters.
func StatusHandler(db *gorm.DB, cfg SyncConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var account models.MarketplaceAccount
		if raw := strings.TrimSpace(c.Query("account")); raw != "" {
			parsed, err := models.ParseMarketplaceAccount(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			account = parsed
		}
		var kind models.MarketplaceItemKind
		if raw := strings.TrimSpace(c.Query("kind")); raw != "" {
			parsed, err := models.ParseMarketplaceItemKind(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			kind = parsed
		}

		progressQ := db.WithContext(ctx)
		if account != "" {
			progressQ = progressQ.Where("account = ?", account)
		}
		if kind != "" {
			progressQ = progressQ.Where("item_kind = ?", kind)
		}
		var progresses []models.SyncProgress
		if err := progressQ.Find(&progresses).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		staleBefore := time.Now().UTC().Add(-cfg.HeartbeatThreshold)
		progressOut := make([]SyncProgressResponse, 0, len(progresses))
		for _, p := range progresses {
			progressOut = append(progressOut, SyncProgressResponse{
				Account:       string(p.Account),
				ItemKind:      string(p.ItemKind),
				SyncRunId:     p.SyncRunId,
				CurrentPage:   p.CurrentPage,
				ItemsSeen:     p.ItemsSeen,
				Percent:       p.Percent,
				LastHeartbeat: p.LastHeartbeat.UTC().Format(time.RFC3339),
				Stale:         p.LastHeartbeat.Before(staleBefore),
			})
		}

		query, args := latestRunsQuery(account, kind)
		var latest []models.SyncRun
		err := db.WithContext(ctx).Raw(query, args...).Scan(&latest).Error
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		runsOut := make([]SyncRunResponse, 0, len(latest))
		for _, run := range latest {
			runsOut = append(runsOut, mapRunToResponse(run))
		}

		c.JSON(http.StatusOK, gin.H{
			"progress":    progressOut,
			"latest_runs": runsOut,
		})
	}
}

// latestRunsQuery selects the newest sync run per (account, item_kind) scope,
// restricted to the given scope values when they are non-empty.
func latestRunsQuery(account models.MarketplaceAccount, kind models.MarketplaceItemKind) (string, []interface{}) {
	conds := make([]string, 0, 2)
	args := make([]interface{}, 0, 2)
	if account != "" {
		conds = append(conds, "account = ?")
		args = append(args, account)
	}
	if kind != "" {
		conds = append(conds, "item_kind = ?")
		args = append(args, kind)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	query := `SELECT r.* FROM sync_runs r
		JOIN (SELECT account, item_kind, MAX(id) AS id FROM sync_runs` + where + ` GROUP BY account, item_kind) last
		ON last.id = r.id`
	return query, args
}

// TriggerSyncHandler starts a run per requested account and answers with the
// created run ids. A scope whose lease is already held comes back in the
// conflicts list; when every scope conflicts the whole request is a 409.
func TriggerSyncHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			replyBindError(c, err)
			return
		}

		kind, err := models.ParseMarketplaceItemKind(strings.TrimSpace(req.ItemKind))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		policy, err := PolicyForStrategy(strings.TrimSpace(req.Strategy))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var accounts []models.MarketplaceAccount
		switch strings.TrimSpace(req.Account) {
		case "both", "":
			accounts = models.AllMarketplaceAccounts()
		default:
			account, err := models.ParseMarketplaceAccount(req.Account)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			accounts = []models.MarketplaceAccount{account}
		}

		started := make([]SyncRunResponse, 0, len(accounts))
		conflicts := make([]string, 0)
		for _, account := range accounts {
			run, err := o.Start(c.Request.Context(), RunRequest{
				Account:     account,
				Kind:        kind,
				Mode:        models.SyncRunMode(req.Mode),
				ExternalIds: req.ExternalIds,
				TriggeredBy: models.SyncTriggeredManual,
				Policy:      policy,
			})
			if errors.Is(err, ErrAlreadyRunning) {
				conflicts = append(conflicts, string(account))
				continue
			}
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			started = append(started, mapRunToResponse(*run))
		}

		if len(started) == 0 && len(conflicts) > 0 {
			c.JSON(http.StatusConflict, gin.H{
				"error":     "sync already running",
				"conflicts": conflicts,
			})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"runs":      started,
			"conflicts": conflicts,
		})
	}
}

func SyncHistoryHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		query := db.WithContext(c.Request.Context()).Model(&models.SyncRun{})
		if v := strings.TrimSpace(c.Query("account")); v != "" {
			account, err := models.ParseMarketplaceAccount(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			query = query.Where("account = ?", account)
		}
		if v := strings.TrimSpace(c.Query("item_kind")); v != "" {
			kind, err := models.ParseMarketplaceItemKind(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			query = query.Where("item_kind = ?", kind)
		}

		var runs []models.SyncRun
		if err := query.Order("id desc").Limit(limit).Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func SyncRunDetailHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := c.Request.Context()
		var run models.SyncRun
		if err := db.WithContext(ctx).Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.SyncError
		if err := db.WithContext(ctx).Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		errorsOut := make([]SyncErrorResponse, 0, len(errs))
		for _, e := range errs {
			errorsOut = append(errorsOut, SyncErrorResponse{
				ID:         e.ID,
				ExternalId: e.ExternalId,
				ErrorCode:  e.ErrorCode,
				Message:    e.Message,
				Retryable:  e.Retryable,
			})
		}

		resp := gin.H{"run": mapRunToResponse(run), "errors": errorsOut}
		c.JSON(http.StatusOK, resp)
	}
}

// RetrySyncRunHandler starts a new run for the same scope, linked to the
// source run. A failed full run resumes from its recorded resume page.
func RetrySyncRunHandler(db *gorm.DB, o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := c.Request.Context()
		var parent models.SyncRun
		if err := db.WithContext(ctx).Where("id = ?", id).Take(&parent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !parent.Status.Terminal() {
			c.JSON(http.StatusConflict, gin.H{"error": "run has not finished yet"})
			return
		}

		req := RunRequest{
			Account:     parent.Account,
			Kind:        parent.ItemKind,
			Mode:        parent.Mode,
			TriggeredBy: models.SyncTriggeredRetry,
			ParentRunId: &parent.ID,
		}
		if parent.ResumePage != nil {
			req.StartPage = *parent.ResumePage
		}
		// The ids of a selective run are not kept; retry widens to the
		// lookback window instead.
		if req.Mode == models.SyncModeSelective {
			req.Mode = models.SyncModeIncremental
		}

		run, err := o.Start(ctx, req)
		if errors.Is(err, ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "sync already running"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run": mapRunToResponse(*run)})
	}
}

func PushOffersHandler(pusher *Pusher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PushOffersRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			replyBindError(c, err)
			return
		}
		account, err := models.ParseMarketplaceAccount(strings.TrimSpace(req.Account))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := pusher.PushOffers(c.Request.Context(), account, req.ExternalIds)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "result": result})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func ReconcileHandler(db *gorm.DB, cfg SyncConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReconcileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			replyBindError(c, err)
			return
		}
		account, err := models.ParseMarketplaceAccount(strings.TrimSpace(req.Account))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := Reconcile(c.Request.Context(), db, account, req.ExternalIds, cfg.LowStockThreshold)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"items_affected": result.ItemsAffected,
			"skipped":        result.Skipped,
		})
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:             run.ID,
		Account:        string(run.Account),
		ItemKind:       string(run.ItemKind),
		Mode:           string(run.Mode),
		Status:         string(run.Status),
		TriggeredBy:    run.TriggeredBy,
		ItemsSeen:      run.ItemsSeen,
		ItemsCreated:   run.ItemsCreated,
		ItemsUpdated:   run.ItemsUpdated,
		ItemsUnchanged: run.ItemsUnchanged,
		ItemsFailed:    run.ItemsFailed,
		ResumePage:     run.ResumePage,
		ErrorSummary:   run.ErrorSummary,
		ParentRunId:    run.ParentRunId,
		StartedAt:      formatTime(run.StartedAt),
		CompletedAt:    formatTime(run.CompletedAt),
		DurationMs:     run.DurationMs,
	}
}

func replyBindError(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}
