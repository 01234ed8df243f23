package models

import "time"

// SyncRun is one invocation of the sync orchestrator for one
// (account, item_kind). A "sync both accounts" request produces two
// independent rows. At most one row per (account, item_kind) may be in
// running state at a time; the single-flight lock enforces this.
type SyncRun struct {
	ID          uint                `gorm:"primary_key" json:"id"`
	Account     MarketplaceAccount  `gorm:"index:idx_sync_run_scope;size:10;not null" json:"account"`
	ItemKind    MarketplaceItemKind `gorm:"index:idx_sync_run_scope;size:20;not null" json:"item_kind"`
	Mode        SyncRunMode         `gorm:"size:20;not null" json:"mode"`
	Status      SyncRunStatus       `gorm:"index;size:20;not null" json:"status"`
	TriggeredBy string              `gorm:"size:20" json:"triggered_by"`

	ItemsSeen      int `json:"items_seen"`
	ItemsCreated   int `json:"items_created"`
	ItemsUpdated   int `json:"items_updated"`
	ItemsUnchanged int `json:"items_unchanged"`
	ItemsFailed    int `json:"items_failed"`

	// ResumePage is the first page not fully persisted, recorded when a full
	// run aborts on a page fetch failure so a later run can pick up there.
	ResumePage   *int   `json:"resume_page"`
	ErrorSummary string `gorm:"type:text" json:"error_summary"`

	ParentRunId *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	DurationMs  int64      `json:"duration_ms"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncProgress is the liveness projection of the current run for one
// (account, item_kind). It is overwritten in place, not appended. A row whose
// heartbeat is older than the configured threshold marks the run abandoned;
// the watchdog may then finalize the run and let the lock lease lapse.
type SyncProgress struct {
	ID            uint                `gorm:"primary_key" json:"id"`
	Account       MarketplaceAccount  `gorm:"uniqueIndex:idx_sync_progress_scope,priority:1;size:10;not null" json:"account"`
	ItemKind      MarketplaceItemKind `gorm:"uniqueIndex:idx_sync_progress_scope,priority:2;size:20;not null" json:"item_kind"`
	SyncRunId     uint                `gorm:"index" json:"sync_run_id"`
	CurrentPage   int                 `json:"current_page"`
	ItemsSeen     int                 `json:"items_seen"`
	Percent       float64             `json:"percent"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncError records one isolated per-item failure inside a run.
type SyncError struct {
	ID         uint                `gorm:"primary_key" json:"id"`
	SyncRunId  uint                `gorm:"index;not null" json:"sync_run_id"`
	Account    MarketplaceAccount  `gorm:"size:10" json:"account"`
	ItemKind   MarketplaceItemKind `gorm:"size:20" json:"item_kind"`
	ExternalId string              `gorm:"size:128" json:"external_id"`
	ErrorCode  string              `gorm:"size:64" json:"error_code"`
	Message    string              `gorm:"type:text" json:"message"`
	Payload    []byte              `gorm:"type:json" json:"payload"`
	Retryable  bool                `gorm:"default:false" json:"retryable"`
	CreatedAt  time.Time           `gorm:"autoCreateTime" json:"created_at"`
}
