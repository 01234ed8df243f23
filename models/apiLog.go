package models

import (
	"time"

	"gorm.io/gorm"
)

// MarketplaceApiLog is the append-only audit trail of marketplace API calls.
// One row per attempt, payloads truncated and credential-masked. Rows past
// the retention window are pruned by the scheduler.
type MarketplaceApiLog struct {
	ID            uint               `gorm:"primary_key" json:"id"`
	CorrelationId string             `gorm:"index;size:64" json:"correlation_id"`
	Account       MarketplaceAccount `gorm:"index;size:10" json:"account"`
	Method        string             `gorm:"size:10" json:"method"`
	Url           string             `gorm:"size:512" json:"url"`
	StatusCode    int                `json:"status_code"`
	Attempt       int                `json:"attempt"`
	DurationMs    int64              `json:"duration_ms"`
	RequestBody   string             `gorm:"type:text" json:"request_body"`
	ResponseBody  string             `gorm:"type:text" json:"response_body"`
	DocError      bool               `gorm:"default:false" json:"doc_error"`
	TransportErr  string             `gorm:"size:255" json:"transport_err"`
	CreatedAt     time.Time          `gorm:"autoCreateTime;index" json:"created_at"`
}

// PruneApiLogs deletes audit rows older than the retention window.
func PruneApiLogs(db *gorm.DB, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := db.Where("created_at < ?", cutoff).Delete(&MarketplaceApiLog{})
	return res.RowsAffected, res.Error
}
