package emagsync

import (
	"context"
	"regexp"
	"time"

	"bitbucket.org/lumisoft/seller_backend/models"
	"bitbucket.org/lumisoft/seller_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AuditEntry describes one request/response attempt against the marketplace.
type AuditEntry struct {
	Account      models.MarketplaceAccount
	Method       string
	Url          string
	StatusCode   int
	Attempt      int
	Duration     time.Duration
	RequestBody  string
	ResponseBody string
	DocError     bool
	TransportErr string
}

// AuditLogger receives every marketplace call the client makes. The client
// itself never touches the datastore; persistence is the logger's concern.
type AuditLogger interface {
	LogCall(ctx context.Context, entry AuditEntry)
}

type gormAuditLogger struct {
	db     *gorm.DB
	logger *logrus.Logger
	maxLen int
}

// NewAuditLogger returns an AuditLogger that appends MarketplaceApiLog rows
// and mirrors each call to the structured log. Audit failures are logged and
// swallowed: a broken audit trail must not fail marketplace calls.
func NewAuditLogger(db *gorm.DB, logger *logrus.Logger, maxLoggedBody int) AuditLogger {
	if maxLoggedBody <= 0 {
		maxLoggedBody = 2048
	}
	return &gormAuditLogger{db: db, logger: logger, maxLen: maxLoggedBody}
}

func (l *gormAuditLogger) LogCall(ctx context.Context, entry AuditEntry) {
	cid, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || cid == "" {
		cid = uuid.NewString()
	}

	row := models.MarketplaceApiLog{
		CorrelationId: cid,
		Account:       entry.Account,
		Method:        entry.Method,
		Url:           entry.Url,
		StatusCode:    entry.StatusCode,
		Attempt:       entry.Attempt,
		DurationMs:    entry.Duration.Milliseconds(),
		RequestBody:   truncateBody(maskSecrets(entry.RequestBody), l.maxLen),
		ResponseBody:  truncateBody(maskSecrets(entry.ResponseBody), l.maxLen),
		DocError:      entry.DocError,
		TransportErr:  truncateBody(entry.TransportErr, 255),
	}
	if l.db != nil {
		if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
			l.logger.WithFields(logrus.Fields{
				"module":         "emagsync",
				"funcName":       "LogCall",
				"correlation_id": cid,
			}).Warn("failed to persist api audit row: " + err.Error())
		}
	}

	l.logger.WithFields(logrus.Fields{
		"module":         "emagsync",
		"account":        entry.Account,
		"method":         entry.Method,
		"url":            entry.Url,
		"status":         entry.StatusCode,
		"attempt":        entry.Attempt,
		"duration_ms":    entry.Duration.Milliseconds(),
		"doc_error":      entry.DocError,
		"correlation_id": cid,
	}).Debug("marketplace call")
}

var secretFieldRe = regexp.MustCompile(`(?i)"(password|api_key|apikey|token|authorization)"\s*:\s*"[^"]*"`)

func maskSecrets(s string) string {
	return secretFieldRe.ReplaceAllString(s, `"$1":"***"`)
}

func truncateBody(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// nopAuditLogger is used in tests and when auditing is disabled.
type nopAuditLogger struct{}

func (nopAuditLogger) LogCall(context.Context, AuditEntry) {}
