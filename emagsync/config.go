package emagsync

import (
	"os"
	"strings"
	"time"

	"bitbucket.org/lumisoft/seller_backend/models"
	"bitbucket.org/lumisoft/seller_backend/utils"
)

// AccountCredentials are the per-account marketplace API credentials. MAIN
// and FBE are separate sellers with separate credentials and separate
// rate-limit budgets.
type AccountCredentials struct {
	Username string
	Password string
	BaseURL  string
}

// ClientConfig carries everything the rate-limited client needs. Rates are
// requests per second per resource class; the marketplace applies a wider
// budget to order endpoints than to everything else.
type ClientConfig struct {
	Accounts map[models.MarketplaceAccount]AccountCredentials

	OrdersPerSecond  float64
	DefaultPerSecond float64

	MaxAttempts int
	BackoffBase time.Duration
	HTTPTimeout time.Duration

	// DocErrorPatterns classify "documentation errors": error-shaped responses
	// whose mutation was nonetheless applied remotely. The remote wording is
	// not contractually stable, so the pattern set always comes from
	// configuration, never a hardcoded list.
	DocErrorPatterns []string

	// MaxLoggedBody bounds payload size in the audit log.
	MaxLoggedBody int
}

// SyncConfig carries the orchestrator/fetcher tunables.
type SyncConfig struct {
	PageSize  int
	MaxPages  int
	PageDelay time.Duration
	BatchSize int

	LookbackWindow     time.Duration
	RunTimeout         time.Duration
	LockTTL            time.Duration
	HeartbeatThreshold time.Duration

	LowStockThreshold int
	ApiLogRetention   time.Duration
}

func ClientConfigFromEnv() ClientConfig {
	accounts := map[models.MarketplaceAccount]AccountCredentials{}
	for _, account := range models.AllMarketplaceAccounts() {
		prefix := "MARKETPLACE_" + string(account) + "_"
		baseURL := strings.TrimSpace(os.Getenv(prefix + "BASE_URL"))
		if baseURL == "" {
			baseURL = strings.TrimSpace(os.Getenv("MARKETPLACE_BASE_URL"))
		}
		accounts[account] = AccountCredentials{
			Username: strings.TrimSpace(os.Getenv(prefix + "USERNAME")),
			Password: strings.TrimSpace(os.Getenv(prefix + "PASSWORD")),
			BaseURL:  strings.TrimRight(baseURL, "/"),
		}
	}

	return ClientConfig{
		Accounts:         accounts,
		OrdersPerSecond:  utils.FloatFromEnv("MARKETPLACE_ORDERS_RPS", 12),
		DefaultPerSecond: utils.FloatFromEnv("MARKETPLACE_DEFAULT_RPS", 3),
		MaxAttempts:      utils.IntFromEnv("MARKETPLACE_MAX_ATTEMPTS", 3),
		BackoffBase:      utils.DurationFromEnv("MARKETPLACE_BACKOFF_BASE_SECONDS", time.Second),
		HTTPTimeout:      utils.DurationFromEnv("MARKETPLACE_HTTP_TIMEOUT_SECONDS", 30*time.Second),
		DocErrorPatterns: utils.SplitAndTrim(os.Getenv("MARKETPLACE_DOC_ERROR_PATTERNS")),
		MaxLoggedBody:    utils.IntFromEnv("MARKETPLACE_MAX_LOGGED_BODY", 2048),
	}
}

func SyncConfigFromEnv() SyncConfig {
	return SyncConfig{
		PageSize:  clampPageSize(utils.IntFromEnv("SYNC_PAGE_SIZE", 100)),
		MaxPages:  utils.IntFromEnv("SYNC_MAX_PAGES", 500),
		PageDelay: time.Duration(utils.IntFromEnv("SYNC_PAGE_DELAY_MS", 250)) * time.Millisecond,
		BatchSize: utils.IntFromEnv("SYNC_BATCH_SIZE", 100),

		LookbackWindow:     utils.DurationFromEnv("SYNC_LOOKBACK_SECONDS", 24*time.Hour),
		RunTimeout:         utils.DurationFromEnv("SYNC_RUN_TIMEOUT_SECONDS", 30*time.Minute),
		LockTTL:            utils.DurationFromEnv("SYNC_LOCK_TTL_SECONDS", 60*time.Second),
		HeartbeatThreshold: utils.DurationFromEnv("SYNC_HEARTBEAT_STALE_SECONDS", 5*time.Minute),

		LowStockThreshold: utils.IntFromEnv("SYNC_LOW_STOCK_THRESHOLD", 2),
		ApiLogRetention:   utils.DurationFromEnv("SYNC_API_LOG_RETENTION_SECONDS", 30*24*time.Hour),
	}
}

// the marketplace caps items_per_page at 100
func clampPageSize(n int) int {
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}
