package models

import "fmt"

// MarketplaceAccount identifies one of the two seller identities against the
// marketplace. The two accounts are logically disjoint sellers: the same
// external id may exist under both, as distinct rows.
type MarketplaceAccount string

const (
	AccountMAIN MarketplaceAccount = "MAIN"
	AccountFBE  MarketplaceAccount = "FBE"
)

func (a MarketplaceAccount) Valid() bool {
	return a == AccountMAIN || a == AccountFBE
}

func ParseMarketplaceAccount(s string) (MarketplaceAccount, error) {
	a := MarketplaceAccount(s)
	if !a.Valid() {
		return "", fmt.Errorf("invalid marketplace account %q", s)
	}
	return a, nil
}

func AllMarketplaceAccounts() []MarketplaceAccount {
	return []MarketplaceAccount{AccountMAIN, AccountFBE}
}

type MarketplaceItemKind string

const (
	ItemKindProduct MarketplaceItemKind = "product"
	ItemKindOffer   MarketplaceItemKind = "offer"
	ItemKindOrder   MarketplaceItemKind = "order"
)

func (k MarketplaceItemKind) Valid() bool {
	return k == ItemKindProduct || k == ItemKindOffer || k == ItemKindOrder
}

func ParseMarketplaceItemKind(s string) (MarketplaceItemKind, error) {
	k := MarketplaceItemKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("invalid marketplace item kind %q", s)
	}
	return k, nil
}

type SyncRunStatus string

const (
	SyncRunStatusPending   SyncRunStatus = "pending"
	SyncRunStatusRunning   SyncRunStatus = "running"
	SyncRunStatusCompleted SyncRunStatus = "completed"
	SyncRunStatusFailed    SyncRunStatus = "failed"
	SyncRunStatusTimedOut  SyncRunStatus = "timed_out"
)

// Terminal reports whether the run has reached a final state.
func (s SyncRunStatus) Terminal() bool {
	return s == SyncRunStatusCompleted || s == SyncRunStatusFailed || s == SyncRunStatusTimedOut
}

type SyncRunMode string

const (
	SyncModeFull        SyncRunMode = "full"
	SyncModeIncremental SyncRunMode = "incremental"
	SyncModeSelective   SyncRunMode = "selective"
)

func (m SyncRunMode) Valid() bool {
	return m == SyncModeFull || m == SyncModeIncremental || m == SyncModeSelective
}

type RecordSyncStatus string

const (
	RecordStatusSynced  RecordSyncStatus = "synced"
	RecordStatusPending RecordSyncStatus = "pending"
	RecordStatusFailed  RecordSyncStatus = "failed"
)

const (
	SyncTriggeredManual    = "manual"
	SyncTriggeredRetry     = "retry"
	SyncTriggeredScheduled = "scheduled"
	SyncTriggeredPubSub    = "pubsub"
)
