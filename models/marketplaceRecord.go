package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketplaceRecord is the local mirror of one remote marketplace item.
// Identity is (external_id, account, item_kind); the same external id under
// the other account is a different row. Rows are never deleted: an item that
// vanishes from the remote listing is marked inactive so orders and invoices
// that reference it keep resolving.
type MarketplaceRecord struct {
	ID         uint                `gorm:"primary_key" json:"id"`
	Account    MarketplaceAccount  `gorm:"uniqueIndex:idx_marketplace_record,priority:2;size:10;not null" json:"account"`
	ItemKind   MarketplaceItemKind `gorm:"uniqueIndex:idx_marketplace_record,priority:3;size:20;not null" json:"item_kind"`
	ExternalId string              `gorm:"uniqueIndex:idx_marketplace_record,priority:1;size:128;not null" json:"external_id"`

	Name       string          `gorm:"size:255" json:"name"`
	Sku        string          `gorm:"index;size:128" json:"sku"`
	Price      decimal.Decimal `gorm:"type:decimal(20,4)" json:"price"`
	Stock      int             `json:"stock"`
	StatusCode string          `gorm:"size:50" json:"status_code"`
	Payload    []byte          `gorm:"type:json" json:"payload"`

	RemoteUpdatedAt *time.Time `json:"remote_updated_at"`
	LastSeenAt      *time.Time `gorm:"index" json:"last_seen_at"`

	SyncStatus RecordSyncStatus `gorm:"size:20;not null;default:synced" json:"sync_status"`
	Active     bool             `gorm:"not null;default:true" json:"active"`

	// ManualPrice marks the price as locally authoritative; conflict policies
	// that honor local overrides will not let a remote price overwrite it.
	ManualPrice bool `gorm:"not null;default:false" json:"manual_price"`

	// ConflictFlagged is set by the manual conflict policy instead of writing;
	// ConflictPayload holds the rejected remote values for human review.
	ConflictFlagged bool   `gorm:"not null;default:false" json:"conflict_flagged"`
	ConflictPayload []byte `gorm:"type:json" json:"conflict_payload"`

	// LinkedProductId points to the locally-created inventory row this record
	// was merged into, when such a merge happened.
	LinkedProductId *uint `gorm:"index" json:"linked_product_id"`

	LocalUpdatedAt time.Time `gorm:"autoUpdateTime" json:"local_updated_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
