package models

import "time"

// InventoryLevel is a derived aggregate rebuilt by the reconciler from freshly
// synced offer mirrors: on-hand stock per (account, sku) plus the low-stock
// flag used for alerting. It is never written by the sync path directly.
type InventoryLevel struct {
	ID        uint               `gorm:"primary_key" json:"id"`
	Account   MarketplaceAccount `gorm:"uniqueIndex:idx_inventory_level,priority:1;size:10;not null" json:"account"`
	Sku       string             `gorm:"uniqueIndex:idx_inventory_level,priority:2;size:128;not null" json:"sku"`
	OnHand    int                `json:"on_hand"`
	LowStock  bool               `gorm:"index;default:false" json:"low_stock"`
	CreatedAt time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}
