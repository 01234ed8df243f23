package emagsync

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"bitbucket.org/lumisoft/seller_backend/models"
)

// ReconcileResult reports how many inventory rows a reconcile pass wrote.
type ReconcileResult struct {
	ItemsAffected int
	Skipped       int
}

// Reconcile rebuilds the per-SKU inventory levels for one account from the
// offer records that survived the last sync. When changedIds is non-empty only
// those external ids are recomputed; otherwise the whole account is rebuilt.
// The pass is idempotent and isolates items the same way the upsert layer
// does: one savepoint per record, so a single bad row never poisons the rest.
func Reconcile(ctx context.Context, db *gorm.DB, account models.MarketplaceAccount, changedIds []string, lowStockThreshold int) (ReconcileResult, error) {
	var result ReconcileResult

	query := db.WithContext(ctx).
		Where("account = ? AND item_kind = ?", account, models.ItemKindOffer).
		Where("active = ?", true)
	if len(changedIds) > 0 {
		query = query.Where("external_id IN ?", changedIds)
	}

	var records []models.MarketplaceRecord
	if err := query.Find(&records).Error; err != nil {
		return result, err
	}
	if len(records) == 0 {
		return result, nil
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, rec := range records {
			if rec.Sku == "" {
				result.Skipped++
				continue
			}
			sp := fmt.Sprintf("sp_level_%d", i)
			tx.SavePoint(sp)
			if err := upsertInventoryLevel(tx, account, rec, lowStockThreshold); err != nil {
				tx.RollbackTo(sp)
				result.Skipped++
				continue
			}
			result.ItemsAffected++
		}
		return nil
	})
	return result, err
}

func upsertInventoryLevel(tx *gorm.DB, account models.MarketplaceAccount, rec models.MarketplaceRecord, lowStockThreshold int) error {
	low := rec.Stock <= lowStockThreshold
	res := tx.Model(&models.InventoryLevel{}).
		Where("account = ? AND sku = ?", account, rec.Sku).
		Updates(map[string]interface{}{
			"on_hand":   rec.Stock,
			"low_stock": low,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return tx.Create(&models.InventoryLevel{
		Account:  account,
		Sku:      rec.Sku,
		OnHand:   rec.Stock,
		LowStock: low,
	}).Error
}
