package models

import (
	"log"

	"bitbucket.org/lumisoft/seller_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&MarketplaceRecord{},
		&SyncRun{}, &SyncProgress{}, &SyncError{},
		&MarketplaceApiLog{},
		&InventoryLevel{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
