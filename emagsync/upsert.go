package emagsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/lumisoft/seller_backend/models"
	"gorm.io/gorm"
)

// ItemFailure is one isolated per-item upsert failure.
type ItemFailure struct {
	Item RemoteItem
	Err  error
}

// BatchResult aggregates one batch (or one run) of upserts. ChangedIds holds
// the external ids actually written (created or updated), which is what the
// reconciler consumes afterwards.
type BatchResult struct {
	Created    int
	Updated    int
	Unchanged  int
	Flagged    int
	Failed     []ItemFailure
	ChangedIds []string
}

func (r *BatchResult) merge(other BatchResult) {
	r.Created += other.Created
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
	r.Flagged += other.Flagged
	r.Failed = append(r.Failed, other.Failed...)
	r.ChangedIds = append(r.ChangedIds, other.ChangedIds...)
}

func (r *BatchResult) Seen() int {
	return r.Created + r.Updated + r.Unchanged + r.Flagged + len(r.Failed)
}

// ValidationError marks bad remote data: logged, skipped, never retried.
// Anything else coming out of the upsert path is treated as transient
// (datastore trouble) and aborts the remaining batch.
type ValidationError struct {
	Code string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type upsertOutcome int

const (
	outcomeCreated upsertOutcome = iota
	outcomeUpdated
	outcomeUnchanged
	outcomeFlagged
)

// UpsertBatch persists a page of remote items in batchSize chunks. Each chunk
// runs in one outer transaction; each item gets its own savepoint so a bad
// record rolls back alone and the rest of the chunk still commits. A
// transient datastore error aborts the remaining items and surfaces to the
// caller for a whole-run retry.
func UpsertBatch(ctx context.Context, db *gorm.DB, runId uint, items []RemoteItem, policy ConflictPolicy, batchSize int) (BatchResult, error) {
	if policy == nil {
		policy = RemoteWins()
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	var result BatchResult
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		chunkResult, err := upsertChunk(ctx, db, runId, items[start:end], policy)
		result.merge(chunkResult)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func upsertChunk(ctx context.Context, db *gorm.DB, runId uint, chunk []RemoteItem, policy ConflictPolicy) (BatchResult, error) {
	var result BatchResult

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, item := range chunk {
			if verr := validateItem(item); verr != nil {
				result.Failed = append(result.Failed, ItemFailure{Item: item, Err: verr})
				recordSyncError(tx, runId, item, verr.Code, verr.Err.Error(), false)
				continue
			}

			sp := fmt.Sprintf("sp_item_%d", i)
			if err := tx.SavePoint(sp).Error; err != nil {
				return err
			}

			outcome, err := upsertOne(tx, item, policy)
			if err != nil {
				if rbErr := tx.RollbackTo(sp).Error; rbErr != nil {
					return rbErr
				}
				var verr *ValidationError
				if errors.As(err, &verr) {
					result.Failed = append(result.Failed, ItemFailure{Item: item, Err: err})
					recordSyncError(tx, runId, item, verr.Code, err.Error(), false)
					continue
				}
				// Datastore trouble: abort the rest of the chunk.
				return err
			}

			switch outcome {
			case outcomeCreated:
				result.Created++
				result.ChangedIds = append(result.ChangedIds, item.ExternalId)
			case outcomeUpdated:
				result.Updated++
				result.ChangedIds = append(result.ChangedIds, item.ExternalId)
			case outcomeFlagged:
				result.Flagged++
			default:
				result.Unchanged++
			}
		}
		return nil
	})

	return result, err
}

func validateItem(item RemoteItem) *ValidationError {
	if item.ParseErr != nil {
		return &ValidationError{Code: "invalid_payload", Err: item.ParseErr}
	}
	if item.ExternalId == "" {
		return &ValidationError{Code: "missing_id", Err: errors.New("item id missing")}
	}
	return nil
}

func upsertOne(tx *gorm.DB, item RemoteItem, policy ConflictPolicy) (upsertOutcome, error) {
	now := time.Now()

	var rec models.MarketplaceRecord
	err := tx.Where("external_id = ? AND account = ? AND item_kind = ?",
		item.ExternalId, item.Account, item.Kind).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = models.MarketplaceRecord{
			Account:         item.Account,
			ItemKind:        item.Kind,
			ExternalId:      item.ExternalId,
			Name:            item.Name,
			Sku:             item.Sku,
			Price:           item.Price,
			Stock:           item.Stock,
			StatusCode:      item.StatusCode,
			Payload:         []byte(item.Raw),
			RemoteUpdatedAt: item.RemoteUpdatedAt,
			LastSeenAt:      &now,
			SyncStatus:      models.RecordStatusSynced,
			Active:          true,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return outcomeUnchanged, err
		}
		return outcomeCreated, nil
	}
	if err != nil {
		return outcomeUnchanged, err
	}

	localAt := rec.LocalUpdatedAt
	remoteAt := now
	if item.RemoteUpdatedAt != nil {
		remoteAt = *item.RemoteUpdatedAt
	}

	updates := map[string]interface{}{}
	conflicts := map[string]interface{}{}

	decide := func(field string, local, remote interface{}, changed bool) {
		if !changed {
			return
		}
		switch policy(field, local, remote, localAt, remoteAt) {
		case TakeRemote:
			updates[field] = remote
		case FlagManual:
			conflicts[field] = remote
		}
	}

	decide("name", rec.Name, item.Name, rec.Name != item.Name)
	decide("sku", rec.Sku, item.Sku, rec.Sku != item.Sku)
	if !rec.ManualPrice {
		// A manually overridden price is locally authoritative under every
		// policy; it only changes through the local pricing flow.
		decide("price", rec.Price, item.Price, !rec.Price.Equal(item.Price))
	}
	decide("stock", rec.Stock, item.Stock, rec.Stock != item.Stock)
	decide("status_code", rec.StatusCode, item.StatusCode, rec.StatusCode != item.StatusCode)
	decide("payload", string(rec.Payload), string(item.Raw), string(rec.Payload) != string(item.Raw))
	if item.RemoteUpdatedAt != nil {
		changed := rec.RemoteUpdatedAt == nil || !rec.RemoteUpdatedAt.Equal(*item.RemoteUpdatedAt)
		decide("remote_updated_at", rec.RemoteUpdatedAt, item.RemoteUpdatedAt, changed)
	}

	if len(conflicts) > 0 {
		payload, merr := json.Marshal(conflicts)
		if merr != nil {
			return outcomeUnchanged, &ValidationError{Code: "conflict_encode", Err: merr}
		}
		if err := tx.Model(&rec).Updates(map[string]interface{}{
			"conflict_flagged": true,
			"conflict_payload": payload,
			"sync_status":      models.RecordStatusPending,
			"last_seen_at":     now,
		}).Error; err != nil {
			return outcomeUnchanged, err
		}
		return outcomeFlagged, nil
	}

	if len(updates) == 0 {
		// Nothing to write; touch the liveness column without churning
		// local_updated_at.
		if err := tx.Model(&rec).UpdateColumn("last_seen_at", now).Error; err != nil {
			return outcomeUnchanged, err
		}
		return outcomeUnchanged, nil
	}

	updates["sync_status"] = models.RecordStatusSynced
	updates["active"] = true
	updates["last_seen_at"] = now
	if err := tx.Model(&rec).Updates(updates).Error; err != nil {
		return outcomeUnchanged, err
	}
	return outcomeUpdated, nil
}

// DeactivateMissing marks records not observed since seenBefore as inactive.
// Vanished remote items are never deleted; orders and invoices keep their
// references.
func DeactivateMissing(ctx context.Context, db *gorm.DB, account models.MarketplaceAccount, kind models.MarketplaceItemKind, seenBefore time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&models.MarketplaceRecord{}).
		Where("account = ? AND item_kind = ? AND active = ? AND (last_seen_at IS NULL OR last_seen_at < ?)",
			account, kind, true, seenBefore).
		Update("active", false)
	return res.RowsAffected, res.Error
}

func recordSyncError(tx *gorm.DB, runId uint, item RemoteItem, code, message string, retryable bool) {
	if runId == 0 {
		return
	}
	row := models.SyncError{
		SyncRunId:  runId,
		Account:    item.Account,
		ItemKind:   item.Kind,
		ExternalId: item.ExternalId,
		ErrorCode:  code,
		Message:    message,
		Payload:    []byte(item.Raw),
		Retryable:  retryable,
	}
	// Error bookkeeping must not fail the batch.
	_ = tx.Create(&row).Error
}
