package emagsync

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/lumisoft/seller_backend/models"
)

// PushResult summarizes one outbound price/stock push.
type PushResult struct {
	Pushed    int      `json:"pushed"`
	DocErrors int      `json:"doc_errors"`
	Failed    []string `json:"failed,omitempty"`
}

// Pusher writes local price and stock back to the marketplace for offer
// records that were edited locally or flagged for manual review and then
// resolved. It is the only component that mutates the remote side.
type Pusher struct {
	db     *gorm.DB
	client *Client
	logger *logrus.Logger
}

func NewPusher(db *gorm.DB, client *Client, logger *logrus.Logger) *Pusher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pusher{db: db, client: client, logger: logger}
}

// PushOffers pushes the given external ids, or every offer pending push when
// ids is empty. A documentation error from the remote means the mutation was
// applied, so it counts as a successful push.
func (p *Pusher) PushOffers(ctx context.Context, account models.MarketplaceAccount, externalIds []string) (PushResult, error) {
	var result PushResult

	query := p.db.WithContext(ctx).
		Where("account = ? AND item_kind = ?", account, models.ItemKindOffer).
		Where("active = ?", true)
	if len(externalIds) > 0 {
		query = query.Where("external_id IN ?", externalIds)
	} else {
		query = query.Where("sync_status = ?", models.RecordStatusPending)
	}

	var records []models.MarketplaceRecord
	if err := query.Find(&records).Error; err != nil {
		return result, err
	}

	for i := range records {
		rec := &records[i]
		resp, err := p.client.Do(ctx, account, http.MethodPost, "product_offer/save", p.offerPayload(rec), ResourceClassDefault)
		if err != nil {
			var remoteErr *RemoteError
			if errors.As(err, &remoteErr) {
				result.Failed = append(result.Failed, rec.ExternalId)
				p.markPushFailed(ctx, rec)
				continue
			}
			// Transport or contract trouble aborts the batch; the rest of
			// the pending records will be retried on the next push.
			return result, err
		}
		if resp.DocumentationError {
			result.DocErrors++
		}
		result.Pushed++
		p.markPushed(ctx, rec)
	}
	return result, nil
}

func (p *Pusher) offerPayload(rec *models.MarketplaceRecord) map[string]interface{} {
	var id interface{} = rec.ExternalId
	if n, ok := externalIdInt(rec.ExternalId); ok {
		id = n
	}
	payload := map[string]interface{}{
		"id":         id,
		"sale_price": rec.Price,
		"stock": []map[string]interface{}{
			{"warehouse_id": 1, "value": rec.Stock},
		},
	}
	if rec.StatusCode != "" {
		payload["status"] = rec.StatusCode
	}
	return payload
}

func (p *Pusher) markPushed(ctx context.Context, rec *models.MarketplaceRecord) {
	err := p.db.WithContext(ctx).Model(rec).Updates(map[string]interface{}{
		"sync_status":      models.RecordStatusSynced,
		"conflict_flagged": false,
		"conflict_payload": nil,
		"last_seen_at":     time.Now().UTC(),
	}).Error
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"account": rec.Account, "externalId": rec.ExternalId,
		}).Warn("push bookkeeping failed: ", err)
	}
}

func (p *Pusher) markPushFailed(ctx context.Context, rec *models.MarketplaceRecord) {
	err := p.db.WithContext(ctx).Model(rec).
		UpdateColumn("sync_status", models.RecordStatusFailed).Error
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"account": rec.Account, "externalId": rec.ExternalId,
		}).Warn("push bookkeeping failed: ", err)
	}
}
