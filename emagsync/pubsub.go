package emagsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"

	"bitbucket.org/lumisoft/seller_backend/config"
	"bitbucket.org/lumisoft/seller_backend/models"
	"bitbucket.org/lumisoft/seller_backend/utils"
)

// SyncPubSubPayload is the message body for queued sync requests. Other
// services publish it to defer a sync instead of calling the HTTP trigger.
type SyncPubSubPayload struct {
	Account     string   `json:"account"`
	ItemKind    string   `json:"item_kind"`
	Mode        string   `json:"mode"`
	ExternalIds []string `json:"external_ids,omitempty"`
}

// PubSubPushEnvelope is the push-delivery wrapper Google sends.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PublishSyncRequest queues a sync request on the marketplace sync topic.
func PublishSyncRequest(ctx context.Context, payload SyncPubSubPayload) error {
	topicName := strings.TrimSpace(os.Getenv("MARKETPLACE_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "marketplace-sync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if utils.BoolFromEnv("MARKETPLACE_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler consumes queued sync requests. It always answers 204 so
// the subscription never redelivers: a scope already running is a no-op, and
// a malformed message is dropped rather than poisoning the queue.
func PubSubPushHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.BoolFromEnv("ENABLE_MARKETPLACE_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}

		kind, err := models.ParseMarketplaceItemKind(payload.ItemKind)
		if err != nil {
			c.Status(204)
			return
		}

		var accounts []models.MarketplaceAccount
		if strings.TrimSpace(payload.Account) == "both" || payload.Account == "" {
			accounts = models.AllMarketplaceAccounts()
		} else {
			account, err := models.ParseMarketplaceAccount(payload.Account)
			if err != nil {
				c.Status(204)
				return
			}
			accounts = []models.MarketplaceAccount{account}
		}

		for _, account := range accounts {
			_, err := o.Start(c.Request.Context(), RunRequest{
				Account:     account,
				Kind:        kind,
				Mode:        models.SyncRunMode(payload.Mode),
				ExternalIds: payload.ExternalIds,
				TriggeredBy: models.SyncTriggeredPubSub,
			})
			if err != nil && !errors.Is(err, ErrAlreadyRunning) {
				config.GetLogger().Warn("pubsub sync request rejected: ", err)
			}
		}
		c.Status(204)
	}
}
