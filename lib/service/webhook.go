package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/jooray/cashupayserver/db/models"
	"github.com/uptrace/bun"
)

// WebhookQueue buffers notifications for one unit of work. Queued
// events are persisted inside the enclosing transaction and delivered
// only after it commits; a rollback discards the buffer so no
// notification is ever sent for a state change that didn't happen.
type WebhookQueue struct {
	svc        *GatewayService
	deliveries []*models.WebhookDelivery
}

func (svc *GatewayService) NewWebhookQueue() *WebhookQueue {
	return &WebhookQueue{svc: svc}
}

type webhookBody struct {
	Event   string          `json:"event"`
	StoreID int64           `json:"storeId"`
	Data    json.RawMessage `json:"data"`
}

func (q *WebhookQueue) Queue(storeID int64, eventType string, payload interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.deliveries = append(q.deliveries, &models.WebhookDelivery{
		StoreID:   storeID,
		EventType: eventType,
		Payload:   string(encoded),
	})
	return nil
}

// Persist writes the buffered delivery log rows. Must be called on
// the transaction the state change belongs to.
func (q *WebhookQueue) Persist(ctx context.Context, db bun.IDB) error {
	if len(q.deliveries) == 0 {
		return nil
	}
	_, err := db.NewInsert().Model(&q.deliveries).Exec(ctx)
	return err
}

// Flush delivers every buffered event and clears the buffer. Call
// only after the enclosing transaction committed.
func (q *WebhookQueue) Flush(ctx context.Context) {
	for _, delivery := range q.deliveries {
		if err := q.svc.deliverWebhook(ctx, delivery); err != nil {
			q.svc.Logger.Errorf("Webhook delivery failed: store_id:%d event:%s error: %v", delivery.StoreID, delivery.EventType, err)
			continue
		}
		delivery.Success = true
		if delivery.ID != 0 {
			if _, err := q.svc.DB.NewUpdate().Model(delivery).Column("success").WherePK().Exec(ctx); err != nil {
				q.svc.Logger.Errorf("Failed to update webhook delivery log: %v", err)
			}
		}
	}
	q.deliveries = nil
}

// Discard drops the buffer without delivering anything.
func (q *WebhookQueue) Discard() {
	q.deliveries = nil
}

func (svc *GatewayService) deliverWebhook(ctx context.Context, delivery *models.WebhookDelivery) error {
	if svc.RabbitMQPublisher != nil {
		if err := svc.RabbitMQPublisher.PublishWebhookEvent(ctx, delivery.StoreID, delivery.EventType, delivery.Payload); err != nil {
			svc.Logger.Errorf("Failed to publish webhook event to rabbitmq: %v", err)
		}
	}

	url, err := svc.webhookUrlForStore(ctx, delivery.StoreID)
	if err != nil {
		return err
	}
	if url == "" {
		return nil
	}

	body, err := json.Marshal(webhookBody{
		Event:   delivery.EventType,
		StoreID: delivery.StoreID,
		Data:    json.RawMessage(delivery.Payload),
	})
	if err != nil {
		return err
	}

	post := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("webhook status code was %d, body: %s", resp.StatusCode, msg)
		}
		return nil
	}
	retryPolicy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(post, retryPolicy)
}

func (svc *GatewayService) webhookUrlForStore(ctx context.Context, storeID int64) (string, error) {
	var store models.Store
	err := svc.DB.NewSelect().Model(&store).Column("webhook_url").Where("id = ?", storeID).Limit(1).Scan(ctx)
	if err != nil {
		return "", err
	}
	if store.WebhookURL != "" {
		return store.WebhookURL, nil
	}
	return svc.Config.WebhookUrl, nil
}

// PruneWebhookDeliveries caps the delivery log at the configured
// retention, dropping the oldest rows.
func (svc *GatewayService) PruneWebhookDeliveries(ctx context.Context) error {
	keep := svc.DB.NewSelect().
		Model((*models.WebhookDelivery)(nil)).
		Column("id").
		OrderExpr("id DESC").
		Limit(svc.Config.WebhookRetention)
	_, err := svc.DB.NewDelete().
		Model((*models.WebhookDelivery)(nil)).
		Where("id NOT IN (?)", keep).
		Exec(ctx)
	return err
}
