package models

import (
	"time"
)

// WebhookDelivery : Webhook Delivery Model
//
// Rows are inserted inside the transaction whose state change they
// announce and only delivered after that transaction commits. The
// scheduler prunes the log to the most recent entries.
type WebhookDelivery struct {
	ID        int64     `json:"id" bun:",pk,autoincrement"`
	StoreID   int64     `json:"store_id" bun:",notnull"`
	EventType string    `json:"event_type" bun:",notnull"`
	Payload   string    `json:"payload" bun:",nullzero"`
	Success   bool      `json:"success" bun:",nullzero"`
	CreatedAt time.Time `json:"created_at" bun:",nullzero,notnull,default:current_timestamp"`
}
