package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Invoice : Invoice Model
//
// QuoteID is the mint-issued quote identifier and maps to at most one
// invoice. LastPolledAt is stamped before the mint is contacted so a
// failing poll does not cause a re-poll storm. UpdatedAt is stamped by
// the service from its injected clock, never by a model hook; orphan
// recovery compares it against that same clock.
type Invoice struct {
	ID               string       `json:"id" bun:",pk"`
	StoreID          int64        `json:"store_id" bun:",notnull"`
	Store            *Store       `json:"-" bun:"rel:belongs-to,join:store_id=id"`
	Status           string       `json:"status" bun:",notnull,default:'new'"`
	QuoteID          string       `json:"quote_id" bun:",unique,nullzero"`
	MintURL          string       `json:"mint_url" bun:",nullzero"`
	Amount           float64      `json:"amount" bun:",notnull"`
	Currency         string       `json:"currency" bun:",notnull"`
	AmountInMintUnit int64        `json:"amount_in_mint_unit" bun:",notnull"`
	MintUnit         string       `json:"mint_unit" bun:",notnull"`
	ExchangeRate     float64      `json:"exchange_rate" bun:",nullzero"`
	PaymentRequest   string       `json:"payment_request" bun:",nullzero"`
	Metadata         string       `json:"metadata,omitempty" bun:",nullzero"`
	CreatedAt        time.Time    `json:"created_at" bun:",nullzero,notnull,default:current_timestamp"`
	ExpiresAt        time.Time    `json:"expires_at" bun:",notnull"`
	LastPolledAt     bun.NullTime `json:"last_polled_at"`
	SettledAt        bun.NullTime `json:"settled_at"`
	UpdatedAt        bun.NullTime `json:"updated_at"`
}
