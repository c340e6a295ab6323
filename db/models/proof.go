package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Proof : Proof Model
//
// Local proof state is the source of truth for the store balance.
// UNSPENT proofs are spendable, PENDING proofs have been sent out with
// an unknown outcome and are excluded from balance and selection,
// SPENT proofs are confirmed consumed by the mint.
type Proof struct {
	ID           int64        `json:"id" bun:",pk,autoincrement"`
	StoreID      int64        `json:"store_id" bun:",notnull"`
	Store        *Store       `json:"-" bun:"rel:belongs-to,join:store_id=id"`
	MintURL      string       `json:"mint_url" bun:",notnull"`
	Unit         string       `json:"unit" bun:",notnull"`
	QuoteID      string       `json:"quote_id" bun:",nullzero"`
	Secret       string       `json:"secret" bun:",unique,notnull"`
	C            string       `json:"c" bun:"c,notnull"`
	Amount       int64        `json:"amount" bun:",notnull"`
	KeysetID     string       `json:"keyset_id" bun:",notnull"`
	State        string       `json:"state" bun:",notnull,default:'UNSPENT'"`
	CreatedAt    time.Time    `json:"created_at" bun:",nullzero,notnull,default:current_timestamp"`
	PendingSince bun.NullTime `json:"pending_since"`
	UpdatedAt    bun.NullTime `json:"updated_at"`
}
