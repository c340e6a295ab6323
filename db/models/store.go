package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Store : Store Model
//
// A store owns a primary mint plus an ordered list of backup mints.
// Seed is the wallet seed material managed by the external wallet
// tooling; an empty seed means the store is not ready to accept
// payments.
type Store struct {
	ID                int64         `json:"id" bun:",pk,autoincrement"`
	Name              string        `json:"name" bun:",notnull"`
	MintURL           string        `json:"mint_url" bun:",notnull"`
	Unit              string        `json:"unit" bun:",notnull,default:'sat'"`
	Seed              string        `json:"-" bun:",nullzero"`
	WebhookURL        string        `json:"webhook_url" bun:",nullzero"`
	AutoMeltEnabled   bool          `json:"auto_melt_enabled" bun:",nullzero"`
	AutoMeltThreshold int64         `json:"auto_melt_threshold" bun:",nullzero"`
	AutoMeltAddress   string        `json:"auto_melt_address" bun:",nullzero"`
	CreatedAt         time.Time     `json:"created_at" bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt         bun.NullTime  `json:"updated_at"`
	BackupMints       []*BackupMint `json:"backup_mints" bun:"rel:has-many,join:id=store_id"`
}

// BackupMint : Backup Mint Model
//
// Backup mints are tried in ascending priority order after the
// store's primary mint.
type BackupMint struct {
	ID       int64  `json:"id" bun:",pk,autoincrement"`
	StoreID  int64  `json:"store_id" bun:",notnull"`
	Store    *Store `json:"-" bun:"rel:belongs-to,join:store_id=id"`
	MintURL  string `json:"mint_url" bun:",notnull"`
	Priority int    `json:"priority" bun:",notnull,default:0"`
	Enabled  bool   `json:"enabled" bun:",notnull,default:true"`
}
