package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jooray/cashupayserver/db/models"
	"github.com/jooray/cashupayserver/mint"
	"github.com/jooray/cashupayserver/rabbitmq"
	"github.com/jooray/cashupayserver/rates"
	"github.com/uptrace/bun"
	"github.com/ziflex/lecho/v3"
)

var (
	ErrStoreNotFound      = errors.New("store not found")
	ErrStoreNotConfigured = errors.New("store has no mint or wallet seed configured")
	ErrNotEnoughBalance   = errors.New("not enough unspent balance")
	ErrRateLookup         = errors.New("exchange rate lookup failed")
)

type GatewayService struct {
	Config            *Config
	DB                *bun.DB
	Logger            *lecho.Logger
	MintClient        mint.Client
	RatesClient       rates.Client
	RabbitMQPublisher rabbitmq.Publisher
	Clock             clockwork.Clock

	syncMu     sync.Mutex
	lastSyncAt time.Time
}

func (svc *GatewayService) FindStore(ctx context.Context, storeID int64) (*models.Store, error) {
	var store models.Store
	err := svc.DB.NewSelect().
		Model(&store).
		Relation("BackupMints").
		Where("store.id = ?", storeID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStoreNotFound
		}
		return nil, err
	}
	return &store, nil
}

func (svc *GatewayService) FindStores(ctx context.Context) ([]models.Store, error) {
	stores := []models.Store{}
	err := svc.DB.NewSelect().
		Model(&stores).
		Relation("BackupMints").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return stores, nil
}

// MintURLs returns the mints to try for a store: the primary first,
// then enabled backups by ascending priority, deduplicated against
// the primary.
func (svc *GatewayService) MintURLs(store *models.Store) []string {
	urls := []string{store.MintURL}
	seen := map[string]bool{store.MintURL: true}

	backups := make([]*models.BackupMint, 0, len(store.BackupMints))
	for _, backup := range store.BackupMints {
		if backup.Enabled {
			backups = append(backups, backup)
		}
	}
	for i := 0; i < len(backups); i++ {
		for j := i + 1; j < len(backups); j++ {
			if backups[j].Priority < backups[i].Priority {
				backups[i], backups[j] = backups[j], backups[i]
			}
		}
	}
	for _, backup := range backups {
		if !seen[backup.MintURL] {
			urls = append(urls, backup.MintURL)
			seen[backup.MintURL] = true
		}
	}
	return urls
}
