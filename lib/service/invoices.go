package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jooray/cashupayserver/common"
	"github.com/jooray/cashupayserver/db/models"
	"github.com/jooray/cashupayserver/mint"
	"github.com/uptrace/bun"
)

func (svc *GatewayService) FindInvoice(ctx context.Context, storeID int64, invoiceID string) (*models.Invoice, error) {
	var invoice models.Invoice
	err := svc.DB.NewSelect().
		Model(&invoice).
		Where("store_id = ? AND id = ?", storeID, invoiceID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (svc *GatewayService) FindInvoices(ctx context.Context, storeID int64) ([]models.Invoice, error) {
	invoices := []models.Invoice{}
	err := svc.DB.NewSelect().
		Model(&invoices).
		Where("store_id = ?", storeID).
		Order("created_at DESC").
		Scan(ctx)
	return invoices, err
}

// CreateInvoice converts the requested amount into the store's mint
// unit, requests a quote through the mint failover list and persists a
// New invoice keyed by the quote id.
func (svc *GatewayService) CreateInvoice(ctx context.Context, storeID int64, amount float64, currency, metadata string) (*models.Invoice, error) {
	store, err := svc.FindStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if store.MintURL == "" || store.Seed == "" {
		return nil, ErrStoreNotConfigured
	}

	amountInMintUnit, rate, err := svc.RatesClient.Convert(ctx, amount, currency, store.Unit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRateLookup, err)
	}

	quote, mintURL, err := TryMintsInOrder(ctx, svc.MintURLs(store), func(ctx context.Context, mintURL string) (*mint.MintQuote, error) {
		return svc.MintClient.RequestMintQuote(ctx, mintURL, amountInMintUnit, store.Unit)
	})
	if err != nil {
		return nil, err
	}

	now := svc.Clock.Now()
	expiresAt := now.Add(time.Duration(svc.Config.InvoiceExpiry) * time.Second)
	if quote.Expiry > 0 {
		expiresAt = time.Unix(quote.Expiry, 0)
	}

	invoice := &models.Invoice{
		ID:               uuid.NewString(),
		StoreID:          store.ID,
		Status:           common.InvoiceStatusNew,
		QuoteID:          quote.Quote,
		MintURL:          mintURL,
		Amount:           amount,
		Currency:         currency,
		AmountInMintUnit: amountInMintUnit,
		MintUnit:         store.Unit,
		ExchangeRate:     rate,
		PaymentRequest:   quote.PaymentRequest,
		Metadata:         metadata,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
	}

	queue := svc.NewWebhookQueue()
	err = svc.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(invoice).Exec(ctx); err != nil {
			return err
		}
		if err := queue.Queue(store.ID, common.WebhookEventInvoiceCreated, invoice); err != nil {
			return err
		}
		return queue.Persist(ctx, tx)
	})
	if err != nil {
		queue.Discard()
		return nil, err
	}
	queue.Flush(ctx)

	return invoice, nil
}

// MarkExpiredInvoices bulk-transitions every New invoice whose
// expiration has passed. No mint is contacted; run this first in any
// polling cycle so expired quotes are never polled.
func (svc *GatewayService) MarkExpiredInvoices(ctx context.Context) (int, error) {
	now := svc.Clock.Now()
	expired := []models.Invoice{}
	err := svc.DB.NewSelect().
		Model(&expired).
		Where("status = ? AND expires_at < ?", common.InvoiceStatusNew, now).
		Scan(ctx)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	queue := svc.NewWebhookQueue()
	err = svc.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().
			Model((*models.Invoice)(nil)).
			Set("status = ?", common.InvoiceStatusExpired).
			Set("updated_at = ?", now).
			Where("status = ? AND expires_at < ?", common.InvoiceStatusNew, now).
			Exec(ctx)
		if err != nil {
			return err
		}
		for i := range expired {
			expired[i].Status = common.InvoiceStatusExpired
			if err := queue.Queue(expired[i].StoreID, common.WebhookEventInvoiceExpired, &expired[i]); err != nil {
				return err
			}
		}
		return queue.Persist(ctx, tx)
	})
	if err != nil {
		queue.Discard()
		return 0, err
	}
	queue.Flush(ctx)

	return len(expired), nil
}

// PollPendingQuotes checks up to batchLimit due invoices against
// their mints, never-polled first, then oldest-polled first. Errors
// on one invoice are logged and do not abort the batch.
func (svc *GatewayService) PollPendingQuotes(ctx context.Context, minInterval time.Duration, batchLimit int) error {
	now := svc.Clock.Now()
	cutoff := now.Add(-minInterval)

	due := []models.Invoice{}
	err := svc.DB.NewSelect().
		Model(&due).
		Where("status = ?", common.InvoiceStatusNew).
		Where("quote_id IS NOT NULL AND quote_id != ''").
		Where("expires_at > ?", now).
		Where("last_polled_at IS NULL OR last_polled_at < ?", cutoff).
		OrderExpr("last_polled_at ASC NULLS FIRST").
		Limit(batchLimit).
		Scan(ctx)
	if err != nil {
		return err
	}

	for i := range due {
		if err := svc.pollInvoice(ctx, &due[i]); err != nil {
			svc.Logger.Errorf("Failed to poll invoice %s (quote %s): %v", due[i].ID, due[i].QuoteID, err)
		}
	}
	return nil
}

func (svc *GatewayService) pollInvoice(ctx context.Context, invoice *models.Invoice) error {
	// Stamp the poll timestamp before contacting the mint: if the
	// mint errors out, the invoice still waits a full interval
	// instead of being re-polled in a tight loop.
	invoice.LastPolledAt = bun.NullTime{Time: svc.Clock.Now()}
	invoice.UpdatedAt = invoice.LastPolledAt
	_, err := svc.DB.NewUpdate().
		Model(invoice).
		Column("last_polled_at", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}

	quote, err := svc.MintClient.CheckMintQuote(ctx, invoice.MintURL, invoice.QuoteID)
	if err != nil {
		return err
	}

	switch quote.State {
	case common.QuoteStateIssued:
		// a previous crashed attempt already minted the tokens
		return svc.completeIssuedInvoice(ctx, invoice)
	case common.QuoteStatePaid:
		return svc.mintAndStoreTokens(ctx, invoice)
	}
	return nil
}

// mintAndStoreTokens requests the minted tokens for a paid quote and
// settles the invoice. The invoice moves to Processing before the
// mint is asked, so a crash mid-operation leaves a detectable trace
// for orphan recovery instead of a silently lost quote.
func (svc *GatewayService) mintAndStoreTokens(ctx context.Context, invoice *models.Invoice) error {
	store, err := svc.FindStore(ctx, invoice.StoreID)
	if err != nil {
		return err
	}

	res, err := svc.DB.NewUpdate().
		Model((*models.Invoice)(nil)).
		Set("status = ?", common.InvoiceStatusProcessing).
		Set("updated_at = ?", svc.Clock.Now()).
		Where("id = ? AND status = ?", invoice.ID, common.InvoiceStatusNew).
		Exec(ctx)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		// another trigger is already processing or has settled it
		return nil
	}
	invoice.Status = common.InvoiceStatusProcessing

	proofs, err := svc.MintClient.Mint(ctx, invoice.MintURL, invoice.QuoteID, store.Unit, invoice.AmountInMintUnit)
	if err != nil {
		// the invoice stays in Processing; if the mint actually
		// issued the tokens, orphan recovery settles it later
		return err
	}

	// The proofs go to disk before the invoice settles. Once they are
	// stored under the quote id, a failure anywhere below leaves a
	// Processing invoice that orphan recovery can complete; the other
	// order would lose the minted tokens for good.
	if err := svc.StoreProofs(ctx, svc.DB, store, invoice.MintURL, invoice.QuoteID, common.ProofStateUnspent, proofs); err != nil {
		return err
	}

	now := svc.Clock.Now()
	queue := svc.NewWebhookQueue()
	err = svc.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		invoice.Status = common.InvoiceStatusSettled
		invoice.SettledAt = bun.NullTime{Time: now}
		invoice.UpdatedAt = bun.NullTime{Time: now}
		if _, err := tx.NewUpdate().Model(invoice).Column("status", "settled_at", "updated_at").WherePK().Exec(ctx); err != nil {
			return err
		}
		if err := queue.Queue(invoice.StoreID, common.WebhookEventInvoiceReceivedPayment, invoice); err != nil {
			return err
		}
		if err := queue.Queue(invoice.StoreID, common.WebhookEventInvoiceSettled, invoice); err != nil {
			return err
		}
		return queue.Persist(ctx, tx)
	})
	if err != nil {
		queue.Discard()
		return err
	}
	queue.Flush(ctx)

	svc.Logger.Infof("Settled invoice %s: store_id:%d amount:%d %s", invoice.ID, invoice.StoreID, invoice.AmountInMintUnit, invoice.MintUnit)
	return nil
}

// completeIssuedInvoice settles an invoice whose quote the mint
// reports as already issued. Re-minting would be rejected as already
// consumed, so settlement relies on the proofs that were stored
// locally when the quote was first redeemed. The guarded update makes
// repeated calls yield exactly one settled transition.
func (svc *GatewayService) completeIssuedInvoice(ctx context.Context, invoice *models.Invoice) error {
	proofs, err := svc.GetProofsByQuoteID(ctx, invoice.QuoteID)
	if err != nil {
		return err
	}
	if len(proofs) == 0 {
		svc.Logger.Warnf("Quote %s reports issued but no local proofs exist for invoice %s, leaving status unchanged", invoice.QuoteID, invoice.ID)
		return nil
	}

	now := svc.Clock.Now()
	settled := false
	queue := svc.NewWebhookQueue()
	err = svc.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.Invoice)(nil)).
			Set("status = ?", common.InvoiceStatusSettled).
			Set("settled_at = ?", now).
			Set("updated_at = ?", now).
			Where("id = ? AND status IN (?)", invoice.ID, bun.In([]string{common.InvoiceStatusNew, common.InvoiceStatusProcessing})).
			Exec(ctx)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil
		}
		settled = true
		invoice.Status = common.InvoiceStatusSettled
		invoice.SettledAt = bun.NullTime{Time: now}
		if err := queue.Queue(invoice.StoreID, common.WebhookEventInvoiceSettled, invoice); err != nil {
			return err
		}
		return queue.Persist(ctx, tx)
	})
	if err != nil {
		queue.Discard()
		return err
	}
	queue.Flush(ctx)

	if settled {
		svc.Logger.Infof("Recovered issued invoice %s from locally stored proofs", invoice.ID)
	}
	return nil
}

// RecoverOrphanedInvoices re-checks invoices stuck in Processing. If
// proofs tied to their quote id exist locally the crash happened
// between minting and the status update, and the invoice settles.
func (svc *GatewayService) RecoverOrphanedInvoices(ctx context.Context) error {
	cutoff := svc.Clock.Now().Add(-time.Duration(svc.Config.OrphanAge) * time.Second)
	stuck := []models.Invoice{}
	err := svc.DB.NewSelect().
		Model(&stuck).
		Where("status = ? AND updated_at < ?", common.InvoiceStatusProcessing, cutoff).
		Scan(ctx)
	if err != nil {
		return err
	}

	for i := range stuck {
		if err := svc.completeIssuedInvoice(ctx, &stuck[i]); err != nil {
			svc.Logger.Errorf("Failed to recover orphaned invoice %s: %v", stuck[i].ID, err)
		}
	}
	return nil
}

// ExpireStaleInvoices expires New invoices that are much older than
// any plausible quote lifetime, regardless of their expiration time.
func (svc *GatewayService) ExpireStaleInvoices(ctx context.Context) (int, error) {
	cutoff := svc.Clock.Now().Add(-time.Duration(svc.Config.StaleInvoiceAge) * time.Second)
	res, err := svc.DB.NewUpdate().
		Model((*models.Invoice)(nil)).
		Set("status = ?", common.InvoiceStatusExpired).
		Set("updated_at = ?", svc.Clock.Now()).
		Where("status = ? AND created_at < ?", common.InvoiceStatusNew, cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// DeleteOldInvoices removes terminal invoices past the retention age.
func (svc *GatewayService) DeleteOldInvoices(ctx context.Context) (int, error) {
	cutoff := svc.Clock.Now().Add(-time.Duration(svc.Config.DeleteInvoiceAge) * time.Second)
	res, err := svc.DB.NewDelete().
		Model((*models.Invoice)(nil)).
		Where("status IN (?) AND created_at < ?", bun.In([]string{common.InvoiceStatusExpired, common.InvoiceStatusInvalid}), cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}
