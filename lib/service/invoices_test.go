package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jooray/cashupayserver/common"
	"github.com/jooray/cashupayserver/db/models"
	"github.com/jooray/cashupayserver/lib/service"
	"github.com/jooray/cashupayserver/mint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func unpaidQuoteFn(quoteID string) func(ctx context.Context, mintURL string, amount int64, unit string) (*mint.MintQuote, error) {
	return func(ctx context.Context, mintURL string, amount int64, unit string) (*mint.MintQuote, error) {
		return &mint.MintQuote{
			Quote:          quoteID,
			PaymentRequest: "lnbc10u1fake",
			State:          common.QuoteStateUnpaid,
		}, nil
	}
}

func TestCreateInvoice(t *testing.T) {
	svc, mintClient, recorder := setupService(t)
	store := createTestStore(t, svc)
	ctx := context.Background()

	mintClient.requestMintQuoteFn = unpaidQuoteFn("quote-1")

	invoice, err := svc.CreateInvoice(ctx, store.ID, 1000, "sat", `{"order":"42"}`)
	require.NoError(t, err)

	assert.Equal(t, common.InvoiceStatusNew, invoice.Status)
	assert.Equal(t, "quote-1", invoice.QuoteID)
	assert.Equal(t, store.MintURL, invoice.MintURL)
	assert.Equal(t, int64(1000), invoice.AmountInMintUnit)
	assert.Equal(t, "lnbc10u1fake", invoice.PaymentRequest)
	expectedExpiry := fakeClock(svc).Now().Add(time.Duration(svc.Config.InvoiceExpiry) * time.Second)
	assert.WithinDuration(t, expectedExpiry, invoice.ExpiresAt, time.Second)

	created := recorder.eventsOfType(common.WebhookEventInvoiceCreated)
	require.Len(t, created, 1)
	assert.Equal(t, store.ID, created[0].StoreID)
}

func TestCreateInvoiceStoreNotConfigured(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	store := &models.Store{Name: "bare", MintURL: "https://mint.test", Unit: "sat"}
	_, err := svc.DB.NewInsert().Model(store).Exec(ctx)
	require.NoError(t, err)

	_, err = svc.CreateInvoice(ctx, store.ID, 1000, "sat", "")
	assert.ErrorIs(t, err, service.ErrStoreNotConfigured)
}

func TestPollSettlesPaidInvoice(t *testing.T) {
	svc, mintClient, recorder := setupService(t)
	store := createTestStore(t, svc)
	ctx := context.Background()

	mintClient.requestMintQuoteFn = unpaidQuoteFn("quote-paid")
	invoice, err := svc.CreateInvoice(ctx, store.ID, 1000, "sat", "")
	require.NoError(t, err)

	quoteState := common.QuoteStateUnpaid
	mintClient.checkMintQuoteFn = func(ctx context.Context, mintURL, quoteID string) (*mint.MintQuote, error) {
		return &mint.MintQuote{Quote: quoteID, State: quoteState}, nil
	}
	mintClient.mintFn = func(ctx context.Context, mintURL, quoteID, unit string, amount int64) ([]mint.Proof, error) {
		return []mint.Proof{
			{Amount: 512, Id: "00ab", Secret: "secret-512", C: "c-512"},
			{Amount: 488, Id: "00ab", Secret: "secret-488", C: "c-488"},
		}, nil
	}

	// still unpaid, nothing settles
	require.NoError(t, svc.PollPendingQuotes(ctx, time.Minute, 20))
	unchanged, err := svc.FindInvoice(ctx, store.ID, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, common.InvoiceStatusNew, unchanged.Status)

	// quote flips to paid, the next due poll mints and settles
	quoteState = common.QuoteStatePaid
	fakeClock(svc).Advance(2 * time.Minute)
	require.NoError(t, svc.PollPendingQuotes(ctx, time.Minute, 20))

	settled, err := svc.FindInvoice(ctx, store.ID, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, common.InvoiceStatusSettled, settled.Status)
	assert.False(t, settled.SettledAt.IsZero())

	balance, err := svc.GetBalance(ctx, store.ID, store.MintURL, store.Unit)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	assert.Len(t, recorder.eventsOfType(common.WebhookEventInvoiceReceivedPayment), 1)
	assert.Len(t, recorder.eventsOfType(common.WebhookEventInvoiceSettled), 1)

	// settled invoices are terminal, another poll never contacts the mint
	calls := mintClient.checkMintQuoteCalls
	fakeClock(svc).Advance(2 * time.Minute)
	require.NoError(t, svc.PollPendingQuotes(ctx, time.Minute, 20))
	assert.Equal(t, calls, mintClient.checkMintQuoteCalls)
}

func TestPollTimestampGate(t *testing.T) {
	svc, mintClient, _ := setupService(t)
	store := createTestStore(t, svc)
	ctx := context.Background()

	mintClient.requestMintQuoteFn = unpaidQuoteFn("quote-gate")
	_, err := svc.CreateInvoice(ctx, store.ID, 100, "sat", "")
	require.NoError(t, err)

	mintClient.checkMintQuoteFn = func(ctx context.Context, mintURL, quoteID string) (*mint.MintQuote, error) {
		return &mint.MintQuote{Quote: quoteID, State: common.QuoteStateUnpaid}, nil
	}

	require.NoError(t, svc.PollPendingQuotes(ctx, time.Minute, 20))
	assert.Equal(t, 1, mintClient.checkMintQuoteCalls)

	// within the interval the invoice is not due again
	require.NoError(t, svc.PollPendingQuotes(ctx, time.Minute, 20))
	assert.Equal(t, 1, mintClient.checkMintQuoteCalls)

	fakeClock(svc).Advance(2 * time.Minute)
	require.NoError(t, svc.PollPendingQuotes(ctx, time.Minute, 20))
	assert.Equal(t, 2, mintClient.checkMintQuoteCalls)
}

func TestPollStampsTimestampBeforeMintContact(t *testing.T) {
	svc, mintClient, _ := setupService(t)
	store := createTestStore(t, svc)
	ctx := context.Background()

	mintClient.requestMintQuoteFn = unpaidQuoteFn("quote-err")
	invoice, err := svc.CreateInvoice(ctx, store.ID, 100, "sat", "")
	require.NoError(t, err)

	mintClient.checkMintQuoteFn = func(ctx context.Context, mintURL, quoteID string) (*mint.MintQuote, error) {
		return nil, &mint.NetworkError{URL: mintURL, Err: fmt.Errorf("connection refused")}
	}

	require.NoError(t, svc.PollPendingQuotes(ctx, time.Minute, 20))
	polled, err := svc.FindInvoice(ctx, store.ID, invoice.ID)
	require.NoError(t, err)
	assert.False(t, polled.LastPolledAt.IsZero(), "a failing poll must still consume the interval")

	// the mint error must not cause an immediate re-poll
	require.NoError(t, svc.PollPendingQuotes(ctx, time.Minute, 20))
	assert.Equal(t, 1, mintClient.checkMintQuoteCalls)
}

func TestMintedProofsSurviveFailedSettlement(t *testing.T) {
	svc, mintClient, recorder := setupService(t)
	store := createTestStore(t, svc)
	ctx := context.Background()

	mintClient.requestMintQuoteFn = unpaidQuoteFn("quote-crash")
	invoice, err := svc.CreateInvoice(ctx, store.ID, 1000, "sat", "")
	require.NoError(t, err)

	mintClient.checkMintQuoteFn = func(ctx context.Context, mintURL, quoteID string) (*mint.MintQuote, error) {
		return &mint.MintQuote{Quote: quoteID, State: common.QuoteStatePaid}, nil
	}
	mintClient.mintFn = func(ctx context.Context, mintURL, quoteID, unit string, amount int64) ([]mint.Proof, error) {
		return []mint.Proof{
			{Amount: 1000, Id: "00ab", Secret: "crash-secret", C: "crash-c"},
		}, nil
	}

	// sabotage the settle transaction after minting succeeded
	_, err = svc.DB.ExecContext(ctx, "ALTER TABLE webhook_deliveries RENAME TO webhook_deliveries_hidden")
	require.NoError(t, err)

	require.NoError(t, svc.PollPendingQuotes(ctx, time.Minute, 20))

	stuck, err := svc.FindInvoice(ctx, store.ID, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, common.InvoiceStatusProcessing, stuck.Status)

	// the minted proofs hit the disk before the settlement failed
	balance, err := svc.GetBalance(ctx, store.ID, store.MintURL, store.Unit)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	_, err = svc.DB.ExecContext(ctx, "ALTER TABLE webhook_deliveries_hidden RENAME TO webhook_deliveries")
	require.NoError(t, err)

	// with the proofs stored under the quote id, orphan recovery can
	// finish what the failed settlement started
	fakeClock(svc).Advance(2 * time.Minute)
	require.NoError(t, svc.RecoverOrphanedInvoices(ctx))

	recovered, err := svc.FindInvoice(ctx, store.ID, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, common.InvoiceStatusSettled, recovered.Status)
	assert.Len(t, recorder.eventsOfType(common.WebhookEventInvoiceSettled), 1)
}

func TestPollStampsServiceClock(t *testing.T) {
	svc, mintClient, _ := setupService(t)
	store := createTestStore(t, svc)
	ctx := context.Background()

	mintClient.requestMintQuoteFn = unpaidQuoteFn("quote-clock")
	invoice, err := svc.CreateInvoice(ctx, store.ID, 100, "sat", "")
	require.NoError(t, err)

	mintClient.checkMintQuoteFn = func(ctx context.Context, mintURL, quoteID string) (*mint.MintQuote, error) {
		return &mint.MintQuote{Quote: quoteID, State: common.QuoteStateUnpaid}, nil
	}

	require.NoError(t, svc.PollPendingQuotes(ctx, time.Minute, 20))

	// updated_at comes from the injected clock, not the wall clock, so
	// the orphan-recovery cutoff and the poll stamp share a timeline
	polled, err := svc.FindInvoice(ctx, store.ID, invoice.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, fakeClock(svc).Now(), polled.UpdatedAt.Time, time.Second)
	assert.WithinDuration(t, fakeClock(svc).Now(), polled.LastPolledAt.Time, time.Second)
}

func TestMarkExpiredInvoices(t *testing.T) {
	svc, mintClient, recorder := setupService(t)
	store := createTestStore(t, svc)
	ctx := context.Background()

	mintClient.requestMintQuoteFn = unpaidQuoteFn("quote-exp")
	invoice, err := svc.CreateInvoice(ctx, store.ID, 100, "sat", "")
	require.NoError(t, err)

	fakeClock(svc).Advance(time.Duration(svc.Config.InvoiceExpiry+60) * time.Second)

	count, err := svc.MarkExpiredInvoices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	expired, err := svc.FindInvoice(ctx, store.ID, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, common.InvoiceStatusExpired, expired.Status)
	assert.Len(t, recorder.eventsOfType(common.WebhookEventInvoiceExpired), 1)

	// expired invoices are never polled
	require.NoError(t, svc.PollPendingQuotes(ctx, time.Minute, 20))
	assert.Equal(t, 0, mintClient.checkMintQuoteCalls)

	// and expiry is terminal, a second pass finds nothing
	count, err = svc.MarkExpiredInvoices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestOrphanRecoveryIdempotent(t *testing.T) {
	svc, _, recorder := setupService(t)
	store := createTestStore(t, svc)
	ctx := context.Background()

	now := fakeClock(svc).Now()
	invoice := &models.Invoice{
		ID:               "orphan-1",
		StoreID:          store.ID,
		Status:           common.InvoiceStatusProcessing,
		QuoteID:          "quote-orphan",
		MintURL:          store.MintURL,
		Amount:           100,
		Currency:         "sat",
		AmountInMintUnit: 100,
		MintUnit:         "sat",
		CreatedAt:        now.Add(-10 * time.Minute),
		ExpiresAt:        now.Add(5 * time.Minute),
		UpdatedAt:        bun.NullTime{Time: now.Add(-5 * time.Minute)},
	}
	_, err := svc.DB.NewInsert().Model(invoice).Exec(ctx)
	require.NoError(t, err)

	// the crash happened after minting: proofs exist under the quote id
	err = svc.StoreProofs(ctx, svc.DB, store, store.MintURL, "quote-orphan", common.ProofStateUnspent, []mint.Proof{
		{Amount: 100, Id: "00ab", Secret: "orphan-secret", C: "orphan-c"},
	})
	require.NoError(t, err)

	require.NoError(t, svc.RecoverOrphanedInvoices(ctx))
	require.NoError(t, svc.RecoverOrphanedInvoices(ctx))

	recovered, err := svc.FindInvoice(ctx, store.ID, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, common.InvoiceStatusSettled, recovered.Status)

	// exactly one settled transition means exactly one notification
	assert.Len(t, recorder.eventsOfType(common.WebhookEventInvoiceSettled), 1)
}

func TestOrphanRecoveryWithoutProofsLeavesInvoiceAlone(t *testing.T) {
	svc, _, recorder := setupService(t)
	store := createTestStore(t, svc)
	ctx := context.Background()

	now := fakeClock(svc).Now()
	invoice := &models.Invoice{
		ID:               "orphan-2",
		StoreID:          store.ID,
		Status:           common.InvoiceStatusProcessing,
		QuoteID:          "quote-no-proofs",
		MintURL:          store.MintURL,
		Amount:           100,
		Currency:         "sat",
		AmountInMintUnit: 100,
		MintUnit:         "sat",
		CreatedAt:        now.Add(-10 * time.Minute),
		ExpiresAt:        now.Add(5 * time.Minute),
		UpdatedAt:        bun.NullTime{Time: now.Add(-5 * time.Minute)},
	}
	_, err := svc.DB.NewInsert().Model(invoice).Exec(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.RecoverOrphanedInvoices(ctx))

	unchanged, err := svc.FindInvoice(ctx, store.ID, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, common.InvoiceStatusProcessing, unchanged.Status)
	assert.Empty(t, recorder.eventsOfType(common.WebhookEventInvoiceSettled))
}

func TestMintFailover(t *testing.T) {
	svc, mintClient, _ := setupService(t)
	store := createTestStore(t, svc, "https://backup-b.test", "https://backup-c.test")
	ctx := context.Background()

	mintClient.requestMintQuoteFn = func(ctx context.Context, mintURL string, amount int64, unit string) (*mint.MintQuote, error) {
		if mintURL == "https://backup-c.test" {
			return &mint.MintQuote{Quote: "quote-c", PaymentRequest: "lnbc-c", State: common.QuoteStateUnpaid}, nil
		}
		return nil, &mint.NetworkError{URL: mintURL, Err: fmt.Errorf("down")}
	}

	invoice, err := svc.CreateInvoice(ctx, store.ID, 100, "sat", "")
	require.NoError(t, err)
	assert.Equal(t, "https://backup-c.test", invoice.MintURL)
	assert.Equal(t, "quote-c", invoice.QuoteID)
}

func TestMintFailoverAllFail(t *testing.T) {
	svc, mintClient, _ := setupService(t)
	store := createTestStore(t, svc, "https://backup-b.test", "https://backup-c.test")
	ctx := context.Background()

	mintClient.requestMintQuoteFn = func(ctx context.Context, mintURL string, amount int64, unit string) (*mint.MintQuote, error) {
		return nil, &mint.NetworkError{URL: mintURL, Err: fmt.Errorf("down: %s", mintURL)}
	}

	_, err := svc.CreateInvoice(ctx, store.ID, 100, "sat", "")
	require.Error(t, err)
	// the error carries the failure of the last mint tried
	assert.Contains(t, err.Error(), "backup-c.test")
}
