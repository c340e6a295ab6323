package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/jooray/cashupayserver/common"
	"github.com/jooray/cashupayserver/mint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBackgroundTasksSkipsAutoMeltInternally(t *testing.T) {
	svc, _, _ := setupService(t)
	createTestStore(t, svc)
	ctx := context.Background()

	report := svc.RunBackgroundTasks(ctx, common.TriggerInternal)

	assert.Equal(t, common.TaskResultSkipped, report.Tasks[common.TaskAutoMelt])
	assert.Equal(t, common.TaskResultSuccess, report.Tasks[common.TaskMarkExpired])
	assert.Equal(t, common.TaskResultSuccess, report.Tasks[common.TaskPollPendingQuotes])
	assert.Equal(t, common.TaskResultSuccess, report.Tasks[common.TaskOrphanRecovery])
	assert.Equal(t, common.TaskResultSuccess, report.Tasks[common.TaskPruneWebhookDeliveries])
}

func TestAutoMeltRunsOnExternalTrigger(t *testing.T) {
	svc, mintClient, _ := setupService(t)
	store := createTestStore(t, svc)
	ctx := context.Background()

	_, err := svc.DB.NewUpdate().
		Model(store).
		Set("auto_melt_enabled = ?", true).
		Set("auto_melt_threshold = ?", 400).
		Set("auto_melt_address = ?", "lnbc-payout-request").
		WherePK().
		Exec(ctx)
	require.NoError(t, err)

	seedProofs(t, svc, store, 500)

	mintClient.requestMeltQuoteFn = func(ctx context.Context, mintURL, paymentRequest, unit string) (*mint.MeltQuote, error) {
		assert.Equal(t, "lnbc-payout-request", paymentRequest)
		return &mint.MeltQuote{Quote: "melt-1", Amount: 450, FeeReserve: 10, State: common.QuoteStateUnpaid}, nil
	}
	melted := false
	mintClient.meltFn = func(ctx context.Context, mintURL, quoteID string, inputs []mint.Proof) (*mint.MeltResult, error) {
		melted = true
		assert.Equal(t, "melt-1", quoteID)
		return &mint.MeltResult{State: common.QuoteStatePaid, Preimage: "preimage"}, nil
	}

	report := svc.RunBackgroundTasks(ctx, common.TriggerExternal)
	assert.Equal(t, common.TaskResultSuccess, report.Tasks[common.TaskAutoMelt])
	assert.True(t, melted)

	// the melted inputs are spent, the balance drops below the threshold
	balance, err := svc.GetBalance(ctx, store.ID, store.MintURL, store.Unit)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestAutoMeltBelowThresholdDoesNothing(t *testing.T) {
	svc, mintClient, _ := setupService(t)
	store := createTestStore(t, svc)
	ctx := context.Background()

	_, err := svc.DB.NewUpdate().
		Model(store).
		Set("auto_melt_enabled = ?", true).
		Set("auto_melt_threshold = ?", 1000).
		Set("auto_melt_address = ?", "lnbc-payout-request").
		WherePK().
		Exec(ctx)
	require.NoError(t, err)

	seedProofs(t, svc, store, 500)

	mintClient.requestMeltQuoteFn = func(ctx context.Context, mintURL, paymentRequest, unit string) (*mint.MeltQuote, error) {
		t.Fatal("melt quote must not be requested below the threshold")
		return nil, nil
	}

	require.NoError(t, svc.AutoMeltCheck(ctx))
}

func TestOneFailingTaskDoesNotBlockOthers(t *testing.T) {
	svc, mintClient, _ := setupService(t)
	store := createTestStore(t, svc)
	ctx := context.Background()

	_, err := svc.DB.NewUpdate().
		Model(store).
		Set("auto_melt_enabled = ?", true).
		Set("auto_melt_threshold = ?", 100).
		Set("auto_melt_address = ?", "lnbc-payout-request").
		WherePK().
		Exec(ctx)
	require.NoError(t, err)
	seedProofs(t, svc, store, 500)

	mintClient.requestMeltQuoteFn = func(ctx context.Context, mintURL, paymentRequest, unit string) (*mint.MeltQuote, error) {
		panic("melt quote blew up")
	}

	report := svc.RunBackgroundTasks(ctx, common.TriggerExternal)

	// auto-melt logged its failure, everything after it still ran
	assert.Contains(t, report.Tasks[common.TaskAutoMelt], "error:")
	assert.Equal(t, common.TaskResultSuccess, report.Tasks[common.TaskPendingProofCleanup])
	assert.Equal(t, common.TaskResultSuccess, report.Tasks[common.TaskDeleteOldInvoices])
}

func TestShouldSyncCooldown(t *testing.T) {
	svc, _, _ := setupService(t)

	assert.True(t, svc.ShouldSync())
	assert.False(t, svc.ShouldSync(), "cooldown must gate a second sync")

	fakeClock(svc).Advance(time.Duration(svc.Config.SyncCooldown+1) * time.Second)
	assert.True(t, svc.ShouldSync())
}
