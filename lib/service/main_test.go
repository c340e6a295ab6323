package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jooray/cashupayserver/db"
	"github.com/jooray/cashupayserver/db/migrations"
	"github.com/jooray/cashupayserver/db/models"
	"github.com/jooray/cashupayserver/lib/service"
	"github.com/jooray/cashupayserver/mint"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/migrate"
	"github.com/ziflex/lecho/v3"
)

// fakeMint is a function-field test double for the mint client. Any
// operation without a configured function fails loudly.
type fakeMint struct {
	mu sync.Mutex

	requestMintQuoteFn func(ctx context.Context, mintURL string, amount int64, unit string) (*mint.MintQuote, error)
	checkMintQuoteFn   func(ctx context.Context, mintURL, quoteID string) (*mint.MintQuote, error)
	mintFn             func(ctx context.Context, mintURL, quoteID, unit string, amount int64) ([]mint.Proof, error)
	requestMeltQuoteFn func(ctx context.Context, mintURL, paymentRequest, unit string) (*mint.MeltQuote, error)
	meltFn             func(ctx context.Context, mintURL, quoteID string, inputs []mint.Proof) (*mint.MeltResult, error)
	swapFn             func(ctx context.Context, mintURL, unit string, inputs []mint.Proof, targetAmounts []int64) ([]mint.Proof, error)
	checkProofStatesFn func(ctx context.Context, mintURL string, proofs []mint.Proof) ([]mint.ProofState, error)
	calculateFeeFn     func(ctx context.Context, mintURL string, proofs []mint.Proof) (int64, error)

	checkMintQuoteCalls int
	swapCalls           int
}

var _ mint.Client = (*fakeMint)(nil)

func (f *fakeMint) Info(ctx context.Context, mintURL string) (*mint.Info, error) {
	return &mint.Info{Name: "fake mint"}, nil
}

func (f *fakeMint) RequestMintQuote(ctx context.Context, mintURL string, amount int64, unit string) (*mint.MintQuote, error) {
	if f.requestMintQuoteFn == nil {
		return nil, fmt.Errorf("unexpected RequestMintQuote call")
	}
	return f.requestMintQuoteFn(ctx, mintURL, amount, unit)
}

func (f *fakeMint) CheckMintQuote(ctx context.Context, mintURL, quoteID string) (*mint.MintQuote, error) {
	f.mu.Lock()
	f.checkMintQuoteCalls++
	f.mu.Unlock()
	if f.checkMintQuoteFn == nil {
		return nil, fmt.Errorf("unexpected CheckMintQuote call")
	}
	return f.checkMintQuoteFn(ctx, mintURL, quoteID)
}

func (f *fakeMint) Mint(ctx context.Context, mintURL, quoteID, unit string, amount int64) ([]mint.Proof, error) {
	if f.mintFn == nil {
		return nil, fmt.Errorf("unexpected Mint call")
	}
	return f.mintFn(ctx, mintURL, quoteID, unit, amount)
}

func (f *fakeMint) RequestMeltQuote(ctx context.Context, mintURL, paymentRequest, unit string) (*mint.MeltQuote, error) {
	if f.requestMeltQuoteFn == nil {
		return nil, fmt.Errorf("unexpected RequestMeltQuote call")
	}
	return f.requestMeltQuoteFn(ctx, mintURL, paymentRequest, unit)
}

func (f *fakeMint) Melt(ctx context.Context, mintURL, quoteID string, inputs []mint.Proof) (*mint.MeltResult, error) {
	if f.meltFn == nil {
		return nil, fmt.Errorf("unexpected Melt call")
	}
	return f.meltFn(ctx, mintURL, quoteID, inputs)
}

func (f *fakeMint) Swap(ctx context.Context, mintURL, unit string, inputs []mint.Proof, targetAmounts []int64) ([]mint.Proof, error) {
	f.mu.Lock()
	f.swapCalls++
	f.mu.Unlock()
	if f.swapFn == nil {
		return nil, fmt.Errorf("unexpected Swap call")
	}
	return f.swapFn(ctx, mintURL, unit, inputs, targetAmounts)
}

func (f *fakeMint) CheckProofStates(ctx context.Context, mintURL string, proofs []mint.Proof) ([]mint.ProofState, error) {
	if f.checkProofStatesFn == nil {
		// default: everything still unspent
		states := make([]mint.ProofState, len(proofs))
		for i := range proofs {
			states[i] = mint.ProofState{State: "UNSPENT"}
		}
		return states, nil
	}
	return f.checkProofStatesFn(ctx, mintURL, proofs)
}

func (f *fakeMint) CalculateFee(ctx context.Context, mintURL string, proofs []mint.Proof) (int64, error) {
	if f.calculateFeeFn == nil {
		return 0, nil
	}
	return f.calculateFeeFn(ctx, mintURL, proofs)
}

// fakeRates converts 1:1 so amounts stay readable in assertions.
type fakeRates struct{}

func (fakeRates) Convert(ctx context.Context, amount float64, currency, unit string) (int64, float64, error) {
	return int64(amount), 1, nil
}

type webhookEvent struct {
	Event   string          `json:"event"`
	StoreID int64           `json:"storeId"`
	Data    json.RawMessage `json:"data"`
}

// webhookRecorder captures webhook deliveries over real HTTP.
type webhookRecorder struct {
	mu     sync.Mutex
	server *httptest.Server
	events []webhookEvent
}

func newWebhookRecorder() *webhookRecorder {
	recorder := &webhookRecorder{}
	recorder.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		recorder.mu.Lock()
		recorder.events = append(recorder.events, event)
		recorder.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	return recorder
}

func (r *webhookRecorder) eventsOfType(eventType string) []webhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := []webhookEvent{}
	for _, event := range r.events {
		if event.Event == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func setupService(t *testing.T) (*service.GatewayService, *fakeMint, *webhookRecorder) {
	t.Helper()

	config := &service.Config{
		DatabaseUri:      fmt.Sprintf("file:%s?mode=memory", t.Name()),
		SyncCooldown:     300,
		PollMinInterval:  60,
		PollBatchLimit:   20,
		OrphanAge:        60,
		StaleInvoiceAge:  86400,
		DeleteInvoiceAge: 7776000,
		InvoiceExpiry:    900,
		WebhookRetention: 1000,
		MaxDonationShare: 10,
	}

	dbConn, err := db.Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { dbConn.Close() })

	ctx := context.Background()
	migrator := migrate.NewMigrator(dbConn, migrations.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)

	recorder := newWebhookRecorder()
	t.Cleanup(recorder.server.Close)
	config.WebhookUrl = recorder.server.URL

	mintClient := &fakeMint{}
	svc := &service.GatewayService{
		Config:      config,
		DB:          dbConn,
		Logger:      lecho.New(io.Discard),
		MintClient:  mintClient,
		RatesClient: fakeRates{},
		Clock:       clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	return svc, mintClient, recorder
}

func createTestStore(t *testing.T, svc *service.GatewayService, backupMints ...string) *models.Store {
	t.Helper()
	ctx := context.Background()
	store := &models.Store{
		Name:    "test store",
		MintURL: "https://mint.test",
		Unit:    "sat",
		Seed:    "test seed",
	}
	_, err := svc.DB.NewInsert().Model(store).Exec(ctx)
	require.NoError(t, err)

	for i, mintURL := range backupMints {
		backup := &models.BackupMint{
			StoreID:  store.ID,
			MintURL:  mintURL,
			Priority: i,
			Enabled:  true,
		}
		_, err := svc.DB.NewInsert().Model(backup).Exec(ctx)
		require.NoError(t, err)
	}

	created, err := svc.FindStore(ctx, store.ID)
	require.NoError(t, err)
	return created
}

func fakeClock(svc *service.GatewayService) clockwork.FakeClock {
	return svc.Clock.(clockwork.FakeClock)
}
