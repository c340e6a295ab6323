package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/jooray/cashupayserver/common"
	"github.com/jooray/cashupayserver/db/models"
	"github.com/jooray/cashupayserver/mint"
	"github.com/uptrace/bun"
)

const (
	ExportStatusOk            = "ok"
	ExportStatusChangeNeeded  = "change_needed"
	ExportStatusRetryRequired = "retry_required"
)

type ExportRequest struct {
	StoreID         int64
	Amount          int64
	DonationPercent int
	// ForceAmount accepts a greedy selection that overshoots the
	// requested amount. Callers set it to the available sum from a
	// previous change_needed response; the export only proceeds if
	// the selection still adds up to exactly that.
	ForceAmount int64
}

type ExportResult struct {
	Status         string `json:"status"`
	Token          string `json:"token,omitempty"`
	Amount         int64  `json:"amount"`
	DonationAmount int64  `json:"donationAmount,omitempty"`
	Available      int64  `json:"available,omitempty"`
	MintUsed       bool   `json:"mintUsed"`
}

// ExportTokens withdraws ecash from a store's wallet as a portable
// bearer token. The happy path swaps inputs at the mint for exact
// payment, donation and change denominations; when the mint is
// unreachable the export degrades to an offline mode that can only
// hand out existing proofs as-is.
func (svc *GatewayService) ExportTokens(ctx context.Context, req *ExportRequest) (*ExportResult, error) {
	store, err := svc.FindStore(ctx, req.StoreID)
	if err != nil {
		return nil, err
	}
	if store.MintURL == "" || store.Seed == "" {
		return nil, ErrStoreNotConfigured
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("export amount must be positive, got %d", req.Amount)
	}

	// Opportunistic reconciliation: stale PENDING proofs from an
	// abandoned export flow back into the spendable balance before
	// we measure it. Best effort, the export proceeds either way.
	if err := svc.CheckPendingProofs(ctx, store); err != nil {
		svc.Logger.Infof("Skipping pending proof reconciliation before export: %v", err)
	}

	unspent, err := svc.GetUnspentProofs(ctx, store.ID, store.MintURL, store.Unit)
	if err != nil {
		return nil, err
	}
	available := int64(0)
	for _, proof := range unspent {
		available += proof.Amount
	}
	if available < req.Amount {
		return nil, ErrNotEnoughBalance
	}

	donation := donationAmount(req.Amount, req.DonationPercent, svc.Config.MaxDonationShare)
	if donation > 0 && (svc.Config.DonationSinkUrl == "" || available < req.Amount+donation) {
		// dropped silently, the payment itself must never fail
		// because of the donation rider
		donation = 0
	}

	wallet := toMintProofs(unspent)

	// Exact offline split first: if existing denominations already
	// line up, no mint round trip is needed at all.
	if result, ok, err := svc.exportExactOffline(ctx, store, wallet, req.Amount, donation); err != nil {
		return nil, err
	} else if ok {
		return result, nil
	}

	result, err := svc.exportViaSwap(ctx, store, wallet, req.Amount, donation)
	if err == nil {
		return result, nil
	}

	if mint.IsTokenAlreadySpent(err) {
		// local state lied about an input; resync and make the
		// caller retry against the corrected balance
		if syncErr := svc.resyncUnspentProofs(ctx, store, unspent); syncErr != nil {
			svc.Logger.Errorf("Failed to resync proofs after double-spend rejection: %v", syncErr)
		}
		return &ExportResult{Status: ExportStatusRetryRequired, Amount: req.Amount}, nil
	}
	if !mint.IsNetworkError(err) {
		return nil, err
	}

	svc.Logger.Infof("Mint unreachable during export, falling back to offline selection: %v", err)
	return svc.exportOffline(ctx, store, wallet, req)
}

// exportExactOffline succeeds only when both the payment and the
// donation can be carved out of the wallet without change.
func (svc *GatewayService) exportExactOffline(ctx context.Context, store *models.Store, wallet []mint.Proof, amount, donation int64) (*ExportResult, bool, error) {
	payment, sum := mint.SelectProofs(wallet, amount)
	if sum != amount {
		return nil, false, nil
	}
	var donationProofs []mint.Proof
	if donation > 0 {
		remaining := withoutProofs(wallet, payment)
		selected, donationSum := mint.SelectProofs(remaining, donation)
		if donationSum != donation {
			return nil, false, nil
		}
		donationProofs = selected
	}

	result, err := svc.finishOfflineExport(ctx, store, payment, donationProofs, amount, donation)
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

// exportViaSwap swaps selected inputs at the mint into exact
// denominations for payment, donation and change.
func (svc *GatewayService) exportViaSwap(ctx context.Context, store *models.Store, wallet []mint.Proof, amount, donation int64) (*ExportResult, error) {
	inputs, sum, fee, err := svc.selectSwapInputs(ctx, store, wallet, amount+donation)
	if donation > 0 && errors.Is(err, ErrNotEnoughBalance) {
		// the swap fee tipped the donation over the balance; the
		// payment itself must never fail because of the donation rider
		donation = 0
		inputs, sum, fee, err = svc.selectSwapInputs(ctx, store, wallet, amount)
	}
	if err != nil {
		return nil, err
	}
	change := sum - amount - donation - fee

	paymentSplit := mint.SplitAmount(amount)
	donationSplit := mint.SplitAmount(donation)
	changeSplit := mint.SplitAmount(change)
	targets := append(append(append([]int64{}, paymentSplit...), donationSplit...), changeSplit...)

	fresh, err := svc.MintClient.Swap(ctx, store.MintURL, store.Unit, inputs, targets)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(targets) {
		return nil, fmt.Errorf("mint returned %d proofs for %d requested outputs", len(fresh), len(targets))
	}
	payment := fresh[:len(paymentSplit)]
	donationProofs := fresh[len(paymentSplit) : len(paymentSplit)+len(donationSplit)]
	changeProofs := fresh[len(paymentSplit)+len(donationSplit):]

	err = svc.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if err := svc.UpdateProofsState(ctx, tx, proofSecrets(inputs), common.ProofStateSpent); err != nil {
			return err
		}
		if err := svc.StoreProofs(ctx, tx, store, store.MintURL, "", common.ProofStatePending, payment); err != nil {
			return err
		}
		if err := svc.StoreProofs(ctx, tx, store, store.MintURL, "", common.ProofStateUnspent, donationProofs); err != nil {
			return err
		}
		return svc.StoreProofs(ctx, tx, store, store.MintURL, "", common.ProofStateUnspent, changeProofs)
	})
	if err != nil {
		return nil, err
	}

	token, err := mint.SerializeToken(store.MintURL, store.Unit, payment, "")
	if err != nil {
		return nil, err
	}

	donated := svc.sendDonation(ctx, store, donationProofs, donation)

	svc.Logger.Infof("Exported tokens via swap: store_id:%d amount:%d donation:%d fee:%d change:%d", store.ID, amount, donated, fee, change)
	return &ExportResult{
		Status:         ExportStatusOk,
		Token:          token,
		Amount:         amount,
		DonationAmount: donated,
		MintUsed:       true,
	}, nil
}

// selectSwapInputs picks inputs covering the target plus the swap fee
// their count incurs, widening the selection once when the first fee
// quote pushes the total past the selected sum.
func (svc *GatewayService) selectSwapInputs(ctx context.Context, store *models.Store, wallet []mint.Proof, target int64) ([]mint.Proof, int64, int64, error) {
	inputs, sum := mint.SelectProofs(wallet, target)

	fee, err := svc.MintClient.CalculateFee(ctx, store.MintURL, inputs)
	if err != nil {
		return nil, 0, 0, err
	}
	if sum < target+fee {
		inputs, sum = mint.SelectProofs(wallet, target+fee)
		fee, err = svc.MintClient.CalculateFee(ctx, store.MintURL, inputs)
		if err != nil {
			return nil, 0, 0, err
		}
		if sum < target+fee {
			return nil, 0, 0, ErrNotEnoughBalance
		}
	}
	return inputs, sum, fee, nil
}

// exportOffline is the degraded path when the mint is unreachable:
// only whole existing proofs can leave the wallet, so the selection
// sum may exceed the requested amount. The caller either accepts the
// overshoot with ForceAmount or gets told what is achievable.
func (svc *GatewayService) exportOffline(ctx context.Context, store *models.Store, wallet []mint.Proof, req *ExportRequest) (*ExportResult, error) {
	payment, sum := mint.SelectProofs(wallet, req.Amount)
	if sum != req.Amount && sum != req.ForceAmount {
		return &ExportResult{
			Status:    ExportStatusChangeNeeded,
			Amount:    req.Amount,
			Available: sum,
		}, nil
	}
	// no donation offline, splitting one off needs the mint
	return svc.finishOfflineExport(ctx, store, payment, nil, sum, 0)
}

func (svc *GatewayService) finishOfflineExport(ctx context.Context, store *models.Store, payment, donationProofs []mint.Proof, amount, donation int64) (*ExportResult, error) {
	if err := svc.MarkProofsPending(ctx, proofSecrets(payment)); err != nil {
		return nil, err
	}
	token, err := mint.SerializeToken(store.MintURL, store.Unit, payment, "")
	if err != nil {
		return nil, err
	}

	donated := svc.sendDonation(ctx, store, donationProofs, donation)

	svc.Logger.Infof("Exported tokens offline: store_id:%d amount:%d donation:%d", store.ID, amount, donated)
	return &ExportResult{
		Status:         ExportStatusOk,
		Token:          token,
		Amount:         amount,
		DonationAmount: donated,
		MintUsed:       false,
	}, nil
}

// sendDonation posts the donation proofs to the configured sink and
// marks them spent only on success. A failed delivery leaves them
// UNSPENT in the wallet, so a donation can never burn funds.
func (svc *GatewayService) sendDonation(ctx context.Context, store *models.Store, donationProofs []mint.Proof, donation int64) int64 {
	if donation == 0 || len(donationProofs) == 0 || svc.Config.DonationSinkUrl == "" {
		return 0
	}

	token, err := mint.SerializeToken(store.MintURL, store.Unit, donationProofs, "donation")
	if err != nil {
		svc.Logger.Errorf("Failed to serialize donation token: %v", err)
		return 0
	}

	post := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.Config.DonationSinkUrl, bytes.NewBufferString(token))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "text/plain")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("donation sink status code was %d, body: %s", resp.StatusCode, msg)
		}
		return nil
	}
	retryPolicy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(post, retryPolicy); err != nil {
		svc.Logger.Errorf("Failed to deliver donation, proofs remain in wallet: %v", err)
		return 0
	}

	if err := svc.MarkProofsSpent(ctx, proofSecrets(donationProofs)); err != nil {
		svc.Logger.Errorf("Failed to mark donation proofs spent: %v", err)
	}
	return donation
}

// resyncUnspentProofs cross-checks supposedly unspent proofs against
// the mint and marks the ones it reports spent.
func (svc *GatewayService) resyncUnspentProofs(ctx context.Context, store *models.Store, unspent []models.Proof) error {
	if len(unspent) == 0 {
		return nil
	}
	states, err := svc.MintClient.CheckProofStates(ctx, store.MintURL, toMintProofs(unspent))
	if err != nil {
		return err
	}
	spent := []string{}
	for i, state := range states {
		if state.State == common.ProofStateSpent {
			spent = append(spent, unspent[i].Secret)
		}
	}
	if len(spent) > 0 {
		svc.Logger.Warnf("Found %d proofs marked unspent locally but spent at the mint, correcting: store_id:%d", len(spent), store.ID)
	}
	return svc.UpdateProofsState(ctx, svc.DB, spent, common.ProofStateSpent)
}

// donationAmount applies the requested percentage to the payment,
// with a floor of one unit and a configurable cap on the share.
func donationAmount(amount int64, percent, maxShare int) int64 {
	if percent <= 0 {
		return 0
	}
	donation := amount * int64(percent) / 100
	if donation < 1 {
		donation = 1
	}
	most := amount * int64(maxShare) / 100
	if donation > most {
		donation = most
	}
	return donation
}

func withoutProofs(proofs, exclude []mint.Proof) []mint.Proof {
	excluded := make(map[string]bool, len(exclude))
	for _, proof := range exclude {
		excluded[proof.Secret] = true
	}
	remaining := []mint.Proof{}
	for _, proof := range proofs {
		if !excluded[proof.Secret] {
			remaining = append(remaining, proof)
		}
	}
	return remaining
}
