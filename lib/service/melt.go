package service

import (
	"context"

	"github.com/jooray/cashupayserver/common"
	"github.com/jooray/cashupayserver/db/models"
	"github.com/jooray/cashupayserver/mint"
)

// AutoMeltCheck sweeps every store with auto-melt enabled whose
// unspent balance crossed its threshold, paying the balance out over
// Lightning to the configured address. Failures on one store are
// logged and do not block the others.
func (svc *GatewayService) AutoMeltCheck(ctx context.Context) error {
	stores, err := svc.FindStores(ctx)
	if err != nil {
		return err
	}

	for i := range stores {
		store := &stores[i]
		if !store.AutoMeltEnabled || store.AutoMeltThreshold <= 0 || store.AutoMeltAddress == "" {
			continue
		}
		if store.MintURL == "" || store.Seed == "" {
			continue
		}
		balance, err := svc.GetBalance(ctx, store.ID, store.MintURL, store.Unit)
		if err != nil {
			svc.Logger.Errorf("Failed to read balance for auto-melt: store_id:%d error: %v", store.ID, err)
			continue
		}
		if balance < store.AutoMeltThreshold {
			continue
		}
		if err := svc.meltBalance(ctx, store, balance); err != nil {
			svc.Logger.Errorf("Auto-melt failed: store_id:%d error: %v", store.ID, err)
		}
	}
	return nil
}

// meltBalance pays out as much of the balance as the melt quote's
// amount plus fee reserve allows. Inputs go PENDING before the melt
// call: if the mint accepts them and we crash, the pending
// reconciliation pass settles their final state from the mint.
func (svc *GatewayService) meltBalance(ctx context.Context, store *models.Store, balance int64) error {
	quote, err := svc.MintClient.RequestMeltQuote(ctx, store.MintURL, store.AutoMeltAddress, store.Unit)
	if err != nil {
		return err
	}

	needed := quote.Amount + quote.FeeReserve
	unspent, err := svc.GetUnspentProofs(ctx, store.ID, store.MintURL, store.Unit)
	if err != nil {
		return err
	}
	inputs, sum := mint.SelectProofs(toMintProofs(unspent), needed)
	if sum < needed {
		svc.Logger.Infof("Auto-melt skipped, quote needs %d but only %d selectable of %d balance: store_id:%d", needed, sum, balance, store.ID)
		return nil
	}

	secrets := proofSecrets(inputs)
	if err := svc.MarkProofsPending(ctx, secrets); err != nil {
		return err
	}

	result, err := svc.MintClient.Melt(ctx, store.MintURL, quote.Quote, inputs)
	if err != nil {
		if mint.IsNetworkError(err) {
			// outcome unknown, leave the inputs PENDING for the
			// reconciliation pass to resolve against the mint
			return err
		}
		// the mint rejected the melt outright, the inputs are safe
		if revertErr := svc.UpdateProofsState(ctx, svc.DB, secrets, common.ProofStateUnspent); revertErr != nil {
			svc.Logger.Errorf("Failed to revert melt inputs to unspent: %v", revertErr)
		}
		return err
	}

	if result.State == common.QuoteStatePaid {
		if err := svc.MarkProofsSpent(ctx, secrets); err != nil {
			return err
		}
		svc.Logger.Infof("Auto-melt paid out %d %s: store_id:%d preimage:%s", quote.Amount, store.Unit, store.ID, result.Preimage)
	}
	return nil
}
