package service

import (
	"context"
	"time"

	"github.com/jooray/cashupayserver/common"
	"github.com/jooray/cashupayserver/db/models"
	"github.com/jooray/cashupayserver/mint"
	"github.com/uptrace/bun"
)

// GetBalance is the sum of UNSPENT proof amounts in local storage.
// It never contacts the mint so dashboards and threshold checks keep
// working while the mint is down.
func (svc *GatewayService) GetBalance(ctx context.Context, storeID int64, mintURL, unit string) (int64, error) {
	var balance int64
	err := svc.DB.NewSelect().
		Model((*models.Proof)(nil)).
		ColumnExpr("COALESCE(SUM(amount), 0)").
		Where("store_id = ? AND mint_url = ? AND unit = ? AND state = ?", storeID, mintURL, unit, common.ProofStateUnspent).
		Scan(ctx, &balance)
	return balance, err
}

func (svc *GatewayService) GetUnspentProofs(ctx context.Context, storeID int64, mintURL, unit string) ([]models.Proof, error) {
	proofs := []models.Proof{}
	err := svc.DB.NewSelect().
		Model(&proofs).
		Where("store_id = ? AND mint_url = ? AND unit = ? AND state = ?", storeID, mintURL, unit, common.ProofStateUnspent).
		Order("amount DESC").
		Scan(ctx)
	return proofs, err
}

func (svc *GatewayService) GetPendingProofs(ctx context.Context, storeID int64) ([]models.Proof, error) {
	proofs := []models.Proof{}
	err := svc.DB.NewSelect().
		Model(&proofs).
		Where("store_id = ? AND state = ?", storeID, common.ProofStatePending).
		Scan(ctx)
	return proofs, err
}

func (svc *GatewayService) GetProofsByQuoteID(ctx context.Context, quoteID string) ([]models.Proof, error) {
	proofs := []models.Proof{}
	err := svc.DB.NewSelect().
		Model(&proofs).
		Where("quote_id = ?", quoteID).
		Scan(ctx)
	return proofs, err
}

// StoreProofs persists freshly received proofs for a store.
func (svc *GatewayService) StoreProofs(ctx context.Context, db bun.IDB, store *models.Store, mintURL, quoteID, state string, proofs []mint.Proof) error {
	if len(proofs) == 0 {
		return nil
	}
	rows := make([]*models.Proof, len(proofs))
	now := svc.Clock.Now()
	for i, proof := range proofs {
		rows[i] = &models.Proof{
			StoreID:  store.ID,
			MintURL:  mintURL,
			Unit:     store.Unit,
			QuoteID:  quoteID,
			Secret:   proof.Secret,
			C:        proof.C,
			Amount:   proof.Amount,
			KeysetID: proof.Id,
			State:    state,
		}
		if state == common.ProofStatePending {
			rows[i].PendingSince = bun.NullTime{Time: now}
		}
	}
	_, err := db.NewInsert().Model(&rows).Exec(ctx)
	return err
}

// UpdateProofsState writes proof states unconditionally. Callers are
// responsible for correctness: a proof must never be marked SPENT
// unless it actually left the wallet.
func (svc *GatewayService) UpdateProofsState(ctx context.Context, db bun.IDB, secrets []string, state string) error {
	if len(secrets) == 0 {
		return nil
	}
	query := db.NewUpdate().
		Model((*models.Proof)(nil)).
		Set("state = ?", state).
		Set("updated_at = ?", svc.Clock.Now()).
		Where("secret IN (?)", bun.In(secrets))
	if state == common.ProofStatePending {
		query = query.Set("pending_since = ?", svc.Clock.Now())
	} else {
		query = query.Set("pending_since = NULL")
	}
	_, err := query.Exec(ctx)
	return err
}

func (svc *GatewayService) MarkProofsSpent(ctx context.Context, secrets []string) error {
	return svc.UpdateProofsState(ctx, svc.DB, secrets, common.ProofStateSpent)
}

func (svc *GatewayService) MarkProofsPending(ctx context.Context, secrets []string) error {
	return svc.UpdateProofsState(ctx, svc.DB, secrets, common.ProofStatePending)
}

// CheckPendingProofs reconciles local PENDING proofs with the mint.
// Mint-confirmed-spent proofs are marked SPENT, mint-confirmed-unspent
// proofs revert to UNSPENT (an export token that was never claimed),
// still-pending proofs are left untouched. A network failure leaves
// everything PENDING and is reported to the caller, not retried.
func (svc *GatewayService) CheckPendingProofs(ctx context.Context, store *models.Store) error {
	pending, err := svc.GetPendingProofs(ctx, store.ID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	byMint := map[string][]models.Proof{}
	for _, proof := range pending {
		byMint[proof.MintURL] = append(byMint[proof.MintURL], proof)
	}

	for mintURL, proofs := range byMint {
		states, err := svc.MintClient.CheckProofStates(ctx, mintURL, toMintProofs(proofs))
		if err != nil {
			return err
		}

		spent := []string{}
		unspent := []string{}
		for i, state := range states {
			switch state.State {
			case common.ProofStateSpent:
				spent = append(spent, proofs[i].Secret)
			case common.ProofStateUnspent:
				unspent = append(unspent, proofs[i].Secret)
			}
		}
		if err := svc.UpdateProofsState(ctx, svc.DB, spent, common.ProofStateSpent); err != nil {
			return err
		}
		if err := svc.UpdateProofsState(ctx, svc.DB, unspent, common.ProofStateUnspent); err != nil {
			return err
		}
		if len(spent) > 0 || len(unspent) > 0 {
			svc.Logger.Infof("Reconciled pending proofs: store_id:%d mint:%s spent:%d unspent:%d", store.ID, mintURL, len(spent), len(unspent))
		}
	}
	return nil
}

// CleanExpiredPendingOperations reverts proofs that have been PENDING
// longer than the cutoff and that the mint still reports unspent.
func (svc *GatewayService) CleanExpiredPendingOperations(ctx context.Context, store *models.Store, maxAge time.Duration) error {
	cutoff := svc.Clock.Now().Add(-maxAge)
	stale := []models.Proof{}
	err := svc.DB.NewSelect().
		Model(&stale).
		Where("store_id = ? AND state = ? AND pending_since < ?", store.ID, common.ProofStatePending, cutoff).
		Scan(ctx)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	return svc.CheckPendingProofs(ctx, store)
}

func toMintProofs(proofs []models.Proof) []mint.Proof {
	converted := make([]mint.Proof, len(proofs))
	for i, proof := range proofs {
		converted[i] = mint.Proof{
			Amount: proof.Amount,
			Id:     proof.KeysetID,
			Secret: proof.Secret,
			C:      proof.C,
		}
	}
	return converted
}

func proofSecrets(proofs []mint.Proof) []string {
	secrets := make([]string, len(proofs))
	for i, proof := range proofs {
		secrets[i] = proof.Secret
	}
	return secrets
}
