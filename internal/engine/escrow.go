package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"openwork/internal/domain"
	"openwork/internal/ledger"
	"openwork/internal/transfer"
)

// fund locks the amount of milestone idx. Each milestone is funded once.
// fundingID names the local transfer that carried the amount to escrow.
func (e Engine) fund(ctx context.Context, tx *sql.Tx, j *domain.Job, idx int, amount int64, actor, fundingID string) ([]domain.Effect, error) {
	if idx < 1 || idx > len(j.Milestones) {
		return nil, fmt.Errorf("%w: job %s has no milestone %d", domain.ErrInvalidInput, j.ID, idx)
	}
	m := &j.Milestones[idx-1]
	if m.State != domain.MilestonePending {
		return nil, fmt.Errorf("%w: milestone %d of job %s is already %s", domain.ErrInvalidTransition, idx, j.ID, m.State)
	}
	if amount != m.Amount {
		return nil, fmt.Errorf("%w: funded %d for milestone %d of %d", domain.ErrInvalidInput, amount, idx, m.Amount)
	}
	esc, err := e.Repo.GetEscrow(ctx, tx, j.ID)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", j.ID, err)
	}
	esc.Locked, err = ledger.Sum(esc.Locked, amount)
	if err != nil {
		return nil, err
	}
	if err := e.Repo.UpdateEscrow(ctx, tx, esc); err != nil {
		return nil, err
	}
	m.State = domain.MilestoneFunded
	if err := e.Repo.SetMilestoneState(ctx, tx, j.ID, idx, m.State); err != nil {
		return nil, err
	}
	if err := e.bookFunding(ctx, tx, domain.Funding{
		TransferID: fundingID, JobID: j.ID, Purpose: "milestone:" + strconv.Itoa(idx),
		Payer: j.GiverID, SourceDomain: j.OriginDomain, Amount: amount,
	}); err != nil {
		return nil, err
	}
	return []domain.Effect{domain.EventEffect("escrow.funded", "job", j.ID, actor, map[string]any{
		"milestone": idx, "amount": amount, "locked": esc.Locked, "funding_transfer_id": fundingID,
	})}, nil
}

// release pays amount out of escrow minus commission. The commission goes to
// the treasury and the net amount becomes a pending transfer.
func (e Engine) release(ctx context.Context, tx *sql.Tx, j domain.Job, amount int64, targetDomain uint32, recipient string, kind domain.TransferKind, ref, actor string) ([]domain.Effect, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: release amount %d", domain.ErrInvalidInput, amount)
	}
	esc, err := e.Repo.GetEscrow(ctx, tx, j.ID)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", j.ID, err)
	}
	if amount > esc.Locked {
		return nil, fmt.Errorf("%w: release %d from job %s with %d locked", domain.ErrInsufficientEscrow, amount, j.ID, esc.Locked)
	}
	net, commission, err := ledger.Net(amount, e.Config.CommissionPolicy())
	if err != nil {
		return nil, err
	}
	esc.Locked -= amount
	esc.Released += amount
	esc.Commission += commission
	if err := e.Repo.UpdateEscrow(ctx, tx, esc); err != nil {
		return nil, err
	}
	if err := e.Repo.AddTreasury(ctx, tx, commission); err != nil {
		return nil, err
	}
	now := e.timestamp()
	t := domain.Transfer{
		ID:           transferID(j.ID, kind, ref),
		JobID:        j.ID,
		Kind:         kind,
		Amount:       net,
		Commission:   commission,
		TargetDomain: targetDomain,
		Recipient:    recipient,
		Status:       domain.TransferPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	evt := "escrow.released"
	if kind == domain.TransferDisputeRelease {
		evt = "escrow.released_disputed"
	}
	return []domain.Effect{
		domain.EventEffect(evt, "job", j.ID, actor, map[string]any{
			"amount": amount, "net": net, "commission": commission, "locked": esc.Locked,
			"recipient": recipient, "target_domain": targetDomain, "transfer_id": t.ID,
		}),
		domain.TransferEffect(t),
	}, nil
}

// releaseDisputed is release for the dispute settlement path; it ignores the
// milestone pointer.
func (e Engine) releaseDisputed(ctx context.Context, tx *sql.Tx, j domain.Job, d domain.Dispute, recipient string, targetDomain uint32) ([]domain.Effect, error) {
	return e.release(ctx, tx, j, d.DisputedAmount, targetDomain, recipient, domain.TransferDisputeRelease, d.ID, "dispute")
}

// refundResidual returns whatever is still locked to the giver's domain.
func (e Engine) refundResidual(ctx context.Context, tx *sql.Tx, j domain.Job, ref string) ([]domain.Effect, error) {
	esc, err := e.Repo.GetEscrow(ctx, tx, j.ID)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", j.ID, err)
	}
	if esc.Locked == 0 {
		return nil, nil
	}
	amount := esc.Locked
	esc.Refunded += amount
	esc.Locked = 0
	if err := e.Repo.UpdateEscrow(ctx, tx, esc); err != nil {
		return nil, err
	}
	now := e.timestamp()
	t := domain.Transfer{
		ID:           transferID(j.ID, domain.TransferRefund, ref),
		JobID:        j.ID,
		Kind:         domain.TransferRefund,
		Amount:       amount,
		TargetDomain: j.OriginDomain,
		Recipient:    j.GiverID,
		Status:       domain.TransferPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return []domain.Effect{
		domain.EventEffect("escrow.refunded", "job", j.ID, "dispute", map[string]any{
			"amount": amount, "recipient": j.GiverID, "target_domain": j.OriginDomain, "transfer_id": t.ID,
		}),
		domain.TransferEffect(t),
	}, nil
}

func (e Engine) GetEscrow(ctx context.Context, jobID string) (domain.EscrowRecord, error) {
	esc, err := e.Repo.GetEscrow(ctx, e.DB, jobID)
	if err != nil {
		return esc, fmt.Errorf("escrow %s: %w", jobID, err)
	}
	esc.Fundings, err = e.Repo.ListFundings(ctx, e.DB, jobID)
	if err != nil {
		return esc, fmt.Errorf("fundings of %s: %w", jobID, err)
	}
	return esc, nil
}

// Treasury is the accumulated commission and unclaimed dispute fees.
func (e Engine) Treasury(ctx context.Context) (int64, error) {
	return e.Repo.Treasury(ctx, e.DB)
}

// ListPendingTransfers returns transfers that have not been confirmed,
// including faulted ones.
func (e Engine) ListPendingTransfers(ctx context.Context) ([]domain.Transfer, error) {
	return e.Repo.ListTransfers(ctx, e.DB, domain.TransferPending, domain.TransferSent, domain.TransferFailed)
}

// ConfirmTransfer records the mint reported by the capability.
func (e Engine) ConfirmTransfer(ctx context.Context, id, attestation string) error {
	s := transfer.NewSettler(e.DB, nil, 0, e.Logger, nil)
	s.Now = e.now
	return s.Confirm(ctx, id, attestation)
}
