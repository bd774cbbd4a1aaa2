package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"openwork/internal/domain"
	"openwork/internal/repo"
)

// bookFunding records the local transfer that paid for a transition. The hub
// takes the declared amount on trust; the transfer id only makes the
// declaration traceable and keeps one funding from backing two transitions.
func (e Engine) bookFunding(ctx context.Context, tx *sql.Tx, f domain.Funding) error {
	if f.TransferID == "" {
		return nil
	}
	_, err := e.Repo.GetFunding(ctx, tx, f.TransferID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: funding transfer %s was already used", domain.ErrInvalidTransition, f.TransferID)
	case !errors.Is(err, repo.ErrNotFound):
		return err
	}
	f.Status = domain.FundingBooked
	f.CreatedAt = e.timestamp()
	return e.Repo.InsertFunding(ctx, tx, f)
}

// fundingOf extracts the funding a local domain attached to a message, if
// the kind carries one.
func fundingOf(msg domain.Message) (domain.Funding, bool) {
	f := domain.Funding{SourceDomain: msg.Source}
	switch msg.Kind {
	case domain.KindJobStarted:
		var p domain.StartPayload
		if msg.Decode(&p) != nil {
			return f, false
		}
		f.TransferID, f.JobID, f.Payer, f.Amount, f.Purpose = p.FundingTransferID, p.JobID, p.GiverID, p.FundedAmount, "milestone:1"
	case domain.KindDirectContract:
		var p domain.DirectContractPayload
		if msg.Decode(&p) != nil {
			return f, false
		}
		f.TransferID, f.JobID, f.Payer, f.Amount, f.Purpose = p.FundingTransferID, p.JobID, p.GiverID, p.FundedAmount, "milestone:1"
	case domain.KindMilestoneLocked, domain.KindPaymentReleasedAndLocked:
		var p domain.LockPayload
		if msg.Decode(&p) != nil {
			return f, false
		}
		f.TransferID, f.JobID, f.Payer, f.Amount, f.Purpose = p.FundingTransferID, p.JobID, p.GiverID, p.FundedAmount, "milestone"
	case domain.KindDisputeRaised:
		var p domain.DisputePayload
		if msg.Decode(&p) != nil {
			return f, false
		}
		f.TransferID, f.JobID, f.Payer, f.Amount, f.Purpose = p.FundingTransferID, p.JobID, p.RaiserID, p.Fee, "dispute_fee"
	default:
		return f, false
	}
	return f, f.TransferID != "" && f.Amount > 0 && f.Payer != ""
}

// refundRejected sends the value of a rejected funded message back to its
// source domain. It runs inside the router's rejection transaction. A funding
// id is refunded at most once and never after it was booked.
func (e Engine) refundRejected(ctx context.Context, tx *sql.Tx, msg domain.Message, cause error) error {
	f, ok := fundingOf(msg)
	if !ok {
		return nil
	}
	_, err := e.Repo.GetFunding(ctx, tx, f.TransferID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	now := e.timestamp()
	t := domain.Transfer{
		ID:           transferID(f.TransferID, domain.TransferRefund, "rejected"),
		JobID:        f.JobID,
		Kind:         domain.TransferRefund,
		Amount:       f.Amount,
		TargetDomain: f.SourceDomain,
		Recipient:    f.Payer,
		Status:       domain.TransferPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.Status = domain.FundingRefunded
	f.RefundTransferID = t.ID
	f.CreatedAt = now
	if err := e.Repo.InsertFunding(ctx, tx, f); err != nil {
		return err
	}
	_, err = e.DoTx(ctx, tx, func(context.Context, *sql.Tx) ([]domain.Effect, error) {
		return []domain.Effect{
			domain.EventEffect("escrow.funding_refunded", "job", f.JobID, "router", map[string]any{
				"funding_transfer_id": f.TransferID, "amount": f.Amount, "recipient": f.Payer,
				"target_domain": f.SourceDomain, "transfer_id": t.ID, "kind": msg.Kind, "reason": cause.Error(),
			}),
			domain.TransferEffect(t),
		}, nil
	})
	return err
}

// ListFundings returns the fundings booked or refunded for a job.
func (e Engine) ListFundings(ctx context.Context, jobID string) ([]domain.Funding, error) {
	return e.Repo.ListFundings(ctx, e.DB, jobID)
}
