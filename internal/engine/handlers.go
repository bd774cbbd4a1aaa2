package engine

import (
	"context"
	"database/sql"
	"fmt"

	"openwork/internal/domain"
	"openwork/internal/router"
)

// Registrar is the handler table of a router.
type Registrar interface {
	Handle(kind domain.MessageKind, h router.Handler) error
}

// rejectObserver is a Registrar that also reports rejections.
type rejectObserver interface {
	OnReject(h router.RejectHook)
}

// decode wraps payload errors as rejections so a malformed message is
// consumed instead of retried forever.
func decode(msg domain.Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", domain.ErrInvalidInput, msg.Kind, err)
	}
	return nil
}

// handler turns a payload-typed transition into a router handler whose
// effects are applied in the router's transaction.
func handler[P any](e Engine, build func(msg domain.Message, p P) Op) router.Handler {
	return func(ctx context.Context, tx *sql.Tx, msg domain.Message) error {
		var p P
		if err := decode(msg, &p); err != nil {
			return err
		}
		_, err := e.DoTx(ctx, tx, build(msg, p))
		return err
	}
}

// Register installs the hub's inbound handlers.
func (e Engine) Register(r Registrar) error {
	jobOp := func(jobID string, fn func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error)) Op {
		return e.jobOp(jobID, nil, fn)
	}
	handlers := map[domain.MessageKind]router.Handler{
		domain.KindJobPosted: handler(e, func(msg domain.Message, p domain.PostJobPayload) Op {
			return jobOp(p.JobID, func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error) {
				return e.createJob(ctx, tx, p, msg.Source)
			})
		}),
		domain.KindJobApplied: handler(e, func(msg domain.Message, p domain.ApplyPayload) Op {
			return e.withSync(p.JobID, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
				_, effs, err := e.recordApplication(ctx, tx, p, msg.Source)
				return effs, err
			})
		}),
		domain.KindJobStarted: handler(e, func(_ domain.Message, p domain.StartPayload) Op {
			return jobOp(p.JobID, func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error) {
				return e.startJob(ctx, tx, p)
			})
		}),
		domain.KindDirectContract: handler(e, func(msg domain.Message, p domain.DirectContractPayload) Op {
			return jobOp(p.JobID, func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error) {
				return e.startDirectContract(ctx, tx, p, msg.Source)
			})
		}),
		domain.KindWorkSubmitted: handler(e, func(_ domain.Message, p domain.SubmitPayload) Op {
			return jobOp(p.JobID, func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error) {
				return e.recordSubmission(ctx, tx, p)
			})
		}),
		domain.KindMilestoneLocked: handler(e, func(_ domain.Message, p domain.LockPayload) Op {
			return jobOp(p.JobID, func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error) {
				return e.fundMilestone(ctx, tx, p)
			})
		}),
		domain.KindPaymentReleased: handler(e, func(_ domain.Message, p domain.ReleasePayload) Op {
			return jobOp(p.JobID, func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error) {
				return e.releaseMilestone(ctx, tx, p)
			})
		}),
		domain.KindPaymentReleasedAndLocked: handler(e, func(_ domain.Message, p domain.LockPayload) Op {
			return jobOp(p.JobID, func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error) {
				return e.releaseAndFundNext(ctx, tx, p)
			})
		}),
		domain.KindDisputeRaised: handler(e, func(msg domain.Message, p domain.DisputePayload) Op {
			return e.withSync(p.JobID, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
				_, effs, err := e.raiseDispute(ctx, tx, p, msg.Source)
				return effs, err
			})
		}),
		domain.KindProfileCreated: handler(e, func(msg domain.Message, p domain.ProfilePayload) Op {
			return func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
				_, effs, err := e.createProfile(ctx, tx, p, msg.Source)
				return effs, err
			}
		}),
		domain.KindStakeUpdated: handler(e, func(_ domain.Message, p domain.StakePayload) Op {
			return func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
				return e.applyStake(ctx, tx, p)
			}
		}),
		domain.KindGovernanceAction: handler(e, func(_ domain.Message, p domain.GovernanceActionPayload) Op {
			return func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
				return e.recordGovernanceAction(ctx, tx, p.UserID, p.Source, p.RefID)
			}
		}),
		domain.KindRewardsClaimed: handler(e, func(_ domain.Message, p domain.ClaimedPayload) Op {
			return func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
				return e.markClaimed(ctx, tx, p)
			}
		}),
		domain.KindRejected: handler(e, func(msg domain.Message, p domain.RejectedPayload) Op {
			return func(context.Context, *sql.Tx) ([]domain.Effect, error) {
				e.Logger.Warn("remote domain rejected hub message", "source", msg.Source, "seq", p.Sequence, "kind", p.Kind, "reason", p.Reason)
				return []domain.Effect{domain.EventEffect("router.remote_rejected", "message", p.MsgID, "router", map[string]any{
					"domain": msg.Source, "seq": p.Sequence, "kind": p.Kind, "reason": p.Reason,
				})}, nil
			}
		}),
	}
	for _, kind := range hubKinds {
		if err := r.Handle(kind, handlers[kind]); err != nil {
			return err
		}
	}
	if ro, ok := r.(rejectObserver); ok {
		ro.OnReject(e.refundRejected)
	}
	return nil
}

// hubKinds fixes registration order.
var hubKinds = []domain.MessageKind{
	domain.KindJobPosted,
	domain.KindJobApplied,
	domain.KindJobStarted,
	domain.KindDirectContract,
	domain.KindWorkSubmitted,
	domain.KindMilestoneLocked,
	domain.KindPaymentReleased,
	domain.KindPaymentReleasedAndLocked,
	domain.KindDisputeRaised,
	domain.KindProfileCreated,
	domain.KindStakeUpdated,
	domain.KindGovernanceAction,
	domain.KindRewardsClaimed,
	domain.KindRejected,
}
