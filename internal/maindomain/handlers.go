package maindomain

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

type op func(ctx context.Context, tx *sql.Tx, msg domain.Message) ([]domain.Effect, error)

func (s *Service) handle(fn op) router.Handler {
	return func(ctx context.Context, tx *sql.Tx, msg domain.Message) error {
		_, err := s.applier().Run(ctx, tx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
			return fn(ctx, tx, msg)
		})
		return err
	}
}

func decode(msg domain.Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", domain.ErrInvalidInput, msg.Kind, err)
	}
	return nil
}

func (s *Service) Register(r Registrar) error {
	for _, h := range []struct {
		kind domain.MessageKind
		fn   op
	}{
		{domain.KindClaimableSynced, s.onClaimableSynced},
		{domain.KindReferrerRecorded, s.onReferrer},
		{domain.KindDelegationRecorded, s.onDelegation},
		{domain.KindRejected, s.onRejected},
	} {
		if err := r.Handle(h.kind, s.handle(h.fn)); err != nil {
			return err
		}
	}
	return nil
}

// onClaimableSynced derives the claimable balance from the hub's cumulative
// unlocked total and what this domain already paid out, so claims still in
// flight to the hub are not paid twice.
func (s *Service) onClaimableSynced(ctx context.Context, tx *sql.Tx, msg domain.Message) ([]domain.Effect, error) {
	var p domain.ClaimableSyncedPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	b, err := s.Repo.GetClaimBalance(ctx, tx, p.UserID)
	if err != nil {
		return nil, err
	}
	b.SyncedUnlocked = p.Unlocked
	b.Claimable = max(0, p.Unlocked-b.TotalClaimed)
	b.SyncedAt = s.timestamp()
	if err := s.Repo.PutClaimBalance(ctx, tx, b); err != nil {
		return nil, err
	}
	return []domain.Effect{domain.EventEffect("rewards.claimable_synced", "reward", p.UserID, "hub", map[string]any{
		"unlocked": p.Unlocked, "hub_claimed": p.Claimed, "claimable": b.Claimable,
	})}, nil
}

// onReferrer stores the referrer once; later updates are ignored.
func (s *Service) onReferrer(ctx context.Context, tx *sql.Tx, msg domain.Message) ([]domain.Effect, error) {
	var p domain.ReferrerPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	b, err := s.Repo.GetClaimBalance(ctx, tx, p.UserID)
	if err != nil {
		return nil, err
	}
	if b.Referrer != "" {
		return nil, nil
	}
	b.Referrer = p.Referrer
	if err := s.Repo.PutClaimBalance(ctx, tx, b); err != nil {
		return nil, err
	}
	return []domain.Effect{domain.EventEffect("profile.referrer_recorded", "profile", p.UserID, "hub", map[string]any{"referrer": p.Referrer})}, nil
}

func (s *Service) onDelegation(ctx context.Context, tx *sql.Tx, msg domain.Message) ([]domain.Effect, error) {
	var p domain.DelegationPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if err := s.Repo.SetDelegatee(ctx, tx, p.UserID, p.Delegatee, s.timestamp()); err != nil {
		return nil, fmt.Errorf("stake %s: %w", p.UserID, err)
	}
	return []domain.Effect{domain.EventEffect("stake.delegation_recorded", "stake", p.UserID, "hub", map[string]any{"delegatee": p.Delegatee})}, nil
}

// onRejected restores a claim the hub refused.
func (s *Service) onRejected(ctx context.Context, tx *sql.Tx, msg domain.Message) ([]domain.Effect, error) {
	var p domain.RejectedPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	s.Logger.Warn("hub rejected message", "seq", p.Sequence, "kind", p.Kind, "reason", p.Reason)
	effs := []domain.Effect{domain.EventEffect("router.remote_rejected", "message", p.MsgID, "hub", map[string]any{
		"seq": p.Sequence, "kind": p.Kind, "reason": p.Reason,
	})}
	if p.Kind != domain.KindRewardsClaimed {
		return effs, nil
	}
	var claim domain.ClaimedPayload
	if err := decode(domain.Message{Kind: p.Kind, Payload: p.Payload}, &claim); err != nil {
		return nil, err
	}
	b, err := s.Repo.GetClaimBalance(ctx, tx, claim.UserID)
	if err != nil {
		return nil, err
	}
	b.TotalClaimed = max(0, b.TotalClaimed-claim.Amount)
	b.Claimable = max(0, b.SyncedUnlocked-b.TotalClaimed)
	if err := s.Repo.PutClaimBalance(ctx, tx, b); err != nil {
		return nil, err
	}
	return append(effs, domain.EventEffect("rewards.claim_reverted", "reward", claim.UserID, "hub", map[string]any{
		"amount": claim.Amount, "claimable": b.Claimable,
	})), nil
}
