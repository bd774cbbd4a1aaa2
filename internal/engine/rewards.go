package engine

import (
	"context"
	"database/sql"
	"fmt"

	"openwork/internal/domain"
	"openwork/internal/repo"
	"openwork/internal/rewards"
)

// processPayment awards reward tokens for a settled payment. Awards are
// locked until unlocked by governance actions.
func (e Engine) processPayment(ctx context.Context, tx *sql.Tx, giver, taker string, amount int64, jobID string) ([]domain.Effect, error) {
	state, err := e.Repo.GetRewardState(ctx, tx)
	if err != nil {
		return nil, err
	}
	portions, next, err := rewards.Allocate(state, amount, e.Config.Bands())
	if err != nil {
		return nil, fmt.Errorf("allocate rewards: %w", err)
	}
	giverRef, err := e.Repo.Referrer(ctx, tx, giver)
	if err != nil {
		return nil, err
	}
	takerRef, err := e.Repo.Referrer(ctx, tx, taker)
	if err != nil {
		return nil, err
	}
	policy := rewards.SplitPolicy{ReferrerBps: e.Config.Rewards.ReferrerBps}
	var effects []domain.Effect
	var touched []string
	seen := map[string]bool{}
	for _, p := range portions {
		awards, err := rewards.SplitAward(p.Tokens, giver, giverRef, takerRef, policy)
		if err != nil {
			return nil, err
		}
		for _, a := range awards {
			if err := e.Repo.AddEarned(ctx, tx, a.UserID, p.Band, a.Tokens); err != nil {
				return nil, err
			}
			effects = append(effects, domain.EventEffect("rewards.awarded", "reward", a.UserID, "rewards", map[string]any{
				"job_id": jobID, "band": p.Band, "volume": p.Amount, "rate": p.Rate, "tokens": a.Tokens,
			}))
			if !seen[a.UserID] {
				seen[a.UserID] = true
				touched = append(touched, a.UserID)
			}
		}
	}
	if err := e.Repo.UpdateRewardState(ctx, tx, next); err != nil {
		return nil, err
	}
	if next.CurrentBand != state.CurrentBand {
		effects = append(effects, domain.EventEffect("rewards.band_advanced", "reward", "", "rewards", map[string]any{
			"from": state.CurrentBand, "to": next.CurrentBand, "cumulative_volume": next.CumulativeVolume,
		}))
	}
	// Earlier actions may unlock fresh awards immediately.
	for _, user := range touched {
		sync, err := e.claimableSync(ctx, tx, user)
		if err != nil {
			return nil, err
		}
		effects = append(effects, sync...)
	}
	return effects, nil
}

func (e Engine) rewardAccount(ctx context.Context, q repo.Querier, userID string) (domain.RewardAccount, error) {
	earnings, err := e.Repo.ListEarnings(ctx, q, userID)
	if err != nil {
		return domain.RewardAccount{}, err
	}
	counters, err := e.Repo.GetRewardCounters(ctx, q, userID)
	if err != nil {
		return domain.RewardAccount{}, err
	}
	referrer, err := e.Repo.Referrer(ctx, q, userID)
	if err != nil {
		return domain.RewardAccount{}, err
	}
	acct := domain.RewardAccount{
		UserID:            userID,
		Earned:            rewards.TotalEarned(earnings),
		Unlocked:          rewards.Unlocked(earnings, e.Config.Bands(), counters.GovernanceActions),
		Claimed:           counters.Claimed,
		GovernanceActions: counters.GovernanceActions,
		Referrer:          referrer,
		Bands:             earnings,
	}
	acct.Locked = acct.Earned - acct.Unlocked
	if acct.Claimable = acct.Unlocked - acct.Claimed; acct.Claimable < 0 {
		acct.Claimable = 0
	}
	return acct, nil
}

// claimableSync tells the main domain the user's cumulative figures.
func (e Engine) claimableSync(ctx context.Context, tx *sql.Tx, userID string) ([]domain.Effect, error) {
	main := e.Config.Domain.Main
	if main == 0 || main == e.self() {
		return nil, nil
	}
	acct, err := e.rewardAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	return []domain.Effect{domain.MessageEffect(main, domain.KindClaimableSynced, domain.ClaimableSyncedPayload{
		UserID: userID, Unlocked: acct.Unlocked, Claimed: acct.Claimed, Claimable: acct.Claimable,
	})}, nil
}

func (e Engine) recordGovernanceAction(ctx context.Context, tx *sql.Tx, userID, source, ref string) ([]domain.Effect, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: governance action without user", domain.ErrInvalidInput)
	}
	count, err := e.Repo.IncrementGovernanceActions(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	effects := []domain.Effect{domain.EventEffect("rewards.governance_action", "reward", userID, userID, map[string]any{
		"source": source, "ref_id": ref, "count": count,
	})}
	sync, err := e.claimableSync(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	return append(effects, sync...), nil
}

// markClaimed books a claim made on the main domain.
func (e Engine) markClaimed(ctx context.Context, tx *sql.Tx, p domain.ClaimedPayload) ([]domain.Effect, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("%w: claim amount must be positive", domain.ErrInvalidInput)
	}
	acct, err := e.rewardAccount(ctx, tx, p.UserID)
	if err != nil {
		return nil, err
	}
	if p.Amount > acct.Claimable {
		return nil, fmt.Errorf("%w: claim %d exceeds claimable %d for %s", domain.ErrInvalidTransition, p.Amount, acct.Claimable, p.UserID)
	}
	if err := e.Repo.AddClaimed(ctx, tx, p.UserID, p.Amount); err != nil {
		return nil, err
	}
	effects := []domain.Effect{domain.EventEffect("rewards.claimed", "reward", p.UserID, p.UserID, map[string]any{
		"amount": p.Amount, "claimed": acct.Claimed + p.Amount,
	})}
	sync, err := e.claimableSync(ctx, tx, p.UserID)
	if err != nil {
		return nil, err
	}
	return append(effects, sync...), nil
}

// RecordGovernanceAction counts one governance action for the user.
func (e Engine) RecordGovernanceAction(ctx context.Context, userID, source, ref string) ([]domain.Effect, error) {
	return e.Do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		return e.recordGovernanceAction(ctx, tx, userID, source, ref)
	})
}

func (e Engine) MarkClaimed(ctx context.Context, p domain.ClaimedPayload) ([]domain.Effect, error) {
	return e.Do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		return e.markClaimed(ctx, tx, p)
	})
}

// SyncClaimable pushes the user's current claimable balance to main.
func (e Engine) SyncClaimable(ctx context.Context, userID string) ([]domain.Effect, error) {
	return e.Do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		return e.claimableSync(ctx, tx, userID)
	})
}

// ComputeClaimable is unlocked minus claimed, never negative.
func (e Engine) ComputeClaimable(ctx context.Context, userID string) (int64, error) {
	acct, err := e.rewardAccount(ctx, e.DB, userID)
	return acct.Claimable, err
}

func (e Engine) RewardAccount(ctx context.Context, userID string) (domain.RewardAccount, error) {
	return e.rewardAccount(ctx, e.DB, userID)
}

func (e Engine) RewardState(ctx context.Context) (domain.RewardState, error) {
	return e.Repo.GetRewardState(ctx, e.DB)
}
