package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"openwork/internal/domain"
	"openwork/internal/repo"
	"openwork/internal/voting"
)

func (e Engine) createProfile(ctx context.Context, tx *sql.Tx, p domain.ProfilePayload, source uint32) (domain.Profile, []domain.Effect, error) {
	if p.UserID == "" {
		return domain.Profile{}, nil, fmt.Errorf("%w: user is required", domain.ErrInvalidInput)
	}
	if p.Referrer == p.UserID {
		return domain.Profile{}, nil, fmt.Errorf("%w: %s cannot refer themselves", domain.ErrInvalidInput, p.UserID)
	}
	_, err := e.Repo.GetProfile(ctx, tx, p.UserID)
	if err == nil {
		return domain.Profile{}, nil, fmt.Errorf("%w: profile %s already exists", domain.ErrInvalidTransition, p.UserID)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Profile{}, nil, err
	}
	preferred := p.PreferredDomain
	if preferred == 0 {
		preferred = source
	}
	prof := domain.Profile{
		UserID:          p.UserID,
		ContentHash:     p.ContentHash,
		Referrer:        p.Referrer,
		PreferredDomain: preferred,
		HomeDomain:      source,
		CreatedAt:       e.timestamp(),
	}
	if err := e.Repo.InsertProfile(ctx, tx, prof); err != nil {
		return domain.Profile{}, nil, err
	}
	effects := []domain.Effect{domain.EventEffect("profile.created", "profile", prof.UserID, prof.UserID, map[string]any{
		"referrer": prof.Referrer, "home_domain": source, "preferred_domain": preferred,
	})}
	if main := e.Config.Domain.Main; prof.Referrer != "" && main != 0 && main != e.self() {
		effects = append(effects, domain.MessageEffect(main, domain.KindReferrerRecorded, domain.ReferrerPayload{
			UserID: prof.UserID, Referrer: prof.Referrer,
		}))
	}
	return prof, effects, nil
}

// applyStake mirrors a stake position held on the main domain. A zero
// amount is an unstake.
func (e Engine) applyStake(ctx context.Context, tx *sql.Tx, p domain.StakePayload) ([]domain.Effect, error) {
	if p.UserID == "" || p.Amount < 0 {
		return nil, fmt.Errorf("%w: stake for %q of %d", domain.ErrInvalidInput, p.UserID, p.Amount)
	}
	var mult int64
	if p.Amount > 0 {
		var err error
		if mult, err = voting.Multiplier(e.Config.Staking.Durations, p.Duration); err != nil {
			return nil, err
		}
	}
	s := domain.StakePosition{UserID: p.UserID, Amount: p.Amount, Duration: p.Duration, Multiplier: mult, UpdatedAt: e.timestamp()}
	if err := e.Repo.UpsertStake(ctx, tx, s); err != nil {
		return nil, err
	}
	return []domain.Effect{domain.EventEffect("stake.updated", "stake", p.UserID, p.UserID, map[string]any{
		"amount": p.Amount, "duration": p.Duration, "multiplier": mult,
	})}, nil
}

func (e Engine) delegate(ctx context.Context, tx *sql.Tx, userID, delegatee string) ([]domain.Effect, error) {
	if delegatee == userID {
		return nil, fmt.Errorf("%w: %s cannot delegate to themselves", domain.ErrInvalidInput, userID)
	}
	s, err := e.Repo.GetStake(ctx, tx, userID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && s.Amount <= 0) {
		return nil, fmt.Errorf("%w: %s has no stake to delegate", domain.ErrIneligible, userID)
	}
	if err != nil {
		return nil, err
	}
	if delegatee == "" && s.Delegatee == "" {
		return nil, fmt.Errorf("%w: %s has not delegated", domain.ErrInvalidTransition, userID)
	}
	if err := e.Repo.SetDelegatee(ctx, tx, userID, delegatee, e.timestamp()); err != nil {
		return nil, err
	}
	evt := "stake.delegated"
	if delegatee == "" {
		evt = "stake.undelegated"
	}
	effects := []domain.Effect{domain.EventEffect(evt, "stake", userID, userID, map[string]any{
		"delegatee": delegatee, "previous": s.Delegatee,
	})}
	if main := e.Config.Domain.Main; main != 0 && main != e.self() {
		effects = append(effects, domain.MessageEffect(main, domain.KindDelegationRecorded, domain.DelegationPayload{
			UserID: userID, Delegatee: delegatee,
		}))
	}
	return effects, nil
}

// Delegate hands the user's stake power to delegatee for proposals. The
// delegator cannot vote on disputes while delegated.
func (e Engine) Delegate(ctx context.Context, userID, delegatee string) ([]domain.Effect, error) {
	if delegatee == "" {
		return nil, fmt.Errorf("%w: delegatee is required", domain.ErrInvalidInput)
	}
	return e.Do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		return e.delegate(ctx, tx, userID, delegatee)
	})
}

func (e Engine) Undelegate(ctx context.Context, userID string) ([]domain.Effect, error) {
	return e.Do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		return e.delegate(ctx, tx, userID, "")
	})
}

func (e Engine) CreateProfile(ctx context.Context, p domain.ProfilePayload, source uint32) (domain.Profile, []domain.Effect, error) {
	var prof domain.Profile
	effects, err := e.Do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		var effs []domain.Effect
		var err error
		prof, effs, err = e.createProfile(ctx, tx, p, source)
		return effs, err
	})
	return prof, effects, err
}

func (e Engine) ApplyStake(ctx context.Context, p domain.StakePayload) ([]domain.Effect, error) {
	return e.Do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		return e.applyStake(ctx, tx, p)
	})
}

func (e Engine) GetStake(ctx context.Context, userID string) (domain.StakePosition, error) {
	s, err := e.Repo.GetStake(ctx, e.DB, userID)
	if err != nil {
		return s, fmt.Errorf("stake %s: %w", userID, err)
	}
	return s, nil
}

func (e Engine) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	p, err := e.Repo.GetProfile(ctx, e.DB, userID)
	if err != nil {
		return p, fmt.Errorf("profile %s: %w", userID, err)
	}
	return p, nil
}
