package repo

import (
	"context"
	"database/sql"
	"errors"

	"openwork/internal/domain"
)

func (r Repo) GetRewardState(ctx context.Context, q Querier) (domain.RewardState, error) {
	var s domain.RewardState
	err := q.QueryRowContext(ctx, `SELECT cumulative_volume,current_band FROM reward_state WHERE id=1`).Scan(&s.CumulativeVolume, &s.CurrentBand)
	return s, err
}

func (r Repo) UpdateRewardState(ctx context.Context, q Querier, s domain.RewardState) error {
	_, err := q.ExecContext(ctx, `UPDATE reward_state SET cumulative_volume=?,current_band=? WHERE id=1`, s.CumulativeVolume, s.CurrentBand)
	return err
}

// AddEarned credits locked tokens to a user's earnings in a band.
func (r Repo) AddEarned(ctx context.Context, q Querier, userID string, band int, tokens int64) error {
	_, err := q.ExecContext(ctx, `INSERT INTO reward_earnings(user_id,band,earned) VALUES (?,?,?)
		ON CONFLICT(user_id,band) DO UPDATE SET earned=earned+excluded.earned`, userID, band, tokens)
	return err
}

// ListEarnings returns a user's earnings ordered by band.
func (r Repo) ListEarnings(ctx context.Context, q Querier, userID string) ([]domain.BandEarning, error) {
	rows, err := q.QueryContext(ctx, `SELECT band,earned FROM reward_earnings WHERE user_id=? ORDER BY band`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BandEarning
	for rows.Next() {
		var e domain.BandEarning
		if err := rows.Scan(&e.Band, &e.Earned); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RewardCounters are the mutable per-user reward fields.
type RewardCounters struct {
	Claimed           int64
	GovernanceActions int64
}

func (r Repo) GetRewardCounters(ctx context.Context, q Querier, userID string) (RewardCounters, error) {
	var c RewardCounters
	err := q.QueryRowContext(ctx, `SELECT claimed,governance_actions FROM reward_accounts WHERE user_id=?`, userID).Scan(&c.Claimed, &c.GovernanceActions)
	if errors.Is(err, sql.ErrNoRows) {
		return RewardCounters{}, nil
	}
	return c, err
}

func (r Repo) IncrementGovernanceActions(ctx context.Context, q Querier, userID string) (int64, error) {
	if _, err := q.ExecContext(ctx, `INSERT INTO reward_accounts(user_id,governance_actions) VALUES (?,1)
		ON CONFLICT(user_id) DO UPDATE SET governance_actions=governance_actions+1`, userID); err != nil {
		return 0, err
	}
	c, err := r.GetRewardCounters(ctx, q, userID)
	return c.GovernanceActions, err
}

func (r Repo) AddClaimed(ctx context.Context, q Querier, userID string, amount int64) error {
	_, err := q.ExecContext(ctx, `INSERT INTO reward_accounts(user_id,claimed) VALUES (?,?)
		ON CONFLICT(user_id) DO UPDATE SET claimed=claimed+excluded.claimed`, userID, amount)
	return err
}
