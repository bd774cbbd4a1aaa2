package repo

import (
	"context"
	"database/sql"
	"errors"

	"openwork/internal/domain"
)

func (r Repo) InsertProfile(ctx context.Context, q Querier, p domain.Profile) error {
	_, err := q.ExecContext(ctx, `INSERT INTO profiles(user_id,content_hash,referrer,preferred_domain,home_domain,created_at) VALUES (?,?,?,?,?,?)`,
		p.UserID, p.ContentHash, nullable(p.Referrer), p.PreferredDomain, p.HomeDomain, p.CreatedAt)
	return err
}

func (r Repo) GetProfile(ctx context.Context, q Querier, userID string) (domain.Profile, error) {
	var p domain.Profile
	err := q.QueryRowContext(ctx, `SELECT user_id,content_hash,COALESCE(referrer,''),preferred_domain,home_domain,created_at FROM profiles WHERE user_id=?`, userID).
		Scan(&p.UserID, &p.ContentHash, &p.Referrer, &p.PreferredDomain, &p.HomeDomain, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// Referrer returns the user's referrer or "" when there is no profile.
func (r Repo) Referrer(ctx context.Context, q Querier, userID string) (string, error) {
	p, err := r.GetProfile(ctx, q, userID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return p.Referrer, err
}

func (r Repo) GetStake(ctx context.Context, q Querier, userID string) (domain.StakePosition, error) {
	var s domain.StakePosition
	err := q.QueryRowContext(ctx, `SELECT user_id,amount,duration,multiplier,COALESCE(delegatee,''),updated_at FROM stakes WHERE user_id=?`, userID).
		Scan(&s.UserID, &s.Amount, &s.Duration, &s.Multiplier, &s.Delegatee, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// UpsertStake writes amount and duration, keeping any existing delegation.
func (r Repo) UpsertStake(ctx context.Context, q Querier, s domain.StakePosition) error {
	_, err := q.ExecContext(ctx, `INSERT INTO stakes(user_id,amount,duration,multiplier,delegatee,updated_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET amount=excluded.amount,duration=excluded.duration,multiplier=excluded.multiplier,updated_at=excluded.updated_at`,
		s.UserID, s.Amount, s.Duration, s.Multiplier, nullable(s.Delegatee), s.UpdatedAt)
	return err
}

func (r Repo) SetDelegatee(ctx context.Context, q Querier, userID, delegatee, now string) error {
	return mustAffect(q.ExecContext(ctx, `UPDATE stakes SET delegatee=?,updated_at=? WHERE user_id=?`, nullable(delegatee), now, userID))
}

// ListDelegators returns stakes delegated to the user.
func (r Repo) ListDelegators(ctx context.Context, q Querier, delegatee string) ([]domain.StakePosition, error) {
	rows, err := q.QueryContext(ctx, `SELECT user_id,amount,duration,multiplier,COALESCE(delegatee,''),updated_at FROM stakes WHERE delegatee=? ORDER BY user_id`, delegatee)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StakePosition
	for rows.Next() {
		var s domain.StakePosition
		if err := rows.Scan(&s.UserID, &s.Amount, &s.Duration, &s.Multiplier, &s.Delegatee, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
