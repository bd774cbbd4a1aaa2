package repo

import (
	"context"
	"database/sql"
	"errors"

	"openwork/internal/domain"
)

// ClaimBalance is the main domain's view of a user's rewards.
type ClaimBalance struct {
	UserID         string `json:"user_id"`
	SyncedUnlocked int64  `json:"synced_unlocked"`
	Claimable      int64  `json:"claimable"`
	TotalClaimed   int64  `json:"total_claimed"`
	Referrer       string `json:"referrer,omitempty"`
	SyncedAt       string `json:"synced_at,omitempty"`
}

func (r Repo) GetClaimBalance(ctx context.Context, q Querier, userID string) (ClaimBalance, error) {
	var b ClaimBalance
	err := q.QueryRowContext(ctx, `SELECT user_id,synced_unlocked,claimable,total_claimed,COALESCE(referrer,''),COALESCE(synced_at,'')
		FROM main_claims WHERE user_id=?`, userID).
		Scan(&b.UserID, &b.SyncedUnlocked, &b.Claimable, &b.TotalClaimed, &b.Referrer, &b.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ClaimBalance{UserID: userID}, nil
	}
	return b, err
}

func (r Repo) PutClaimBalance(ctx context.Context, q Querier, b ClaimBalance) error {
	_, err := q.ExecContext(ctx, `INSERT INTO main_claims(user_id,synced_unlocked,claimable,total_claimed,referrer,synced_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET synced_unlocked=excluded.synced_unlocked,claimable=excluded.claimable,
		total_claimed=excluded.total_claimed,referrer=excluded.referrer,synced_at=excluded.synced_at`,
		b.UserID, b.SyncedUnlocked, b.Claimable, b.TotalClaimed, nullable(b.Referrer), nullable(b.SyncedAt))
	return err
}

func (r Repo) InsertProposal(ctx context.Context, q Querier, p domain.Proposal) error {
	_, err := q.ExecContext(ctx, `INSERT INTO proposals(id,proposer_id,description,created_at,ends_at) VALUES (?,?,?,?,?)`,
		p.ID, p.ProposerID, p.Description, p.CreatedAt, p.EndsAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, q Querier, id string) (domain.Proposal, error) {
	var p domain.Proposal
	err := q.QueryRowContext(ctx, `SELECT id,proposer_id,description,votes_for,votes_against,votes_abstain,created_at,ends_at FROM proposals WHERE id=?`, id).
		Scan(&p.ID, &p.ProposerID, &p.Description, &p.For, &p.Against, &p.Abstain, &p.CreatedAt, &p.EndsAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProposalVote(ctx context.Context, q Querier, v domain.ProposalVote) error {
	if _, err := q.ExecContext(ctx, `INSERT INTO proposal_votes(proposal_id,voter_id,support,power,cast_at) VALUES (?,?,?,?,?)`,
		v.ProposalID, v.VoterID, int(v.Support), v.Power, v.CastAt); err != nil {
		return err
	}
	column := "votes_against"
	switch v.Support {
	case domain.SupportFor:
		column = "votes_for"
	case domain.SupportAbstain:
		column = "votes_abstain"
	}
	return mustAffect(q.ExecContext(ctx, `UPDATE proposals SET `+column+`=`+column+`+? WHERE id=?`, v.Power, v.ProposalID))
}

func (r Repo) HasProposalVote(ctx context.Context, q Querier, proposalID, voterID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM proposal_votes WHERE proposal_id=? AND voter_id=?`, proposalID, voterID).Scan(&n)
	return n > 0, err
}
