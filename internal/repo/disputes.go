package repo

import (
	"context"
	"database/sql"
	"errors"

	"openwork/internal/domain"
)

const disputeColumns = `id,job_id,raiser_id,evidence_hash,oracle_group,fee,disputed_amount,source_domain,opened_at,ends_at,
	resolved,COALESCE(outcome,''),power_for_giver,power_for_taker,COALESCE(settled_at,'')`

func scanDispute(row rowScanner) (domain.Dispute, error) {
	var d domain.Dispute
	var resolved int
	err := row.Scan(&d.ID, &d.JobID, &d.RaiserID, &d.EvidenceHash, &d.OracleGroup, &d.Fee, &d.DisputedAmount,
		&d.SourceDomain, &d.VotingOpenedAt, &d.VotingEndsAt, &resolved, &d.Outcome, &d.PowerForGiver, &d.PowerForTaker, &d.SettledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	d.Resolved = resolved == 1
	return d, err
}

func (r Repo) InsertDispute(ctx context.Context, q Querier, d domain.Dispute) error {
	_, err := q.ExecContext(ctx, `INSERT INTO disputes(id,job_id,raiser_id,evidence_hash,oracle_group,fee,disputed_amount,source_domain,
		opened_at,ends_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.JobID, d.RaiserID, d.EvidenceHash, d.OracleGroup, d.Fee, d.DisputedAmount, d.SourceDomain, d.VotingOpenedAt, d.VotingEndsAt)
	return err
}

// GetDispute loads a dispute with its votes.
func (r Repo) GetDispute(ctx context.Context, q Querier, id string) (domain.Dispute, error) {
	d, err := scanDispute(q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id))
	if err != nil {
		return d, err
	}
	d.Votes, err = r.ListVotes(ctx, q, id)
	return d, err
}

// ListDisputes lists a job's disputes, or every dispute when jobID is empty.
func (r Repo) ListDisputes(ctx context.Context, q Querier, jobID string, openOnly bool) ([]domain.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE 1=1`
	var args []any
	if jobID != "" {
		query += ` AND job_id=?`
		args = append(args, jobID)
	}
	if openOnly {
		query += ` AND resolved=0`
	}
	query += ` ORDER BY opened_at, id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r Repo) SettleDispute(ctx context.Context, q Querier, d domain.Dispute) error {
	return mustAffect(q.ExecContext(ctx, `UPDATE disputes SET resolved=?,outcome=?,power_for_giver=?,power_for_taker=?,settled_at=? WHERE id=?`,
		boolInt(d.Resolved), nullable(string(d.Outcome)), d.PowerForGiver, d.PowerForTaker, nullable(d.SettledAt), d.ID))
}

// UpsertVote records a vote. A re-vote keeps the voter's original position
// in the vote order.
func (r Repo) UpsertVote(ctx context.Context, q Querier, v domain.Vote) error {
	var seq int
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM dispute_votes WHERE dispute_id=?`, v.DisputeID).Scan(&seq); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `INSERT INTO dispute_votes(dispute_id,voter_id,in_favor_of_giver,power,claim_address,cast_at,seq)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(dispute_id,voter_id) DO UPDATE SET in_favor_of_giver=excluded.in_favor_of_giver,power=excluded.power,
		claim_address=excluded.claim_address,cast_at=excluded.cast_at`,
		v.DisputeID, v.VoterID, boolInt(v.InFavorOfGiver), v.VotingPower, v.ClaimAddress, v.CastAt, seq)
	return err
}

func (r Repo) GetVote(ctx context.Context, q Querier, disputeID, voterID string) (domain.Vote, error) {
	var v domain.Vote
	var fav int
	err := q.QueryRowContext(ctx, `SELECT dispute_id,voter_id,in_favor_of_giver,power,claim_address,fee_share,cast_at
		FROM dispute_votes WHERE dispute_id=? AND voter_id=?`, disputeID, voterID).
		Scan(&v.DisputeID, &v.VoterID, &fav, &v.VotingPower, &v.ClaimAddress, &v.FeeShare, &v.CastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	v.InFavorOfGiver = fav == 1
	return v, err
}

// ListVotes returns votes in first-cast order.
func (r Repo) ListVotes(ctx context.Context, q Querier, disputeID string) ([]domain.Vote, error) {
	rows, err := q.QueryContext(ctx, `SELECT dispute_id,voter_id,in_favor_of_giver,power,claim_address,fee_share,cast_at
		FROM dispute_votes WHERE dispute_id=? ORDER BY seq`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Vote
	for rows.Next() {
		var v domain.Vote
		var fav int
		if err := rows.Scan(&v.DisputeID, &v.VoterID, &fav, &v.VotingPower, &v.ClaimAddress, &v.FeeShare, &v.CastAt); err != nil {
			return nil, err
		}
		v.InFavorOfGiver = fav == 1
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r Repo) SetVoteFeeShare(ctx context.Context, q Querier, disputeID, voterID string, share int64) error {
	return mustAffect(q.ExecContext(ctx, `UPDATE dispute_votes SET fee_share=? WHERE dispute_id=? AND voter_id=?`, share, disputeID, voterID))
}
