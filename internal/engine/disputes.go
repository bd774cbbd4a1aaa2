package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"openwork/internal/config"
	"openwork/internal/domain"
	"openwork/internal/ids"
	"openwork/internal/ledger"
	"openwork/internal/repo"
	"openwork/internal/rewards"
	"openwork/internal/voting"
)

func (e Engine) raiseDispute(ctx context.Context, tx *sql.Tx, p domain.DisputePayload, source uint32) (domain.Dispute, []domain.Effect, error) {
	job, err := e.getJob(ctx, tx, p.JobID)
	if err != nil {
		return domain.Dispute{}, nil, err
	}
	if err := requireActive(job); err != nil {
		return domain.Dispute{}, nil, err
	}
	if err := ensureJobTransition(job.Status, domain.JobDisputed); err != nil {
		return domain.Dispute{}, nil, err
	}
	if p.RaiserID != job.GiverID && p.RaiserID != job.SelectedApplicant {
		return domain.Dispute{}, nil, fmt.Errorf("%w: only the parties of job %s can raise a dispute", domain.ErrIneligible, job.ID)
	}
	if min := int64(e.Config.Dispute.MinimumFee); p.Fee < min {
		return domain.Dispute{}, nil, fmt.Errorf("%w: dispute fee %d below minimum %d", domain.ErrInvalidInput, p.Fee, min)
	}
	if len(e.Config.Oracles) > 0 {
		if _, ok := e.Config.Oracles[p.OracleGroup]; !ok {
			return domain.Dispute{}, nil, fmt.Errorf("%w: unknown oracle group %q", domain.ErrInvalidInput, p.OracleGroup)
		}
	}
	esc, err := e.Repo.GetEscrow(ctx, tx, job.ID)
	if err != nil {
		return domain.Dispute{}, nil, err
	}
	if p.DisputedAmount <= 0 || p.DisputedAmount > esc.Locked {
		return domain.Dispute{}, nil, fmt.Errorf("%w: disputed %d with %d locked", domain.ErrInsufficientEscrow, p.DisputedAmount, esc.Locked)
	}
	changed, err := statusChanged(&job, domain.JobDisputed, p.RaiserID)
	if err != nil {
		return domain.Dispute{}, nil, err
	}
	job.DisputeCount++
	opened := e.now().UTC()
	d := domain.Dispute{
		ID:             ids.DisputeID(job.ID, job.DisputeCount),
		JobID:          job.ID,
		RaiserID:       p.RaiserID,
		EvidenceHash:   p.EvidenceHash,
		OracleGroup:    p.OracleGroup,
		Fee:            p.Fee,
		DisputedAmount: p.DisputedAmount,
		SourceDomain:   source,
		VotingOpenedAt: opened.Format(time.RFC3339),
		VotingEndsAt:   opened.Add(e.Config.Dispute.VotingPeriod).Format(time.RFC3339),
	}
	if err := e.Repo.InsertDispute(ctx, tx, d); err != nil {
		return domain.Dispute{}, nil, err
	}
	job.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateJob(ctx, tx, job); err != nil {
		return domain.Dispute{}, nil, err
	}
	if err := e.bookFunding(ctx, tx, domain.Funding{
		TransferID: p.FundingTransferID, JobID: job.ID, Purpose: "dispute_fee",
		Payer: p.RaiserID, SourceDomain: source, Amount: p.Fee,
	}); err != nil {
		return domain.Dispute{}, nil, err
	}
	return d, []domain.Effect{
		domain.EventEffect("dispute.raised", "dispute", d.ID, p.RaiserID, map[string]any{
			"job_id": job.ID, "fee": d.Fee, "disputed_amount": d.DisputedAmount, "oracle_group": d.OracleGroup,
			"voting_ends_at": d.VotingEndsAt,
		}),
		changed,
	}, nil
}

func (e Engine) getDispute(ctx context.Context, q repo.Querier, id string) (domain.Dispute, error) {
	d, err := e.Repo.GetDispute(ctx, q, id)
	if err != nil {
		return d, fmt.Errorf("dispute %s: %w", id, err)
	}
	return d, nil
}

func votingEnded(d domain.Dispute, now time.Time) (bool, error) {
	ends, err := time.Parse(time.RFC3339, d.VotingEndsAt)
	if err != nil {
		return false, fmt.Errorf("dispute %s end time: %w", d.ID, err)
	}
	return !now.Before(ends), nil
}

// VoteOptions are the inputs of a dispute vote.
type VoteOptions struct {
	DisputeID      string
	VoterID        string
	InFavorOfGiver bool
	ClaimAddress   string
}

func (e Engine) vote(ctx context.Context, tx *sql.Tx, opts VoteOptions) (domain.Vote, []domain.Effect, error) {
	d, err := e.getDispute(ctx, tx, opts.DisputeID)
	if err != nil {
		return domain.Vote{}, nil, err
	}
	if d.Resolved {
		return domain.Vote{}, nil, fmt.Errorf("%w: dispute %s is resolved", domain.ErrInvalidTransition, d.ID)
	}
	ended, err := votingEnded(d, e.now())
	if err != nil {
		return domain.Vote{}, nil, err
	}
	if ended {
		return domain.Vote{}, nil, fmt.Errorf("%w: voting on %s closed at %s", domain.ErrWindowViolation, d.ID, d.VotingEndsAt)
	}
	if opts.VoterID == "" {
		return domain.Vote{}, nil, fmt.Errorf("%w: voter is required", domain.ErrInvalidInput)
	}
	stake, err := e.Repo.GetStake(ctx, tx, opts.VoterID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Vote{}, nil, err
	}
	if stake.Delegatee != "" {
		return domain.Vote{}, nil, fmt.Errorf("%w: %s delegated voting power to %s", domain.ErrIneligible, opts.VoterID, stake.Delegatee)
	}
	earnings, err := e.Repo.ListEarnings(ctx, tx, opts.VoterID)
	if err != nil {
		return domain.Vote{}, nil, err
	}
	earned := rewards.TotalEarned(earnings)
	oracle := e.Config.IsOracleMember(d.OracleGroup, opts.VoterID)
	if !oracle && stake.Amount <= 0 && earned < int64(e.Config.Dispute.EarnedEligibility) {
		return domain.Vote{}, nil, fmt.Errorf("%w: %s is not an oracle member, staker or earner", domain.ErrIneligible, opts.VoterID)
	}
	power, err := voting.Power(stake.Amount, stake.Multiplier, earned)
	if err != nil {
		return domain.Vote{}, nil, err
	}
	_, err = e.Repo.GetVote(ctx, tx, d.ID, opts.VoterID)
	revote := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Vote{}, nil, err
	}
	if revote && e.Config.Dispute.Revote == config.RevoteReject {
		return domain.Vote{}, nil, fmt.Errorf("%w: %s already voted on %s", domain.ErrInvalidTransition, opts.VoterID, d.ID)
	}
	claim := opts.ClaimAddress
	if claim == "" {
		claim = opts.VoterID
	}
	v := domain.Vote{
		DisputeID:      d.ID,
		VoterID:        opts.VoterID,
		InFavorOfGiver: opts.InFavorOfGiver,
		VotingPower:    power,
		ClaimAddress:   claim,
		CastAt:         e.timestamp(),
	}
	if err := e.Repo.UpsertVote(ctx, tx, v); err != nil {
		return domain.Vote{}, nil, err
	}
	effects := []domain.Effect{domain.EventEffect("dispute.voted", "dispute", d.ID, opts.VoterID, map[string]any{
		"in_favor_of_giver": v.InFavorOfGiver, "power": power, "revote": revote, "oracle": oracle,
	})}
	// A replaced vote is the same act of participation.
	if revote {
		return v, effects, nil
	}
	action, err := e.recordGovernanceAction(ctx, tx, opts.VoterID, "dispute_vote", d.ID)
	if err != nil {
		return domain.Vote{}, nil, err
	}
	return v, append(effects, action...), nil
}

// Vote casts or replaces a vote on an open dispute.
func (e Engine) Vote(ctx context.Context, opts VoteOptions) (domain.Vote, []domain.Effect, error) {
	var v domain.Vote
	effects, err := e.Do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		var effs []domain.Effect
		var err error
		v, effs, err = e.vote(ctx, tx, opts)
		return effs, err
	})
	return v, effects, err
}

func (e Engine) settle(ctx context.Context, tx *sql.Tx, disputeID string) (domain.Dispute, []domain.Effect, error) {
	d, err := e.getDispute(ctx, tx, disputeID)
	if err != nil {
		return d, nil, err
	}
	if d.Resolved {
		return d, nil, fmt.Errorf("%w: dispute %s already settled", domain.ErrInvalidTransition, d.ID)
	}
	ended, err := votingEnded(d, e.now())
	if err != nil {
		return d, nil, err
	}
	if !ended {
		return d, nil, fmt.Errorf("%w: voting on %s is open until %s", domain.ErrWindowViolation, d.ID, d.VotingEndsAt)
	}
	job, err := e.getJob(ctx, tx, d.JobID)
	if err != nil {
		return d, nil, err
	}
	if err := requireStatus(job, domain.JobDisputed, "settle dispute on"); err != nil {
		return d, nil, err
	}
	if err := requireActive(job); err != nil {
		return d, nil, err
	}

	for _, v := range d.Votes {
		if v.InFavorOfGiver {
			d.PowerForGiver += v.VotingPower
		} else {
			d.PowerForTaker += v.VotingPower
		}
	}
	giverWins := d.PowerForGiver > d.PowerForTaker
	if d.PowerForGiver == d.PowerForTaker {
		giverWins = e.Config.Dispute.TieBreak != config.TieBreakTaker
	}
	d.Outcome = domain.OutcomeTaker
	if giverWins {
		d.Outcome = domain.OutcomeGiver
	}

	effects, err := e.distributeFee(ctx, tx, &d, giverWins)
	if err != nil {
		return d, nil, err
	}
	recipient, target := job.SelectedApplicant, job.ApplicantDomain
	if giverWins {
		recipient, target = job.GiverID, job.OriginDomain
	}
	released, err := e.releaseDisputed(ctx, tx, job, d, recipient, target)
	if err != nil {
		return d, nil, err
	}
	effects = append(effects, released...)
	resolved, err := e.resolveJob(ctx, tx, &job, d.ID)
	if err != nil {
		return d, nil, err
	}
	effects = append(effects, resolved...)

	d.Resolved = true
	d.SettledAt = e.timestamp()
	if err := e.Repo.SettleDispute(ctx, tx, d); err != nil {
		return d, nil, err
	}
	effects = append(effects, domain.EventEffect("dispute.settled", "dispute", d.ID, "dispute", map[string]any{
		"outcome": d.Outcome, "power_for_giver": d.PowerForGiver, "power_for_taker": d.PowerForTaker, "votes": len(d.Votes),
	}))
	if d.SourceDomain != 0 && d.SourceDomain != e.self() {
		effects = append(effects, domain.MessageEffect(d.SourceDomain, domain.KindDisputeFinalized, domain.DisputeFinalizedPayload{
			DisputeID: d.ID, JobID: d.JobID, GiverWins: giverWins,
			PowerForGiver: d.PowerForGiver, PowerForTaker: d.PowerForTaker, Votes: len(d.Votes),
		}))
	}
	return d, effects, nil
}

// distributeFee splits the dispute fee between winning voters by power. With
// no winning power the fee goes to the treasury.
func (e Engine) distributeFee(ctx context.Context, tx *sql.Tx, d *domain.Dispute, giverWins bool) ([]domain.Effect, error) {
	var winners []int
	var weights []int64
	for i, v := range d.Votes {
		if v.InFavorOfGiver == giverWins && v.VotingPower > 0 {
			winners = append(winners, i)
			weights = append(weights, v.VotingPower)
		}
	}
	if len(winners) == 0 {
		if err := e.Repo.AddTreasury(ctx, tx, d.Fee); err != nil {
			return nil, err
		}
		return []domain.Effect{domain.EventEffect("dispute.fee_to_treasury", "dispute", d.ID, "dispute", map[string]any{"fee": d.Fee})}, nil
	}
	shares, err := ledger.Split(d.Fee, weights)
	if err != nil {
		return nil, err
	}
	var effects []domain.Effect
	now := e.timestamp()
	for k, i := range winners {
		v := &d.Votes[i]
		v.FeeShare = shares[k]
		if err := e.Repo.SetVoteFeeShare(ctx, tx, d.ID, v.VoterID, v.FeeShare); err != nil {
			return nil, err
		}
		if v.FeeShare == 0 {
			continue
		}
		t := domain.Transfer{
			ID:           transferID(d.ID, domain.TransferFeePayout, v.VoterID),
			JobID:        d.JobID,
			Kind:         domain.TransferFeePayout,
			Amount:       v.FeeShare,
			TargetDomain: e.self(),
			Recipient:    v.ClaimAddress,
			Status:       domain.TransferPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		effects = append(effects,
			domain.EventEffect("dispute.fee_paid", "dispute", d.ID, "dispute", map[string]any{
				"voter": v.VoterID, "claim_address": v.ClaimAddress, "share": v.FeeShare, "transfer_id": t.ID,
			}),
			domain.TransferEffect(t),
		)
	}
	return effects, nil
}

// Settle finalises a dispute after its voting window.
func (e Engine) Settle(ctx context.Context, disputeID string) (domain.Dispute, []domain.Effect, error) {
	var d domain.Dispute
	jobID, _, _ := strings.Cut(disputeID, "/")
	effects, err := e.Do(ctx, e.withSync(jobID, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		var effs []domain.Effect
		var err error
		d, effs, err = e.settle(ctx, tx, disputeID)
		return effs, err
	}))
	return d, effects, err
}

func (e Engine) RaiseDispute(ctx context.Context, p domain.DisputePayload, source uint32) (domain.Dispute, []domain.Effect, error) {
	var d domain.Dispute
	effects, err := e.Do(ctx, e.withSync(p.JobID, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		var effs []domain.Effect
		var err error
		d, effs, err = e.raiseDispute(ctx, tx, p, source)
		return effs, err
	}))
	return d, effects, err
}

func (e Engine) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	return e.getDispute(ctx, e.DB, id)
}

func (e Engine) ListDisputes(ctx context.Context, jobID string, openOnly bool) ([]domain.Dispute, error) {
	return e.Repo.ListDisputes(ctx, e.DB, jobID, openOnly)
}
