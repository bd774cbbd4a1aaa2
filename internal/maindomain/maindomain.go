// Package maindomain is the service of the main domain: stake positions,
// governance proposals and reward claims.
package maindomain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"openwork/internal/config"
	"openwork/internal/domain"
	"openwork/internal/effects"
	"openwork/internal/logging"
	"openwork/internal/repo"
	"openwork/internal/voting"
)

type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Outbox effects.Outbox
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, outbox effects.Outbox) *Service {
	return &Service{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Outbox: outbox,
		Config: cfg,
		Logger: logging.NewNop(),
		Now:    time.Now,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *Service) hub() uint32 { return s.Config.Domain.Hub }

func (s *Service) applier() effects.Applier {
	return effects.Applier{Repo: s.Repo, Outbox: s.Outbox, Now: s.now}
}

func (s *Service) do(ctx context.Context, op effects.Op) ([]domain.Effect, error) {
	return s.applier().Do(ctx, s.DB, op)
}

func (s *Service) governanceAction(userID, source, ref string) domain.Effect {
	return domain.MessageEffect(s.hub(), domain.KindGovernanceAction, domain.GovernanceActionPayload{
		UserID: userID, Source: source, RefID: ref,
	})
}

// Stake opens or replaces the user's stake position and relays it to the
// hub for dispute eligibility.
func (s *Service) Stake(ctx context.Context, userID string, amount int64, duration string) (domain.StakePosition, error) {
	if userID == "" || amount <= 0 {
		return domain.StakePosition{}, fmt.Errorf("%w: stake of %d for %q", domain.ErrInvalidInput, amount, userID)
	}
	mult, err := voting.Multiplier(s.Config.Staking.Durations, duration)
	if err != nil {
		return domain.StakePosition{}, err
	}
	pos := domain.StakePosition{UserID: userID, Amount: amount, Duration: duration, Multiplier: mult, UpdatedAt: s.timestamp()}
	_, err = s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		return s.writeStake(ctx, tx, pos)
	})
	return pos, err
}

func (s *Service) Unstake(ctx context.Context, userID string) error {
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		cur, err := s.Repo.GetStake(ctx, tx, userID)
		if err != nil {
			return nil, fmt.Errorf("stake %s: %w", userID, err)
		}
		if cur.Amount == 0 {
			return nil, fmt.Errorf("%w: %s has nothing staked", domain.ErrInvalidTransition, userID)
		}
		return s.writeStake(ctx, tx, domain.StakePosition{UserID: userID, UpdatedAt: s.timestamp()})
	})
	return err
}

func (s *Service) writeStake(ctx context.Context, tx *sql.Tx, pos domain.StakePosition) ([]domain.Effect, error) {
	if err := s.Repo.UpsertStake(ctx, tx, pos); err != nil {
		return nil, err
	}
	evt := "stake.staked"
	if pos.Amount == 0 {
		evt = "stake.unstaked"
	}
	return []domain.Effect{
		domain.EventEffect(evt, "stake", pos.UserID, pos.UserID, map[string]any{
			"amount": pos.Amount, "duration": pos.Duration, "multiplier": pos.Multiplier,
		}),
		domain.MessageEffect(s.hub(), domain.KindStakeUpdated, domain.StakePayload{
			UserID: pos.UserID, Amount: pos.Amount, Duration: pos.Duration,
		}),
	}, nil
}

// Power is the user's proposal voting power: their own stake unless
// delegated away, stake delegated to them, and rewards synced from the hub.
func (s *Service) Power(ctx context.Context, userID string) (int64, error) {
	return s.power(ctx, s.DB, userID)
}

func (s *Service) power(ctx context.Context, q repo.Querier, userID string) (int64, error) {
	var total int64
	own, err := s.Repo.GetStake(ctx, q, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	if own.Delegatee == "" {
		if total, err = voting.StakePower(own); err != nil {
			return 0, err
		}
	}
	delegators, err := s.Repo.ListDelegators(ctx, q, userID)
	if err != nil {
		return 0, err
	}
	for _, d := range delegators {
		p, err := voting.StakePower(d)
		if err != nil {
			return 0, err
		}
		total += p
	}
	bal, err := s.Repo.GetClaimBalance(ctx, q, userID)
	if err != nil {
		return 0, err
	}
	return total + bal.SyncedUnlocked, nil
}

func (s *Service) Propose(ctx context.Context, proposerID, description string) (domain.Proposal, error) {
	if description == "" {
		return domain.Proposal{}, fmt.Errorf("%w: proposal description is required", domain.ErrInvalidInput)
	}
	now := s.now().UTC()
	p := domain.Proposal{
		ID:          uuid.NewString(),
		ProposerID:  proposerID,
		Description: description,
		CreatedAt:   now.Format(time.RFC3339),
		EndsAt:      now.Add(s.Config.Governance.VotingPeriod).Format(time.RFC3339),
	}
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		power, err := s.power(ctx, tx, proposerID)
		if err != nil {
			return nil, err
		}
		if min := int64(s.Config.Governance.ProposalThreshold); power < min {
			return nil, fmt.Errorf("%w: %s has power %d, proposing needs %d", domain.ErrIneligible, proposerID, power, min)
		}
		if err := s.Repo.InsertProposal(ctx, tx, p); err != nil {
			return nil, err
		}
		return []domain.Effect{
			domain.EventEffect("proposal.created", "proposal", p.ID, proposerID, map[string]any{"ends_at": p.EndsAt, "power": power}),
			s.governanceAction(proposerID, "proposal", p.ID),
		}, nil
	})
	return p, err
}

// CastVote records one vote per voter while the proposal is open.
func (s *Service) CastVote(ctx context.Context, proposalID, voterID string, support domain.Support) (domain.ProposalVote, error) {
	if support < domain.SupportAgainst || support > domain.SupportAbstain {
		return domain.ProposalVote{}, fmt.Errorf("%w: support %d", domain.ErrInvalidInput, support)
	}
	var v domain.ProposalVote
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		p, err := s.Repo.GetProposal(ctx, tx, proposalID)
		if err != nil {
			return nil, fmt.Errorf("proposal %s: %w", proposalID, err)
		}
		ends, err := time.Parse(time.RFC3339, p.EndsAt)
		if err != nil {
			return nil, err
		}
		if !s.now().Before(ends) {
			return nil, fmt.Errorf("%w: proposal %s closed at %s", domain.ErrWindowViolation, p.ID, p.EndsAt)
		}
		voted, err := s.Repo.HasProposalVote(ctx, tx, p.ID, voterID)
		if err != nil {
			return nil, err
		}
		if voted {
			return nil, fmt.Errorf("%w: %s already voted on %s", domain.ErrInvalidTransition, voterID, p.ID)
		}
		power, err := s.power(ctx, tx, voterID)
		if err != nil {
			return nil, err
		}
		if min := int64(s.Config.Governance.VoteThreshold); power < min {
			return nil, fmt.Errorf("%w: %s has power %d, voting needs %d", domain.ErrIneligible, voterID, power, min)
		}
		v = domain.ProposalVote{ProposalID: p.ID, VoterID: voterID, Support: support, Power: power, CastAt: s.timestamp()}
		if err := s.Repo.InsertProposalVote(ctx, tx, v); err != nil {
			return nil, err
		}
		return []domain.Effect{
			domain.EventEffect("proposal.voted", "proposal", p.ID, voterID, map[string]any{"support": int(support), "power": power}),
			s.governanceAction(voterID, "proposal_vote", p.ID),
		}, nil
	})
	return v, err
}

func (s *Service) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	p, err := s.Repo.GetProposal(ctx, s.DB, id)
	if err != nil {
		return p, fmt.Errorf("proposal %s: %w", id, err)
	}
	return p, nil
}

// Claim pays out the user's synced claimable balance and reports it to the
// hub.
func (s *Service) Claim(ctx context.Context, userID string) (int64, error) {
	var amount int64
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		b, err := s.Repo.GetClaimBalance(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		if b.Claimable <= 0 {
			return nil, fmt.Errorf("%w: %s has nothing to claim", domain.ErrIneligible, userID)
		}
		amount = b.Claimable
		b.TotalClaimed += amount
		b.Claimable = 0
		if err := s.Repo.PutClaimBalance(ctx, tx, b); err != nil {
			return nil, err
		}
		return []domain.Effect{
			domain.EventEffect("rewards.claimed", "reward", userID, userID, map[string]any{
				"amount": amount, "total_claimed": b.TotalClaimed,
			}),
			domain.MessageEffect(s.hub(), domain.KindRewardsClaimed, domain.ClaimedPayload{UserID: userID, Amount: amount}),
		}, nil
	})
	return amount, err
}

func (s *Service) Balance(ctx context.Context, userID string) (repo.ClaimBalance, error) {
	return s.Repo.GetClaimBalance(ctx, s.DB, userID)
}
