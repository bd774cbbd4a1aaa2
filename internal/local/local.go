// Package local is the service of a local execution domain. It allocates
// job ids, escrows funds towards the hub and forwards every job action to
// the hub. Jobs are only readable locally through mirrors written by hub
// snapshots.
package local

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
	"openwork/internal/ids"
	"openwork/internal/logging"
	"openwork/internal/repo"
)

type Service struct {
	DB        *sql.DB
	Repo      repo.Repo
	Outbox    effects.Outbox
	Config    *config.Config
	Allocator ids.Allocator
	Logger    *slog.Logger
	Now       func() time.Time
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

func (s *Service) self() uint32 { return s.Config.Domain.ID }
func (s *Service) hub() uint32  { return s.Config.Domain.Hub }

func (s *Service) do(ctx context.Context, op effects.Op) ([]domain.Effect, error) {
	a := effects.Applier{Repo: s.Repo, Outbox: s.Outbox, Now: s.now}
	return a.Do(ctx, s.DB, op)
}

// toHub is the event plus message pair every forwarded action produces.
func (s *Service) toHub(evt, jobID, actor string, kind domain.MessageKind, payload any, extra map[string]any) []domain.Effect {
	return []domain.Effect{
		domain.EventEffect(evt, "job", jobID, actor, extra),
		domain.MessageEffect(s.hub(), kind, payload),
	}
}

// funding moves amount from the actor towards the hub's escrow. The transfer
// is settled by this domain's settler; its id travels in the hub message so
// the hub can book it or refund it.
func (s *Service) funding(jobID, from string, amount int64) (string, domain.Effect) {
	now := s.timestamp()
	id := uuid.NewString()
	return id, domain.TransferEffect(domain.Transfer{
		ID:           id,
		JobID:        jobID,
		Kind:         domain.TransferFunding,
		Amount:       amount,
		TargetDomain: s.hub(),
		Recipient:    "escrow:" + jobID,
		Status:       domain.TransferPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// mirror returns the hub snapshot of a job. Pending mirrors have not been
// confirmed by the hub yet.
func (s *Service) mirror(ctx context.Context, q repo.Querier, jobID string) (domain.JobMirror, error) {
	m, err := s.Repo.GetJobMirror(ctx, q, jobID)
	if err != nil {
		return m, fmt.Errorf("job %s: %w", jobID, err)
	}
	return m, nil
}

func (s *Service) confirmed(ctx context.Context, q repo.Querier, jobID string) (domain.Job, error) {
	m, err := s.mirror(ctx, q, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if m.Pending {
		return domain.Job{}, fmt.Errorf("%w: job %s is not confirmed by the hub yet", domain.ErrInvalidTransition, jobID)
	}
	return m.Job, nil
}

func requireGiver(j domain.Job, actor string) error {
	if j.GiverID != actor {
		return fmt.Errorf("%w: %s is not the giver of job %s", domain.ErrIneligible, actor, j.ID)
	}
	return nil
}

func validate(specs []domain.MilestoneSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("%w: at least one milestone is required", domain.ErrInvalidInput)
	}
	for i, m := range specs {
		if m.Amount <= 0 {
			return fmt.Errorf("%w: milestone %d amount must be positive", domain.ErrInvalidInput, i+1)
		}
	}
	return nil
}

func (s *Service) CreateProfile(ctx context.Context, p domain.ProfilePayload) error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user is required", domain.ErrInvalidInput)
	}
	if p.Referrer == p.UserID {
		return fmt.Errorf("%w: %s cannot refer themselves", domain.ErrInvalidInput, p.UserID)
	}
	if p.PreferredDomain == 0 {
		p.PreferredDomain = s.self()
	}
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		return []domain.Effect{
			domain.EventEffect("profile.submitted", "profile", p.UserID, p.UserID, map[string]any{"referrer": p.Referrer}),
			domain.MessageEffect(s.hub(), domain.KindProfileCreated, p),
		}, nil
	})
	return err
}

// PostJob allocates a job id and stores a pending mirror until the hub
// confirms the job.
func (s *Service) PostJob(ctx context.Context, giverID, contentHash string, milestones []domain.MilestoneSpec) (string, error) {
	if giverID == "" {
		return "", fmt.Errorf("%w: giver is required", domain.ErrInvalidInput)
	}
	if err := validate(milestones); err != nil {
		return "", err
	}
	var jobID string
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		id, err := s.Allocator.Next(ctx, tx, s.self())
		if err != nil {
			return nil, err
		}
		jobID = id.String()
		if err := s.storePending(ctx, tx, jobID, giverID, contentHash, milestones); err != nil {
			return nil, err
		}
		return s.toHub("job.posted", jobID, giverID, domain.KindJobPosted, domain.PostJobPayload{
			JobID: jobID, GiverID: giverID, ContentHash: contentHash, Milestones: milestones,
		}, map[string]any{"milestones": len(milestones)}), nil
	})
	return jobID, err
}

func (s *Service) storePending(ctx context.Context, tx *sql.Tx, jobID, giverID, contentHash string, specs []domain.MilestoneSpec) error {
	ms := make([]domain.Milestone, len(specs))
	for i, m := range specs {
		ms[i] = domain.Milestone{Index: i + 1, Description: m.Description, Amount: m.Amount, State: domain.MilestonePending}
	}
	now := s.timestamp()
	return s.Repo.UpsertJobMirror(ctx, tx, domain.JobMirror{
		Job: domain.Job{
			ID: jobID, OriginDomain: s.self(), GiverID: giverID, ContentHash: contentHash,
			Status: domain.JobOpen, Milestones: ms, CreatedAt: now, UpdatedAt: now,
		},
		Pending: true,
	})
}

// ApplyToJob forwards an application. The job may live on any domain.
func (s *Service) ApplyToJob(ctx context.Context, p domain.ApplyPayload) error {
	if _, err := ids.ParseJobID(p.JobID); err != nil {
		return err
	}
	if p.ApplicantID == "" {
		return fmt.Errorf("%w: applicant is required", domain.ErrInvalidInput)
	}
	if err := validate(p.Milestones); err != nil {
		return err
	}
	if p.PreferredDomain == 0 {
		p.PreferredDomain = s.self()
	}
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		return s.toHub("job.applied", p.JobID, p.ApplicantID, domain.KindJobApplied, p, map[string]any{
			"preferred_domain": p.PreferredDomain,
		}), nil
	})
	return err
}

// StartJob selects an application and escrows the first milestone. The
// amount comes from the hub's snapshot of the job.
func (s *Service) StartJob(ctx context.Context, jobID, giverID string, applicationID int, useApplicantMilestones bool) error {
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		m, err := s.mirror(ctx, tx, jobID)
		if err != nil {
			return nil, err
		}
		if m.Pending {
			return nil, fmt.Errorf("%w: job %s is not confirmed by the hub yet", domain.ErrInvalidTransition, jobID)
		}
		if err := requireGiver(m.Job, giverID); err != nil {
			return nil, err
		}
		if m.Job.Status != domain.JobOpen {
			return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, m.Job.Status)
		}
		var app *domain.Application
		for i := range m.Applications {
			if m.Applications[i].ID == applicationID {
				app = &m.Applications[i]
			}
		}
		if app == nil {
			return nil, fmt.Errorf("application %d of job %s: %w", applicationID, jobID, domain.ErrNotFound)
		}
		amount := m.Job.Milestones[0].Amount
		if useApplicantMilestones {
			amount = app.Milestones[0].Amount
		}
		fundingID, funding := s.funding(jobID, giverID, amount)
		effs := s.toHub("job.start_requested", jobID, giverID, domain.KindJobStarted, domain.StartPayload{
			JobID: jobID, GiverID: giverID, ApplicationID: applicationID,
			UseApplicantMilestones: useApplicantMilestones, FundedAmount: amount, FundingTransferID: fundingID,
		}, map[string]any{"application_id": applicationID, "funded": amount})
		return append(effs, funding), nil
	})
	return err
}

// StartDirectContract posts, applies and starts in one step.
func (s *Service) StartDirectContract(ctx context.Context, p domain.DirectContractPayload) (string, error) {
	if p.GiverID == "" || p.TakerID == "" {
		return "", fmt.Errorf("%w: giver and taker are required", domain.ErrInvalidInput)
	}
	if p.GiverID == p.TakerID {
		return "", fmt.Errorf("%w: giver cannot contract themselves", domain.ErrIneligible)
	}
	if err := validate(p.Milestones); err != nil {
		return "", err
	}
	if p.TakerDomain == 0 {
		p.TakerDomain = s.self()
	}
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		id, err := s.Allocator.Next(ctx, tx, s.self())
		if err != nil {
			return nil, err
		}
		p.JobID = id.String()
		p.FundedAmount = p.Milestones[0].Amount
		if err := s.storePending(ctx, tx, p.JobID, p.GiverID, p.ContentHash, p.Milestones); err != nil {
			return nil, err
		}
		var funding domain.Effect
		p.FundingTransferID, funding = s.funding(p.JobID, p.GiverID, p.FundedAmount)
		effs := s.toHub("job.direct_contract", p.JobID, p.GiverID, domain.KindDirectContract, p, map[string]any{
			"taker": p.TakerID, "taker_domain": p.TakerDomain, "funded": p.FundedAmount,
		})
		return append(effs, funding), nil
	})
	return p.JobID, err
}

func (s *Service) SubmitWork(ctx context.Context, p domain.SubmitPayload) error {
	if p.ContentHash == "" {
		return fmt.Errorf("%w: submission content is required", domain.ErrInvalidInput)
	}
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		job, err := s.confirmed(ctx, tx, p.JobID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if err == nil && job.SelectedApplicant != p.ApplicantID {
			return nil, fmt.Errorf("%w: %s is not the selected applicant of job %s", domain.ErrIneligible, p.ApplicantID, p.JobID)
		}
		return s.toHub("work.submitted", p.JobID, p.ApplicantID, domain.KindWorkSubmitted, p, map[string]any{
			"content_hash": p.ContentHash,
		}), nil
	})
	return err
}

// LockNextMilestone escrows the current milestone after the previous one was
// released.
func (s *Service) LockNextMilestone(ctx context.Context, jobID, giverID string) error {
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		job, err := s.confirmed(ctx, tx, jobID)
		if err != nil {
			return nil, err
		}
		if err := requireGiver(job, giverID); err != nil {
			return nil, err
		}
		m, ok := job.Current()
		if !ok || m.State != domain.MilestonePending {
			return nil, fmt.Errorf("%w: job %s has no milestone waiting for funds", domain.ErrInvalidTransition, jobID)
		}
		fundingID, funding := s.funding(jobID, giverID, m.Amount)
		effs := s.toHub("milestone.lock_requested", jobID, giverID, domain.KindMilestoneLocked, domain.LockPayload{
			JobID: jobID, GiverID: giverID, FundedAmount: m.Amount, FundingTransferID: fundingID,
		}, map[string]any{"milestone": m.Index, "funded": m.Amount})
		return append(effs, funding), nil
	})
	return err
}

func (s *Service) ReleasePayment(ctx context.Context, jobID, giverID string) error {
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		job, err := s.confirmed(ctx, tx, jobID)
		if err != nil {
			return nil, err
		}
		if err := requireGiver(job, giverID); err != nil {
			return nil, err
		}
		return s.toHub("payment.release_requested", jobID, giverID, domain.KindPaymentReleased, domain.ReleasePayload{
			JobID: jobID, GiverID: giverID,
		}, map[string]any{"milestone": job.CurrentMilestone}), nil
	})
	return err
}

// ReleaseAndLockNext releases the current milestone and escrows the next.
func (s *Service) ReleaseAndLockNext(ctx context.Context, jobID, giverID string) error {
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		job, err := s.confirmed(ctx, tx, jobID)
		if err != nil {
			return nil, err
		}
		if err := requireGiver(job, giverID); err != nil {
			return nil, err
		}
		if job.CurrentMilestone < 1 || job.CurrentMilestone >= len(job.Milestones) {
			return nil, fmt.Errorf("%w: job %s has no next milestone to lock", domain.ErrInvalidTransition, jobID)
		}
		next := job.Milestones[job.CurrentMilestone]
		fundingID, funding := s.funding(jobID, giverID, next.Amount)
		effs := s.toHub("payment.release_and_lock_requested", jobID, giverID, domain.KindPaymentReleasedAndLocked, domain.LockPayload{
			JobID: jobID, GiverID: giverID, FundedAmount: next.Amount, FundingTransferID: fundingID,
		}, map[string]any{"milestone": job.CurrentMilestone, "next_funded": next.Amount})
		return append(effs, funding), nil
	})
	return err
}

// RaiseDispute forwards a dispute and escrows its fee.
func (s *Service) RaiseDispute(ctx context.Context, p domain.DisputePayload) error {
	if min := int64(s.Config.Dispute.MinimumFee); p.Fee < min {
		return fmt.Errorf("%w: dispute fee %d below minimum %d", domain.ErrInvalidInput, p.Fee, min)
	}
	if p.DisputedAmount <= 0 {
		return fmt.Errorf("%w: disputed amount must be positive", domain.ErrInvalidInput)
	}
	_, err := s.do(ctx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		job, err := s.confirmed(ctx, tx, p.JobID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if err == nil && p.RaiserID != job.GiverID && p.RaiserID != job.SelectedApplicant {
			return nil, fmt.Errorf("%w: %s is not a party of job %s", domain.ErrIneligible, p.RaiserID, p.JobID)
		}
		var funding domain.Effect
		p.FundingTransferID, funding = s.funding(p.JobID, p.RaiserID, p.Fee)
		effs := s.toHub("dispute.requested", p.JobID, p.RaiserID, domain.KindDisputeRaised, p, map[string]any{
			"fee": p.Fee, "disputed_amount": p.DisputedAmount,
		})
		return append(effs, funding), nil
	})
	return err
}

// GetJob returns the hub-confirmed snapshot of a job.
func (s *Service) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	return s.confirmed(ctx, s.DB, jobID)
}

// ListJobs lists confirmed jobs, never pending creations.
func (s *Service) ListJobs(ctx context.Context) ([]domain.Job, error) {
	mirrors, err := s.Repo.ListJobMirrors(ctx, s.DB, false)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Job, 0, len(mirrors))
	for _, m := range mirrors {
		out = append(out, m.Job)
	}
	return out, nil
}

func (s *Service) GetDispute(ctx context.Context, id string) (domain.DisputeMirror, error) {
	d, err := s.Repo.GetDisputeMirror(ctx, s.DB, id)
	if err != nil {
		return d, fmt.Errorf("dispute %s: %w", id, err)
	}
	return d, nil
}
