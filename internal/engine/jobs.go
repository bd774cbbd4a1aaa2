package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"openwork/internal/domain"
	"openwork/internal/ids"
)

func validateMilestones(specs []domain.MilestoneSpec) error {
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

func milestonesFrom(specs []domain.MilestoneSpec) []domain.Milestone {
	out := make([]domain.Milestone, len(specs))
	for i, s := range specs {
		out[i] = domain.Milestone{Index: i + 1, Description: s.Description, Amount: s.Amount, State: domain.MilestonePending}
	}
	return out
}

func (e Engine) createJob(ctx context.Context, tx *sql.Tx, p domain.PostJobPayload, origin uint32) (domain.Job, []domain.Effect, error) {
	id, err := ids.ParseJobID(p.JobID)
	if err != nil {
		return domain.Job{}, nil, err
	}
	if id.Domain != origin {
		return domain.Job{}, nil, fmt.Errorf("%w: job %s was not allocated by domain %d", domain.ErrInvalidInput, p.JobID, origin)
	}
	if p.GiverID == "" {
		return domain.Job{}, nil, fmt.Errorf("%w: giver is required", domain.ErrInvalidInput)
	}
	if err := validateMilestones(p.Milestones); err != nil {
		return domain.Job{}, nil, err
	}
	exists, err := e.Repo.JobExists(ctx, tx, p.JobID)
	if err != nil {
		return domain.Job{}, nil, err
	}
	if exists {
		return domain.Job{}, nil, fmt.Errorf("%w: job %s already exists", domain.ErrInvalidTransition, p.JobID)
	}
	now := e.timestamp()
	job := domain.Job{
		ID:           p.JobID,
		OriginDomain: origin,
		GiverID:      p.GiverID,
		ContentHash:  p.ContentHash,
		Status:       domain.JobOpen,
		Milestones:   milestonesFrom(p.Milestones),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
		return domain.Job{}, nil, err
	}
	if err := e.Repo.InsertEscrow(ctx, tx, job.ID); err != nil {
		return domain.Job{}, nil, err
	}
	return job, []domain.Effect{domain.EventEffect("job.posted", "job", job.ID, job.GiverID, map[string]any{
		"origin_domain": origin, "milestones": len(job.Milestones), "content_hash": job.ContentHash,
	})}, nil
}

func (e Engine) recordApplication(ctx context.Context, tx *sql.Tx, p domain.ApplyPayload, source uint32) (domain.Application, []domain.Effect, error) {
	job, err := e.getJob(ctx, tx, p.JobID)
	if err != nil {
		return domain.Application{}, nil, err
	}
	if err := requireStatus(job, domain.JobOpen, "apply to"); err != nil {
		return domain.Application{}, nil, err
	}
	if p.ApplicantID == "" {
		return domain.Application{}, nil, fmt.Errorf("%w: applicant is required", domain.ErrInvalidInput)
	}
	if p.ApplicantID == job.GiverID {
		return domain.Application{}, nil, fmt.Errorf("%w: giver cannot apply to own job", domain.ErrIneligible)
	}
	if err := validateMilestones(p.Milestones); err != nil {
		return domain.Application{}, nil, err
	}
	next, err := e.Repo.NextApplicationID(ctx, tx, job.ID)
	if err != nil {
		return domain.Application{}, nil, err
	}
	preferred := p.PreferredDomain
	if preferred == 0 {
		preferred = source
	}
	app := domain.Application{
		ID:              next,
		JobID:           job.ID,
		ApplicantID:     p.ApplicantID,
		ContentHash:     p.ContentHash,
		Milestones:      p.Milestones,
		PreferredDomain: preferred,
		CreatedAt:       e.timestamp(),
	}
	if err := e.Repo.InsertApplication(ctx, tx, app); err != nil {
		return domain.Application{}, nil, err
	}
	return app, []domain.Effect{domain.EventEffect("job.application", "job", job.ID, app.ApplicantID, map[string]any{
		"application_id": app.ID, "preferred_domain": preferred,
	})}, nil
}

func (e Engine) startJob(ctx context.Context, tx *sql.Tx, p domain.StartPayload) (domain.Job, []domain.Effect, error) {
	job, err := e.getJob(ctx, tx, p.JobID)
	if err != nil {
		return job, nil, err
	}
	if err := requireActive(job); err != nil {
		return job, nil, err
	}
	if err := ensureJobTransition(job.Status, domain.JobInProgress); err != nil {
		return job, nil, err
	}
	if p.GiverID != job.GiverID {
		return job, nil, fmt.Errorf("%w: only the giver can start job %s", domain.ErrIneligible, job.ID)
	}
	app, err := e.Repo.GetApplication(ctx, tx, job.ID, p.ApplicationID)
	if err != nil {
		return job, nil, fmt.Errorf("application %d of job %s: %w", p.ApplicationID, job.ID, err)
	}
	if p.UseApplicantMilestones {
		job.Milestones = milestonesFrom(app.Milestones)
		if err := e.Repo.ReplaceMilestones(ctx, tx, job.ID, job.Milestones); err != nil {
			return job, nil, err
		}
	}
	if p.FundedAmount != job.Milestones[0].Amount {
		return job, nil, fmt.Errorf("%w: start funded %d, first milestone is %d", domain.ErrInvalidInput, p.FundedAmount, job.Milestones[0].Amount)
	}
	changed, err := statusChanged(&job, domain.JobInProgress, job.GiverID)
	if err != nil {
		return job, nil, err
	}
	job.CurrentMilestone = 1
	job.SelectedApplicant = app.ApplicantID
	job.SelectedApplicationID = app.ID
	job.ApplicantDomain = app.PreferredDomain
	job.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateJob(ctx, tx, job); err != nil {
		return job, nil, err
	}
	effects := []domain.Effect{
		domain.EventEffect("job.started", "job", job.ID, job.GiverID, map[string]any{
			"application_id": app.ID, "applicant": app.ApplicantID, "applicant_domain": app.PreferredDomain,
			"applicant_milestones": p.UseApplicantMilestones,
		}),
		changed,
	}
	funded, err := e.fund(ctx, tx, &job, 1, p.FundedAmount, job.GiverID, p.FundingTransferID)
	if err != nil {
		return job, nil, err
	}
	return job, append(effects, funded...), nil
}

// startDirectContract posts, applies and starts in one transaction.
func (e Engine) startDirectContract(ctx context.Context, tx *sql.Tx, p domain.DirectContractPayload, origin uint32) (domain.Job, []domain.Effect, error) {
	job, effects, err := e.createJob(ctx, tx, domain.PostJobPayload{
		JobID: p.JobID, GiverID: p.GiverID, ContentHash: p.ContentHash, Milestones: p.Milestones,
	}, origin)
	if err != nil {
		return job, nil, err
	}
	app, applied, err := e.recordApplication(ctx, tx, domain.ApplyPayload{
		JobID: job.ID, ApplicantID: p.TakerID, ContentHash: p.ContentHash, Milestones: p.Milestones, PreferredDomain: p.TakerDomain,
	}, origin)
	if err != nil {
		return job, nil, err
	}
	effects = append(effects, applied...)
	job, started, err := e.startJob(ctx, tx, domain.StartPayload{
		JobID: job.ID, GiverID: p.GiverID, ApplicationID: app.ID, FundedAmount: p.FundedAmount, FundingTransferID: p.FundingTransferID,
	})
	if err != nil {
		return job, nil, err
	}
	return job, append(effects, started...), nil
}

func (e Engine) recordSubmission(ctx context.Context, tx *sql.Tx, p domain.SubmitPayload) (domain.Job, []domain.Effect, error) {
	job, err := e.getJob(ctx, tx, p.JobID)
	if err != nil {
		return job, nil, err
	}
	if err := requireActive(job); err != nil {
		return job, nil, err
	}
	if err := requireStatus(job, domain.JobInProgress, "submit work for"); err != nil {
		return job, nil, err
	}
	if p.ApplicantID != job.SelectedApplicant {
		return job, nil, fmt.Errorf("%w: only the selected applicant can submit work for job %s", domain.ErrIneligible, job.ID)
	}
	if p.ContentHash == "" {
		return job, nil, fmt.Errorf("%w: submission content is required", domain.ErrInvalidInput)
	}
	m, ok := job.Current()
	if !ok {
		return job, nil, fmt.Errorf("%w: job %s has no current milestone", domain.ErrInvalidTransition, job.ID)
	}
	sub := domain.Submission{JobID: job.ID, Milestone: m.Index, ApplicantID: p.ApplicantID, ContentHash: p.ContentHash, CreatedAt: e.timestamp()}
	if err := e.Repo.InsertSubmission(ctx, tx, sub); err != nil {
		return job, nil, err
	}
	job.Submissions = append(job.Submissions, sub)
	if m.State == domain.MilestoneFunded {
		job.Milestones[m.Index-1].State = domain.MilestoneSubmitted
		if err := e.Repo.SetMilestoneState(ctx, tx, job.ID, m.Index, domain.MilestoneSubmitted); err != nil {
			return job, nil, err
		}
	}
	return job, []domain.Effect{domain.EventEffect("work.submitted", "job", job.ID, p.ApplicantID, map[string]any{
		"milestone": m.Index, "content_hash": p.ContentHash,
	})}, nil
}

// fundMilestone locks the current milestone after the previous one was
// released.
func (e Engine) fundMilestone(ctx context.Context, tx *sql.Tx, p domain.LockPayload) (domain.Job, []domain.Effect, error) {
	job, err := e.getJob(ctx, tx, p.JobID)
	if err != nil {
		return job, nil, err
	}
	if err := requireActive(job); err != nil {
		return job, nil, err
	}
	if err := requireStatus(job, domain.JobInProgress, "lock funds for"); err != nil {
		return job, nil, err
	}
	if p.GiverID != job.GiverID {
		return job, nil, fmt.Errorf("%w: only the giver can lock funds for job %s", domain.ErrIneligible, job.ID)
	}
	effects, err := e.fund(ctx, tx, &job, job.CurrentMilestone, p.FundedAmount, p.GiverID, p.FundingTransferID)
	return job, effects, err
}

func (e Engine) releaseMilestone(ctx context.Context, tx *sql.Tx, p domain.ReleasePayload) (domain.Job, []domain.Effect, error) {
	job, err := e.getJob(ctx, tx, p.JobID)
	if err != nil {
		return job, nil, err
	}
	if err := requireActive(job); err != nil {
		return job, nil, err
	}
	if err := requireStatus(job, domain.JobInProgress, "release payment for"); err != nil {
		return job, nil, err
	}
	if p.GiverID != job.GiverID {
		return job, nil, fmt.Errorf("%w: only the giver can release payment for job %s", domain.ErrIneligible, job.ID)
	}
	m, ok := job.Current()
	if !ok {
		return job, nil, fmt.Errorf("%w: job %s has no current milestone", domain.ErrInvalidTransition, job.ID)
	}
	if m.State != domain.MilestoneFunded && m.State != domain.MilestoneSubmitted {
		return job, nil, fmt.Errorf("%w: milestone %d of job %s is %s", domain.ErrInvalidTransition, m.Index, job.ID, m.State)
	}
	effects, err := e.release(ctx, tx, job, m.Amount, job.ApplicantDomain, job.SelectedApplicant, domain.TransferRelease, strconv.Itoa(m.Index), p.GiverID)
	if err != nil {
		return job, nil, err
	}
	job.Milestones[m.Index-1].State = domain.MilestoneReleased
	if err := e.Repo.SetMilestoneState(ctx, tx, job.ID, m.Index, domain.MilestoneReleased); err != nil {
		return job, nil, err
	}
	awarded, err := e.processPayment(ctx, tx, job.GiverID, job.SelectedApplicant, m.Amount, job.ID)
	if err != nil {
		return job, nil, err
	}
	effects = append(effects, awarded...)
	if m.Index == len(job.Milestones) {
		changed, err := statusChanged(&job, domain.JobCompleted, p.GiverID)
		if err != nil {
			return job, nil, err
		}
		effects = append(effects, changed)
	} else {
		job.CurrentMilestone++
		effects = append(effects, domain.EventEffect("job.milestone_advanced", "job", job.ID, p.GiverID, map[string]any{
			"current_milestone": job.CurrentMilestone,
		}))
	}
	job.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateJob(ctx, tx, job); err != nil {
		return job, nil, err
	}
	return job, effects, nil
}

// releaseAndFundNext releases the current milestone and locks the next one
// atomically.
func (e Engine) releaseAndFundNext(ctx context.Context, tx *sql.Tx, p domain.LockPayload) (domain.Job, []domain.Effect, error) {
	job, err := e.getJob(ctx, tx, p.JobID)
	if err != nil {
		return job, nil, err
	}
	if job.CurrentMilestone >= len(job.Milestones) {
		return job, nil, fmt.Errorf("%w: job %s has no next milestone to lock", domain.ErrInvalidTransition, job.ID)
	}
	job, effects, err := e.releaseMilestone(ctx, tx, domain.ReleasePayload{JobID: p.JobID, GiverID: p.GiverID})
	if err != nil {
		return job, nil, err
	}
	funded, err := e.fund(ctx, tx, &job, job.CurrentMilestone, p.FundedAmount, p.GiverID, p.FundingTransferID)
	if err != nil {
		return job, nil, err
	}
	return job, append(effects, funded...), nil
}

// resolveJob ends a disputed job and refunds whatever is still locked.
func (e Engine) resolveJob(ctx context.Context, tx *sql.Tx, job *domain.Job, ref string) ([]domain.Effect, error) {
	changed, err := statusChanged(job, domain.JobCompleted, "dispute")
	if err != nil {
		return nil, err
	}
	refund, err := e.refundResidual(ctx, tx, *job, ref)
	if err != nil {
		return nil, err
	}
	job.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateJob(ctx, tx, *job); err != nil {
		return nil, err
	}
	return append(refund, changed), nil
}

// CreateJob registers a job posted on a local domain.
func (e Engine) CreateJob(ctx context.Context, p domain.PostJobPayload, origin uint32) (domain.Job, []domain.Effect, error) {
	var job domain.Job
	effects, err := e.Do(ctx, e.withSync(p.JobID, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		var effs []domain.Effect
		var err error
		job, effs, err = e.createJob(ctx, tx, p, origin)
		return effs, err
	}))
	return job, effects, err
}

func (e Engine) RecordApplication(ctx context.Context, p domain.ApplyPayload, source uint32) (domain.Application, []domain.Effect, error) {
	var app domain.Application
	effects, err := e.Do(ctx, e.withSync(p.JobID, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		var effs []domain.Effect
		var err error
		app, effs, err = e.recordApplication(ctx, tx, p, source)
		return effs, err
	}))
	return app, effects, err
}

// jobOp adapts a job transition to an Op that also syncs the job.
func (e Engine) jobOp(jobID string, out *domain.Job, fn func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error)) Op {
	return e.withSync(jobID, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		job, effs, err := fn(ctx, tx)
		if err != nil {
			return nil, err
		}
		if out != nil {
			*out = job
		}
		return effs, nil
	})
}

func (e Engine) StartJob(ctx context.Context, p domain.StartPayload) (domain.Job, []domain.Effect, error) {
	var job domain.Job
	effects, err := e.Do(ctx, e.jobOp(p.JobID, &job, func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error) {
		return e.startJob(ctx, tx, p)
	}))
	return job, effects, err
}

func (e Engine) StartDirectContract(ctx context.Context, p domain.DirectContractPayload, origin uint32) (domain.Job, []domain.Effect, error) {
	var job domain.Job
	effects, err := e.Do(ctx, e.jobOp(p.JobID, &job, func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error) {
		return e.startDirectContract(ctx, tx, p, origin)
	}))
	return job, effects, err
}

func (e Engine) RecordSubmission(ctx context.Context, p domain.SubmitPayload) (domain.Job, []domain.Effect, error) {
	var job domain.Job
	effects, err := e.Do(ctx, e.jobOp(p.JobID, &job, func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error) {
		return e.recordSubmission(ctx, tx, p)
	}))
	return job, effects, err
}

func (e Engine) FundMilestone(ctx context.Context, p domain.LockPayload) (domain.Job, []domain.Effect, error) {
	var job domain.Job
	effects, err := e.Do(ctx, e.jobOp(p.JobID, &job, func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error) {
		return e.fundMilestone(ctx, tx, p)
	}))
	return job, effects, err
}

func (e Engine) ReleaseMilestone(ctx context.Context, p domain.ReleasePayload) (domain.Job, []domain.Effect, error) {
	var job domain.Job
	effects, err := e.Do(ctx, e.jobOp(p.JobID, &job, func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error) {
		return e.releaseMilestone(ctx, tx, p)
	}))
	return job, effects, err
}

func (e Engine) ReleaseAndFundNext(ctx context.Context, p domain.LockPayload) (domain.Job, []domain.Effect, error) {
	var job domain.Job
	effects, err := e.Do(ctx, e.jobOp(p.JobID, &job, func(ctx context.Context, tx *sql.Tx) (domain.Job, []domain.Effect, error) {
		return e.releaseAndFundNext(ctx, tx, p)
	}))
	return job, effects, err
}

func (e Engine) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return e.getJob(ctx, e.DB, id)
}

func (e Engine) ListJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	return e.Repo.ListJobs(ctx, e.DB, status, limit)
}

func (e Engine) ListApplications(ctx context.Context, jobID string) ([]domain.Application, error) {
	if _, err := e.getJob(ctx, e.DB, jobID); err != nil {
		return nil, err
	}
	return e.Repo.ListApplications(ctx, e.DB, jobID)
}
