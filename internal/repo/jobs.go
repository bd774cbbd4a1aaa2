package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"openwork/internal/domain"
)

const jobColumns = `id,origin_domain,giver_id,content_hash,status,current_milestone,COALESCE(selected_applicant,''),
	COALESCE(selected_application,0),COALESCE(applicant_domain,0),dispute_count,halted,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var halted int
	err := row.Scan(&j.ID, &j.OriginDomain, &j.GiverID, &j.ContentHash, &j.Status, &j.CurrentMilestone,
		&j.SelectedApplicant, &j.SelectedApplicationID, &j.ApplicantDomain, &j.DisputeCount, &halted, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	j.Halted = halted == 1
	return j, err
}

func (r Repo) InsertJob(ctx context.Context, q Querier, j domain.Job) error {
	_, err := q.ExecContext(ctx, `INSERT INTO jobs(id,origin_domain,giver_id,content_hash,status,current_milestone,selected_applicant,
		selected_application,applicant_domain,dispute_count,halted,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.OriginDomain, j.GiverID, j.ContentHash, j.Status, j.CurrentMilestone, nullable(j.SelectedApplicant),
		nullableInt(int64(j.SelectedApplicationID)), nullableInt(int64(j.ApplicantDomain)), j.DisputeCount, boolInt(j.Halted), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return r.ReplaceMilestones(ctx, q, j.ID, j.Milestones)
}

func (r Repo) JobExists(ctx context.Context, q Querier, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetJob loads a job with its milestones and submissions.
func (r Repo) GetJob(ctx context.Context, q Querier, id string) (domain.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		return j, err
	}
	if j.Milestones, err = r.listMilestones(ctx, q, id); err != nil {
		return j, err
	}
	if j.Submissions, err = r.listSubmissions(ctx, q, id); err != nil {
		return j, err
	}
	return j, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (r Repo) ListJobs(ctx context.Context, q Querier, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range jobs {
		if jobs[i].Milestones, err = r.listMilestones(ctx, q, jobs[i].ID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (r Repo) UpdateJob(ctx context.Context, q Querier, j domain.Job) error {
	return mustAffect(q.ExecContext(ctx, `UPDATE jobs SET status=?,current_milestone=?,selected_applicant=?,selected_application=?,
		applicant_domain=?,dispute_count=?,halted=?,updated_at=? WHERE id=?`,
		j.Status, j.CurrentMilestone, nullable(j.SelectedApplicant), nullableInt(int64(j.SelectedApplicationID)),
		nullableInt(int64(j.ApplicantDomain)), j.DisputeCount, boolInt(j.Halted), j.UpdatedAt, j.ID))
}

func (r Repo) SetJobHalted(ctx context.Context, q Querier, id string, halted bool, now string) error {
	return mustAffect(q.ExecContext(ctx, `UPDATE jobs SET halted=?,updated_at=? WHERE id=?`, boolInt(halted), now, id))
}

// ReplaceMilestones rewrites the milestone set of a job.
func (r Repo) ReplaceMilestones(ctx context.Context, q Querier, jobID string, ms []domain.Milestone) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM milestones WHERE job_id=?`, jobID); err != nil {
		return err
	}
	for _, m := range ms {
		if _, err := q.ExecContext(ctx, `INSERT INTO milestones(job_id,idx,description,amount,state) VALUES (?,?,?,?,?)`,
			jobID, m.Index, m.Description, m.Amount, m.State); err != nil {
			return fmt.Errorf("insert milestone %d: %w", m.Index, err)
		}
	}
	return nil
}

func (r Repo) SetMilestoneState(ctx context.Context, q Querier, jobID string, idx int, state domain.MilestoneState) error {
	return mustAffect(q.ExecContext(ctx, `UPDATE milestones SET state=? WHERE job_id=? AND idx=?`, state, jobID, idx))
}

func (r Repo) listMilestones(ctx context.Context, q Querier, jobID string) ([]domain.Milestone, error) {
	rows, err := q.QueryContext(ctx, `SELECT idx,description,amount,state FROM milestones WHERE job_id=? ORDER BY idx`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Milestone
	for rows.Next() {
		var m domain.Milestone
		if err := rows.Scan(&m.Index, &m.Description, &m.Amount, &m.State); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r Repo) InsertSubmission(ctx context.Context, q Querier, s domain.Submission) error {
	_, err := q.ExecContext(ctx, `INSERT INTO submissions(job_id,milestone,applicant_id,content_hash,created_at) VALUES (?,?,?,?,?)`,
		s.JobID, s.Milestone, s.ApplicantID, s.ContentHash, s.CreatedAt)
	return err
}

func (r Repo) listSubmissions(ctx context.Context, q Querier, jobID string) ([]domain.Submission, error) {
	rows, err := q.QueryContext(ctx, `SELECT job_id,milestone,applicant_id,content_hash,created_at FROM submissions WHERE job_id=? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Submission
	for rows.Next() {
		var s domain.Submission
		if err := rows.Scan(&s.JobID, &s.Milestone, &s.ApplicantID, &s.ContentHash, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// NextApplicationID returns the id the next application on the job gets.
func (r Repo) NextApplicationID(ctx context.Context, q Querier, jobID string) (int, error) {
	var max int
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM applications WHERE job_id=?`, jobID).Scan(&max); err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (r Repo) InsertApplication(ctx context.Context, q Querier, a domain.Application) error {
	data, err := json.Marshal(a.Milestones)
	if err != nil {
		return fmt.Errorf("marshal milestones: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO applications(job_id,id,applicant_id,content_hash,milestones_json,preferred_domain,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.JobID, a.ID, a.ApplicantID, a.ContentHash, string(data), a.PreferredDomain, a.CreatedAt)
	return err
}

func scanApplication(row rowScanner) (domain.Application, error) {
	var a domain.Application
	var ms string
	err := row.Scan(&a.JobID, &a.ID, &a.ApplicantID, &a.ContentHash, &ms, &a.PreferredDomain, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(ms), &a.Milestones); err != nil {
		return a, fmt.Errorf("decode application milestones: %w", err)
	}
	return a, nil
}

func (r Repo) GetApplication(ctx context.Context, q Querier, jobID string, id int) (domain.Application, error) {
	return scanApplication(q.QueryRowContext(ctx, `SELECT job_id,id,applicant_id,content_hash,milestones_json,preferred_domain,created_at
		FROM applications WHERE job_id=? AND id=?`, jobID, id))
}

func (r Repo) ListApplications(ctx context.Context, q Querier, jobID string) ([]domain.Application, error) {
	rows, err := q.QueryContext(ctx, `SELECT job_id,id,applicant_id,content_hash,milestones_json,preferred_domain,created_at
		FROM applications WHERE job_id=? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
