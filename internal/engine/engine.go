// Package engine is the hub: the single source of truth for jobs, escrow,
// disputes, rewards and stake. Every operation runs in one SQL transaction
// and produces an ordered list of effects that are applied in that same
// transaction.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"openwork/internal/config"
	"openwork/internal/domain"
	"openwork/internal/effects"
	"openwork/internal/logging"
	"openwork/internal/repo"
)

// Outbox stores outbound messages inside the caller's transaction.
type Outbox = effects.Outbox

// Op is one state transition. It must not commit tx.
type Op = effects.Op

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Outbox Outbox
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, outbox Outbox) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Outbox: outbox,
		Config: cfg,
		Logger: logging.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) self() uint32 {
	return e.Config.Domain.ID
}

func (e Engine) applier() effects.Applier {
	return effects.Applier{Repo: e.Repo, Outbox: e.Outbox, Now: e.now}
}

// Do runs op in its own transaction and applies its effects before commit.
func (e Engine) Do(ctx context.Context, op Op) ([]domain.Effect, error) {
	return e.applier().Do(ctx, e.DB, op)
}

// DoTx runs op inside an existing transaction, as router handlers do.
func (e Engine) DoTx(ctx context.Context, tx *sql.Tx, op Op) ([]domain.Effect, error) {
	return e.applier().Run(ctx, tx, op)
}

// transferID is deterministic so a replayed transition reproduces the same
// idempotency key.
func transferID(parts ...any) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprint(parts...))).String()
}

func ensureJobTransition(oldStatus, newStatus domain.JobStatus) error {
	switch oldStatus {
	case domain.JobOpen:
		if newStatus == domain.JobInProgress {
			return nil
		}
	case domain.JobInProgress:
		if newStatus == domain.JobCompleted || newStatus == domain.JobDisputed {
			return nil
		}
	case domain.JobDisputed:
		if newStatus == domain.JobCompleted {
			return nil
		}
	}
	return fmt.Errorf("%w: job status %s -> %s", domain.ErrInvalidTransition, oldStatus, newStatus)
}

// requireStatus checks a job is in the state an operation needs.
func requireStatus(j domain.Job, want domain.JobStatus, op string) error {
	if j.Status != want {
		return fmt.Errorf("%w: cannot %s job %s while %s", domain.ErrInvalidTransition, op, j.ID, j.Status)
	}
	return nil
}

// requireActive refuses every transition on a job halted by a failed
// transfer until an operator retries it.
func requireActive(j domain.Job) error {
	if j.Halted {
		return fmt.Errorf("%w: job %s is halted until its failed transfers are retried", domain.ErrReconciliationFault, j.ID)
	}
	return nil
}

func (e Engine) getJob(ctx context.Context, q repo.Querier, id string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, q, id)
	if err != nil {
		return j, fmt.Errorf("job %s: %w", id, err)
	}
	return j, nil
}

// syncEffects snapshots a job for its origin domain and, when different, the
// applicant's domain.
func (e Engine) syncEffects(ctx context.Context, tx *sql.Tx, jobID string) ([]domain.Effect, error) {
	job, err := e.getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	apps, err := e.Repo.ListApplications(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	payload := domain.JobSyncedPayload{Job: job, Applications: apps}
	var effects []domain.Effect
	for _, dest := range []uint32{job.OriginDomain, job.ApplicantDomain} {
		if dest == 0 || dest == e.self() {
			continue
		}
		if len(effects) > 0 && effects[0].Message.Destination == dest {
			continue
		}
		effects = append(effects, domain.MessageEffect(dest, domain.KindJobSynced, payload))
	}
	return effects, nil
}

// withSync appends job.synced messages after op's own effects.
func (e Engine) withSync(jobID string, op Op) Op {
	return func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
		effects, err := op(ctx, tx)
		if err != nil {
			return nil, err
		}
		sync, err := e.syncEffects(ctx, tx, jobID)
		if err != nil {
			return nil, err
		}
		return append(effects, sync...), nil
	}
}

// statusChanged updates the status after validating the transition.
func statusChanged(j *domain.Job, to domain.JobStatus, actor string) (domain.Effect, error) {
	if err := ensureJobTransition(j.Status, to); err != nil {
		return domain.Effect{}, err
	}
	from := j.Status
	j.Status = to
	return domain.EventEffect("job.status_changed", "job", j.ID, actor, map[string]any{"from": from, "to": to}), nil
}
