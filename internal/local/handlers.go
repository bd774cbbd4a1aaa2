package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"openwork/internal/domain"
	"openwork/internal/effects"
	"openwork/internal/router"
)

// Registrar is the handler table of a router.
type Registrar interface {
	Handle(kind domain.MessageKind, h router.Handler) error
}

func decode(msg domain.Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", domain.ErrInvalidInput, msg.Kind, err)
	}
	return nil
}

func (s *Service) handle(op func(ctx context.Context, tx *sql.Tx, msg domain.Message) ([]domain.Effect, error)) router.Handler {
	return func(ctx context.Context, tx *sql.Tx, msg domain.Message) error {
		a := effects.Applier{Repo: s.Repo, Outbox: s.Outbox, Now: s.now}
		_, err := a.Run(ctx, tx, func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error) {
			return op(ctx, tx, msg)
		})
		return err
	}
}

// Register installs the local domain's inbound handlers.
func (s *Service) Register(r Registrar) error {
	for kind, h := range map[domain.MessageKind]router.Handler{
		domain.KindJobSynced:        s.handle(s.onJobSynced),
		domain.KindDisputeFinalized: s.handle(s.onDisputeFinalized),
		domain.KindRejected:         s.handle(s.onRejected),
	} {
		if err := r.Handle(kind, h); err != nil {
			return err
		}
	}
	return nil
}

// onJobSynced replaces the mirror with the hub snapshot.
func (s *Service) onJobSynced(ctx context.Context, tx *sql.Tx, msg domain.Message) ([]domain.Effect, error) {
	var p domain.JobSyncedPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	if p.Job.ID == "" {
		return nil, fmt.Errorf("%w: snapshot without job id", domain.ErrInvalidInput)
	}
	m := domain.JobMirror{Job: p.Job, Applications: p.Applications, SyncedAt: s.timestamp()}
	if err := s.Repo.UpsertJobMirror(ctx, tx, m); err != nil {
		return nil, err
	}
	return []domain.Effect{domain.EventEffect("mirror.job_synced", "job", p.Job.ID, "hub", map[string]any{
		"status": p.Job.Status, "current_milestone": p.Job.CurrentMilestone, "applications": len(p.Applications),
	})}, nil
}

func (s *Service) onDisputeFinalized(ctx context.Context, tx *sql.Tx, msg domain.Message) ([]domain.Effect, error) {
	var p domain.DisputeFinalizedPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	d := domain.DisputeMirror{
		ID: p.DisputeID, JobID: p.JobID, GiverWins: p.GiverWins, Resolved: true,
		PowerForGiver: p.PowerForGiver, PowerForTaker: p.PowerForTaker, UpdatedAt: s.timestamp(),
	}
	if err := s.Repo.UpsertDisputeMirror(ctx, tx, d); err != nil {
		return nil, err
	}
	return []domain.Effect{domain.EventEffect("mirror.dispute_finalized", "dispute", p.DisputeID, "hub", map[string]any{
		"job_id": p.JobID, "giver_wins": p.GiverWins,
	})}, nil
}

// onRejected drops the pending mirror of a creation the hub refused and
// records the rejection. Funds a refused message carried come back as a hub
// refund transfer keyed by the funding transfer id.
func (s *Service) onRejected(ctx context.Context, tx *sql.Tx, msg domain.Message) ([]domain.Effect, error) {
	var p domain.RejectedPayload
	if err := decode(msg, &p); err != nil {
		return nil, err
	}
	var ref struct {
		JobID             string `json:"job_id"`
		FundingTransferID string `json:"funding_transfer_id"`
	}
	if len(p.Payload) > 0 {
		// Best effort: control messages carry no job.
		_ = decode(domain.Message{Kind: p.Kind, Payload: p.Payload}, &ref)
	}
	s.Logger.Warn("hub rejected message", "seq", p.Sequence, "kind", p.Kind, "job_id", ref.JobID,
		"funding_transfer_id", ref.FundingTransferID, "reason", p.Reason)
	if ref.JobID != "" && (p.Kind == domain.KindJobPosted || p.Kind == domain.KindDirectContract) {
		m, err := s.Repo.GetJobMirror(ctx, tx, ref.JobID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return nil, err
		case m.Pending:
			if err := s.Repo.DeleteJobMirror(ctx, tx, ref.JobID); err != nil {
				return nil, err
			}
		}
	}
	return []domain.Effect{domain.EventEffect("router.remote_rejected", "message", p.MsgID, "hub", map[string]any{
		"seq": p.Sequence, "kind": p.Kind, "job_id": ref.JobID, "reason": p.Reason,
		"funding_transfer_id": ref.FundingTransferID, "refund_expected": ref.FundingTransferID != "",
	})}, nil
}
