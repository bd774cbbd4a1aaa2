// Package transfer hands recorded value movements to the burn/mint service
// and tracks them to confirmation.
package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"openwork/internal/domain"
	"openwork/internal/events"
	"openwork/internal/logging"
	"openwork/internal/repo"
)

// Request asks the capability to burn Amount here and mint it to Recipient
// on TargetDomain. TransferID is the idempotency key.
type Request struct {
	TransferID   string              `json:"transfer_id"`
	JobID        string              `json:"job_id,omitempty"`
	Kind         domain.TransferKind `json:"kind"`
	Amount       int64               `json:"amount"`
	TargetDomain uint32              `json:"target_domain"`
	Recipient    string              `json:"recipient"`
}

// Attestation is the capability's receipt for an accepted burn.
type Attestation struct {
	TransferID string `json:"transfer_id"`
	Handle     string `json:"handle"`
}

// Capability is the external burn-and-route service. Calls with a transfer
// id it has already accepted must return the original attestation.
type Capability interface {
	BurnAndRoute(ctx context.Context, req Request) (Attestation, error)
}

func RequestFor(t domain.Transfer) Request {
	return Request{
		TransferID:   t.ID,
		JobID:        t.JobID,
		Kind:         t.Kind,
		Amount:       t.Amount,
		TargetDomain: t.TargetDomain,
		Recipient:    t.Recipient,
	}
}

const DefaultMaxAttempts = 5

// Report summarises one settlement pass.
type Report struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Faults int `json:"faults"`
}

// Settler drives pending transfers through the capability. It never debits:
// the debit happened when the transfer row was written.
type Settler struct {
	DB          *sql.DB
	Repo        repo.Repo
	Capability  Capability
	MaxAttempts int
	Logger      *slog.Logger
	Now         func() time.Time

	faults prometheus.Gauge
}

func NewSettler(db *sql.DB, capability Capability, maxAttempts int, logger *slog.Logger, reg prometheus.Registerer) *Settler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Settler{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Capability:  capability,
		MaxAttempts: maxAttempts,
		Logger:      logger,
		Now:         time.Now,
		faults: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openwork",
			Subsystem: "transfers",
			Name:      "reconciliation_faults",
			Help:      "Transfers whose last capability call failed or that exhausted their attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.faults)
	}
	return s
}

func (s *Settler) now() string {
	return s.Now().UTC().Format(time.RFC3339)
}

func (s *Settler) events() events.Writer {
	return events.Writer{Now: s.Now}
}

// Settle sends every pending transfer. A capability failure is a
// reconciliation fault: the row stays pending with the error until it runs
// out of attempts, at which point it fails and its job is halted.
func (s *Settler) Settle(ctx context.Context) (Report, error) {
	var rep Report
	pending, err := s.Repo.ListTransfers(ctx, s.DB, domain.TransferPending)
	if err != nil {
		return rep, err
	}
	for _, t := range pending {
		log := s.Logger.With("transfer_id", t.ID, "job_id", t.JobID, "kind", t.Kind)
		att, callErr := s.Capability.BurnAndRoute(ctx, RequestFor(t))
		status, err := s.record(ctx, t, att, callErr)
		if err != nil {
			return rep, err
		}
		switch status {
		case domain.TransferSent:
			log.Info("transfer handed to capability", "handle", att.Handle)
			rep.Sent++
		case domain.TransferFailed:
			log.Error("transfer failed permanently; job halted", "error", callErr)
			rep.Failed++
		default:
			log.Warn("transfer attempt failed", "error", callErr)
		}
	}
	rep.Faults, err = s.Faults(ctx)
	return rep, err
}

func (s *Settler) record(ctx context.Context, t domain.Transfer, att Attestation, callErr error) (domain.TransferStatus, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	now := s.now()
	t.Attempts++
	t.UpdatedAt = now
	evts := s.events()
	if callErr == nil {
		t.Status = domain.TransferSent
		t.Attestation = att.Handle
		t.LastError = ""
		if err := s.Repo.UpdateTransfer(ctx, tx, t); err != nil {
			return "", err
		}
		if err := evts.Append(ctx, tx, "transfer.sent", "transfer", t.ID, "settler", events.EventPayload{
			"job_id": t.JobID, "amount": t.Amount, "target_domain": t.TargetDomain, "handle": att.Handle,
		}); err != nil {
			return "", err
		}
		return t.Status, tx.Commit()
	}
	t.LastError = callErr.Error()
	if t.Attempts >= s.MaxAttempts {
		t.Status = domain.TransferFailed
	}
	if err := s.Repo.UpdateTransfer(ctx, tx, t); err != nil {
		return "", err
	}
	if err := evts.Append(ctx, tx, "transfer.fault", "transfer", t.ID, "settler", events.EventPayload{
		"job_id": t.JobID, "attempts": t.Attempts, "error": t.LastError,
	}); err != nil {
		return "", err
	}
	if t.Status == domain.TransferFailed {
		if err := evts.Append(ctx, tx, "transfer.failed", "transfer", t.ID, "settler", events.EventPayload{
			"job_id": t.JobID, "reason": domain.ErrReconciliationFault.Error(),
		}); err != nil {
			return "", err
		}
		if err := s.halt(ctx, tx, t.JobID, true, now); err != nil {
			return "", err
		}
	}
	return t.Status, tx.Commit()
}

// halt flags the job when this domain holds it. Local domains only mirror
// jobs, so a missing row is not an error.
func (s *Settler) halt(ctx context.Context, tx *sql.Tx, jobID string, halted bool, now string) error {
	if jobID == "" {
		return nil
	}
	err := s.Repo.SetJobHalted(ctx, tx, jobID, halted, now)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	evt := "job.resumed"
	if halted {
		evt = "job.halted"
	}
	return s.events().Append(ctx, tx, evt, "job", jobID, "settler", events.EventPayload{})
}

// Retry returns a failed transfer to pending with a fresh attempt budget and
// resumes its job once none of the job's transfers are failed. The transfer
// keeps its id so the capability can deduplicate.
func (s *Settler) Retry(ctx context.Context, id string) (domain.Transfer, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transfer{}, err
	}
	defer tx.Rollback()
	t, err := s.Repo.GetTransfer(ctx, tx, id)
	if err != nil {
		return t, fmt.Errorf("transfer %s: %w", id, err)
	}
	if t.Status != domain.TransferFailed {
		return t, fmt.Errorf("%w: transfer %s is %s, not failed", domain.ErrInvalidTransition, id, t.Status)
	}
	now := s.now()
	t.Status = domain.TransferPending
	t.Attempts = 0
	t.UpdatedAt = now
	if err := s.Repo.UpdateTransfer(ctx, tx, t); err != nil {
		return t, err
	}
	if err := s.events().Append(ctx, tx, "transfer.retried", "transfer", t.ID, "operator", events.EventPayload{"job_id": t.JobID}); err != nil {
		return t, err
	}
	if t.JobID != "" {
		n, err := s.Repo.CountFailedTransfers(ctx, tx, t.JobID)
		if err != nil {
			return t, err
		}
		if n == 0 {
			if err := s.halt(ctx, tx, t.JobID, false, now); err != nil {
				return t, err
			}
		}
	}
	return t, tx.Commit()
}

// Confirm records the mint on the target domain. Unknown and already
// confirmed transfers are ignored.
func (s *Settler) Confirm(ctx context.Context, id, attestation string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := s.Repo.GetTransfer(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		s.Logger.Warn("confirmation for unknown transfer ignored", "transfer_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status == domain.TransferConfirmed {
		return nil
	}
	t.Status = domain.TransferConfirmed
	if attestation != "" {
		t.Attestation = attestation
	}
	t.LastError = ""
	t.UpdatedAt = s.now()
	if err := s.Repo.UpdateTransfer(ctx, tx, t); err != nil {
		return err
	}
	if err := s.events().Append(ctx, tx, "transfer.confirmed", "transfer", t.ID, "capability", events.EventPayload{
		"job_id": t.JobID, "attestation": t.Attestation,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Faults counts transfers in a fault state and updates the gauge.
func (s *Settler) Faults(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM transfers WHERE status='failed' OR (status='pending' AND attempts>0)`).Scan(&n)
	if err != nil {
		return 0, err
	}
	s.faults.Set(float64(n))
	return n, nil
}
