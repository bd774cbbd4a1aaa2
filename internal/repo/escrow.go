package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"openwork/internal/domain"
)

func (r Repo) InsertEscrow(ctx context.Context, q Querier, jobID string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO escrow(job_id) VALUES (?)`, jobID)
	return err
}

func (r Repo) GetEscrow(ctx context.Context, q Querier, jobID string) (domain.EscrowRecord, error) {
	var e domain.EscrowRecord
	err := q.QueryRowContext(ctx, `SELECT job_id,locked,released,commission,refunded FROM escrow WHERE job_id=?`, jobID).
		Scan(&e.JobID, &e.Locked, &e.Released, &e.Commission, &e.Refunded)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) UpdateEscrow(ctx context.Context, q Querier, e domain.EscrowRecord) error {
	return mustAffect(q.ExecContext(ctx, `UPDATE escrow SET locked=?,released=?,commission=?,refunded=? WHERE job_id=?`,
		e.Locked, e.Released, e.Commission, e.Refunded, e.JobID))
}

// AddTreasury credits the process-wide treasury.
func (r Repo) AddTreasury(ctx context.Context, q Querier, amount int64) error {
	_, err := q.ExecContext(ctx, `UPDATE treasury SET balance=balance+? WHERE id=1`, amount)
	return err
}

func (r Repo) Treasury(ctx context.Context, q Querier) (int64, error) {
	var b int64
	err := q.QueryRowContext(ctx, `SELECT balance FROM treasury WHERE id=1`).Scan(&b)
	return b, err
}

const transferColumns = `id,COALESCE(job_id,''),kind,amount,commission,target_domain,recipient,status,attempts,
	COALESCE(last_error,''),COALESCE(attestation,''),created_at,updated_at`

func scanTransfer(row rowScanner) (domain.Transfer, error) {
	var t domain.Transfer
	err := row.Scan(&t.ID, &t.JobID, &t.Kind, &t.Amount, &t.Commission, &t.TargetDomain, &t.Recipient, &t.Status,
		&t.Attempts, &t.LastError, &t.Attestation, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTransfer(ctx context.Context, q Querier, t domain.Transfer) error {
	_, err := q.ExecContext(ctx, `INSERT INTO transfers(id,job_id,kind,amount,commission,target_domain,recipient,status,attempts,
		last_error,attestation,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullable(t.JobID), t.Kind, t.Amount, t.Commission, t.TargetDomain, t.Recipient, t.Status, t.Attempts,
		nullable(t.LastError), nullable(t.Attestation), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTransfer(ctx context.Context, q Querier, id string) (domain.Transfer, error) {
	return scanTransfer(q.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id=?`, id))
}

func (r Repo) UpdateTransfer(ctx context.Context, q Querier, t domain.Transfer) error {
	return mustAffect(q.ExecContext(ctx, `UPDATE transfers SET status=?,attempts=?,last_error=?,attestation=?,updated_at=? WHERE id=?`,
		t.Status, t.Attempts, nullable(t.LastError), nullable(t.Attestation), t.UpdatedAt, t.ID))
}

// ListTransfers returns transfers in creation order with any of the given
// statuses; no statuses lists all.
func (r Repo) ListTransfers(ctx context.Context, q Querier, statuses ...domain.TransferStatus) ([]domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at, rowid`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountFailedTransfers counts transfers of a job that exhausted their attempts.
func (r Repo) CountFailedTransfers(ctx context.Context, q Querier, jobID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM transfers WHERE job_id=? AND status='failed'`, jobID).Scan(&n)
	return n, err
}
