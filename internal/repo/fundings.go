package repo

import (
	"context"
	"database/sql"
	"errors"

	"openwork/internal/domain"
)

const fundingColumns = `transfer_id,job_id,purpose,payer,source_domain,amount,status,COALESCE(refund_transfer_id,''),created_at`

func scanFunding(row rowScanner) (domain.Funding, error) {
	var f domain.Funding
	err := row.Scan(&f.TransferID, &f.JobID, &f.Purpose, &f.Payer, &f.SourceDomain, &f.Amount, &f.Status,
		&f.RefundTransferID, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrNotFound
	}
	return f, err
}

// InsertFunding records the transfer a local domain declared as funding.
// The transfer id is the primary key so a funding is booked or refunded once.
func (r Repo) InsertFunding(ctx context.Context, q Querier, f domain.Funding) error {
	_, err := q.ExecContext(ctx, `INSERT INTO escrow_fundings(transfer_id,job_id,purpose,payer,source_domain,amount,status,
		refund_transfer_id,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		f.TransferID, f.JobID, f.Purpose, f.Payer, f.SourceDomain, f.Amount, f.Status, nullable(f.RefundTransferID), f.CreatedAt)
	return err
}

func (r Repo) GetFunding(ctx context.Context, q Querier, transferID string) (domain.Funding, error) {
	return scanFunding(q.QueryRowContext(ctx, `SELECT `+fundingColumns+` FROM escrow_fundings WHERE transfer_id=?`, transferID))
}

func (r Repo) ListFundings(ctx context.Context, q Querier, jobID string) ([]domain.Funding, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+fundingColumns+` FROM escrow_fundings WHERE job_id=? ORDER BY created_at,transfer_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Funding
	for rows.Next() {
		f, err := scanFunding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
