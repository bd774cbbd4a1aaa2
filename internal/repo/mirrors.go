package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"openwork/internal/domain"
)

// UpsertJobMirror stores a local copy of a hub job.
func (r Repo) UpsertJobMirror(ctx context.Context, q Querier, m domain.JobMirror) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mirror: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO job_mirrors(id,snapshot_json,pending,synced_at) VALUES (?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET snapshot_json=excluded.snapshot_json,pending=excluded.pending,synced_at=excluded.synced_at`,
		m.Job.ID, string(data), boolInt(m.Pending), nullable(m.SyncedAt))
	return err
}

func (r Repo) GetJobMirror(ctx context.Context, q Querier, id string) (domain.JobMirror, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT snapshot_json FROM job_mirrors WHERE id=?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobMirror{}, ErrNotFound
	}
	if err != nil {
		return domain.JobMirror{}, err
	}
	var m domain.JobMirror
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return m, fmt.Errorf("decode mirror %s: %w", id, err)
	}
	return m, nil
}

func (r Repo) DeleteJobMirror(ctx context.Context, q Querier, id string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM job_mirrors WHERE id=?`, id)
	return err
}

// ListJobMirrors lists mirrors; pending ones only when includePending.
func (r Repo) ListJobMirrors(ctx context.Context, q Querier, includePending bool) ([]domain.JobMirror, error) {
	query := `SELECT snapshot_json FROM job_mirrors`
	if !includePending {
		query += ` WHERE pending=0`
	}
	query += ` ORDER BY id`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.JobMirror
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m domain.JobMirror
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r Repo) UpsertDisputeMirror(ctx context.Context, q Querier, d domain.DisputeMirror) error {
	_, err := q.ExecContext(ctx, `INSERT INTO dispute_mirrors(id,job_id,giver_wins,resolved,power_for_giver,power_for_taker,updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET giver_wins=excluded.giver_wins,resolved=excluded.resolved,
		power_for_giver=excluded.power_for_giver,power_for_taker=excluded.power_for_taker,updated_at=excluded.updated_at`,
		d.ID, d.JobID, boolInt(d.GiverWins), boolInt(d.Resolved), d.PowerForGiver, d.PowerForTaker, d.UpdatedAt)
	return err
}

func (r Repo) GetDisputeMirror(ctx context.Context, q Querier, id string) (domain.DisputeMirror, error) {
	var d domain.DisputeMirror
	var wins, resolved int
	err := q.QueryRowContext(ctx, `SELECT id,job_id,giver_wins,resolved,power_for_giver,power_for_taker,updated_at FROM dispute_mirrors WHERE id=?`, id).
		Scan(&d.ID, &d.JobID, &wins, &resolved, &d.PowerForGiver, &d.PowerForTaker, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	d.GiverWins = wins == 1
	d.Resolved = resolved == 1
	return d, err
}
