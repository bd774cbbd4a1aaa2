package repo

import (
	"context"
	"database/sql"

	"openwork/internal/domain"
)

// Repo is the SQL persistence for every domain role. Methods take a Querier
// so the same call works on the database for reads and inside the caller's
// transaction for writes.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
