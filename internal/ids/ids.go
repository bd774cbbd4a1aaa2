package ids

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"openwork/internal/domain"
)

// JobID identifies a job globally: the domain that allocated it and that
// domain's counter value.
type JobID struct {
	Domain  uint32
	Counter uint64
}

func (id JobID) String() string {
	return fmt.Sprintf("%d-%d", id.Domain, id.Counter)
}

// ParseJobID parses the "<domain>-<counter>" form.
func ParseJobID(s string) (JobID, error) {
	dom, ctr, ok := strings.Cut(s, "-")
	if !ok {
		return JobID{}, fmt.Errorf("%w: malformed job id %q", domain.ErrInvalidInput, s)
	}
	d, err := strconv.ParseUint(dom, 10, 32)
	if err != nil {
		return JobID{}, fmt.Errorf("%w: job id domain %q", domain.ErrInvalidInput, dom)
	}
	c, err := strconv.ParseUint(ctr, 10, 64)
	if err != nil || c == 0 {
		return JobID{}, fmt.Errorf("%w: job id counter %q", domain.ErrInvalidInput, ctr)
	}
	return JobID{Domain: uint32(d), Counter: c}, nil
}

// DisputeID names the n-th dispute raised on a job.
func DisputeID(jobID string, n int) string {
	return fmt.Sprintf("%s/d%d", jobID, n)
}

// Allocator hands out per-domain job counters stored in domain_counters.
type Allocator struct {
	// Max is the largest counter value that may be allocated. Zero means
	// math.MaxUint32.
	Max uint64
}

func (a Allocator) max() uint64 {
	if a.Max == 0 {
		return math.MaxUint32
	}
	return a.Max
}

// Next allocates the next job id for domainID inside tx. Counters start at 1.
func (a Allocator) Next(ctx context.Context, tx *sql.Tx, domainID uint32) (JobID, error) {
	var current int64
	err := tx.QueryRowContext(ctx, `SELECT counter FROM domain_counters WHERE domain_id=?`, domainID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return JobID{}, fmt.Errorf("read counter: %w", err)
	}
	next := uint64(current) + 1
	if next > a.max() {
		return JobID{}, fmt.Errorf("%w: domain %d", domain.ErrCounterExhausted, domainID)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO domain_counters(domain_id,counter) VALUES (?,?)
		ON CONFLICT(domain_id) DO UPDATE SET counter=excluded.counter`, domainID, int64(next)); err != nil {
		return JobID{}, fmt.Errorf("store counter: %w", err)
	}
	return JobID{Domain: domainID, Counter: next}, nil
}
