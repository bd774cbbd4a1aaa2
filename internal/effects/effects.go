// Package effects applies the ordered effects of a state transition inside
// the transition's own transaction.
package effects

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"openwork/internal/domain"
	"openwork/internal/events"
	"openwork/internal/repo"
)

// Outbox stores outbound messages inside the caller's transaction.
type Outbox interface {
	Enqueue(ctx context.Context, tx *sql.Tx, dest uint32, kind domain.MessageKind, payload any) (domain.Message, error)
}

// Op is one state transition. It must not commit tx.
type Op func(ctx context.Context, tx *sql.Tx) ([]domain.Effect, error)

type Applier struct {
	Repo   repo.Repo
	Outbox Outbox
	Now    func() time.Time
}

// Apply writes events, enqueues messages and records transfers in order.
func (a Applier) Apply(ctx context.Context, tx *sql.Tx, effects []domain.Effect) error {
	w := events.Writer{Now: a.Now}
	for _, eff := range effects {
		switch {
		case eff.Event != nil:
			if err := w.AppendRecord(ctx, tx, *eff.Event); err != nil {
				return fmt.Errorf("append %s: %w", eff.Event.Type, err)
			}
		case eff.Message != nil:
			if a.Outbox == nil {
				return fmt.Errorf("no outbox for %s to domain %d", eff.Message.Kind, eff.Message.Destination)
			}
			if _, err := a.Outbox.Enqueue(ctx, tx, eff.Message.Destination, eff.Message.Kind, eff.Message.Payload); err != nil {
				return fmt.Errorf("enqueue %s: %w", eff.Message.Kind, err)
			}
		case eff.Transfer != nil:
			if err := a.Repo.InsertTransfer(ctx, tx, *eff.Transfer); err != nil {
				return fmt.Errorf("record transfer %s: %w", eff.Transfer.ID, err)
			}
		}
	}
	return nil
}

// Run executes op in tx and applies its effects.
func (a Applier) Run(ctx context.Context, tx *sql.Tx, op Op) ([]domain.Effect, error) {
	effs, err := op(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := a.Apply(ctx, tx, effs); err != nil {
		return nil, err
	}
	return effs, nil
}

// Do runs op in its own transaction.
func (a Applier) Do(ctx context.Context, db *sql.DB, op Op) ([]domain.Effect, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	effs, err := a.Run(ctx, tx, op)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return effs, nil
}
