package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"openwork/internal/domain"
)

// Writer appends to a domain's effect log. Entries are only ever written in
// the transaction of the state change they describe.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendRecord writes an event effect.
func (w Writer) AppendRecord(ctx context.Context, tx *sql.Tx, rec domain.EventRecord) error {
	return w.Append(ctx, tx, rec.Type, rec.EntityKind, rec.EntityID, rec.ActorID, rec.Payload)
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// List returns events for an entity in append order. An empty entityID lists
// every event of the kind; an empty kind lists everything.
func List(ctx context.Context, q Querier, entityKind, entityID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	switch {
	case entityKind != "" && entityID != "":
		query += ` WHERE entity_kind=? AND entity_id=?`
		args = append(args, entityKind, entityID)
	case entityKind != "":
		query += ` WHERE entity_kind=?`
		args = append(args, entityKind)
	}
	query += ` ORDER BY id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
