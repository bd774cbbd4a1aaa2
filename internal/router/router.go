// Package router delivers cross-domain messages exactly once and in order on
// top of an at-least-once transport. Inbound messages are deduplicated and
// sequenced per source; outbound messages are stored in an outbox inside the
// sender's transaction and flushed to the transport afterwards.
//
// A Router is not safe for concurrent use; the owning node serialises calls.
package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"openwork/internal/domain"
	"openwork/internal/events"
	"openwork/internal/logging"
)

// Handler applies one inbound message inside tx. Returning an error rolls
// back everything the handler wrote.
type Handler func(ctx context.Context, tx *sql.Tx, msg domain.Message) error

// RejectHook runs in the transaction that records a rejection, so whatever
// it writes commits together with the consumed sequence.
type RejectHook func(ctx context.Context, tx *sql.Tx, msg domain.Message, cause error) error

// Transport hands a message to the underlying network and returns an opaque
// delivery handle.
type Transport interface {
	Send(ctx context.Context, msg domain.Message) (string, error)
}

type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
	Held      Outcome = "held"
	Rejected  Outcome = "rejected"
)

const DefaultHoldTimeout = 2 * time.Minute

// tsLayout is fixed width so stored timestamps compare lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type Options struct {
	Transport   Transport
	HoldTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *Metrics
	Now         func() time.Time
}

type Router struct {
	DB          *sql.DB
	Self        uint32
	Transport   Transport
	HoldTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *Metrics
	Events      events.Writer
	Now         func() time.Time

	handlers map[domain.MessageKind]Handler
	onReject []RejectHook
}

func New(db *sql.DB, self uint32, opts Options) *Router {
	r := &Router{
		DB:          db,
		Self:        self,
		Transport:   opts.Transport,
		HoldTimeout: opts.HoldTimeout,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		Now:         opts.Now,
		handlers:    map[domain.MessageKind]Handler{},
	}
	if r.HoldTimeout <= 0 {
		r.HoldTimeout = DefaultHoldTimeout
	}
	if r.Logger == nil {
		r.Logger = logging.NewNop()
	}
	if r.Now == nil {
		r.Now = time.Now
	}
	r.Events = events.Writer{Now: r.now}
	r.handlers[domain.KindResendRequest] = r.handleResendRequest
	return r
}

func (r *Router) now() time.Time {
	return r.Now()
}

func (r *Router) timestamp() string {
	return r.now().UTC().Format(tsLayout)
}

// Handle registers the handler for a kind. Unknown kinds and double
// registration are rejected.
func (r *Router) Handle(kind domain.MessageKind, h Handler) error {
	if !kind.Known() {
		return fmt.Errorf("%w: %s", domain.ErrUnknownKind, kind)
	}
	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("handler for %s already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// OnReject adds a hook to every rejection of an inbound message.
func (r *Router) OnReject(h RejectHook) {
	r.onReject = append(r.onReject, h)
}

// MustHandle is Handle for startup wiring.
func (r *Router) MustHandle(kind domain.MessageKind, h Handler) {
	if err := r.Handle(kind, h); err != nil {
		panic(err)
	}
}

// Receive applies msg exactly once in sequence order. Duplicates and held
// messages are acknowledged with a nil error. A non-nil error means the
// message was not consumed and the transport should redeliver it.
func (r *Router) Receive(ctx context.Context, msg domain.Message) (Outcome, error) {
	if msg.Destination != r.Self {
		return "", fmt.Errorf("%w: message %s for domain %d delivered to %d", domain.ErrInvalidInput, msg.ID, msg.Destination, r.Self)
	}
	if msg.Sequence == 0 {
		return "", fmt.Errorf("%w: message %s has no sequence", domain.ErrInvalidInput, msg.ID)
	}
	log := r.Logger.With("source", msg.Source, "seq", msg.Sequence, "kind", msg.Kind)

	last, err := r.LastApplied(ctx, msg.Source)
	if err != nil {
		return "", err
	}
	switch {
	case msg.Sequence <= last:
		log.Debug("duplicate message acknowledged", "last_applied", last)
		r.Metrics.observe(Duplicate, msg.Source)
		return Duplicate, nil
	case msg.Sequence > last+1:
		if err := r.hold(ctx, msg); err != nil {
			return "", err
		}
		log.Info("message held until predecessors arrive", "last_applied", last)
		r.Metrics.observe(Held, msg.Source)
		return Held, nil
	}

	outcome, err := r.apply(ctx, msg)
	if err != nil {
		return "", err
	}
	if err := r.drain(ctx, msg.Source); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// drain applies held successors of source that are now in sequence.
func (r *Router) drain(ctx context.Context, source uint32) error {
	for {
		last, err := r.LastApplied(ctx, source)
		if err != nil {
			return err
		}
		next, ok, err := r.heldMessage(ctx, source, last+1)
		if err != nil || !ok {
			return err
		}
		if _, err := r.apply(ctx, next); err != nil {
			return err
		}
	}
}

// apply runs the handler for the next in-order message. A rejection is
// consumed in a fresh transaction so the channel keeps moving.
func (r *Router) apply(ctx context.Context, msg domain.Message) (Outcome, error) {
	h, ok := r.handlers[msg.Kind]
	var herr error
	if !ok {
		herr = fmt.Errorf("%w: %s", domain.ErrUnknownKind, msg.Kind)
	} else {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return "", err
		}
		herr = h(ctx, tx, msg)
		if herr == nil {
			if err := r.advance(ctx, tx, msg); err != nil {
				tx.Rollback()
				return "", err
			}
			if err := tx.Commit(); err != nil {
				return "", err
			}
			r.Metrics.observe(Applied, msg.Source)
			return Applied, nil
		}
		tx.Rollback()
	}
	if !domain.IsRejection(herr) {
		r.Logger.Error("message handler failed; leaving for redelivery", "source", msg.Source, "seq", msg.Sequence, "kind", msg.Kind, "error", herr)
		return "", herr
	}
	if err := r.reject(ctx, msg, herr); err != nil {
		return "", err
	}
	r.Logger.Warn("message rejected", "source", msg.Source, "seq", msg.Sequence, "kind", msg.Kind, "error", herr)
	r.Metrics.observe(Rejected, msg.Source)
	return Rejected, nil
}

func (r *Router) reject(ctx context.Context, msg domain.Message, cause error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.advance(ctx, tx, msg); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, "router.message_rejected", "message", msg.ID, "router", events.EventPayload{
		"source": msg.Source, "seq": msg.Sequence, "kind": msg.Kind, "reason": cause.Error(),
	}); err != nil {
		return err
	}
	for _, h := range r.onReject {
		if err := h(ctx, tx, msg, cause); err != nil {
			return fmt.Errorf("reject hook for %s: %w", msg.Kind, err)
		}
	}
	// Rejections of control messages are not answered, to avoid ping-pong.
	if msg.Kind != domain.KindRejected && msg.Kind != domain.KindResendRequest {
		if _, err := r.Enqueue(ctx, tx, msg.Source, domain.KindRejected, domain.RejectedPayload{
			Sequence: msg.Sequence, Kind: msg.Kind, MsgID: msg.ID, Reason: cause.Error(), Payload: msg.Payload,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Router) advance(ctx context.Context, tx *sql.Tx, msg domain.Message) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO router_inbound(source,destination,last_applied) VALUES (?,?,?)
		ON CONFLICT(source,destination) DO UPDATE SET last_applied=excluded.last_applied`, msg.Source, r.Self, msg.Sequence); err != nil {
		return fmt.Errorf("advance sequence: %w", err)
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM router_held WHERE source=? AND destination=? AND seq<=?`, msg.Source, r.Self, msg.Sequence)
	return err
}

// LastApplied returns the highest sequence applied from source.
func (r *Router) LastApplied(ctx context.Context, source uint32) (uint64, error) {
	var last int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_applied FROM router_inbound WHERE source=? AND destination=?`, source, r.Self).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return uint64(last), err
}

func (r *Router) hold(ctx context.Context, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO router_held(source,destination,seq,message_json,received_at) VALUES (?,?,?,?,?)
		ON CONFLICT(source,destination,seq) DO NOTHING`, msg.Source, r.Self, msg.Sequence, string(data), r.timestamp())
	return err
}

func (r *Router) heldMessage(ctx context.Context, source uint32, seq uint64) (domain.Message, bool, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT message_json FROM router_held WHERE source=? AND destination=? AND seq=?`, source, r.Self, seq).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, err
	}
	var msg domain.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return domain.Message{}, false, fmt.Errorf("decode held message: %w", err)
	}
	return msg, true, nil
}

// HeldCount returns the number of messages waiting for predecessors.
func (r *Router) HeldCount(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM router_held WHERE destination=?`, r.Self).Scan(&n)
	return n, err
}

// Sweep discards held messages of every source whose oldest held message
// has waited longer than HoldTimeout, and asks that source to resend from
// the first missing sequence. It returns the number of discarded messages.
func (r *Router) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.HoldTimeout).UTC().Format(tsLayout)
	rows, err := r.DB.QueryContext(ctx, `SELECT source, MIN(received_at) FROM router_held WHERE destination=? GROUP BY source`, r.Self)
	if err != nil {
		return 0, err
	}
	var stale []uint32
	for rows.Next() {
		var source uint32
		var oldest string
		if err := rows.Scan(&source, &oldest); err != nil {
			rows.Close()
			return 0, err
		}
		if oldest < cutoff {
			stale = append(stale, source)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	discarded := 0
	for _, source := range stale {
		n, err := r.discard(ctx, source)
		if err != nil {
			return discarded, err
		}
		discarded += n
	}
	return discarded, nil
}

func (r *Router) discard(ctx context.Context, source uint32) (int, error) {
	last, err := r.LastApplied(ctx, source)
	if err != nil {
		return 0, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM router_held WHERE source=? AND destination=?`, source, r.Self)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if err := r.Events.Append(ctx, tx, "router.held_discarded", "channel", fmt.Sprintf("%d->%d", source, r.Self), "router",
		events.EventPayload{"discarded": n, "resend_from": last + 1}); err != nil {
		return 0, err
	}
	if _, err := r.Enqueue(ctx, tx, source, domain.KindResendRequest, domain.ResendRequestPayload{From: last + 1}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	r.Logger.Warn("held messages discarded; resend requested", "source", source, "discarded", n, "from", last+1)
	for i := int64(0); i < n; i++ {
		r.Metrics.observe("discarded", source)
	}
	return int(n), nil
}

func (r *Router) handleResendRequest(ctx context.Context, tx *sql.Tx, msg domain.Message) error {
	var p domain.ResendRequestPayload
	if err := msg.Decode(&p); err != nil {
		return fmt.Errorf("%w: resend request: %v", domain.ErrInvalidInput, err)
	}
	return r.resend(ctx, tx, msg.Source, p.From)
}

// Resend marks outbox messages to dest from sequence onwards for redelivery.
func (r *Router) Resend(ctx context.Context, dest uint32, from uint64) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.resend(ctx, tx, dest, from); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Router) resend(ctx context.Context, tx *sql.Tx, dest uint32, from uint64) error {
	res, err := tx.ExecContext(ctx, `UPDATE router_outbox SET sent_at=NULL, handle=NULL WHERE source=? AND destination=? AND seq>=?`, r.Self, dest, from)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	r.Logger.Info("outbox rewound for resend", "destination", dest, "from", from, "messages", n)
	return nil
}

// Enqueue stores a message to dest in the outbox as part of tx and assigns
// its sequence number.
func (r *Router) Enqueue(ctx context.Context, tx *sql.Tx, dest uint32, kind domain.MessageKind, payload any) (domain.Message, error) {
	if !kind.Known() {
		return domain.Message{}, fmt.Errorf("%w: %s", domain.ErrUnknownKind, kind)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	var next int64
	err = tx.QueryRowContext(ctx, `SELECT next_seq FROM router_outbound WHERE source=? AND destination=?`, r.Self, dest).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		next = 1
	} else if err != nil {
		return domain.Message{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO router_outbound(source,destination,next_seq) VALUES (?,?,?)
		ON CONFLICT(source,destination) DO UPDATE SET next_seq=excluded.next_seq`, r.Self, dest, next+1); err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		ID:          uuid.NewString(),
		Source:      r.Self,
		Destination: dest,
		Sequence:    uint64(next),
		Kind:        kind,
		Payload:     body,
		SentAt:      r.timestamp(),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO router_outbox(id,source,destination,seq,kind,payload_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		msg.ID, msg.Source, msg.Destination, msg.Sequence, msg.Kind, string(msg.Payload), msg.SentAt); err != nil {
		return domain.Message{}, fmt.Errorf("store outbox message: %w", err)
	}
	return msg, nil
}

// Flush hands unsent outbox messages to the transport in sequence order per
// destination. A send failure stops that destination until the next flush.
func (r *Router) Flush(ctx context.Context) (int, error) {
	if r.Transport == nil {
		return 0, errors.New("router has no transport")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,source,destination,seq,kind,payload_json,created_at FROM router_outbox
		WHERE source=? AND sent_at IS NULL ORDER BY destination, seq`, r.Self)
	if err != nil {
		return 0, err
	}
	var pending []domain.Message
	for rows.Next() {
		var m domain.Message
		var payload string
		if err := rows.Scan(&m.ID, &m.Source, &m.Destination, &m.Sequence, &m.Kind, &payload, &m.SentAt); err != nil {
			rows.Close()
			return 0, err
		}
		m.Payload = json.RawMessage(payload)
		pending = append(pending, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	sent := 0
	blocked := map[uint32]bool{}
	for _, m := range pending {
		if blocked[m.Destination] {
			continue
		}
		handle, err := r.Transport.Send(ctx, m)
		if err != nil {
			blocked[m.Destination] = true
			r.Logger.Warn("transport send failed", "destination", m.Destination, "seq", m.Sequence, "kind", m.Kind, "error", err)
			continue
		}
		if _, err := r.DB.ExecContext(ctx, `UPDATE router_outbox SET sent_at=?, handle=? WHERE id=?`, r.timestamp(), handle, m.ID); err != nil {
			return sent, err
		}
		r.Metrics.sent(m.Destination)
		sent++
	}
	return sent, nil
}

// Outbox lists outbox messages to dest, all of them when unsentOnly is false.
func (r *Router) Outbox(ctx context.Context, dest uint32, unsentOnly bool) ([]domain.Message, error) {
	query := `SELECT id,source,destination,seq,kind,payload_json,created_at FROM router_outbox WHERE source=? AND destination=?`
	if unsentOnly {
		query += ` AND sent_at IS NULL`
	}
	query += ` ORDER BY seq`
	rows, err := r.DB.QueryContext(ctx, query, r.Self, dest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var payload string
		if err := rows.Scan(&m.ID, &m.Source, &m.Destination, &m.Sequence, &m.Kind, &payload, &m.SentAt); err != nil {
			return nil, err
		}
		m.Payload = json.RawMessage(payload)
		out = append(out, m)
	}
	return out, rows.Err()
}
