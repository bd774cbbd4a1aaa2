package router_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openwork/internal/db"
	"openwork/internal/domain"
	"openwork/internal/events"
	"openwork/internal/migrate"
	"openwork/internal/router"
)

type recordingTransport struct {
	sent   []domain.Message
	failTo map[uint32]bool
}

func (t *recordingTransport) Send(_ context.Context, msg domain.Message) (string, error) {
	if t.failTo[msg.Destination] {
		return "", errors.New("link down")
	}
	t.sent = append(t.sent, msg)
	return fmt.Sprintf("h-%d-%d", msg.Destination, msg.Sequence), nil
}

type testEnv struct {
	Ctx       context.Context
	DB        *sql.DB
	Router    *router.Router
	Transport *recordingTransport
	Metrics   *router.Metrics
	Clock     *time.Time
	Applied   []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: "hub"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), DB: conn, Transport: &recordingTransport{failTo: map[uint32]bool{}}, Clock: &clock}
	env.Metrics = router.NewMetrics(prometheus.NewRegistry())
	env.Router = router.New(conn, 2, router.Options{
		Transport:   env.Transport,
		HoldTimeout: time.Minute,
		Metrics:     env.Metrics,
		Now:         func() time.Time { return *env.Clock },
	})
	require.NoError(t, env.Router.Handle(domain.KindWorkSubmitted, func(ctx context.Context, tx *sql.Tx, msg domain.Message) error {
		var p domain.SubmitPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		switch p.ContentHash {
		case "bad":
			return fmt.Errorf("%w: refused", domain.ErrInvalidTransition)
		case "flaky":
			return errors.New("disk on fire")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO domain_counters(domain_id,counter) VALUES (?,?)`, msg.Sequence, 1); err != nil {
			return err
		}
		env.Applied = append(env.Applied, p.ContentHash)
		return nil
	}))
	return env
}

func msg(t *testing.T, seq uint64, content string) domain.Message {
	t.Helper()
	payload, err := json.Marshal(domain.SubmitPayload{JobID: "1-1", ApplicantID: "bob", ContentHash: content})
	require.NoError(t, err)
	return domain.Message{
		ID:          fmt.Sprintf("m-%d", seq),
		Source:      1,
		Destination: 2,
		Sequence:    seq,
		Kind:        domain.KindWorkSubmitted,
		Payload:     payload,
	}
}

func TestReceiveInOrderAndDuplicate(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.Router.Receive(env.Ctx, msg(t, 1, "a"))
	require.NoError(t, err)
	assert.Equal(t, router.Applied, out)

	out, err = env.Router.Receive(env.Ctx, msg(t, 1, "a"))
	require.NoError(t, err)
	assert.Equal(t, router.Duplicate, out)

	assert.Equal(t, []string{"a"}, env.Applied)
	last, err := env.Router.LastApplied(env.Ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.Inbound().WithLabelValues("duplicate", "1")))
}

func TestReceiveHoldsAndDrains(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.Router.Receive(env.Ctx, msg(t, 3, "c"))
	require.NoError(t, err)
	assert.Equal(t, router.Held, out)
	out, err = env.Router.Receive(env.Ctx, msg(t, 2, "b"))
	require.NoError(t, err)
	assert.Equal(t, router.Held, out)
	// A redelivered held message stays held once.
	_, err = env.Router.Receive(env.Ctx, msg(t, 3, "c"))
	require.NoError(t, err)
	held, err := env.Router.HeldCount(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, held)
	assert.Empty(t, env.Applied)

	out, err = env.Router.Receive(env.Ctx, msg(t, 1, "a"))
	require.NoError(t, err)
	assert.Equal(t, router.Applied, out)
	assert.Equal(t, []string{"a", "b", "c"}, env.Applied)

	held, err = env.Router.HeldCount(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, held)
}

func TestRejectedMessageIsConsumed(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.Router.Receive(env.Ctx, msg(t, 1, "bad"))
	require.NoError(t, err)
	assert.Equal(t, router.Rejected, out)

	// Nothing the handler wrote survives.
	var n int
	require.NoError(t, env.DB.QueryRow(`SELECT count(*) FROM domain_counters`).Scan(&n))
	assert.Zero(t, n)

	evts, err := events.List(env.Ctx, env.DB, "message", "m-1")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "router.message_rejected", evts[0].Type)

	outbox, err := env.Router.Outbox(env.Ctx, 1, true)
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	assert.Equal(t, domain.KindRejected, outbox[0].Kind)
	var notice domain.RejectedPayload
	require.NoError(t, outbox[0].Decode(&notice))
	assert.Equal(t, uint64(1), notice.Sequence)
	assert.Contains(t, notice.Reason, "refused")

	// The channel keeps moving.
	out, err = env.Router.Receive(env.Ctx, msg(t, 2, "b"))
	require.NoError(t, err)
	assert.Equal(t, router.Applied, out)
}

func TestRejectHookCommitsWithRejection(t *testing.T) {
	env := newTestEnv(t)
	var seen []string
	env.Router.OnReject(func(ctx context.Context, tx *sql.Tx, m domain.Message, cause error) error {
		seen = append(seen, m.ID)
		assert.ErrorIs(t, cause, domain.ErrInvalidTransition)
		_, err := tx.ExecContext(ctx, `INSERT INTO domain_counters(domain_id,counter) VALUES (?,?)`, 99, 1)
		return err
	})

	out, err := env.Router.Receive(env.Ctx, msg(t, 1, "a"))
	require.NoError(t, err)
	assert.Equal(t, router.Applied, out)
	out, err = env.Router.Receive(env.Ctx, msg(t, 2, "bad"))
	require.NoError(t, err)
	assert.Equal(t, router.Rejected, out)
	assert.Equal(t, []string{"m-2"}, seen)

	var n int
	require.NoError(t, env.DB.QueryRow(`SELECT count(*) FROM domain_counters WHERE domain_id=99`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestFailingRejectHookLeavesMessageForRedelivery(t *testing.T) {
	env := newTestEnv(t)
	env.Router.OnReject(func(context.Context, *sql.Tx, domain.Message, error) error {
		return errors.New("disk on fire")
	})
	_, err := env.Router.Receive(env.Ctx, msg(t, 1, "bad"))
	require.Error(t, err)
	last, err := env.Router.LastApplied(env.Ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, last)
	outbox, err := env.Router.Outbox(env.Ctx, 1, true)
	require.NoError(t, err)
	assert.Empty(t, outbox)
}

func TestInfrastructureErrorLeavesMessageForRedelivery(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Router.Receive(env.Ctx, msg(t, 1, "flaky"))
	require.Error(t, err)
	last, err := env.Router.LastApplied(env.Ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, last)

	out, err := env.Router.Receive(env.Ctx, msg(t, 1, "a"))
	require.NoError(t, err)
	assert.Equal(t, router.Applied, out)
}

func TestUnknownKindRejected(t *testing.T) {
	env := newTestEnv(t)
	assert.ErrorIs(t, env.Router.Handle("job.teleported", nil), domain.ErrUnknownKind)
	assert.Error(t, env.Router.Handle(domain.KindWorkSubmitted, nil), "double registration")

	m := msg(t, 1, "a")
	m.Kind = domain.KindJobPosted // known kind without a handler on this node
	out, err := env.Router.Receive(env.Ctx, m)
	require.NoError(t, err)
	assert.Equal(t, router.Rejected, out)
}

func TestSweepDiscardsStaleHeldMessages(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Router.Receive(env.Ctx, msg(t, 1, "a"))
	require.NoError(t, err)
	_, err = env.Router.Receive(env.Ctx, msg(t, 3, "c"))
	require.NoError(t, err)

	n, err := env.Router.Sweep(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not stale yet")

	*env.Clock = env.Clock.Add(2 * time.Minute)
	n, err = env.Router.Sweep(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	outbox, err := env.Router.Outbox(env.Ctx, 1, true)
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	assert.Equal(t, domain.KindResendRequest, outbox[0].Kind)
	var req domain.ResendRequestPayload
	require.NoError(t, outbox[0].Decode(&req))
	assert.Equal(t, uint64(2), req.From)
}

func TestEnqueueFlushAndResend(t *testing.T) {
	env := newTestEnv(t)
	tx, err := env.DB.Begin()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := env.Router.Enqueue(env.Ctx, tx, 1, domain.KindJobSynced, map[string]int{"i": i})
		require.NoError(t, err)
	}
	_, err = env.Router.Enqueue(env.Ctx, tx, 3, domain.KindClaimableSynced, map[string]int{"i": 9})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	env.Transport.failTo[3] = true
	sent, err := env.Router.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	for i, m := range env.Transport.sent {
		assert.Equal(t, uint64(i+1), m.Sequence)
		assert.Equal(t, uint32(1), m.Destination)
	}

	env.Transport.failTo[3] = false
	sent, err = env.Router.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	// The destination asks for everything from sequence 2 again.
	payload, _ := json.Marshal(domain.ResendRequestPayload{From: 2})
	out, err := env.Router.Receive(env.Ctx, domain.Message{ID: "rr", Source: 1, Destination: 2, Sequence: 1, Kind: domain.KindResendRequest, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, router.Applied, out)

	env.Transport.sent = nil
	sent, err = env.Router.Flush(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, uint64(2), env.Transport.sent[0].Sequence)
	assert.Equal(t, uint64(3), env.Transport.sent[1].Sequence)
}

func TestReceiveRejectsMisrouted(t *testing.T) {
	env := newTestEnv(t)
	m := msg(t, 1, "a")
	m.Destination = 9
	_, err := env.Router.Receive(env.Ctx, m)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
