package maindomain_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openwork/internal/config"
	"openwork/internal/db"
	"openwork/internal/domain"
	"openwork/internal/maindomain"
	"openwork/internal/migrate"
	"openwork/internal/router"
)

const ow = 1_000_000

type testEnv struct {
	Service *maindomain.Service
	Router  *router.Router
	Ctx     context.Context
	Clock   *time.Time
	hubSeq  uint64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: "main"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), Clock: &clock}
	now := func() time.Time { return *env.Clock }
	env.Router = router.New(conn, 3, router.Options{Now: now})
	env.Service = maindomain.New(conn, config.Default(domain.RoleMain, 3), env.Router)
	env.Service.Now = now
	require.NoError(t, env.Service.Register(env.Router))
	return env
}

func (env *testEnv) fromHub(t *testing.T, kind domain.MessageKind, payload any) router.Outcome {
	t.Helper()
	env.hubSeq++
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	out, err := env.Router.Receive(env.Ctx, domain.Message{
		ID: fmt.Sprintf("hub-%d", env.hubSeq), Source: 2, Destination: 3, Sequence: env.hubSeq, Kind: kind, Payload: body,
	})
	require.NoError(t, err)
	return out
}

func (env *testEnv) toHub(t *testing.T) []domain.Message {
	t.Helper()
	out, err := env.Router.Outbox(env.Ctx, 2, false)
	require.NoError(t, err)
	return out
}

func TestStakeRelaysToHub(t *testing.T) {
	env := newTestEnv(t)
	pos, err := env.Service.Stake(env.Ctx, "gina", 100*ow, "1m")
	require.NoError(t, err)
	assert.Equal(t, int64(15), pos.Multiplier)

	_, err = env.Service.Stake(env.Ctx, "gina", 100*ow, "2w")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	power, err := env.Service.Power(env.Ctx, "gina")
	require.NoError(t, err)
	assert.Equal(t, int64(150*ow), power)

	require.NoError(t, env.Service.Unstake(env.Ctx, "gina"))
	require.ErrorIs(t, env.Service.Unstake(env.Ctx, "gina"), domain.ErrInvalidTransition)

	msgs := env.toHub(t)
	require.Len(t, msgs, 2)
	var p domain.StakePayload
	require.NoError(t, msgs[1].Decode(&p))
	assert.Equal(t, domain.StakePayload{UserID: "gina"}, p)
}

func TestProposalsRequireThresholds(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Service.Propose(env.Ctx, "gina", "raise commission")
	require.ErrorIs(t, err, domain.ErrIneligible)

	_, err = env.Service.Stake(env.Ctx, "gina", 100*ow, "1w")
	require.NoError(t, err)
	p, err := env.Service.Propose(env.Ctx, "gina", "raise commission")
	require.NoError(t, err)

	_, err = env.Service.CastVote(env.Ctx, p.ID, "tom", domain.SupportFor)
	require.ErrorIs(t, err, domain.ErrIneligible)

	// Synced rewards count towards power.
	require.Equal(t, router.Applied, env.fromHub(t, domain.KindClaimableSynced, domain.ClaimableSyncedPayload{UserID: "tom", Unlocked: 60 * ow, Claimable: 60 * ow}))
	v, err := env.Service.CastVote(env.Ctx, p.ID, "tom", domain.SupportAgainst)
	require.NoError(t, err)
	assert.Equal(t, int64(60*ow), v.Power)
	_, err = env.Service.CastVote(env.Ctx, p.ID, "tom", domain.SupportFor)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = env.Service.CastVote(env.Ctx, p.ID, "gina", domain.Support(7))
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = env.Service.CastVote(env.Ctx, p.ID, "gina", domain.SupportFor)
	require.NoError(t, err)

	stored, err := env.Service.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100*ow), stored.For)
	assert.Equal(t, int64(60*ow), stored.Against)

	*env.Clock = env.Clock.Add(168 * time.Hour)
	_, err = env.Service.CastVote(env.Ctx, p.ID, "nobody", domain.SupportFor)
	require.ErrorIs(t, err, domain.ErrWindowViolation)

	var actions int
	for _, m := range env.toHub(t) {
		if m.Kind == domain.KindGovernanceAction {
			actions++
		}
	}
	assert.Equal(t, 3, actions, "one proposal and two votes")
}

func TestDelegatedStakeMovesProposalPower(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Service.Stake(env.Ctx, "gina", 100*ow, "1w")
	require.NoError(t, err)
	require.Equal(t, router.Applied, env.fromHub(t, domain.KindDelegationRecorded, domain.DelegationPayload{UserID: "gina", Delegatee: "tom"}))

	gina, err := env.Service.Power(env.Ctx, "gina")
	require.NoError(t, err)
	assert.Zero(t, gina)
	tom, err := env.Service.Power(env.Ctx, "tom")
	require.NoError(t, err)
	assert.Equal(t, int64(100*ow), tom)

	require.Equal(t, router.Rejected, env.fromHub(t, domain.KindDelegationRecorded, domain.DelegationPayload{UserID: "nobody", Delegatee: "tom"}))
}

func TestClaimUsesCumulativeSync(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Service.Claim(env.Ctx, "alice")
	require.ErrorIs(t, err, domain.ErrIneligible)

	env.fromHub(t, domain.KindClaimableSynced, domain.ClaimableSyncedPayload{UserID: "alice", Unlocked: 900 * ow, Claimable: 900 * ow})
	amount, err := env.Service.Claim(env.Ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(900*ow), amount)

	// A sync sent before the hub saw the claim must not reopen it.
	env.fromHub(t, domain.KindClaimableSynced, domain.ClaimableSyncedPayload{UserID: "alice", Unlocked: 1200 * ow, Claimable: 1200 * ow})
	b, err := env.Service.Balance(env.Ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(300*ow), b.Claimable)
	assert.Equal(t, int64(900*ow), b.TotalClaimed)

	msgs := env.toHub(t)
	claimed := msgs[len(msgs)-1]
	require.Equal(t, domain.KindRewardsClaimed, claimed.Kind)

	// The hub refusing the claim restores it.
	env.fromHub(t, domain.KindRejected, domain.RejectedPayload{Sequence: claimed.Sequence, Kind: claimed.Kind, MsgID: claimed.ID, Reason: "exceeds claimable", Payload: claimed.Payload})
	b, err = env.Service.Balance(env.Ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, b.TotalClaimed)
	assert.Equal(t, int64(1200*ow), b.Claimable)
}

func TestReferrerIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	env.fromHub(t, domain.KindReferrerRecorded, domain.ReferrerPayload{UserID: "bob", Referrer: "rob"})
	env.fromHub(t, domain.KindReferrerRecorded, domain.ReferrerPayload{UserID: "bob", Referrer: "eve"})
	b, err := env.Service.Balance(env.Ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "rob", b.Referrer)
}
