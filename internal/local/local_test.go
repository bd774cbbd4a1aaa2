package local_test

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
	"openwork/internal/events"
	"openwork/internal/ids"
	"openwork/internal/local"
	"openwork/internal/migrate"
	"openwork/internal/router"
)

const usdc = 1_000_000

type testEnv struct {
	Service *local.Service
	Router  *router.Router
	Ctx     context.Context
	hubSeq  uint64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: "local"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	cfg := config.Default(domain.RoleLocal, 1)
	r := router.New(conn, 1, router.Options{Now: now})
	svc := local.New(conn, cfg, r)
	svc.Now = now
	require.NoError(t, svc.Register(r))
	return &testEnv{Service: svc, Router: r, Ctx: context.Background()}
}

// fromHub delivers the next hub message to the local router.
func (env *testEnv) fromHub(t *testing.T, kind domain.MessageKind, payload any) router.Outcome {
	t.Helper()
	env.hubSeq++
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	out, err := env.Router.Receive(env.Ctx, domain.Message{
		ID: fmt.Sprintf("hub-%d", env.hubSeq), Source: 2, Destination: 1, Sequence: env.hubSeq, Kind: kind, Payload: body,
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

func (env *testEnv) sync(t *testing.T, job domain.Job, apps ...domain.Application) {
	t.Helper()
	require.Equal(t, router.Applied, env.fromHub(t, domain.KindJobSynced, domain.JobSyncedPayload{Job: job, Applications: apps}))
}

func openJob(id string) domain.Job {
	return domain.Job{
		ID: id, OriginDomain: 1, GiverID: "alice", Status: domain.JobOpen,
		Milestones: []domain.Milestone{
			{Index: 1, Amount: 100 * usdc, State: domain.MilestonePending},
			{Index: 2, Amount: 200 * usdc, State: domain.MilestonePending},
		},
	}
}

func TestPostJobIsPendingUntilSynced(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Service.PostJob(env.Ctx, "alice", "doc", []domain.MilestoneSpec{{Amount: 100 * usdc}, {Amount: 200 * usdc}})
	require.NoError(t, err)
	assert.Equal(t, "1-1", id)

	_, err = env.Service.GetJob(env.Ctx, id)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	jobs, err := env.Service.ListJobs(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	msgs := env.toHub(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.KindJobPosted, msgs[0].Kind)
	var p domain.PostJobPayload
	require.NoError(t, msgs[0].Decode(&p))
	assert.Equal(t, id, p.JobID)

	env.sync(t, openJob(id))
	job, err := env.Service.GetJob(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobOpen, job.Status)
	jobs, err = env.Service.ListJobs(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	id2, err := env.Service.PostJob(env.Ctx, "alice", "doc", []domain.MilestoneSpec{{Amount: 1}})
	require.NoError(t, err)
	assert.Equal(t, "1-2", id2)
}

func TestRejectedCreationDropsPendingMirror(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Service.PostJob(env.Ctx, "alice", "doc", []domain.MilestoneSpec{{Amount: 100 * usdc}})
	require.NoError(t, err)
	posted := env.toHub(t)[0]

	require.Equal(t, router.Applied, env.fromHub(t, domain.KindRejected, domain.RejectedPayload{
		Sequence: posted.Sequence, Kind: posted.Kind, MsgID: posted.ID, Reason: "invalid input", Payload: posted.Payload,
	}))
	_, err = env.Service.GetJob(env.Ctx, id)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRejectedDirectContractExpectsFundingRefund(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Service.StartDirectContract(env.Ctx, domain.DirectContractPayload{
		GiverID: "alice", TakerID: "bob", ContentHash: "doc", Milestones: []domain.MilestoneSpec{{Amount: 100 * usdc}},
	})
	require.NoError(t, err)
	sent := env.toHub(t)[0]
	var p domain.DirectContractPayload
	require.NoError(t, sent.Decode(&p))
	require.NotEmpty(t, p.FundingTransferID)

	require.Equal(t, router.Applied, env.fromHub(t, domain.KindRejected, domain.RejectedPayload{
		Sequence: sent.Sequence, Kind: sent.Kind, MsgID: sent.ID, Reason: "invalid input", Payload: sent.Payload,
	}))
	_, err = env.Service.GetJob(env.Ctx, id)
	require.ErrorIs(t, err, domain.ErrNotFound)

	evts, err := events.List(env.Ctx, env.Service.DB, "message", sent.ID)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	last := evts[len(evts)-1]
	require.Equal(t, "router.remote_rejected", last.Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(last.PayloadJSON), &payload))
	assert.Equal(t, p.FundingTransferID, payload["funding_transfer_id"])
	assert.Equal(t, true, payload["refund_expected"])
}

func TestStartJobEscrowsFirstMilestone(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Service.PostJob(env.Ctx, "alice", "doc", []domain.MilestoneSpec{{Amount: 100 * usdc}, {Amount: 200 * usdc}})
	require.NoError(t, err)
	env.sync(t, openJob(id), domain.Application{
		ID: 1, JobID: id, ApplicantID: "bob", PreferredDomain: 4,
		Milestones: []domain.MilestoneSpec{{Amount: 300 * usdc}},
	})

	err = env.Service.StartJob(env.Ctx, id, "mallory", 1, false)
	require.ErrorIs(t, err, domain.ErrIneligible)
	err = env.Service.StartJob(env.Ctx, id, "alice", 7, false)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, env.Service.StartJob(env.Ctx, id, "alice", 1, true))
	msgs := env.toHub(t)
	last := msgs[len(msgs)-1]
	require.Equal(t, domain.KindJobStarted, last.Kind)
	var p domain.StartPayload
	require.NoError(t, last.Decode(&p))
	assert.Equal(t, int64(300*usdc), p.FundedAmount)
	assert.True(t, p.UseApplicantMilestones)

	pending, err := env.Service.Repo.ListTransfers(env.Ctx, env.Service.DB, domain.TransferPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.TransferFunding, pending[0].Kind)
	assert.Equal(t, int64(300*usdc), pending[0].Amount)
	assert.Equal(t, uint32(2), pending[0].TargetDomain)
	assert.Equal(t, pending[0].ID, p.FundingTransferID)
}

func TestMilestoneActionsFollowSnapshot(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Service.PostJob(env.Ctx, "alice", "doc", []domain.MilestoneSpec{{Amount: 100 * usdc}, {Amount: 200 * usdc}})
	require.NoError(t, err)

	err = env.Service.ReleasePayment(env.Ctx, id, "alice")
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "pending job")

	job := openJob(id)
	job.Status = domain.JobInProgress
	job.CurrentMilestone = 1
	job.SelectedApplicant = "bob"
	job.Milestones[0].State = domain.MilestoneFunded
	env.sync(t, job)

	err = env.Service.LockNextMilestone(env.Ctx, id, "alice")
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "current milestone already funded")
	require.NoError(t, env.Service.SubmitWork(env.Ctx, domain.SubmitPayload{JobID: id, ApplicantID: "bob", ContentHash: "v1"}))
	err = env.Service.SubmitWork(env.Ctx, domain.SubmitPayload{JobID: id, ApplicantID: "carol", ContentHash: "v1"})
	require.ErrorIs(t, err, domain.ErrIneligible)

	require.NoError(t, env.Service.ReleaseAndLockNext(env.Ctx, id, "alice"))
	msgs := env.toHub(t)
	var lock domain.LockPayload
	require.NoError(t, msgs[len(msgs)-1].Decode(&lock))
	assert.Equal(t, int64(200*usdc), lock.FundedAmount)

	job.CurrentMilestone = 2
	job.Milestones[0].State = domain.MilestoneReleased
	job.Milestones[1].State = domain.MilestoneFunded
	env.sync(t, job)
	err = env.Service.ReleaseAndLockNext(env.Ctx, id, "alice")
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "no next milestone")
	require.NoError(t, env.Service.ReleasePayment(env.Ctx, id, "alice"))

	err = env.Service.RaiseDispute(env.Ctx, domain.DisputePayload{JobID: id, RaiserID: "alice", Fee: usdc, DisputedAmount: usdc})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	err = env.Service.RaiseDispute(env.Ctx, domain.DisputePayload{JobID: id, RaiserID: "mallory", Fee: 50 * usdc, DisputedAmount: usdc})
	require.ErrorIs(t, err, domain.ErrIneligible)
	require.NoError(t, env.Service.RaiseDispute(env.Ctx, domain.DisputePayload{JobID: id, RaiserID: "bob", Fee: 50 * usdc, DisputedAmount: usdc}))
}

func TestDirectContractAndFinalizedDispute(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Service.StartDirectContract(env.Ctx, domain.DirectContractPayload{
		GiverID: "alice", TakerID: "bob", Milestones: []domain.MilestoneSpec{{Amount: 40 * usdc}},
	})
	require.NoError(t, err)
	msgs := env.toHub(t)
	require.Len(t, msgs, 1)
	var p domain.DirectContractPayload
	require.NoError(t, msgs[0].Decode(&p))
	assert.Equal(t, id, p.JobID)
	assert.Equal(t, int64(40*usdc), p.FundedAmount)
	assert.Equal(t, uint32(1), p.TakerDomain)

	_, err = env.Service.StartDirectContract(env.Ctx, domain.DirectContractPayload{GiverID: "alice", TakerID: "alice", Milestones: []domain.MilestoneSpec{{Amount: 1}}})
	require.ErrorIs(t, err, domain.ErrIneligible)

	require.Equal(t, router.Applied, env.fromHub(t, domain.KindDisputeFinalized, domain.DisputeFinalizedPayload{
		DisputeID: id + "/d1", JobID: id, PowerForGiver: 3, PowerForTaker: 7, Votes: 2,
	}))
	d, err := env.Service.GetDispute(env.Ctx, id+"/d1")
	require.NoError(t, err)
	assert.True(t, d.Resolved)
	assert.False(t, d.GiverWins)
}

func TestCounterExhaustion(t *testing.T) {
	env := newTestEnv(t)
	env.Service.Allocator = ids.Allocator{Max: 1}
	_, err := env.Service.PostJob(env.Ctx, "alice", "", []domain.MilestoneSpec{{Amount: 1}})
	require.NoError(t, err)
	_, err = env.Service.PostJob(env.Ctx, "alice", "", []domain.MilestoneSpec{{Amount: 1}})
	require.ErrorIs(t, err, domain.ErrCounterExhausted)
	assert.Len(t, env.toHub(t), 1)
}

func TestProfileAndApplication(t *testing.T) {
	env := newTestEnv(t)
	require.ErrorIs(t, env.Service.CreateProfile(env.Ctx, domain.ProfilePayload{UserID: "bob", Referrer: "bob"}), domain.ErrInvalidInput)
	require.NoError(t, env.Service.CreateProfile(env.Ctx, domain.ProfilePayload{UserID: "bob", Referrer: "rob"}))
	require.ErrorIs(t, env.Service.ApplyToJob(env.Ctx, domain.ApplyPayload{JobID: "nope", ApplicantID: "bob", Milestones: []domain.MilestoneSpec{{Amount: 1}}}), domain.ErrInvalidInput)
	require.NoError(t, env.Service.ApplyToJob(env.Ctx, domain.ApplyPayload{JobID: "9-4", ApplicantID: "bob", Milestones: []domain.MilestoneSpec{{Amount: 1}}}))

	msgs := env.toHub(t)
	require.Len(t, msgs, 2)
	var prof domain.ProfilePayload
	require.NoError(t, msgs[0].Decode(&prof))
	assert.Equal(t, uint32(1), prof.PreferredDomain)
	var app domain.ApplyPayload
	require.NoError(t, msgs[1].Decode(&app))
	assert.Equal(t, uint32(1), app.PreferredDomain)
}
