package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openwork/internal/domain"
	"openwork/internal/router"
)

func (env *testEnv) postedJob(t *testing.T) {
	t.Helper()
	env.mustApply(t, 1, domain.KindJobPosted, domain.PostJobPayload{
		JobID: "1-1", GiverID: "alice", ContentHash: "job-doc",
		Milestones: []domain.MilestoneSpec{{Description: "design", Amount: 100 * usdc}, {Description: "build", Amount: 200 * usdc}},
	})
	env.mustApply(t, 4, domain.KindJobApplied, domain.ApplyPayload{
		JobID: "1-1", ApplicantID: "bob", ContentHash: "pitch", PreferredDomain: 4,
		Milestones: []domain.MilestoneSpec{{Amount: 300 * usdc}},
	})
}

func TestRejectedFundingIsRefundedOnce(t *testing.T) {
	env := newTestEnv(t)
	env.postedJob(t)

	bad := domain.StartPayload{JobID: "1-1", GiverID: "alice", ApplicationID: 3, FundedAmount: 100 * usdc, FundingTransferID: "fund-1"}
	require.Equal(t, router.Rejected, env.send(t, 1, domain.KindJobStarted, bad))
	require.Equal(t, router.Rejected, env.send(t, 1, domain.KindJobStarted, bad))

	pending, err := env.Engine.ListPendingTransfers(env.Ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	refund := pending[0]
	assert.Equal(t, domain.TransferRefund, refund.Kind)
	assert.Equal(t, int64(100*usdc), refund.Amount)
	assert.Equal(t, uint32(1), refund.TargetDomain)
	assert.Equal(t, "alice", refund.Recipient)
	assert.Equal(t, "1-1", refund.JobID)

	env.mustApply(t, 1, domain.KindJobStarted, domain.StartPayload{
		JobID: "1-1", GiverID: "alice", ApplicationID: 1, FundedAmount: 100 * usdc, FundingTransferID: "fund-2",
	})
	esc, err := env.Engine.GetEscrow(env.Ctx, "1-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100*usdc), esc.Locked)
	require.Len(t, esc.Fundings, 2)
	assert.Equal(t, "fund-1", esc.Fundings[0].TransferID)
	assert.Equal(t, domain.FundingRefunded, esc.Fundings[0].Status)
	assert.Equal(t, refund.ID, esc.Fundings[0].RefundTransferID)
	assert.Equal(t, "fund-2", esc.Fundings[1].TransferID)
	assert.Equal(t, domain.FundingBooked, esc.Fundings[1].Status)
	assert.Equal(t, "milestone:1", esc.Fundings[1].Purpose)
	assert.Equal(t, uint32(1), esc.Fundings[1].SourceDomain)
}

func TestReusedFundingIsRejectedWithoutRefund(t *testing.T) {
	env := newTestEnv(t)
	env.postedJob(t)
	env.mustApply(t, 1, domain.KindJobStarted, domain.StartPayload{
		JobID: "1-1", GiverID: "alice", ApplicationID: 1, FundedAmount: 100 * usdc, FundingTransferID: "fund-1",
	})

	// The same transfer cannot pay for the second milestone too.
	assert.Equal(t, router.Rejected, env.send(t, 1, domain.KindPaymentReleasedAndLocked, domain.LockPayload{
		JobID: "1-1", GiverID: "alice", FundedAmount: 200 * usdc, FundingTransferID: "fund-1",
	}))

	pending, err := env.Engine.ListPendingTransfers(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	job, err := env.Engine.GetJob(env.Ctx, "1-1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.CurrentMilestone)
	fundings, err := env.Engine.ListFundings(env.Ctx, "1-1")
	require.NoError(t, err)
	require.Len(t, fundings, 1)
	assert.Equal(t, domain.FundingBooked, fundings[0].Status)
}

func TestRejectedDisputeFeeIsRefundedToRaiserDomain(t *testing.T) {
	env := newTestEnv(t)
	env.startedJob(t)

	assert.Equal(t, router.Rejected, env.send(t, 4, domain.KindDisputeRaised, domain.DisputePayload{
		JobID: "1-1", RaiserID: "bob", OracleGroup: "general", Fee: 50 * usdc, DisputedAmount: 900 * usdc,
		FundingTransferID: "fee-1",
	}))

	pending, err := env.Engine.ListPendingTransfers(env.Ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.TransferRefund, pending[0].Kind)
	assert.Equal(t, int64(50*usdc), pending[0].Amount)
	assert.Equal(t, uint32(4), pending[0].TargetDomain)
	assert.Equal(t, "bob", pending[0].Recipient)

	job, err := env.Engine.GetJob(env.Ctx, "1-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobInProgress, job.Status)
}
