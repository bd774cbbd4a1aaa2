package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"openwork/internal/config"
	"openwork/internal/db"
	"openwork/internal/domain"
	"openwork/internal/engine"
	"openwork/internal/events"
	"openwork/internal/ledger"
	"openwork/internal/migrate"
	"openwork/internal/router"
)

const usdc = ledger.Scale

type testEnv struct {
	Engine engine.Engine
	Router *router.Router
	Ctx    context.Context
	Clock  *time.Time
	seq    map[uint32]uint64
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: "hub"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(domain.RoleHub, 2)
	for _, fn := range tweak {
		fn(cfg)
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), Clock: &clock, seq: map[uint32]uint64{}}
	now := func() time.Time { return *env.Clock }
	env.Router = router.New(conn, cfg.Domain.ID, router.Options{Now: now})
	env.Engine = engine.New(conn, cfg, env.Router)
	env.Engine.Now = now
	if err := env.Engine.Register(env.Router); err != nil {
		t.Fatalf("register handlers: %v", err)
	}
	return env
}

// send delivers the next in-order message from source to the hub.
func (env *testEnv) send(t *testing.T, source uint32, kind domain.MessageKind, payload any) router.Outcome {
	t.Helper()
	env.seq[source]++
	msg := domain.Message{ID: fmt.Sprintf("%d-%d", source, env.seq[source]), Source: source, Destination: 2, Sequence: env.seq[source], Kind: kind}
	var err error
	if msg.Payload, err = marshal(payload); err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := env.Router.Receive(env.Ctx, msg)
	if err != nil {
		t.Fatalf("receive %s: %v", kind, err)
	}
	return out
}

func (env *testEnv) mustApply(t *testing.T, source uint32, kind domain.MessageKind, payload any) {
	t.Helper()
	if out := env.send(t, source, kind, payload); out != router.Applied {
		t.Fatalf("%s: outcome %s", kind, out)
	}
}

func marshal(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// startedJob posts job 1-1 with milestones 100/200 and starts it with bob.
func (env *testEnv) startedJob(t *testing.T) {
	t.Helper()
	env.mustApply(t, 1, domain.KindJobPosted, domain.PostJobPayload{
		JobID: "1-1", GiverID: "alice", ContentHash: "job-doc",
		Milestones: []domain.MilestoneSpec{{Description: "design", Amount: 100 * usdc}, {Description: "build", Amount: 200 * usdc}},
	})
	env.mustApply(t, 4, domain.KindJobApplied, domain.ApplyPayload{
		JobID: "1-1", ApplicantID: "bob", ContentHash: "pitch", PreferredDomain: 4,
		Milestones: []domain.MilestoneSpec{{Amount: 300 * usdc}},
	})
	env.mustApply(t, 1, domain.KindJobStarted, domain.StartPayload{JobID: "1-1", GiverID: "alice", ApplicationID: 1, FundedAmount: 100 * usdc})
}

func TestReleaseMilestoneScenario(t *testing.T) {
	env := newTestEnv(t)
	env.startedJob(t)
	env.mustApply(t, 4, domain.KindWorkSubmitted, domain.SubmitPayload{JobID: "1-1", ApplicantID: "bob", ContentHash: "v1"})
	env.mustApply(t, 1, domain.KindPaymentReleased, domain.ReleasePayload{JobID: "1-1", GiverID: "alice"})

	esc, err := env.Engine.GetEscrow(env.Ctx, "1-1")
	if err != nil {
		t.Fatal(err)
	}
	if esc.Locked != 0 || esc.Released != 100*usdc || esc.Commission != 1*usdc {
		t.Fatalf("escrow after release: %+v", esc)
	}
	job, err := env.Engine.GetJob(env.Ctx, "1-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.CurrentMilestone != 2 || job.Status != domain.JobInProgress {
		t.Fatalf("job after release: index %d status %s", job.CurrentMilestone, job.Status)
	}
	if job.Milestones[0].State != domain.MilestoneReleased || job.Milestones[1].State != domain.MilestonePending {
		t.Fatalf("milestone states: %+v", job.Milestones)
	}
	pending, err := env.Engine.ListPendingTransfers(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one transfer, got %d", len(pending))
	}
	tr := pending[0]
	if tr.Amount != 99*usdc || tr.Commission != 1*usdc || tr.TargetDomain != 4 || tr.Recipient != "bob" {
		t.Fatalf("transfer: %+v", tr)
	}
	treasury, err := env.Engine.Treasury(env.Ctx)
	if err != nil || treasury != 1*usdc {
		t.Fatalf("treasury %d err %v", treasury, err)
	}

	// Both the origin and the applicant's domain receive snapshots.
	for _, dest := range []uint32{1, 4} {
		out, err := env.Router.Outbox(env.Ctx, dest, false)
		if err != nil {
			t.Fatal(err)
		}
		last := out[len(out)-1]
		var p domain.JobSyncedPayload
		if err := last.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if last.Kind != domain.KindJobSynced || p.Job.CurrentMilestone != 2 {
			t.Fatalf("last message to %d: %s index %d", dest, last.Kind, p.Job.CurrentMilestone)
		}
	}
}

func TestMilestoneIndexNeverExceedsCount(t *testing.T) {
	env := newTestEnv(t)
	env.startedJob(t)
	env.mustApply(t, 1, domain.KindPaymentReleasedAndLocked, domain.LockPayload{JobID: "1-1", GiverID: "alice", FundedAmount: 200 * usdc})
	env.mustApply(t, 1, domain.KindPaymentReleased, domain.ReleasePayload{JobID: "1-1", GiverID: "alice"})

	job, err := env.Engine.GetJob(env.Ctx, "1-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobCompleted || job.CurrentMilestone != 2 {
		t.Fatalf("job: status %s index %d", job.Status, job.CurrentMilestone)
	}
	if out := env.send(t, 1, domain.KindPaymentReleased, domain.ReleasePayload{JobID: "1-1", GiverID: "alice"}); out != router.Rejected {
		t.Fatalf("release after completion: %s", out)
	}
	job, _ = env.Engine.GetJob(env.Ctx, "1-1")
	if job.CurrentMilestone != 2 {
		t.Fatalf("index moved to %d", job.CurrentMilestone)
	}
}

func TestDirectContractEventOrder(t *testing.T) {
	env := newTestEnv(t)
	job, effects, err := env.Engine.StartDirectContract(env.Ctx, domain.DirectContractPayload{
		JobID: "1-7", GiverID: "alice", TakerID: "bob", ContentHash: "contract", TakerDomain: 4,
		Milestones:   []domain.MilestoneSpec{{Amount: 50 * usdc}},
		FundedAmount: 50 * usdc,
	}, 1)
	if err != nil {
		t.Fatalf("direct contract: %v", err)
	}
	want := []string{"job.posted", "job.application", "job.started", "job.status_changed", "escrow.funded"}
	got := domain.EventTypes(effects)
	if len(got) != len(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events %v, want %v", got, want)
		}
	}
	if job.Status != domain.JobInProgress || job.SelectedApplicant != "bob" || job.ApplicantDomain != 4 {
		t.Fatalf("job: %+v", job)
	}
	stored, err := events.List(env.Ctx, env.Engine.DB, "job", "1-7")
	if err != nil || len(stored) != len(want) {
		t.Fatalf("stored events %d err %v", len(stored), err)
	}
}

func TestDirectContractRollsBackOnFailure(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.StartDirectContract(env.Ctx, domain.DirectContractPayload{
		JobID: "1-8", GiverID: "alice", TakerID: "bob",
		Milestones:   []domain.MilestoneSpec{{Amount: 50 * usdc}},
		FundedAmount: 40 * usdc,
	}, 1)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := env.Engine.GetJob(env.Ctx, "1-8"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("job should not exist: %v", err)
	}
	stored, _ := events.List(env.Ctx, env.Engine.DB, "", "")
	if len(stored) != 0 {
		t.Fatalf("expected no events, got %d", len(stored))
	}
}

func TestReplayedMessagesChangeNothing(t *testing.T) {
	env := newTestEnv(t)
	env.startedJob(t)
	before, _ := events.List(env.Ctx, env.Engine.DB, "", "")

	msg := domain.Message{ID: "replay", Source: 1, Destination: 2, Sequence: 1, Kind: domain.KindJobPosted}
	msg.Payload, _ = marshal(domain.PostJobPayload{JobID: "1-1", GiverID: "alice", Milestones: []domain.MilestoneSpec{{Amount: 1}}})
	out, err := env.Router.Receive(env.Ctx, msg)
	if err != nil || out != router.Duplicate {
		t.Fatalf("replay: %s %v", out, err)
	}
	after, _ := events.List(env.Ctx, env.Engine.DB, "", "")
	if len(after) != len(before) {
		t.Fatalf("replay appended %d events", len(after)-len(before))
	}
}

func TestJobTransitionGuards(t *testing.T) {
	env := newTestEnv(t)
	env.mustApply(t, 1, domain.KindJobPosted, domain.PostJobPayload{
		JobID: "1-1", GiverID: "alice", Milestones: []domain.MilestoneSpec{{Amount: 10 * usdc}},
	})
	cases := []struct {
		name    string
		kind    domain.MessageKind
		payload any
		want    error
	}{
		{"duplicate id", domain.KindJobPosted, domain.PostJobPayload{JobID: "1-1", GiverID: "alice", Milestones: []domain.MilestoneSpec{{Amount: 1}}}, domain.ErrInvalidTransition},
		{"foreign id", domain.KindJobPosted, domain.PostJobPayload{JobID: "9-1", GiverID: "alice", Milestones: []domain.MilestoneSpec{{Amount: 1}}}, domain.ErrInvalidInput},
		{"no milestones", domain.KindJobPosted, domain.PostJobPayload{JobID: "1-2", GiverID: "alice"}, domain.ErrInvalidInput},
		{"submit before start", domain.KindWorkSubmitted, domain.SubmitPayload{JobID: "1-1", ApplicantID: "bob", ContentHash: "x"}, domain.ErrInvalidTransition},
		{"release before start", domain.KindPaymentReleased, domain.ReleasePayload{JobID: "1-1", GiverID: "alice"}, domain.ErrInvalidTransition},
		{"start unknown application", domain.KindJobStarted, domain.StartPayload{JobID: "1-1", GiverID: "alice", ApplicationID: 3, FundedAmount: 10 * usdc}, domain.ErrNotFound},
		{"unknown job", domain.KindJobApplied, domain.ApplyPayload{JobID: "1-99", ApplicantID: "bob", Milestones: []domain.MilestoneSpec{{Amount: 1}}}, domain.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if out := env.send(t, 1, tc.kind, tc.payload); out != router.Rejected {
				t.Fatalf("outcome %s", out)
			}
			notices, err := env.Router.Outbox(env.Ctx, 1, true)
			if err != nil {
				t.Fatal(err)
			}
			var p domain.RejectedPayload
			if err := notices[len(notices)-1].Decode(&p); err != nil {
				t.Fatal(err)
			}
			if p.Kind != tc.kind || p.Reason == "" {
				t.Fatalf("rejection notice: %+v", p)
			}
		})
	}

	// Direct calls surface the sentinel.
	env.mustApply(t, 4, domain.KindJobApplied, domain.ApplyPayload{JobID: "1-1", ApplicantID: "bob", Milestones: []domain.MilestoneSpec{{Amount: 10 * usdc}}})
	if _, _, err := env.Engine.StartJob(env.Ctx, domain.StartPayload{JobID: "1-1", GiverID: "mallory", ApplicationID: 1, FundedAmount: 10 * usdc}); !errors.Is(err, domain.ErrIneligible) {
		t.Fatalf("start by stranger: %v", err)
	}
	if _, _, err := env.Engine.StartJob(env.Ctx, domain.StartPayload{JobID: "1-1", GiverID: "alice", ApplicationID: 1, FundedAmount: 10 * usdc}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := env.Engine.RecordSubmission(env.Ctx, domain.SubmitPayload{JobID: "1-1", ApplicantID: "carol", ContentHash: "x"}); !errors.Is(err, domain.ErrIneligible) {
		t.Fatalf("submit by stranger: %v", err)
	}
	if _, _, err := env.Engine.FundMilestone(env.Ctx, domain.LockPayload{JobID: "1-1", GiverID: "alice", FundedAmount: 10 * usdc}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("double fund: %v", err)
	}
	if _, _, err := env.Engine.RecordApplication(env.Ctx, domain.ApplyPayload{JobID: "1-1", ApplicantID: "dave", Milestones: []domain.MilestoneSpec{{Amount: 1}}}, 1); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("apply to started job: %v", err)
	}
}

func TestApplicantMilestonesReplaceOriginal(t *testing.T) {
	env := newTestEnv(t)
	env.mustApply(t, 1, domain.KindJobPosted, domain.PostJobPayload{
		JobID: "1-1", GiverID: "alice", Milestones: []domain.MilestoneSpec{{Amount: 100 * usdc}, {Amount: 200 * usdc}},
	})
	env.mustApply(t, 4, domain.KindJobApplied, domain.ApplyPayload{
		JobID: "1-1", ApplicantID: "bob", Milestones: []domain.MilestoneSpec{{Description: "all", Amount: 300 * usdc}},
	})
	job, _, err := env.Engine.StartJob(env.Ctx, domain.StartPayload{JobID: "1-1", GiverID: "alice", ApplicationID: 1, UseApplicantMilestones: true, FundedAmount: 300 * usdc})
	if err != nil {
		t.Fatal(err)
	}
	if len(job.Milestones) != 1 || job.Milestones[0].Amount != 300*usdc || job.Milestones[0].State != domain.MilestoneFunded {
		t.Fatalf("milestones: %+v", job.Milestones)
	}
	if job.ApplicantDomain != 4 {
		t.Fatalf("applicant domain defaults to the sender, got %d", job.ApplicantDomain)
	}
}

func TestConfirmTransfer(t *testing.T) {
	env := newTestEnv(t)
	env.startedJob(t)
	env.mustApply(t, 1, domain.KindPaymentReleased, domain.ReleasePayload{JobID: "1-1", GiverID: "alice"})
	pending, _ := env.Engine.ListPendingTransfers(env.Ctx)
	if err := env.Engine.ConfirmTransfer(env.Ctx, pending[0].ID, "mint-1"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ConfirmTransfer(env.Ctx, "unknown", ""); err != nil {
		t.Fatalf("unknown confirmation should be ignored: %v", err)
	}
	pending, _ = env.Engine.ListPendingTransfers(env.Ctx)
	if len(pending) != 0 {
		t.Fatalf("still pending: %+v", pending)
	}
}
