// Package sim runs a full network of domains in one process: two local
// domains, the hub and the main domain, joined by an in-memory bus and an
// in-memory transfer capability.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"openwork/internal/app"
	"openwork/internal/config"
	"openwork/internal/domain"
	"openwork/internal/engine"
	"openwork/internal/ids"
	"openwork/internal/logging"
	transfermem "openwork/internal/transfer/memory"
	"openwork/internal/transport/memory"
)

// Domain ids of the simulated network.
const (
	ClientDomain uint32 = 1
	HubDomain    uint32 = 2
	MainDomain   uint32 = 3
	WorkerDomain uint32 = 4
)

const usdc = 1_000_000

type Options struct {
	// Reverse delivers each batch in reverse order; Duplicate delivers every
	// message twice.
	Reverse   bool
	Duplicate bool
	Logger    *slog.Logger
}

type Network struct {
	Bus        *memory.Bus
	Capability *transfermem.Service
	Client     *app.Node
	Worker     *app.Node
	Hub        *app.Node
	Main       *app.Node

	clock     time.Time
	nodes     []*app.Node
	confirmed map[string]bool
}

// NewNetwork opens one workspace per domain under dir.
func NewNetwork(ctx context.Context, dir string, opts Options) (*Network, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	n := &Network{
		Bus:        memory.NewBus(memory.Options{Reverse: opts.Reverse, Duplicate: opts.Duplicate}),
		Capability: transfermem.New(),
		clock:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		confirmed:  map[string]bool{},
	}
	for _, d := range []struct {
		id   uint32
		role domain.Role
		dst  **app.Node
	}{
		{ClientDomain, domain.RoleLocal, &n.Client},
		{HubDomain, domain.RoleHub, &n.Hub},
		{MainDomain, domain.RoleMain, &n.Main},
		{WorkerDomain, domain.RoleLocal, &n.Worker},
	} {
		node, err := app.NewNode(ctx, config.Default(d.role, d.id), app.Options{
			Workspace:  filepath.Join(dir, fmt.Sprintf("d%d", d.id)),
			Transport:  n.Bus,
			Capability: n.Capability,
			Logger:     opts.Logger,
			Now:        n.now,
		})
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("domain %d: %w", d.id, err)
		}
		n.Bus.Register(d.id, node)
		n.nodes = append(n.nodes, node)
		*d.dst = node
	}
	return n, nil
}

func (n *Network) now() time.Time { return n.clock }

// Advance moves the shared clock forward.
func (n *Network) Advance(d time.Duration) { n.clock = n.clock.Add(d) }

func (n *Network) Close() {
	for _, node := range n.nodes {
		node.Close()
	}
}

// Pump ticks every node and delivers the bus until nothing moves.
func (n *Network) Pump(ctx context.Context) error {
	for round := 0; round < 100; round++ {
		moved := 0
		for _, node := range n.nodes {
			rep, err := node.Tick(ctx)
			if err != nil {
				return err
			}
			moved += rep.Flushed + rep.Transfers.Sent
			// Transfers still pending after a capability failure keep the
			// network busy until they go out or run out of attempts.
			pending, err := node.Settler.Repo.ListTransfers(ctx, node.DB, domain.TransferPending)
			if err != nil {
				return err
			}
			moved += len(pending)
		}
		if err := n.confirm(ctx); err != nil {
			return err
		}
		delivered, err := n.Bus.Deliver(ctx)
		if err != nil {
			return err
		}
		if moved+delivered == 0 && n.Bus.Pending() == 0 {
			return nil
		}
	}
	return errors.New("network did not settle")
}

// confirm attests each newly accepted transfer on the node that sent it.
func (n *Network) confirm(ctx context.Context) error {
	for _, req := range n.Capability.Accepted() {
		if n.confirmed[req.TransferID] {
			continue
		}
		for _, node := range n.nodes {
			if _, err := node.Settler.Repo.GetTransfer(ctx, node.DB, req.TransferID); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return err
			}
			err := node.Exec(ctx, func(ctx context.Context) error {
				return node.Settler.Confirm(ctx, req.TransferID, "att-"+req.TransferID)
			})
			if err != nil {
				return err
			}
		}
		n.confirmed[req.TransferID] = true
	}
	return nil
}

// Result is what the scenario leaves behind.
type Result struct {
	Job           domain.Job           `json:"job"`
	Escrow        domain.EscrowRecord  `json:"escrow"`
	ClientMirror  domain.Job           `json:"client_mirror"`
	Dispute       domain.Dispute       `json:"dispute"`
	DisputeMirror domain.DisputeMirror `json:"dispute_mirror"`
	Treasury      int64                `json:"treasury"`
	Giver         domain.RewardAccount `json:"giver"`
	Referrer      domain.RewardAccount `json:"referrer"`
	Claimed       int64                `json:"claimed"`
	WorkerBalance int64                `json:"worker_balance"`
	OracleBalance int64                `json:"oracle_balance"`
	Delivered     int                  `json:"delivered"`
	PendingOnHub  int                  `json:"pending_on_hub"`
}

// Run drives a job, a disputed direct contract and a reward claim across the
// network.
func Run(ctx context.Context, dir string, opts Options) (Result, error) {
	n, err := NewNetwork(ctx, dir, opts)
	if err != nil {
		return Result{}, err
	}
	defer n.Close()
	return n.Scenario(ctx)
}

func (n *Network) Scenario(ctx context.Context) (Result, error) {
	var (
		res Result
		err error
	)
	client, worker, hub, main := n.Client.Local, n.Worker.Local, n.Hub.Hub, n.Main.Main
	step := func(name string, node *app.Node, fn func(ctx context.Context) error) error {
		if err := node.Exec(ctx, fn); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := n.Pump(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}

	steps := []struct {
		name string
		node *app.Node
		fn   func(ctx context.Context) error
	}{
		{"stake", n.Main, func(ctx context.Context) error {
			for _, s := range []struct {
				user   string
				amount int64
			}{{"gina", 300}, {"tom", 700}, {"alice", 100}} {
				if _, err := main.Stake(ctx, s.user, s.amount*usdc, "1w"); err != nil {
					return err
				}
			}
			return nil
		}},
		{"profiles", n.Client, func(ctx context.Context) error {
			return client.CreateProfile(ctx, domain.ProfilePayload{UserID: "alice", ContentHash: "h-alice", Referrer: "rita"})
		}},
		{"worker profile", n.Worker, func(ctx context.Context) error {
			return worker.CreateProfile(ctx, domain.ProfilePayload{UserID: "bob", ContentHash: "h-bob"})
		}},
	}
	for _, s := range steps {
		if err := step(s.name, s.node, s.fn); err != nil {
			return res, err
		}
	}

	var jobID string
	if err := step("post job", n.Client, func(ctx context.Context) error {
		jobID, err = client.PostJob(ctx, "alice", "h-job", []domain.MilestoneSpec{
			{Description: "design", Amount: 100 * usdc},
			{Description: "build", Amount: 200 * usdc},
		})
		return err
	}); err != nil {
		return res, err
	}

	for _, s := range []struct {
		name string
		node *app.Node
		fn   func(ctx context.Context) error
	}{
		{"apply", n.Worker, func(ctx context.Context) error {
			return worker.ApplyToJob(ctx, domain.ApplyPayload{
				JobID: jobID, ApplicantID: "bob", ContentHash: "h-app",
				Milestones: []domain.MilestoneSpec{{Description: "all", Amount: 300 * usdc}},
			})
		}},
		{"start", n.Client, func(ctx context.Context) error { return client.StartJob(ctx, jobID, "alice", 1, false) }},
		{"submit", n.Worker, func(ctx context.Context) error {
			return worker.SubmitWork(ctx, domain.SubmitPayload{JobID: jobID, ApplicantID: "bob", ContentHash: "h-work-1"})
		}},
		{"release and lock", n.Client, func(ctx context.Context) error { return client.ReleaseAndLockNext(ctx, jobID, "alice") }},
		{"submit final", n.Worker, func(ctx context.Context) error {
			return worker.SubmitWork(ctx, domain.SubmitPayload{JobID: jobID, ApplicantID: "bob", ContentHash: "h-work-2"})
		}},
		{"release", n.Client, func(ctx context.Context) error { return client.ReleasePayment(ctx, jobID, "alice") }},
	} {
		if err := step(s.name, s.node, s.fn); err != nil {
			return res, err
		}
	}

	var contractID string
	if err := step("direct contract", n.Client, func(ctx context.Context) error {
		contractID, err = client.StartDirectContract(ctx, domain.DirectContractPayload{
			GiverID: "alice", TakerID: "bob", ContentHash: "h-contract", TakerDomain: WorkerDomain,
			Milestones: []domain.MilestoneSpec{{Description: "audit", Amount: 100 * usdc}},
		})
		return err
	}); err != nil {
		return res, err
	}
	disputeID := ids.DisputeID(contractID, 1)
	for _, s := range []struct {
		name string
		node *app.Node
		fn   func(ctx context.Context) error
	}{
		{"raise dispute", n.Worker, func(ctx context.Context) error {
			return worker.RaiseDispute(ctx, domain.DisputePayload{
				JobID: contractID, RaiserID: "bob", EvidenceHash: "h-evidence", OracleGroup: "general",
				Fee: 50 * usdc, DisputedAmount: 100 * usdc,
			})
		}},
		{"votes", n.Hub, func(ctx context.Context) error {
			if _, _, err := hub.Vote(ctx, engine.VoteOptions{DisputeID: disputeID, VoterID: "gina", InFavorOfGiver: true, ClaimAddress: "gina-wallet"}); err != nil {
				return err
			}
			_, _, err := hub.Vote(ctx, engine.VoteOptions{DisputeID: disputeID, VoterID: "tom", ClaimAddress: "tom-wallet"})
			return err
		}},
		{"settle dispute", n.Hub, func(ctx context.Context) error {
			n.Advance(n.Hub.Config.Dispute.VotingPeriod)
			_, _, err := hub.Settle(ctx, disputeID)
			return err
		}},
		{"propose", n.Main, func(ctx context.Context) error {
			_, err := main.Propose(ctx, "alice", "lower the dispute fee")
			return err
		}},
		{"claim", n.Main, func(ctx context.Context) error {
			res.Claimed, err = main.Claim(ctx, "alice")
			return err
		}},
	} {
		if err := step(s.name, s.node, s.fn); err != nil {
			return res, err
		}
	}
	return n.collect(ctx, res, jobID, disputeID)
}

func (n *Network) collect(ctx context.Context, res Result, jobID, disputeID string) (Result, error) {
	hub := n.Hub.Hub
	var err error
	if res.Job, err = hub.GetJob(ctx, jobID); err != nil {
		return res, err
	}
	if res.Escrow, err = hub.GetEscrow(ctx, jobID); err != nil {
		return res, err
	}
	if res.ClientMirror, err = n.Client.Local.GetJob(ctx, jobID); err != nil {
		return res, err
	}
	if res.Dispute, err = hub.GetDispute(ctx, disputeID); err != nil {
		return res, err
	}
	if res.DisputeMirror, err = n.Worker.Local.GetDispute(ctx, disputeID); err != nil {
		return res, err
	}
	if res.Treasury, err = hub.Treasury(ctx); err != nil {
		return res, err
	}
	if res.Giver, err = hub.RewardAccount(ctx, "alice"); err != nil {
		return res, err
	}
	if res.Referrer, err = hub.RewardAccount(ctx, "rita"); err != nil {
		return res, err
	}
	pending, err := hub.ListPendingTransfers(ctx)
	if err != nil {
		return res, err
	}
	res.PendingOnHub = len(pending)
	res.WorkerBalance = n.Capability.Balance(WorkerDomain, "bob")
	res.OracleBalance = n.Capability.Balance(HubDomain, "tom-wallet")
	res.Delivered = len(n.Bus.Delivered())
	return res, nil
}
