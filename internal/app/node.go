// Package app wires a domain node: database, router, role service, settler
// and the sequencer that serialises all of them.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"openwork/internal/config"
	"openwork/internal/domain"
	"openwork/internal/engine"
	"openwork/internal/executor"
	"openwork/internal/local"
	"openwork/internal/logging"
	"openwork/internal/maindomain"
	"openwork/internal/router"
	"openwork/internal/transfer"
)

type Options struct {
	Workspace string
	// DB skips opening the workspace database; it must be migrated.
	DB         *sql.DB
	Transport  router.Transport
	Capability transfer.Capability
	Registerer prometheus.Registerer
	Locker     executor.Locker
	Logger     *slog.Logger
	Now        func() time.Time
}

// Node is one execution domain. Inbound messages, commands and the
// background tick all run through Seq.
type Node struct {
	Config  *config.Config
	DB      *sql.DB
	Router  *router.Router
	Settler *transfer.Settler
	Seq     *executor.Sequencer
	Logger  *slog.Logger

	// Exactly one of these is set, by role.
	Hub   *engine.Engine
	Local *local.Service
	Main  *maindomain.Service

	ownDB bool
}

func NewNode(ctx context.Context, cfg *config.Config, opts Options) (*Node, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.With("domain", cfg.Domain.ID, "role", cfg.Domain.Role)
	n := &Node{Config: cfg, DB: opts.DB, Logger: log}
	if n.DB == nil {
		conn, err := OpenWorkspace(ctx, opts.Workspace, cfg.Domain.Role)
		if err != nil {
			return nil, err
		}
		n.DB, n.ownDB = conn, true
	}
	var seqOpts []executor.Option
	if opts.Locker != nil {
		seqOpts = append(seqOpts, executor.WithLocker(opts.Locker, fmt.Sprintf("domain:%d", cfg.Domain.ID), 30*time.Second))
	}
	n.Seq = executor.New(seqOpts...)
	n.Router = router.New(n.DB, cfg.Domain.ID, router.Options{
		Transport:   opts.Transport,
		HoldTimeout: cfg.Router.HoldTimeout,
		Logger:      log.With("component", "router"),
		Metrics:     router.NewMetrics(opts.Registerer),
		Now:         opts.Now,
	})
	n.Settler = transfer.NewSettler(n.DB, opts.Capability, cfg.Transfers.MaxAttempts, log.With("component", "settler"), opts.Registerer)
	n.Settler.Now = opts.Now

	var err error
	switch cfg.Domain.Role {
	case domain.RoleHub:
		e := engine.New(n.DB, cfg, n.Router)
		e.Logger, e.Now = log, opts.Now
		n.Hub = &e
		err = e.Register(n.Router)
	case domain.RoleLocal:
		n.Local = local.New(n.DB, cfg, n.Router)
		n.Local.Logger, n.Local.Now = log, opts.Now
		err = n.Local.Register(n.Router)
	case domain.RoleMain:
		n.Main = maindomain.New(n.DB, cfg, n.Router)
		n.Main.Logger, n.Main.Now = log, opts.Now
		err = n.Main.Register(n.Router)
	default:
		err = fmt.Errorf("%w: unknown role %q", domain.ErrInvalidInput, cfg.Domain.Role)
	}
	if err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// Receive applies an inbound message. Nodes are the transports' receivers.
func (n *Node) Receive(ctx context.Context, msg domain.Message) (router.Outcome, error) {
	var out router.Outcome
	err := n.Seq.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = n.Router.Receive(ctx, msg)
		return err
	})
	return out, err
}

// Exec runs a command against the node's state.
func (n *Node) Exec(ctx context.Context, fn func(ctx context.Context) error) error {
	return n.Seq.Do(ctx, fn)
}

type TickReport struct {
	Flushed   int             `json:"flushed"`
	Discarded int             `json:"discarded"`
	Transfers transfer.Report `json:"transfers"`
}

// Tick flushes the outbox, sweeps stale held messages and settles pending
// transfers. A flush failure is retried on the next tick.
func (n *Node) Tick(ctx context.Context) (TickReport, error) {
	var rep TickReport
	err := n.Seq.Do(ctx, func(ctx context.Context) error {
		var err error
		if n.Router.Transport != nil {
			if rep.Flushed, err = n.Router.Flush(ctx); err != nil {
				n.Logger.Warn("outbox flush incomplete", "error", err)
			}
		}
		if rep.Discarded, err = n.Router.Sweep(ctx); err != nil {
			return fmt.Errorf("sweep held messages: %w", err)
		}
		if n.Settler.Capability != nil {
			if rep.Transfers, err = n.Settler.Settle(ctx); err != nil {
				return fmt.Errorf("settle transfers: %w", err)
			}
		}
		return nil
	})
	return rep, err
}

// Run ticks every interval until ctx is cancelled. Tick errors are logged.
func (n *Node) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			rep, err := n.Tick(ctx)
			if err != nil {
				n.Logger.Error("tick failed", "error", err)
				continue
			}
			if rep.Flushed > 0 || rep.Discarded > 0 || rep.Transfers.Sent > 0 || rep.Transfers.Failed > 0 {
				n.Logger.Info("tick", "flushed", rep.Flushed, "discarded", rep.Discarded,
					"transfers_sent", rep.Transfers.Sent, "transfers_failed", rep.Transfers.Failed, "faults", rep.Transfers.Faults)
			}
		}
	}
}

func (n *Node) Close() error {
	if n.ownDB && n.DB != nil {
		return n.DB.Close()
	}
	return nil
}
