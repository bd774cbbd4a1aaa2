package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"openwork/internal/app"
	"openwork/internal/config"
	"openwork/internal/db"
	"openwork/internal/domain"
	"openwork/internal/executor"
	"openwork/internal/logging"
	"openwork/internal/server"
	"openwork/internal/sim"
	transferkafka "openwork/internal/transfer/kafka"
	transportkafka "openwork/internal/transport/kafka"
)

var rootCmd = &cobra.Command{
	Use:   "openwork",
	Short: "OpenWork domain node CLI",
	Long: `OpenWork coordinates freelance jobs across execution domains.
- Local domains: where givers post jobs and takers apply, submit and raise disputes.
- Hub: the authoritative copy of every job, its escrow, disputes and rewards.
- Main domain: staking, governance proposals and reward claims.
- Router: numbered messages between domains, applied exactly once and in order.
- Transfers: value leaves a domain through the burn/mint capability.
Each workspace holds one domain; its openwork.yml says which.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "sim" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPENWORK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("role", "", "domain role when there is no openwork.yml (local, hub, main)")
	rootCmd.PersistentFlags().Uint32("domain", 0, "domain id (overrides openwork.yml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("domain", rootCmd.PersistentFlags().Lookup("domain"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(hubCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(rewardsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(simCmd())
}

func hubCmd() *cobra.Command {
	hub := &cobra.Command{
		Use:   "hub",
		Short: "Run and operate the hub domain",
	}
	hub.AddCommand(hubServeCmd())
	hub.AddCommand(hubSettleCmd())
	hub.AddCommand(hubRetryTransfersCmd())
	hub.AddCommand(hubTokenCmd())
	return hub
}

func hubServeCmd() *cobra.Command {
	var addr, basePath, group string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the hub API and run the router loop",
		Long:  "Serves the read API, flushes the outbox and settles transfers every interval. With OPENWORK_KAFKA_BROKERS set, messages travel over Kafka and burn requests go to the bridge topic.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := newLogger()
			proc, err := config.LoadProcess()
			if err != nil {
				return err
			}
			if proc.JWTSecret == "" {
				return fmt.Errorf("OPENWORK_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = proc.Addr
			}
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if cfg.Domain.Role != domain.RoleHub {
				return fmt.Errorf("%w: workspace is a %s domain", domain.ErrInvalidInput, cfg.Domain.Role)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			opts := app.Options{
				Workspace:  viper.GetString("workspace"),
				Registerer: reg,
				Logger:     log,
			}
			if proc.RedisAddr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: proc.RedisAddr})
				defer rdb.Close()
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis %s: %w", proc.RedisAddr, err)
				}
				opts.Locker = executor.NewRedisLocker(rdb, "openwork:")
			}
			var consumer *transportkafka.Consumer
			if len(proc.KafkaBrokers) > 0 {
				tr, err := transportkafka.NewTransport(proc.KafkaBrokers)
				if err != nil {
					return err
				}
				defer tr.Close()
				capability, err := transferkafka.New(proc.KafkaBrokers, "")
				if err != nil {
					return err
				}
				defer capability.Close()
				if group == "" {
					group = fmt.Sprintf("openwork-domain-%d", cfg.Domain.ID)
				}
				consumer, err = transportkafka.NewConsumer(proc.KafkaBrokers, group, cfg.Domain.ID, log.With("component", "consumer"))
				if err != nil {
					return err
				}
				defer consumer.Close()
				opts.Transport, opts.Capability = tr, capability
			}

			node, err := app.NewNode(ctx, cfg, opts)
			if err != nil {
				return err
			}
			defer node.Close()

			handler, err := server.New(server.Config{
				Engine:   node.Hub,
				Settler:  node.Settler,
				Exec:     node.Exec,
				Gatherer: reg,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: proc.JWTSecret, Logger: log},
				Logger:   log,
			})
			if err != nil {
				return err
			}

			go func() {
				if err := node.Run(ctx, interval); err != nil {
					log.Error("router loop stopped", "error", err)
				}
			}()
			if consumer != nil {
				go func() {
					if err := consumer.Run(ctx, node); err != nil {
						log.Error("kafka consumer stopped", "error", err)
					}
				}()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving hub API", "addr", addr, "base_path", basePath, "domain", cfg.Domain.ID, "kafka", len(proc.KafkaBrokers) > 0)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default OPENWORK_ADDR or 127.0.0.1:8080)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&group, "group", "", "kafka consumer group")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "router tick interval")
	return cmd
}

func hubSettleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle <dispute-id>",
		Short: "Settle a dispute whose voting window has closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				if n.Hub == nil {
					return notRole(n, domain.RoleHub)
				}
				var d domain.Dispute
				err := n.Exec(ctx, func(ctx context.Context) error {
					var err error
					d, _, err = n.Hub.Settle(ctx, args[0])
					return err
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("dispute %s settled: %s wins (giver %d, taker %d)\n", d.ID, d.Outcome, d.PowerForGiver, d.PowerForTaker)
				return nil
			})
		},
	}
	return cmd
}

func hubRetryTransfersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry-transfers [transfer-id...]",
		Short: "Re-queue failed transfers",
		Long:  "Without arguments every failed transfer is re-queued. A re-queued transfer starts over with zero attempts and unhalts its job.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				ids := args
				if len(ids) == 0 {
					failed, err := n.Settler.Repo.ListTransfers(ctx, n.DB, domain.TransferFailed)
					if err != nil {
						return err
					}
					for _, t := range failed {
						ids = append(ids, t.ID)
					}
				}
				var retried []domain.Transfer
				for _, id := range ids {
					err := n.Exec(ctx, func(ctx context.Context) error {
						t, err := n.Settler.Retry(ctx, id)
						if err != nil {
							return fmt.Errorf("retry %s: %w", id, err)
						}
						retried = append(retried, t)
						return nil
					})
					if err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(retried)
				}
				printTransfers(retried)
				return nil
			})
		},
	}
	return cmd
}

func hubTokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the hub API",
		RunE: func(cmd *cobra.Command, args []string) error {
			proc, err := config.LoadProcess()
			if err != nil {
				return err
			}
			if proc.JWTSecret == "" {
				return fmt.Errorf("OPENWORK_JWT_SECRET is required to sign tokens")
			}
			tok, err := server.IssueToken(proc.JWTSecret, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id the token speaks for")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to grant (e.g. operator)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs",
	}
	job.AddCommand(jobShowCmd())
	return job
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job and its milestones",
		Long:  "On the hub this is the authoritative record; on a local domain it is the last mirror the hub sent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				var (
					j   domain.Job
					err error
				)
				switch {
				case n.Hub != nil:
					j, err = n.Hub.GetJob(ctx, args[0])
				case n.Local != nil:
					j, err = n.Local.GetJob(ctx, args[0])
				default:
					return notRole(n, domain.RoleHub)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(j)
				}
				fmt.Printf("%s  giver=%s  status=%s  taker=%s  disputes=%d  halted=%t\n",
					j.ID, j.GiverID, j.Status, j.SelectedApplicant, j.DisputeCount, j.Halted)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Description", "Amount", "State", "Current"})
				for _, m := range j.Milestones {
					current := ""
					if m.Index == j.CurrentMilestone {
						current = "*"
					}
					tw.AppendRow(table.Row{m.Index, m.Description, config.Amount(m.Amount), m.State, current})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func disputeCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispute",
		Short: "Inspect disputes",
	}
	d.AddCommand(disputeShowCmd())
	return d
}

func disputeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a dispute and its votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				if n.Local != nil {
					m, err := n.Local.GetDispute(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(m)
				}
				if n.Hub == nil {
					return notRole(n, domain.RoleHub)
				}
				d, err := n.Hub.GetDispute(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				status := "voting until " + d.VotingEndsAt
				if d.Resolved {
					status = string(d.Outcome) + " wins"
				}
				fmt.Printf("%s  raiser=%s  fee=%s  amount=%s  %s\n",
					d.ID, d.RaiserID, config.Amount(d.Fee), config.Amount(d.DisputedAmount), status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Voter", "For", "Power", "Claim address"})
				for _, v := range d.Votes {
					side := "taker"
					if v.InFavorOfGiver {
						side = "giver"
					}
					tw.AppendRow(table.Row{v.VoterID, side, v.VotingPower, v.ClaimAddress})
				}
				tw.AppendFooter(table.Row{"", "giver / taker", fmt.Sprintf("%d / %d", d.PowerForGiver, d.PowerForTaker), ""})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func rewardsCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "rewards",
		Short: "Inspect reward accounts",
	}
	r.AddCommand(rewardsShowCmd())
	return r
}

func rewardsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <user>",
		Short: "Show a user's reward account",
		Long:  "On the hub this shows earned, unlocked and claimed tokens; on the main domain it shows the synced claim balance.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *app.Node) error {
				if n.Main != nil {
					b, err := n.Main.Balance(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(b)
				}
				if n.Hub == nil {
					return notRole(n, domain.RoleHub)
				}
				acct, err := n.Hub.RewardAccount(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(acct)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Earned", "Unlocked", "Claimed", "Claimable", "Locked", "Gov actions", "Referrer"})
				tw.AppendRow(table.Row{acct.UserID, config.Amount(acct.Earned), config.Amount(acct.Unlocked),
					config.Amount(acct.Claimed), config.Amount(acct.Claimable), config.Amount(acct.Locked),
					acct.GovernanceActions, acct.Referrer})
				tw.Render()
				if len(acct.Bands) > 0 {
					return printJSONOrTable(acct.Bands)
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect domain config",
		Long:  "openwork.yml holds the domain's id and role, the peers it talks to, and its commission, dispute, reward and staking policy.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default openwork.yml for --role and --domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, id := domain.Role(viper.GetString("role")), viper.GetUint32("domain")
			if role == "" || id == 0 {
				return fmt.Errorf("%w: --role and --domain are required", domain.ErrInvalidInput)
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default(role, id).Validate(); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(role, id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate openwork.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := resolveConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func simCmd() *cobra.Command {
	var reverse, duplicate bool
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a job, a dispute and a reward claim across an in-memory network",
		Long:  "Starts two local domains, the hub and the main domain in a temporary directory, drives them through a full scenario and prints what is left.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.MkdirTemp("", "openwork-sim-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			res, err := sim.Run(cmd.Context(), dir, sim.Options{
				Reverse:   reverse,
				Duplicate: duplicate,
				Logger:    newLogger(),
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"What", "Value"})
			tw.AppendRows([]table.Row{
				{"job " + res.Job.ID, res.Job.Status},
				{"client mirror", res.ClientMirror.Status},
				{"escrow released / commission", fmt.Sprintf("%s / %s", config.Amount(res.Escrow.Released), config.Amount(res.Escrow.Commission))},
				{"dispute " + res.Dispute.ID, string(res.Dispute.Outcome) + " wins"},
				{"worker mirror giver wins", res.DisputeMirror.GiverWins},
				{"worker balance", config.Amount(res.WorkerBalance)},
				{"oracle balance", config.Amount(res.OracleBalance)},
				{"treasury", config.Amount(res.Treasury)},
				{"giver earned / claimed", fmt.Sprintf("%s / %s", config.Amount(res.Giver.Earned), config.Amount(res.Giver.Claimed))},
				{"referrer earned", config.Amount(res.Referrer.Earned)},
				{"claimed on main", config.Amount(res.Claimed)},
				{"messages delivered", res.Delivered},
				{"transfers pending on hub", res.PendingOnHub},
			})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&reverse, "reverse", false, "deliver every batch in reverse order")
	cmd.Flags().BoolVar(&duplicate, "duplicate", false, "deliver every message twice")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	return logging.New(logging.ParseLevel(viper.GetString("log-level")))
}

func resolveConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("workspace"), domain.Role(viper.GetString("role")), viper.GetUint32("domain"))
}

// withNode opens the workspace's node without a transport: commands only
// write to the outbox, and the serving process flushes it.
func withNode(ctx context.Context, fn func(context.Context, *app.Node) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	n, err := app.NewNode(ctx, cfg, app.Options{
		Workspace: viper.GetString("workspace"),
		Logger:    newLogger(),
	})
	if err != nil {
		return err
	}
	defer n.Close()
	return fn(ctx, n)
}

func notRole(n *app.Node, want domain.Role) error {
	return fmt.Errorf("%w: command needs a %s domain, workspace is %s", domain.ErrInvalidInput, want, n.Config.Domain.Role)
}

func printTransfers(ts []domain.Transfer) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Job", "Kind", "Amount", "Domain", "Recipient", "Status"})
	for _, t := range ts {
		tw.AppendRow(table.Row{t.ID, t.JobID, t.Kind, config.Amount(t.Amount), t.TargetDomain, t.Recipient, t.Status})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
