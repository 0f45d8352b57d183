package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vigil/internal/checkpoint"
	"vigil/internal/config"
	"vigil/internal/delegate"
	"vigil/internal/executor"
	"vigil/internal/fetch"
	"vigil/internal/ledger"
	"vigil/internal/logging"
	"vigil/internal/paths"
	"vigil/internal/policy"
	"vigil/internal/reason"
	"vigil/internal/supervisor"
)

var version = "0.1.0"

var (
	homeDir string
	verbose bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "vigil - a scheduled autonomous agent with a budget and a conscience",
	Long: `vigil is an autonomous agent that lives in a sandboxed home directory.
It wakes on a cron schedule, reasons about what to do, acts through a
policed set of actions, accounts for every token it spends, and goes
dormant when its budget runs out.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if homeDir == "" {
			homeDir = os.Getenv("VIGIL_HOME")
		}
		if homeDir == "" {
			base, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolve home: %w", err)
			}
			homeDir = filepath.Join(base, ".vigil")
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			zcfg.Encoding = "console"
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent daemon until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ag, err := assemble()
		if err != nil {
			return err
		}
		defer ag.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := ag.sup.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info("shutting down")
		return nil
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Wake the agent for a single cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ag, err := assemble()
		if err != nil {
			return err
		}
		defer ag.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ag.sup.Wake(ctx, "manual")
		return printJSON(cmd.OutOrStdout(), ag.sup.Status())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the agent's economic and scheduling state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ag, err := assemble()
		if err != nil {
			return err
		}
		defer ag.close()
		return printJSON(cmd.OutOrStdout(), ag.sup.Status())
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the agent home with zones and a starter constitution",
	RunE: func(cmd *cobra.Command, args []string) error {
		return initHome(cmd, homeDir)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vigil %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "agent home directory (default $VIGIL_HOME or ~/.vigil)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging to the console")
	rootCmd.AddCommand(runCmd, onceCmd, statusCmd, initCmd, versionCmd)
}

// agent bundles the assembled components of one vigil instance.
type agent struct {
	sup  *supervisor.Supervisor
	logs *logging.Registry
}

func (a *agent) close() {
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// assemble loads configuration and wires every component to the
// sandbox root.
func assemble() (*agent, error) {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return nil, err
	}

	sandbox, err := paths.NewSandbox(cfg.Home)
	if err != nil {
		return nil, err
	}

	logs, err := logging.NewRegistry(cfg.Home, logger, cfg.Logging.DebugMode || verbose, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logs.Get(logging.CategoryBoot).Info("assembling agent",
		zap.String("home", cfg.Home), zap.String("model", cfg.LLM.Model))

	if err := os.MkdirAll(filepath.Join(cfg.Home, "income"), 0o755); err != nil {
		return nil, err
	}
	led, err := ledger.Open(filepath.Join(cfg.Home, "income", "ledger.json"), cfg.Budget.InitialUSD, cfg.Budget.TransactionCap)
	if err != nil {
		return nil, err
	}

	decisionDir := filepath.Join(cfg.Home, "state", "decisions")
	store, err := policy.NewStore(decisionDir, cfg.Retention.DecisionMax, cfg.Retention.DecisionCompactEvery)
	if err != nil {
		return nil, err
	}
	pol := policy.NewEngine(sandbox, store, logs.Get(logging.CategoryPolicy))

	primary := reason.NewClient(reason.Config{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		Model:        cfg.LLM.Model,
		Timeout:      cfg.LLM.Timeout,
		MaxRetries:   cfg.LLM.MaxRetries,
		RetryBackoff: cfg.LLM.RetryBackoff,
	}, logs.Get(logging.CategoryCycle))

	worker := reason.NewClient(reason.Config{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		Model:        cfg.LLM.DelegateModel,
		Timeout:      cfg.LLM.Timeout,
		MaxRetries:   cfg.LLM.MaxRetries,
		RetryBackoff: cfg.LLM.RetryBackoff,
	}, logs.Get(logging.CategoryDelegate))

	orchestrator := delegate.NewOrchestrator(worker, led, sandbox, delegate.Config{
		MaxTurns:        cfg.Delegation.MaxTurns,
		BatchWidth:      cfg.Delegation.BatchWidth,
		CeilingUSD:      cfg.Delegation.CeilingUSD,
		MaxTasks:        cfg.Delegation.MaxTasks,
		ToolReadCap:     cfg.Delegation.ToolReadCap,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
	}, logs.Get(logging.CategoryDelegate))

	fetcher := fetch.New(cfg.Fetch.AllowedDomains, cfg.Fetch.MaxBodyBytes, cfg.Fetch.Timeout, logs.Get(logging.CategoryFetch))
	checkpoints := checkpoint.New(cfg.Home, logs.Get(logging.CategoryExecutor))

	sched, err := supervisor.NewSchedule(sandbox, cfg.Schedule.Cron, logs.Get(logging.CategorySchedule))
	if err != nil {
		return nil, err
	}

	exec := executor.New(sandbox, fetcher, checkpoints, orchestrator, sched, executor.Config{
		DefaultTimeout: cfg.Execution.DefaultTimeout,
		MaxTimeout:     cfg.Execution.MaxTimeout,
		OutputCapBytes: cfg.Execution.OutputCapBytes,
		WriteCapBytes:  cfg.Limits.WriteCapBytes,
	}, logs.Get(logging.CategoryExecutor))

	sup := supervisor.New(cfg, sandbox, primary, pol, exec, led, store, sched, logs.Get(logging.CategoryCycle))
	return &agent{sup: sup, logs: logs}, nil
}

const starterConstitution = `# Constitution

You exist to be useful, honest, and self-sustaining.

1. Never misrepresent yourself as human. Everything you publish
   discloses its authorship.
2. Spend carefully. Your budget is finite and dormancy is real.
3. Keep your home in order: journal your reasoning, checkpoint your
   progress, answer your messages.
4. Cause no harm outside your sandbox.
`

func initHome(cmd *cobra.Command, home string) error {
	for _, zone := range []string{"state", "projects", "income", "comms/inbox", "comms/outbox", "www"} {
		if err := os.MkdirAll(filepath.Join(home, zone), 0o755); err != nil {
			return err
		}
	}

	constitution := filepath.Join(home, "state", "constitution.md")
	if _, err := os.Stat(constitution); os.IsNotExist(err) {
		if err := os.WriteFile(constitution, []byte(starterConstitution), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", constitution)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "initialized agent home at %s\n", home)
	return nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
