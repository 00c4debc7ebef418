package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/regionplacer/placer/internal/api"
	"github.com/regionplacer/placer/internal/config"
	"github.com/regionplacer/placer/internal/journal"
	"github.com/regionplacer/placer/internal/server"
	"github.com/regionplacer/placer/internal/store"
	placerclient "github.com/regionplacer/placer/sdk/go"
)

type rootOptions struct {
	configFile string
	dryRun     bool
	verbose    bool
	mode       string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "placerctl",
		Short: "Run and inspect regional placement cycles",
		Long: `Operator tool for the placer. Runs a single evaluation cycle locally,
triggers one on a running server, and inspects stored state, history and
the cycle journal.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", config.DefaultPath, "Configuration file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "Override dry_run from the configuration")
	rootCmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "Verbose logging")
	rootCmd.PersistentFlags().StringVar(&opts.mode, "mode", "", "Storage namespace to inspect: live or dry_run (default follows dry_run)")

	// Subcommands
	rootCmd.AddCommand(runCmd(opts))
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(stateCmd(opts))
	rootCmd.AddCommand(historyCmd(opts))
	rootCmd.AddCommand(journalCmd(opts))
	rootCmd.AddCommand(configCmd(opts))

	return rootCmd
}

// load reads the configuration and applies command line overrides
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(o.configFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("dry-run") {
		cfg.DryRun = o.dryRun
		if errs := cfg.Validate(); len(errs) > 0 {
			return nil, config.ValidationErrors(errs)
		}
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := server.SetupLogging(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *rootOptions) storeMode(cfg *config.Config) (store.Mode, error) {
	switch o.mode {
	case "":
		return store.ModeFor(cfg.DryRun), nil
	case string(store.ModeLive), string(store.ModeDryRun):
		return store.Mode(o.mode), nil
	default:
		return "", fmt.Errorf("invalid mode %q (want %s or %s)", o.mode, store.ModeLive, store.ModeDryRun)
	}
}

// runCmd evaluates one cycle in-process
func runCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one evaluation cycle locally",
		Long: `Collects traffic, decides, commits the new state and applies actions
exactly as one scheduled cycle of the server would.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			rt, err := server.Open(config.NewStatic(cfg))
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.Engine.RunCycle(ctx)
			if err != nil {
				return fmt.Errorf("cycle failed: %w", err)
			}

			logrus.WithFields(logrus.Fields{
				"deployed": len(res.Deployed),
				"removed":  len(res.Removed),
				"errors":   len(res.Errors),
			}).Debug("Cycle finished")
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

// triggerCmd asks a running server to evaluate a cycle
func triggerCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger an evaluation cycle on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res, err := placerclient.NewClient(url).Trigger(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://localhost:8080", "Server base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Request timeout")
	return cmd
}

// stateView is the printable form of a stored deployment state
type stateView struct {
	Mode    store.Mode            `json:"mode"`
	Placed  []string              `json:"placed"`
	Regions map[string]*time.Time `json:"regions"`
	Removed map[string]time.Time  `json:"removed,omitempty"`
}

func stateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or migrate the stored deployment state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the deployment state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(ctx context.Context, backend store.Backend, mode store.Mode) error {
				state, err := backend.State(mode).Load(ctx)
				if err != nil {
					return fmt.Errorf("failed to load state: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), stateView{
					Mode:    mode,
					Placed:  state.PlacedRegions(),
					Regions: state.Regions,
					Removed: state.Removed,
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Rewrite a legacy list state in the current map form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(ctx context.Context, backend store.Backend, mode store.Mode) error {
				n, err := store.Migrate(ctx, backend.State(mode))
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s state: %d placed regions\n", mode, n)
				return nil
			})
		},
	})

	return cmd
}

func historyCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the stored traffic history",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the traffic history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, func(ctx context.Context, backend store.Backend, mode store.Mode) error {
				entries, err := backend.History(mode).Load(ctx)
				if err != nil {
					return fmt.Errorf("failed to load history: %w", err)
				}
				if limit > 0 && len(entries) > limit {
					entries = entries[:limit]
				}
				if entries == nil {
					entries = []api.TrafficSnapshot{}
				}
				return printJSON(cmd.OutOrStdout(), server.HistoryResponse{Mode: string(mode), Entries: entries})
			})
		},
	}
	show.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum entries to print (0 prints all)")

	cmd.AddCommand(show)
	return cmd
}

func journalCmd(opts *rootOptions) *cobra.Command {
	var last int

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the cycle journal",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print recorded cycles, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			mode, err := opts.storeMode(cfg)
			if err != nil {
				return err
			}
			if cfg.Storage.JournalDir == "" {
				return fmt.Errorf("journal disabled: storage.journal_dir is empty")
			}

			cycles, err := journal.ReplayDir(filepath.Join(cfg.Storage.JournalDir, string(mode)))
			if err != nil {
				return fmt.Errorf("failed to replay journal: %w", err)
			}
			if last > 0 && len(cycles) > last {
				cycles = cycles[len(cycles)-last:]
			}
			if cycles == nil {
				cycles = []api.CycleResult{}
			}
			return printJSON(cmd.OutOrStdout(), cycles)
		},
	}
	show.Flags().IntVarP(&last, "last", "n", 0, "Print only the most recent cycles (0 prints all)")

	cmd.AddCommand(show)
	return cmd
}

func configCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate or print the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid (mode: %s)\n", store.ModeFor(cfg.DryRun))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg.Redacted()); err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			return enc.Close()
		},
	})

	return cmd
}

// withBackend opens the configured storage and runs fn against the selected mode
func withBackend(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, backend store.Backend, mode store.Mode) error) error {
	cfg, err := opts.load(cmd)
	if err != nil {
		return err
	}
	mode, err := opts.storeMode(cfg)
	if err != nil {
		return err
	}

	backend, err := store.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer backend.Close()

	return fn(cmd.Context(), backend, mode)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
