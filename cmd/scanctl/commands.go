package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	httpadapter "cardscan/internal/adapters/http"
	"cardscan/internal/app"
	"cardscan/internal/config"
	"cardscan/internal/logging"
	"cardscan/internal/workers/scanrunner"
)

type globals struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:          "scanctl",
		Short:        "Administer the cardscan queues",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "config file path (defaults to $CARDSCAN_CONFIG)")

	cmd.AddCommand(
		newMigrateCommand(g),
		newSweepCommand(g),
		newDrainCommand(g),
		newRunOneCommand(g),
		newTokenCommand(g),
	)
	return cmd
}

func (g *globals) load(cmd *cobra.Command) (context.Context, *config.Config, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return nil, nil, err
	}
	log := logging.Setup(cfg.Server.LogLevel)
	return logging.WithContext(cmd.Context(), log), cfg, nil
}

func (g *globals) open(cmd *cobra.Command) (context.Context, *app.App, error) {
	ctx, cfg, err := g.load(cmd)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	return ctx, a, nil
}

func newMigrateCommand(g *globals) *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			store, release, err := app.OpenStore(ctx, cfg.Database, nil)
			if err != nil {
				return err
			}
			defer release()
			m, ok := store.(app.Migrator)
			if !ok {
				return fmt.Errorf("database driver %q has no schema", cfg.Database.Driver)
			}
			if !statusOnly {
				if err := m.Migrate(ctx); err != nil {
					return err
				}
			}
			v, err := m.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "only print the applied schema version")
	return cmd
}

func newSweepCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciler pass: requeue stuck jobs, purge old failures, repair deletes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Reconciler.Sweep(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "requeued=%d exhausted=%d purged=%d reenqueued=%d\n",
				res.Requeued, res.Exhausted, res.Purged, res.Reenqueued)
			return err
		},
	}
}

func newDrainCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Execute every claimable deferred command",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.Commands.Drain(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d commands\n", n)
			return err
		},
	}
}

func newRunOneCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "run-one",
		Short: "Claim and process a single scan job",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ran, err := scanrunner.RunOnce(ctx, a.Jobs, a.Process)
			if err != nil {
				return err
			}
			if !ran {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending jobs")
			}
			return nil
		},
	}
}

func newTokenCommand(g *globals) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token OWNER_ID",
		Short: "Mint a bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			tok, err := httpadapter.NewAuthenticator(cfg.Auth.JWTSecret).IssueToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
