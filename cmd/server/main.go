package main // Entry point package

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iliyamo/local-heroes/internal/config"
	"github.com/iliyamo/local-heroes/internal/database"
	"github.com/iliyamo/local-heroes/internal/jobs"
	"github.com/iliyamo/local-heroes/internal/logging"
	"github.com/iliyamo/local-heroes/internal/repository"
	"github.com/iliyamo/local-heroes/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var migrateFirst bool
	root := &cobra.Command{
		Use:           "local-heroes",
		Short:         "Local Heroes marketplace backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), config.Load(), migrateFirst)
		},
	}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), config.Load(), migrateFirst)
		},
	}
	root.PersistentFlags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before serving")
	root.AddCommand(serveCmd, newMigrateCmd(), newSweepCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Apply or roll back database migrations"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return database.MigrateUp(config.Load())
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations (default 1 step)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil {
						return fmt.Errorf("invalid steps %q", args[0])
					}
					steps = n
				}
				return database.MigrateDown(config.Load(), steps)
			},
		},
	)
	return cmd
}

// newSweepCmd runs the expired refresh token sweep once, for hosts that
// prefer an external scheduler over the in-process cron.
func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-tokens",
		Short: "Delete expired refresh tokens once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			log := logging.New(cfg.Env, cfg.LogLevel)
			db, err := database.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			tokens := service.NewTokenService(repository.NewTokenRepo(db), tokenConfig(cfg), log)
			n, err := jobs.RunTokenSweep(cmd.Context(), tokens, log)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d expired refresh tokens\n", n)
			return nil
		},
	}
}
