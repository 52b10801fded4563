package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job worker without the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		if once, _ := cmd.Flags().GetBool("once"); once {
			if _, err := env.Pool.Reap(ctx); err != nil {
				return err
			}
			n, err := env.Pool.Tick(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("worker pass complete", zap.Int("jobs", n))
			return nil
		}

		return env.Pool.Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		zap.L().Info("schema up to date", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	workerCmd.Flags().Bool("once", false, "run a single poll and exit")
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
}
