package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/qrave1/MedCall/internal/application/config"
	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/usecase"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Close pending calls older than PENDING_TTL and exit",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogger(false)

		cfg, err := config.New()
		if err != nil {
			slog.Error("parse config", slog.Any(constant.Error, err))
			os.Exit(1)
		}

		b, err := openBackends(cmd.Context(), cfg)
		if err != nil {
			slog.Error("open backends", slog.Any(constant.Error, err))
			os.Exit(1)
		}
		defer b.Close()

		calls := usecase.NewCallUsecase(b.callRepo, b.userRepo, b.hub)

		n, err := calls.ExpirePending(cmd.Context(), cfg.Call.PendingTTL)
		if err != nil {
			slog.Error("expire pending calls", slog.Any(constant.Error, err))
			os.Exit(1)
		}

		slog.Info("sweep finished", slog.Int64(constant.Count, n))
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
