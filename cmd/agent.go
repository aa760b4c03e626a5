package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/qrave1/MedCall/internal/application/config"
	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/domain"
	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/infra/adapters/memory"
	"github.com/qrave1/MedCall/internal/infra/adapters/pionrtc"
	"github.com/qrave1/MedCall/internal/negotiator"
	"github.com/qrave1/MedCall/internal/usecase"
)

var agentUser string

// agentCmd - врач без браузера: берёт входящие звонки и отвечает синтетическим медиа
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a headless doctor that answers incoming calls",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		setupLogger(false)

		doctorID, err := uuid.Parse(agentUser)
		if err != nil {
			slog.Error("invalid --user", slog.Any(constant.Error, err))
			os.Exit(1)
		}

		cfg, err := config.New()
		if err != nil {
			slog.Error("parse config", slog.Any(constant.Error, err))
			os.Exit(1)
		}

		setupLogger(cfg.Debug)

		if err = runAgent(ctx, cfg, doctorID); err != nil {
			slog.Error("agent stopped", slog.Any(constant.Error, err))
			os.Exit(1)
		}
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentUser, "user", "", "doctor user id")
	_ = agentCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(agentCmd)
}

func runAgent(ctx context.Context, cfg *config.Config, doctorID uuid.UUID) error {
	if err := requireSharedBackends(cfg); err != nil {
		return fmt.Errorf("agent needs backends shared with the server: %w", err)
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	users := usecase.NewUserUsecase([]byte(cfg.JWTSecret), b.userRepo, memory.NewWSConnectionRepository())
	calls := usecase.NewCallUsecase(b.callRepo, b.userRepo, b.hub)

	doctor, err := users.GetUserByID(ctx, doctorID)
	if err != nil {
		return err
	}

	if doctor.Role != models.RoleDoctor {
		return errors.New("agent user must be a doctor")
	}

	peers, err := newPeerFactory(cfg)
	if err != nil {
		return err
	}

	lifecycle := usecase.NewLifecycle(calls, users, b.hub, pionrtc.SyntheticSource{}, peers, usecase.LifecycleConfig{
		NegotiationTimeout: cfg.Call.NegotiationTimeout,
		CandidateBuffer:    cfg.Call.CandidateBuffer,
		Policy:             negotiator.PolicyByName(cfg.Call.RolePolicy),
		IncomingMode:       cfg.Call.IncomingMode,
		PollInterval:       cfg.Call.PollInterval,
	})

	incoming, err := lifecycle.WatchIncoming(ctx, doctorID)
	if err != nil {
		return err
	}

	slog.Info(
		"agent waiting for calls",
		slog.Any(constant.UserID, doctorID),
		slog.String(constant.UserName, doctor.Username),
		slog.String("mode", cfg.Call.IncomingMode),
	)

	// звонки обрабатываются по одному, накопившиеся за разговор
	// устаревают и отсекаются ответом ErrCallUnavailable
	for call := range incoming {
		attrs := []any{
			slog.String(constant.CallID, call.Call.ID.String()),
			slog.String("caller", call.CallerName),
		}

		session, err := lifecycle.Answer(ctx, call.Call.ID, doctorID)
		if err != nil {
			if errors.Is(err, domain.ErrCallUnavailable) {
				slog.Info("call taken elsewhere", attrs...)
				continue
			}

			slog.Error("answer call", append(attrs, slog.Any(constant.Error, err))...)
			continue
		}

		slog.Info("call answered", attrs...)

		select {
		case <-session.Done():
		case <-ctx.Done():
			session.Hangup()
		}

		attrs = append(attrs, slog.String(constant.State, string(session.State())))
		if err := session.Err(); err != nil {
			attrs = append(attrs, slog.Any(constant.Error, err))
		}

		slog.Info("call finished", attrs...)
	}

	return nil
}
