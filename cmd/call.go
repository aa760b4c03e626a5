package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/qrave1/MedCall/internal/application/config"
	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/domain"
	"github.com/qrave1/MedCall/internal/domain/input"
	"github.com/qrave1/MedCall/internal/infra/adapters/memory"
	"github.com/qrave1/MedCall/internal/infra/adapters/pionrtc"
	"github.com/qrave1/MedCall/internal/negotiator"
	"github.com/qrave1/MedCall/internal/usecase"
)

const waitingReport = 10 * time.Second

var (
	callTo      string
	callAs      string
	callRetries int
)

// callCmd - звонящий без браузера: комната ожидания с синтетическим медиа
var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Place a call and wait in the waiting room until a doctor answers",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		setupLogger(false)

		in, err := callInput(callAs, callTo)
		if err != nil {
			slog.Error("invalid flags", slog.Any(constant.Error, err))
			os.Exit(1)
		}

		cfg, err := config.New()
		if err != nil {
			slog.Error("parse config", slog.Any(constant.Error, err))
			os.Exit(1)
		}

		setupLogger(cfg.Debug)

		if err = runCall(ctx, cfg, in, callRetries); err != nil {
			slog.Error("call failed", slog.Any(constant.Error, err))
			os.Exit(1)
		}
	},
}

func init() {
	callCmd.Flags().StringVar(&callTo, "to", "", "doctor user id, empty means any doctor")
	callCmd.Flags().StringVar(&callAs, "as", "", "caller user id, empty means anonymous")
	callCmd.Flags().IntVar(&callRetries, "retries", 3, "negotiation attempts after a timeout")

	rootCmd.AddCommand(callCmd)
}

func callInput(as, to string) (input.CreateCallInput, error) {
	var in input.CreateCallInput

	if as != "" {
		id, err := uuid.Parse(as)
		if err != nil {
			return in, fmt.Errorf("--as: %w", err)
		}
		in.CallerID = &id
	}

	if to != "" {
		id, err := uuid.Parse(to)
		if err != nil {
			return in, fmt.Errorf("--to: %w", err)
		}
		in.ReceiverID = &id
	}

	return in, nil
}

func runCall(ctx context.Context, cfg *config.Config, in input.CreateCallInput, retries int) error {
	if err := requireSharedBackends(cfg); err != nil {
		return fmt.Errorf("caller needs backends shared with the server: %w", err)
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	users := usecase.NewUserUsecase([]byte(cfg.JWTSecret), b.userRepo, memory.NewWSConnectionRepository())
	calls := usecase.NewCallUsecase(b.callRepo, b.userRepo, b.hub)

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

	room, err := lifecycle.PlaceCall(ctx, in)
	if err != nil {
		return err
	}

	return waitInRoom(ctx, room, retries)
}

// waitInRoom держит комнату ожидания до конца разговора, отмены или исчерпания попыток
func waitInRoom(ctx context.Context, room *usecase.WaitingRoom, retries int) error {
	attrs := []any{
		slog.String(constant.CallID, room.Call().ID.String()),
		slog.String(constant.Participant, room.Participant()),
	}

	slog.Info("waiting for a doctor", attrs...)

	ticker := time.NewTicker(waitingReport)
	defer ticker.Stop()

	cancelCall := func() error {
		call, err := room.Cancel(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("cancel call: %w", err)
		}

		slog.Info("call cancelled", append(attrs, slog.String(constant.Status, string(call.Status)))...)

		return nil
	}

	for {
		session := room.Session()

		select {
		case <-ctx.Done():
			return cancelCall()

		case <-ticker.C:
			if session.State() != negotiator.StateConnected {
				slog.Info(
					"still waiting",
					append(attrs,
						slog.Duration("elapsed", room.Elapsed()),
						slog.String(constant.State, string(session.State())),
					)...,
				)
			}

		case <-session.Done():
			// сессия могла закрыться по тому же ctx раньше, чем сработала ветка выше
			if ctx.Err() != nil {
				return cancelCall()
			}

			if session.State() == negotiator.StateClosed {
				slog.Info("call finished", attrs...)
				return nil
			}

			if !errors.Is(session.Err(), domain.ErrNegotiationTimeout) || retries <= 0 {
				if _, err := room.Cancel(context.WithoutCancel(ctx)); err != nil {
					slog.Warn("end call", append(attrs, slog.Any(constant.Error, err))...)
				}

				return fmt.Errorf("negotiation failed: %w", session.Err())
			}

			retries--

			if err := room.Retry(ctx); err != nil {
				return fmt.Errorf("retry: %w", err)
			}

			slog.Info("negotiation timed out, retrying", append(attrs, slog.Int("retries_left", retries))...)
		}
	}
}
