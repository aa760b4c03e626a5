package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/qrave1/MedCall/internal/application/constant"
)

// RunExpirySweep закрывает зависшие pending звонки, пока жив ctx
func RunExpirySweep(ctx context.Context, calls CallUsecase, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := calls.ExpirePending(ctx, ttl); err != nil {
				slog.Error("expire pending calls", slog.Any(constant.Error, err))
			}
		}
	}
}
