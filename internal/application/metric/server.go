package metric

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck - проверка одной зависимости (postgres, redis)
type ReadinessCheck func(ctx context.Context) error

// NewServer - /metrics, /health (процесс жив) и /ready (зависимости отвечают)
func NewServer(checks map[string]ReadinessCheck) *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	e.GET("/ready", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
		defer cancel()

		status := http.StatusOK
		report := make(map[string]string, len(names))

		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				status = http.StatusServiceUnavailable
				report[name] = err.Error()

				continue
			}

			report[name] = "ok"
		}

		return c.JSON(status, report)
	})

	return e
}
