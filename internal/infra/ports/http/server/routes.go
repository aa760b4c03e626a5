package server

import (
	"github.com/labstack/echo/v4"

	"github.com/qrave1/MedCall/internal/application/config"
	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/infra/ports/http/handlers"
	"github.com/qrave1/MedCall/internal/infra/ports/http/middleware"
)

func New(
	cfg *config.Config,
	authHandler *handlers.AuthHandler,
	callHandler *handlers.CallHandler,
	iceHandler *handlers.IceHandler,
	signalHandler *handlers.SignalHandler,
	incomingHandler *handlers.IncomingHandler,
) *echo.Echo {
	e := echo.New()

	e.HideBanner = true

	e.Use(middleware.SlogLogger())
	e.Use(middleware.PrometheusMiddleware())

	api := e.Group("/api")
	{
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/login", authHandler.Login)
		}

		// TURN креды нужны и анонимному пациенту
		api.GET("/ice", iceHandler.IceServers)

		// анонимный пациент звонит без регистрации
		calls := api.Group("/calls")
		calls.Use(middleware.OptionalJWTMiddleware(cfg.JWTSecret))
		{
			calls.POST("", callHandler.CreateCall)
			calls.GET("/:id", callHandler.GetCall)
			calls.POST("/:id/cancel", callHandler.EndCall)
			calls.POST("/:id/end", callHandler.EndCall)
			calls.GET("/:id/signal", signalHandler.Handle)
		}

		v1 := api.Group("/v1")
		v1.Use(middleware.JWTAuthMiddleware(cfg.JWTSecret))
		{
			v1.GET("/me", authHandler.GetMe)

			v1.GET("/doctors/online", authHandler.GetOnlineDoctors)

			doctor := v1.Group("/calls")
			doctor.Use(middleware.RequireRole(models.RoleDoctor))
			{
				doctor.GET("/pending", callHandler.ListPending)
				doctor.GET("/incoming", incomingHandler.Handle)
				doctor.POST("/:id/answer", callHandler.AnswerCall)
				doctor.POST("/:id/decline", callHandler.DeclineCall)
			}
		}
	}

	return e
}
