package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/qrave1/MedCall/internal/application/config"
	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/domain/input"
	"github.com/qrave1/MedCall/internal/infra/appctx"
	"github.com/qrave1/MedCall/internal/infra/ports/http/dto"
	"github.com/qrave1/MedCall/internal/infra/ports/http/middleware"
	"github.com/qrave1/MedCall/internal/usecase"
)

const cookieTTL = 72 * time.Hour

type AuthHandler struct {
	cfg         *config.Config
	userUsecase usecase.UserUsecase
}

func NewAuthHandler(cfg *config.Config, userUsecase usecase.UserUsecase) *AuthHandler {
	return &AuthHandler{
		cfg:         cfg,
		userUsecase: userUsecase,
	}
}

func (h *AuthHandler) Register(c echo.Context) error {
	var req dto.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	user, err := h.userUsecase.CreateUser(c.Request().Context(), input.RegisterUserInput{
		Username: req.Username,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		if errors.Is(err, usecase.ErrInvalidUserInput) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}

		slog.Error("create user failed", slog.Any(constant.Error, err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not create user"})
	}

	return c.JSON(http.StatusCreated, user)
}

func (h *AuthHandler) Login(c echo.Context) error {
	var req dto.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	user, err := h.userUsecase.ValidateCredentials(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		slog.Warn("validate credentials failed", slog.String(constant.UserName, req.Username), slog.Any(constant.Error, err))
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	}

	token, err := h.userUsecase.GenerateJWT(user)
	if err != nil {
		slog.Error("generate JWT failed", slog.Any(constant.Error, err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not create token"})
	}

	sameSite := http.SameSiteNoneMode
	if h.cfg.Debug {
		sameSite = http.SameSiteLaxMode
	}

	c.SetCookie(&http.Cookie{
		Name:     middleware.CookieName,
		Value:    token,
		Expires:  time.Now().Add(cookieTTL),
		Domain:   middleware.BuildCookieDomain(h.cfg.Domain),
		Path:     "/",
		Secure:   !h.cfg.Debug,
		HttpOnly: true,
		SameSite: sameSite,
	})

	return c.NoContent(http.StatusOK)
}

func (h *AuthHandler) GetMe(c echo.Context) error {
	userID, ok := appctx.UserID(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid user ID in context"})
	}

	user, err := h.userUsecase.GetUserByID(c.Request().Context(), userID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "user not found"})
	}

	return c.JSON(http.StatusOK, dto.GetMeResponse{
		ID:       user.ID,
		Username: user.Username,
		Role:     user.Role,
	})
}

// GetOnlineDoctors - врачи, у которых открыта лента входящих
func (h *AuthHandler) GetOnlineDoctors(c echo.Context) error {
	doctors, err := h.userUsecase.GetOnlineDoctors(c.Request().Context())
	if err != nil {
		slog.Error("get online doctors failed", slog.Any(constant.Error, err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not get online doctors"})
	}

	return c.JSON(http.StatusOK, doctors)
}
