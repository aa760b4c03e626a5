package middleware

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/infra/appctx"
)

const CookieName = "jwt"

var (
	errMissingToken   = errors.New("missing or malformed jwt")
	errInvalidToken   = errors.New("invalid or expired jwt")
	errInvalidSubject = errors.New("invalid subject")
)

// JWTAuthMiddleware пропускает только запросы с валидной jwt cookie
func JWTAuthMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cookie, err := c.Cookie(CookieName)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": errMissingToken.Error()})
			}

			if err = authenticate(c, secret, cookie.Value); err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
			}

			return next(c)
		}
	}
}

// OptionalJWTMiddleware - анонимный пациент может звонить без cookie.
// Если cookie есть, она обязана быть валидной.
func OptionalJWTMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cookie, err := c.Cookie(CookieName)
			if err != nil || cookie.Value == "" {
				return next(c)
			}

			if err = authenticate(c, secret, cookie.Value); err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
			}

			return next(c)
		}
	}
}

// RequireRole ставится после JWTAuthMiddleware
func RequireRole(role models.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got, ok := appctx.Role(c.Request().Context())
			if !ok || got != role {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "only " + string(role) + " allowed"})
			}

			return next(c)
		}
	}
}

func authenticate(c echo.Context, secret, raw string) error {
	claims := new(models.Claims)

	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return errInvalidToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return errInvalidSubject
	}

	role := claims.Role
	if !role.Valid() {
		role = models.RolePatient
	}

	ctx := appctx.WithUserID(c.Request().Context(), userID)
	ctx = appctx.WithRole(ctx, role)

	c.SetRequest(c.Request().WithContext(ctx))

	return nil
}

// BuildCookieDomain возвращает значение для cookie.Domain или пустую строку, если Domain не нужно задавать.
//
// host может быть взят из cfg.Domain или r.Host (request.Host).
func BuildCookieDomain(host string) string {
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")

	// Убираем порт: example.com:8080 -> example.com
	if i := strings.Index(host, ":"); i != -1 {
		host = host[:i]
	}

	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" || host == "localhost" {
		return ""
	}

	// для IP Domain не указываем
	if ip := net.ParseIP(host); ip != nil {
		return ""
	}

	// api.example.com -> .example.com
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return "." + strings.Join(parts[len(parts)-2:], ".")
	}

	return ""
}
