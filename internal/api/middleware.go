package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/careagent/neuron/internal/domain"
)

const (
	ctxKeyID     = "api_key_id"
	apiKeyHeader = "X-API-Key"
)

// errorBody is the REST error envelope (spec §4.7): {"error", "code"}.
func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error(), "code": domain.Code(err)}
}

// RequireAPIKey authenticates every request against the key store via
// the X-API-Key header (or a Bearer Authorization header, for clients
// that prefer that convention).
func RequireAPIKey(keys *KeyStore) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			plaintext := c.Request().Header.Get(apiKeyHeader)
			if plaintext == "" {
				if auth := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(auth, "Bearer ") {
					plaintext = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if plaintext == "" {
				return c.JSON(http.StatusUnauthorized, errorBody(domain.ErrMissingKey))
			}

			key, err := keys.Verify(c.Request().Context(), plaintext)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorBody(err))
			}

			c.Set(ctxKeyID, key.KeyID)
			return next(c)
		}
	}
}
