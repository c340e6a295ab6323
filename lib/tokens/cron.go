package tokens

import (
	"crypto/subtle"
	"net/http"

	"github.com/jooray/cashupayserver/lib/responses"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// CronKeyMiddleware guards the external cron trigger with a shared
// secret, accepted as a `key` query parameter or an X-Cron-Key header.
// An empty configured key disables the endpoint entirely.
func CronKeyMiddleware(key string) echo.MiddlewareFunc {
	if key == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				return echo.NewHTTPError(http.StatusForbidden, "cron trigger is not configured")
			}
		}
	}
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "query:key,header:X-Cron-Key",
		Validator: func(auth string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(auth), []byte(key)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return c.JSON(http.StatusUnauthorized, responses.BadAuthError)
		},
	})
}
